// Package action defines the offline actions field clients upload and the
// structural validation applied to them before any side effect.
package action

import (
	"bytes"
	"encoding/json"
	"time"
)

// Type names the operation an action performs.
type Type string

const (
	CheckInType               Type = "CHECK_IN"
	CheckOutType              Type = "CHECK_OUT"
	TrackType                 Type = "TRACK"
	CreateMaterialRequestType Type = "CREATE_MATERIAL_REQUEST"
	UpdateMaterialRequestType Type = "UPDATE_MATERIAL_REQUEST"
	DeleteMaterialRequestType Type = "DELETE_MATERIAL_REQUEST"
	CreateDPRType             Type = "CREATE_DPR"
	ManualAttendanceType      Type = "MANUAL_ATTENDANCE"
)

// EntityType names the domain object an action affects.
type EntityType string

const (
	Attendance      EntityType = "ATTENDANCE"
	MaterialRequest EntityType = "MATERIAL_REQUEST"
	DPR             EntityType = "DPR"
)

// MaxIDLength bounds client-generated action ids.
const MaxIDLength = 128

// Types returns every known action type in declaration order.
func Types() []Type {
	return []Type{
		CheckInType,
		CheckOutType,
		TrackType,
		CreateMaterialRequestType,
		UpdateMaterialRequestType,
		DeleteMaterialRequestType,
		CreateDPRType,
		ManualAttendanceType,
	}
}

// Valid reports whether t is a known action type.
func (t Type) Valid() bool {
	_, ok := registry[t]
	return ok
}

// Entity returns the entity type t operates on, or "" for unknown types.
func (t Type) Entity() EntityType {
	return registry[t].entity
}

func (e EntityType) Valid() bool {
	switch e {
	case Attendance, MaterialRequest, DPR:
		return true
	}
	return false
}

// Envelope is the wire form of an action as uploaded by a client. It is
// decoded leniently so that a bad payload only rejects its own action.
type Envelope struct {
	ID         string          `json:"id"`
	ActionType Type            `json:"action_type"`
	EntityType EntityType      `json:"entity_type,omitempty"`
	ProjectID  string          `json:"project_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  string          `json:"timestamp,omitempty"`
}

// Action is a structurally valid envelope with a typed payload.
type Action struct {
	ID         string
	Type       Type
	EntityType EntityType
	ProjectID  string
	Payload    Payload
	// ClientTime is the client event time; zero when the client sent none.
	ClientTime time.Time
}

// Decode parses one raw envelope. When the envelope is malformed the
// returned Envelope still carries whatever id and type could be recovered.
func Decode(raw json.RawMessage) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err == nil {
		return env, nil
	}
	var loose map[string]json.RawMessage
	if err := json.Unmarshal(raw, &loose); err == nil {
		_ = json.Unmarshal(loose["id"], &env.ID)
		_ = json.Unmarshal(loose["action_type"], &env.ActionType)
	}
	return env, &ValidationError{Message: "Malformed action"}
}

// Raw encodes env back to JSON; used by callers that build envelopes in code.
func Raw(env Envelope) json.RawMessage {
	data, err := json.Marshal(env)
	if err != nil {
		return nil
	}
	return data
}

func isEmptyJSON(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
