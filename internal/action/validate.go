package action

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ValidationError reports a structural problem with a single action.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func invalid(msg string) error { return &ValidationError{Message: msg} }

type spec struct {
	entity EntityType
	decode func(json.RawMessage) (Payload, error)
}

var registry = map[Type]spec{
	CheckInType:               {Attendance, decodeAs[CheckIn]},
	CheckOutType:              {Attendance, decodeAs[CheckOut]},
	TrackType:                 {Attendance, decodeAs[Track]},
	CreateMaterialRequestType: {MaterialRequest, decodeAs[CreateMaterialRequest]},
	UpdateMaterialRequestType: {MaterialRequest, decodeAs[UpdateMaterialRequest]},
	DeleteMaterialRequestType: {MaterialRequest, decodeAs[DeleteMaterialRequest]},
	CreateDPRType:             {DPR, decodeAs[CreateDPR]},
	ManualAttendanceType:      {Attendance, decodeAs[ManualAttendance]},
}

func decodeAs[T Payload](raw json.RawMessage) (Payload, error) {
	var out T
	if isEmptyJSON(raw) {
		return nil, invalid("payload is required")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return nil, invalid("payload is invalid: " + err.Error())
	}
	return out, nil
}

// Validate checks env structurally and decodes its payload. It performs no
// I/O; every failure is a *ValidationError.
func Validate(env Envelope) (Action, error) {
	if strings.TrimSpace(env.ID) == "" {
		return Action{}, invalid("id is required")
	}
	if len(env.ID) > MaxIDLength {
		return Action{}, invalid(fmt.Sprintf("id exceeds %d characters", MaxIDLength))
	}
	if env.ActionType == "" {
		return Action{}, invalid("action_type is required")
	}
	s, ok := registry[env.ActionType]
	if !ok {
		return Action{}, invalid(fmt.Sprintf("unknown action_type %s", env.ActionType))
	}
	entity := env.EntityType
	if entity == "" {
		entity = s.entity
	}
	if !entity.Valid() {
		return Action{}, invalid(fmt.Sprintf("unknown entity_type %s", entity))
	}
	if entity != s.entity {
		return Action{}, invalid(fmt.Sprintf("entity_type %s does not match action_type %s", entity, env.ActionType))
	}
	if strings.TrimSpace(env.ProjectID) == "" {
		return Action{}, invalid("project_id is required")
	}
	var clientTime time.Time
	if env.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339, env.Timestamp)
		if err != nil {
			return Action{}, invalid("timestamp must be RFC 3339")
		}
		clientTime = ts.UTC()
	}
	payload, err := s.decode(env.Payload)
	if err != nil {
		return Action{}, err
	}
	if err := payload.validate(); err != nil {
		return Action{}, err
	}
	return Action{
		ID:         env.ID,
		Type:       env.ActionType,
		EntityType: entity,
		ProjectID:  env.ProjectID,
		Payload:    payload,
		ClientTime: clientTime,
	}, nil
}
