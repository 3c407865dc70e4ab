package server

import (
	"sitesync/internal/engine"
	"sitesync/internal/ledger"
)

// Request payloads

// SyncBatchRequest carries queued actions. Items are decoded one by one so a
// malformed action only rejects itself.
type SyncBatchRequest struct {
	Actions []any `json:"actions,omitempty" doc:"Queued actions in client order"`
}

// AttendanceRequest is the single-action form used by low-bandwidth clients.
type AttendanceRequest struct {
	ID        string   `json:"id,omitempty" doc:"Client action id; generated when empty"`
	ProjectID string   `json:"project_id"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Timestamp string   `json:"timestamp,omitempty" format:"date-time"`
}

type DevLoginRequest struct {
	ActorID    string   `json:"actor_id"`
	Roles      []string `json:"roles,omitempty"`
	TTLSeconds int      `json:"ttl_seconds,omitempty"`
}

// Response payloads

type SyncBatchResponse = engine.Result

type AttendanceResponse struct {
	Success      bool     `json:"success"`
	AttendanceID string   `json:"attendance_id,omitempty"`
	SyncStatus   string   `json:"sync_status" enum:"APPLIED,DUPLICATE,REJECTED"`
	Error        string   `json:"error,omitempty"`
	WorkHours    *float64 `json:"work_hours,omitempty"`
}

type ActionStatusResponse struct {
	ledger.Entry
	Data map[string]any `json:"data,omitempty"`
}

type paginatedActions struct {
	Items []ledger.Entry `json:"items"`
}

type WhoAmIResponse struct {
	ActorID   string   `json:"actor_id"`
	Source    string   `json:"source"`
	ProjectID string   `json:"project_id,omitempty"`
	Roles     []string `json:"roles"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func floatFrom(data map[string]any, key string) *float64 {
	switch v := data[key].(type) {
	case float64:
		return &v
	case *float64:
		return v
	}
	return nil
}
