// Package ledger records the terminal outcome of every processed action id.
// An entry is written once, in the same transaction as the entity mutation it
// describes, and never changes afterwards.
package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
)

type Status string

const (
	StatusApplied  Status = "APPLIED"
	StatusRejected Status = "REJECTED"
)

// ErrDuplicate is returned when an entry for the action id already exists.
var ErrDuplicate = errors.New("ledger entry already exists")

type Entry struct {
	ActionID    string `json:"action_id"`
	ActionType  string `json:"action_type"`
	EntityType  string `json:"entity_type"`
	EntityID    string `json:"entity_id,omitempty"`
	Status      Status `json:"status" enum:"APPLIED,REJECTED"`
	ActorID     string `json:"actor_id"`
	ProjectID   string `json:"project_id"`
	Reason      string `json:"reason,omitempty"`
	ClientTS    string `json:"client_ts,omitempty" format:"date-time"`
	ProcessedAt string `json:"processed_at" format:"date-time"`
}

// Reader answers whether an action id has already been processed.
type Reader interface {
	Lookup(ctx context.Context, actionID string) (Entry, bool, error)
}

// Memory is an in-process ledger with the same uniqueness guarantee as the
// SQL store. It is safe for concurrent use.
type Memory struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]Entry)}
}

func (m *Memory) Lookup(_ context.Context, actionID string) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[actionID]
	return e, ok, nil
}

// Insert stores e, or returns ErrDuplicate if the id is already recorded.
func (m *Memory) Insert(_ context.Context, e Entry) error {
	if e.ActionID == "" {
		return errors.New("action_id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[e.ActionID]; ok {
		return ErrDuplicate
	}
	m.entries[e.ActionID] = e
	return nil
}

// Entries returns a snapshot ordered by action id.
func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActionID < out[j].ActionID })
	return out
}
