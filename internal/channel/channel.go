// Package channel describes the entry points actions are uploaded through.
// A channel restricts which action types are accepted and may pin the
// caller's role instead of trusting the request.
package channel

import (
	"fmt"

	"sitesync/internal/action"
	"sitesync/internal/domain"
)

const (
	GenericName  = "generic"
	LabourName   = "labour"
	EngineerName = "engineer"
)

// Channel is an immutable allow-list of action types plus an optional pinned role.
type Channel struct {
	Name    string
	Role    domain.Role
	actions map[action.Type]struct{}
}

// New builds a channel. An empty role leaves role resolution to the
// authorization gate. Unknown action types are an error.
func New(name string, role domain.Role, types ...action.Type) (Channel, error) {
	if name == "" {
		return Channel{}, fmt.Errorf("channel name required")
	}
	set := make(map[action.Type]struct{}, len(types))
	for _, t := range types {
		if !t.Valid() {
			return Channel{}, fmt.Errorf("channel %s: unknown action type %s", name, t)
		}
		set[t] = struct{}{}
	}
	return Channel{Name: name, Role: role, actions: set}, nil
}

func mustNew(name string, role domain.Role, types ...action.Type) Channel {
	c, err := New(name, role, types...)
	if err != nil {
		panic(err)
	}
	return c
}

// Generic accepts every known action type from any authenticated role.
func Generic() Channel {
	return mustNew(GenericName, "", action.Types()...)
}

// Labour is pinned to LABOUR and limited to attendance actions.
func Labour() Channel {
	return mustNew(LabourName, domain.RoleLabour,
		action.CheckInType,
		action.CheckOutType,
		action.TrackType,
	)
}

// Engineer is pinned to SITE_ENGINEER.
func Engineer() Channel {
	return mustNew(EngineerName, domain.RoleSiteEngineer,
		action.CheckInType,
		action.CheckOutType,
		action.CreateMaterialRequestType,
		action.UpdateMaterialRequestType,
		action.DeleteMaterialRequestType,
		action.CreateDPRType,
		action.ManualAttendanceType,
	)
}

// Permits reports whether t may be submitted through c.
func (c Channel) Permits(t action.Type) bool {
	_, ok := c.actions[t]
	return ok
}

// Types returns the permitted action types in canonical order.
func (c Channel) Types() []action.Type {
	var out []action.Type
	for _, t := range action.Types() {
		if c.Permits(t) {
			out = append(out, t)
		}
	}
	return out
}

// Pinned reports whether the channel overrides the caller's role.
func (c Channel) Pinned() bool {
	return c.Role != ""
}

// Pin returns the actor as seen through c: a pinned channel replaces any
// role the caller claimed.
func (c Channel) Pin(a domain.Actor) domain.Actor {
	if c.Pinned() {
		a.Role = c.Role
	}
	return a
}

// RejectReason is the reason reported for an action type outside the allow-list.
func (c Channel) RejectReason() string {
	if c.Name == GenericName {
		return "Invalid action type for this channel"
	}
	return fmt.Sprintf("Invalid action type for %s channel", c.Name)
}

// Set is a lookup of channels by name.
type Set map[string]Channel

// Defaults returns the built-in generic, labour and engineer channels.
func Defaults() Set {
	return Set{
		GenericName:  Generic(),
		LabourName:   Labour(),
		EngineerName: Engineer(),
	}
}

func (s Set) Get(name string) (Channel, error) {
	c, ok := s[name]
	if !ok {
		return Channel{}, fmt.Errorf("unknown channel %s", name)
	}
	return c, nil
}
