package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"sitesync/internal/action"
	"sitesync/internal/domain"
	"sitesync/internal/repo"
)

const (
	ReasonProject         = "Not authorized for this project"
	ReasonMaterialRequest = "Not authorized for this material request"
	ReasonLabour          = "Not authorized for this labour"

	// PermManageAnyMaterialRequest lets a role edit requests raised by others.
	PermManageAnyMaterialRequest = "material_request.manage_any"
	// PermLedgerRead lets a role inspect other actors' ledger entries.
	PermLedgerRead = "ledger.read"
)

// Permission returns the permission id required to submit actions of type t.
func Permission(t action.Type) string {
	return "sync." + strings.ToLower(string(t))
}

// Permissions lists every permission the gate checks, for seeding.
func Permissions() []string {
	perms := make([]string, 0, len(action.Types())+2)
	for _, t := range action.Types() {
		perms = append(perms, Permission(t))
	}
	return append(perms, PermManageAnyMaterialRequest, PermLedgerRead)
}

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Decision is the gate's verdict for one action. Role is the project role
// the action was authorized under.
type Decision struct {
	Authorized bool
	Reason     string
	Role       domain.Role
}

func deny(reason string) Decision {
	return Decision{Reason: reason}
}

// Gate authorizes actions against project membership, role permissions
// and entity ownership stored in SQL.
type Gate struct {
	Repo repo.Repo
}

// Authorize decides whether actor may perform a. A pinned actor.Role must be
// one of the actor's stored roles in the project; otherwise any stored role
// may grant the permission.
func (g Gate) Authorize(ctx context.Context, actor domain.Actor, a action.Action) (Decision, error) {
	project, err := g.Repo.GetProject(ctx, nil, a.ProjectID)
	if errors.Is(err, repo.ErrNotFound) {
		return deny(ReasonProject), nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("load project: %w", err)
	}
	if project.Status != domain.ProjectActive {
		return deny(ReasonProject), nil
	}
	stored, err := g.Repo.ActorRoles(ctx, nil, a.ProjectID, actor.ID)
	if err != nil {
		return Decision{}, fmt.Errorf("load roles: %w", err)
	}
	if len(stored) == 0 {
		return deny(ReasonProject), nil
	}
	candidates := stored
	if actor.Role != "" {
		if !slices.Contains(stored, string(actor.Role)) {
			return deny(fmt.Sprintf("Not authorized as %s in this project", actor.Role)), nil
		}
		candidates = []string{string(actor.Role)}
	}

	role, err := g.firstGranting(ctx, candidates, Permission(a.Type))
	if err != nil {
		return Decision{}, err
	}
	if role == "" {
		return deny(fmt.Sprintf("Role not permitted to perform %s", a.Type)), nil
	}
	d := Decision{Authorized: true, Role: domain.Role(role)}

	switch p := a.Payload.(type) {
	case action.UpdateMaterialRequest:
		return g.materialRequest(ctx, d, actor, candidates, a.ProjectID, p.MaterialRequestID)
	case action.DeleteMaterialRequest:
		return g.materialRequest(ctx, d, actor, candidates, a.ProjectID, p.MaterialRequestID)
	case action.ManualAttendance:
		labourRoles, err := g.Repo.ActorRoles(ctx, nil, a.ProjectID, p.LabourID)
		if err != nil {
			return Decision{}, fmt.Errorf("load labour roles: %w", err)
		}
		if !slices.Contains(labourRoles, string(domain.RoleLabour)) {
			return deny(ReasonLabour), nil
		}
	}
	return d, nil
}

func (g Gate) materialRequest(ctx context.Context, d Decision, actor domain.Actor, roles []string, projectID, id string) (Decision, error) {
	mr, err := g.Repo.GetMaterialRequest(ctx, nil, id)
	if errors.Is(err, repo.ErrNotFound) {
		return deny(ReasonMaterialRequest), nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("load material request: %w", err)
	}
	if mr.ProjectID != projectID {
		return deny(ReasonMaterialRequest), nil
	}
	if mr.RequestedBy == actor.ID {
		return d, nil
	}
	manager, err := g.firstGranting(ctx, roles, PermManageAnyMaterialRequest)
	if err != nil {
		return Decision{}, err
	}
	if manager == "" {
		return deny(ReasonMaterialRequest), nil
	}
	return d, nil
}

func (g Gate) firstGranting(ctx context.Context, roles []string, perm string) (string, error) {
	for _, role := range roles {
		ok, err := g.Repo.RoleHasPermission(ctx, nil, role, perm)
		if err != nil {
			return "", fmt.Errorf("check permission: %w", err)
		}
		if ok {
			return role, nil
		}
	}
	return "", nil
}

// Require returns ForbiddenError unless one of actorID's roles in projectID
// grants perm.
func (g Gate) Require(ctx context.Context, projectID, actorID, perm string) error {
	roles, err := g.Repo.ActorRoles(ctx, nil, projectID, actorID)
	if err != nil {
		return err
	}
	role, err := g.firstGranting(ctx, roles, perm)
	if err != nil {
		return err
	}
	if role == "" {
		return ForbiddenError{Permission: perm}
	}
	return nil
}
