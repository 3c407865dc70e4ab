package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"sitesync/internal/config"
	"sitesync/internal/domain"
	"sitesync/internal/engine/auth"
	"sitesync/internal/events"
	"sitesync/internal/repo"
)

// CreateProject inserts an active project and makes ownerID its OWNER.
func (e Engine) CreateProject(ctx context.Context, projectID, name, ownerID string) (domain.Project, error) {
	if strings.TrimSpace(projectID) == "" {
		return domain.Project{}, errors.New("project id is required")
	}
	if ownerID == "" {
		return domain.Project{}, errors.New("owner is required")
	}
	if name == "" {
		name = projectID
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	p := domain.Project{ID: projectID, Name: name, Status: domain.ProjectActive, CreatedAt: now}
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Repo.EnsureActor(ctx, tx, ownerID, now); err != nil {
		return domain.Project{}, fmt.Errorf("ensure actor: %w", err)
	}
	if err := e.Repo.InsertRole(ctx, tx, string(domain.RoleOwner), ""); err != nil {
		return domain.Project{}, err
	}
	if err := e.Repo.AssignRole(ctx, tx, p.ID, ownerID, string(domain.RoleOwner)); err != nil {
		return domain.Project{}, fmt.Errorf("assign owner: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.ProjectCreated, p.ID, "project", p.ID, ownerID, events.EventPayload{"name": p.Name}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// SetProjectStatus archives or reactivates a project. Archived projects
// reject all sync actions.
func (e Engine) SetProjectStatus(ctx context.Context, projectID, status, actorID string) error {
	if status != domain.ProjectActive && status != domain.ProjectArchived {
		return fmt.Errorf("invalid project status %q", status)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateProjectStatus(ctx, tx, projectID, status); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "project.status", projectID, "project", projectID, actorID, events.EventPayload{"status": status}); err != nil {
		return err
	}
	return tx.Commit()
}

// AddMember grants role to actorID in projectID. The role must already be
// seeded by SyncRBAC.
func (e Engine) AddMember(ctx context.Context, projectID, actorID string, role domain.Role, byActor string) error {
	if actorID == "" || role == "" {
		return errors.New("actor and role are required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetProject(ctx, tx, projectID); err != nil {
		return fmt.Errorf("project %s: %w", projectID, err)
	}
	perms, err := e.Repo.RolePermissions(ctx, tx, string(role))
	if err != nil {
		return err
	}
	if len(perms) == 0 && role != domain.RoleOwner {
		return fmt.Errorf("role %s has no permissions; run rbac sync", role)
	}
	if err := e.Repo.EnsureActor(ctx, tx, actorID, e.now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	if err := e.Repo.AssignRole(ctx, tx, projectID, actorID, string(role)); err != nil {
		return fmt.Errorf("assign role: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.MemberAdded, projectID, "actor", actorID, byActor, events.EventPayload{"role": role}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) RemoveMember(ctx context.Context, projectID, actorID string, role domain.Role, byActor string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.RevokeRole(ctx, tx, projectID, actorID, string(role)); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.MemberRemoved, projectID, "actor", actorID, byActor, events.EventPayload{"role": role}); err != nil {
		return err
	}
	return tx.Commit()
}

// SyncRBAC makes the roles and grants in the database match cfg. Roles not
// present in cfg are left untouched.
func (e Engine) SyncRBAC(ctx context.Context, cfg *config.Config) error {
	if cfg == nil {
		cfg = e.Config
	}
	if cfg == nil {
		return errors.New("config not loaded")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, perm := range auth.Permissions() {
		if err := e.Repo.InsertPermission(ctx, tx, perm, ""); err != nil {
			return fmt.Errorf("insert permission %s: %w", perm, err)
		}
	}
	roleIDs := make([]string, 0, len(cfg.RBAC.Roles))
	for id := range cfg.RBAC.Roles {
		roleIDs = append(roleIDs, id)
	}
	sort.Strings(roleIDs)
	for _, id := range roleIDs {
		role := cfg.RBAC.Roles[id]
		if err := e.Repo.InsertRole(ctx, tx, id, role.Description); err != nil {
			return fmt.Errorf("insert role %s: %w", id, err)
		}
		if err := e.Repo.ClearRolePermissions(ctx, tx, id); err != nil {
			return err
		}
		for _, perm := range role.Permissions {
			if err := e.Repo.InsertPermission(ctx, tx, perm, ""); err != nil {
				return err
			}
			if err := e.Repo.AddRolePermission(ctx, tx, id, perm); err != nil {
				return fmt.Errorf("grant %s to %s: %w", perm, id, err)
			}
		}
	}
	return tx.Commit()
}

// CreateAPIKey issues a device key for actorID. The plaintext key is only
// returned here.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name string) (domain.APIKey, string, error) {
	if actorID == "" {
		return domain.APIKey{}, "", errors.New("actor is required")
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	plain := "ssk_" + hex.EncodeToString(buf)
	now := e.now().UTC().Format(time.RFC3339)
	key := domain.APIKey{ID: newID(), ActorID: actorID, Name: name, KeyHash: repo.HashAPIKey(plain), CreatedAt: now}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureActor(ctx, tx, actorID, now); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, plain, nil
}
