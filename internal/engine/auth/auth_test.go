package auth_test

import (
	"context"
	"errors"
	"testing"

	"sitesync/internal/action"
	"sitesync/internal/db"
	"sitesync/internal/domain"
	"sitesync/internal/engine/auth"
	"sitesync/internal/migrate"
	"sitesync/internal/repo"
)

const now = "2024-05-01T08:00:00Z"

func newGate(t *testing.T) (auth.Gate, repo.Repo) {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(r.InsertProject(ctx, nil, domain.Project{ID: "P1", Name: "Tower", Status: domain.ProjectActive, CreatedAt: now}))
	must(r.InsertProject(ctx, nil, domain.Project{ID: "OLD", Name: "Done", Status: domain.ProjectArchived, CreatedAt: now}))
	grants := map[string][]string{
		"LABOUR":           {"sync.check_in", "sync.check_out", "sync.track"},
		"SITE_ENGINEER":    {"sync.check_in", "sync.update_material_request", "sync.manual_attendance"},
		"PURCHASE_MANAGER": {"sync.update_material_request", auth.PermManageAnyMaterialRequest},
	}
	for role, perms := range grants {
		must(r.InsertRole(ctx, nil, role, ""))
		for _, p := range perms {
			must(r.InsertPermission(ctx, nil, p, ""))
			must(r.AddRolePermission(ctx, nil, role, p))
		}
	}
	members := [][3]string{
		{"P1", "L1", "LABOUR"},
		{"P1", "E1", "SITE_ENGINEER"},
		{"P1", "E1", "LABOUR"},
		{"P1", "E2", "SITE_ENGINEER"},
		{"P1", "PM", "PURCHASE_MANAGER"},
		{"OLD", "L1", "LABOUR"},
	}
	for _, m := range members {
		must(r.EnsureActor(ctx, nil, m[1], now))
		must(r.AssignRole(ctx, nil, m[0], m[1], m[2]))
	}
	must(r.InsertMaterialRequest(ctx, nil, domain.MaterialRequest{
		ID: "mr1", ProjectID: "P1", RequestedBy: "E1", MaterialName: "Sand", Quantity: 2, Unit: "t",
		Urgency: "LOW", Status: domain.MaterialRequestPending, CreatedAt: now, UpdatedAt: now,
	}))
	return auth.Gate{Repo: r}, r
}

func checkIn(project string) action.Action {
	lat, lon := 1.0, 1.0
	return action.Action{ID: "a", Type: action.CheckInType, EntityType: action.Attendance, ProjectID: project,
		Payload: action.CheckIn{Location: action.Location{Latitude: &lat, Longitude: &lon}}}
}

func updateMR(id string) action.Action {
	q := 3.0
	return action.Action{ID: "u", Type: action.UpdateMaterialRequestType, EntityType: action.MaterialRequest, ProjectID: "P1",
		Payload: action.UpdateMaterialRequest{MaterialRequestID: id, Quantity: &q}}
}

func manual(labourID string) action.Action {
	return action.Action{ID: "m", Type: action.ManualAttendanceType, EntityType: action.Attendance, ProjectID: "P1",
		Payload: action.ManualAttendance{LabourID: labourID, Date: "2024-05-01", CheckInTime: "08:00", Reason: "x"}}
}

func TestAuthorize(t *testing.T) {
	gate, _ := newGate(t)
	ctx := context.Background()
	cases := []struct {
		name   string
		actor  domain.Actor
		action action.Action
		reason string
		role   domain.Role
	}{
		{"labour checks in", domain.Actor{ID: "L1"}, checkIn("P1"), "", domain.RoleLabour},
		{"unknown project", domain.Actor{ID: "L1"}, checkIn("NOPE"), auth.ReasonProject, ""},
		{"archived project", domain.Actor{ID: "L1"}, checkIn("OLD"), auth.ReasonProject, ""},
		{"not a member", domain.Actor{ID: "X"}, checkIn("P1"), auth.ReasonProject, ""},
		{"pinned role held", domain.Actor{ID: "E1", Role: domain.RoleLabour}, checkIn("P1"), "", domain.RoleLabour},
		{"pinned role not held", domain.Actor{ID: "L1", Role: domain.RoleSiteEngineer}, checkIn("P1"), "Not authorized as SITE_ENGINEER in this project", ""},
		{"permission missing", domain.Actor{ID: "L1"}, updateMR("mr1"), "Role not permitted to perform UPDATE_MATERIAL_REQUEST", ""},
		{"owner edits request", domain.Actor{ID: "E1"}, updateMR("mr1"), "", domain.RoleSiteEngineer},
		{"other engineer", domain.Actor{ID: "E2"}, updateMR("mr1"), auth.ReasonMaterialRequest, ""},
		{"manager of any", domain.Actor{ID: "PM"}, updateMR("mr1"), "", domain.RolePurchaseManager},
		{"missing request", domain.Actor{ID: "PM"}, updateMR("mr404"), auth.ReasonMaterialRequest, ""},
		{"manual for labour", domain.Actor{ID: "E2"}, manual("L1"), "", domain.RoleSiteEngineer},
		{"manual for non labour", domain.Actor{ID: "E2"}, manual("PM"), auth.ReasonLabour, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, err := gate.Authorize(ctx, tc.actor, tc.action)
			if err != nil {
				t.Fatalf("authorize: %v", err)
			}
			if tc.reason == "" {
				if !d.Authorized {
					t.Fatalf("expected authorized, got %q", d.Reason)
				}
				if d.Role != tc.role {
					t.Fatalf("expected role %s, got %s", tc.role, d.Role)
				}
				return
			}
			if d.Authorized || d.Reason != tc.reason {
				t.Fatalf("expected denial %q, got %+v", tc.reason, d)
			}
		})
	}
}

func TestRequire(t *testing.T) {
	gate, _ := newGate(t)
	ctx := context.Background()
	if err := gate.Require(ctx, "P1", "PM", auth.PermManageAnyMaterialRequest); err != nil {
		t.Fatalf("expected permission: %v", err)
	}
	err := gate.Require(ctx, "P1", "L1", auth.PermManageAnyMaterialRequest)
	var forbidden auth.ForbiddenError
	if !errors.As(err, &forbidden) || forbidden.Permission != auth.PermManageAnyMaterialRequest {
		t.Fatalf("expected ForbiddenError, got %v", err)
	}
}

func TestPermissionNames(t *testing.T) {
	if got := auth.Permission(action.CreateMaterialRequestType); got != "sync.create_material_request" {
		t.Fatalf("unexpected permission %s", got)
	}
	if len(auth.Permissions()) != len(action.Types())+2 {
		t.Fatalf("unexpected permission list %v", auth.Permissions())
	}
}
