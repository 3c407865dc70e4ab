package engine_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitesync/internal/channel"
	"sitesync/internal/config"
	"sitesync/internal/db"
	"sitesync/internal/domain"
	"sitesync/internal/engine"
	"sitesync/internal/ledger"
	"sitesync/internal/migrate"
	"sitesync/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T, cfg *config.Config) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)
	if cfg == nil {
		cfg = config.Default()
	}
	eng := engine.New(conn, cfg, nil)
	eng.Now = func() time.Time { return time.Date(2024, 5, 1, 18, 0, 0, 0, time.UTC) }
	require.NoError(t, eng.SyncRBAC(ctx, cfg))
	_, err = eng.CreateProject(ctx, "P1", "Tower A", "O1")
	require.NoError(t, err)
	require.NoError(t, eng.AddMember(ctx, "P1", "L1", domain.RoleLabour, "O1"))
	require.NoError(t, eng.AddMember(ctx, "P1", "L2", domain.RoleLabour, "O1"))
	require.NoError(t, eng.AddMember(ctx, "P1", "E1", domain.RoleSiteEngineer, "O1"))
	require.NoError(t, eng.AddMember(ctx, "P1", "E2", domain.RoleSiteEngineer, "O1"))
	require.NoError(t, eng.AddMember(ctx, "P1", "PM1", domain.RolePurchaseManager, "O1"))
	return testEnv{Engine: eng, Ctx: ctx}
}

func act(id, typ, project, payload string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"id":%q,"action_type":%q,"project_id":%q,"payload":%s}`, id, typ, project, payload))
}

func (env testEnv) batch(t *testing.T, actorID string, ch channel.Channel, raws ...json.RawMessage) engine.Result {
	t.Helper()
	res, err := env.Engine.ProcessBatch(env.Ctx, domain.Actor{ID: actorID}, ch, raws)
	require.NoError(t, err)
	require.Equal(t, len(raws), res.Summary.Total)
	require.Equal(t, res.Summary.Total, res.Summary.AppliedCount+res.Summary.RejectedCount+res.Summary.SkippedCount)
	return res
}

func (env testEnv) attendanceCount(t *testing.T, actorID string) int {
	t.Helper()
	rows, err := env.Engine.Repo.ListAttendance(env.Ctx, repo.AttendanceFilters{ProjectID: "P1", ActorID: actorID})
	require.NoError(t, err)
	return len(rows)
}

func TestCheckInScenarioAndResubmission(t *testing.T) {
	env := newTestEnv(t, nil)
	a1 := act("a1", "CHECK_IN", "P1", `{"lat":1,"lon":1,"timestamp":"2024-05-01T08:00:00Z"}`)

	res := env.batch(t, "L1", channel.Labour(), a1)
	require.Len(t, res.Applied, 1)
	assert.Equal(t, "a1", res.Applied[0].ActionID)
	assert.Equal(t, engine.Summary{Total: 1, AppliedCount: 1}, res.Summary)
	entityID := res.Applied[0].EntityID
	require.NotEmpty(t, entityID)

	res = env.batch(t, "L1", channel.Labour(), a1)
	assert.Empty(t, res.Applied)
	require.Len(t, res.Skipped, 1)
	skipped := res.Skipped[0]
	assert.Equal(t, "a1", skipped.ID)
	assert.EqualValues(t, "CHECK_IN", skipped.ActionType)
	assert.Equal(t, ledger.StatusApplied, skipped.Status)
	assert.Equal(t, "Already processed", skipped.Reason)
	assert.Equal(t, entityID, skipped.EntityID)
	assert.Equal(t, 1, env.attendanceCount(t, "L1"))
}

func TestCheckOutSeesCheckInFromSameBatch(t *testing.T) {
	env := newTestEnv(t, nil)
	res := env.batch(t, "L1", channel.Labour(),
		act("A", "CHECK_IN", "P1", `{"latitude":12.9,"longitude":77.6,"timestamp":"2024-05-01T08:00:00Z"}`),
		act("B", "CHECK_OUT", "P1", `{"latitude":12.9,"longitude":77.6,"timestamp":"2024-05-01T16:30:00Z"}`),
	)
	require.Len(t, res.Applied, 2, "rejected: %+v", res.Rejected)
	assert.Equal(t, res.Applied[0].EntityID, res.Applied[1].EntityID)
	assert.Equal(t, 8.5, res.Applied[1].Data["work_hours"])

	// Replaying the check-out reports the recorded hours.
	res = env.batch(t, "L1", channel.Labour(),
		act("B", "CHECK_OUT", "P1", `{"latitude":12.9,"longitude":77.6,"timestamp":"2024-05-01T16:30:00Z"}`))
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, 8.5, res.Skipped[0].Data["work_hours"])
}

func TestPartialFailureIsolation(t *testing.T) {
	env := newTestEnv(t, nil)
	res := env.batch(t, "L1", channel.Generic(),
		act("c1", "CHECK_IN", "P1", `{"latitude":1,"longitude":1}`),
		json.RawMessage(`{"id":"broken","action_type":`),
		act("c2", "CHECK_IN", "P1", `{"latitude":200,"longitude":1}`),
		act("d1", "CREATE_DPR", "P1", `{"report_date":"2024-05-01","work_done":"slab"}`),
		act("t1", "TRACK", "P1", `{"latitude":1.001,"longitude":1.001}`),
		act("x1", "CHECK_IN", "P404", `{"latitude":1,"longitude":1}`),
	)
	assert.Equal(t, 2, res.Summary.AppliedCount)
	assert.Equal(t, 4, res.Summary.RejectedCount)
	reasons := map[string]string{}
	for _, r := range res.Rejected {
		reasons[r.ID] = r.Reason
	}
	assert.Equal(t, "Malformed action", reasons[""])
	assert.Equal(t, "payload.latitude must be between -90 and 90", reasons["c2"])
	assert.Equal(t, "Role not permitted to perform CREATE_DPR", reasons["d1"])
	assert.Equal(t, "Not authorized for this project", reasons["x1"])
}

func TestLabourChannelRejectsDPRWithoutSideEffects(t *testing.T) {
	env := newTestEnv(t, nil)
	// E1 may create DPRs, but not through the labour channel.
	res := env.batch(t, "E1", channel.Labour(),
		act("dpr-1", "CREATE_DPR", "P1", `{"report_date":"2024-05-01","work_done":"Columns cast"}`))
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, "Invalid action type for labour channel", res.Rejected[0].Reason)

	_, found, err := env.Engine.Ledger.Lookup(env.Ctx, "dpr-1")
	require.NoError(t, err)
	assert.False(t, found)

	// Already-applied ids are still rejected by the channel, not skipped.
	res = env.batch(t, "E1", channel.Engineer(),
		act("dpr-2", "CREATE_DPR", "P1", `{"report_date":"2024-05-01","work_done":"Columns cast"}`))
	require.Len(t, res.Applied, 1)
	res = env.batch(t, "E1", channel.Labour(),
		act("dpr-2", "CREATE_DPR", "P1", `{"report_date":"2024-05-01","work_done":"Columns cast"}`))
	require.Len(t, res.Rejected, 1)
}

func TestPinnedRoleMustBeHeld(t *testing.T) {
	env := newTestEnv(t, nil)
	res := env.batch(t, "E1", channel.Labour(), act("p1", "CHECK_IN", "P1", `{"latitude":1,"longitude":1}`))
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, "Not authorized as LABOUR in this project", res.Rejected[0].Reason)
}

func TestBatchBounds(t *testing.T) {
	env := newTestEnv(t, nil)
	raws := make([]json.RawMessage, 101)
	for i := range raws {
		raws[i] = act(fmt.Sprintf("b%d", i), "TRACK", "P1", `{"latitude":1,"longitude":1}`)
	}
	_, err := env.Engine.ProcessBatch(env.Ctx, domain.Actor{ID: "L1"}, channel.Labour(), raws)
	var berr *engine.BatchError
	require.ErrorAs(t, err, &berr)

	_, err = env.Engine.ProcessBatch(env.Ctx, domain.Actor{ID: "L1"}, channel.Labour(), nil)
	require.ErrorAs(t, err, &berr)

	entries, err := env.Engine.Repo.ListLedgerEntries(env.Ctx, repo.LedgerFilters{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestConcurrentDuplicateSubmission(t *testing.T) {
	env := newTestEnv(t, nil)
	raw := act("X", "CHECK_IN", "P1", `{"latitude":1,"longitude":1}`)
	const n = 4
	results := make([]engine.Result, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := env.Engine.ProcessBatch(env.Ctx, domain.Actor{ID: "L1"}, channel.Labour(), []json.RawMessage{raw})
			if err == nil {
				results[i] = res
			}
		}(i)
	}
	wg.Wait()
	applied, skipped := 0, 0
	for _, res := range results {
		applied += res.Summary.AppliedCount
		skipped += res.Summary.SkippedCount
	}
	assert.Equal(t, 1, applied)
	assert.Equal(t, n-1, skipped)
	assert.Equal(t, 1, env.attendanceCount(t, "L1"))
}

func TestAttendanceRules(t *testing.T) {
	env := newTestEnv(t, nil)
	res := env.batch(t, "L1", channel.Labour(),
		act("o1", "CHECK_OUT", "P1", `{"latitude":1,"longitude":1}`),
		act("t0", "TRACK", "P1", `{"latitude":1,"longitude":1}`),
		act("i1", "CHECK_IN", "P1", `{"latitude":1,"longitude":1,"timestamp":"2024-05-01T09:00:00Z"}`),
		act("i2", "CHECK_IN", "P1", `{"latitude":1,"longitude":1}`),
		act("o2", "CHECK_OUT", "P1", `{"latitude":1,"longitude":1,"timestamp":"2024-05-01T07:00:00Z"}`),
	)
	reasons := map[string]string{}
	for _, r := range res.Rejected {
		reasons[r.ID] = r.Reason
	}
	assert.Equal(t, "No open check-in found", reasons["o1"])
	assert.Equal(t, "No open check-in found", reasons["t0"])
	assert.Equal(t, "Already checked in", reasons["i2"])
	assert.Equal(t, "Check-out time is before check-in time", reasons["o2"])
	require.Len(t, res.Applied, 1)
	assert.Equal(t, "i1", res.Applied[0].ActionID)

	// Retry policy: the rejected id may be resubmitted once fixed.
	res = env.batch(t, "L1", channel.Labour(),
		act("o2", "CHECK_OUT", "P1", `{"latitude":1,"longitude":1,"timestamp":"2024-05-01T17:00:00Z"}`))
	require.Len(t, res.Applied, 1)
	assert.Equal(t, 8.0, res.Applied[0].Data["work_hours"])
}

func TestFinalRejectedPolicy(t *testing.T) {
	cfg, err := config.FromYAML([]byte("sync:\n  rejected_policy: final\n"))
	require.NoError(t, err)
	env := newTestEnv(t, cfg)

	res := env.batch(t, "L1", channel.Labour(), act("o1", "CHECK_OUT", "P1", `{"latitude":1,"longitude":1}`))
	require.Len(t, res.Rejected, 1)

	entry, found, err := env.Engine.Ledger.Lookup(env.Ctx, "o1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, ledger.StatusRejected, entry.Status)
	assert.Equal(t, "No open check-in found", entry.Reason)

	res = env.batch(t, "L1", channel.Labour(),
		act("i1", "CHECK_IN", "P1", `{"latitude":1,"longitude":1}`),
		act("o1", "CHECK_OUT", "P1", `{"latitude":1,"longitude":1}`))
	require.Len(t, res.Applied, 1)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, ledger.StatusRejected, res.Skipped[0].Status)
}

func TestMaterialRequestLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	res := env.batch(t, "E1", channel.Engineer(),
		act("mr-create", "CREATE_MATERIAL_REQUEST", "P1", `{"material_name":"Cement","quantity":50,"unit":"bags","urgency":"HIGH"}`))
	require.Len(t, res.Applied, 1)
	mrID := res.Applied[0].EntityID

	upd := fmt.Sprintf(`{"material_request_id":%q,"quantity":75}`, mrID)
	del := fmt.Sprintf(`{"material_request_id":%q,"reason":"ordered elsewhere"}`, mrID)

	// Another engineer cannot touch it; the purchase manager can.
	res = env.batch(t, "E2", channel.Engineer(), act("mr-upd-e2", "UPDATE_MATERIAL_REQUEST", "P1", upd))
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, "Not authorized for this material request", res.Rejected[0].Reason)
	res = env.batch(t, "PM1", channel.Generic(), act("mr-upd-pm", "UPDATE_MATERIAL_REQUEST", "P1", upd))
	require.Len(t, res.Applied, 1, "rejected: %+v", res.Rejected)

	res = env.batch(t, "E1", channel.Engineer(),
		act("mr-del", "DELETE_MATERIAL_REQUEST", "P1", del),
		act("mr-upd-late", "UPDATE_MATERIAL_REQUEST", "P1", upd))
	require.Len(t, res.Applied, 1)
	assert.Equal(t, domain.MaterialRequestCancelled, res.Applied[0].Data["status"])
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, "Material request is not pending", res.Rejected[0].Reason)

	mr, err := env.Engine.Repo.GetMaterialRequest(env.Ctx, nil, mrID)
	require.NoError(t, err)
	assert.Equal(t, 75.0, mr.Quantity)
	assert.Equal(t, domain.MaterialRequestCancelled, mr.Status)
}

func TestManualAttendance(t *testing.T) {
	env := newTestEnv(t, nil)
	res := env.batch(t, "E1", channel.Engineer(),
		act("m1", "MANUAL_ATTENDANCE", "P1", `{"labour_id":"L2","date":"2024-05-01","check_in_time":"08:00","check_out_time":"17:15","reason":"phone broken"}`),
		act("m2", "MANUAL_ATTENDANCE", "P1", `{"labour_id":"E2","date":"2024-05-01","check_in_time":"08:00","reason":"x"}`),
	)
	require.Len(t, res.Applied, 1)
	assert.Equal(t, 9.25, res.Applied[0].Data["work_hours"])
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, "Not authorized for this labour", res.Rejected[0].Reason)

	att, err := env.Engine.Repo.GetAttendance(env.Ctx, nil, res.Applied[0].EntityID)
	require.NoError(t, err)
	assert.Equal(t, "L2", att.ActorID)
	assert.Equal(t, "E1", att.RecordedBy)
	assert.Equal(t, domain.AttendanceManual, att.Source)

	// A manual row does not count as an open self check-in.
	res = env.batch(t, "L2", channel.Labour(), act("l2-in", "CHECK_IN", "P1", `{"latitude":1,"longitude":1}`))
	require.Len(t, res.Applied, 1)
}

func TestArchivedProjectRejectsActions(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.Engine.SetProjectStatus(env.Ctx, "P1", domain.ProjectArchived, "O1"))
	res := env.batch(t, "L1", channel.Labour(), act("a1", "CHECK_IN", "P1", `{"latitude":1,"longitude":1}`))
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, "Not authorized for this project", res.Rejected[0].Reason)
}

func TestAppliedActionsAreAudited(t *testing.T) {
	env := newTestEnv(t, nil)
	env.batch(t, "E1", channel.Engineer(), act("d1", "CREATE_DPR", "P1", `{"report_date":"2024-05-01","work_done":"Slab poured","labour_count":12}`))
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, "P1", "action.applied")
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, "E1", evts[0].ActorID)
	assert.Contains(t, evts[0].Payload, `"action_id":"d1"`)
}

func TestReplayMatchesAppliedData(t *testing.T) {
	env := newTestEnv(t, nil)
	applied := map[string]map[string]any{}
	record := func(res engine.Result, want int) {
		t.Helper()
		require.Len(t, res.Applied, want, "rejected: %+v", res.Rejected)
		for _, a := range res.Applied {
			applied[a.ActionID] = a.Data
		}
	}

	attendance := []json.RawMessage{
		act("pi", "CHECK_IN", "P1", `{"latitude":1,"longitude":1,"timestamp":"2024-05-01T08:00:00Z"}`),
		act("pt", "TRACK", "P1", `{"latitude":1.001,"longitude":1.001,"timestamp":"2024-05-01T12:00:00Z"}`),
		act("po", "CHECK_OUT", "P1", `{"latitude":1,"longitude":1,"timestamp":"2024-05-01T16:00:00Z"}`),
	}
	record(env.batch(t, "L1", channel.Generic(), attendance...), 3)

	engineer := []json.RawMessage{
		act("mr", "CREATE_MATERIAL_REQUEST", "P1", `{"material_name":"Cement","quantity":50,"unit":"bags"}`),
		act("m1", "MANUAL_ATTENDANCE", "P1", `{"labour_id":"L2","date":"2024-05-01","check_in_time":"08:00","check_out_time":"17:15","reason":"phone broken"}`),
		act("d1", "CREATE_DPR", "P1", `{"report_date":"2024-05-01","work_done":"Slab poured","labour_count":12}`),
	}
	record(env.batch(t, "E1", channel.Engineer(), engineer...), 3)
	mrID, _ := applied["mr"]["material_request_id"].(string)
	require.NotEmpty(t, mrID)
	engineer = append(engineer,
		act("upd", "UPDATE_MATERIAL_REQUEST", "P1", fmt.Sprintf(`{"material_request_id":%q,"quantity":75}`, mrID)),
		act("del", "DELETE_MATERIAL_REQUEST", "P1", fmt.Sprintf(`{"material_request_id":%q,"reason":"ordered elsewhere"}`, mrID)),
	)
	record(env.batch(t, "E1", channel.Engineer(), engineer[3:]...), 2)

	replayed := map[string]map[string]any{}
	collect := func(res engine.Result) {
		t.Helper()
		require.Empty(t, res.Applied)
		require.Empty(t, res.Rejected)
		for _, s := range res.Skipped {
			replayed[s.ID] = s.Data
		}
	}
	collect(env.batch(t, "L1", channel.Generic(), attendance...))
	collect(env.batch(t, "E1", channel.Engineer(), engineer...))

	require.Len(t, replayed, len(applied))
	for id, want := range applied {
		assert.Equal(t, want, replayed[id], "action %s", id)
	}
	assert.Equal(t, "2024-05-01T08:00:00Z", replayed["pi"]["check_in_at"])
	assert.Equal(t, "2024-05-01T16:00:00Z", replayed["po"]["check_out_at"])
	assert.NotEmpty(t, replayed["pt"]["track_id"])
	// The create still reports the status it produced, not the later cancellation.
	assert.Equal(t, domain.MaterialRequestPending, replayed["mr"]["status"])
}

func TestDuplicateFromAnotherActorHidesEntity(t *testing.T) {
	env := newTestEnv(t, nil)
	in := act("a1", "CHECK_IN", "P1", `{"latitude":1,"longitude":1,"timestamp":"2024-05-01T08:00:00Z"}`)
	res := env.batch(t, "L1", channel.Labour(), in)
	require.Len(t, res.Applied, 1)
	entityID := res.Applied[0].EntityID

	res = env.batch(t, "L2", channel.Labour(), in)
	require.Len(t, res.Skipped, 1)
	skipped := res.Skipped[0]
	assert.Equal(t, "a1", skipped.ID)
	assert.Equal(t, ledger.StatusApplied, skipped.Status)
	assert.Equal(t, "Already processed", skipped.Reason)
	assert.Empty(t, skipped.EntityID)
	assert.Nil(t, skipped.Data)
	assert.Equal(t, 0, env.attendanceCount(t, "L2"))

	// The original uploader still gets the full replay.
	res = env.batch(t, "L1", channel.Labour(), in)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, entityID, res.Skipped[0].EntityID)
	assert.Equal(t, entityID, res.Skipped[0].Data["attendance_id"])
}
