package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"sitesync/internal/action"
	"sitesync/internal/domain"
	"sitesync/internal/events"
	"sitesync/internal/ledger"
	"sitesync/internal/repo"
)

// SQLApplier applies actions against SQLite. The ledger entry, the entity
// change and the audit event for one action share a transaction.
type SQLApplier struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
	NewID  func() string
	// RecordRejections stores apply-stage rejections as REJECTED ledger
	// entries so the same action id is not retried.
	RecordRejections bool
}

var _ Applier = (*SQLApplier)(nil)

func (s *SQLApplier) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *SQLApplier) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return newID()
}

func (s *SQLApplier) Apply(ctx context.Context, actor domain.Actor, a action.Action) (Applied, error) {
	now := s.now()
	applied, err := s.apply(ctx, actor, a, now)
	var rej *RejectError
	if errors.As(err, &rej) && s.RecordRejections {
		if rerr := s.recordRejection(ctx, actor, a, rej.Reason, now); rerr != nil {
			return Applied{}, rerr
		}
	}
	return applied, err
}

func (s *SQLApplier) entry(actor domain.Actor, a action.Action, status ledger.Status, reason string, now time.Time) ledger.Entry {
	e := ledger.Entry{
		ActionID:    a.ID,
		ActionType:  string(a.Type),
		EntityType:  string(a.EntityType),
		Status:      status,
		ActorID:     actor.ID,
		ProjectID:   a.ProjectID,
		Reason:      reason,
		ProcessedAt: now.Format(time.RFC3339),
	}
	if !a.ClientTime.IsZero() {
		e.ClientTS = a.ClientTime.UTC().Format(time.RFC3339)
	}
	return e
}

func (s *SQLApplier) apply(ctx context.Context, actor domain.Actor, a action.Action, now time.Time) (Applied, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return Applied{}, err
	}
	defer tx.Rollback()

	// Claiming the id first makes a concurrent duplicate fail on the ledger
	// key rather than on the business rules of its handler.
	if err := s.Repo.InsertLedgerEntry(ctx, tx, s.entry(actor, a, ledger.StatusApplied, "", now)); err != nil {
		return Applied{}, err
	}
	v := &applyVisitor{ctx: ctx, tx: tx, s: s, actor: actor, a: a, now: now}
	if err := a.Payload.Accept(v); err != nil {
		return Applied{}, err
	}
	if err := s.Repo.SetLedgerEntityID(ctx, tx, a.ID, v.entityID); err != nil {
		return Applied{}, fmt.Errorf("ledger entity: %w", err)
	}
	if err := s.Events.Append(ctx, tx, events.ActionApplied, a.ProjectID, string(a.EntityType), v.entityID, actor.ID, events.EventPayload{
		"action_id":   a.ID,
		"action_type": a.Type,
		"role":        actor.Role,
		"data":        v.data,
	}); err != nil {
		return Applied{}, err
	}
	if err := tx.Commit(); err != nil {
		return Applied{}, err
	}
	return Applied{EntityID: v.entityID, Data: v.data}, nil
}

func (s *SQLApplier) recordRejection(ctx context.Context, actor domain.Actor, a action.Action, reason string, now time.Time) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.Repo.InsertLedgerEntry(ctx, tx, s.entry(actor, a, ledger.StatusRejected, reason, now)); err != nil {
		return err
	}
	if err := s.Events.Append(ctx, tx, events.ActionRejected, a.ProjectID, string(a.EntityType), "", actor.ID, events.EventPayload{
		"action_id":   a.ID,
		"action_type": a.Type,
		"reason":      reason,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// Replay rebuilds the data the original application reported. Fields fixed
// by that application (times, created ids, resulting status) come from the
// stored rows, not from later changes to them.
func (s *SQLApplier) Replay(ctx context.Context, e ledger.Entry) (map[string]any, error) {
	if e.EntityID == "" {
		return nil, nil
	}
	switch action.Type(e.ActionType) {
	case action.CheckInType:
		att, err := s.Repo.GetAttendance(ctx, nil, e.EntityID)
		if err != nil {
			return nil, err
		}
		return checkInData(att), nil
	case action.CheckOutType:
		att, err := s.Repo.GetAttendance(ctx, nil, e.EntityID)
		if err != nil {
			return nil, err
		}
		if att.CheckOutAt == nil || att.WorkHours == nil {
			return attendanceData(att), nil
		}
		return checkOutData(att.ID, *att.CheckOutAt, *att.WorkHours), nil
	case action.TrackType:
		t, err := s.Repo.GetLocationTrackByAction(ctx, nil, e.ActionID)
		if errors.Is(err, repo.ErrNotFound) {
			return map[string]any{"attendance_id": e.EntityID}, nil
		}
		if err != nil {
			return nil, err
		}
		return trackData(t), nil
	case action.ManualAttendanceType:
		att, err := s.Repo.GetAttendance(ctx, nil, e.EntityID)
		if err != nil {
			return nil, err
		}
		return attendanceData(att), nil
	case action.CreateMaterialRequestType, action.UpdateMaterialRequestType:
		return materialRequestData(e.EntityID, domain.MaterialRequestPending), nil
	case action.DeleteMaterialRequestType:
		return materialRequestData(e.EntityID, domain.MaterialRequestCancelled), nil
	case action.CreateDPRType:
		return dprData(e.EntityID), nil
	}
	return nil, nil
}

func checkInData(att domain.Attendance) map[string]any {
	return map[string]any{"attendance_id": att.ID, "check_in_at": att.CheckInAt}
}

func checkOutData(attendanceID, checkOutAt string, hours float64) map[string]any {
	return map[string]any{"attendance_id": attendanceID, "check_out_at": checkOutAt, "work_hours": hours}
}

func trackData(t domain.LocationTrack) map[string]any {
	return map[string]any{"attendance_id": t.AttendanceID, "track_id": t.ID}
}

func materialRequestData(id, status string) map[string]any {
	return map[string]any{"material_request_id": id, "status": status}
}

func dprData(id string) map[string]any {
	return map[string]any{"dpr_id": id}
}

func attendanceData(att domain.Attendance) map[string]any {
	data := map[string]any{"attendance_id": att.ID}
	if att.WorkHours != nil {
		data["work_hours"] = *att.WorkHours
	}
	return data
}

// workHours is the elapsed time in hours rounded to two decimals.
func workHours(in, out time.Time) float64 {
	return math.Round(out.Sub(in).Hours()*100) / 100
}

type applyVisitor struct {
	ctx   context.Context
	tx    *sql.Tx
	s     *SQLApplier
	actor domain.Actor
	a     action.Action
	now   time.Time

	entityID string
	data     map[string]any
}

var _ action.Visitor = (*applyVisitor)(nil)

// eventTime is the fallback for payloads without their own timestamp.
func (v *applyVisitor) eventTime() time.Time {
	if !v.a.ClientTime.IsZero() {
		return v.a.ClientTime
	}
	return v.now
}

func (v *applyVisitor) openAttendance() (domain.Attendance, error) {
	att, err := v.s.Repo.OpenAttendance(v.ctx, v.tx, v.a.ProjectID, v.actor.ID)
	if errors.Is(err, repo.ErrNotFound) {
		return att, reject("No open check-in found")
	}
	return att, err
}

func (v *applyVisitor) CheckIn(p action.CheckIn) error {
	_, err := v.s.Repo.OpenAttendance(v.ctx, v.tx, v.a.ProjectID, v.actor.ID)
	if err == nil {
		return reject("Already checked in")
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	att := domain.Attendance{
		ID:         v.s.newID(),
		ProjectID:  v.a.ProjectID,
		ActorID:    v.actor.ID,
		Source:     domain.AttendanceSelf,
		CheckInAt:  p.At(v.eventTime()).Format(time.RFC3339),
		CheckInLat: p.Latitude,
		CheckInLon: p.Longitude,
		CreatedAt:  v.now.Format(time.RFC3339),
	}
	if err := v.s.Repo.InsertAttendance(v.ctx, v.tx, att); err != nil {
		return fmt.Errorf("insert attendance: %w", err)
	}
	v.entityID = att.ID
	v.data = checkInData(att)
	return nil
}

func (v *applyVisitor) CheckOut(p action.CheckOut) error {
	att, err := v.openAttendance()
	if err != nil {
		return err
	}
	in, err := time.Parse(time.RFC3339, att.CheckInAt)
	if err != nil {
		return fmt.Errorf("attendance %s check_in_at: %w", att.ID, err)
	}
	out := p.At(v.eventTime())
	if out.Before(in) {
		return reject("Check-out time is before check-in time")
	}
	hours := workHours(in, out)
	outAt := out.Format(time.RFC3339)
	if err := v.s.Repo.CloseAttendance(v.ctx, v.tx, att.ID, outAt, p.Latitude, p.Longitude, hours); err != nil {
		return fmt.Errorf("close attendance: %w", err)
	}
	v.entityID = att.ID
	v.data = checkOutData(att.ID, outAt, hours)
	return nil
}

func (v *applyVisitor) Track(p action.Track) error {
	att, err := v.openAttendance()
	if err != nil {
		return err
	}
	track := domain.LocationTrack{
		ID:           v.s.newID(),
		ActionID:     v.a.ID,
		AttendanceID: att.ID,
		ProjectID:    v.a.ProjectID,
		ActorID:      v.actor.ID,
		Latitude:     *p.Latitude,
		Longitude:    *p.Longitude,
		TrackedAt:    p.At(v.eventTime()).Format(time.RFC3339),
	}
	if err := v.s.Repo.InsertLocationTrack(v.ctx, v.tx, track); err != nil {
		return fmt.Errorf("insert location track: %w", err)
	}
	v.entityID = att.ID
	v.data = trackData(track)
	return nil
}

func (v *applyVisitor) CreateMaterialRequest(p action.CreateMaterialRequest) error {
	urgency := p.Urgency
	if urgency == "" {
		urgency = "MEDIUM"
	}
	ts := v.now.Format(time.RFC3339)
	mr := domain.MaterialRequest{
		ID:           v.s.newID(),
		ProjectID:    v.a.ProjectID,
		RequestedBy:  v.actor.ID,
		MaterialName: p.MaterialName,
		Quantity:     p.Quantity,
		Unit:         p.Unit,
		Urgency:      urgency,
		Notes:        p.Notes,
		RequiredBy:   p.RequiredBy,
		Status:       domain.MaterialRequestPending,
		CreatedAt:    ts,
		UpdatedAt:    ts,
	}
	if err := v.s.Repo.InsertMaterialRequest(v.ctx, v.tx, mr); err != nil {
		return fmt.Errorf("insert material request: %w", err)
	}
	v.entityID = mr.ID
	v.data = materialRequestData(mr.ID, mr.Status)
	return nil
}

func (v *applyVisitor) pendingMaterialRequest(id string) (domain.MaterialRequest, error) {
	mr, err := v.s.Repo.GetMaterialRequest(v.ctx, v.tx, id)
	if errors.Is(err, repo.ErrNotFound) || (err == nil && mr.ProjectID != v.a.ProjectID) {
		return mr, reject("Material request not found")
	}
	if err != nil {
		return mr, err
	}
	if mr.Status != domain.MaterialRequestPending {
		return mr, reject("Material request is not pending")
	}
	return mr, nil
}

func (v *applyVisitor) UpdateMaterialRequest(p action.UpdateMaterialRequest) error {
	mr, err := v.pendingMaterialRequest(p.MaterialRequestID)
	if err != nil {
		return err
	}
	err = v.s.Repo.UpdatePendingMaterialRequest(v.ctx, v.tx, mr.ID, repo.MaterialRequestUpdate{
		Quantity:   p.Quantity,
		Unit:       p.Unit,
		Urgency:    p.Urgency,
		Notes:      p.Notes,
		RequiredBy: p.RequiredBy,
		UpdatedAt:  v.now.Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("update material request: %w", err)
	}
	v.entityID = mr.ID
	v.data = materialRequestData(mr.ID, domain.MaterialRequestPending)
	return nil
}

func (v *applyVisitor) DeleteMaterialRequest(p action.DeleteMaterialRequest) error {
	mr, err := v.pendingMaterialRequest(p.MaterialRequestID)
	if err != nil {
		return err
	}
	err = v.s.Repo.TransitionMaterialRequest(v.ctx, v.tx, mr.ID, domain.MaterialRequestPending, domain.MaterialRequestCancelled,
		p.Reason, v.now.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("cancel material request: %w", err)
	}
	v.entityID = mr.ID
	v.data = materialRequestData(mr.ID, domain.MaterialRequestCancelled)
	return nil
}

func (v *applyVisitor) CreateDPR(p action.CreateDPR) error {
	d := domain.DPR{
		ID:         v.s.newID(),
		ProjectID:  v.a.ProjectID,
		EngineerID: v.actor.ID,
		ReportDate: p.ReportDate,
		WorkDone:   p.WorkDone,
		Weather:    p.Weather,
		Issues:     p.Issues,
		CreatedAt:  v.now.Format(time.RFC3339),
	}
	if p.LabourCount != nil {
		d.LabourCount = *p.LabourCount
	}
	if err := v.s.Repo.InsertDPR(v.ctx, v.tx, d); err != nil {
		return fmt.Errorf("insert dpr: %w", err)
	}
	v.entityID = d.ID
	v.data = dprData(d.ID)
	return nil
}

func (v *applyVisitor) ManualAttendance(p action.ManualAttendance) error {
	in, err := p.CheckInAt()
	if err != nil {
		return reject("Invalid check-in time")
	}
	att := domain.Attendance{
		ID:         v.s.newID(),
		ProjectID:  v.a.ProjectID,
		ActorID:    p.LabourID,
		Source:     domain.AttendanceManual,
		CheckInAt:  in.UTC().Format(time.RFC3339),
		RecordedBy: v.actor.ID,
		Reason:     p.Reason,
		CreatedAt:  v.now.Format(time.RFC3339),
	}
	if p.CheckOutTime != "" {
		out, err := p.CheckOutAt()
		if err != nil {
			return reject("Invalid check-out time")
		}
		outAt := out.UTC().Format(time.RFC3339)
		hours := workHours(in, out)
		att.CheckOutAt = &outAt
		att.WorkHours = &hours
	}
	if err := v.s.Repo.InsertAttendance(v.ctx, v.tx, att); err != nil {
		return fmt.Errorf("insert manual attendance: %w", err)
	}
	v.entityID = att.ID
	v.data = attendanceData(att)
	return nil
}
