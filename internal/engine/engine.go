package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"sitesync/internal/action"
	"sitesync/internal/channel"
	"sitesync/internal/config"
	"sitesync/internal/domain"
	"sitesync/internal/engine/auth"
	"sitesync/internal/events"
	"sitesync/internal/ledger"
	"sitesync/internal/repo"
)

// ReasonInternal is reported for any failure that is not the client's fault.
// The underlying error is logged, never returned.
const ReasonInternal = "Internal processing error"

// Authorizer decides whether an actor may perform an action.
type Authorizer interface {
	Authorize(ctx context.Context, actor domain.Actor, a action.Action) (auth.Decision, error)
}

// Applier performs an action's side effects and records it in the ledger
// atomically. A *RejectError means the action was refused; ledger.ErrDuplicate
// means another submission of the same id won.
type Applier interface {
	Apply(ctx context.Context, actor domain.Actor, a action.Action) (Applied, error)
	// Replay re-reads derived state for an already applied action.
	Replay(ctx context.Context, e ledger.Entry) (map[string]any, error)
}

type Applied struct {
	EntityID string
	Data     map[string]any
}

// Engine runs uploaded actions through channel check, validation,
// idempotency, authorization and application.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
	Logger *slog.Logger

	Ledger  ledger.Reader
	Gate    Authorizer
	Applier Applier
}

// New wires an engine backed entirely by db.
func New(db *sql.DB, cfg *config.Config, logger *slog.Logger) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	r := repo.Repo{DB: db}
	w := events.Writer{Now: time.Now}
	return Engine{
		DB:      db,
		Repo:    r,
		Events:  w,
		Config:  cfg,
		Now:     time.Now,
		Logger:  logger,
		Ledger:  repo.Ledger{Repo: r},
		Gate:    auth.Gate{Repo: r},
		Applier: &SQLApplier{DB: db, Repo: r, Events: w, Now: time.Now, RecordRejections: !cfg.RejectionsRetryable()},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) maxBatchSize() int {
	if e.Config != nil && e.Config.Sync.MaxBatchSize > 0 {
		return e.Config.Sync.MaxBatchSize
	}
	return config.DefaultMaxBatchSize
}

// BatchError rejects a whole request before any action is looked at.
type BatchError struct {
	Message string
}

func (e *BatchError) Error() string { return e.Message }

// RejectError is returned by appliers when business rules refuse an action.
type RejectError struct {
	Reason string
}

func (e *RejectError) Error() string { return e.Reason }

func reject(format string, args ...any) error {
	return &RejectError{Reason: fmt.Sprintf(format, args...)}
}

type AppliedItem struct {
	ActionID   string         `json:"action_id"`
	ActionType action.Type    `json:"action_type"`
	EntityID   string         `json:"entity_id"`
	Data       map[string]any `json:"data,omitempty"`
}

type RejectedItem struct {
	ID         string      `json:"id"`
	ActionType action.Type `json:"action_type"`
	Reason     string      `json:"reason"`
}

type SkippedItem struct {
	ID         string         `json:"id"`
	ActionType action.Type    `json:"action_type"`
	Status     ledger.Status  `json:"status" enum:"APPLIED,REJECTED"`
	Reason     string         `json:"reason"`
	EntityID   string         `json:"entity_id,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

type Summary struct {
	Total         int `json:"total"`
	AppliedCount  int `json:"applied_count"`
	RejectedCount int `json:"rejected_count"`
	SkippedCount  int `json:"skipped_count"`
}

// Result partitions a batch: every input action lands in exactly one list.
type Result struct {
	Applied  []AppliedItem  `json:"applied"`
	Rejected []RejectedItem `json:"rejected"`
	Skipped  []SkippedItem  `json:"skipped"`
	Summary  Summary        `json:"summary"`
}

type Disposition string

const (
	DispositionApplied  Disposition = "applied"
	DispositionRejected Disposition = "rejected"
	DispositionSkipped  Disposition = "skipped"
)

// Outcome is the resolution of a single action.
type Outcome struct {
	Disposition Disposition
	ActionID    string
	ActionType  action.Type
	EntityID    string
	Reason      string
	// Status is the ledger status of a skipped action.
	Status ledger.Status
	Data   map[string]any
}

// SyncStatus is the single-action form of the outcome: APPLIED, DUPLICATE or REJECTED.
func (o Outcome) SyncStatus() string {
	switch o.Disposition {
	case DispositionApplied:
		return "APPLIED"
	case DispositionSkipped:
		return "DUPLICATE"
	default:
		return "REJECTED"
	}
}

// ProcessBatch resolves raws in order through ch. One action's failure never
// affects another's; an error is returned only for batch-level problems or
// a cancelled context. On cancellation the result covers the actions resolved
// so far (Summary.Total counts them) and is returned with ctx.Err().
func (e Engine) ProcessBatch(ctx context.Context, actor domain.Actor, ch channel.Channel, raws []json.RawMessage) (Result, error) {
	if len(raws) == 0 {
		return Result{}, &BatchError{Message: "actions must be a non-empty array"}
	}
	if limit := e.maxBatchSize(); len(raws) > limit {
		return Result{}, &BatchError{Message: fmt.Sprintf("batch of %d actions exceeds the maximum of %d", len(raws), limit)}
	}
	res := Result{
		Applied:  []AppliedItem{},
		Rejected: []RejectedItem{},
		Skipped:  []SkippedItem{},
	}
	for _, raw := range raws {
		if err := ctx.Err(); err != nil {
			e.logger().Warn("batch interrupted",
				"actor_id", actor.ID, "channel", ch.Name, "processed", res.Summary.Total, "remaining", len(raws)-res.Summary.Total, "err", err)
			return res, err
		}
		res.add(e.ProcessAction(ctx, actor, ch, raw))
	}
	e.logger().Info("batch processed",
		"actor_id", actor.ID, "channel", ch.Name, "total", res.Summary.Total,
		"applied", res.Summary.AppliedCount, "rejected", res.Summary.RejectedCount, "skipped", res.Summary.SkippedCount)
	return res, nil
}

func (r *Result) add(o Outcome) {
	r.Summary.Total++
	switch o.Disposition {
	case DispositionApplied:
		r.Applied = append(r.Applied, AppliedItem{ActionID: o.ActionID, ActionType: o.ActionType, EntityID: o.EntityID, Data: o.Data})
		r.Summary.AppliedCount++
	case DispositionSkipped:
		r.Skipped = append(r.Skipped, SkippedItem{ID: o.ActionID, ActionType: o.ActionType, Status: o.Status, Reason: o.Reason, EntityID: o.EntityID, Data: o.Data})
		r.Summary.SkippedCount++
	default:
		r.Rejected = append(r.Rejected, RejectedItem{ID: o.ActionID, ActionType: o.ActionType, Reason: o.Reason})
		r.Summary.RejectedCount++
	}
}

// ProcessAction runs one raw action through the full pipeline. It never
// panics and never returns an error: every failure becomes a rejection.
func (e Engine) ProcessAction(ctx context.Context, actor domain.Actor, ch channel.Channel, raw json.RawMessage) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			e.logger().Error("action processing panicked",
				"action_id", out.ActionID, "action_type", out.ActionType, "actor_id", actor.ID, "panic", fmt.Sprint(r))
			out = out.rejected(ReasonInternal)
		}
	}()

	env, err := action.Decode(raw)
	out = Outcome{ActionID: env.ID, ActionType: env.ActionType}
	if err != nil {
		return out.rejected(err.Error())
	}
	if !ch.Permits(env.ActionType) {
		return out.rejected(ch.RejectReason())
	}
	a, err := action.Validate(env)
	if err != nil {
		var verr *action.ValidationError
		if errors.As(err, &verr) {
			return out.rejected(verr.Message)
		}
		return e.internal(out, actor, "validate", err)
	}
	actor = ch.Pin(actor)

	entry, found, err := e.Ledger.Lookup(ctx, a.ID)
	if err != nil {
		return e.internal(out, actor, "ledger lookup", err)
	}
	if found {
		return e.skipped(ctx, actor, out, entry)
	}

	decision, err := e.Gate.Authorize(ctx, actor, a)
	if err != nil {
		return e.internal(out, actor, "authorize", err)
	}
	if !decision.Authorized {
		return out.rejected(decision.Reason)
	}
	if decision.Role != "" {
		actor.Role = decision.Role
	}

	applied, err := e.Applier.Apply(ctx, actor, a)
	var rej *RejectError
	switch {
	case err == nil:
		out.Disposition = DispositionApplied
		out.EntityID = applied.EntityID
		out.Data = applied.Data
		return out
	case errors.As(err, &rej):
		return out.rejected(rej.Reason)
	case errors.Is(err, ledger.ErrDuplicate):
		entry, found, lerr := e.Ledger.Lookup(ctx, a.ID)
		if lerr != nil || !found {
			return e.internal(out, actor, "ledger reread", errors.Join(err, lerr))
		}
		return e.skipped(ctx, actor, out, entry)
	default:
		return e.internal(out, actor, "apply", err)
	}
}

func (o Outcome) rejected(reason string) Outcome {
	o.Disposition = DispositionRejected
	o.Reason = reason
	o.EntityID = ""
	o.Data = nil
	return o
}

// skipped reports a duplicate. Entity id and replay data belong to the actor
// who first submitted the id; anyone else only learns it was processed.
func (e Engine) skipped(ctx context.Context, actor domain.Actor, out Outcome, entry ledger.Entry) Outcome {
	out.Disposition = DispositionSkipped
	out.Status = entry.Status
	out.Reason = "Already processed"
	if entry.ActorID != actor.ID {
		return out
	}
	out.EntityID = entry.EntityID
	if entry.Status == ledger.StatusApplied {
		data, err := e.Applier.Replay(ctx, entry)
		if err != nil {
			e.logger().Warn("replay failed", "action_id", entry.ActionID, "err", err)
		}
		out.Data = data
	}
	return out
}

func (e Engine) internal(out Outcome, actor domain.Actor, stage string, err error) Outcome {
	e.logger().Error("action processing failed",
		"stage", stage, "action_id", out.ActionID, "action_type", out.ActionType, "actor_id", actor.ID, "err", err)
	return out.rejected(ReasonInternal)
}

func newID() string {
	return uuid.NewString()
}
