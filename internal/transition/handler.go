// Package transition moves a contact into the next scenario once the current
// one has delivered its last step.
package transition

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dripline/internal/scenario"
	"dripline/internal/storage"
	"dripline/internal/timing"
	"dripline/internal/tracking"
	"dripline/pkg/logx"
)

type Store interface {
	TransitionFrom(ctx context.Context, scenarioID string) (scenario.Transition, bool, error)
	ExitActive(ctx context.Context, scenarioID, contactID, exceptID, reason string, now time.Time) (int64, error)
	NextStep(ctx context.Context, scenarioID string, afterPosition int) (scenario.Step, error)
	Seed(ctx context.Context, sd storage.Seed, now time.Time) (tracking.Record, bool, error)
	Reschedule(ctx context.Context, id string, due, now time.Time) (bool, error)
}

// Completion reports that Record, the last step of its scenario, was
// delivered at DeliveredAt.
type Completion struct {
	Record      tracking.Record
	DeliveredAt time.Time
}

type Outcome struct {
	Transitioned     bool
	TargetScenarioID string
	// Exited counts records of the finished scenario marked exited.
	Exited int64
	// Created is true when this call created the target's first record.
	Created bool
	Target  tracking.Record
}

type Handler struct {
	store Store
	log   logx.Logger
	now   func() time.Time
}

type Option func(*Handler)

func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

func New(store Store, log logx.Logger, opts ...Option) *Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &Handler{store: store, log: log.With(logx.String("comp", "transition")), now: time.Now}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Complete applies the effective transition for the completed scenario.
//
// It is safe to call concurrently and repeatedly for the same completion:
// exiting is a conditional update and the target record is keyed by the
// completed record's id.
func (h *Handler) Complete(ctx context.Context, c Completion) (Outcome, error) {
	rec := c.Record
	now := h.now()
	log := h.log.With(logx.String("scenario", rec.ScenarioID), logx.String("contact", rec.ContactID))

	tr, ok, err := h.store.TransitionFrom(ctx, rec.ScenarioID)
	if err != nil {
		return Outcome{}, fmt.Errorf("lookup transition: %w", err)
	}

	reason := "scenario completed"
	if ok {
		reason = "superseded by transition to " + tr.ToScenarioID
	}
	exited, err := h.store.ExitActive(ctx, rec.ScenarioID, rec.ContactID, rec.ID, reason, now)
	if err != nil {
		return Outcome{}, fmt.Errorf("exit active records: %w", err)
	}
	out := Outcome{Exited: exited}
	if exited > 0 {
		log.Debug("exited leftover records", logx.Int64("count", exited))
	}
	if !ok {
		return out, nil
	}
	out.Transitioned = true
	out.TargetScenarioID = tr.ToScenarioID
	log = log.With(logx.String("target", tr.ToScenarioID))

	first, err := h.store.NextStep(ctx, tr.ToScenarioID, 0)
	if errors.Is(err, storage.ErrNotFound) {
		log.Warn("transition target has no steps")
		return out, nil
	}
	if err != nil {
		return out, fmt.Errorf("target first step: %w", err)
	}

	// The target starts over from the delivery that completed the source
	// scenario, whatever anchor its first step names.
	due := timing.DueAt(first.Policy, timing.Anchors{RegisteredAt: c.DeliveredAt, PrevDeliveredAt: c.DeliveredAt}, now)
	if due.FailedOpen {
		log.Warn("target due time failed open", logx.String("reason", due.Reason))
	}

	key := tracking.TransitionKey(rec.ID)
	target, created, err := h.store.Seed(ctx, storage.Seed{
		ScenarioID: tr.ToScenarioID,
		ContactID:  rec.ContactID,
		StepID:     first.ID,
		Position:   first.Position,
		DueAt:      due.At,
		Campaign:   rec.Campaign,
		Source:     rec.Source,
		SeedKey:    key,
	}, now)
	if err != nil {
		return out, fmt.Errorf("seed target: %w", err)
	}
	out.Created = created
	out.Target = target

	// The contact was already active in the target through another path:
	// align a still-waiting record with this transition's due time.
	if !created && target.SeedKey != key && target.Status == tracking.StatusWaiting && !target.ScheduledAt.Equal(due.At) {
		if _, err := h.store.Reschedule(ctx, target.ID, due.At, now); err != nil {
			return out, fmt.Errorf("reschedule target: %w", err)
		}
	}
	log.Info("contact transitioned", logx.Bool("created", created), logx.Time("due", due.At))
	return out, nil
}
