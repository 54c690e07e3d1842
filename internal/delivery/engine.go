// Package delivery claims due tracking records and sends their step messages.
//
// A Run promotes due waiting rows, atomically claims a bounded batch of
// ready rows and processes each one on its own worker. After a successful
// delivery the worker seeds the next step and, when that step (or the first
// step of a transition target) is already due, keeps going for the same
// contact up to the configured cascade depth.
//
// Every status write is a conditional update on the row still being
// delivering, so concurrent runs, a visibility reclaim or an exit that won
// the race are all detected and the late write is dropped.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"dripline/internal/scenario"
	"dripline/internal/storage"
	"dripline/internal/timing"
	"dripline/internal/tracking"
	"dripline/internal/transition"
	"dripline/internal/transport"
	"dripline/pkg/logx"
)

// Store is the persistence the engine needs; *storage.Store implements it.
type Store interface {
	Reclaim(ctx context.Context, now time.Time) (int64, error)
	Flip(ctx context.Context, f storage.Filter, now time.Time) (int64, error)
	ClaimBatch(ctx context.Context, f storage.Filter, limit int, now time.Time, visibility time.Duration) ([]tracking.Record, error)
	ClaimNext(ctx context.Context, scenarioID, contactID string, now time.Time, visibility time.Duration) (tracking.Record, bool, error)

	Step(ctx context.Context, id string) (scenario.Step, error)
	NextStep(ctx context.Context, scenarioID string, afterPosition int) (scenario.Step, error)
	Contact(ctx context.Context, id string) (scenario.Contact, error)
	AccountForScenario(ctx context.Context, scenarioID string) (scenario.Account, error)

	Seed(ctx context.Context, sd storage.Seed, now time.Time) (tracking.Record, bool, error)
	MarkDelivered(ctx context.Context, id string, at time.Time) (bool, error)
	MarkRetry(ctx context.Context, id, reason string, retryAt, now time.Time) (bool, error)
	MarkFailed(ctx context.Context, id, reason string, now time.Time) (bool, error)
}

// Completer is told when a record for the last step of a scenario has been
// delivered.
type Completer interface {
	Complete(ctx context.Context, c transition.Completion) (transition.Outcome, error)
}

type Engine struct {
	store     Store
	sender    transport.Sender
	completer Completer
	log       logx.Logger
	tracer    trace.Tracer

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu  sync.RWMutex
	cfg Config
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithSleep replaces the pause between consecutive messages.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) { e.sleep = sleep }
}

func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

func New(cfg Config, store Store, sender transport.Sender, completer Completer, log logx.Logger, opts ...Option) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{
		store:     store,
		sender:    sender,
		completer: completer,
		log:       log.With(logx.String("comp", "delivery")),
		tracer:    otel.Tracer("dripline/delivery"),
		now:       time.Now,
		sleep:     sleepCtx,
		cfg:       cfg.normalize(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Apply swaps the tuning used by subsequent runs.
func (e *Engine) Apply(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg.normalize()
	e.mu.Unlock()
}

func (e *Engine) Config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

type tally struct {
	delivered atomic.Int64
	errors    atomic.Int64
	cascaded  atomic.Int64
}

// Run performs one claim-and-execute pass. The returned error covers only the
// bookkeeping queries before any record was claimed; per-record failures are
// counted in Summary.Errors.
func (e *Engine) Run(ctx context.Context, f Filter) (Summary, error) {
	cfg := e.Config()
	now := e.now()
	sum := Summary{Timestamp: now}

	ctx, span := e.tracer.Start(ctx, "delivery.run", trace.WithAttributes(
		attribute.String("dripline.scenario_id", f.ScenarioID),
		attribute.String("dripline.contact_id", f.ContactID),
		attribute.Bool("dripline.recent_only", f.RecentOnly),
	))
	defer span.End()

	sf := storage.Filter{ScenarioID: f.ScenarioID, ContactID: f.ContactID}
	if f.RecentOnly {
		sf.Since = now.Add(-cfg.RecentWindow)
	}

	var err error
	if sum.Reclaimed, err = e.store.Reclaim(ctx, now); err != nil {
		return sum, e.runFailed(span, "reclaim", err)
	}
	if sum.Reclaimed > 0 {
		e.log.Warn("reclaimed stale deliveries", logx.Int64("count", sum.Reclaimed))
	}
	if sum.Flipped, err = e.store.Flip(ctx, sf, now); err != nil {
		return sum, e.runFailed(span, "flip", err)
	}
	batch, err := e.store.ClaimBatch(ctx, sf, cfg.BatchSize, now, cfg.VisibilityTimeout)
	if err != nil {
		return sum, e.runFailed(span, "claim", err)
	}
	sum.TotalChecked = len(batch)
	sum.BatchFull = len(batch) >= cfg.BatchSize

	var (
		t tally
		g errgroup.Group
	)
	g.SetLimit(cfg.Workers)
	for _, rec := range batch {
		rec := rec
		g.Go(func() error {
			e.processChain(ctx, rec, cfg, &t)
			return nil
		})
	}
	_ = g.Wait()

	sum.Delivered = int(t.delivered.Load())
	sum.Errors = int(t.errors.Load())
	sum.Cascaded = int(t.cascaded.Load())

	span.SetAttributes(
		attribute.Int("dripline.checked", sum.TotalChecked),
		attribute.Int("dripline.delivered", sum.Delivered),
		attribute.Int("dripline.errors", sum.Errors),
	)
	if sum.TotalChecked > 0 || sum.Flipped > 0 {
		e.log.Info("delivery run",
			logx.Int("checked", sum.TotalChecked),
			logx.Int("delivered", sum.Delivered),
			logx.Int("errors", sum.Errors),
			logx.Int("cascaded", sum.Cascaded),
			logx.Int64("flipped", sum.Flipped),
			logx.Bool("batch_full", sum.BatchFull),
		)
	}
	return sum, nil
}

func (e *Engine) runFailed(span trace.Span, stage string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, stage)
	e.log.Error("delivery run aborted", logx.String("stage", stage), logx.Err(err))
	return fmt.Errorf("%s: %w", stage, err)
}

// processChain delivers rec and then follow-up records of the same contact
// that are already due, at most cfg.CascadeDepth of them.
func (e *Engine) processChain(ctx context.Context, rec tracking.Record, cfg Config, t *tally) {
	cur := rec
	for depth := 0; ; depth++ {
		if ctx.Err() != nil {
			e.release(ctx, cur, "run cancelled")
			return
		}
		ok, target := e.deliverOne(ctx, cur, cfg, t)
		if !ok || depth >= cfg.CascadeDepth {
			return
		}
		next, found, err := e.claimFollowUp(ctx, cur, target, cfg)
		if err != nil {
			e.log.Warn("cascade claim failed", logx.String("record", cur.ID), logx.Err(err))
			return
		}
		if !found {
			return
		}
		t.cascaded.Add(1)
		if err := e.sleep(ctx, messageGap(cfg)); err != nil {
			e.release(ctx, next, "run cancelled")
			return
		}
		cur = next
	}
}

func (e *Engine) claimFollowUp(ctx context.Context, cur tracking.Record, target string, cfg Config) (tracking.Record, bool, error) {
	now := e.now()
	next, ok, err := e.store.ClaimNext(ctx, cur.ScenarioID, cur.ContactID, now, cfg.VisibilityTimeout)
	if err != nil || ok || target == "" {
		return next, ok, err
	}
	return e.store.ClaimNext(ctx, target, cur.ContactID, now, cfg.VisibilityTimeout)
}

// deliverOne executes a claimed record. ok reports a delivery this worker
// owned; target is the scenario the contact transitioned into, if any.
func (e *Engine) deliverOne(ctx context.Context, rec tracking.Record, cfg Config, t *tally) (ok bool, target string) {
	ctx, span := e.tracer.Start(ctx, "delivery.record", trace.WithAttributes(
		attribute.String("dripline.record_id", rec.ID),
		attribute.String("dripline.scenario_id", rec.ScenarioID),
		attribute.String("dripline.step_id", rec.StepID),
		attribute.Int("dripline.attempt", rec.Attempts),
	))
	defer span.End()

	log := e.log.With(
		logx.String("record", rec.ID),
		logx.String("scenario", rec.ScenarioID),
		logx.String("contact", rec.ContactID),
		logx.Int("position", rec.Position),
	)

	contact, err := e.execute(ctx, rec, cfg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send")
		e.fail(ctx, log, rec, err, cfg, t)
		return false, ""
	}

	deliveredAt := e.now()
	owned, err := e.store.MarkDelivered(context.WithoutCancel(ctx), rec.ID, deliveredAt)
	if err != nil {
		// Messages went out but the row is still delivering; the
		// visibility reclaim will resend.
		t.errors.Add(1)
		log.Error("mark delivered failed", logx.Err(err))
		return false, ""
	}
	if !owned {
		log.Debug("record no longer owned after send")
		return false, ""
	}
	t.delivered.Add(1)
	log.Debug("step delivered")

	target, err = e.advance(context.WithoutCancel(ctx), log, rec, contact, deliveredAt)
	if err != nil {
		t.errors.Add(1)
		log.Error("advance after delivery failed", logx.Err(err))
	}
	return true, target
}

// execute sends every message of rec's step, recovering a panicking sender
// into an error so it stays confined to this record.
func (e *Engine) execute(ctx context.Context, rec tracking.Record, cfg Config) (contact scenario.Contact, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("panic while delivering",
				logx.String("record", rec.ID),
				logx.Any("panic", r),
				logx.Stack(logx.StackTrace(3, 16)),
			)
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	step, err := e.store.Step(ctx, rec.StepID)
	if err != nil {
		return contact, fmt.Errorf("load step: %w", err)
	}
	if len(step.Messages) == 0 {
		return contact, fmt.Errorf("step %s has no messages: %w", step.ID, ErrPermanent)
	}
	contact, err = e.store.Contact(ctx, rec.ContactID)
	if err != nil {
		return contact, fmt.Errorf("load contact: %w", err)
	}
	if contact.ExternalID == "" {
		return contact, fmt.Errorf("contact %s has no external id: %w", contact.ID, ErrPermanent)
	}
	acc, err := e.store.AccountForScenario(ctx, rec.ScenarioID)
	if err != nil {
		return contact, fmt.Errorf("load account: %w", err)
	}
	cred := transport.Credential{AccountID: acc.ID, Transport: acc.Transport, Token: acc.Credential}

	for i, m := range step.Messages {
		if i > 0 {
			if err := e.sleep(ctx, messageGap(cfg)); err != nil {
				return contact, err
			}
		}
		if err := e.sender.Send(ctx, cred, contact.ExternalID, m); err != nil {
			return contact, fmt.Errorf("message %d/%d: %w", i+1, len(step.Messages), err)
		}
	}
	return contact, nil
}

// advance seeds the next step of the scenario, or hands the completion to
// the transition handler when rec was the last step.
func (e *Engine) advance(ctx context.Context, log logx.Logger, rec tracking.Record, contact scenario.Contact, deliveredAt time.Time) (string, error) {
	next, err := e.store.NextStep(ctx, rec.ScenarioID, rec.Position)
	if errors.Is(err, storage.ErrNotFound) {
		if e.completer == nil {
			return "", nil
		}
		out, err := e.completer.Complete(ctx, transition.Completion{Record: rec, DeliveredAt: deliveredAt})
		if err != nil {
			return "", fmt.Errorf("complete scenario: %w", err)
		}
		return out.TargetScenarioID, nil
	}
	if err != nil {
		return "", fmt.Errorf("next step: %w", err)
	}

	due := timing.DueAt(next.Policy, timing.Anchors{
		RegisteredAt:    contact.RegisteredAt,
		PrevDeliveredAt: deliveredAt,
	}, deliveredAt)
	if due.FailedOpen {
		log.Warn("next step due time failed open", logx.String("step", next.ID), logx.String("reason", due.Reason))
	}
	_, created, err := e.store.Seed(ctx, storage.Seed{
		ScenarioID: rec.ScenarioID,
		ContactID:  rec.ContactID,
		StepID:     next.ID,
		Position:   next.Position,
		DueAt:      due.At,
		Campaign:   rec.Campaign,
		Source:     rec.Source,
		SeedKey:    tracking.NextStepKey(rec.ID),
	}, deliveredAt)
	if err != nil {
		return "", fmt.Errorf("seed next step: %w", err)
	}
	if created {
		log.Debug("next step scheduled", logx.String("step", next.ID), logx.Time("due", due.At))
	}
	return "", nil
}

func (e *Engine) fail(ctx context.Context, log logx.Logger, rec tracking.Record, cause error, cfg Config, t *tally) {
	wctx := context.WithoutCancel(ctx)
	now := e.now()
	reason := truncate(cause.Error(), 500)

	var (
		owned bool
		err   error
	)
	if Permanent(cause) {
		owned, err = e.store.MarkFailed(wctx, rec.ID, reason, now)
		if err == nil && owned {
			log.Warn("delivery failed permanently", logx.Err(cause))
		}
	} else {
		backoff := cfg.RetryBackoff
		if hint, ok := transport.RetryHint(cause); ok && hint > backoff {
			backoff = hint
		}
		owned, err = e.store.MarkRetry(wctx, rec.ID, reason, now.Add(backoff), now)
		if err == nil && owned {
			log.Warn("delivery will be retried", logx.Err(cause), logx.Duration("backoff", backoff))
		}
	}
	switch {
	case err != nil:
		t.errors.Add(1)
		log.Error("record status write failed", logx.Err(err), logx.String("cause", cause.Error()))
	case owned:
		t.errors.Add(1)
	default:
		log.Debug("record no longer owned after failure", logx.Err(cause))
	}
}

// release hands a claimed record back without counting an attempt failure.
func (e *Engine) release(ctx context.Context, rec tracking.Record, reason string) {
	now := e.now()
	if _, err := e.store.MarkRetry(context.WithoutCancel(ctx), rec.ID, reason, now, now); err != nil {
		e.log.Warn("release claimed record failed", logx.String("record", rec.ID), logx.Err(err))
	}
}

func messageGap(cfg Config) time.Duration {
	span := cfg.MessageDelayMax - cfg.MessageDelayMin
	if span <= 0 {
		return cfg.MessageDelayMin
	}
	return cfg.MessageDelayMin + time.Duration(rand.Int63n(int64(span)+1))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	tm := time.NewTimer(d)
	defer tm.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tm.C:
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
