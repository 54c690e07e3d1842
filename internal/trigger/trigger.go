// Package trigger decides when the delivery engine runs.
//
// Runs come from explicit requests (HTTP, MQTT, the CLI), from enrollments
// published on the event bus, from a cron safety net and from a single wake
// timer that each run re-arms from durable store state: a few seconds out
// when the batch was full, otherwise at the earliest row falling due soon.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"dripline/internal/delivery"
	"dripline/internal/eventbus"
	"dripline/internal/scenario"
	"dripline/internal/storage"
	"dripline/pkg/logx"
)

// LoginSuccess narrows a run to recently scheduled rows of one contact.
const LoginSuccess = "login_success"

var (
	ErrInvalidRequest  = errors.New("invalid trigger request")
	ErrUnknownIdentity = errors.New("unknown external identity")
)

// Request is the trigger body accepted over HTTP and MQTT.
type Request struct {
	ScenarioID       string `json:"scenarioId,omitempty"`
	ContactID        string `json:"contactId,omitempty"`
	ExternalIdentity string `json:"externalIdentity,omitempty"`
	Trigger          string `json:"trigger,omitempty"`
}

type Runner interface {
	Run(ctx context.Context, f delivery.Filter) (delivery.Summary, error)
}

type Store interface {
	ContactByExternalID(ctx context.Context, externalID string) (scenario.Contact, error)
	NextWake(ctx context.Context, now time.Time, horizon time.Duration) (time.Time, bool, error)
}

// Recorder receives every run outcome; telemetry implements it.
type Recorder interface {
	RecordRun(ctx context.Context, source string, sum delivery.Summary, took time.Duration, err error)
}

type Config struct {
	Enabled   bool
	Schedule  string
	BusyRerun time.Duration
	LookAhead time.Duration
	MinWake   time.Duration
	MaxWake   time.Duration
	Timeout   time.Duration
}

func (c Config) normalize() Config {
	if strings.TrimSpace(c.Schedule) == "" {
		c.Schedule = "@every 1m"
	}
	if c.BusyRerun <= 0 {
		c.BusyRerun = 2 * time.Second
	}
	if c.LookAhead <= 0 {
		c.LookAhead = 60 * time.Second
	}
	if c.MinWake <= 0 {
		c.MinWake = time.Second
	}
	if c.MaxWake <= 0 {
		c.MaxWake = 55 * time.Second
	}
	if c.MaxWake < c.MinWake {
		c.MaxWake = c.MinWake
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Minute
	}
	return c
}

type Service struct {
	runner   Runner
	store    Store
	bus      eventbus.Bus
	recorder Recorder
	log      logx.Logger
	now      func() time.Time

	mu      sync.Mutex
	cfg     Config
	c       *cron.Cron
	base    context.Context
	running bool

	// background runs (cron and wake) never overlap each other
	busy atomic.Bool

	wmu    sync.Mutex
	wakeAt time.Time
	timer  *time.Timer
	gen    uint64
}

type Option func(*Service)

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithRecorder(r Recorder) Option { return func(s *Service) { s.recorder = r } }

func New(cfg Config, runner Runner, store Store, bus eventbus.Bus, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		runner: runner,
		store:  store,
		bus:    bus,
		log:    log.With(logx.String("comp", "trigger")),
		now:    time.Now,
		cfg:    cfg.normalize(),
		base:   context.Background(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Invoke runs the engine for req and re-arms the wake timer. The summary is
// returned even when the run fails part way.
func (s *Service) Invoke(ctx context.Context, req Request) (delivery.Summary, error) {
	return s.invoke(ctx, "request", req)
}

func (s *Service) invoke(ctx context.Context, source string, req Request) (delivery.Summary, error) {
	f, err := s.resolve(ctx, req)
	if err != nil {
		return delivery.Summary{Timestamp: s.now()}, err
	}
	cfg := s.config()
	rctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	start := time.Now()
	sum, err := s.runner.Run(rctx, f)
	took := time.Since(start)

	detached := context.WithoutCancel(ctx)
	if s.recorder != nil {
		s.recorder.RecordRun(detached, source, sum, took, err)
	}
	if s.bus != nil && err == nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.RunCompleted, Data: sum})
	}
	s.reschedule(detached, cfg, sum, err)
	if err != nil {
		return sum, fmt.Errorf("delivery run: %w", err)
	}
	return sum, nil
}

func (s *Service) resolve(ctx context.Context, req Request) (delivery.Filter, error) {
	f := delivery.Filter{ScenarioID: strings.TrimSpace(req.ScenarioID), ContactID: strings.TrimSpace(req.ContactID)}
	switch strings.TrimSpace(req.Trigger) {
	case "":
	case LoginSuccess:
		f.RecentOnly = true
	default:
		return f, fmt.Errorf("%w: unsupported trigger %q", ErrInvalidRequest, req.Trigger)
	}

	ext := strings.TrimSpace(req.ExternalIdentity)
	if ext == "" {
		return f, nil
	}
	c, err := s.store.ContactByExternalID(ctx, ext)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return f, fmt.Errorf("%w: %s", ErrUnknownIdentity, ext)
	case errors.Is(err, storage.ErrAmbiguous):
		return f, fmt.Errorf("%w: external identity %s matches several contacts", ErrInvalidRequest, ext)
	case err != nil:
		return f, fmt.Errorf("resolve external identity: %w", err)
	}
	if f.ContactID != "" && f.ContactID != c.ID {
		return f, fmt.Errorf("%w: contactId and externalIdentity disagree", ErrInvalidRequest)
	}
	f.ContactID = c.ID
	return f, nil
}

// reschedule arms the wake timer after a run. Failures are logged only.
func (s *Service) reschedule(ctx context.Context, cfg Config, sum delivery.Summary, runErr error) {
	switch {
	case !cfg.Enabled:
		return
	case runErr != nil:
		s.wakeIn(cfg.MaxWake)
		return
	case sum.BatchFull:
		s.wakeIn(cfg.BusyRerun)
		return
	}
	now := s.now()
	at, ok, err := s.store.NextWake(ctx, now, cfg.LookAhead)
	if err != nil {
		s.log.Warn("next wake lookup failed", logx.Err(err))
		return
	}
	if !ok {
		return
	}
	s.wakeIn(clamp(at.Sub(now), cfg.MinWake, cfg.MaxWake))
}

func clamp(d, lo, hi time.Duration) time.Duration {
	return max(lo, min(d, hi))
}

// wakeIn arms the timer unless an earlier wake is already pending.
func (s *Service) wakeIn(d time.Duration) {
	at := s.now().Add(d)
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.timer != nil && !s.wakeAt.After(at) {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.wakeAt = at
	s.timer = time.AfterFunc(d, func() { s.onWake(gen) })
	s.log.Debug("wake scheduled", logx.Duration("in", d))
}

func (s *Service) onWake(gen uint64) {
	s.wmu.Lock()
	if gen != s.gen {
		s.wmu.Unlock()
		return
	}
	s.timer = nil
	s.wakeAt = time.Time{}
	s.wmu.Unlock()
	s.background("wake")
}

// PendingWake reports the armed wake time, if any.
func (s *Service) PendingWake() (time.Time, bool) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.wakeAt, s.timer != nil
}

func (s *Service) stopWake() {
	s.wmu.Lock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = nil
	s.wakeAt = time.Time{}
	s.gen++
	s.wmu.Unlock()
}

// background runs a full pass unless another cron or wake run is in flight;
// that run re-arms the timer when it finishes.
func (s *Service) background(source string) {
	if !s.busy.CompareAndSwap(false, true) {
		s.log.Debug("skipping overlapping run", logx.String("source", source))
		return
	}
	defer s.busy.Store(false)

	s.mu.Lock()
	ctx := s.base
	s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	if _, err := s.invoke(ctx, source, Request{}); err != nil {
		s.log.Warn("background run failed", logx.String("source", source), logx.Err(err))
	}
}
