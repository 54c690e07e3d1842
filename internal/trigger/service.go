package trigger

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"dripline/internal/eventbus"
	"dripline/pkg/logx"
)

const eventRuns = 8

// Run starts background scheduling, performs an initial pass and consumes
// enrollment events until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	if err := s.start(ctx); err != nil {
		return err
	}
	defer s.stop()

	var events <-chan eventbus.Event
	if s.bus != nil {
		ch, unsub := s.bus.Subscribe(64, eventbus.ContactRegistered)
		defer unsub()
		events = ch
	}
	if s.config().Enabled {
		go s.background("startup")
	}

	// Event runs go out concurrently so a slow run never leaves the
	// subscription full; Go blocks only once eventRuns are in flight.
	var g errgroup.Group
	g.SetLimit(eventRuns)
	defer g.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			g.Go(func() error {
				s.onEvent(ctx, e)
				return nil
			})
		}
	}
}

func (s *Service) onEvent(ctx context.Context, e eventbus.Event) {
	reg, ok := e.Data.(eventbus.Registration)
	if !ok || reg.ContactID == "" {
		s.log.Warn("ignoring malformed event", logx.String("type", e.Type))
		return
	}
	req := Request{ScenarioID: reg.ScenarioID, ContactID: reg.ContactID, Trigger: LoginSuccess}
	sum, err := s.invoke(ctx, "enrollment", req)
	if err != nil {
		s.log.Warn("enrollment run failed", logx.String("contact", reg.ContactID), logx.Err(err))
		return
	}
	s.log.Debug("enrollment run", logx.String("contact", reg.ContactID), logx.Int("delivered", sum.Delivered))
}

func (s *Service) start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.base = ctx
	s.running = true
	if !s.cfg.Enabled {
		s.log.Info("background scheduling disabled")
		return nil
	}
	c, err := s.newCron(s.cfg.Schedule)
	if err != nil {
		s.running = false
		return err
	}
	s.c = c
	s.c.Start()
	s.log.Info("trigger started", logx.String("schedule", s.cfg.Schedule))
	return nil
}

func (s *Service) newCron(spec string) (*cron.Cron, error) {
	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddJob(spec, cron.FuncJob(func() { s.background("cron") })); err != nil {
		return nil, fmt.Errorf("trigger schedule %q: %w", spec, err)
	}
	return c, nil
}

func (s *Service) stop() {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.running = false
	s.mu.Unlock()
	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-time.After(5 * time.Second):
			s.log.Warn("cron stop timed out")
		}
	}
	s.stopWake()
	s.log.Info("trigger stopped")
}

// Apply swaps tuning. A changed schedule or enabled flag restarts cron when
// the service is running.
func (s *Service) Apply(cfg Config) error {
	cfg = cfg.normalize()
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	restart := s.running && (old.Schedule != cfg.Schedule || old.Enabled != cfg.Enabled)
	var prev *cron.Cron
	if restart {
		prev, s.c = s.c, nil
	}
	s.mu.Unlock()
	if !restart {
		return nil
	}

	// Stop outside the lock: a running job needs it to finish.
	if prev != nil {
		<-prev.Stop().Done()
	}
	if !cfg.Enabled {
		s.stopWake()
		s.log.Info("background scheduling disabled")
		return nil
	}
	c, err := s.newCron(cfg.Schedule)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.running {
		s.c = c
		c.Start()
	}
	s.mu.Unlock()
	s.log.Info("trigger schedule applied", logx.String("schedule", cfg.Schedule))
	return nil
}
