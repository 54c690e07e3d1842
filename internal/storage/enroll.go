package storage

import (
	"context"
	"fmt"
	"time"

	"dripline/internal/timing"
	"dripline/internal/tracking"
	"dripline/pkg/logx"
)

// Enroll registers a contact into a scenario by seeding its first step. The
// due time is anchored on the contact's registration time.
//
// While a step-1 record is active, enrolling again returns it with
// created=false. Once it is terminal, the default key moves to the next
// generation and a new record is created. An explicit Key is replay-safe for
// good.
func (s *Store) Enroll(ctx context.Context, e Enrollment, now time.Time) (tracking.Record, bool, error) {
	contact, err := s.Contact(ctx, e.ContactID)
	if err != nil {
		return tracking.Record{}, false, err
	}
	first, err := s.NextStep(ctx, e.ScenarioID, 0)
	if err != nil {
		return tracking.Record{}, false, fmt.Errorf("scenario %s first step: %w", e.ScenarioID, err)
	}
	due := timing.DueAt(first.Policy, timing.Anchors{RegisteredAt: contact.RegisteredAt}, now)
	if due.FailedOpen {
		s.log.Debug("enroll due time failed open",
			logx.String("scenario", e.ScenarioID),
			logx.String("contact", e.ContactID),
			logx.String("reason", due.Reason),
		)
	}
	key := e.Key
	if key == "" {
		var generation int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM tracking WHERE scenario_id = ? AND contact_id = ? AND step_id = ?`,
			e.ScenarioID, e.ContactID, first.ID).Scan(&generation); err != nil {
			return tracking.Record{}, false, fmt.Errorf("enroll generation: %w", err)
		}
		key = tracking.EnrollKey(e.ScenarioID, e.ContactID, generation)
	}
	return s.Seed(ctx, Seed{
		ScenarioID: e.ScenarioID,
		ContactID:  e.ContactID,
		StepID:     first.ID,
		Position:   first.Position,
		DueAt:      due.At,
		Campaign:   e.Campaign,
		Source:     e.Source,
		SeedKey:    key,
	}, now)
}
