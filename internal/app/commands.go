package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"dripline/internal/catalog"
	"dripline/internal/delivery"
	"dripline/internal/eventbus"
	"dripline/internal/storage"
	"dripline/internal/tracking"
	"dripline/internal/trigger"
	"dripline/pkg/logx"
)

// RunOnce performs a single delivery run, as the trigger endpoint would.
func (a *App) RunOnce(ctx context.Context, req trigger.Request) (delivery.Summary, error) {
	return a.trig.Invoke(ctx, req)
}

// Enroll registers a contact into a scenario. A one-shot app has no trigger
// loop listening on the bus, so the contact-scoped run happens inline.
func (a *App) Enroll(ctx context.Context, e storage.Enrollment) (tracking.Record, bool, error) {
	rec, created, err := a.store.Enroll(ctx, e, time.Now())
	if err != nil || !created {
		return rec, created, err
	}
	a.bus.Publish(eventbus.Event{Type: eventbus.ContactRegistered, Data: eventbus.Registration{
		ContactID: e.ContactID, ScenarioID: e.ScenarioID, RecordID: rec.ID, Created: created,
	}})
	if _, err := a.trig.Invoke(ctx, trigger.Request{ScenarioID: e.ScenarioID, ContactID: e.ContactID, Trigger: trigger.LoginSuccess}); err != nil {
		a.log.Warn("post-enroll run failed", logx.String("contact", e.ContactID), logx.Err(err))
	}
	return rec, created, nil
}

// Import loads a catalog file into the store.
func (a *App) Import(ctx context.Context, path string) (catalog.Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return catalog.Result{}, err
	}
	defer f.Close()
	file, err := catalog.Parse(f)
	if err != nil {
		return catalog.Result{}, fmt.Errorf("%s: %w", path, err)
	}
	res, err := catalog.Import(ctx, a.store, file, time.Now())
	if err != nil {
		return res, err
	}
	a.log.Info("catalog imported",
		logx.String("path", path),
		logx.Int("scenarios", res.Scenarios),
		logx.Int("steps", res.Steps),
		logx.Int("enrolled", res.Enrolled),
	)
	return res, nil
}
