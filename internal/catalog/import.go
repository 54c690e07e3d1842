package catalog

import (
	"context"
	"fmt"
	"time"

	"dripline/internal/scenario"
	"dripline/internal/storage"
	"dripline/internal/tracking"
)

type Store interface {
	PutAccount(ctx context.Context, a scenario.Account) error
	PutContact(ctx context.Context, c scenario.Contact) (string, error)
	PutScenario(ctx context.Context, sc scenario.Scenario) error
	PutStep(ctx context.Context, st scenario.Step) error
	EnsureTransition(ctx context.Context, t scenario.Transition) (bool, error)
	Enroll(ctx context.Context, e storage.Enrollment, now time.Time) (tracking.Record, bool, error)
}

// Result counts what an import wrote. Enrolled counts new records only.
type Result struct {
	Accounts    int `json:"accounts"`
	Contacts    int `json:"contacts"`
	Scenarios   int `json:"scenarios"`
	Steps       int `json:"steps"`
	Transitions int `json:"transitions"`
	Enrolled    int `json:"enrolled"`
}

// Import upserts every entity of f. Running it twice is harmless: catalog
// rows are upserted, transitions deduplicated and enrollments keyed.
func Import(ctx context.Context, st Store, f *File, now time.Time) (Result, error) {
	var res Result
	for _, a := range f.Accounts {
		if err := st.PutAccount(ctx, scenario.Account{ID: a.ID, Name: a.Name, Transport: a.Transport, Credential: a.Credential}); err != nil {
			return res, fmt.Errorf("account %s: %w", a.ID, err)
		}
		res.Accounts++
	}
	for _, c := range f.Contacts {
		if _, err := st.PutContact(ctx, scenario.Contact{ID: c.ID, AccountID: c.Account, ExternalID: c.ExternalID, RegisteredAt: c.RegisteredAt}); err != nil {
			return res, fmt.Errorf("contact %s: %w", c.ID, err)
		}
		res.Contacts++
	}
	for _, sc := range f.Scenarios {
		if err := st.PutScenario(ctx, scenario.Scenario{ID: sc.ID, AccountID: sc.Account, Name: sc.Name}); err != nil {
			return res, fmt.Errorf("scenario %s: %w", sc.ID, err)
		}
		res.Scenarios++
		for i, step := range sc.Steps {
			id := step.ID
			if id == "" {
				id = fmt.Sprintf("%s-s%d", sc.ID, i+1)
			}
			msgs := make([]scenario.Message, 0, len(step.Messages))
			for _, m := range step.Messages {
				msgs = append(msgs, m.Message)
			}
			if err := st.PutStep(ctx, scenario.Step{
				ID: id, ScenarioID: sc.ID, Position: i + 1, Policy: step.Policy, Messages: msgs,
			}); err != nil {
				return res, fmt.Errorf("scenario %s step %d: %w", sc.ID, i+1, err)
			}
			res.Steps++
		}
	}
	for _, t := range f.Transitions {
		created, err := st.EnsureTransition(ctx, scenario.Transition{FromScenarioID: t.From, ToScenarioID: t.To, CreatedAt: t.CreatedAt})
		if err != nil {
			return res, fmt.Errorf("transition %s -> %s: %w", t.From, t.To, err)
		}
		if created {
			res.Transitions++
		}
	}
	for _, e := range f.Enrollments {
		_, created, err := st.Enroll(ctx, storage.Enrollment{
			ScenarioID: e.Scenario, ContactID: e.Contact, Campaign: e.Campaign, Source: e.Source,
			// a catalog line enrolls once, however often the file is imported
			Key: "import:" + e.Scenario + ":" + e.Contact,
		}, now)
		if err != nil {
			return res, fmt.Errorf("enroll %s into %s: %w", e.Contact, e.Scenario, err)
		}
		if created {
			res.Enrolled++
		}
	}
	return res, nil
}
