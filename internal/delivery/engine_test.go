package delivery_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dripline/internal/delivery"
	"dripline/internal/scenario"
	"dripline/internal/storage"
	"dripline/internal/storage/storagetest"
	"dripline/internal/tracking"
	"dripline/internal/transition"
	"dripline/internal/transport"
	"dripline/pkg/logx"
)

var t0 = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type sent struct {
	to   string
	body string
}

// recorder captures sends; fail, when set, may reject a send.
type recorder struct {
	mu   sync.Mutex
	sent []sent
	fail func(to string, msg scenario.Message) error
}

func (r *recorder) Send(_ context.Context, _ transport.Credential, to string, msg scenario.Message) error {
	if r.fail != nil {
		if err := r.fail(to, msg); err != nil {
			return err
		}
	}
	body := ""
	if txt, ok := msg.(scenario.Text); ok {
		body = txt.Body
	}
	r.mu.Lock()
	r.sent = append(r.sent, sent{to: to, body: body})
	r.mu.Unlock()
	return nil
}

func (r *recorder) bodies(to string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, s := range r.sent {
		if s.to == to {
			out = append(out, s.body)
		}
	}
	return out
}

type harness struct {
	st     *storage.Store
	clock  *clock
	sender *recorder
	eng    *delivery.Engine

	mu     sync.Mutex
	sleeps []time.Duration
}

func newHarness(t *testing.T, cfg delivery.Config) *harness {
	t.Helper()
	h := &harness{
		st:     storagetest.Open(t),
		clock:  &clock{now: t0},
		sender: &recorder{},
	}
	storagetest.Account(t, h.st, "acc")
	completer := transition.New(h.st, logx.Nop(), transition.WithClock(h.clock.Now))
	h.eng = delivery.New(cfg, h.st, h.sender, completer, logx.Nop(),
		delivery.WithClock(h.clock.Now),
		delivery.WithSleep(func(_ context.Context, d time.Duration) error {
			h.mu.Lock()
			h.sleeps = append(h.sleeps, d)
			h.mu.Unlock()
			return nil
		}),
	)
	return h
}

func (h *harness) enroll(t *testing.T, scenarioID, contactID string) tracking.Record {
	t.Helper()
	rec, _, err := h.st.Enroll(context.Background(), storage.Enrollment{ScenarioID: scenarioID, ContactID: contactID}, h.clock.Now())
	require.NoError(t, err)
	return rec
}

func (h *harness) record(t *testing.T, id string) tracking.Record {
	t.Helper()
	rec, err := h.st.Record(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func (h *harness) byStep(t *testing.T, contactID, stepID string) tracking.Record {
	t.Helper()
	recs, err := h.st.Records(context.Background(), storage.Filter{ContactID: contactID})
	require.NoError(t, err)
	for _, r := range recs {
		if r.StepID == stepID {
			return r
		}
	}
	t.Fatalf("no record for step %s", stepID)
	return tracking.Record{}
}

func TestRunDeliversAndSchedulesNextStep(t *testing.T) {
	h := newHarness(t, delivery.Config{})
	ctx := context.Background()
	contact := storagetest.Contact(t, h.st, "acc", "100", t0.Add(-time.Hour))
	storagetest.Scenario(t, h.st, "acc", "welcome",
		storagetest.Immediate(),
		storagetest.After(scenario.AnchorPreviousStep, scenario.Offset{Hours: 1}),
	)
	first := h.enroll(t, "welcome", contact)

	sum, err := h.eng.Run(ctx, delivery.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.TotalChecked)
	assert.Equal(t, 1, sum.Delivered)
	assert.Equal(t, 0, sum.Errors)
	assert.True(t, sum.Timestamp.Equal(t0))

	got := h.record(t, first.ID)
	assert.Equal(t, tracking.StatusDelivered, got.Status)
	assert.True(t, got.DeliveredAt.Equal(t0))

	second := h.byStep(t, contact, "welcome-s2")
	assert.Equal(t, tracking.StatusWaiting, second.Status)
	assert.True(t, second.ScheduledAt.Equal(t0.Add(time.Hour)))

	// Not due yet.
	sum, err = h.eng.Run(ctx, delivery.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 0, sum.TotalChecked)

	h.clock.Advance(time.Hour)
	sum, err = h.eng.Run(ctx, delivery.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Delivered)
	assert.EqualValues(t, 1, sum.Flipped)

	assert.Equal(t, []string{"welcome step 1", "welcome step 2"}, h.sender.bodies("100"))
}

func TestCascadeStopsAtDepth(t *testing.T) {
	h := newHarness(t, delivery.Config{CascadeDepth: 5})
	ctx := context.Background()
	contact := storagetest.Contact(t, h.st, "acc", "200", t0)
	policies := make([]scenario.Policy, 7)
	for i := range policies {
		policies[i] = storagetest.Immediate()
	}
	storagetest.Scenario(t, h.st, "acc", "burst", policies...)
	h.enroll(t, "burst", contact)

	sum, err := h.eng.Run(ctx, delivery.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.TotalChecked)
	assert.Equal(t, 6, sum.Delivered)
	assert.Equal(t, 5, sum.Cascaded)

	seventh := h.byStep(t, contact, "burst-s7")
	assert.Equal(t, tracking.StatusReady, seventh.Status)

	sum, err = h.eng.Run(ctx, delivery.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Delivered)
	assert.Len(t, h.sender.bodies("200"), 7)
}

func TestCascadeFollowsTransition(t *testing.T) {
	h := newHarness(t, delivery.Config{})
	contact := storagetest.Contact(t, h.st, "acc", "300", t0)
	storagetest.Scenario(t, h.st, "acc", "a", storagetest.Immediate())
	storagetest.Scenario(t, h.st, "acc", "b", storagetest.Immediate())
	storagetest.Transition(t, h.st, "a", "b", t0)
	h.enroll(t, "a", contact)

	sum, err := h.eng.Run(context.Background(), delivery.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Delivered)
	assert.Equal(t, 1, sum.Cascaded)
	assert.Equal(t, []string{"a step 1", "b step 1"}, h.sender.bodies("300"))
	assert.Equal(t, tracking.StatusDelivered, h.byStep(t, contact, "b-s1").Status)
}

func TestTransientErrorRetriesAfterBackoff(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want time.Duration
	}{
		{"plain", errors.New("connection reset"), 30 * time.Second},
		{"short hint", transport.RetryAfter(errors.New("flood"), 5*time.Second), 30 * time.Second},
		{"long hint", transport.RetryAfter(errors.New("flood"), 90*time.Second), 90 * time.Second},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, delivery.Config{})
			contact := storagetest.Contact(t, h.st, "acc", "400", t0)
			storagetest.Scenario(t, h.st, "acc", "s", storagetest.Immediate())
			rec := h.enroll(t, "s", contact)
			h.sender.fail = func(string, scenario.Message) error { return tc.err }

			sum, err := h.eng.Run(context.Background(), delivery.Filter{})
			require.NoError(t, err)
			assert.Equal(t, 1, sum.Errors)
			assert.Equal(t, 0, sum.Delivered)

			got := h.record(t, rec.ID)
			assert.Equal(t, tracking.StatusReady, got.Status)
			assert.True(t, got.ScheduledAt.Equal(t0.Add(tc.want)), "scheduled at %s", got.ScheduledAt)
			assert.NotEmpty(t, got.LastError)
			assert.Equal(t, 1, got.Attempts)
		})
	}
}

func TestPermanentErrorFailsRecord(t *testing.T) {
	h := newHarness(t, delivery.Config{})
	contact := storagetest.Contact(t, h.st, "acc", "500", t0)
	storagetest.Scenario(t, h.st, "acc", "s", storagetest.Immediate(), storagetest.Immediate())
	rec := h.enroll(t, "s", contact)
	h.sender.fail = func(string, scenario.Message) error {
		return transport.NoRetry(errors.New("bot was blocked by the user"))
	}

	sum, err := h.eng.Run(context.Background(), delivery.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Errors)

	got := h.record(t, rec.ID)
	assert.Equal(t, tracking.StatusFailed, got.Status)
	assert.Contains(t, got.LastError, "blocked")

	recs, err := h.st.Records(context.Background(), storage.Filter{ContactID: contact})
	require.NoError(t, err)
	assert.Len(t, recs, 1, "failed step must not seed the next one")
}

func TestFailuresAreIsolated(t *testing.T) {
	h := newHarness(t, delivery.Config{Workers: 4})
	storagetest.Scenario(t, h.st, "acc", "s", storagetest.Immediate())
	ids := map[string]string{}
	for _, ext := range []string{"ok1", "boom", "panic", "ok2"} {
		c := storagetest.Contact(t, h.st, "acc", ext, t0)
		ids[ext] = h.enroll(t, "s", c).ID
	}
	h.sender.fail = func(to string, _ scenario.Message) error {
		switch to {
		case "boom":
			return errors.New("timeout")
		case "panic":
			panic("sender exploded")
		}
		return nil
	}

	sum, err := h.eng.Run(context.Background(), delivery.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 4, sum.TotalChecked)
	assert.Equal(t, 2, sum.Delivered)
	assert.Equal(t, 2, sum.Errors)

	assert.Equal(t, tracking.StatusDelivered, h.record(t, ids["ok1"]).Status)
	assert.Equal(t, tracking.StatusDelivered, h.record(t, ids["ok2"]).Status)
	assert.Equal(t, tracking.StatusReady, h.record(t, ids["boom"]).Status)
	assert.Equal(t, tracking.StatusReady, h.record(t, ids["panic"]).Status)
}

func TestBatchFullIsReported(t *testing.T) {
	h := newHarness(t, delivery.Config{BatchSize: 2})
	storagetest.Scenario(t, h.st, "acc", "s", storagetest.Immediate())
	for _, ext := range []string{"a", "b", "c"} {
		h.enroll(t, "s", storagetest.Contact(t, h.st, "acc", ext, t0))
	}

	sum, err := h.eng.Run(context.Background(), delivery.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.TotalChecked)
	assert.True(t, sum.BatchFull)

	sum, err = h.eng.Run(context.Background(), delivery.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.TotalChecked)
	assert.False(t, sum.BatchFull)
}

func TestMessagesArePaced(t *testing.T) {
	h := newHarness(t, delivery.Config{})
	ctx := context.Background()
	contact := storagetest.Contact(t, h.st, "acc", "600", t0)
	require.NoError(t, h.st.PutScenario(ctx, scenario.Scenario{ID: "multi", AccountID: "acc"}))
	require.NoError(t, h.st.PutStep(ctx, scenario.Step{
		ID: "multi-s1", ScenarioID: "multi", Position: 1, Policy: storagetest.Immediate(),
		Messages: []scenario.Message{
			scenario.Text{Body: "one"}, scenario.Text{Body: "two"}, scenario.Text{Body: "three"},
		},
	}))
	h.enroll(t, "multi", contact)

	sum, err := h.eng.Run(ctx, delivery.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Delivered)
	assert.Equal(t, []string{"one", "two", "three"}, h.sender.bodies("600"))

	require.Len(t, h.sleeps, 2)
	for _, d := range h.sleeps {
		assert.GreaterOrEqual(t, d, 300*time.Millisecond)
		assert.LessOrEqual(t, d, 500*time.Millisecond)
	}
}

func TestRecentOnlySkipsOldRows(t *testing.T) {
	h := newHarness(t, delivery.Config{})
	ctx := context.Background()
	storagetest.Scenario(t, h.st, "acc", "s", storagetest.Immediate())
	old := storagetest.Contact(t, h.st, "acc", "old", t0)
	fresh := storagetest.Contact(t, h.st, "acc", "fresh", t0)

	_, _, err := h.st.Seed(ctx, storage.Seed{
		ScenarioID: "s", ContactID: old, StepID: "s-s1", Position: 1, DueAt: t0.Add(-time.Hour), SeedKey: "old",
	}, t0)
	require.NoError(t, err)
	h.enroll(t, "s", fresh)

	sum, err := h.eng.Run(ctx, delivery.Filter{RecentOnly: true})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Delivered)
	assert.Equal(t, []string{"s step 1"}, h.sender.bodies("fresh"))
	assert.Empty(t, h.sender.bodies("old"))
}

func TestContactFilter(t *testing.T) {
	h := newHarness(t, delivery.Config{})
	storagetest.Scenario(t, h.st, "acc", "s", storagetest.Immediate())
	a := storagetest.Contact(t, h.st, "acc", "a", t0)
	b := storagetest.Contact(t, h.st, "acc", "b", t0)
	h.enroll(t, "s", a)
	h.enroll(t, "s", b)

	sum, err := h.eng.Run(context.Background(), delivery.Filter{ContactID: b})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Delivered)
	assert.Empty(t, h.sender.bodies("a"))
	assert.Len(t, h.sender.bodies("b"), 1)
}

func TestPermanent(t *testing.T) {
	t.Parallel()
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("timeout"), false},
		{transport.RetryAfter(errors.New("flood"), time.Second), false},
		{transport.NoRetry(errors.New("chat not found")), true},
		{storage.ErrNotFound, true},
		{scenario.ErrInvalidMessage, true},
		{delivery.ErrPermanent, true},
	}
	for _, tc := range cases {
		if got := delivery.Permanent(tc.err); got != tc.want {
			t.Fatalf("Permanent(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
