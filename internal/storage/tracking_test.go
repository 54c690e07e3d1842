package storage_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dripline/internal/scenario"
	"dripline/internal/storage"
	"dripline/internal/storage/storagetest"
	"dripline/internal/tracking"
)

var t0 = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	st      *storage.Store
	contact string
	steps   []scenario.Step
}

func setup(t *testing.T) fixture {
	t.Helper()
	st := storagetest.Open(t)
	storagetest.Account(t, st, "acc")
	contact := storagetest.Contact(t, st, "acc", "1001", t0.Add(-time.Hour))
	steps := storagetest.Scenario(t, st, "acc", "welcome",
		storagetest.Immediate(),
		storagetest.After(scenario.AnchorPreviousStep, scenario.Offset{Hours: 1}),
	)
	return fixture{st: st, contact: contact, steps: steps}
}

func (f fixture) seed(t *testing.T, step int, due time.Time, key string) tracking.Record {
	t.Helper()
	s := f.steps[step]
	rec, created, err := f.st.Seed(context.Background(), storage.Seed{
		ScenarioID: s.ScenarioID, ContactID: f.contact, StepID: s.ID, Position: s.Position,
		DueAt: due, SeedKey: key,
	}, t0)
	require.NoError(t, err)
	require.True(t, created)
	return rec
}

func TestSeedIsIdempotent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	first := f.seed(t, 0, t0, "k1")
	assert.Equal(t, tracking.StatusReady, first.Status)

	s := f.steps[0]
	again, created, err := f.st.Seed(ctx, storage.Seed{
		ScenarioID: s.ScenarioID, ContactID: f.contact, StepID: s.ID, Position: 1, DueAt: t0, SeedKey: "k1",
	}, t0)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	// A different key still cannot create a second active row for the triple.
	other, created, err := f.st.Seed(ctx, storage.Seed{
		ScenarioID: s.ScenarioID, ContactID: f.contact, StepID: s.ID, Position: 1, DueAt: t0, SeedKey: "k2",
	}, t0)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, other.ID)

	recs, err := f.st.Records(ctx, storage.Filter{ContactID: f.contact})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestSeedFutureIsWaiting(t *testing.T) {
	f := setup(t)
	rec := f.seed(t, 1, t0.Add(time.Hour), "k")
	assert.Equal(t, tracking.StatusWaiting, rec.Status)
	assert.True(t, rec.NextCheckAt.Equal(t0.Add(time.Hour)))
}

func TestConcurrentClaimHasOneWinner(t *testing.T) {
	f := setup(t)
	rec := f.seed(t, 0, t0, "k")

	const claimers = 8
	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := f.st.Claim(context.Background(), rec.ID, t0, time.Minute)
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	got, err := f.st.Record(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, tracking.StatusDelivering, got.Status)
	assert.Equal(t, 1, got.Attempts)
}

func TestConcurrentBatchClaimsAreDisjoint(t *testing.T) {
	st := storagetest.Open(t)
	storagetest.Account(t, st, "acc")
	storagetest.Scenario(t, st, "acc", "promo", storagetest.Immediate())
	ctx := context.Background()
	for i := 0; i < 30; i++ {
		c := storagetest.Contact(t, st, "acc", string(rune('a'+i)), t0)
		_, _, err := st.Enroll(ctx, storage.Enrollment{ScenarioID: "promo", ContactID: c}, t0)
		require.NoError(t, err)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[string]int{}
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			recs, err := st.ClaimBatch(ctx, storage.Filter{}, 10, t0, time.Minute)
			assert.NoError(t, err)
			mu.Lock()
			for _, r := range recs {
				seen[r.ID]++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 30)
	for id, n := range seen {
		assert.Equal(t, 1, n, "record %s claimed %d times", id, n)
	}
}

func TestClaimBatchOrderAndFilter(t *testing.T) {
	st := storagetest.Open(t)
	storagetest.Account(t, st, "acc")
	steps := storagetest.Scenario(t, st, "acc", "s", storagetest.Immediate())
	ctx := context.Background()
	a := storagetest.Contact(t, st, "acc", "a", t0)
	b := storagetest.Contact(t, st, "acc", "b", t0)
	for i, c := range []string{a, b} {
		_, _, err := st.Seed(ctx, storage.Seed{
			ScenarioID: "s", ContactID: c, StepID: steps[0].ID, Position: 1,
			DueAt: t0.Add(-time.Duration(i) * time.Minute), SeedKey: "k" + c,
		}, t0)
		require.NoError(t, err)
	}

	only, err := st.ClaimBatch(ctx, storage.Filter{ContactID: a}, 10, t0, time.Minute)
	require.NoError(t, err)
	require.Len(t, only, 1)
	assert.Equal(t, a, only[0].ContactID)

	rest, err := st.ClaimBatch(ctx, storage.Filter{}, 10, t0, time.Minute)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, b, rest[0].ContactID)
}

func TestFlipPromotesOnlyDueRows(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	soon := f.seed(t, 0, t0.Add(10*time.Second), "a")
	later := f.seed(t, 1, t0.Add(time.Hour), "b")

	n, err := f.st.Flip(ctx, storage.Filter{}, t0.Add(10*time.Second))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, _ := f.st.Record(ctx, soon.ID)
	assert.Equal(t, tracking.StatusReady, got.Status)
	got, _ = f.st.Record(ctx, later.ID)
	assert.Equal(t, tracking.StatusWaiting, got.Status)
}

func TestStatusGuards(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	rec := f.seed(t, 0, t0, "k")

	ok, err := f.st.MarkDelivered(ctx, rec.ID, t0)
	require.NoError(t, err)
	assert.False(t, ok, "ready row must not jump to delivered")

	_, ok, err = f.st.Claim(ctx, rec.ID, t0, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	retryAt := t0.Add(30 * time.Second)
	ok, err = f.st.MarkRetry(ctx, rec.ID, "timeout", retryAt, t0)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := f.st.Record(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, tracking.StatusReady, got.Status)
	assert.True(t, got.ScheduledAt.Equal(retryAt))
	assert.Equal(t, "timeout", got.LastError)

	ok, err = f.st.MarkFailed(ctx, rec.ID, "gone", t0)
	require.NoError(t, err)
	assert.False(t, ok, "ready row must not jump to failed")
}

func TestReclaimStaleDelivering(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	rec := f.seed(t, 0, t0, "k")
	_, ok, err := f.st.Claim(ctx, rec.ID, t0, 5*time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := f.st.Reclaim(ctx, t0.Add(4*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = f.st.Reclaim(ctx, t0.Add(5*time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, _ := f.st.Record(ctx, rec.ID)
	assert.Equal(t, tracking.StatusReady, got.Status)
	assert.Contains(t, got.LastError, "reclaimed")

	// The original worker finishing late loses ownership.
	ok, err = f.st.MarkDelivered(ctx, rec.ID, t0.Add(6*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExitActiveSkipsCompletedRecord(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	done := f.seed(t, 0, t0, "a")
	pending := f.seed(t, 1, t0.Add(time.Hour), "b")

	n, err := f.st.ExitActive(ctx, "welcome", f.contact, done.ID, "superseded", t0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, _ := f.st.Record(ctx, pending.ID)
	assert.Equal(t, tracking.StatusExited, got.Status)
	got, _ = f.st.Record(ctx, done.ID)
	assert.Equal(t, tracking.StatusReady, got.Status)
}

func TestNextWake(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, ok, err := f.st.NextWake(ctx, t0, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	f.seed(t, 1, t0.Add(40*time.Second), "b")
	at, ok, err := f.st.NextWake(ctx, t0, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, at.Equal(t0.Add(40*time.Second)))

	_, ok, err = f.st.NextWake(ctx, t0, 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRescheduleOnlyWaiting(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	rec := f.seed(t, 1, t0.Add(time.Hour), "k")

	ok, err := f.st.Reschedule(ctx, rec.ID, t0.Add(-time.Second), t0)
	require.NoError(t, err)
	assert.True(t, ok)
	got, _ := f.st.Record(ctx, rec.ID)
	assert.Equal(t, tracking.StatusReady, got.Status)

	ok, err = f.st.Reschedule(ctx, rec.ID, t0.Add(time.Hour), t0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClaimNextPromotesDueWaiting(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	rec := f.seed(t, 1, t0.Add(time.Second), "k")

	_, ok, err := f.st.ClaimNext(ctx, "welcome", f.contact, t0, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	got, ok, err := f.st.ClaimNext(ctx, "welcome", f.contact, t0.Add(time.Second), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, tracking.StatusDelivering, got.Status)
}
