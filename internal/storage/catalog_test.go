package storage_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dripline/internal/scenario"
	"dripline/internal/storage"
	"dripline/internal/storage/storagetest"
)

func TestStepRoundTripKeepsMessageOrder(t *testing.T) {
	st := storagetest.Open(t)
	ctx := context.Background()
	storagetest.Account(t, st, "acc")
	require.NoError(t, st.PutScenario(ctx, scenario.Scenario{ID: "sc", AccountID: "acc"}))

	want := scenario.Step{
		ID: "st1", ScenarioID: "sc", Position: 1,
		Policy: scenario.Policy{Kind: scenario.PolicyRelative, Offset: scenario.Offset{Days: 1}},
		Messages: []scenario.Message{
			scenario.Text{Body: "hello"},
			scenario.Media{Type: scenario.MediaPhoto, URL: "https://cdn/x.png", Caption: "x"},
			scenario.Card{Title: "Offer", Buttons: []scenario.CardButton{{Label: "Buy", URL: "https://shop"}}},
		},
	}
	require.NoError(t, st.PutStep(ctx, want))

	got, err := st.Step(ctx, "st1")
	require.NoError(t, err)
	assert.Equal(t, want.Policy, got.Policy)
	assert.Equal(t, want.Messages, got.Messages)

	_, err = st.Step(ctx, "missing")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestNextStepSkipsGaps(t *testing.T) {
	st := storagetest.Open(t)
	ctx := context.Background()
	storagetest.Account(t, st, "acc")
	require.NoError(t, st.PutScenario(ctx, scenario.Scenario{ID: "sc", AccountID: "acc"}))
	for _, pos := range []int{1, 4} {
		require.NoError(t, st.PutStep(ctx, scenario.Step{
			ID: "p" + string(rune('0'+pos)), ScenarioID: "sc", Position: pos,
			Policy:   storagetest.Immediate(),
			Messages: []scenario.Message{scenario.Text{Body: "x"}},
		}))
	}
	next, err := st.NextStep(ctx, "sc", 1)
	require.NoError(t, err)
	assert.Equal(t, 4, next.Position)

	_, err = st.NextStep(ctx, "sc", 4)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTransitionFromEarliestWins(t *testing.T) {
	st := storagetest.Open(t)
	ctx := context.Background()
	storagetest.Transition(t, st, "a", "late", t0.Add(time.Hour))
	storagetest.Transition(t, st, "a", "early", t0)

	tr, ok, err := st.TransitionFrom(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "early", tr.ToScenarioID)

	_, ok, err = st.TransitionFrom(ctx, "b")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestContactByExternalID(t *testing.T) {
	st := storagetest.Open(t)
	ctx := context.Background()
	storagetest.Account(t, st, "a1")
	storagetest.Account(t, st, "a2")
	id := storagetest.Contact(t, st, "a1", "777", t0)

	c, err := st.ContactByExternalID(ctx, "777")
	require.NoError(t, err)
	assert.Equal(t, id, c.ID)
	assert.True(t, c.RegisteredAt.Equal(t0))

	_, err = st.ContactByExternalID(ctx, "404")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = st.PutContact(ctx, scenario.Contact{AccountID: "a2", ExternalID: "777", RegisteredAt: t0})
	require.NoError(t, err)
	_, err = st.ContactByExternalID(ctx, "777")
	assert.ErrorIs(t, err, storage.ErrAmbiguous)
}

func TestEnrollSeedsFirstStepOnce(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	rec, created, err := f.st.Enroll(ctx, storage.Enrollment{ScenarioID: "welcome", ContactID: f.contact, Campaign: "spring"}, t0)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, f.steps[0].ID, rec.StepID)
	assert.Equal(t, "spring", rec.Campaign)

	again, created, err := f.st.Enroll(ctx, storage.Enrollment{ScenarioID: "welcome", ContactID: f.contact}, t0)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, rec.ID, again.ID)

	_, _, err = f.st.Enroll(ctx, storage.Enrollment{ScenarioID: "welcome", ContactID: "nobody"}, t0)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Once step 1 is delivered the contact can be enrolled again.
	_, ok, err := f.st.Claim(ctx, rec.ID, t0, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = f.st.MarkDelivered(ctx, rec.ID, t0)
	require.NoError(t, err)
	require.True(t, ok)

	later := t0.Add(24 * time.Hour)
	next, created, err := f.st.Enroll(ctx, storage.Enrollment{ScenarioID: "welcome", ContactID: f.contact}, later)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, rec.ID, next.ID)
	assert.False(t, next.Status.Terminal(), "status %s", next.Status)

	dup, created, err := f.st.Enroll(ctx, storage.Enrollment{ScenarioID: "welcome", ContactID: f.contact}, later)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, next.ID, dup.ID)
}

func TestEnrollWithExplicitKeyIsReplaySafe(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	e := storage.Enrollment{ScenarioID: "welcome", ContactID: f.contact, Key: "signup-42"}
	rec, created, err := f.st.Enroll(ctx, e, t0)
	require.NoError(t, err)
	require.True(t, created)

	_, ok, err := f.st.Claim(ctx, rec.ID, t0, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = f.st.MarkDelivered(ctx, rec.ID, t0)
	require.NoError(t, err)
	require.True(t, ok)

	again, created, err := f.st.Enroll(ctx, e, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, rec.ID, again.ID)
}
