// Package storagetest builds throwaway stores and catalog fixtures for tests.
package storagetest

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dripline/internal/scenario"
	"dripline/internal/storage"
	"dripline/pkg/logx"
)

// Open returns a migrated store in t.TempDir, closed on cleanup.
func Open(t testing.TB) *storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "dripline.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// Account creates an account with a fixed test credential.
func Account(t testing.TB, st *storage.Store, id string) {
	t.Helper()
	require.NoError(t, st.PutAccount(context.Background(), scenario.Account{
		ID: id, Name: id, Transport: "telegram", Credential: "token-" + id,
	}))
}

// Contact creates a contact and returns its id.
func Contact(t testing.TB, st *storage.Store, accountID, externalID string, registeredAt time.Time) string {
	t.Helper()
	id, err := st.PutContact(context.Background(), scenario.Contact{
		ID: "c-" + externalID, AccountID: accountID, ExternalID: externalID, RegisteredAt: registeredAt,
	})
	require.NoError(t, err)
	return id
}

// Scenario creates a scenario with one step per policy. Step i (1-based) is
// "<id>-s<i>" and carries a single text message "<id> step <i>".
func Scenario(t testing.TB, st *storage.Store, accountID, id string, policies ...scenario.Policy) []scenario.Step {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.PutScenario(ctx, scenario.Scenario{ID: id, AccountID: accountID, Name: id}))
	steps := make([]scenario.Step, 0, len(policies))
	for i, p := range policies {
		s := scenario.Step{
			ID:         fmt.Sprintf("%s-s%d", id, i+1),
			ScenarioID: id,
			Position:   i + 1,
			Policy:     p,
			Messages:   []scenario.Message{scenario.Text{Body: fmt.Sprintf("%s step %d", id, i+1)}},
		}
		require.NoError(t, st.PutStep(ctx, s))
		steps = append(steps, s)
	}
	return steps
}

// Transition adds from -> to with the given definition time.
func Transition(t testing.TB, st *storage.Store, from, to string, createdAt time.Time) {
	t.Helper()
	_, err := st.PutTransition(context.Background(), scenario.Transition{
		FromScenarioID: from, ToScenarioID: to, CreatedAt: createdAt,
	})
	require.NoError(t, err)
}

func Immediate() scenario.Policy { return scenario.Policy{Kind: scenario.PolicyImmediate} }

func After(anchor scenario.Anchor, d scenario.Offset) scenario.Policy {
	return scenario.Policy{Kind: scenario.PolicyRelative, Anchor: anchor, Offset: d}
}
