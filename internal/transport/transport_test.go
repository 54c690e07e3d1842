package transport

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dripline/internal/scenario"
	"dripline/pkg/logx"
)

func TestErrorWrappers(t *testing.T) {
	base := errors.New("boom")
	assert.True(t, IsNoRetry(fmt.Errorf("ctx: %w", NoRetry(base))))
	assert.False(t, IsNoRetry(base))
	assert.ErrorIs(t, NoRetry(base), base)

	d, ok := RetryHint(fmt.Errorf("wrap: %w", RetryAfter(base, 7*time.Second)))
	require.True(t, ok)
	assert.Equal(t, 7*time.Second, d)
	_, ok = RetryHint(base)
	assert.False(t, ok)
	assert.Nil(t, NoRetry(nil))
}

func TestMuxRoutesByTransport(t *testing.T) {
	var got []string
	rec := func(name string) Sender {
		return SenderFunc(func(_ context.Context, _ Credential, _ string, _ scenario.Message) error {
			got = append(got, name)
			return nil
		})
	}
	m := NewMux("telegram")
	m.Handle("telegram", rec("tg"))
	m.Handle("log", rec("log"))

	msg := scenario.Text{Body: "x"}
	require.NoError(t, m.Send(context.Background(), Credential{}, "1", msg))
	require.NoError(t, m.Send(context.Background(), Credential{Transport: "LOG"}, "1", msg))
	assert.Equal(t, []string{"tg", "log"}, got)

	err := m.Send(context.Background(), Credential{Transport: "whatsapp"}, "1", msg)
	assert.True(t, IsNoRetry(err))
}

func TestThrottledWaitsPerCredential(t *testing.T) {
	calls := 0
	next := SenderFunc(func(context.Context, Credential, string, scenario.Message) error {
		calls++
		return nil
	})
	s := NewThrottled(next, 1, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	cred := Credential{AccountID: "a"}
	require.NoError(t, s.Send(ctx, cred, "1", scenario.Text{Body: "x"}))
	// The bucket for "a" is empty; a second send cannot complete in 100ms.
	assert.Error(t, s.Send(ctx, cred, "1", scenario.Text{Body: "x"}))
	// Another account has its own bucket.
	require.NoError(t, s.Send(ctx, Credential{AccountID: "b"}, "1", scenario.Text{Body: "x"}))
	assert.Equal(t, 2, calls)

	_, wrapped := NewThrottled(next, 0, 0).(*Throttled)
	assert.False(t, wrapped, "zero rate should not wrap")
}

func TestLogSenderRejectsInvalid(t *testing.T) {
	s := LogSender{Log: logx.Nop()}
	require.NoError(t, s.Send(context.Background(), Credential{}, "1", scenario.Card{Title: "t"}))
	assert.True(t, IsNoRetry(s.Send(context.Background(), Credential{}, "1", scenario.Text{})))
}
