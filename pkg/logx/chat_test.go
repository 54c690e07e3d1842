package logx

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	mu    sync.Mutex
	lines []string
}

func (r *recordingSender) SendLog(_ context.Context, text string) error {
	r.mu.Lock()
	r.lines = append(r.lines, text)
	r.mu.Unlock()
	return nil
}

func (r *recordingSender) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

func TestFormatChatLine(t *testing.T) {
	line := `{"level":"warn","time":"x","message":"delivery failed","record":"r1","comp":"delivery"}`
	got := formatChatLine([]byte(line))
	assert.Equal(t, "[WARN] delivery failed\n- comp=delivery\n- record=r1", got)

	assert.Equal(t, "not json", formatChatLine([]byte("  not json \n")))
}

func TestChatSinkRespectsMinLevel(t *testing.T) {
	rec := &recordingSender{}
	svc, log := New(Config{Level: "debug", Chat: ChatConfig{Enabled: true, MinLevel: "warn", RatePerSec: 50}}, rec)
	defer svc.Close()

	log.Info("routine")
	log.Warn("attention", String("k", "v"))

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 10*time.Millisecond)
	got := rec.snapshot()[0]
	assert.True(t, strings.HasPrefix(got, "[WARN] attention"), got)
	assert.Contains(t, got, "- k=v")
}

func TestValidLevel(t *testing.T) {
	assert.True(t, ValidLevel(""))
	assert.True(t, ValidLevel("warning"))
	assert.False(t, ValidLevel("loud"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}
