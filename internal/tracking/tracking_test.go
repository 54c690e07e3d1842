package tracking

import (
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()
	allowed := map[[2]Status]bool{
		{StatusWaiting, StatusReady}:        true,
		{StatusWaiting, StatusExited}:       true,
		{StatusReady, StatusDelivering}:     true,
		{StatusReady, StatusExited}:         true,
		{StatusDelivering, StatusDelivered}: true,
		{StatusDelivering, StatusReady}:     true,
		{StatusDelivering, StatusFailed}:    true,
		{StatusDelivering, StatusExited}:    true,
	}
	all := []Status{StatusWaiting, StatusReady, StatusDelivering, StatusDelivered, StatusFailed, StatusExited}
	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]Status{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Fatalf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestTerminalStatusesHaveNoEdges(t *testing.T) {
	t.Parallel()
	for _, s := range []Status{StatusDelivered, StatusFailed, StatusExited} {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
		if len(edges[s]) != 0 {
			t.Fatalf("%s has outgoing edges", s)
		}
	}
	for _, s := range ActiveStatuses {
		if s.Terminal() {
			t.Fatalf("%s should be active", s)
		}
	}
}

func TestInitialStatus(t *testing.T) {
	t.Parallel()
	now := time.Unix(1_700_000_000, 0)
	if InitialStatus(now, now) != StatusReady {
		t.Fatal("due == now should be ready")
	}
	if InitialStatus(now.Add(-time.Second), now) != StatusReady {
		t.Fatal("past due should be ready")
	}
	if InitialStatus(now.Add(time.Second), now) != StatusWaiting {
		t.Fatal("future due should be waiting")
	}
}
