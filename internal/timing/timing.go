// Package timing computes when a step becomes due.
//
// DueAt never fails: a missing anchor or a malformed policy yields "now" with
// FailedOpen set, so a record can always be scheduled. The cost is that a bad
// policy sends early instead of never; callers log the reason.
package timing

import (
	"fmt"
	"time"

	"dripline/internal/scenario"
)

// Anchors are the reference times a policy may be measured from. Zero means
// unknown.
type Anchors struct {
	RegisteredAt    time.Time
	PrevDeliveredAt time.Time
}

type Result struct {
	At         time.Time
	FailedOpen bool
	Reason     string
}

func failOpen(now time.Time, format string, args ...any) Result {
	return Result{At: now, FailedOpen: true, Reason: fmt.Sprintf(format, args...)}
}

// DueAt maps a policy and its anchors to an absolute due time.
func DueAt(p scenario.Policy, a Anchors, now time.Time) Result {
	switch p.Kind {
	case scenario.PolicyImmediate, "":
		return Result{At: now}

	case scenario.PolicyAbsolute:
		if p.At.IsZero() {
			return failOpen(now, "absolute policy without time")
		}
		return Result{At: p.At}

	case scenario.PolicyRelative:
		base, ok := anchorTime(p.Anchor, a)
		if !ok {
			return failOpen(now, "missing %s anchor", anchorName(p.Anchor))
		}
		return Result{At: base.AddDate(0, 0, p.Offset.Days).Add(p.Offset.Duration())}

	case scenario.PolicyTimeOfDay:
		base, ok := anchorTime(p.Anchor, a)
		if !ok {
			return failOpen(now, "missing %s anchor", anchorName(p.Anchor))
		}
		if p.Hour < 0 || p.Hour > 23 || p.Minute < 0 || p.Minute > 59 {
			return failOpen(now, "clock time %02d:%02d out of range", p.Hour, p.Minute)
		}
		loc := time.UTC
		if p.Timezone != "" {
			l, err := time.LoadLocation(p.Timezone)
			if err != nil {
				return failOpen(now, "timezone %q: %v", p.Timezone, err)
			}
			loc = l
		}
		return Result{At: nextClock(base.In(loc).AddDate(0, 0, p.Offset.Days), p.Hour, p.Minute)}

	default:
		return failOpen(now, "unknown policy kind %q", p.Kind)
	}
}

// nextClock returns the first hh:mm at or after t, in t's location.
func nextClock(t time.Time, hh, mm int) time.Time {
	c := time.Date(t.Year(), t.Month(), t.Day(), hh, mm, 0, 0, t.Location())
	if c.Before(t) {
		c = time.Date(t.Year(), t.Month(), t.Day()+1, hh, mm, 0, 0, t.Location())
	}
	return c
}

func anchorTime(anchor scenario.Anchor, a Anchors) (time.Time, bool) {
	var t time.Time
	switch anchor {
	case scenario.AnchorPreviousStep:
		t = a.PrevDeliveredAt
	default:
		t = a.RegisteredAt
	}
	return t, !t.IsZero()
}

func anchorName(anchor scenario.Anchor) string {
	if anchor == "" {
		return string(scenario.AnchorRegistration)
	}
	return string(anchor)
}
