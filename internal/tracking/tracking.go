// Package tracking defines the per-(scenario, contact, step) delivery record
// and the status transitions it may take.
package tracking

import (
	"strconv"
	"time"
)

type Status string

const (
	StatusWaiting    Status = "waiting"
	StatusReady      Status = "ready"
	StatusDelivering Status = "delivering"
	StatusDelivered  Status = "delivered"
	StatusFailed     Status = "failed"
	StatusExited     Status = "exited"
)

// ActiveStatuses are the statuses covered by the one-active-record rule.
var ActiveStatuses = []Status{StatusWaiting, StatusReady, StatusDelivering}

func (s Status) Terminal() bool {
	switch s {
	case StatusDelivered, StatusFailed, StatusExited:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusReady, StatusDelivering, StatusDelivered, StatusFailed, StatusExited:
		return true
	}
	return false
}

var edges = map[Status][]Status{
	StatusWaiting:    {StatusReady, StatusExited},
	StatusReady:      {StatusDelivering, StatusExited},
	StatusDelivering: {StatusDelivered, StatusReady, StatusFailed, StatusExited},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// InitialStatus is ready when due is not after now, waiting otherwise.
func InitialStatus(due, now time.Time) Status {
	if due.After(now) {
		return StatusWaiting
	}
	return StatusReady
}

// Record is one row of the tracking table.
type Record struct {
	ID         string
	ScenarioID string
	ContactID  string
	StepID     string
	Position   int

	Status      Status
	ScheduledAt time.Time
	NextCheckAt time.Time
	DeliveredAt time.Time
	ClaimedAt   time.Time
	Attempts    int
	LastError   string

	Campaign string
	Source   string
	SeedKey  string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Seed keys name the event that created a record. A replayed event maps to
// the same key and never creates a second row.

// EnrollKey names the generation-th enrollment of a contact into a scenario,
// counted by the step-1 records it already has. A contact whose earlier run
// finished gets the next generation and so a fresh record.
func EnrollKey(scenarioID, contactID string, generation int) string {
	return "enroll:" + scenarioID + ":" + contactID + ":" + strconv.Itoa(generation)
}

func NextStepKey(prevRecordID string) string { return "next:" + prevRecordID }

func TransitionKey(completedRecordID string) string { return "transition:" + completedRecordID }
