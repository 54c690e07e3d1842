// Package scenario holds the catalog types the scheduler reads: accounts,
// contacts, scenarios with their ordered steps, and scenario transitions.
package scenario

import (
	"time"
)

type PolicyKind string

const (
	PolicyImmediate PolicyKind = "immediate"
	PolicyRelative  PolicyKind = "relative"
	PolicyAbsolute  PolicyKind = "absolute"
	PolicyTimeOfDay PolicyKind = "time_of_day"
)

// Anchor names the event a relative or time-of-day policy is measured from.
type Anchor string

const (
	AnchorRegistration Anchor = "registration"
	AnchorPreviousStep Anchor = "previous_step"
)

type Offset struct {
	Days    int `json:"days,omitempty" yaml:"days,omitempty"`
	Hours   int `json:"hours,omitempty" yaml:"hours,omitempty"`
	Minutes int `json:"minutes,omitempty" yaml:"minutes,omitempty"`
	Seconds int `json:"seconds,omitempty" yaml:"seconds,omitempty"`
}

// Duration ignores Days; calendar days are added with AddDate so a day
// across a DST change stays a calendar day.
func (o Offset) Duration() time.Duration {
	return time.Duration(o.Hours)*time.Hour +
		time.Duration(o.Minutes)*time.Minute +
		time.Duration(o.Seconds)*time.Second
}

// Policy decides when a step becomes due.
//
//   - immediate: due at evaluation time
//   - relative: Anchor + Offset
//   - absolute: At
//   - time_of_day: first Hour:Minute in Timezone at or after Anchor + Offset.Days
type Policy struct {
	Kind     PolicyKind `json:"kind"`
	Anchor   Anchor     `json:"anchor,omitempty"`
	Offset   Offset     `json:"offset,omitempty"`
	At       time.Time  `json:"at,omitempty"`
	Hour     int        `json:"hour,omitempty"`
	Minute   int        `json:"minute,omitempty"`
	Timezone string     `json:"timezone,omitempty"`
}

type Account struct {
	ID         string
	Name       string
	Transport  string
	Credential string
}

type Contact struct {
	ID           string
	AccountID    string
	ExternalID   string
	RegisteredAt time.Time
}

type Scenario struct {
	ID        string
	AccountID string
	Name      string
	CreatedAt time.Time
}

// Step is one position in a scenario. Position is 1-based.
type Step struct {
	ID         string
	ScenarioID string
	Position   int
	Policy     Policy
	Messages   []Message
}

type Transition struct {
	ID             int64
	FromScenarioID string
	ToScenarioID   string
	CreatedAt      time.Time
}
