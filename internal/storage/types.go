package storage

import (
	"errors"
	"time"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrAmbiguous = errors.New("ambiguous match")
)

// Config configures the SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means 5s
}

// Filter narrows flip and claim passes. Zero fields match everything.
type Filter struct {
	ScenarioID string
	ContactID  string
	// Since, when set, restricts to rows scheduled at or after it.
	Since time.Time
}

// Seed describes a tracking record to create.
type Seed struct {
	ScenarioID string
	ContactID  string
	StepID     string
	Position   int
	DueAt      time.Time
	Campaign   string
	Source     string
	SeedKey    string
}

// Enrollment registers a contact into a scenario. Key defaults to
// tracking.EnrollKey with the contact's next enrollment generation.
type Enrollment struct {
	ScenarioID string
	ContactID  string
	Campaign   string
	Source     string
	Key        string
}
