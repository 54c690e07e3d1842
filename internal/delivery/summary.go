package delivery

import "time"

// Summary is the outcome of one Run. The JSON form is the trigger response.
type Summary struct {
	Delivered    int       `json:"delivered"`
	Errors       int       `json:"errors"`
	TotalChecked int       `json:"totalChecked"`
	Timestamp    time.Time `json:"timestamp"`

	Flipped   int64 `json:"-"`
	Reclaimed int64 `json:"-"`
	// Cascaded counts follow-up records claimed within the same run.
	Cascaded int `json:"-"`
	// BatchFull is set when the claim hit the batch size, so more rows are
	// probably due.
	BatchFull bool `json:"-"`
}

// Filter scopes a run. Zero fields match everything.
type Filter struct {
	ScenarioID string
	ContactID  string
	// RecentOnly restricts claiming to rows scheduled within the recent window.
	RecentOnly bool
}
