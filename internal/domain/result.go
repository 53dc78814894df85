package domain

import "time"

// CurrentResult is the payload pushed to subscribers and served to pollers.
// Exactly one instance is live per process; the scheduler owns it. The
// primary tick replaces it wholesale, the secondary tick patches only
// TransferTop100 and the countdown. Field names are part of the wire contract.
type CurrentResult struct {
	Entity         string         `json:"entity"`
	TS             string         `json:"ts"`
	Timestamp      string         `json:"timestamp"`
	Rows           []ChangeRow    `json:"rows"`
	Top100         []ChangeRow    `json:"top100"`
	TotalAssets    int            `json:"totalAssets"`
	CountdownSec   int64          `json:"countdownSec"`
	IntervalMs     int64          `json:"intervalMs"`
	Baseline       string         `json:"baseline"`
	TransferTop100 []AggregateRow `json:"transferTop100"`

	// NextPrimaryAt drives countdown recomputation for pollers.
	NextPrimaryAt time.Time `json:"-"`
}

// Clone returns a copy safe to hand across a task boundary. Row slices are
// copied; decimal values are immutable so element copies are enough.
func (r *CurrentResult) Clone() *CurrentResult {
	if r == nil {
		return nil
	}
	out := *r
	out.Rows = append([]ChangeRow(nil), r.Rows...)
	out.Top100 = append([]ChangeRow(nil), r.Top100...)
	if r.TransferTop100 != nil {
		out.TransferTop100 = append([]AggregateRow(nil), r.TransferTop100...)
	}
	return &out
}

// RecomputeCountdown refreshes CountdownSec against the given instant,
// clamping at zero once the next primary tick is due.
func (r *CurrentResult) RecomputeCountdown(now time.Time) {
	if r.NextPrimaryAt.IsZero() {
		r.CountdownSec = 0
		return
	}
	remain := r.NextPrimaryAt.Sub(now).Milliseconds() / 1000
	if remain < 0 {
		remain = 0
	}
	r.CountdownSec = remain
}

// TickResult is the outcome of one successful balance reconciliation,
// before it is wrapped into a CurrentResult by the scheduler.
type TickResult struct {
	Timestamp      time.Time
	Rows           []ChangeRow
	BaselineSource string
	AssetCount     int
}
