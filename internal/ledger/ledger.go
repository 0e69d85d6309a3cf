// Package ledger tracks per-point outcomes across runs so a restarted bulk
// job can skip points that already reached a terminal state.
package ledger

import (
	"time"
)

// Status is the terminal state of one point attempt.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// OutcomeRecord is the durable result of processing one point.
type OutcomeRecord struct {
	PointID   string
	Status    Status
	PanoID    string    // set on success
	Path      string    // stitched image path, set on success
	Reason    string    // human-readable failure reason, set on failure
	Timestamp time.Time
}

// Ledger is the append-only union of all outcomes across runs. Load seeds the
// skip-set at run start; Append must be safe under concurrent callers. A
// Success recorded by an earlier run must never be lost by a later one.
type Ledger interface {
	Load() (map[string]Status, error)
	Append(rec OutcomeRecord) error
}
