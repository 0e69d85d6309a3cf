package ledger

import "sync"

// MemoryLedger is an in-memory Ledger for tests and dry runs.
type MemoryLedger struct {
	mu      sync.Mutex
	records []OutcomeRecord
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{}
}

// Load returns the terminal status per point ID, successes winning.
func (l *MemoryLedger) Load() (map[string]Status, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	statuses := make(map[string]Status)
	for _, rec := range l.records {
		if statuses[rec.PointID] == StatusSuccess {
			continue
		}
		statuses[rec.PointID] = rec.Status
	}
	return statuses, nil
}

// Append stores one outcome record.
func (l *MemoryLedger) Append(rec OutcomeRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
	return nil
}

// Records returns a copy of every record appended so far.
func (l *MemoryLedger) Records() []OutcomeRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]OutcomeRecord, len(l.records))
	copy(out, l.records)
	return out
}
