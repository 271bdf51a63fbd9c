package tools

import (
	"sync"

	"ResearchWriter/internal/domain"
)

// Journal collects evidence that write tools added during a loop so the
// phase state machine can commit it into the session afterwards.
type Journal struct {
	mu      sync.Mutex
	records []domain.EvidenceRecord
}

// Record appends one added record.
func (j *Journal) Record(rec domain.EvidenceRecord) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, rec)
}

// Drain returns and clears everything recorded so far.
func (j *Journal) Drain() []domain.EvidenceRecord {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := j.records
	j.records = nil
	return out
}
