// Package checkpoint persists orchestration state at every phase boundary
// and the immutable draft versions it refers to.
package checkpoint

import (
	"time"

	"ResearchWriter/internal/domain"
)

// FormatVersion is bumped when the checkpoint layout changes incompatibly.
const FormatVersion = 1

// DraftRef points at one stored draft version.
type DraftRef struct {
	Version int    `json:"version"`
	Path    string `json:"path"`
}

// Checkpoint is a frozen snapshot of a session. Evidence is stored by key
// only; the records themselves live in the bibliography.
type Checkpoint struct {
	Version   int               `json:"format_version"`
	Sequence  int               `json:"sequence"`
	SessionID string            `json:"session_id"`
	Topic     string            `json:"topic"`
	Budget    domain.BudgetMode `json:"budget"`
	Phase     domain.Phase      `json:"phase"`
	// ResumePhase is where a resume re-enters. It equals Phase except for
	// ABORTED checkpoints, where it names the phase that did not finish.
	ResumePhase       domain.Phase             `json:"resume_phase"`
	Round             int                      `json:"round"`
	MaxRevisionRounds int                      `json:"max_revision_rounds"`
	Reviewers         int                      `json:"reviewers"`
	Policy            domain.AggregationPolicy `json:"aggregation_policy"`
	Arguments         *domain.ArgumentMap      `json:"argument_map,omitempty"`
	EvidenceIDs       []string                 `json:"evidence_ids"`
	ClaimSupport      map[string][]string      `json:"claim_support,omitempty"`
	DraftPath         string                   `json:"draft_path,omitempty"`
	DraftVersion      int                      `json:"draft_version,omitempty"`
	DraftHistory      []DraftRef               `json:"draft_history,omitempty"`
	Verdict           *domain.AggregateVerdict `json:"verdict,omitempty"`
	Usage             domain.Usage             `json:"usage"`
	StartedAt         time.Time                `json:"started_at"`
	ElapsedMS         int64                    `json:"elapsed_ms"`
	SavedAt           time.Time                `json:"saved_at"`
	LastError         *domain.Failure          `json:"last_error,omitempty"`
}

// Elapsed is the wall-clock time accumulated across runs.
func (c Checkpoint) Elapsed() time.Duration {
	return time.Duration(c.ElapsedMS) * time.Millisecond
}

// Record is the archived outcome of a finished session.
type Record struct {
	Checkpoint   Checkpoint `json:"checkpoint"`
	ArtifactPath string     `json:"artifact_path,omitempty"`
	SourcePath   string     `json:"source_path,omitempty"`
	ArchivedAt   time.Time  `json:"archived_at"`
}
