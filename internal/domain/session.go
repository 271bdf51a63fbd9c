package domain

import (
	"fmt"
	"strings"
	"time"
)

// Phase names one stage of the research pipeline.
type Phase string

const (
	PhasePlanning       Phase = "PLANNING"
	PhaseLibraryConsult Phase = "LIBRARY_CONSULT"
	PhaseDiscovery      Phase = "DISCOVERY"
	PhaseDrafting       Phase = "DRAFTING"
	PhaseSelfCritique   Phase = "SELF_CRITIQUE"
	PhasePeerReview     Phase = "PEER_REVIEW"
	PhaseRevision       Phase = "REVISION"
	PhaseFinalize       Phase = "FINALIZE"
	PhaseAborted        Phase = "ABORTED"
)

var transitions = map[Phase][]Phase{
	PhasePlanning:       {PhaseLibraryConsult},
	PhaseLibraryConsult: {PhaseDiscovery},
	PhaseDiscovery:      {PhaseDrafting},
	PhaseDrafting:       {PhaseSelfCritique},
	PhaseSelfCritique:   {PhasePeerReview},
	PhasePeerReview:     {PhaseFinalize, PhaseRevision},
	PhaseRevision:       {PhasePeerReview},
}

// Terminal reports whether no transition leaves the phase.
func (p Phase) Terminal() bool {
	return p == PhaseFinalize || p == PhaseAborted
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	if p == PhaseFinalize || p == PhaseAborted {
		return true
	}
	_, ok := transitions[p]
	return ok
}

// CanTransition reports whether from -> to is a legal edge. Every
// non-terminal phase may abort.
func CanTransition(from, to Phase) bool {
	if from.Terminal() {
		return false
	}
	if to == PhaseAborted {
		return from.Valid()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// BudgetMode selects model strength and citation targets.
type BudgetMode string

const (
	BudgetLow      BudgetMode = "low"
	BudgetBalanced BudgetMode = "balanced"
	BudgetHigh     BudgetMode = "high"
)

// ParseBudgetMode accepts low, balanced or high in any case.
func ParseBudgetMode(s string) (BudgetMode, error) {
	switch BudgetMode(strings.ToLower(strings.TrimSpace(s))) {
	case BudgetLow:
		return BudgetLow, nil
	case BudgetBalanced, "":
		return BudgetBalanced, nil
	case BudgetHigh:
		return BudgetHigh, nil
	}
	return "", fmt.Errorf("unknown budget mode %q", s)
}

// Usage accumulates provider consumption.
type Usage struct {
	Calls            int     `json:"calls"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

// Add returns the sum of two usage counters.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		Calls:            u.Calls + o.Calls,
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		CostUSD:          u.CostUSD + o.CostUSD,
	}
}

// Tokens is the total token count.
func (u Usage) Tokens() int {
	return u.PromptTokens + u.CompletionTokens
}

// Session is owned by the phase state machine; nothing else mutates it.
type Session struct {
	ID        string
	Topic     string
	Phase     Phase
	Budget    BudgetMode
	Round     int
	StartedAt time.Time
	Deadline  time.Time
	// Elapsed holds wall-clock time spent before the current run (resumes).
	Elapsed time.Duration
	Usage   Usage
}

// Expired reports whether now is past the session deadline.
func (s *Session) Expired(now time.Time) bool {
	return !s.Deadline.IsZero() && !now.Before(s.Deadline)
}
