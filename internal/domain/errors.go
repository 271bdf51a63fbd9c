package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// TransientProviderError is a retryable provider failure (network, 429, 5xx).
type TransientProviderError struct {
	StatusCode int
	Err        error
}

func (e *TransientProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transient provider error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient provider error: %v", e.Err)
}

func (e *TransientProviderError) Unwrap() error { return e.Err }

// FatalProviderError is a quota or authentication failure; fatal to the session.
type FatalProviderError struct {
	Reason string
	Err    error
}

func (e *FatalProviderError) Error() string {
	return fmt.Sprintf("provider %s failure: %v", e.Reason, e.Err)
}

func (e *FatalProviderError) Unwrap() error { return e.Err }

// ToolNotFoundError is returned for unknown or non-permitted tool names.
type ToolNotFoundError struct {
	Name string
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("tool %q is not available", e.Name)
}

// ToolExecutionError wraps a tool failure. The agent loop surfaces it to the
// model as an observation.
type ToolExecutionError struct {
	Tool string
	Err  error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// CompilationError carries compiler diagnostics after the auto-fix budget is spent.
type CompilationError struct {
	Attempts    int
	Diagnostics []string
}

func (e *CompilationError) Error() string {
	return fmt.Sprintf("document compilation failed after %d attempt(s): %s",
		e.Attempts, strings.Join(e.Diagnostics, "; "))
}

// SessionTimeoutError is raised when the session deadline passes.
type SessionTimeoutError struct {
	Phase    Phase
	Deadline time.Time
}

func (e *SessionTimeoutError) Error() string {
	return fmt.Sprintf("session deadline %s exceeded in phase %s", e.Deadline.Format(time.RFC3339), e.Phase)
}

// BudgetExceededError is raised when the token budget of the mode is spent.
type BudgetExceededError struct {
	Limit int
	Used  int
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("token budget exhausted: used %d of %d", e.Used, e.Limit)
}

// PhaseError marks a phase that could not produce an acceptable artifact.
type PhaseError struct {
	Phase Phase
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("phase %s failed: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

// ErrorClass names the taxonomy class of err for diagnostics.
func ErrorClass(err error) string {
	var (
		transient  *TransientProviderError
		fatal      *FatalProviderError
		notFound   *ToolNotFoundError
		toolErr    *ToolExecutionError
		compileErr *CompilationError
		timeoutErr *SessionTimeoutError
		budgetErr  *BudgetExceededError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &timeoutErr):
		return "SessionTimeoutError"
	case errors.As(err, &budgetErr):
		return "BudgetExceededError"
	case errors.As(err, &compileErr):
		return "CompilationError"
	case errors.As(err, &fatal):
		return "FatalProviderError"
	case errors.As(err, &transient):
		return "TransientProviderError"
	case errors.As(err, &notFound):
		return "ToolNotFoundError"
	case errors.As(err, &toolErr):
		return "ToolExecutionError"
	case errors.Is(err, context.Canceled):
		return "Canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "CallTimeout"
	}
	var phaseErr *PhaseError
	if errors.As(err, &phaseErr) {
		return "PhaseError"
	}
	return "CollaboratorError"
}

// Failure is the diagnostic trail stored with an aborted session.
type Failure struct {
	Phase       Phase    `json:"phase"`
	Round       int      `json:"round"`
	Class       string   `json:"class"`
	Message     string   `json:"message"`
	Diagnostics []string `json:"diagnostics,omitempty"`
}

// NewFailure describes err for the checkpoint.
func NewFailure(phase Phase, round int, err error) *Failure {
	f := &Failure{Phase: phase, Round: round, Class: ErrorClass(err)}
	if err != nil {
		f.Message = err.Error()
	}
	var compileErr *CompilationError
	if errors.As(err, &compileErr) {
		f.Diagnostics = append([]string(nil), compileErr.Diagnostics...)
	}
	return f
}
