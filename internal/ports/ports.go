package ports

import (
	"context"

	"ResearchWriter/internal/domain"
)

// ProviderRequest is one turn sent to the reasoning model.
type ProviderRequest struct {
	Role         string
	Model        string
	Temperature  float32
	Conversation []domain.Message
	Tools        []domain.ToolSchema
}

// ProviderResponse carries either tool calls or a final answer.
type ProviderResponse struct {
	ToolCalls []domain.ToolCall
	Final     string
	Usage     domain.Usage
}

// Provider abstracts a conversational model with structured tool calling.
// Retryable failures are *domain.TransientProviderError; quota and auth
// failures are *domain.FatalProviderError.
type Provider interface {
	Send(ctx context.Context, req ProviderRequest) (ProviderResponse, error)
}

// Bibliography is the externally owned reference store. Reads are safe from
// concurrent reviewers; writes are serialized by the implementation.
type Bibliography interface {
	Lookup(ctx context.Context, key string) (domain.EvidenceRecord, bool, error)
	Add(ctx context.Context, record domain.EvidenceRecord) (domain.EvidenceRecord, error)
	AllKeys(ctx context.Context) ([]string, error)
	Snapshot(ctx context.Context) ([]domain.EvidenceRecord, error)
	Update(ctx context.Context, record domain.EvidenceRecord) error
	MarkStale(ctx context.Context, key string) error
}

// Library is the retrieval engine over indexed evidence.
type Library interface {
	Index(ctx context.Context, key, content string) error
	Query(ctx context.Context, text string, limit int) ([]domain.Passage, error)
}

// PaperSource pulls candidate papers from discovery services.
type PaperSource interface {
	Search(ctx context.Context, query string, limit int) ([]domain.Paper, error)
}

// Acquirer downloads full text for a record and indexes it.
type Acquirer interface {
	Acquire(ctx context.Context, record domain.EvidenceRecord) (domain.EvidenceRecord, error)
}

// Scorer rates a paper's relevance and utility for a claim.
type Scorer interface {
	Score(ctx context.Context, claim string, paper domain.Paper) (domain.Score, error)
}

// Artifact is a compiled document.
type Artifact struct {
	Path string
}

// Compiler turns document source into an artifact. Failures carry
// diagnostics as *domain.CompilationError.
type Compiler interface {
	Compile(ctx context.Context, source, outputDir string) (Artifact, error)
}
