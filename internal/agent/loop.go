// Package agent runs bounded tool-calling conversations with the reasoning
// model and turns their final answers into typed artifacts.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"ResearchWriter/internal/domain"
	"ResearchWriter/internal/ports"
	"ResearchWriter/internal/tools"
)

// Actor roles.
const (
	RolePlanner  = "planner"
	RoleDrafter  = "drafter"
	RoleReviewer = "reviewer"
	RoleReviser  = "reviser"
)

// Parser validates a final answer. A *Rejection sends the answer back to the
// model as a corrective observation; any other error aborts the loop.
type Parser[T any] func(ctx context.Context, answer string) (T, error)

// Rejection is a final answer that does not meet the role's output shape.
type Rejection struct {
	Reason  string
	Details []string
	// Partial reports that the parser's returned value is usable as a
	// best-effort result even though it was rejected.
	Partial bool
}

func (r *Rejection) Error() string {
	if len(r.Details) == 0 {
		return r.Reason
	}
	return r.Reason + ": " + strings.Join(r.Details, "; ")
}

// Reject builds a rejection without a usable partial value.
func Reject(reason string, details ...string) *Rejection {
	return &Rejection{Reason: reason, Details: details}
}

func (r *Rejection) correction() string {
	var b strings.Builder
	b.WriteString("Your final answer was rejected: ")
	b.WriteString(r.Reason)
	b.WriteString(".\n")
	for _, d := range r.Details {
		b.WriteString("- ")
		b.WriteString(d)
		b.WriteString("\n")
	}
	b.WriteString("Fix these problems and reply again with the complete JSON answer.")
	return b.String()
}

// Request configures one loop invocation.
type Request[T any] struct {
	Role          string
	System        string
	Instruction   string
	Tools         []string
	MaxIterations int
	CallTimeout   time.Duration
	Temperature   float32
	Model         string
	Parse         Parser[T]
}

// Result is what a loop hands back to its caller. The loop never touches
// session state; the caller commits Output and Usage.
type Result[T any] struct {
	Output     T
	Raw        string
	Incomplete bool
	Iterations int
	Transcript []domain.Message
	Usage      domain.Usage
	// Rejections counts final answers sent back for correction.
	Rejections int
	// ToolErrors counts tool calls that failed and were observed.
	ToolErrors int
}

// Loop drives actors against a provider and a tool registry.
type Loop struct {
	provider ports.Provider
	registry *tools.Registry
	backoff  Backoff
	logger   *zap.Logger
	sleep    func(context.Context, time.Duration) error
}

// Option customizes a Loop.
type Option func(*Loop)

// WithBackoff overrides DefaultBackoff.
func WithBackoff(b Backoff) Option {
	return func(l *Loop) { l.backoff = b }
}

// WithSleep replaces the backoff wait, used by tests.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(l *Loop) { l.sleep = fn }
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

// NewLoop builds a loop runner over the full tool registry; each request
// narrows it to its permitted subset.
func NewLoop(provider ports.Provider, registry *tools.Registry, opts ...Option) *Loop {
	l := &Loop{
		provider: provider,
		registry: registry,
		backoff:  DefaultBackoff,
		logger:   zap.NewNop(),
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.registry == nil {
		l.registry = tools.NewRegistry()
	}
	return l
}

// Run executes req until the parser accepts a final answer or the iteration
// budget runs out. Budget exhaustion is reported through Result.Incomplete,
// never as an error. Errors are provider failures that survived retries,
// fatal provider failures, and parser infrastructure failures.
func Run[T any](ctx context.Context, l *Loop, req Request[T]) (Result[T], error) {
	var res Result[T]
	if req.Parse == nil {
		return res, errors.New("agent request has no parser")
	}
	maxIter := req.MaxIterations
	if maxIter <= 0 {
		maxIter = 1
	}
	permitted, err := l.registry.Subset(req.Tools...)
	if err != nil {
		return res, fmt.Errorf("%s tool subset: %w", req.Role, err)
	}
	schemas := permitted.Schemas()
	logger := l.logger.With(zap.String("role", req.Role))

	conv := make([]domain.Message, 0, 2+2*maxIter)
	if req.System != "" {
		conv = append(conv, domain.Message{Role: domain.RoleSystem, Content: req.System})
	}
	conv = append(conv, domain.Message{Role: domain.RoleUser, Content: req.Instruction})

	var (
		best     T
		haveBest bool
	)
	for iter := 1; iter <= maxIter; iter++ {
		res.Iterations = iter
		resp, err := l.send(ctx, req, conv, schemas, logger)
		if err != nil {
			res.Transcript = conv
			return res, fmt.Errorf("%s iteration %d: %w", req.Role, iter, err)
		}
		res.Usage = res.Usage.Add(resp.Usage)

		if len(resp.ToolCalls) > 0 {
			conv = append(conv, domain.Message{Role: domain.RoleAssistant, Content: resp.Final, ToolCalls: resp.ToolCalls})
			for _, call := range resp.ToolCalls {
				obs, failed := l.dispatch(ctx, permitted, call, req.CallTimeout)
				if failed {
					res.ToolErrors++
					logger.Debug("tool call failed", zap.String("tool", call.Name), zap.String("observation", obs))
				}
				conv = append(conv, domain.Message{Role: domain.RoleTool, ToolCallID: call.ID, Name: call.Name, Content: obs})
			}
			continue
		}

		conv = append(conv, domain.Message{Role: domain.RoleAssistant, Content: resp.Final})
		out, err := req.Parse(ctx, resp.Final)
		if err == nil {
			res.Output = out
			res.Raw = resp.Final
			res.Transcript = conv
			return res, nil
		}
		var rej *Rejection
		if !errors.As(err, &rej) {
			res.Transcript = conv
			return res, fmt.Errorf("%s parse final answer: %w", req.Role, err)
		}
		res.Rejections++
		if rej.Partial {
			best, haveBest = out, true
			res.Raw = resp.Final
		}
		logger.Debug("final answer rejected", zap.Int("iteration", iter), zap.String("reason", rej.Error()))
		conv = append(conv, domain.Message{Role: domain.RoleUser, Content: rej.correction()})
	}

	logger.Info("iteration budget exhausted", zap.Int("max_iterations", maxIter), zap.Bool("partial", haveBest))
	res.Incomplete = true
	if haveBest {
		res.Output = best
	}
	res.Transcript = conv
	return res, nil
}

func (l *Loop) send(ctx context.Context, req requestView, conv []domain.Message, schemas []domain.ToolSchema, logger *zap.Logger) (ports.ProviderResponse, error) {
	preq := ports.ProviderRequest{
		Role:         req.role(),
		Model:        req.model(),
		Temperature:  req.temperature(),
		Conversation: append([]domain.Message(nil), conv...),
		Tools:        schemas,
	}
	onRetry := func(attempt int, err error) {
		logger.Warn("transient provider error, retrying", zap.Int("attempt", attempt), zap.Error(err))
	}
	return retry(ctx, l.backoff, l.sleep, onRetry, func(ctx context.Context) (ports.ProviderResponse, error) {
		callCtx, cancel := withTimeout(ctx, req.callTimeout())
		defer cancel()
		return l.provider.Send(callCtx, preq)
	})
}

// dispatch runs one tool call and renders the observation. Failures are
// observations, never loop errors.
func (l *Loop) dispatch(ctx context.Context, reg *tools.Registry, call domain.ToolCall, timeout time.Duration) (string, bool) {
	callCtx, cancel := withTimeout(ctx, timeout)
	defer cancel()
	out, err := reg.Execute(callCtx, call.Name, call.Arguments)
	if err != nil {
		var notFound *domain.ToolNotFoundError
		if errors.As(err, &notFound) {
			return fmt.Sprintf(`{"error":%q,"available":%q}`, err.Error(), strings.Join(reg.Names(), ",")), true
		}
		return fmt.Sprintf(`{"error":%q}`, err.Error()), true
	}
	return string(out), false
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// requestView exposes the non-generic parts of a Request to helpers.
type requestView interface {
	role() string
	model() string
	temperature() float32
	callTimeout() time.Duration
}

func (r Request[T]) role() string               { return r.Role }
func (r Request[T]) model() string              { return r.Model }
func (r Request[T]) temperature() float32       { return r.Temperature }
func (r Request[T]) callTimeout() time.Duration { return r.CallTimeout }
