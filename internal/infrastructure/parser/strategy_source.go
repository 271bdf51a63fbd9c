package parser

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"ResearchWriter/internal/config"
	"ResearchWriter/internal/domain"
	"ResearchWriter/internal/ports"
	"ResearchWriter/internal/scanner"
)

// StrategySource implements PaperSource via registered scanner strategies.
type StrategySource struct {
	registry *scanner.Registry
	sources  []config.SourceConfig
	logger   *zap.Logger
}

var _ ports.PaperSource = (*StrategySource)(nil)

// NewStrategySource wires scanner registry with config-defined sources.
func NewStrategySource(reg *scanner.Registry, sources []config.SourceConfig, logger *zap.Logger) *StrategySource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StrategySource{
		registry: reg,
		sources:  sources,
		logger:   logger.With(zap.String("component", "discovery")),
	}
}

// Search queries every configured source and interleaves their results,
// dropping duplicate paper ids. A failing source is skipped; the search
// fails only when every source failed.
func (s *StrategySource) Search(ctx context.Context, query string, limit int) ([]domain.Paper, error) {
	if s.registry == nil {
		return nil, fmt.Errorf("scanner registry is not configured")
	}
	if len(s.sources) == 0 {
		return nil, fmt.Errorf("no discovery sources configured")
	}
	if limit <= 0 {
		limit = 10
	}

	var (
		perSource [][]domain.Paper
		errs      []error
	)
	for _, src := range s.sources {
		strategy, err := s.registry.Resolve(src.Scanner)
		if err != nil {
			errs = append(errs, fmt.Errorf("source %s: %w", src.Name, err))
			continue
		}
		results, err := strategy.Search(ctx, scanner.Request{
			Query:    query,
			Limit:    limit,
			Source:   src.Name,
			Endpoint: src.Endpoint,
			Options:  src.Options,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.logger.Warn("source search failed", zap.String("source", src.Name), zap.Error(err))
			errs = append(errs, fmt.Errorf("source %s: %w", src.Name, err))
			continue
		}
		for i := range results {
			if results[i].Source == "" {
				results[i].Source = src.Name
			}
		}
		s.logger.Debug("source produced papers", zap.String("source", src.Name), zap.Int("count", len(results)))
		perSource = append(perSource, results)
	}
	if len(perSource) == 0 {
		return nil, errors.Join(errs...)
	}
	return interleave(perSource, limit), nil
}

func interleave(lists [][]domain.Paper, limit int) []domain.Paper {
	seen := map[string]struct{}{}
	out := make([]domain.Paper, 0, limit)
	for i := 0; len(out) < limit; i++ {
		progressed := false
		for _, list := range lists {
			if i >= len(list) {
				continue
			}
			progressed = true
			if _, dup := seen[list[i].ID]; dup {
				continue
			}
			seen[list[i].ID] = struct{}{}
			out = append(out, list[i])
			if len(out) == limit {
				break
			}
		}
		if !progressed {
			break
		}
	}
	return out
}
