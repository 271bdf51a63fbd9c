package document

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"ResearchWriter/internal/domain"
	"ResearchWriter/internal/ports"
)

// Result is a compiled document.
type Result struct {
	Artifact ports.Artifact
	Source   string
	Attempts int
	Fixes    []string
}

// Finalizer compiles a draft, repairing known diagnostics between attempts.
type Finalizer struct {
	compiler ports.Compiler
	fixes    []Fix
	maxFixes int
	logger   *zap.Logger
}

// NewFinalizer builds a finalizer allowing at most maxFixes repair rounds.
func NewFinalizer(compiler ports.Compiler, maxFixes int, logger *zap.Logger) *Finalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxFixes < 0 {
		maxFixes = 0
	}
	return &Finalizer{compiler: compiler, fixes: DefaultFixes, maxFixes: maxFixes, logger: logger.With(zap.String("component", "document"))}
}

// Finalize renders and compiles d. When the fix budget is exhausted, or no
// fix applies to the diagnostics, it returns *domain.CompilationError.
func (f *Finalizer) Finalize(ctx context.Context, d domain.Draft, records []domain.EvidenceRecord, outDir string) (Result, error) {
	var res Result
	for {
		res.Attempts++
		res.Source = Render(d, records)
		if f.compiler == nil {
			return res, nil
		}
		art, err := f.compiler.Compile(ctx, res.Source, outDir)
		if err == nil {
			res.Artifact = art
			f.logger.Info("document compiled", zap.Int("attempts", res.Attempts), zap.Strings("fixes", res.Fixes), zap.String("artifact", art.Path))
			return res, nil
		}
		var compileErr *domain.CompilationError
		if !errors.As(err, &compileErr) {
			return res, fmt.Errorf("compile document: %w", err)
		}
		if res.Attempts-1 >= f.maxFixes {
			return res, &domain.CompilationError{Attempts: res.Attempts, Diagnostics: compileErr.Diagnostics}
		}
		fixed, applied := applyFixes(d, f.fixes, compileErr.Diagnostics)
		if len(applied) == 0 {
			return res, &domain.CompilationError{Attempts: res.Attempts, Diagnostics: compileErr.Diagnostics}
		}
		f.logger.Debug("applying compile fixes", zap.Strings("fixes", applied), zap.Strings("diagnostics", compileErr.Diagnostics))
		res.Fixes = append(res.Fixes, applied...)
		d = fixed
	}
}
