// Package compiler runs an external LaTeX toolchain over rendered drafts.
package compiler

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"ResearchWriter/internal/config"
	"ResearchWriter/internal/domain"
	"ResearchWriter/internal/ports"
)

const (
	sourceName   = "document.tex"
	artifactName = "document.pdf"
	tailLines    = 5
)

// LaTeX invokes the configured command with the source file as last argument.
type LaTeX struct {
	command string
	args    []string
	timeout time.Duration
	logger  *zap.Logger
}

var _ ports.Compiler = (*LaTeX)(nil)

// NewLaTeX builds a compiler from configuration.
func NewLaTeX(cfg config.CompilerConfig, logger *zap.Logger) *LaTeX {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LaTeX{
		command: cfg.Command,
		args:    append([]string(nil), cfg.Args...),
		timeout: cfg.Timeout,
		logger:  logger.With(zap.String("component", "compiler")),
	}
}

// Compile writes source into outputDir and runs the command there. A failed
// run yields *domain.CompilationError with the parsed diagnostics.
func (l *LaTeX) Compile(ctx context.Context, source, outputDir string) (ports.Artifact, error) {
	if l.command == "" {
		return ports.Artifact{}, errors.New("compiler command is not configured")
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return ports.Artifact{}, fmt.Errorf("create output dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(outputDir, sourceName), []byte(source), 0o644); err != nil {
		return ports.Artifact{}, fmt.Errorf("write source: %w", err)
	}

	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, l.command, append(append([]string(nil), l.args...), sourceName)...)
	cmd.Dir = outputDir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) || ctx.Err() != nil {
			return ports.Artifact{}, fmt.Errorf("run %s: %w", l.command, errors.Join(err, ctx.Err()))
		}
		diagnostics := Diagnostics(out.String())
		l.logger.Debug("compile failed", zap.Int("exit_code", exitErr.ExitCode()), zap.Strings("diagnostics", diagnostics))
		return ports.Artifact{}, &domain.CompilationError{Attempts: 1, Diagnostics: diagnostics}
	}

	artifact := filepath.Join(outputDir, artifactName)
	if _, err := os.Stat(artifact); err != nil {
		return ports.Artifact{}, fmt.Errorf("compiler produced no %s: %w", artifactName, err)
	}
	return ports.Artifact{Path: artifact}, nil
}

// Diagnostics extracts the "!" error lines of a TeX log. Without any, the
// last non-empty lines are returned.
func Diagnostics(log string) []string {
	var (
		errs []string
		tail []string
	)
	sc := bufio.NewScanner(strings.NewReader(log))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "!") {
			errs = append(errs, strings.TrimSpace(strings.TrimPrefix(line, "!")))
		}
		tail = append(tail, line)
		if len(tail) > tailLines {
			tail = tail[1:]
		}
	}
	if len(errs) > 0 {
		return errs
	}
	return tail
}
