package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ResearchWriter/internal/app"
	"ResearchWriter/internal/config"
	"ResearchWriter/internal/domain"
	"ResearchWriter/internal/logging"
	"ResearchWriter/internal/usecase"
)

// session is the part of the application a run drives.
type session interface {
	Run(ctx context.Context, topic string) (usecase.Outcome, error)
	Resume(ctx context.Context, path string) (usecase.Outcome, error)
	Close() error
}

var newSession = func(ctx context.Context, cfg config.Config, ov app.Overrides, logger *zap.Logger) (session, error) {
	a, err := app.New(ctx, cfg, ov, logger)
	if err != nil {
		return nil, err
	}
	return a, nil
}

type runOptions struct {
	configPath string
	resume     string
	overrides  app.Overrides
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run <topic>",
		Short: "Start a session for a topic or resume one from a checkpoint",
		Long: `Start a new writing session for topic, or continue an earlier one.

Examples:
  # Start a session with two reviewers
  researchwriter run "Attention mechanisms in sequence models" --reviewers 2

  # Resume an aborted session
  researchwriter run --resume sessions/3f1c.../latest.json`,
		Args: func(cmd *cobra.Command, args []string) error {
			switch {
			case opts.resume == "" && len(args) != 1:
				return usageError(errors.New("run needs exactly one topic or --resume"))
			case opts.resume != "" && len(args) > 0:
				return usageError(errors.New("a topic cannot be combined with --resume"))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			topic := ""
			if len(args) == 1 {
				topic = args[0]
			}
			return runSession(cmd.Context(), cmd.OutOrStdout(), opts, topic)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.configPath, "config", "", "YAML config file (defaults to $RESEARCHWRITER_CONFIG)")
	f.StringVar(&opts.resume, "resume", "", "checkpoint file or session directory to resume")
	f.IntVar(&opts.overrides.Revisions, "revisions", 0, "maximum revision rounds")
	f.IntVar(&opts.overrides.Reviewers, "reviewers", 0, "number of concurrent reviewers")
	f.StringVar(&opts.overrides.Budget, "budget", "", "budget mode: low, balanced or high")
	f.StringVar(&opts.overrides.Aggregation, "aggregation", "", "verdict aggregation: conservative or majority")
	f.DurationVar(&opts.overrides.Timeout, "timeout", 0, "session wall-clock limit")
	return cmd
}

func runSession(ctx context.Context, out io.Writer, opts *runOptions, topic string) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return usageError(err)
	}
	if err := opts.overrides.Apply(&cfg); err != nil {
		return usageError(err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return usageError(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := newSession(ctx, cfg, opts.overrides, logger)
	if err != nil {
		return usageError(err)
	}
	defer func() {
		if err := application.Close(); err != nil {
			logger.Warn("shutdown incomplete", zap.Error(err))
		}
	}()

	var outcome usecase.Outcome
	if opts.resume != "" {
		outcome, err = application.Resume(ctx, opts.resume)
	} else {
		outcome, err = application.Run(ctx, topic)
	}
	if errors.Is(err, usecase.ErrSessionFinished) {
		printOutcome(out, outcome)
		return nil
	}
	if err != nil {
		return &exitError{code: exitAborted, err: err}
	}

	printOutcome(out, outcome)
	if outcome.Phase == domain.PhaseAborted {
		return &exitError{code: exitAborted}
	}
	return nil
}

func printOutcome(out io.Writer, o usecase.Outcome) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Session:\t%s\n", o.SessionID)
	fmt.Fprintf(w, "Phase:\t%s\n", o.Phase)
	fmt.Fprintf(w, "Round:\t%d\n", o.Round)
	if o.Verdict != nil {
		fmt.Fprintf(w, "Verdict:\t%s\n", o.Verdict.Outcome)
	}
	if o.Artifact != "" {
		fmt.Fprintf(w, "Artifact:\t%s\n", o.Artifact)
	}
	if o.Checkpoint != "" {
		fmt.Fprintf(w, "Checkpoint:\t%s\n", o.Checkpoint)
	}
	fmt.Fprintf(w, "Tokens:\t%d ($%.4f)\n", o.Usage.Tokens(), o.Usage.CostUSD)
	fmt.Fprintf(w, "Elapsed:\t%s\n", o.Elapsed.Round(time.Second))
	if o.Failure != nil {
		fmt.Fprintf(w, "Error:\t%s: %s\n", o.Failure.Class, o.Failure.Message)
	}
	_ = w.Flush()
}
