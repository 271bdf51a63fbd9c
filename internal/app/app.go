package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"ResearchWriter/internal/agent"
	"ResearchWriter/internal/checkpoint"
	"ResearchWriter/internal/citation"
	"ResearchWriter/internal/config"
	"ResearchWriter/internal/document"
	"ResearchWriter/internal/domain"
	"ResearchWriter/internal/events"
	"ResearchWriter/internal/infrastructure/acquisition"
	"ResearchWriter/internal/infrastructure/compiler"
	"ResearchWriter/internal/infrastructure/library"
	"ResearchWriter/internal/infrastructure/llm"
	"ResearchWriter/internal/infrastructure/ml"
	"ResearchWriter/internal/infrastructure/parser"
	"ResearchWriter/internal/infrastructure/storage"
	"ResearchWriter/internal/infrastructure/telegram"
	"ResearchWriter/internal/metrics"
	"ResearchWriter/internal/ports"
	"ResearchWriter/internal/review"
	"ResearchWriter/internal/revision"
	"ResearchWriter/internal/scanner"
	"ResearchWriter/internal/tools"
	"ResearchWriter/internal/usecase"
)

// Overrides are command line settings that take precedence over the config.
// Zero values leave the config untouched.
type Overrides struct {
	Revisions   int
	Reviewers   int
	Budget      string
	Aggregation string
	Timeout     time.Duration
}

// Apply writes the overrides into cfg and validates the result.
func (o Overrides) Apply(cfg *config.Config) error {
	if o.Revisions != 0 {
		cfg.Session.MaxRevisionRounds = o.Revisions
	}
	if o.Reviewers != 0 {
		cfg.Session.Reviewers = o.Reviewers
	}
	if o.Budget != "" {
		cfg.Session.Budget = o.Budget
	}
	if o.Aggregation != "" {
		cfg.Session.Aggregation = o.Aggregation
	}
	if o.Timeout != 0 {
		cfg.Session.Timeout = o.Timeout
	}
	return cfg.Validate()
}

// Explicit reports which session settings the overrides pin. Resumed
// sessions keep their checkpointed values for the rest.
func (o Overrides) Explicit() usecase.Explicit {
	return usecase.Explicit{
		Budget:    o.Budget != "",
		Reviewers: o.Reviewers != 0,
		Policy:    o.Aggregation != "",
		Revisions: o.Revisions != 0,
	}
}

// Application wires configs to use cases and lifecycle orchestration.
type Application struct {
	cfg          config.Config
	logger       *zap.Logger
	pipeline     *usecase.Pipeline
	bus          *events.Bus
	bibliography *storage.Bibliography
	metrics      *http.Server
}

// New builds every adapter named by cfg and the pipeline on top of them.
// ov must be the overrides already applied to cfg.
func New(ctx context.Context, cfg config.Config, ov Overrides, logger *zap.Logger) (*Application, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	settings, err := Settings(cfg)
	if err != nil {
		return nil, err
	}
	settings.Explicit = ov.Explicit()

	bib, err := storage.Open(ctx, cfg.Bibliography.Driver, cfg.Bibliography.DSN)
	if err != nil {
		return nil, err
	}
	a := &Application{cfg: cfg, logger: logger, bibliography: bib}

	lib, err := a.library(ctx)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	provider, err := llm.New(ctx, cfg.Provider)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("build provider: %w", err)
	}

	registry := scanner.NewRegistry()
	registry.Register(parser.NewArxivScanner(&http.Client{Timeout: 20 * time.Second}))
	source := parser.NewStrategySource(registry, cfg.Discovery.Sources, logger)

	acquirer := acquisition.New(acquisition.Options{
		Client:       &http.Client{Timeout: cfg.Acquisition.Timeout},
		Dir:          cfg.Acquisition.Dir,
		MaxBytes:     cfg.Acquisition.MaxBytes,
		Bibliography: bib,
		Library:      lib,
		Logger:       logger,
	})

	var scorer ports.Scorer = ml.OverlapScorer{}
	if cfg.ML.InferenceURL != "" {
		scorer = ml.NewClient(cfg.ML.InferenceURL, cfg.ML.APIKey)
	}

	journal := &tools.Journal{}
	validator := citation.Validator{}
	toolset := tools.NewCoreRegistry(tools.Deps{
		Bibliography: bib,
		Library:      lib,
		Discovery:    source,
		Acquirer:     acquirer,
		Journal:      journal,
		Validator:    validator,
	})
	loop := agent.NewLoop(provider, toolset, agent.WithLogger(logger))

	prof := settings.Profile
	reviews := review.NewCoordinator(review.AgentRunner{
		Loop:          loop,
		Model:         prof.Model,
		Temperature:   cfg.Session.ReviewTemperature,
		MaxIterations: prof.MaxIterations,
		CallTimeout:   prof.CallTimeout,
	}, review.Config{
		Reviewers: settings.Reviewers,
		Timeout:   cfg.Session.ReviewTimeout,
		Policy:    settings.Policy,
	}, logger)
	revisions := revision.NewController(loop, citation.Gate{Bibliography: bib, Validator: validator}, revision.Config{
		Model:         prof.Model,
		Temperature:   prof.DraftTemperature,
		MaxIterations: prof.MaxIterations,
		CallTimeout:   prof.CallTimeout,
		MinCitations:  prof.CitationTarget,
	}, logger)
	finalizer := document.NewFinalizer(compiler.NewLaTeX(cfg.Compiler, logger), cfg.Session.MaxFixAttempts, logger)

	a.bus = events.NewBus(logger, 256, a.observers()...)

	a.pipeline = usecase.NewPipeline(usecase.PipelineDeps{
		Store:        checkpoint.NewStore(cfg.DataDir),
		Loop:         loop,
		Reviews:      reviews,
		Revisions:    revisions,
		Finalizer:    finalizer,
		Bibliography: bib,
		Library:      lib,
		Discovery:    source,
		Scorer:       scorer,
		Acquirer:     acquirer,
		Journal:      journal,
		Validator:    validator,
		Events:       a.bus,
		Logger:       logger,
		NewID:        uuid.NewString,
		Profiles:     Profiles(cfg),
	}, settings)
	return a, nil
}

func (a *Application) library(ctx context.Context) (*library.Library, error) {
	embed, err := library.EmbeddingFor(ctx, a.cfg.Library, a.cfg.Provider.APIKey)
	if err != nil {
		return nil, err
	}
	return library.New(library.Options{
		Dir:        a.cfg.Library.Dir,
		Collection: a.cfg.Library.Collection,
		Embed:      embed,
		Logger:     a.logger,
	})
}

func (a *Application) observers() []events.Observer {
	observers := []events.Observer{events.LogObserver(a.logger)}

	if listen := a.cfg.Metrics.Listen; listen != "" {
		reg := prometheus.NewRegistry()
		observers = append(observers, metrics.NewObserver(reg))

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		a.metrics = &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := a.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("metrics server stopped", zap.String("listen", listen), zap.Error(err))
			}
		}()
		a.logger.Info("serving metrics", zap.String("listen", listen))
	}

	if tg := a.cfg.Notifications.Telegram; tg.BotToken != "" && tg.ChatID != "" {
		observers = append(observers, telegram.NewNotifier(tg, a.logger))
	}
	return observers
}

// Run starts a new session for topic.
func (a *Application) Run(ctx context.Context, topic string) (usecase.Outcome, error) {
	return a.pipeline.Start(ctx, topic)
}

// Resume continues the session stored at path.
func (a *Application) Resume(ctx context.Context, path string) (usecase.Outcome, error) {
	return a.pipeline.Resume(ctx, path)
}

// Close flushes pending events and releases the stores.
func (a *Application) Close() error {
	var errs []error
	if a.bus != nil {
		a.bus.Close()
	}
	if a.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errs = append(errs, a.metrics.Shutdown(ctx))
	}
	if a.bibliography != nil {
		errs = append(errs, a.bibliography.Close())
	}
	return errors.Join(errs...)
}

// Settings derives the per-session limits from cfg.
func Settings(cfg config.Config) (usecase.Settings, error) {
	mode, err := domain.ParseBudgetMode(cfg.Session.Budget)
	if err != nil {
		return usecase.Settings{}, err
	}
	policy, err := domain.ParseAggregationPolicy(cfg.Session.Aggregation)
	if err != nil {
		return usecase.Settings{}, err
	}
	bp, err := cfg.Profile(mode)
	if err != nil {
		return usecase.Settings{}, err
	}
	return usecase.Settings{
		Budget:            mode,
		Profile:           profileFrom(bp),
		MaxRevisionRounds: cfg.Session.MaxRevisionRounds,
		Reviewers:         cfg.Session.Reviewers,
		Policy:            policy,
		Timeout:           cfg.Session.Timeout,
		OutputDir:         cfg.Session.OutputDir,
		SkipSelfCritique:  cfg.Session.SkipSelfCritique,
	}, nil
}

// Profiles resolves any configured budget mode, for sessions resumed under a
// different process budget.
func Profiles(cfg config.Config) func(domain.BudgetMode) (usecase.Profile, error) {
	return func(mode domain.BudgetMode) (usecase.Profile, error) {
		bp, err := cfg.Profile(mode)
		if err != nil {
			return usecase.Profile{}, err
		}
		return profileFrom(bp), nil
	}
}

func profileFrom(bp config.BudgetProfile) usecase.Profile {
	return usecase.Profile{
		Model:                bp.Model,
		DraftTemperature:     bp.DraftTemperature,
		CitationTarget:       bp.CitationTarget,
		PapersPerClaim:       bp.PapersPerClaim,
		AcquisitionsPerClaim: bp.AcquisitionsPerClaim,
		TokenBudget:          bp.TokenBudget,
		CostPer1KTokens:      bp.CostPer1KTokens,
		AcceptIncomplete:     bp.AcceptIncomplete,
		MaxIterations:        bp.MaxIterations,
		CallTimeout:          bp.CallTimeout,
	}
}
