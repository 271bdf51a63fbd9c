package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"ResearchWriter/internal/agent"
	"ResearchWriter/internal/checkpoint"
	"ResearchWriter/internal/citation"
	"ResearchWriter/internal/document"
	"ResearchWriter/internal/domain"
	"ResearchWriter/internal/events"
	"ResearchWriter/internal/ports"
	"ResearchWriter/internal/review"
	"ResearchWriter/internal/revision"
	"ResearchWriter/internal/tools"
)

// ErrSessionFinished is returned when resuming a session that already
// reached FINALIZE and was archived.
var ErrSessionFinished = errors.New("session already finalized")

// Profile is the slice of a budget mode the state machine enforces.
type Profile struct {
	Model                string
	DraftTemperature     float32
	CitationTarget       int
	PapersPerClaim       int
	AcquisitionsPerClaim int
	TokenBudget          int
	CostPer1KTokens      float64
	AcceptIncomplete     bool
	MaxIterations        int
	CallTimeout          time.Duration
}

// Explicit marks the settings the operator set for this process. A resumed
// session keeps its checkpointed value for every setting not marked here.
type Explicit struct {
	Budget    bool
	Reviewers bool
	Policy    bool
	Revisions bool
}

// Settings are per-session orchestration limits.
type Settings struct {
	Budget            domain.BudgetMode
	Profile           Profile
	MaxRevisionRounds int
	Reviewers         int
	Policy            domain.AggregationPolicy
	Timeout           time.Duration
	OutputDir         string
	SkipSelfCritique  bool
	Explicit          Explicit
}

// PipelineDeps wires all driven adapters into the orchestration pipeline.
type PipelineDeps struct {
	Store        *checkpoint.Store
	Loop         *agent.Loop
	Reviews      *review.Coordinator
	Revisions    *revision.Controller
	Finalizer    *document.Finalizer
	Bibliography ports.Bibliography
	Library      ports.Library
	Discovery    ports.PaperSource
	Scorer       ports.Scorer
	Acquirer     ports.Acquirer
	Journal      *tools.Journal
	Validator    citation.Validator
	Events       events.Publisher
	Logger       *zap.Logger
	Now          func() time.Time
	NewID        func() string
	// Profiles resolves the profile of a checkpointed budget mode on resume.
	Profiles func(domain.BudgetMode) (Profile, error)
}

// Pipeline is the phase state machine. It is the only writer of Session.
type Pipeline struct {
	store        *checkpoint.Store
	loop         *agent.Loop
	reviews      *review.Coordinator
	revisions    *revision.Controller
	finalizer    *document.Finalizer
	bibliography ports.Bibliography
	library      ports.Library
	discovery    ports.PaperSource
	scorer       ports.Scorer
	acquirer     ports.Acquirer
	journal      *tools.Journal
	gate         citation.Gate
	events       events.Publisher
	logger       *zap.Logger
	now          func() time.Time
	newID        func() string
	profiles     func(domain.BudgetMode) (Profile, error)
	settings     Settings
}

// NewPipeline constructs the orchestration component.
func NewPipeline(deps PipelineDeps, settings Settings) *Pipeline {
	p := &Pipeline{
		store:        deps.Store,
		loop:         deps.Loop,
		reviews:      deps.Reviews,
		revisions:    deps.Revisions,
		finalizer:    deps.Finalizer,
		bibliography: deps.Bibliography,
		library:      deps.Library,
		discovery:    deps.Discovery,
		scorer:       deps.Scorer,
		acquirer:     deps.Acquirer,
		journal:      deps.Journal,
		gate:         citation.Gate{Bibliography: deps.Bibliography, Validator: deps.Validator},
		events:       deps.Events,
		logger:       deps.Logger,
		now:          deps.Now,
		newID:        deps.NewID,
		profiles:     deps.Profiles,
		settings:     settings,
	}
	if p.events == nil {
		p.events = events.Discard
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.newID == nil {
		p.newID = func() string { return fmt.Sprintf("session-%d", time.Now().UnixNano()) }
	}
	if p.settings.Policy == "" {
		p.settings.Policy = domain.AggregateConservative
	}
	if p.settings.Reviewers <= 0 {
		p.settings.Reviewers = 1
	}
	p.logger = p.logger.With(zap.String("component", "pipeline"))
	return p
}

// Outcome summarizes how a run ended. Aborts are outcomes, not errors.
type Outcome struct {
	SessionID  string
	Phase      domain.Phase
	Round      int
	Checkpoint string
	Artifact   string
	Draft      *domain.Draft
	Verdict    *domain.AggregateVerdict
	Failure    *domain.Failure
	Usage      domain.Usage
	Elapsed    time.Duration
}

// state is the in-memory session plus everything a checkpoint captures.
type state struct {
	session   domain.Session
	settings  Settings
	reviews   *review.Coordinator
	revisions *revision.Controller
	maxRounds int
	args      *domain.ArgumentMap
	evidence  []string
	seen      map[string]struct{}
	support   map[string][]string
	draft     *domain.Draft
	draftPath string
	history   []checkpoint.DraftRef
	verdict   *domain.AggregateVerdict
	runStart  time.Time
	lastCP    string
	artifact  string
	finalized bool
	logger    *zap.Logger
}

func (s *state) addEvidence(keys ...string) {
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, ok := s.seen[k]; ok {
			continue
		}
		s.seen[k] = struct{}{}
		s.evidence = append(s.evidence, k)
	}
}

func (s *state) addSupport(claimID, key string) {
	for _, existing := range s.support[claimID] {
		if existing == key {
			return
		}
	}
	s.support[claimID] = append(s.support[claimID], key)
}

func (s *state) nextDraftVersion() int {
	v := 0
	for _, ref := range s.history {
		if ref.Version > v {
			v = ref.Version
		}
	}
	return v + 1
}

// Start runs a new session for topic until FINALIZE or ABORTED.
func (p *Pipeline) Start(ctx context.Context, topic string) (Outcome, error) {
	now := p.now()
	st := &state{
		session: domain.Session{
			ID:        p.newID(),
			Topic:     topic,
			Phase:     domain.PhasePlanning,
			Budget:    p.settings.Budget,
			StartedAt: now.UTC(),
		},
		maxRounds: p.settings.MaxRevisionRounds,
		seen:      map[string]struct{}{},
		support:   map[string][]string{},
		runStart:  now,
	}
	p.bind(st, p.settings)
	if st.settings.Timeout > 0 {
		st.session.Deadline = now.Add(st.settings.Timeout)
	}
	st.logger = p.logger.With(zap.String("session_id", st.session.ID))
	st.logger.Info("session started", zap.String("topic", topic), zap.String("budget", string(st.session.Budget)))

	path, err := p.store.Save(p.snapshot(st, domain.PhasePlanning))
	if err != nil {
		return Outcome{}, fmt.Errorf("write initial checkpoint: %w", err)
	}
	st.lastCP = path
	return p.run(ctx, st)
}

// Resume rebuilds a session from a checkpoint file or session directory and
// re-enters the checkpointed phase from scratch. ABORTED checkpoints resume
// at the phase that failed, with a fresh deadline.
func (p *Pipeline) Resume(ctx context.Context, path string) (Outcome, error) {
	cp, err := checkpoint.Load(path)
	if err != nil {
		return Outcome{}, err
	}
	if cp.Phase == domain.PhaseFinalize && cp.ResumePhase == domain.PhaseFinalize {
		if _, err := checkpoint.LoadRecord(p.store.SessionDir(cp.SessionID)); err == nil {
			return Outcome{SessionID: cp.SessionID, Phase: domain.PhaseFinalize, Round: cp.Round}, ErrSessionFinished
		}
	}
	if !cp.ResumePhase.Valid() || cp.ResumePhase == domain.PhaseAborted {
		return Outcome{}, fmt.Errorf("checkpoint %s cannot be resumed from phase %s", path, cp.ResumePhase)
	}
	settings, err := p.resumeSettings(cp)
	if err != nil {
		return Outcome{}, err
	}

	now := p.now()
	st := &state{
		session: domain.Session{
			ID:        cp.SessionID,
			Topic:     cp.Topic,
			Phase:     cp.ResumePhase,
			Budget:    settings.Budget,
			Round:     cp.Round,
			StartedAt: cp.StartedAt,
			Elapsed:   cp.Elapsed(),
			Usage:     cp.Usage,
		},
		maxRounds: settings.MaxRevisionRounds,
		args:      cp.Arguments,
		seen:      map[string]struct{}{},
		support:   map[string][]string{},
		draftPath: cp.DraftPath,
		history:   append([]checkpoint.DraftRef(nil), cp.DraftHistory...),
		verdict:   cp.Verdict,
		runStart:  now,
		lastCP:    path,
	}
	p.bind(st, settings)
	if settings.Timeout > 0 {
		st.session.Deadline = now.Add(settings.Timeout)
	}
	st.addEvidence(cp.EvidenceIDs...)
	for claim, keys := range cp.ClaimSupport {
		st.support[claim] = append([]string(nil), keys...)
	}
	if cp.DraftPath != "" {
		d, err := p.store.LoadDraft(cp.DraftPath)
		if err != nil {
			return Outcome{}, fmt.Errorf("restore draft: %w", err)
		}
		st.draft = &d
	}
	st.logger = p.logger.With(zap.String("session_id", st.session.ID))
	st.logger.Info("session resumed",
		zap.String("checkpoint", path),
		zap.String("phase", string(st.session.Phase)),
		zap.Int("round", st.session.Round),
		zap.String("budget", string(settings.Budget)),
		zap.Int("reviewers", settings.Reviewers),
		zap.Duration("elapsed", st.session.Elapsed))
	return p.run(ctx, st)
}

// resumeSettings restores the limits a session was started with. Process
// settings win only where the operator set them explicitly.
func (p *Pipeline) resumeSettings(cp checkpoint.Checkpoint) (Settings, error) {
	s := p.settings
	if cp.Budget != "" && cp.Budget != s.Budget && !s.Explicit.Budget {
		if p.profiles == nil {
			return Settings{}, fmt.Errorf("session %s was started in %s mode and no %s profile is available", cp.SessionID, cp.Budget, cp.Budget)
		}
		prof, err := p.profiles(cp.Budget)
		if err != nil {
			return Settings{}, fmt.Errorf("restore %s profile: %w", cp.Budget, err)
		}
		s.Budget, s.Profile = cp.Budget, prof
	}
	if cp.Reviewers > 0 && !s.Explicit.Reviewers {
		s.Reviewers = cp.Reviewers
	}
	if cp.Policy != "" && !s.Explicit.Policy {
		s.Policy = cp.Policy
	}
	if cp.MaxRevisionRounds > 0 && !s.Explicit.Revisions {
		s.MaxRevisionRounds = cp.MaxRevisionRounds
	}
	return s, nil
}

// bind fixes the session's settings and derives the reviewer panel and
// reviser for its profile.
func (p *Pipeline) bind(st *state, s Settings) {
	st.settings = s
	st.maxRounds = s.MaxRevisionRounds
	prof := s.Profile
	if p.reviews != nil {
		st.reviews = p.reviews.With(review.Config{
			Reviewers: s.Reviewers,
			Policy:    s.Policy,
			Tuning:    review.Tuning{Model: prof.Model, MaxIterations: prof.MaxIterations, CallTimeout: prof.CallTimeout},
		})
	}
	if p.revisions != nil {
		st.revisions = p.revisions.With(revision.Config{
			Model:         prof.Model,
			Temperature:   prof.DraftTemperature,
			MaxIterations: prof.MaxIterations,
			CallTimeout:   prof.CallTimeout,
			MinCitations:  prof.CitationTarget,
		})
	}
}

func (p *Pipeline) run(ctx context.Context, st *state) (Outcome, error) {
	for {
		phase := st.session.Phase
		if phase == domain.PhaseAborted || st.finalized {
			return p.outcome(st), nil
		}
		if err := p.checkLimits(ctx, st); err != nil {
			return p.abort(st, phase, phase, err)
		}

		phaseCtx, cancel := ctx, context.CancelFunc(func() {})
		if !st.session.Deadline.IsZero() {
			phaseCtx, cancel = context.WithDeadline(ctx, st.session.Deadline)
		}
		st.logger.Debug("entering phase", zap.String("phase", string(phase)), zap.Int("round", st.session.Round))
		next, err := p.step(phaseCtx, st)
		cancel()
		if err != nil {
			if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) && st.session.Expired(p.now()) {
				err = &domain.SessionTimeoutError{Phase: phase, Deadline: st.session.Deadline}
			}
			return p.abort(st, phase, phase, err)
		}

		if phase == domain.PhaseFinalize {
			st.finalized = true
			p.events.Publish(events.Event{
				Kind: events.KindFinalized, SessionID: st.session.ID, Topic: st.session.Topic,
				To: domain.PhaseFinalize, Round: st.session.Round, Artifact: st.artifact,
				Checkpoint: st.lastCP, Elapsed: p.elapsed(st),
			})
			st.logger.Info("session finalized", zap.Int("round", st.session.Round), zap.String("artifact", st.artifact))
			continue
		}

		if err := p.checkLimits(ctx, st); err != nil {
			return p.abort(st, phase, next, err)
		}
		if err := p.transition(st, next); err != nil {
			return p.outcome(st), err
		}
	}
}

func (p *Pipeline) step(ctx context.Context, st *state) (domain.Phase, error) {
	switch st.session.Phase {
	case domain.PhasePlanning:
		return p.plan(ctx, st)
	case domain.PhaseLibraryConsult:
		return p.consultLibrary(ctx, st)
	case domain.PhaseDiscovery:
		return p.discover(ctx, st)
	case domain.PhaseDrafting:
		return p.draft(ctx, st)
	case domain.PhaseSelfCritique:
		return p.selfCritique(ctx, st)
	case domain.PhasePeerReview:
		return p.peerReview(ctx, st)
	case domain.PhaseRevision:
		return p.revise(ctx, st)
	case domain.PhaseFinalize:
		return p.finalize(ctx, st)
	}
	return "", fmt.Errorf("no handler for phase %s", st.session.Phase)
}

// checkLimits enforces the session deadline and the token budget.
func (p *Pipeline) checkLimits(ctx context.Context, st *state) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if st.session.Expired(p.now()) {
		return &domain.SessionTimeoutError{Phase: st.session.Phase, Deadline: st.session.Deadline}
	}
	if limit := st.settings.Profile.TokenBudget; limit > 0 && st.session.Usage.Tokens() > limit {
		return &domain.BudgetExceededError{Limit: limit, Used: st.session.Usage.Tokens()}
	}
	return nil
}

// transition moves to next, persisting a checkpoint before emitting the
// status event.
func (p *Pipeline) transition(st *state, next domain.Phase) error {
	from := st.session.Phase
	if !domain.CanTransition(from, next) {
		return fmt.Errorf("illegal transition %s -> %s", from, next)
	}
	switch {
	case from == domain.PhaseRevision && next == domain.PhasePeerReview:
		st.session.Round++
	case next == domain.PhasePeerReview && st.session.Round == 0:
		st.session.Round = 1
	}
	st.session.Phase = next

	path, err := p.store.Save(p.snapshot(st, next))
	if err != nil {
		return fmt.Errorf("checkpoint %s: %w", next, err)
	}
	st.lastCP = path
	p.events.Publish(events.Event{
		Kind: events.KindTransition, SessionID: st.session.ID, Topic: st.session.Topic,
		From: from, To: next, Round: st.session.Round, Checkpoint: path, Elapsed: p.elapsed(st),
	})
	st.logger.Info("phase transition",
		zap.String("from", string(from)),
		zap.String("phase", string(next)),
		zap.Int("round", st.session.Round),
		zap.Int("tokens", st.session.Usage.Tokens()))
	return nil
}

// abort always leaves a resumable checkpoint. failed is the phase that was
// running; resume is where a later run should re-enter.
func (p *Pipeline) abort(st *state, failed, resume domain.Phase, cause error) (Outcome, error) {
	st.session.Phase = domain.PhaseAborted
	failure := domain.NewFailure(failed, st.session.Round, cause)

	cp := p.snapshot(st, resume)
	cp.LastError = failure
	path, err := p.store.Save(cp)
	if err != nil {
		return p.outcome(st), fmt.Errorf("write abort checkpoint after %v: %w", cause, err)
	}
	st.lastCP = path
	p.events.Publish(events.Event{
		Kind: events.KindAborted, SessionID: st.session.ID, Topic: st.session.Topic,
		From: failed, To: domain.PhaseAborted, Round: st.session.Round,
		Checkpoint: path, ErrorClass: failure.Class, Message: failure.Message, Elapsed: p.elapsed(st),
	})
	st.logger.Warn("session aborted",
		zap.String("phase", string(failed)),
		zap.String("resume_phase", string(resume)),
		zap.Int("round", st.session.Round),
		zap.String("error_class", failure.Class),
		zap.Error(cause))

	out := p.outcome(st)
	out.Failure = failure
	return out, nil
}

func (p *Pipeline) snapshot(st *state, resume domain.Phase) checkpoint.Checkpoint {
	cp := checkpoint.Checkpoint{
		SessionID:         st.session.ID,
		Topic:             st.session.Topic,
		Budget:            st.session.Budget,
		Phase:             st.session.Phase,
		ResumePhase:       resume,
		Round:             st.session.Round,
		MaxRevisionRounds: st.maxRounds,
		Reviewers:         st.settings.Reviewers,
		Policy:            st.settings.Policy,
		Arguments:         st.args,
		EvidenceIDs:       append([]string{}, st.evidence...),
		ClaimSupport:      st.support,
		DraftPath:         st.draftPath,
		DraftHistory:      st.history,
		Verdict:           st.verdict,
		Usage:             st.session.Usage,
		StartedAt:         st.session.StartedAt,
		ElapsedMS:         p.elapsed(st).Milliseconds(),
	}
	if st.draft != nil {
		cp.DraftVersion = st.draft.Version
	}
	return cp
}

func (p *Pipeline) elapsed(st *state) time.Duration {
	return st.session.Elapsed + p.now().Sub(st.runStart)
}

func (p *Pipeline) outcome(st *state) Outcome {
	return Outcome{
		SessionID:  st.session.ID,
		Phase:      st.session.Phase,
		Round:      st.session.Round,
		Checkpoint: st.lastCP,
		Artifact:   st.artifact,
		Draft:      st.draft,
		Verdict:    st.verdict,
		Usage:      st.session.Usage,
		Elapsed:    p.elapsed(st),
	}
}

// commitUsage adds loop usage to the session, pricing it when the provider
// did not.
func (p *Pipeline) commitUsage(st *state, u domain.Usage) {
	if u.CostUSD == 0 && st.settings.Profile.CostPer1KTokens > 0 {
		u.CostUSD = float64(u.Tokens()) / 1000 * st.settings.Profile.CostPer1KTokens
	}
	st.session.Usage = st.session.Usage.Add(u)
}

// commitJournal moves evidence added by write tools into the session.
func (p *Pipeline) commitJournal(st *state) {
	if p.journal == nil {
		return
	}
	for _, rec := range p.journal.Drain() {
		st.addEvidence(rec.Key)
	}
}

func (p *Pipeline) agentEvent(st *state, role string, iterations int, incomplete bool) {
	p.events.Publish(events.Event{
		Kind: events.KindAgent, SessionID: st.session.ID, To: st.session.Phase,
		Round: st.session.Round, Role: role, Iterations: iterations, Incomplete: incomplete,
	})
}
