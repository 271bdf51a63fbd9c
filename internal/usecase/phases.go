package usecase

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"ResearchWriter/internal/agent"
	"ResearchWriter/internal/checkpoint"
	"ResearchWriter/internal/citation"
	"ResearchWriter/internal/domain"
	"ResearchWriter/internal/events"
	"ResearchWriter/internal/revision"
	"ResearchWriter/internal/tools"
)

var plannerTools = []string{tools.DiscoverPapers, tools.ListLibrary, tools.QueryLibrary}

func (p *Pipeline) plan(ctx context.Context, st *state) (domain.Phase, error) {
	prof := st.settings.Profile
	res, err := agent.Run(ctx, p.loop, agent.Request[domain.ArgumentMap]{
		Role:          agent.RolePlanner,
		System:        plannerSystem,
		Instruction:   planInstruction(st.session.Topic),
		Tools:         plannerTools,
		MaxIterations: prof.MaxIterations,
		CallTimeout:   prof.CallTimeout,
		Temperature:   prof.DraftTemperature,
		Model:         prof.Model,
		Parse:         agent.PlanParser(),
	})
	p.commitUsage(st, res.Usage)
	p.agentEvent(st, agent.RolePlanner, res.Iterations, res.Incomplete)
	if err != nil {
		return "", err
	}
	if res.Incomplete {
		return "", &domain.PhaseError{Phase: domain.PhasePlanning, Err: errors.New("planner exhausted its iteration budget without a valid argument map")}
	}
	args := res.Output
	st.args = &args
	st.logger.Info("argument map planned", zap.Int("claims", len(args.Claims)))
	return domain.PhaseLibraryConsult, nil
}

// consultLibrary maps claims to evidence the library already holds.
func (p *Pipeline) consultLibrary(ctx context.Context, st *state) (domain.Phase, error) {
	if p.library == nil || st.args == nil {
		return domain.PhaseDiscovery, nil
	}
	limit := st.settings.Profile.PapersPerClaim
	if limit <= 0 {
		limit = 3
	}
	found := 0
	for _, claim := range st.args.Claims {
		passages, err := p.library.Query(ctx, claimQuery(claim), limit)
		if err != nil {
			return "", fmt.Errorf("query library for claim %s: %w", claim.ID, err)
		}
		for _, passage := range passages {
			rec, ok, err := p.bibliography.Lookup(ctx, passage.Key)
			if err != nil {
				return "", fmt.Errorf("lookup %s: %w", passage.Key, err)
			}
			if !ok || rec.Stale {
				continue
			}
			st.addSupport(claim.ID, rec.Key)
			st.addEvidence(rec.Key)
			found++
		}
	}
	st.logger.Info("library consulted", zap.Int("supporting_passages", found))
	return domain.PhaseDiscovery, nil
}

type candidate struct {
	record domain.EvidenceRecord
	score  float64
}

// discover tops up each claim's support from external sources. A failed
// search only skips its claim; a phase where every search failed is an error.
func (p *Pipeline) discover(ctx context.Context, st *state) (domain.Phase, error) {
	if p.discovery == nil || st.args == nil {
		return domain.PhaseDrafting, nil
	}
	prof := st.settings.Profile
	perClaim := prof.PapersPerClaim
	if perClaim <= 0 {
		perClaim = 3
	}

	var (
		searched, failed, added int
		lastErr                 error
	)
	for _, claim := range st.args.Claims {
		need := perClaim - len(st.support[claim.ID])
		if need <= 0 {
			continue
		}
		searched++
		papers, err := p.discovery.Search(ctx, claimQuery(claim), perClaim*2)
		if err != nil {
			if ctx.Err() != nil {
				return "", err
			}
			failed++
			lastErr = err
			st.logger.Warn("discovery search failed", zap.String("claim", claim.ID), zap.Error(err))
			continue
		}

		candidates := make([]candidate, 0, len(papers))
		for _, paper := range papers {
			score, err := p.score(ctx, claim, paper)
			if err != nil {
				return "", fmt.Errorf("score %s: %w", paper.ID, err)
			}
			rec := domain.RecordFromPaper(paper)
			rec.Key = citation.MintKey(paper.Title, paper.Authors, paper.Year)
			rec.Relevance, rec.Utility = score.Relevance, score.Utility
			rec.AddedAt = p.now().UTC()
			candidates = append(candidates, candidate{record: rec, score: score.Relevance + score.Utility})
		}
		sort.SliceStable(candidates, func(i, j int) bool {
			if candidates[i].score != candidates[j].score {
				return candidates[i].score > candidates[j].score
			}
			return candidates[i].record.PaperID < candidates[j].record.PaperID
		})
		if len(candidates) > need {
			candidates = candidates[:need]
		}

		for i, c := range candidates {
			stored, err := p.bibliography.Add(ctx, c.record)
			if err != nil {
				return "", fmt.Errorf("add %s to bibliography: %w", c.record.PaperID, err)
			}
			st.addEvidence(stored.Key)
			st.addSupport(claim.ID, stored.Key)
			added++
			if p.acquirer == nil || i >= prof.AcquisitionsPerClaim || stored.Status == domain.StatusFullTextIndexed {
				continue
			}
			if _, err := p.acquirer.Acquire(ctx, stored); err != nil {
				if ctx.Err() != nil {
					return "", err
				}
				st.logger.Warn("acquisition failed", zap.String("key", stored.Key), zap.Error(err))
			}
		}
	}
	if searched > 0 && failed == searched {
		return "", fmt.Errorf("every discovery search failed: %w", lastErr)
	}
	st.logger.Info("discovery complete", zap.Int("added", added), zap.Int("evidence", len(st.evidence)))
	return domain.PhaseDrafting, nil
}

func (p *Pipeline) score(ctx context.Context, claim domain.Claim, paper domain.Paper) (domain.Score, error) {
	if p.scorer != nil {
		return p.scorer.Score(ctx, claim.Text, paper)
	}
	return domain.Score{Relevance: citation.Overlap(claim.Text, paper.Title+" "+paper.Abstract)}, nil
}

func (p *Pipeline) draft(ctx context.Context, st *state) (domain.Phase, error) {
	if st.args == nil {
		return "", &domain.PhaseError{Phase: domain.PhaseDrafting, Err: errors.New("no argument map")}
	}
	prof := st.settings.Profile
	snap, err := p.gate.Snapshot(ctx)
	if err != nil {
		return "", err
	}
	res, err := agent.Run(ctx, p.loop, agent.Request[domain.Draft]{
		Role:          agent.RoleDrafter,
		System:        drafterSystem,
		Instruction:   draftInstruction(st.session.Topic, *st.args, st.support, snap, prof.CitationTarget),
		Tools:         tools.WriteTools,
		MaxIterations: prof.MaxIterations,
		CallTimeout:   prof.CallTimeout,
		Temperature:   prof.DraftTemperature,
		Model:         prof.Model,
		Parse:         agent.DraftParser(p.gate, prof.CitationTarget),
	})
	p.commitUsage(st, res.Usage)
	p.commitJournal(st)
	p.agentEvent(st, agent.RoleDrafter, res.Iterations, res.Incomplete)
	if err != nil {
		return "", err
	}

	d := res.Output
	d.Version = st.nextDraftVersion()
	d.CreatedAt = p.now().UTC()
	if err := p.admit(ctx, st, d, res.Incomplete, domain.PhaseDrafting); err != nil {
		return "", err
	}
	return domain.PhaseSelfCritique, nil
}

// selfCritique runs one reviewer over the fresh draft and, unless it
// accepts, one revision. It does not consume a review round.
func (p *Pipeline) selfCritique(ctx context.Context, st *state) (domain.Phase, error) {
	if st.settings.SkipSelfCritique || st.reviews == nil || st.draft == nil {
		return domain.PhasePeerReview, nil
	}
	out, err := st.reviews.Critique(ctx, *st.draft, argsOrEmpty(st))
	p.commitUsage(st, out.Usage)
	p.agentEvent(st, agent.RoleReviewer, out.Iterations, out.Verdict.Incomplete)
	if err != nil {
		return "", err
	}
	st.logger.Info("self-critique", zap.String("outcome", string(out.Verdict.Outcome)), zap.Int("findings", len(out.Verdict.Findings)))
	if out.Verdict.Outcome == domain.OutcomeAccept || st.revisions == nil {
		return domain.PhasePeerReview, nil
	}

	critique := domain.Aggregate([]domain.Verdict{out.Verdict}, st.settings.Policy)
	if err := p.applyRevision(ctx, st, critique, domain.PhaseSelfCritique); err != nil {
		return "", err
	}
	return domain.PhasePeerReview, nil
}

func (p *Pipeline) peerReview(ctx context.Context, st *state) (domain.Phase, error) {
	if st.draft == nil {
		return "", &domain.PhaseError{Phase: domain.PhasePeerReview, Err: errors.New("no draft to review")}
	}
	if st.reviews == nil {
		return domain.PhaseFinalize, nil
	}
	res, err := st.reviews.Review(ctx, *st.draft, argsOrEmpty(st), st.session.Round)
	p.commitUsage(st, res.Usage)
	for _, out := range res.Outcomes {
		p.agentEvent(st, agent.RoleReviewer, out.Iterations, out.Verdict.Incomplete)
	}
	if err != nil {
		return "", err
	}
	agg := res.Aggregate
	st.verdict = &agg
	p.events.Publish(events.Event{
		Kind: events.KindReviewRound, SessionID: st.session.ID, To: domain.PhasePeerReview,
		Round: st.session.Round, Outcome: agg.Outcome, DraftVer: st.draft.Version,
	})

	if agg.Outcome == domain.OutcomeAccept {
		return domain.PhaseFinalize, nil
	}
	if st.session.Round >= st.maxRounds {
		st.logger.Info("revision rounds exhausted, finalizing",
			zap.Int("round", st.session.Round),
			zap.Int("max_revision_rounds", st.maxRounds),
			zap.String("outcome", string(agg.Outcome)))
		return domain.PhaseFinalize, nil
	}
	return domain.PhaseRevision, nil
}

func (p *Pipeline) revise(ctx context.Context, st *state) (domain.Phase, error) {
	if st.draft == nil || st.verdict == nil {
		return "", &domain.PhaseError{Phase: domain.PhaseRevision, Err: errors.New("revision needs a draft and a verdict")}
	}
	if st.revisions == nil {
		return "", &domain.PhaseError{Phase: domain.PhaseRevision, Err: errors.New("no revision controller configured")}
	}
	if err := p.applyRevision(ctx, st, *st.verdict, domain.PhaseRevision); err != nil {
		return "", err
	}
	return domain.PhasePeerReview, nil
}

func (p *Pipeline) applyRevision(ctx context.Context, st *state, verdict domain.AggregateVerdict, phase domain.Phase) error {
	res, err := st.revisions.Revise(ctx, *st.draft, verdict, argsOrEmpty(st))
	p.commitUsage(st, res.Usage)
	p.commitJournal(st)
	p.agentEvent(st, agent.RoleReviser, res.Iterations, res.Incomplete)
	if err != nil {
		return err
	}
	return p.admit(ctx, st, revisedDraft(res, st), res.Incomplete, phase)
}

func revisedDraft(res revision.Result, st *state) domain.Draft {
	d := res.Draft
	if v := st.nextDraftVersion(); d.Version < v {
		d.Version = v
	}
	return d
}

// admit is the citation gate in front of session state. Degraded drafts are
// admitted only when the budget profile allows, with unresolvable keys
// stripped so every admitted key resolves in the snapshot used here.
func (p *Pipeline) admit(ctx context.Context, st *state, d domain.Draft, incomplete bool, phase domain.Phase) error {
	if incomplete {
		if !st.settings.Profile.AcceptIncomplete {
			return &domain.PhaseError{Phase: phase, Err: errors.New("iteration budget exhausted and the budget mode does not accept incomplete drafts")}
		}
		if len(d.Sections) == 0 {
			return &domain.PhaseError{Phase: phase, Err: errors.New("iteration budget exhausted without a usable draft")}
		}
		d.Incomplete = true
	}

	d.Citations = citation.Keys(d.Text())
	res, _, err := p.gate.Check(ctx, d.Citations)
	if err != nil {
		return err
	}
	if !res.OK() {
		st.logger.Warn("stripping unresolved citations from degraded draft", zap.Strings("keys", res.Invalid))
		for i := range d.Sections {
			d.Sections[i].Content = citation.Strip(d.Sections[i].Content, res.Invalid)
		}
		d.Citations = res.Valid
		d.Incomplete = true
	}

	path, err := p.store.SaveDraft(st.session.ID, d)
	if err != nil {
		return err
	}
	st.draft = &d
	st.draftPath = path
	st.history = append(st.history, checkpoint.DraftRef{Version: d.Version, Path: path})
	st.addEvidence(d.Citations...)
	p.events.Publish(events.Event{
		Kind: events.KindDraft, SessionID: st.session.ID, To: phase, Round: st.session.Round,
		DraftVer: d.Version, Incomplete: d.Incomplete,
	})
	st.logger.Info("draft admitted",
		zap.Int("version", d.Version),
		zap.Int("citations", len(d.Citations)),
		zap.Bool("incomplete", d.Incomplete))
	return nil
}

func (p *Pipeline) finalize(ctx context.Context, st *state) (domain.Phase, error) {
	if st.draft == nil {
		return "", &domain.PhaseError{Phase: domain.PhaseFinalize, Err: errors.New("no draft to finalize")}
	}
	records, err := p.bibliography.Snapshot(ctx)
	if err != nil {
		return "", fmt.Errorf("read bibliography: %w", err)
	}
	sessionDir := p.store.SessionDir(st.session.ID)
	outDir := filepath.Join(sessionDir, "output")
	if st.settings.OutputDir != "" {
		outDir = filepath.Join(st.settings.OutputDir, st.session.ID)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	rec := checkpoint.Record{}
	if p.finalizer != nil {
		res, err := p.finalizer.Finalize(ctx, *st.draft, records, outDir)
		sourcePath := filepath.Join(outDir, "document.tex")
		if res.Source != "" {
			if werr := os.WriteFile(sourcePath, []byte(res.Source), 0o644); werr != nil {
				st.logger.Warn("could not keep document source", zap.Error(werr))
			} else {
				rec.SourcePath = sourcePath
			}
		}
		if err != nil {
			return "", err
		}
		st.artifact = res.Artifact.Path
		rec.ArtifactPath = res.Artifact.Path
	}

	rec.Checkpoint = p.snapshot(st, domain.PhaseFinalize)
	if _, err := p.store.Archive(rec); err != nil {
		return "", fmt.Errorf("archive session: %w", err)
	}
	return domain.PhaseFinalize, nil
}

func argsOrEmpty(st *state) domain.ArgumentMap {
	if st.args == nil {
		return domain.ArgumentMap{}
	}
	return *st.args
}

func claimQuery(c domain.Claim) string {
	parts := append([]string{c.Text}, c.EvidenceNeeded...)
	return strings.Join(parts, " ")
}
