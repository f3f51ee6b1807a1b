// Package pipeline orchestrates one consolidation run: canonicalize and
// group raw themes, gate each group, review the survivors, then route every
// conversation into exactly one of story, orphan, or orphan-fallback.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"storymill/internal/canonical"
	"storymill/internal/gates"
	"storymill/internal/orphan"
	"storymill/internal/review"
	"storymill/internal/storage"
	"storymill/internal/story"
	"storymill/internal/types"
)

// Pipeline wires the consolidation stages together.
type Pipeline struct {
	store         storage.Storage
	canonicalizer *canonical.Canonicalizer
	gate          *gates.Evaluator
	coordinator   *review.Coordinator
	router        *orphan.Router
	writer        *story.Writer
}

// New assembles a pipeline. All stages are required; optional collaborators
// (embedder, reviewer, integration) are configured inside the stages
// themselves.
func New(store storage.Storage, canonicalizer *canonical.Canonicalizer, gate *gates.Evaluator,
	coordinator *review.Coordinator, router *orphan.Router, writer *story.Writer) (*Pipeline, error) {
	if store == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if canonicalizer == nil {
		return nil, fmt.Errorf("canonicalizer is required")
	}
	if gate == nil {
		return nil, fmt.Errorf("gate evaluator is required")
	}
	if coordinator == nil {
		return nil, fmt.Errorf("review coordinator is required")
	}
	if router == nil {
		return nil, fmt.Errorf("orphan router is required")
	}
	if writer == nil {
		return nil, fmt.Errorf("story writer is required")
	}
	return &Pipeline{
		store:         store,
		canonicalizer: canonicalizer,
		gate:          gate,
		coordinator:   coordinator,
		router:        router,
		writer:        writer,
	}, nil
}

// Run processes one batch of raw themes end to end. Individual conversation
// or group failures are absorbed into orphan routing and run metrics; only
// infrastructure failures (storage, configuration) abort the run.
func (p *Pipeline) Run(ctx context.Context, themes []*types.RawTheme) (*types.ProcessingResult, error) {
	result := &types.ProcessingResult{
		RunID:     uuid.New().String(),
		StartedAt: time.Now().UTC(),
	}
	slog.Info("consolidation run starting", "run_id", result.RunID, "conversations", len(themes))

	persisted, err := p.store.GetCanonicalSignatures(ctx)
	if err != nil {
		return nil, fmt.Errorf("load canonical signatures: %w", err)
	}
	rc := canonical.NewRunContext(persisted)

	groups, err := p.group(ctx, rc, themes, result)
	if err != nil {
		return nil, err
	}
	result.GroupsFormed = len(groups)

	for _, group := range groups {
		if err := p.processGroup(ctx, group, result); err != nil {
			return nil, err
		}
	}

	// Persist every canonical touched this run. Aliases added to persisted
	// canonicals are saved too, not just freshly minted names.
	for _, sig := range rc.Canonicals() {
		if err := p.store.SaveCanonicalSignature(ctx, sig); err != nil {
			return nil, fmt.Errorf("save canonical signature %s: %w", sig.Name, err)
		}
	}

	result.FinishedAt = time.Now().UTC()
	if err := p.store.RecordRun(ctx, result); err != nil {
		return nil, fmt.Errorf("record run: %w", err)
	}
	slog.Info("consolidation run finished",
		"run_id", result.RunID,
		"groups", result.GroupsFormed,
		"stories_created", result.StoriesCreated,
		"stories_updated", result.StoriesUpdated,
		"orphans_updated", result.OrphansUpdated,
		"orphan_fallbacks", result.OrphanFallbacks,
		"review_errors", result.ReviewErrors,
		"invariant_violations", result.InvariantViolations)
	return result, nil
}

// group canonicalizes every theme and buckets it under its canonical
// signature. Each conversation lands in exactly one group; the map-keyed
// bucketing makes a second group for the same canonical impossible.
func (p *Pipeline) group(ctx context.Context, rc *canonical.RunContext, themes []*types.RawTheme, result *types.ProcessingResult) ([]*types.CandidateGroup, error) {
	byName := make(map[string]*types.CandidateGroup)
	seen := make(map[string]bool, len(themes))

	for _, theme := range themes {
		if err := theme.Validate(); err != nil {
			slog.Warn("skipping invalid theme", "error", err)
			continue
		}
		if seen[theme.ConversationID] {
			slog.Warn("duplicate conversation in input, keeping first occurrence",
				"conversation", theme.ConversationID)
			result.InvariantViolations++
			continue
		}
		seen[theme.ConversationID] = true

		sig, err := p.canonicalizer.Canonicalize(ctx, rc, theme.IssueSignature, theme.Facets)
		if err != nil {
			return nil, fmt.Errorf("canonicalize %q: %w", theme.IssueSignature, err)
		}

		group, ok := byName[sig.Name]
		if !ok {
			group = &types.CandidateGroup{Signature: sig}
			byName[sig.Name] = group
		}
		group.Conversations = append(group.Conversations, theme)
		result.ConversationsProcessed++
	}

	groups := make([]*types.CandidateGroup, 0, len(byName))
	for _, g := range byName {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool {
		return groups[i].Signature.Name < groups[j].Signature.Name
	})
	return groups, nil
}

// processGroup runs one candidate group through gate, review, and output
// routing.
func (p *Pipeline) processGroup(ctx context.Context, group *types.CandidateGroup, result *types.ProcessingResult) error {
	gateResult, err := p.gate.Evaluate(group)
	if err != nil {
		return fmt.Errorf("evaluate gate for %s: %w", group.Signature.Name, err)
	}
	if !gateResult.Passed {
		return p.routeOrphans(ctx, group.Conversations, group.Signature.Name, gateResult.FailureReason, result)
	}

	outcome, err := p.coordinator.Review(ctx, group)
	if err != nil {
		return fmt.Errorf("review group %s: %w", group.Signature.Name, err)
	}
	result.GroupsReviewed++
	if outcome.ReviewerFailed {
		result.ReviewErrors++
	}
	result.InvariantViolations += outcome.DuplicateClaims

	switch outcome.Kind {
	case review.OutcomeKeepTogether:
		return p.writeStory(ctx, group, gateResult.ConfidenceScore, result)

	case review.OutcomeReject:
		return p.routeOrphans(ctx, group.Conversations, group.Signature.Name, "review_rejected", result)

	case review.OutcomeSplit:
		result.GroupsSplit++
		// Each sub-group re-enters the gate independently: a split can turn
		// one story-bound group into several orphan batches.
		for _, sub := range outcome.SubGroups {
			subGate, err := p.gate.Evaluate(sub)
			if err != nil {
				return fmt.Errorf("evaluate gate for sub-group %s: %w", sub.Signature.Name, err)
			}
			if !subGate.Passed {
				if err := p.routeOrphans(ctx, sub.Conversations, sub.Signature.Name, subGate.FailureReason, result); err != nil {
					return err
				}
				continue
			}
			if err := p.writeStory(ctx, sub, subGate.ConfidenceScore, result); err != nil {
				return err
			}
		}
		if len(outcome.Unassigned) > 0 {
			return p.routeOrphans(ctx, outcome.Unassigned, group.Signature.Name, "unassigned_after_split", result)
		}
		return nil

	default:
		return fmt.Errorf("unknown review outcome %q for %s", outcome.Kind, group.Signature.Name)
	}
}

func (p *Pipeline) writeStory(ctx context.Context, group *types.CandidateGroup, confidence float64, result *types.ProcessingResult) error {
	wr, err := p.writer.Write(ctx, group, confidence)
	if err != nil {
		return fmt.Errorf("write story for %s: %w", group.Signature.Name, err)
	}
	if wr.Created {
		result.StoriesCreated++
	}
	if wr.Updated {
		result.StoriesUpdated++
	}
	return nil
}

func (p *Pipeline) routeOrphans(ctx context.Context, conversations []*types.RawTheme, signature, reason string, result *types.ProcessingResult) error {
	outcome, err := p.router.Route(ctx, conversations, signature, reason)
	if err != nil {
		return fmt.Errorf("route orphans for %s: %w", signature, err)
	}
	result.OrphansUpdated++
	kind := "orphaned"
	if outcome.FallbackUsed {
		kind = "orphan_fallback"
		result.OrphanFallbacks++
	}
	result.AffectedSignatures = append(result.AffectedSignatures, types.SignatureOutcome{
		Signature: signature,
		Outcome:   kind,
		Detail:    reason,
	})
	return nil
}
