package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"storymill/internal/ai"
	"storymill/internal/canonical"
	"storymill/internal/gates"
	"storymill/internal/orphan"
	"storymill/internal/review"
	"storymill/internal/storage"
	"storymill/internal/story"
	"storymill/internal/types"
	"storymill/internal/vocabulary"
)

// funcReviewer routes review calls to a test-provided function.
type funcReviewer struct {
	fn func(group *types.CandidateGroup) (*ai.CoherenceResponse, error)
}

func (f *funcReviewer) ReviewGroupCoherence(ctx context.Context, group *types.CandidateGroup) (*ai.CoherenceResponse, error) {
	return f.fn(group)
}

const strongExcerpt = "every pin I schedule for the morning slot stays in pending state past its publish time and the analytics dashboard never registers an attempt or shows any error"

func buildTestPipeline(t *testing.T, reviewer review.CoherenceReviewer) (*Pipeline, storage.Storage) {
	t.Helper()

	store, err := storage.NewStorage(context.Background(), &storage.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	canonicalizer, err := canonical.New(vocabulary.Empty(), nil, nil, canonical.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	gate, err := gates.NewEvaluator(gates.DefaultConfig(), gates.NewExcerptValidator())
	if err != nil {
		t.Fatal(err)
	}
	router, err := orphan.NewRouter(store, nil)
	if err != nil {
		t.Fatal(err)
	}
	writer, err := story.NewWriter(store)
	if err != nil {
		t.Fatal(err)
	}

	p, err := New(store, canonicalizer, gate, review.NewCoordinator(reviewer), router, writer)
	if err != nil {
		t.Fatal(err)
	}
	return p, store
}

func themesFor(signature string, n int) []*types.RawTheme {
	themes := make([]*types.RawTheme, n)
	for i := 0; i < n; i++ {
		themes[i] = &types.RawTheme{
			ConversationID:    fmt.Sprintf("%s-c%d", signature, i+1),
			IssueSignature:    signature,
			DiagnosticSummary: "scheduled publish never fires",
			KeyExcerpts:       []string{strongExcerpt},
		}
	}
	return themes
}

func keepTogetherReviewer() review.CoherenceReviewer {
	return &funcReviewer{fn: func(group *types.CandidateGroup) (*ai.CoherenceResponse, error) {
		return &ai.CoherenceResponse{Decision: "keep_together", Confidence: 0.9}, nil
	}}
}

func TestRunCreatesStoryAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	p, store := buildTestPipeline(t, keepTogetherReviewer())

	themes := themesFor("scheduled_pin_failure", 5)

	result, err := p.Run(ctx, themes)
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if result.ConversationsProcessed != 5 || result.GroupsFormed != 1 {
		t.Errorf("result = %+v", result)
	}
	if result.StoriesCreated != 1 || result.StoriesUpdated != 0 {
		t.Errorf("stories: created %d, updated %d, want 1/0", result.StoriesCreated, result.StoriesUpdated)
	}

	s, err := store.GetStoryBySignature(ctx, "scheduled_pin_failure")
	if err != nil || s == nil {
		t.Fatalf("GetStoryBySignature() = %v, %v", s, err)
	}
	if len(s.Evidence.ConversationIDs) != 5 {
		t.Errorf("evidence = %v", s.Evidence.ConversationIDs)
	}

	// Same input again: the evidence hash matches, nothing changes.
	again, err := p.Run(ctx, themes)
	if err != nil {
		t.Fatal(err)
	}
	if again.StoriesCreated != 0 || again.StoriesUpdated != 0 {
		t.Errorf("re-run: created %d, updated %d, want 0/0", again.StoriesCreated, again.StoriesUpdated)
	}

	stories, _ := store.ListStories(ctx)
	if len(stories) != 1 {
		t.Errorf("stories = %d, want exactly 1 after re-run", len(stories))
	}

	// The canonical signature was persisted for future runs.
	sigs, _ := store.GetCanonicalSignatures(ctx)
	if len(sigs) != 1 || sigs[0].Name != "scheduled_pin_failure" {
		t.Errorf("signatures = %+v", sigs)
	}
}

func TestRunRoutesSmallGroupsToOrphans(t *testing.T) {
	ctx := context.Background()
	p, store := buildTestPipeline(t, keepTogetherReviewer())

	result, err := p.Run(ctx, themesFor("rare_issue", 2))
	if err != nil {
		t.Fatal(err)
	}
	if result.StoriesCreated != 0 {
		t.Errorf("stories created = %d, want 0", result.StoriesCreated)
	}
	if result.OrphansUpdated != 1 || result.OrphanFallbacks != 0 {
		t.Errorf("orphans = %d, fallbacks = %d", result.OrphansUpdated, result.OrphanFallbacks)
	}
	if len(result.AffectedSignatures) != 1 || result.AffectedSignatures[0].Detail != gates.ReasonInsufficientVolume {
		t.Errorf("affected = %+v", result.AffectedSignatures)
	}

	rec, _ := store.GetOrphan(ctx, "rare_issue")
	if rec == nil || len(rec.ConversationIDs) != 2 {
		t.Fatalf("orphan = %+v", rec)
	}
}

func TestRunReviewerFailureKeepsGroup(t *testing.T) {
	ctx := context.Background()
	p, store := buildTestPipeline(t, &funcReviewer{fn: func(group *types.CandidateGroup) (*ai.CoherenceResponse, error) {
		return nil, errors.New("llm unavailable")
	}})

	result, err := p.Run(ctx, themesFor("scheduled_pin_failure", 5))
	if err != nil {
		t.Fatalf("Run() = %v, want nil (reviewer outage is not fatal)", err)
	}
	if result.ReviewErrors != 1 {
		t.Errorf("review errors = %d, want 1", result.ReviewErrors)
	}
	if result.StoriesCreated != 1 {
		t.Errorf("stories created = %d, want 1 (fail-safe keep-together)", result.StoriesCreated)
	}

	s, _ := store.GetStoryBySignature(ctx, "scheduled_pin_failure")
	if s == nil {
		t.Fatal("story missing after reviewer failure")
	}
}

func TestRunRejectRoutesToOrphans(t *testing.T) {
	ctx := context.Background()
	p, store := buildTestPipeline(t, &funcReviewer{fn: func(group *types.CandidateGroup) (*ai.CoherenceResponse, error) {
		return &ai.CoherenceResponse{Decision: "reject", Confidence: 0.8, Reasoning: "no coherent issue"}, nil
	}})

	result, err := p.Run(ctx, themesFor("noise_cluster", 4))
	if err != nil {
		t.Fatal(err)
	}
	if result.StoriesCreated != 0 || result.OrphansUpdated != 1 {
		t.Errorf("result = %+v", result)
	}

	rec, _ := store.GetOrphan(ctx, "noise_cluster")
	if rec == nil || rec.LastReason != "review_rejected" {
		t.Fatalf("orphan = %+v", rec)
	}
}

func TestRunSplitProducesStoriesAndOrphansUnassigned(t *testing.T) {
	ctx := context.Background()

	// 7 conversations under one signature. The reviewer splits them into two
	// 3-conversation sub-groups and leaves one unassigned.
	themes := themesFor("pin_failure", 7)
	p, store := buildTestPipeline(t, &funcReviewer{fn: func(group *types.CandidateGroup) (*ai.CoherenceResponse, error) {
		return &ai.CoherenceResponse{
			Decision:   "split",
			Confidence: 0.8,
			Reasoning:  "two distinct root causes",
			SubGroups: []ai.ProposedSubGroup{
				{Theme: "publish worker", ConversationIDs: []string{"pin_failure-c1", "pin_failure-c2", "pin_failure-c3"}},
				{Theme: "schedule ui", ConversationIDs: []string{"pin_failure-c4", "pin_failure-c5", "pin_failure-c6"}},
			},
		}, nil
	}})

	result, err := p.Run(ctx, themes)
	if err != nil {
		t.Fatal(err)
	}
	if result.GroupsSplit != 1 {
		t.Errorf("groups split = %d, want 1", result.GroupsSplit)
	}
	if result.StoriesCreated != 2 {
		t.Errorf("stories created = %d, want 2", result.StoriesCreated)
	}
	if result.OrphansUpdated != 1 {
		t.Errorf("orphans updated = %d, want 1 (unassigned conversation)", result.OrphansUpdated)
	}

	// Exactly-one-bucket: every conversation is in a story or an orphan, never
	// both, never twice.
	placed := make(map[string]int)
	stories, _ := store.ListStories(ctx)
	for _, s := range stories {
		for _, id := range s.Evidence.ConversationIDs {
			placed[id]++
		}
	}
	orphans, _ := store.ListOrphans(ctx)
	for _, o := range orphans {
		for _, id := range o.ConversationIDs {
			placed[id]++
		}
	}
	for _, theme := range themes {
		if placed[theme.ConversationID] != 1 {
			t.Errorf("conversation %s placed %d times, want exactly 1", theme.ConversationID, placed[theme.ConversationID])
		}
	}
}

func TestRunSplitSubGroupBelowVolumeGoesToOrphans(t *testing.T) {
	ctx := context.Background()

	themes := themesFor("pin_failure", 5)
	p, store := buildTestPipeline(t, &funcReviewer{fn: func(group *types.CandidateGroup) (*ai.CoherenceResponse, error) {
		return &ai.CoherenceResponse{
			Decision:   "split",
			Confidence: 0.8,
			SubGroups: []ai.ProposedSubGroup{
				{Theme: "worker", ConversationIDs: []string{"pin_failure-c1", "pin_failure-c2", "pin_failure-c3"}},
				{Theme: "ui", ConversationIDs: []string{"pin_failure-c4", "pin_failure-c5"}},
			},
		}, nil
	}})

	result, err := p.Run(ctx, themes)
	if err != nil {
		t.Fatal(err)
	}
	if result.StoriesCreated != 1 {
		t.Errorf("stories created = %d, want 1 (only the 3-conv sub-group clears the gate)", result.StoriesCreated)
	}
	if result.OrphansUpdated != 1 {
		t.Errorf("orphans updated = %d, want 1", result.OrphansUpdated)
	}

	rec, _ := store.GetOrphan(ctx, "pin_failure/ui")
	if rec == nil || len(rec.ConversationIDs) != 2 {
		t.Fatalf("orphan = %+v", rec)
	}
}

func TestRunSkipsInvalidAndDuplicateThemes(t *testing.T) {
	ctx := context.Background()
	p, _ := buildTestPipeline(t, keepTogetherReviewer())

	themes := themesFor("scheduled_pin_failure", 5)
	themes = append(themes,
		&types.RawTheme{ConversationID: "", IssueSignature: "scheduled_pin_failure"}, // invalid
		themes[0], // duplicate conversation ID
	)

	result, err := p.Run(ctx, themes)
	if err != nil {
		t.Fatal(err)
	}
	if result.ConversationsProcessed != 5 {
		t.Errorf("processed = %d, want 5", result.ConversationsProcessed)
	}
	if result.InvariantViolations != 1 {
		t.Errorf("invariant violations = %d, want 1 (the duplicate)", result.InvariantViolations)
	}
}

func TestRunRecordsResult(t *testing.T) {
	ctx := context.Background()
	p, store := buildTestPipeline(t, keepTogetherReviewer())

	result, err := p.Run(ctx, themesFor("scheduled_pin_failure", 5))
	if err != nil {
		t.Fatal(err)
	}

	last, err := store.GetLastRun(ctx)
	if err != nil || last == nil {
		t.Fatalf("GetLastRun() = %v, %v", last, err)
	}
	if last.RunID != result.RunID {
		t.Errorf("last run = %s, want %s", last.RunID, result.RunID)
	}
}
