package review

import (
	"context"
	"errors"
	"testing"

	"storymill/internal/ai"
	"storymill/internal/types"
)

type fakeReviewer struct {
	resp *ai.CoherenceResponse
	err  error
}

func (f *fakeReviewer) ReviewGroupCoherence(ctx context.Context, group *types.CandidateGroup) (*ai.CoherenceResponse, error) {
	return f.resp, f.err
}

func reviewGroup(ids ...string) *types.CandidateGroup {
	group := &types.CandidateGroup{
		Signature: &types.CanonicalSignature{Name: "scheduled_pin_failure"},
	}
	for _, id := range ids {
		group.Conversations = append(group.Conversations, &types.RawTheme{
			ConversationID: id,
			IssueSignature: "scheduled_pin_failure",
		})
	}
	return group
}

func TestReviewNilReviewerKeepsTogether(t *testing.T) {
	c := NewCoordinator(nil)
	outcome, err := c.Review(context.Background(), reviewGroup("c1", "c2", "c3"))
	if err != nil {
		t.Fatalf("Review() = %v, want nil", err)
	}
	if outcome.Kind != OutcomeKeepTogether {
		t.Errorf("kind = %s, want keep_together", outcome.Kind)
	}
	if outcome.ReviewerFailed {
		t.Error("disabled review is not a reviewer failure")
	}
}

func TestReviewErrorFailsSafeToKeepTogether(t *testing.T) {
	c := NewCoordinator(&fakeReviewer{err: errors.New("llm timeout")})
	outcome, err := c.Review(context.Background(), reviewGroup("c1", "c2", "c3"))
	if err != nil {
		t.Fatalf("Review() = %v, want nil (error absorbed)", err)
	}
	if outcome.Kind != OutcomeKeepTogether {
		t.Errorf("kind = %s, want keep_together", outcome.Kind)
	}
	if !outcome.ReviewerFailed {
		t.Error("ReviewerFailed should be set")
	}
}

func TestReviewKeepTogetherAndReject(t *testing.T) {
	keep := NewCoordinator(&fakeReviewer{resp: &ai.CoherenceResponse{
		Decision: "keep_together", Confidence: 0.9, Reasoning: "one fix",
	}})
	outcome, err := keep.Review(context.Background(), reviewGroup("c1", "c2", "c3"))
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Kind != OutcomeKeepTogether || outcome.Confidence != 0.9 {
		t.Errorf("got %+v, want keep_together at 0.9", outcome)
	}

	reject := NewCoordinator(&fakeReviewer{resp: &ai.CoherenceResponse{
		Decision: "reject", Confidence: 0.7, Reasoning: "no coherent issue",
	}})
	outcome, err = reject.Review(context.Background(), reviewGroup("c1", "c2", "c3"))
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Kind != OutcomeReject {
		t.Errorf("kind = %s, want reject", outcome.Kind)
	}
}

func TestReviewSplitCoversEveryConversationExactlyOnce(t *testing.T) {
	c := NewCoordinator(&fakeReviewer{resp: &ai.CoherenceResponse{
		Decision:   "split",
		Confidence: 0.8,
		SubGroups: []ai.ProposedSubGroup{
			{Theme: "publish failure", ConversationIDs: []string{"c1", "c2"}},
			{Theme: "schedule ui bug", ConversationIDs: []string{"c3", "c4"}},
			// c5 deliberately unassigned by the reviewer.
		},
	}})

	outcome, err := c.Review(context.Background(), reviewGroup("c1", "c2", "c3", "c4", "c5"))
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Kind != OutcomeSplit {
		t.Fatalf("kind = %s, want split", outcome.Kind)
	}
	if len(outcome.SubGroups) != 2 {
		t.Fatalf("sub-groups = %d, want 2", len(outcome.SubGroups))
	}

	seen := make(map[string]int)
	for _, sub := range outcome.SubGroups {
		for _, conv := range sub.Conversations {
			seen[conv.ConversationID]++
		}
	}
	for _, conv := range outcome.Unassigned {
		seen[conv.ConversationID]++
	}
	for _, id := range []string{"c1", "c2", "c3", "c4", "c5"} {
		if seen[id] != 1 {
			t.Errorf("conversation %s placed %d times, want exactly 1", id, seen[id])
		}
	}
	if len(outcome.Unassigned) != 1 || outcome.Unassigned[0].ConversationID != "c5" {
		t.Errorf("unassigned = %v, want [c5]", outcome.Unassigned)
	}

	// Sub-group names derive from the parent signature.
	if outcome.SubGroups[0].Signature.Name != "scheduled_pin_failure/publish failure" {
		t.Errorf("sub-group name = %s", outcome.SubGroups[0].Signature.Name)
	}
}

func TestReviewSplitNeutralizesDuplicateClaims(t *testing.T) {
	c := NewCoordinator(&fakeReviewer{resp: &ai.CoherenceResponse{
		Decision:   "split",
		Confidence: 0.8,
		SubGroups: []ai.ProposedSubGroup{
			{Theme: "a", ConversationIDs: []string{"c1", "c2"}},
			// c2 claimed twice, plus an invented ID.
			{Theme: "b", ConversationIDs: []string{"c2", "c3", "ghost"}},
		},
	}})

	outcome, err := c.Review(context.Background(), reviewGroup("c1", "c2", "c3"))
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Kind != OutcomeSplit {
		t.Fatalf("kind = %s, want split", outcome.Kind)
	}
	if outcome.DuplicateClaims != 2 {
		t.Errorf("DuplicateClaims = %d, want 2 (duplicate + invented)", outcome.DuplicateClaims)
	}

	total := 0
	for _, sub := range outcome.SubGroups {
		total += len(sub.Conversations)
	}
	if total+len(outcome.Unassigned) != 3 {
		t.Errorf("placed %d conversations, want 3", total+len(outcome.Unassigned))
	}
}

func TestReviewSplitCollapsesToKeepTogether(t *testing.T) {
	// Every real ID lands in one sub-group; the other is pure invention.
	c := NewCoordinator(&fakeReviewer{resp: &ai.CoherenceResponse{
		Decision:   "split",
		Confidence: 0.8,
		SubGroups: []ai.ProposedSubGroup{
			{Theme: "a", ConversationIDs: []string{"c1", "c2", "c3"}},
			{Theme: "b", ConversationIDs: []string{"ghost1", "ghost2"}},
		},
	}})

	outcome, err := c.Review(context.Background(), reviewGroup("c1", "c2", "c3"))
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Kind != OutcomeKeepTogether {
		t.Errorf("kind = %s, want keep_together (collapsed split)", outcome.Kind)
	}
	if outcome.DuplicateClaims != 2 {
		t.Errorf("DuplicateClaims = %d, want 2", outcome.DuplicateClaims)
	}
}

func TestReviewUnknownDecisionFailsSafe(t *testing.T) {
	c := NewCoordinator(&fakeReviewer{resp: &ai.CoherenceResponse{
		Decision: "escalate", Confidence: 0.9,
	}})
	outcome, err := c.Review(context.Background(), reviewGroup("c1", "c2"))
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Kind != OutcomeKeepTogether || !outcome.ReviewerFailed {
		t.Errorf("got %+v, want failed-safe keep_together", outcome)
	}
}

func TestReviewRejectsMalformedGroup(t *testing.T) {
	c := NewCoordinator(nil)
	_, err := c.Review(context.Background(), &types.CandidateGroup{
		Signature: &types.CanonicalSignature{Name: "sig"},
	})
	if !types.IsValidation(err) {
		t.Errorf("err = %v, want ValidationError", err)
	}
}
