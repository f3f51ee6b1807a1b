// Package review runs the PM coherence review (the SAME_FIX test) over
// candidate groups that cleared the quality gate, guaranteeing every
// conversation lands in exactly one output bucket no matter what the
// reviewer call returns.
package review

import (
	"context"
	"fmt"
	"log/slog"

	"storymill/internal/ai"
	"storymill/internal/types"
)

// OutcomeKind tags a review outcome.
type OutcomeKind string

const (
	OutcomeKeepTogether OutcomeKind = "keep_together"
	OutcomeSplit        OutcomeKind = "split"
	OutcomeReject       OutcomeKind = "reject"
)

// Outcome is the coordinator's verdict for one candidate group.
//
// For a split outcome, SubGroups plus Unassigned always cover the original
// group's conversations exactly once: sub-groups hold what the reviewer
// assigned (first claim wins), Unassigned holds what it never placed.
type Outcome struct {
	Kind       OutcomeKind
	Reasoning  string
	Confidence float64

	SubGroups  []*types.CandidateGroup
	Unassigned []*types.RawTheme

	// ReviewerFailed is set when the LLM call errored or returned malformed
	// output and the fail-safe default (keep together) was applied.
	ReviewerFailed bool

	// DuplicateClaims counts conversation IDs the reviewer tried to assign
	// to more than one sub-group. The pool neutralizes them; the count
	// surfaces in run metrics to monitor drift in reviewer behavior.
	DuplicateClaims int
}

// CoherenceReviewer is the LLM collaborator. Satisfied by *ai.Supervisor.
type CoherenceReviewer interface {
	ReviewGroupCoherence(ctx context.Context, group *types.CandidateGroup) (*ai.CoherenceResponse, error)
}

// Coordinator submits groups for coherence review and converts the model's
// verdict into a safe outcome.
type Coordinator struct {
	reviewer CoherenceReviewer
}

// NewCoordinator creates a review coordinator. reviewer may be nil: review
// then degrades to keep-together for every group, decided here once rather
// than per call.
func NewCoordinator(reviewer CoherenceReviewer) *Coordinator {
	return &Coordinator{reviewer: reviewer}
}

// Review runs the SAME_FIX test on a group.
//
// Fail-safe: a reviewer error, timeout, or malformed response resolves to
// keep_together. A group is never dropped or rejected because the reviewer
// call failed.
func (c *Coordinator) Review(ctx context.Context, group *types.CandidateGroup) (*Outcome, error) {
	if err := group.Validate(); err != nil {
		return nil, err
	}

	if c.reviewer == nil {
		return &Outcome{Kind: OutcomeKeepTogether, Reasoning: "review disabled"}, nil
	}

	resp, err := c.reviewer.ReviewGroupCoherence(ctx, group)
	if err != nil {
		slog.Warn("coherence review failed, keeping group together",
			"signature", group.Signature.Name, "error", err)
		return &Outcome{
			Kind:           OutcomeKeepTogether,
			Reasoning:      fmt.Sprintf("review unavailable: %v", err),
			ReviewerFailed: true,
		}, nil
	}

	switch resp.Decision {
	case "keep_together":
		return &Outcome{
			Kind:       OutcomeKeepTogether,
			Reasoning:  resp.Reasoning,
			Confidence: resp.Confidence,
		}, nil
	case "reject":
		return &Outcome{
			Kind:       OutcomeReject,
			Reasoning:  resp.Reasoning,
			Confidence: resp.Confidence,
		}, nil
	case "split":
		return c.applySplit(group, resp), nil
	default:
		// Validate() upstream should have caught this; treat as malformed.
		slog.Warn("unexpected review decision, keeping group together",
			"signature", group.Signature.Name, "decision", resp.Decision)
		return &Outcome{
			Kind:           OutcomeKeepTogether,
			Reasoning:      fmt.Sprintf("unrecognized decision %q", resp.Decision),
			ReviewerFailed: true,
		}, nil
	}
}

// applySplit distributes the group's conversations into the proposed
// sub-groups through the take-and-remove pool. The reviewer's ID lists are
// proposals; ownership transfer happens locally, so a duplicate or invented
// ID cannot place a conversation twice.
func (c *Coordinator) applySplit(group *types.CandidateGroup, resp *ai.CoherenceResponse) *Outcome {
	pool := NewConversationPool(group.Conversations)
	outcome := &Outcome{
		Kind:       OutcomeSplit,
		Reasoning:  resp.Reasoning,
		Confidence: resp.Confidence,
	}

	for _, proposed := range resp.SubGroups {
		sub := &types.CandidateGroup{
			Signature: &types.CanonicalSignature{
				Name:      subGroupName(group.Signature.Name, proposed.Theme),
				Aliases:   []string{group.Signature.Name},
				UpdatedAt: group.Signature.UpdatedAt,
			},
		}
		for _, id := range proposed.ConversationIDs {
			conv, ok := pool.Take(id)
			if !ok {
				// Either claimed by an earlier sub-group or invented by the
				// reviewer. The pool already prevented any double
				// assignment; log and count, don't fail.
				violation := &types.InvariantViolation{
					ConversationID: id,
					Detail:         fmt.Sprintf("reviewer claimed it for sub-group %q but it was not available", proposed.Theme),
				}
				slog.Warn("duplicate conversation claim neutralized",
					"signature", group.Signature.Name, "violation", violation.Error())
				outcome.DuplicateClaims++
				continue
			}
			sub.Conversations = append(sub.Conversations, conv)
		}
		if len(sub.Conversations) > 0 {
			outcome.SubGroups = append(outcome.SubGroups, sub)
		}
	}

	// Conversations the reviewer never placed stay in the run: the caller
	// routes them to the orphan holding area.
	outcome.Unassigned = pool.DrainRemaining()

	if len(outcome.SubGroups) < 2 {
		// The split collapsed (e.g., every ID landed in one sub-group or the
		// proposals were mostly invented IDs). Treat as keep-together.
		slog.Warn("split verdict collapsed, keeping group together",
			"signature", group.Signature.Name, "sub_groups", len(outcome.SubGroups))
		return &Outcome{
			Kind:            OutcomeKeepTogether,
			Reasoning:       resp.Reasoning,
			Confidence:      resp.Confidence,
			DuplicateClaims: outcome.DuplicateClaims,
		}
	}
	return outcome
}

func subGroupName(parent, theme string) string {
	if theme == "" {
		return parent
	}
	return fmt.Sprintf("%s/%s", parent, theme)
}
