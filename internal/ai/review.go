package ai

import (
	"context"
	"fmt"
	"strings"

	"storymill/internal/types"
)

// ProposedSubGroup is one sub-group in a split verdict. Conversation IDs are
// treated as proposals only; the review coordinator enforces uniqueness
// locally regardless of what the model returns.
type ProposedSubGroup struct {
	Theme           string   `json:"theme"`
	ConversationIDs []string `json:"conversation_ids"`
}

// CoherenceResponse is the model's SAME_FIX verdict for a candidate group.
type CoherenceResponse struct {
	Decision   string             `json:"decision"` // "keep_together", "split", or "reject"
	Confidence float64            `json:"confidence"`
	Reasoning  string             `json:"reasoning"`
	SubGroups  []ProposedSubGroup `json:"sub_groups,omitempty"`
}

// Validate checks the response for structural problems before the coordinator
// acts on it.
func (r *CoherenceResponse) Validate() error {
	switch r.Decision {
	case "keep_together", "reject":
	case "split":
		if len(r.SubGroups) < 2 {
			return fmt.Errorf("split decision requires at least 2 sub_groups (got %d)", len(r.SubGroups))
		}
	default:
		return fmt.Errorf("unknown decision: %q", r.Decision)
	}
	if r.Confidence < 0.0 || r.Confidence > 1.0 {
		return fmt.Errorf("confidence must be between 0.0 and 1.0 (got %.2f)", r.Confidence)
	}
	return nil
}

// ReviewGroupCoherence asks the model the SAME_FIX question: would one code or
// process fix address every conversation in this group? The caller treats any
// error as "keep together"; a reviewer outage must never drop a group.
func (s *Supervisor) ReviewGroupCoherence(ctx context.Context, group *types.CandidateGroup) (*CoherenceResponse, error) {
	prompt := buildCoherencePrompt(group)

	// Budget scales with group size; each sub-group costs roughly 150 tokens.
	maxTokens := len(group.Conversations)*150 + 500
	if maxTokens < 1500 {
		maxTokens = 1500
	}
	if maxTokens > 4000 {
		maxTokens = 4000
	}

	responseText, err := s.CallAI(ctx, prompt, "coherence_review", s.model, maxTokens)
	if err != nil {
		return nil, &types.ExternalServiceError{Service: "llm", Op: "coherence_review", Err: err}
	}

	parseResult := Parse[CoherenceResponse](responseText, "coherence review response")
	if !parseResult.Success {
		return nil, &types.ExternalServiceError{
			Service: "llm",
			Op:      "coherence_review",
			Err:     fmt.Errorf("malformed response: %s (response: %s)", parseResult.Error, truncate(responseText, 200)),
		}
	}

	response := parseResult.Data
	if err := response.Validate(); err != nil {
		return nil, &types.ExternalServiceError{
			Service: "llm",
			Op:      "coherence_review",
			Err:     fmt.Errorf("invalid response: %w", err),
		}
	}

	return &response, nil
}

func buildCoherencePrompt(group *types.CandidateGroup) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, `You are a product manager reviewing a group of support conversations that were clustered under one issue signature.

CANONICAL SIGNATURE: %s

CONVERSATIONS IN GROUP:
`, group.Signature.Name)

	for i, conv := range group.Conversations {
		fmt.Fprintf(&sb, `
[%d] Conversation ID: %s
    Raw signature: %s
    Object/action: %s / %s
    Summary: %s
`, i+1, conv.ConversationID, conv.IssueSignature,
			conv.Facets.ObjectType, conv.Facets.Action, conv.DiagnosticSummary)
		for _, excerpt := range conv.KeyExcerpts {
			fmt.Fprintf(&sb, "    Excerpt: %q\n", truncate(excerpt, 200))
		}
	}

	sb.WriteString(`
TASK:
Apply the SAME_FIX test: would ONE code or process fix address EVERY conversation in this group?

- If yes: decision "keep_together".
- If the group mixes two or more distinct underlying issues: decision "split", with one sub-group per distinct issue.
- If the group has no coherent underlying issue at all: decision "reject".

RULES FOR SPLITS:
1. Every conversation ID must appear in exactly one sub-group. Use each ID exactly once.
2. Give each sub-group a short theme naming its distinct underlying issue.
3. Do not invent conversation IDs that were not listed above.

OUTPUT FORMAT (JSON only, no markdown):
{
  "decision": "keep_together" | "split" | "reject",
  "confidence": float (0.0-1.0),
  "reasoning": "Brief explanation",
  "sub_groups": [
    {"theme": "short theme name", "conversation_ids": ["id1", "id2"]}
  ]
}

"sub_groups" is required only for "split" and must contain at least 2 entries.

IMPORTANT: Respond with ONLY raw JSON. Do NOT wrap it in markdown code fences.`)

	return sb.String()
}
