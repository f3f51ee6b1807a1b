package ai

import (
	"context"
	"fmt"

	"storymill/internal/types"
)

// AliasCheckResponse is the model's judgment on whether a raw signature
// describes the same underlying issue as an existing canonical signature.
type AliasCheckResponse struct {
	SameIssue  bool    `json:"same_issue"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// CheckSignatureAlias adjudicates an ambiguous canonicalization: embedding
// similarity landed too close to the threshold to call. Uses the cheap model;
// this is a yes/no comparison, not deep reasoning.
func (s *Supervisor) CheckSignatureAlias(ctx context.Context, raw string, facets types.Facets, canonical *types.CanonicalSignature) (*AliasCheckResponse, error) {
	prompt := buildAliasCheckPrompt(raw, facets, canonical)

	responseText, err := s.CallAI(ctx, prompt, "alias_check", s.simpleModel, 500)
	if err != nil {
		return nil, &types.ExternalServiceError{Service: "llm", Op: "alias_check", Err: err}
	}

	parseResult := Parse[AliasCheckResponse](responseText, "alias check response")
	if !parseResult.Success {
		return nil, &types.ExternalServiceError{
			Service: "llm",
			Op:      "alias_check",
			Err:     fmt.Errorf("malformed response: %s (response: %s)", parseResult.Error, truncate(responseText, 200)),
		}
	}

	response := parseResult.Data
	if response.Confidence < 0.0 || response.Confidence > 1.0 {
		return nil, &types.ExternalServiceError{
			Service: "llm",
			Op:      "alias_check",
			Err:     fmt.Errorf("invalid confidence score: %.2f", response.Confidence),
		}
	}

	return &response, nil
}

func buildAliasCheckPrompt(raw string, facets types.Facets, canonical *types.CanonicalSignature) string {
	aliases := "none"
	if len(canonical.Aliases) > 0 {
		aliases = fmt.Sprintf("%v", canonical.Aliases)
	}

	return fmt.Sprintf(`You are deciding whether a newly extracted issue signature describes the same underlying issue as an existing canonical signature.

NEW SIGNATURE: %s
Object type: %s
Action: %s
Timing: %s

EXISTING CANONICAL SIGNATURE: %s
Known aliases: %s

TASK:
Determine whether the new signature is just another phrasing of the existing canonical signature's underlying issue.

GUIDELINES:
1. Consider SEMANTIC equivalence, not string similarity.
2. The same user-visible symptom on the same object type strongly suggests the same issue.
3. Same wording about DIFFERENT object types is NOT the same issue.
4. Timing differences alone (e.g., "on save" vs "on load") usually indicate different issues.

OUTPUT FORMAT (JSON only, no markdown):
{
  "same_issue": boolean,
  "confidence": float (0.0-1.0),
  "reasoning": "Brief explanation"
}

IMPORTANT: Respond with ONLY raw JSON. Do NOT wrap it in markdown code fences.`,
		raw, facets.ObjectType, facets.Action, facets.Timing,
		canonical.Name, aliases)
}
