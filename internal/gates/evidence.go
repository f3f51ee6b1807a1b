package gates

import (
	"strings"

	"storymill/internal/types"
)

// boilerplatePhrases are excerpt payloads that carry no diagnostic signal.
// An excerpt that is nothing but one of these counts against the group.
var boilerplatePhrases = []string{
	"thanks",
	"thank you",
	"ok",
	"okay",
	"it doesn't work",
	"it does not work",
	"doesn't work",
	"not working",
	"please help",
	"help",
	"same issue",
	"me too",
	"+1",
	"any update",
	"hello",
	"hi",
}

// ExcerptValidator is the default EvidenceValidator: excerpts must be
// non-empty and non-boilerplate, and enough conversations must carry at
// least one usable excerpt.
type ExcerptValidator struct {
	// MinUsableRatio is the minimum fraction of excerpts that must be usable
	// (default 0.5).
	MinUsableRatio float64

	// MaxBareConversations is how many conversations may lack any usable
	// excerpt before the group fails (default 1).
	MaxBareConversations int
}

// NewExcerptValidator returns the default evidence validator.
func NewExcerptValidator() *ExcerptValidator {
	return &ExcerptValidator{
		MinUsableRatio:       0.5,
		MaxBareConversations: 1,
	}
}

// Validate checks excerpt quality across the group.
func (v *ExcerptValidator) Validate(group *types.CandidateGroup) *EvidenceQuality {
	quality := &EvidenceQuality{}

	for _, conv := range group.Conversations {
		usableInConv := 0
		for _, excerpt := range conv.KeyExcerpts {
			quality.TotalExcerpts++
			trimmed := strings.TrimSpace(excerpt)
			if trimmed == "" {
				quality.EmptyExcerpts++
				continue
			}
			if isBoilerplate(trimmed) {
				quality.BoilerplateCount++
				continue
			}
			usableInConv++
		}
		if usableInConv == 0 {
			quality.ConversationsBare++
		}
	}

	if quality.TotalExcerpts > 0 {
		usable := quality.TotalExcerpts - quality.EmptyExcerpts - quality.BoilerplateCount
		quality.UsableRatio = float64(usable) / float64(quality.TotalExcerpts)
	}

	quality.Passed = quality.TotalExcerpts > 0 &&
		quality.UsableRatio >= v.MinUsableRatio &&
		quality.ConversationsBare <= v.MaxBareConversations
	return quality
}

func isBoilerplate(excerpt string) bool {
	normalized := strings.ToLower(strings.Trim(excerpt, " .!?,"))
	for _, phrase := range boilerplatePhrases {
		if normalized == phrase {
			return true
		}
	}
	return false
}
