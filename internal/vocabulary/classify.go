package vocabulary

import (
	"fmt"
	"sort"
	"strings"

	"storymill/internal/types"
)

// PairStats holds the co-occurrence counts for a term pair across a corpus of
// themes: how many conversations mention both terms, and how many mention
// exactly one.
type PairStats struct {
	TermA string
	TermB string
	Both  int
	OnlyA int
	OnlyB int
}

// Jaccard is the co-occurrence similarity: |A∩B| / |A∪B|.
func (p PairStats) Jaccard() float64 {
	union := p.Both + p.OnlyA + p.OnlyB
	if union == 0 {
		return 0
	}
	return float64(p.Both) / float64(union)
}

// Exclusivity measures how often each term appears without the other,
// averaged over both terms. 1.0 means the terms never co-occur.
func (p PairStats) Exclusivity() float64 {
	totalA := p.Both + p.OnlyA
	totalB := p.Both + p.OnlyB
	if totalA == 0 || totalB == 0 {
		return 0
	}
	exclA := float64(p.OnlyA) / float64(totalA)
	exclB := float64(p.OnlyB) / float64(totalB)
	return (exclA + exclB) / 2
}

// lexicalOverlap is the token-level Jaccard between the two term strings,
// used to spot NAME_CONFUSION candidates ("scheduled pin" vs "pinned post").
func (p PairStats) lexicalOverlap() float64 {
	tokensA := termTokens(p.TermA)
	tokensB := termTokens(p.TermB)
	if len(tokensA) == 0 || len(tokensB) == 0 {
		return 0
	}
	shared := 0
	for tok := range tokensA {
		if tokensB[tok] {
			shared++
		}
	}
	return float64(shared) / float64(len(tokensA)+len(tokensB)-shared)
}

// Suggestion is a classified pair produced by the decision function, ready
// for human review before entering the curated table.
type Suggestion struct {
	Stats    PairStats
	Category types.RelationshipCategory
	Guidance string
}

// BuildPairStats counts, for every candidate term pair, which conversations
// mention both terms and which mention exactly one. A conversation mentions a
// term if the term appears in its signature, summary, or any excerpt.
func BuildPairStats(themes []*types.RawTheme, pairs [][2]string) []PairStats {
	mentions := make(map[string]map[string]bool) // term -> conversation set
	terms := make(map[string]bool)
	for _, p := range pairs {
		terms[normalizeTerm(p[0])] = true
		terms[normalizeTerm(p[1])] = true
	}

	for _, theme := range themes {
		text := conversationText(theme)
		for term := range terms {
			if strings.Contains(text, term) {
				if mentions[term] == nil {
					mentions[term] = make(map[string]bool)
				}
				mentions[term][theme.ConversationID] = true
			}
		}
	}

	stats := make([]PairStats, 0, len(pairs))
	for _, p := range pairs {
		a, b := normalizeTerm(p[0]), normalizeTerm(p[1])
		setA, setB := mentions[a], mentions[b]
		ps := PairStats{TermA: a, TermB: b}
		for conv := range setA {
			if setB[conv] {
				ps.Both++
			} else {
				ps.OnlyA++
			}
		}
		for conv := range setB {
			if !setA[conv] {
				ps.OnlyB++
			}
		}
		stats = append(stats, ps)
	}
	return stats
}

// Classify applies the decision function to a batch of pair stats. Thresholds
// are calibrated against empirical percentiles of the batch itself rather
// than fixed constants, so the function adapts to corpora with different
// baseline co-occurrence:
//
//   - SIMILAR_UX: co-occurrence at or above the 75th percentile and
//     exclusivity at or below the 25th (terms users routinely confuse).
//   - DIFFERENT_MODEL: exclusivity at or above the 75th percentile (distinct
//     features, kept separate but linked for triage).
//   - NAME_CONFUSION: lexical overlap but co-occurrence at or below the 25th
//     percentile (similar names, unrelated symptoms).
//   - DISTINCT: everything else; no entry is created.
func Classify(stats []PairStats) []Suggestion {
	if len(stats) == 0 {
		return nil
	}

	jaccards := make([]float64, 0, len(stats))
	exclusivities := make([]float64, 0, len(stats))
	for _, s := range stats {
		jaccards = append(jaccards, s.Jaccard())
		exclusivities = append(exclusivities, s.Exclusivity())
	}
	highJaccard := percentile(jaccards, 75)
	lowJaccard := percentile(jaccards, 25)
	highExclusivity := percentile(exclusivities, 75)
	lowExclusivity := percentile(exclusivities, 25)

	suggestions := make([]Suggestion, 0, len(stats))
	for _, s := range stats {
		j, e := s.Jaccard(), s.Exclusivity()
		var category types.RelationshipCategory
		var guidance string

		switch {
		case j >= highJaccard && e <= lowExclusivity && j > 0:
			category = types.RelSimilarUX
			guidance = fmt.Sprintf("Users conflate %q and %q; disambiguate at the excerpt level.", s.TermA, s.TermB)
		case e >= highExclusivity && e > 0:
			category = types.RelDifferentModel
			guidance = fmt.Sprintf("%q and %q are distinct features; keep separate signatures, link for triage.", s.TermA, s.TermB)
		case s.lexicalOverlap() > 0 && j <= lowJaccard:
			category = types.RelNameConfusion
			guidance = fmt.Sprintf("%q and %q share wording but not symptoms; never merge.", s.TermA, s.TermB)
		default:
			category = types.RelDistinct
		}

		suggestions = append(suggestions, Suggestion{Stats: s, Category: category, Guidance: guidance})
	}
	return suggestions
}

func conversationText(theme *types.RawTheme) string {
	var sb strings.Builder
	sb.WriteString(strings.ToLower(theme.IssueSignature))
	sb.WriteByte(' ')
	sb.WriteString(strings.ToLower(theme.DiagnosticSummary))
	for _, excerpt := range theme.KeyExcerpts {
		sb.WriteByte(' ')
		sb.WriteString(strings.ToLower(excerpt))
	}
	return sb.String()
}

func termTokens(term string) map[string]bool {
	tokens := make(map[string]bool)
	for _, tok := range strings.FieldsFunc(term, func(r rune) bool {
		return r == ' ' || r == '_' || r == '-'
	}) {
		if len(tok) > 2 { // skip stopword-sized fragments
			tokens[tok] = true
		}
	}
	return tokens
}

// percentile returns the p-th percentile of values using nearest-rank.
func percentile(values []float64, p int) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	rank := (p * len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
