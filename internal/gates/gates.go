// Package gates implements the quality gate a candidate group must clear
// before becoming a Story: minimum volume, evidence validation, and
// confidence scoring, evaluated sequentially with short-circuiting.
package gates

import (
	"math"
	"strings"

	"storymill/internal/types"
)

// Failure reasons recorded on gate results. Tests assert on these, so they
// are part of the contract.
const (
	ReasonInsufficientVolume = "insufficient_volume"
	ReasonWeakEvidence       = "weak_evidence"
	ReasonLowConfidence      = "low_confidence"
)

// Result is the outcome of evaluating one candidate group. The diagnostic
// sub-fields record which gate failed, not just that one did.
type Result struct {
	Passed          bool    `json:"passed"`
	ConfidenceScore float64 `json:"confidence_score"` // 0-100
	FailureReason   string  `json:"failure_reason,omitempty"`

	ValidationPassed bool             `json:"validation_passed"`
	ScoringPassed    bool             `json:"scoring_passed"`
	Evidence         *EvidenceQuality `json:"evidence,omitempty"`
	Scoring          *ScoringDetail   `json:"scoring,omitempty"`
}

// EvidenceQuality details the excerpt-quality check across a group.
type EvidenceQuality struct {
	Passed             bool    `json:"passed"`
	TotalExcerpts      int     `json:"total_excerpts"`
	EmptyExcerpts      int     `json:"empty_excerpts"`
	BoilerplateCount   int     `json:"boilerplate_count"`
	UsableRatio        float64 `json:"usable_ratio"`
	ConversationsBare  int     `json:"conversations_bare"` // conversations with no usable excerpt
}

// ScoringDetail breaks down the weighted confidence score.
type ScoringDetail struct {
	VolumeScore      float64 `json:"volume_score"`
	SpecificityScore float64 `json:"specificity_score"`
	StabilityScore   float64 `json:"stability_score"`
	Weighted         float64 `json:"weighted"`
}

// EvidenceValidator checks excerpt quality for a group. It is an optional
// collaborator: a nil validator at construction means the stage is skipped,
// decided once rather than per call.
type EvidenceValidator interface {
	Validate(group *types.CandidateGroup) *EvidenceQuality
}

// Config holds gate thresholds and scoring weights.
type Config struct {
	MinGroupSize        int     // distinct conversations required
	ConfidenceThreshold float64 // 0-100; score == threshold passes

	VolumeWeight      float64
	SpecificityWeight float64
	StabilityWeight   float64
}

// DefaultConfig returns the default gate configuration.
func DefaultConfig() Config {
	return Config{
		MinGroupSize:        3,
		ConfidenceThreshold: 50.0,
		VolumeWeight:        0.4,
		SpecificityWeight:   0.35,
		StabilityWeight:     0.25,
	}
}

// Validate checks the gate configuration is usable.
func (c Config) Validate() error {
	if c.MinGroupSize < 1 {
		return &types.ConfigurationError{Reason: "min group size must be at least 1"}
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 100 {
		return &types.ConfigurationError{Reason: "confidence threshold must be between 0 and 100"}
	}
	total := c.VolumeWeight + c.SpecificityWeight + c.StabilityWeight
	if total <= 0 {
		return &types.ConfigurationError{Reason: "scoring weights must sum to a positive value"}
	}
	return nil
}

// Evaluator runs the sequential gate checks.
type Evaluator struct {
	cfg      Config
	evidence EvidenceValidator
}

// NewEvaluator creates a gate evaluator. evidence may be nil to skip the
// evidence-validation stage.
func NewEvaluator(cfg Config, evidence EvidenceValidator) (*Evaluator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Evaluator{cfg: cfg, evidence: evidence}, nil
}

// Evaluate runs the checks in order, short-circuiting on the first failure.
// The result still records which stage was reached.
func (e *Evaluator) Evaluate(group *types.CandidateGroup) (*Result, error) {
	if err := group.Validate(); err != nil {
		return nil, err
	}

	result := &Result{}

	// Check 1: minimum group size. Fails regardless of confidence score.
	if len(group.ConversationIDs()) < e.cfg.MinGroupSize {
		result.FailureReason = ReasonInsufficientVolume
		return result, nil
	}

	// Check 2: evidence validation (optional collaborator).
	if e.evidence != nil {
		quality := e.evidence.Validate(group)
		result.Evidence = quality
		if !quality.Passed {
			result.FailureReason = ReasonWeakEvidence
			return result, nil
		}
	}
	result.ValidationPassed = true

	// Check 3: weighted confidence score. Boundary inclusive: a score equal
	// to the threshold passes.
	detail := e.score(group)
	result.Scoring = detail
	result.ConfidenceScore = detail.Weighted
	if detail.Weighted < e.cfg.ConfidenceThreshold {
		result.FailureReason = ReasonLowConfidence
		return result, nil
	}
	result.ScoringPassed = true
	result.Passed = true
	return result, nil
}

// score computes the weighted confidence score (0-100) over volume, excerpt
// specificity, and signature stability.
func (e *Evaluator) score(group *types.CandidateGroup) *ScoringDetail {
	detail := &ScoringDetail{
		VolumeScore:      volumeScore(len(group.Conversations)),
		SpecificityScore: specificityScore(group),
		StabilityScore:   stabilityScore(group),
	}
	totalWeight := e.cfg.VolumeWeight + e.cfg.SpecificityWeight + e.cfg.StabilityWeight
	detail.Weighted = (detail.VolumeScore*e.cfg.VolumeWeight +
		detail.SpecificityScore*e.cfg.SpecificityWeight +
		detail.StabilityScore*e.cfg.StabilityWeight) / totalWeight
	return detail
}

// volumeScore grows logarithmically and saturates at 100 around 50
// conversations; beyond that, more volume stops adding confidence.
func volumeScore(n int) float64 {
	if n <= 0 {
		return 0
	}
	score := math.Log1p(float64(n)) / math.Log1p(50) * 100
	return math.Min(score, 100)
}

// specificityScore averages per-excerpt specificity: longer excerpts with a
// higher unique-token ratio are more specific.
func specificityScore(group *types.CandidateGroup) float64 {
	var total float64
	var count int
	for _, conv := range group.Conversations {
		for _, excerpt := range conv.KeyExcerpts {
			total += excerptSpecificity(excerpt)
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return total / float64(count)
}

func excerptSpecificity(excerpt string) float64 {
	words := strings.Fields(excerpt)
	if len(words) == 0 {
		return 0
	}
	// Length component saturates at 25 words.
	lengthScore := math.Min(float64(len(words))/25.0, 1.0)

	unique := make(map[string]bool, len(words))
	for _, w := range words {
		unique[strings.ToLower(w)] = true
	}
	uniqueRatio := float64(len(unique)) / float64(len(words))

	return (lengthScore*0.6 + uniqueRatio*0.4) * 100
}

// stabilityScore measures how consistently the group's raw signatures agree:
// a group where every conversation produced the same raw signature is more
// trustworthy than one stitched together from many aliases.
func stabilityScore(group *types.CandidateGroup) float64 {
	if len(group.Conversations) == 0 {
		return 0
	}
	counts := make(map[string]int)
	for _, conv := range group.Conversations {
		counts[strings.ToLower(strings.TrimSpace(conv.IssueSignature))]++
	}
	dominant := 0
	for _, c := range counts {
		if c > dominant {
			dominant = c
		}
	}
	return float64(dominant) / float64(len(group.Conversations)) * 100
}
