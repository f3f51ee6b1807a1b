// Package types defines the core data model for the consolidation pipeline.
package types

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Facets are the structured attributes extracted alongside a raw signature.
// They disambiguate otherwise similar signatures (e.g., same action on a
// different object type).
type Facets struct {
	ObjectType string `json:"object_type,omitempty"`
	Action     string `json:"action,omitempty"`
	Timing     string `json:"timing,omitempty"`
	Surface    string `json:"surface,omitempty"`
}

// RawTheme is one conversation's extracted signal. It is created once by the
// upstream extraction step and is immutable thereafter.
type RawTheme struct {
	ConversationID     string    `json:"conversation_id"`
	IssueSignature     string    `json:"issue_signature"`
	Facets             Facets    `json:"facets"`
	DiagnosticSummary  string    `json:"diagnostic_summary,omitempty"`
	KeyExcerpts        []string  `json:"key_excerpts"`
	ResolutionAction   string    `json:"resolution_action,omitempty"`
	ResolutionCategory string    `json:"resolution_category,omitempty"`
	ExtractedAt        time.Time `json:"extracted_at,omitempty"`
}

// Validate checks if the theme has valid field values
func (t *RawTheme) Validate() error {
	if strings.TrimSpace(t.ConversationID) == "" {
		return &ValidationError{Reason: "conversation_id is required"}
	}
	if strings.TrimSpace(t.IssueSignature) == "" {
		return &ValidationError{Reason: fmt.Sprintf("issue_signature is required for conversation %s", t.ConversationID)}
	}
	return nil
}

// RelationshipCategory classifies how two raw signature terms relate for
// canonicalization purposes.
type RelationshipCategory string

const (
	// RelSimilarUX marks terms that users routinely confuse; they merge into
	// one canonical signature, disambiguated at the excerpt level.
	RelSimilarUX RelationshipCategory = "SIMILAR_UX"

	// RelDifferentModel marks terms sharing an implementation path but with
	// high exclusivity; they stay distinct but linked for engineering triage.
	RelDifferentModel RelationshipCategory = "DIFFERENT_MODEL"

	// RelNameConfusion marks lexically overlapping terms with low
	// co-occurrence; distinct, annotated to prevent accidental merging.
	RelNameConfusion RelationshipCategory = "NAME_CONFUSION"

	// RelDistinct means no relationship entry is kept.
	RelDistinct RelationshipCategory = "DISTINCT"
)

// IsValid checks if the relationship category value is valid
func (c RelationshipCategory) IsValid() bool {
	switch c {
	case RelSimilarUX, RelDifferentModel, RelNameConfusion, RelDistinct:
		return true
	}
	return false
}

// ParseRelationshipCategory converts a config string into a category.
// Unknown values are a configuration error: fail fast rather than guess.
func ParseRelationshipCategory(s string) (RelationshipCategory, error) {
	c := RelationshipCategory(strings.ToUpper(strings.TrimSpace(s)))
	if !c.IsValid() {
		return "", &ConfigurationError{Reason: fmt.Sprintf("unknown relationship category: %q", s)}
	}
	return c, nil
}

// RelationshipRecord captures how a canonical signature was resolved against
// another signature via the term-distinction rules.
type RelationshipRecord struct {
	Category    RelationshipCategory `json:"category"`
	Counterpart string               `json:"counterpart"`
	Guidance    string               `json:"guidance,omitempty"`
}

// CanonicalSignature is the de-duplicated name under which all aliased raw
// signatures for the same underlying issue are grouped. Aliases may be
// appended within a single pipeline run; cross-run changes require
// revalidation.
type CanonicalSignature struct {
	Name         string              `json:"name"`
	Aliases      []string            `json:"aliases,omitempty"`
	Relationship *RelationshipRecord `json:"relationship,omitempty"`
	UpdatedAt    time.Time           `json:"updated_at,omitempty"`
}

// HasAlias reports whether raw maps to this canonical signature.
func (c *CanonicalSignature) HasAlias(raw string) bool {
	if raw == c.Name {
		return true
	}
	for _, a := range c.Aliases {
		if a == raw {
			return true
		}
	}
	return false
}

// AddAlias appends a raw signature alias if not already present.
func (c *CanonicalSignature) AddAlias(raw string) {
	if raw == "" || c.HasAlias(raw) {
		return
	}
	c.Aliases = append(c.Aliases, raw)
}

// CandidateGroup is a canonical signature plus the conversations currently
// attributed to it within one pipeline run.
//
// Invariant: a conversation ID appears in at most one CandidateGroup at any
// point in the run. The pipeline enforces this at grouping time; Validate
// rejects groups that already violate it.
type CandidateGroup struct {
	Signature     *CanonicalSignature `json:"signature"`
	Conversations []*RawTheme         `json:"conversations"`
}

// Validate checks the group is non-empty, well-formed, and free of duplicate
// conversation IDs. Malformed groups are rejected before any external call.
func (g *CandidateGroup) Validate() error {
	if g.Signature == nil || strings.TrimSpace(g.Signature.Name) == "" {
		return &ValidationError{Reason: "candidate group has no canonical signature"}
	}
	if len(g.Conversations) == 0 {
		return &ValidationError{Reason: fmt.Sprintf("candidate group %q has no conversations", g.Signature.Name)}
	}
	seen := make(map[string]bool, len(g.Conversations))
	for i, conv := range g.Conversations {
		if conv == nil {
			return &ValidationError{Reason: fmt.Sprintf("candidate group %q: conversation at index %d is nil", g.Signature.Name, i)}
		}
		if err := conv.Validate(); err != nil {
			return err
		}
		if seen[conv.ConversationID] {
			return &ValidationError{Reason: fmt.Sprintf("candidate group %q: duplicate conversation %s", g.Signature.Name, conv.ConversationID)}
		}
		seen[conv.ConversationID] = true
	}
	return nil
}

// ConversationIDs returns the distinct conversation IDs in the group, sorted.
func (g *CandidateGroup) ConversationIDs() []string {
	ids := make([]string, 0, len(g.Conversations))
	for _, conv := range g.Conversations {
		ids = append(ids, conv.ConversationID)
	}
	sort.Strings(ids)
	return ids
}

// EvidenceBundle is the supporting material attached to a Story.
type EvidenceBundle struct {
	ConversationIDs []string `json:"conversation_ids"`
	Excerpts        []string `json:"excerpts,omitempty"`
}

// Story is the terminal output of the pipeline: a validated, de-duplicated
// work item. At most one Story exists per canonical signature; re-runs update
// the existing record rather than duplicating it.
type Story struct {
	ID              string         `json:"id"`
	Signature       string         `json:"signature"`
	Title           string         `json:"title"`
	Description     string         `json:"description"`
	ConfidenceScore float64        `json:"confidence_score"`
	ProductArea     string         `json:"product_area,omitempty"`
	Evidence        EvidenceBundle `json:"evidence"`
	EvidenceHash    string         `json:"evidence_hash,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// OrphanRecord holds conversations for a canonical signature that have
// evidence but do not yet clear the story bar. Orphans accumulate across
// runs; a conversation may later graduate into a Story.
type OrphanRecord struct {
	Signature       string    `json:"signature"`
	ConversationIDs []string  `json:"conversation_ids"`
	LastReason      string    `json:"last_reason,omitempty"`
	FallbackCount   int       `json:"fallback_count"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// HasConversation reports whether the orphan already holds the conversation.
func (o *OrphanRecord) HasConversation(id string) bool {
	for _, c := range o.ConversationIDs {
		if c == id {
			return true
		}
	}
	return false
}

// ProcessingResult is the machine-readable observability surface for one
// pipeline run. It is not a domain entity with its own lifecycle.
type ProcessingResult struct {
	RunID                  string    `json:"run_id"`
	StartedAt              time.Time `json:"started_at"`
	FinishedAt             time.Time `json:"finished_at"`
	ConversationsProcessed int       `json:"conversations_processed"`
	GroupsFormed           int       `json:"groups_formed"`
	GroupsReviewed         int       `json:"groups_reviewed"`
	GroupsSplit            int       `json:"groups_split"`
	StoriesCreated         int       `json:"stories_created"`
	StoriesUpdated         int       `json:"stories_updated"`
	OrphansUpdated         int       `json:"orphans_updated"`
	OrphanFallbacks        int       `json:"orphan_fallbacks"`
	ReviewErrors           int       `json:"review_errors"`
	InvariantViolations    int       `json:"invariant_violations"`

	// AffectedSignatures lists canonical signatures that hit a failure path
	// during the run, with where their conversations landed.
	AffectedSignatures []SignatureOutcome `json:"affected_signatures,omitempty"`
}

// SignatureOutcome reports where a canonical signature's conversations landed
// when the run hit a failure path for it.
type SignatureOutcome struct {
	Signature string `json:"signature"`
	Outcome   string `json:"outcome"` // "orphaned", "orphan_fallback", "story"
	Detail    string `json:"detail,omitempty"`
}
