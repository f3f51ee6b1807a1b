// Package story turns validated candidate groups into persisted stories.
// Writes are idempotent: at most one story exists per canonical signature,
// and an unchanged evidence set is a no-op.
package story

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"storymill/internal/storage"
	"storymill/internal/types"
)

// WriteResult reports what a write did.
type WriteResult struct {
	Story   *types.Story
	Created bool // true when a new story row was inserted
	Updated bool // true when an existing story row changed
}

// Writer persists stories keyed by canonical signature.
type Writer struct {
	store storage.Storage
}

// NewWriter creates a story writer.
func NewWriter(store storage.Storage) (*Writer, error) {
	if store == nil {
		return nil, fmt.Errorf("storage is required")
	}
	return &Writer{store: store}, nil
}

// Write upserts the story for the group's canonical signature.
//
// The evidence hash is computed over the sorted conversation IDs. When the
// hash matches the persisted story's, nothing changes and the write returns
// with Created and Updated both false, which is what makes re-running the
// pipeline over the same input converge.
func (w *Writer) Write(ctx context.Context, group *types.CandidateGroup, confidence float64) (*WriteResult, error) {
	if err := group.Validate(); err != nil {
		return nil, err
	}

	ids := group.ConversationIDs()
	hash := EvidenceHash(ids)

	existing, err := w.store.GetStoryBySignature(ctx, group.Signature.Name)
	if err != nil {
		return nil, fmt.Errorf("look up story for %s: %w", group.Signature.Name, err)
	}

	now := time.Now().UTC()
	evidence := buildEvidence(group, ids)

	if existing == nil {
		story := &types.Story{
			ID:              uuid.New().String(),
			Signature:       group.Signature.Name,
			Title:           storyTitle(group),
			Description:     storyDescription(group),
			ConfidenceScore: confidence,
			ProductArea:     productArea(group),
			Evidence:        evidence,
			EvidenceHash:    hash,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := w.store.CreateStory(ctx, story); err != nil {
			return nil, fmt.Errorf("create story for %s: %w", group.Signature.Name, err)
		}
		slog.Info("story created",
			"signature", group.Signature.Name,
			"conversations", len(ids),
			"confidence", confidence)
		return &WriteResult{Story: story, Created: true}, nil
	}

	if existing.EvidenceHash == hash {
		slog.Debug("story unchanged, skipping write",
			"signature", group.Signature.Name, "conversations", len(ids))
		return &WriteResult{Story: existing}, nil
	}

	existing.Title = storyTitle(group)
	existing.Description = storyDescription(group)
	existing.ConfidenceScore = confidence
	existing.Evidence = evidence
	existing.EvidenceHash = hash
	existing.UpdatedAt = now
	if err := w.store.UpdateStory(ctx, existing); err != nil {
		return nil, fmt.Errorf("update story for %s: %w", group.Signature.Name, err)
	}
	slog.Info("story updated",
		"signature", group.Signature.Name,
		"conversations", len(ids),
		"confidence", confidence)
	return &WriteResult{Story: existing, Updated: true}, nil
}

// EvidenceHash hashes a set of conversation IDs. The input is sorted first so
// the hash depends only on set membership, not on arrival order.
func EvidenceHash(conversationIDs []string) string {
	sorted := make([]string, len(conversationIDs))
	copy(sorted, conversationIDs)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\n")))
	return hex.EncodeToString(sum[:])
}

func buildEvidence(group *types.CandidateGroup, ids []string) types.EvidenceBundle {
	var excerpts []string
	for _, conv := range group.Conversations {
		for _, e := range conv.KeyExcerpts {
			if strings.TrimSpace(e) != "" {
				excerpts = append(excerpts, e)
			}
		}
	}
	return types.EvidenceBundle{ConversationIDs: ids, Excerpts: excerpts}
}

func storyTitle(group *types.CandidateGroup) string {
	name := strings.ReplaceAll(group.Signature.Name, "_", " ")
	return fmt.Sprintf("%s (%d conversations)", name, len(group.Conversations))
}

func storyDescription(group *types.CandidateGroup) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Consolidated from %d support conversations reporting %s.\n",
		len(group.Conversations), strings.ReplaceAll(group.Signature.Name, "_", " "))

	summaries := 0
	for _, conv := range group.Conversations {
		if conv.DiagnosticSummary == "" {
			continue
		}
		fmt.Fprintf(&b, "\n- [%s] %s", conv.ConversationID, conv.DiagnosticSummary)
		// Resolution fields are narrative only; they never feed gate scoring.
		if conv.ResolutionAction != "" {
			fmt.Fprintf(&b, " (resolved: %s)", conv.ResolutionAction)
		}
		summaries++
		if summaries >= 10 {
			break
		}
	}
	if group.Signature.Relationship != nil {
		fmt.Fprintf(&b, "\n\nRelated signature: %s (%s)",
			group.Signature.Relationship.Counterpart, group.Signature.Relationship.Category)
	}
	return b.String()
}

// productArea derives a coarse area from the most common surface facet.
func productArea(group *types.CandidateGroup) string {
	counts := make(map[string]int)
	for _, conv := range group.Conversations {
		if s := strings.TrimSpace(conv.Facets.Surface); s != "" {
			counts[s]++
		}
	}
	best, bestN := "", 0
	for s, n := range counts {
		if n > bestN || (n == bestN && s < best) {
			best, bestN = s, n
		}
	}
	return best
}
