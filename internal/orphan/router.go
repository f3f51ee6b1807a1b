// Package orphan routes conversations that failed the quality gate or the
// coherence review into the recoverable orphan holding area, surviving
// partial failure of the external integration without losing or duplicating
// a conversation.
package orphan

import (
	"context"
	"fmt"
	"log/slog"

	"storymill/internal/storage"
	"storymill/internal/types"
)

// Integration is the external orphan-tracking system (e.g., a tracker sync).
// Attach is called once per conversation and may fail at any point in a
// batch.
type Integration interface {
	Attach(ctx context.Context, signature string, conv *types.RawTheme) error
}

// RoutingOutcome reports what happened to one orphan batch.
type RoutingOutcome struct {
	Signature    string
	Attached     int  // conversations committed to the integration
	FellBack     int  // conversations recorded locally after a failure
	FallbackUsed bool // true when the local-only path was taken
}

// Router attaches failed conversations to orphan records.
type Router struct {
	store       storage.Storage
	integration Integration
}

// NewRouter creates an orphan router. integration may be nil: all
// conversations are then recorded locally only, decided at construction.
func NewRouter(store storage.Storage, integration Integration) (*Router, error) {
	if store == nil {
		return nil, fmt.Errorf("storage is required")
	}
	return &Router{store: store, integration: integration}, nil
}

// Route attaches the conversations to the orphan record for the canonical
// signature.
//
// Partial-failure safety: the processed set records each conversation only
// after its integration attach committed. If the integration fails partway,
// the local-only fallback covers exactly the unprocessed remainder; the
// already-committed conversations are never re-submitted. An empty remainder
// means the failure arrived after the last item and the batch fully
// succeeded.
func (r *Router) Route(ctx context.Context, conversations []*types.RawTheme, signature, reason string) (*RoutingOutcome, error) {
	if len(conversations) == 0 {
		return nil, &types.ValidationError{Reason: "no conversations to route"}
	}
	if signature == "" {
		return nil, &types.ValidationError{Reason: "canonical signature is required for orphan routing"}
	}

	outcome := &RoutingOutcome{Signature: signature}

	// The local orphan record is the source of truth for "not lost": update
	// it before attempting any external effect.
	ids := make([]string, 0, len(conversations))
	for _, conv := range conversations {
		ids = append(ids, conv.ConversationID)
	}
	if err := r.store.UpsertOrphan(ctx, signature, ids, reason); err != nil {
		return nil, fmt.Errorf("upsert orphan record for %s: %w", signature, err)
	}

	// No integration configured: local recording is the whole job, not a
	// fallback from anything.
	if r.integration == nil {
		return outcome, nil
	}

	processed := make(map[string]bool, len(conversations))
	var attachErr error
	for _, conv := range conversations {
		if err := r.integration.Attach(ctx, signature, conv); err != nil {
			attachErr = err
			break
		}
		processed[conv.ConversationID] = true
		outcome.Attached++
	}

	if attachErr == nil {
		return outcome, nil
	}

	// Compute the unprocessed remainder and fall back to local-only
	// bookkeeping for exactly those conversations.
	var remaining []*types.RawTheme
	for _, conv := range conversations {
		if !processed[conv.ConversationID] {
			remaining = append(remaining, conv)
		}
	}

	if len(remaining) == 0 {
		// Failure after the last item was committed: the batch succeeded.
		return outcome, nil
	}

	slog.Warn("orphan integration failed mid-batch, falling back for remainder",
		"signature", signature,
		"attached", outcome.Attached,
		"remaining", len(remaining),
		"error", attachErr)

	remainingIDs := make([]string, 0, len(remaining))
	for _, conv := range remaining {
		remainingIDs = append(remainingIDs, conv.ConversationID)
	}
	fallbackReason := fmt.Sprintf("%s (integration fallback: %v)", reason, attachErr)
	if err := r.store.RecordOrphanFallback(ctx, signature, remainingIDs, fallbackReason); err != nil {
		return nil, fmt.Errorf("record orphan fallback for %s: %w", signature, err)
	}

	outcome.FellBack = len(remaining)
	outcome.FallbackUsed = true
	return outcome, nil
}
