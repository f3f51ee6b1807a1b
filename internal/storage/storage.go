// Package storage defines the persistence interface for canonical
// signatures, stories, orphans, and run results.
package storage

import (
	"context"

	"storymill/internal/storage/sqlite"
	"storymill/internal/types"
)

// Storage is the persistence backend for the pipeline. All orphan and story
// writes are upserts keyed by canonical signature, which is what makes
// re-runs idempotent.
type Storage interface {
	// Canonical signatures
	GetCanonicalSignatures(ctx context.Context) ([]*types.CanonicalSignature, error)
	SaveCanonicalSignature(ctx context.Context, sig *types.CanonicalSignature) error

	// Stories
	GetStoryBySignature(ctx context.Context, signature string) (*types.Story, error) // (nil, nil) when absent
	CreateStory(ctx context.Context, story *types.Story) error
	UpdateStory(ctx context.Context, story *types.Story) error
	ListStories(ctx context.Context) ([]*types.Story, error)

	// Orphans
	GetOrphan(ctx context.Context, signature string) (*types.OrphanRecord, error) // (nil, nil) when absent
	UpsertOrphan(ctx context.Context, signature string, conversationIDs []string, reason string) error
	RecordOrphanFallback(ctx context.Context, signature string, conversationIDs []string, reason string) error
	ListOrphans(ctx context.Context) ([]*types.OrphanRecord, error)

	// Runs
	RecordRun(ctx context.Context, result *types.ProcessingResult) error
	GetLastRun(ctx context.Context) (*types.ProcessingResult, error)

	// Lifecycle
	Close() error
}

// Config holds database configuration.
type Config struct {
	// Path is the SQLite database file path.
	// Special value ":memory:" creates an in-memory database (useful in tests).
	Path string
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{Path: ".storymill/storymill.db"}
}

// NewStorage creates a new SQLite storage backend.
func NewStorage(ctx context.Context, cfg *Config) (Storage, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Path == "" {
		cfg.Path = DefaultConfig().Path
	}
	return sqlite.New(cfg.Path)
}
