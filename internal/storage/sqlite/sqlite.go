// Package sqlite implements the storage interface on SQLite. All story and
// orphan writes are keyed by canonical signature so repeated runs converge on
// the same rows.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"storymill/internal/types"
)

// DB wraps a SQLite database handle.
type DB struct {
	db   *sql.DB
	path string
}

// New opens (creating if necessary) the database at path and applies the
// schema. Path ":memory:" gives a throwaway in-memory database.
func New(path string) (*DB, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// The mattn driver serializes writes per connection; a single connection
	// avoids SQLITE_BUSY under concurrent upserts.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &DB{db: db, path: path}, nil
}

// Close closes the underlying database handle.
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path.
func (d *DB) Path() string { return d.path }

// --- Canonical signatures ---

// GetCanonicalSignatures returns every persisted canonical signature, ordered
// by name.
func (d *DB) GetCanonicalSignatures(ctx context.Context) ([]*types.CanonicalSignature, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT name, aliases, relationship_category, relationship_counterpart, relationship_guidance, updated_at
		FROM canonical_signatures ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query canonical signatures: %w", err)
	}
	defer rows.Close()

	var sigs []*types.CanonicalSignature
	for rows.Next() {
		var (
			sig         types.CanonicalSignature
			aliasesJSON string
			category    sql.NullString
			counterpart sql.NullString
			guidance    sql.NullString
		)
		if err := rows.Scan(&sig.Name, &aliasesJSON, &category, &counterpart, &guidance, &sig.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan canonical signature: %w", err)
		}
		if err := json.Unmarshal([]byte(aliasesJSON), &sig.Aliases); err != nil {
			return nil, fmt.Errorf("decode aliases for %s: %w", sig.Name, err)
		}
		if category.Valid && category.String != "" {
			sig.Relationship = &types.RelationshipRecord{
				Category:    types.RelationshipCategory(category.String),
				Counterpart: counterpart.String,
				Guidance:    guidance.String,
			}
		}
		sigs = append(sigs, &sig)
	}
	return sigs, rows.Err()
}

// SaveCanonicalSignature upserts one canonical signature by name.
func (d *DB) SaveCanonicalSignature(ctx context.Context, sig *types.CanonicalSignature) error {
	if sig == nil || sig.Name == "" {
		return &types.ValidationError{Reason: "canonical signature name is required"}
	}
	aliases := sig.Aliases
	if aliases == nil {
		aliases = []string{}
	}
	aliasesJSON, err := json.Marshal(aliases)
	if err != nil {
		return fmt.Errorf("encode aliases for %s: %w", sig.Name, err)
	}

	var category, counterpart, guidance string
	if sig.Relationship != nil {
		category = string(sig.Relationship.Category)
		counterpart = sig.Relationship.Counterpart
		guidance = sig.Relationship.Guidance
	}

	updatedAt := sig.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	_, err = d.db.ExecContext(ctx, `
		INSERT INTO canonical_signatures (name, aliases, relationship_category, relationship_counterpart, relationship_guidance, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			aliases = excluded.aliases,
			relationship_category = excluded.relationship_category,
			relationship_counterpart = excluded.relationship_counterpart,
			relationship_guidance = excluded.relationship_guidance,
			updated_at = excluded.updated_at`,
		sig.Name, string(aliasesJSON), category, counterpart, guidance, updatedAt)
	if err != nil {
		return fmt.Errorf("save canonical signature %s: %w", sig.Name, err)
	}
	return nil
}

// --- Stories ---

// GetStoryBySignature returns the story for a canonical signature, or
// (nil, nil) when none exists.
func (d *DB) GetStoryBySignature(ctx context.Context, signature string) (*types.Story, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT id, signature, title, description, confidence_score, product_area,
		       conversation_ids, excerpts, evidence_hash, created_at, updated_at
		FROM stories WHERE signature = ?`, signature)
	story, err := scanStory(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get story for %s: %w", signature, err)
	}
	return story, nil
}

// CreateStory inserts a new story. Fails if a story for the signature already
// exists; callers decide create vs update via GetStoryBySignature.
func (d *DB) CreateStory(ctx context.Context, story *types.Story) error {
	convIDs, excerpts, err := encodeEvidence(&story.Evidence)
	if err != nil {
		return fmt.Errorf("encode evidence for story %s: %w", story.Signature, err)
	}
	_, err = d.db.ExecContext(ctx, `
		INSERT INTO stories (id, signature, title, description, confidence_score, product_area,
		                     conversation_ids, excerpts, evidence_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		story.ID, story.Signature, story.Title, story.Description, story.ConfidenceScore,
		story.ProductArea, convIDs, excerpts, story.EvidenceHash, story.CreatedAt, story.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create story %s: %w", story.Signature, err)
	}
	return nil
}

// UpdateStory replaces the mutable fields of the story row matching the
// signature. CreatedAt is preserved.
func (d *DB) UpdateStory(ctx context.Context, story *types.Story) error {
	convIDs, excerpts, err := encodeEvidence(&story.Evidence)
	if err != nil {
		return fmt.Errorf("encode evidence for story %s: %w", story.Signature, err)
	}
	res, err := d.db.ExecContext(ctx, `
		UPDATE stories SET
			title = ?, description = ?, confidence_score = ?, product_area = ?,
			conversation_ids = ?, excerpts = ?, evidence_hash = ?, updated_at = ?
		WHERE signature = ?`,
		story.Title, story.Description, story.ConfidenceScore, story.ProductArea,
		convIDs, excerpts, story.EvidenceHash, story.UpdatedAt, story.Signature)
	if err != nil {
		return fmt.Errorf("update story %s: %w", story.Signature, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update story %s: %w", story.Signature, err)
	}
	if n == 0 {
		return fmt.Errorf("update story %s: no existing row", story.Signature)
	}
	return nil
}

// ListStories returns all stories ordered by signature.
func (d *DB) ListStories(ctx context.Context) ([]*types.Story, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, signature, title, description, confidence_score, product_area,
		       conversation_ids, excerpts, evidence_hash, created_at, updated_at
		FROM stories ORDER BY signature`)
	if err != nil {
		return nil, fmt.Errorf("list stories: %w", err)
	}
	defer rows.Close()

	var stories []*types.Story
	for rows.Next() {
		story, err := scanStory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan story: %w", err)
		}
		stories = append(stories, story)
	}
	return stories, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStory(row rowScanner) (*types.Story, error) {
	var (
		story        types.Story
		convIDsJSON  string
		excerptsJSON string
	)
	if err := row.Scan(&story.ID, &story.Signature, &story.Title, &story.Description,
		&story.ConfidenceScore, &story.ProductArea, &convIDsJSON, &excerptsJSON,
		&story.EvidenceHash, &story.CreatedAt, &story.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(convIDsJSON), &story.Evidence.ConversationIDs); err != nil {
		return nil, fmt.Errorf("decode conversation ids: %w", err)
	}
	if err := json.Unmarshal([]byte(excerptsJSON), &story.Evidence.Excerpts); err != nil {
		return nil, fmt.Errorf("decode excerpts: %w", err)
	}
	return &story, nil
}

func encodeEvidence(ev *types.EvidenceBundle) (string, string, error) {
	convIDs := ev.ConversationIDs
	if convIDs == nil {
		convIDs = []string{}
	}
	excerpts := ev.Excerpts
	if excerpts == nil {
		excerpts = []string{}
	}
	convJSON, err := json.Marshal(convIDs)
	if err != nil {
		return "", "", err
	}
	excerptJSON, err := json.Marshal(excerpts)
	if err != nil {
		return "", "", err
	}
	return string(convJSON), string(excerptJSON), nil
}

// --- Orphans ---

// GetOrphan returns the orphan record for a signature, or (nil, nil) when
// none exists.
func (d *DB) GetOrphan(ctx context.Context, signature string) (*types.OrphanRecord, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT signature, conversation_ids, last_reason, fallback_count, created_at, updated_at
		FROM orphans WHERE signature = ?`, signature)
	rec, err := scanOrphan(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get orphan %s: %w", signature, err)
	}
	return rec, nil
}

// UpsertOrphan merges the conversation IDs into the orphan record for the
// signature, creating it if absent. IDs already held are not duplicated, so
// re-routing the same conversations is a no-op apart from the reason and
// timestamp refresh.
func (d *DB) UpsertOrphan(ctx context.Context, signature string, conversationIDs []string, reason string) error {
	if signature == "" {
		return &types.ValidationError{Reason: "orphan signature is required"}
	}
	return d.mergeOrphan(ctx, signature, conversationIDs, reason, false)
}

// RecordOrphanFallback is UpsertOrphan plus a fallback_count increment. Used
// when the external integration failed mid-batch and only the remainder is
// recorded locally.
func (d *DB) RecordOrphanFallback(ctx context.Context, signature string, conversationIDs []string, reason string) error {
	if signature == "" {
		return &types.ValidationError{Reason: "orphan signature is required"}
	}
	return d.mergeOrphan(ctx, signature, conversationIDs, reason, true)
}

func (d *DB) mergeOrphan(ctx context.Context, signature string, conversationIDs []string, reason string, fallback bool) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin orphan upsert: %w", err)
	}
	defer tx.Rollback()

	var existingJSON string
	var fallbackCount int
	now := time.Now().UTC()
	err = tx.QueryRowContext(ctx, `
		SELECT conversation_ids, fallback_count FROM orphans WHERE signature = ?`, signature).
		Scan(&existingJSON, &fallbackCount)

	merged := conversationIDs
	switch err {
	case nil:
		var existing []string
		if jsonErr := json.Unmarshal([]byte(existingJSON), &existing); jsonErr != nil {
			return fmt.Errorf("decode orphan conversations for %s: %w", signature, jsonErr)
		}
		seen := make(map[string]bool, len(existing))
		merged = existing
		for _, id := range existing {
			seen[id] = true
		}
		for _, id := range conversationIDs {
			if !seen[id] {
				merged = append(merged, id)
				seen[id] = true
			}
		}
		if fallback {
			fallbackCount++
		}
		mergedJSON, jsonErr := json.Marshal(merged)
		if jsonErr != nil {
			return fmt.Errorf("encode orphan conversations for %s: %w", signature, jsonErr)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE orphans SET conversation_ids = ?, last_reason = ?, fallback_count = ?, updated_at = ?
			WHERE signature = ?`,
			string(mergedJSON), reason, fallbackCount, now, signature)
		if err != nil {
			return fmt.Errorf("update orphan %s: %w", signature, err)
		}
	case sql.ErrNoRows:
		if merged == nil {
			merged = []string{}
		}
		if fallback {
			fallbackCount = 1
		}
		mergedJSON, jsonErr := json.Marshal(merged)
		if jsonErr != nil {
			return fmt.Errorf("encode orphan conversations for %s: %w", signature, jsonErr)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO orphans (signature, conversation_ids, last_reason, fallback_count, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			signature, string(mergedJSON), reason, fallbackCount, now, now)
		if err != nil {
			return fmt.Errorf("insert orphan %s: %w", signature, err)
		}
	default:
		return fmt.Errorf("query orphan %s: %w", signature, err)
	}

	return tx.Commit()
}

func scanOrphan(row rowScanner) (*types.OrphanRecord, error) {
	var (
		rec     types.OrphanRecord
		idsJSON string
	)
	if err := row.Scan(&rec.Signature, &idsJSON, &rec.LastReason, &rec.FallbackCount,
		&rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(idsJSON), &rec.ConversationIDs); err != nil {
		return nil, fmt.Errorf("decode orphan conversations: %w", err)
	}
	return &rec, nil
}

// ListOrphans returns all orphan records ordered by signature.
func (d *DB) ListOrphans(ctx context.Context) ([]*types.OrphanRecord, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT signature, conversation_ids, last_reason, fallback_count, created_at, updated_at
		FROM orphans ORDER BY signature`)
	if err != nil {
		return nil, fmt.Errorf("list orphans: %w", err)
	}
	defer rows.Close()

	var orphans []*types.OrphanRecord
	for rows.Next() {
		rec, err := scanOrphan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan orphan: %w", err)
		}
		orphans = append(orphans, rec)
	}
	return orphans, rows.Err()
}

// --- Runs ---

// RecordRun persists one pipeline run result as JSON.
func (d *DB) RecordRun(ctx context.Context, result *types.ProcessingResult) error {
	if result == nil || result.RunID == "" {
		return &types.ValidationError{Reason: "run result with a run_id is required"}
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode run %s: %w", result.RunID, err)
	}
	_, err = d.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, started_at, finished_at, result)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			result = excluded.result`,
		result.RunID, result.StartedAt, result.FinishedAt, string(payload))
	if err != nil {
		return fmt.Errorf("record run %s: %w", result.RunID, err)
	}
	return nil
}

// GetLastRun returns the most recently started run, or (nil, nil) when the
// runs table is empty.
func (d *DB) GetLastRun(ctx context.Context) (*types.ProcessingResult, error) {
	var payload string
	err := d.db.QueryRowContext(ctx, `
		SELECT result FROM runs ORDER BY started_at DESC LIMIT 1`).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get last run: %w", err)
	}
	var result types.ProcessingResult
	if err := json.Unmarshal([]byte(payload), &result); err != nil {
		return nil, fmt.Errorf("decode last run: %w", err)
	}
	return &result, nil
}
