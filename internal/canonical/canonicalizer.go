// Package canonical maps raw extracted signatures to canonical signatures
// using the curated term-distinction vocabulary, with embedding-similarity
// clustering as the fallback for uncurated signatures.
package canonical

import (
	"context"
	"log/slog"
	"strings"

	"storymill/internal/ai"
	"storymill/internal/embedding"
	"storymill/internal/types"
	"storymill/internal/vocabulary"
)

// AliasJudge adjudicates canonicalizations where embedding similarity lands
// too close to the threshold to call. Satisfied by *ai.Supervisor.
type AliasJudge interface {
	CheckSignatureAlias(ctx context.Context, raw string, facets types.Facets, canonical *types.CanonicalSignature) (*ai.AliasCheckResponse, error)
}

// Config holds canonicalizer thresholds.
type Config struct {
	// SimilarityThreshold is the calibrated cosine similarity at or above
	// which an uncurated signature aliases to its nearest neighbor.
	SimilarityThreshold float64

	// AmbiguityBand extends below the threshold; a best match inside the band
	// goes to LLM adjudication instead of being declared distinct outright.
	AmbiguityBand float64

	// AliasConfidence is the minimum LLM confidence to accept an adjudicated
	// alias (default 0.6).
	AliasConfidence float64
}

// DefaultConfig returns the default canonicalizer thresholds.
func DefaultConfig() Config {
	return Config{
		SimilarityThreshold: 0.82,
		AmbiguityBand:       0.07,
		AliasConfidence:     0.6,
	}
}

// Validate checks the thresholds are usable.
func (c Config) Validate() error {
	if c.SimilarityThreshold <= 0 || c.SimilarityThreshold > 1 {
		return &types.ConfigurationError{Reason: "similarity threshold must be in (0, 1]"}
	}
	if c.AmbiguityBand < 0 || c.AmbiguityBand >= c.SimilarityThreshold {
		return &types.ConfigurationError{Reason: "ambiguity band must be non-negative and below the similarity threshold"}
	}
	return nil
}

// Canonicalizer resolves raw signatures to canonical ones. The embedder and
// judge are optional collaborators: absence is a configuration state decided
// at construction, and each missing collaborator degrades to the documented
// fail-open behavior (a new canonical signature, never a dropped one).
type Canonicalizer struct {
	vocab    *vocabulary.Store
	embedder embedding.Embedder
	judge    AliasJudge
	cfg      Config
}

// New creates a canonicalizer. vocab must be non-nil (use vocabulary.Empty()
// for runs without a curated table); embedder and judge may be nil.
func New(vocab *vocabulary.Store, embedder embedding.Embedder, judge AliasJudge, cfg Config) (*Canonicalizer, error) {
	if vocab == nil {
		return nil, &types.ConfigurationError{Reason: "vocabulary store is required"}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Canonicalizer{vocab: vocab, embedder: embedder, judge: judge, cfg: cfg}, nil
}

// Canonicalize resolves one raw signature within a run. Resolution order:
// session cache (persisted canonicals plus canonicals minted earlier in this
// run, so a batch never fragments one new concept into two canonicals), then
// the curated term-distinction table, then embedding-similarity clustering.
func (c *Canonicalizer) Canonicalize(ctx context.Context, rc *RunContext, rawSignature string, facets types.Facets) (*types.CanonicalSignature, error) {
	raw := normalizeSignature(rawSignature)
	if raw == "" {
		return nil, &types.ValidationError{Reason: "empty issue signature"}
	}

	// Step 1: exact/alias lookup against the session cache.
	if sig, ok := rc.Lookup(raw); ok {
		return sig, nil
	}

	// Step 2: curated term distinctions against every known canonical.
	if sig, resolved := c.resolveCurated(rc, raw); resolved {
		return sig, nil
	}

	// Step 3: embedding-similarity clustering. Any embedding failure fails
	// open to over-segmentation: the signature becomes its own canonical.
	if c.embedder == nil {
		return rc.Mint(raw, nil, nil), nil
	}
	return c.resolveByEmbedding(ctx, rc, raw, facets)
}

// resolveCurated consults the term-distinction table for the raw signature
// against each cached canonical. Returns (sig, true) when a curated entry
// settles the question.
func (c *Canonicalizer) resolveCurated(rc *RunContext, raw string) (*types.CanonicalSignature, bool) {
	for _, canonical := range rc.Canonicals() {
		d, ok := c.vocab.Lookup(raw, canonical.Name)
		if !ok {
			continue
		}
		switch d.Category {
		case types.RelSimilarUX:
			// Routinely confused terms: merge, disambiguate at excerpt level.
			canonical.AddAlias(raw)
			if canonical.Relationship == nil {
				canonical.Relationship = &types.RelationshipRecord{
					Category:    types.RelSimilarUX,
					Counterpart: raw,
					Guidance:    d.Guidance,
				}
			}
			rc.Alias(raw, canonical.Name)
			return canonical, true
		case types.RelDifferentModel:
			// Same fix family, distinct signature.
			return rc.Mint(raw, nil, &types.RelationshipRecord{
				Category:    types.RelDifferentModel,
				Counterpart: canonical.Name,
				Guidance:    d.Guidance,
			}), true
		case types.RelNameConfusion:
			// Lexical lookalikes; annotate so nothing merges them later.
			return rc.Mint(raw, nil, &types.RelationshipRecord{
				Category:    types.RelNameConfusion,
				Counterpart: canonical.Name,
				Guidance:    d.Guidance,
			}), true
		}
	}
	return nil, false
}

func (c *Canonicalizer) resolveByEmbedding(ctx context.Context, rc *RunContext, raw string, facets types.Facets) (*types.CanonicalSignature, error) {
	if err := c.ensureVectors(ctx, rc); err != nil {
		slog.Warn("embedding service unavailable, minting new canonical", "signature", raw, "error", err)
		return rc.Mint(raw, nil, nil), nil
	}

	vectors, err := c.embedder.Embed(ctx, []string{raw})
	if err != nil || len(vectors) != 1 {
		slog.Warn("failed to embed signature, minting new canonical", "signature", raw, "error", err)
		return rc.Mint(raw, nil, nil), nil
	}
	vector := vectors[0]

	bestName, bestSim := rc.NearestNeighbor(vector)
	if bestName == "" {
		return rc.Mint(raw, vector, nil), nil
	}

	// A curated distinction always wins over embedding similarity. Step 2
	// handles curated pairs up front, but the guard stays here so a
	// DIFFERENT_MODEL or NAME_CONFUSION pair can never merge no matter how
	// close the vectors are.
	if d, ok := c.vocab.Lookup(raw, bestName); ok && d.Category != types.RelSimilarUX {
		slog.Info("curated distinction overrides embedding similarity",
			"signature", raw, "neighbor", bestName, "category", string(d.Category), "similarity", bestSim)
		return rc.Mint(raw, vector, &types.RelationshipRecord{
			Category:    d.Category,
			Counterpart: bestName,
			Guidance:    d.Guidance,
		}), nil
	}

	if bestSim >= c.cfg.SimilarityThreshold {
		sig := rc.MustGet(bestName)
		sig.AddAlias(raw)
		rc.Alias(raw, bestName)
		return sig, nil
	}

	// Ambiguous band: let the model reason about it. An adjudication failure
	// resolves the same way as "below threshold": mint, never drop.
	if c.judge != nil && bestSim >= c.cfg.SimilarityThreshold-c.cfg.AmbiguityBand {
		sig := rc.MustGet(bestName)
		resp, err := c.judge.CheckSignatureAlias(ctx, raw, facets, sig)
		if err != nil {
			slog.Warn("alias adjudication failed, minting new canonical", "signature", raw, "error", err)
			return rc.Mint(raw, vector, nil), nil
		}
		if resp.SameIssue && resp.Confidence >= c.cfg.AliasConfidence {
			slog.Debug("alias adjudicated as same issue",
				"signature", raw, "canonical", bestName, "confidence", resp.Confidence)
			sig.AddAlias(raw)
			rc.Alias(raw, bestName)
			return sig, nil
		}
	}

	return rc.Mint(raw, vector, nil), nil
}

// ensureVectors lazily embeds any cached canonical names that do not have a
// vector yet, in one batch.
func (c *Canonicalizer) ensureVectors(ctx context.Context, rc *RunContext) error {
	missing := rc.NamesWithoutVectors()
	if len(missing) == 0 {
		return nil
	}
	vectors, err := c.embedder.Embed(ctx, missing)
	if err != nil {
		return err
	}
	for i, name := range missing {
		rc.SetVector(name, vectors[i])
	}
	return nil
}

// normalizeSignature lowercases and collapses separators so "Scheduled Pin"
// and "scheduled_pin" hit the same cache entry.
func normalizeSignature(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "-", "_")
	s = strings.Join(strings.Fields(s), "_")
	return s
}
