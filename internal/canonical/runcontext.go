package canonical

import (
	"time"

	"storymill/internal/embedding"
	"storymill/internal/types"
)

// RunContext is the session-scoped canonicalization cache. It is constructed
// at run start from the persisted canonical signatures, accumulates
// canonicals minted during the run, and is discarded at run end. It must not
// be shared across concurrent runs.
type RunContext struct {
	canonicals map[string]*types.CanonicalSignature // name -> signature
	aliasIndex map[string]string                    // raw alias -> canonical name
	vectors    map[string][]float32                 // canonical name -> embedding
	minted     []string                             // names minted this run, in order
}

// NewRunContext seeds the cache with persisted canonical signatures.
func NewRunContext(persisted []*types.CanonicalSignature) *RunContext {
	rc := &RunContext{
		canonicals: make(map[string]*types.CanonicalSignature, len(persisted)),
		aliasIndex: make(map[string]string),
		vectors:    make(map[string][]float32),
	}
	for _, sig := range persisted {
		rc.canonicals[sig.Name] = sig
		rc.aliasIndex[sig.Name] = sig.Name
		for _, alias := range sig.Aliases {
			rc.aliasIndex[alias] = sig.Name
		}
	}
	return rc
}

// Lookup resolves a normalized raw signature through the alias index.
func (rc *RunContext) Lookup(raw string) (*types.CanonicalSignature, bool) {
	name, ok := rc.aliasIndex[raw]
	if !ok {
		return nil, false
	}
	return rc.canonicals[name], true
}

// MustGet returns a cached canonical by name; the name must exist.
func (rc *RunContext) MustGet(name string) *types.CanonicalSignature {
	return rc.canonicals[name]
}

// Alias records that raw resolves to the named canonical.
func (rc *RunContext) Alias(raw, name string) {
	rc.aliasIndex[raw] = name
}

// Mint creates a new canonical signature for raw, optionally recording its
// embedding vector and relationship annotation.
func (rc *RunContext) Mint(raw string, vector []float32, rel *types.RelationshipRecord) *types.CanonicalSignature {
	sig := &types.CanonicalSignature{
		Name:         raw,
		Relationship: rel,
		UpdatedAt:    time.Now(),
	}
	rc.canonicals[raw] = sig
	rc.aliasIndex[raw] = raw
	if vector != nil {
		rc.vectors[raw] = vector
	}
	rc.minted = append(rc.minted, raw)
	return sig
}

// Canonicals returns all cached canonical signatures.
func (rc *RunContext) Canonicals() []*types.CanonicalSignature {
	sigs := make([]*types.CanonicalSignature, 0, len(rc.canonicals))
	for _, sig := range rc.canonicals {
		sigs = append(sigs, sig)
	}
	return sigs
}

// Minted returns the canonical names minted during this run, in mint order.
func (rc *RunContext) Minted() []string {
	return rc.minted
}

// SetVector records the embedding vector for a canonical name.
func (rc *RunContext) SetVector(name string, vector []float32) {
	rc.vectors[name] = vector
}

// NamesWithoutVectors lists cached canonicals that have no embedding yet.
func (rc *RunContext) NamesWithoutVectors() []string {
	var names []string
	for name := range rc.canonicals {
		if _, ok := rc.vectors[name]; !ok {
			names = append(names, name)
		}
	}
	return names
}

// NearestNeighbor returns the cached canonical whose vector is most similar
// to the query, with its cosine similarity. Returns ("", 0) when no cached
// canonical has a vector.
func (rc *RunContext) NearestNeighbor(vector []float32) (string, float64) {
	bestName := ""
	bestSim := 0.0
	for name, candidate := range rc.vectors {
		sim := embedding.Cosine(vector, candidate)
		if sim > bestSim {
			bestName = name
			bestSim = sim
		}
	}
	return bestName, bestSim
}
