// Package skillrouter implements the Skill Embedding Store (C4) and the
// Hybrid Skill Router (C5): an in-memory cosine-similarity index over skill
// descriptions, and a two-stage semantic + LLM-classifier router with a TTL
// result cache sitting in front of it.
package skillrouter

import (
	"context"
	"sort"
	"sync"

	"github.com/haasonsaas/nexus/internal/memory/embeddings"
)

// SkillMeta is the lightweight metadata kept alongside each skill's
// embedding — the Store does not own the skill's full prompt content, only
// enough to identify it for routing.
type SkillMeta struct {
	Name        string
	Description string
}

// Candidate is one scored result from FindSimilar.
type Candidate struct {
	Name  string
	Score float32
}

// index is the immutable snapshot swapped in on rebuild, so readers never
// observe a torn mix of old and new entries.
type index struct {
	names      []string
	vectors    [][]float32
	metaByName map[string]SkillMeta
}

// Store holds unit-length skill embeddings for cosine-similarity lookup.
// Reads are lock-free against a stable snapshot; rebuilds swap the snapshot
// pointer atomically under a mutex, so concurrent readers see either the
// previous or the new index, never a torn one.
type Store struct {
	provider embeddings.Provider

	mu  sync.RWMutex
	idx *index
}

// NewStore returns an empty Store backed by provider for embedding queries
// and skill descriptions.
func NewStore(provider embeddings.Provider) *Store {
	return &Store{
		provider: provider,
		idx:      &index{metaByName: map[string]SkillMeta{}},
	}
}

// IndexSkills embeds and installs the given skills as the new index,
// replacing whatever was indexed before. It tries EmbedBatch first; if the
// batch call fails, it falls back to embedding each skill individually so a
// single bad description does not sink the whole reindex.
func (s *Store) IndexSkills(ctx context.Context, skills []SkillMeta) error {
	texts := make([]string, len(skills))
	for i, sk := range skills {
		texts[i] = sk.Description
	}

	vectors, err := s.provider.EmbedBatch(ctx, texts)
	if err != nil {
		vectors = make([][]float32, len(skills))
		for i, text := range texts {
			v, embedErr := s.provider.Embed(ctx, text)
			if embedErr != nil {
				return embedErr
			}
			vectors[i] = v
		}
	}

	next := &index{
		names:      make([]string, len(skills)),
		vectors:    make([][]float32, len(skills)),
		metaByName: make(map[string]SkillMeta, len(skills)),
	}
	for i, sk := range skills {
		next.names[i] = sk.Name
		next.vectors[i] = normalize(vectors[i])
		next.metaByName[sk.Name] = sk
	}

	s.mu.Lock()
	s.idx = next
	s.mu.Unlock()
	return nil
}

// FindSimilar returns up to topK candidates with cosine similarity >=
// minScore against queryVec, sorted by descending score.
func (s *Store) FindSimilar(queryVec []float32, topK int, minScore float32) []Candidate {
	s.mu.RLock()
	idx := s.idx
	s.mu.RUnlock()

	q := normalize(queryVec)
	candidates := make([]Candidate, 0, len(idx.names))
	for i, name := range idx.names {
		score := cosineSimilarity(q, idx.vectors[i])
		if score >= minScore {
			candidates = append(candidates, Candidate{Name: name, Score: score})
		}
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Score > candidates[j].Score })
	if topK > 0 && len(candidates) > topK {
		candidates = candidates[:topK]
	}
	return candidates
}

// Meta returns the metadata for a skill name, if indexed.
func (s *Store) Meta(name string) (SkillMeta, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.idx.metaByName[name]
	return m, ok
}

// Embed delegates to the underlying provider, exposed so the Router can
// embed the query once and reuse it.
func (s *Store) Embed(ctx context.Context, text string) ([]float32, error) {
	return s.provider.Embed(ctx, text)
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dotProduct, normA, normB float32
	for i := range a {
		dotProduct += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dotProduct / (sqrt32(normA) * sqrt32(normB))
}

func sqrt32(x float32) float32 {
	if x <= 0 {
		return 0
	}
	z := x
	for i := 0; i < 10; i++ {
		z = (z + x/z) / 2
	}
	return z
}

// normalize returns a unit-length copy of v (cosine similarity is scale
// invariant, but storing unit vectors keeps dot products cheap to compare).
func normalize(v []float32) []float32 {
	var sumSq float32
	for _, x := range v {
		sumSq += x * x
	}
	if sumSq == 0 {
		return v
	}
	norm := sqrt32(sumSq)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}
