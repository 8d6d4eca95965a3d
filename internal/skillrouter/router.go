package skillrouter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ModelTier is the abstract difficulty class selecting a concrete model.
type ModelTier string

const (
	TierFast     ModelTier = "fast"
	TierBalanced ModelTier = "balanced"
	TierSmart    ModelTier = "smart"
	TierCoding   ModelTier = "coding"
	TierDeep     ModelTier = "deep"
)

// ParseModelTier maps a raw string to a known tier, defaulting unknown
// values to balanced.
func ParseModelTier(raw string) ModelTier {
	switch ModelTier(strings.ToLower(strings.TrimSpace(raw))) {
	case TierFast, TierBalanced, TierSmart, TierCoding, TierDeep:
		return ModelTier(strings.ToLower(raw))
	default:
		return TierBalanced
	}
}

// MatchResult is what Match returns: the selected skill (empty for "no
// match"), its confidence, the chosen model tier, and routing metadata.
type MatchResult struct {
	Skill             string
	Confidence        float32
	ModelTier         ModelTier
	Reason            string
	Cached            bool
	LLMClassifierUsed bool
}

func noMatch(reason string) MatchResult {
	return MatchResult{ModelTier: TierFast, Reason: reason}
}

// ClassifierReply is the strict JSON shape the LLM classifier must reply
// with: {"skill": "...", "confidence": 0.0, "model_tier": "...", "reason": "..."}.
type ClassifierReply struct {
	Skill      string  `json:"skill"`
	Confidence float64 `json:"confidence"`
	ModelTier  string  `json:"model_tier"`
	Reason     string  `json:"reason"`
}

// Classifier is the LLM-backed stage-2 classifier port.
type Classifier interface {
	Classify(ctx context.Context, query string, candidates []Candidate, recentMessages []string) (ClassifierReply, error)
}

// Config tunes the Router's thresholds and cache sizing.
type Config struct {
	TopK                   int
	MinScore               float32
	SkipClassifierThreshold float32
	CacheTTL               time.Duration
	CacheMaxSize           int
	RoutingTimeout         time.Duration
}

// DefaultConfig returns the spec defaults: skip-classifier threshold 0.95,
// 60 minute cache TTL, and a 400ms routing timeout.
func DefaultConfig() Config {
	return Config{
		TopK:                    5,
		MinScore:                0,
		SkipClassifierThreshold: 0.95,
		CacheTTL:                60 * time.Minute,
		CacheMaxSize:            2000,
		RoutingTimeout:          400 * time.Millisecond,
	}
}

// Router is the Hybrid Skill Router (C5): a semantic pre-filter backed by
// the Skill Embedding Store, falling through to an LLM classifier, with a
// TTL-cached result in front of both stages.
type Router struct {
	store      *Store
	classifier Classifier
	cache      *resultCache
	cfg        Config
}

// NewRouter wires a Store and Classifier with the given Config.
func NewRouter(store *Store, classifier Classifier, cfg Config) *Router {
	return &Router{
		store:      store,
		classifier: classifier,
		cache:      newResultCache(cfg.CacheTTL, cfg.CacheMaxSize),
		cfg:        cfg,
	}
}

// Match runs the two-stage routing algorithm for query, consulting the
// cache first. recentMessages should contain at most the last 3 messages
// for classifier context, per the component design.
func (r *Router) Match(ctx context.Context, query string, candidateUniverse []string, recentMessages []string) MatchResult {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.RoutingTimeout)
	defer cancel()

	resultCh := make(chan MatchResult, 1)
	go func() {
		resultCh <- r.match(ctx, query, candidateUniverse, recentMessages)
	}()

	select {
	case result := <-resultCh:
		return result
	case <-ctx.Done():
		return noMatch("timeout")
	}
}

func (r *Router) match(ctx context.Context, query string, candidateUniverse []string, recentMessages []string) MatchResult {
	fp := fingerprint(query, candidateUniverse)
	if cached, ok := r.cache.get(fp); ok {
		return cached
	}

	queryVec, err := r.store.Embed(ctx, query)
	if err != nil {
		return noMatch(fmt.Sprintf("embed error: %v", err))
	}

	candidates := r.store.FindSimilar(queryVec, r.cfg.TopK, r.cfg.MinScore)

	var result MatchResult
	switch {
	case len(candidates) > 0 && candidates[0].Score >= r.cfg.SkipClassifierThreshold:
		result = MatchResult{
			Skill:             candidates[0].Name,
			Confidence:        candidates[0].Score,
			ModelTier:         TierBalanced,
			Reason:            "semantic high confidence",
			LLMClassifierUsed: false,
		}
	case len(candidates) == 0 && r.classifier != nil:
		result = r.classifyOverFullList(ctx, query, recentMessages)
	default:
		result = r.classify(ctx, query, candidates, recentMessages)
	}

	r.cache.put(fp, result)
	return result
}

// classify invokes the LLM classifier over the semantic candidates, falling
// back to the top semantic candidate on any parse/validation failure.
func (r *Router) classify(ctx context.Context, query string, candidates []Candidate, recentMessages []string) MatchResult {
	if r.classifier == nil {
		return semanticFallback(candidates)
	}

	reply, err := r.classifier.Classify(ctx, query, candidates, last(recentMessages, 3))
	if err != nil {
		return semanticFallback(candidates)
	}
	if !candidateNamed(candidates, reply.Skill) {
		return semanticFallback(candidates)
	}

	return MatchResult{
		Skill:             reply.Skill,
		Confidence:        float32(reply.Confidence),
		ModelTier:         ParseModelTier(reply.ModelTier),
		Reason:            reply.Reason,
		LLMClassifierUsed: true,
	}
}

// classifyOverFullList calls the classifier purely to derive a model tier
// when the semantic stage yielded nothing — every candidate score is 0.
func (r *Router) classifyOverFullList(ctx context.Context, query string, recentMessages []string) MatchResult {
	reply, err := r.classifier.Classify(ctx, query, nil, last(recentMessages, 3))
	if err != nil {
		return noMatch("no candidates")
	}
	return MatchResult{
		ModelTier:         ParseModelTier(reply.ModelTier),
		Reason:            reply.Reason,
		LLMClassifierUsed: true,
	}
}

func semanticFallback(candidates []Candidate) MatchResult {
	if len(candidates) == 0 {
		return noMatch("no candidates")
	}
	return MatchResult{
		Skill:             candidates[0].Name,
		Confidence:        candidates[0].Score,
		ModelTier:         TierBalanced,
		LLMClassifierUsed: false,
		Reason:            "semantic fallback",
	}
}

func candidateNamed(candidates []Candidate, name string) bool {
	for _, c := range candidates {
		if c.Name == name {
			return true
		}
	}
	return false
}

func last(items []string, n int) []string {
	if len(items) <= n {
		return items
	}
	return items[len(items)-n:]
}

// DecodeClassifierReply parses the strict JSON shape a classifier prompt is
// expected to produce, for classifier implementations built around a raw
// LLM text response rather than a structured port.
func DecodeClassifierReply(raw string) (ClassifierReply, error) {
	var reply ClassifierReply
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		return ClassifierReply{}, fmt.Errorf("decode classifier reply: %w", err)
	}
	return reply, nil
}
