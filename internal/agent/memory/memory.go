// Package memory embeds, stores, and recalls long-term facts. Changed
// facts fold into their near-duplicates instead of accumulating, and
// recall filters private categories by access level.
package memory

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/hearthlabs/hearth/internal/agent/access"
	"github.com/hearthlabs/hearth/internal/agent/classify"
	"github.com/hearthlabs/hearth/internal/agent/provider"
	"github.com/hearthlabs/hearth/internal/logging"
	"github.com/hearthlabs/hearth/internal/store"
)

const (
	DefaultDedupThreshold = 0.92
	DefaultRecallLimit    = 5
)

// Categories the classifier and the remember tool may assign.
var Categories = map[string]bool{
	"fact":         true,
	"preference":   true,
	"event":        true,
	"lesson":       true,
	"decision":     true,
	"health":       true,
	"relationship": true,
	"config":       true,
}

// Input is one fact to remember.
type Input struct {
	Content    string
	Category   string
	Source     string
	UserID     int64
	Importance float64
	Permanent  bool
}

// Recalled pairs a memory with its similarity to the query.
type Recalled struct {
	store.Memory
	Similarity float64
}

// Engine owns embedding, dedup, and filtered recall.
type Engine struct {
	store     *store.Store
	llm       provider.Provider
	evaluator provider.Provider
	threshold float64
}

// NewEngine builds the engine; threshold <= 0 selects the default.
func NewEngine(st *store.Store, llm provider.Provider, dedupThreshold float64) *Engine {
	if dedupThreshold <= 0 {
		dedupThreshold = DefaultDedupThreshold
	}
	return &Engine{store: st, llm: llm, threshold: dedupThreshold}
}

// Store embeds and persists unconditionally. Unknown categories become
// "fact"; importance clamps into [0.1, 1.0].
func (e *Engine) Store(ctx context.Context, in Input) (*store.Memory, error) {
	vec, err := e.embedOne(ctx, in.Content)
	if err != nil {
		return nil, err
	}
	return e.insert(ctx, in, vec)
}

// StoreIfNew searches the user's memories for a near-duplicate first.
// A hit updates content/importance/updated_at in place and reports
// created=false; otherwise a fresh row is inserted.
func (e *Engine) StoreIfNew(ctx context.Context, in Input) (m *store.Memory, created bool, err error) {
	vec, err := e.embedOne(ctx, in.Content)
	if err != nil {
		return nil, false, err
	}

	existing, err := e.store.MemoriesForUser(in.UserID, 0)
	if err != nil {
		return nil, false, errors.Wrap(err, "load memories")
	}

	var best *store.Memory
	bestSim := 0.0
	for i := range existing {
		sim := CosineSimilarity(vec, existing[i].Embedding)
		if sim > bestSim {
			bestSim = sim
			best = &existing[i]
		}
	}

	if best != nil && bestSim >= e.threshold {
		importance := clampImportance(in.Importance)
		if err := e.store.UpdateMemory(best.ID, in.Content, importance, vec); err != nil {
			return nil, false, errors.Wrap(err, "fold duplicate")
		}
		logging.G(ctx).WithFields(map[string]any{
			"memory":     best.ID,
			"similarity": bestSim,
		}).Debug("updated near-duplicate memory")
		best.Content = in.Content
		best.Importance = importance
		best.Embedding = vec
		return best, false, nil
	}

	mem, err := e.insert(ctx, in, vec)
	if err != nil {
		return nil, false, err
	}
	return mem, true, nil
}

func (e *Engine) insert(ctx context.Context, in Input, vec []float32) (*store.Memory, error) {
	if err := e.guardDimensions(len(vec)); err != nil {
		return nil, err
	}

	category := strings.ToLower(strings.TrimSpace(in.Category))
	if !Categories[category] {
		if category != "" {
			logging.G(ctx).WithField("category", category).Debug("unknown memory category, storing as fact")
		}
		category = "fact"
	}

	m := &store.Memory{
		ID:         uuid.NewString(),
		UserID:     in.UserID,
		Content:    strings.TrimSpace(in.Content),
		Category:   category,
		Importance: clampImportance(in.Importance),
		Permanent:  in.Permanent,
		Source:     in.Source,
		Embedding:  vec,
	}
	if m.Content == "" {
		return nil, classify.New(classify.KindBadRequest, "empty memory content")
	}
	if err := e.store.InsertMemory(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Recall embeds the query and returns the top matches by cosine
// similarity, after dropping private-category memories the requester may
// not see (Rule 760).
func (e *Engine) Recall(ctx context.Context, query string, limit int, requesterUserID int64, requester access.Level) ([]Recalled, error) {
	if limit <= 0 {
		limit = DefaultRecallLimit
	}
	vec, err := e.embedOne(ctx, query)
	if err != nil {
		return nil, err
	}

	all, err := e.store.AllMemories()
	if err != nil {
		return nil, errors.Wrap(err, "load memories")
	}

	matches := make([]Recalled, 0, len(all))
	for _, m := range all {
		if access.Rule760Filters(m.Category, m.UserID, requesterUserID, requester) {
			continue
		}
		sim := CosineSimilarity(vec, m.Embedding)
		if sim <= 0 {
			continue
		}
		matches = append(matches, Recalled{Memory: m, Similarity: sim})
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Similarity > matches[j].Similarity })
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// Forget removes a memory by id.
func (e *Engine) Forget(id string) error {
	return e.store.DeleteMemory(id)
}

// CheckDimensions compares stored vectors against the active embedder
// and wipes when they disagree, since mixed-width vectors cannot be
// ranked together. Returns the number of rows dropped.
func (e *Engine) CheckDimensions(ctx context.Context) (int, error) {
	storedDim, err := e.store.StoredEmbeddingDim()
	if err != nil {
		return 0, errors.Wrap(err, "read stored embedding dim")
	}
	activeDim := e.llm.EmbedDimensions()
	if storedDim == 0 || activeDim == 0 || storedDim == activeDim {
		return 0, nil
	}

	count, err := e.store.CountMemories()
	if err != nil {
		return 0, err
	}
	if err := e.store.WipeMemories(); err != nil {
		return 0, errors.Wrap(err, "wipe memories")
	}
	logging.G(ctx).WithFields(map[string]any{
		"stored_dim": storedDim,
		"active_dim": activeDim,
		"dropped":    count,
	}).Warn("embedding provider changed dimensions, memories reset")
	return count, nil
}

// guardDimensions rejects inserts whose vectors disagree with rows
// already on disk.
func (e *Engine) guardDimensions(dim int) error {
	storedDim, err := e.store.StoredEmbeddingDim()
	if err != nil {
		return errors.Wrap(err, "read stored embedding dim")
	}
	if storedDim != 0 && dim != 0 && storedDim != dim {
		return classify.New(classify.KindBadRequest,
			"embedding dimension mismatch; run doctor or reset memories")
	}
	return nil
}

func (e *Engine) embedOne(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.llm.Embed(ctx, []string{text})
	if err != nil {
		return nil, errors.Wrap(err, "embed")
	}
	if len(vecs) == 0 || len(vecs[0]) == 0 {
		return nil, classify.New(classify.KindEmptyResponse, "embedder returned no vector")
	}
	return vecs[0], nil
}

func clampImportance(v float64) float64 {
	return math.Min(1.0, math.Max(0.1, v))
}

// CosineSimilarity computes the cosine similarity between two vectors.
// Mismatched or empty vectors score zero.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
