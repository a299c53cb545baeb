package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/courier/internal/classify"
	"github.com/nidhogg/courier/internal/embedding"
)

// Config tunes the memory store.
type Config struct {
	// Decay is the forgetting law applied at read time.
	Decay Decay
	// ExternalTimeout bounds calls to the embedding and categorization
	// functions. Default 5s.
	ExternalTimeout time.Duration
}

// DefaultConfig returns the store defaults.
func DefaultConfig() Config {
	return Config{
		Decay:           DefaultDecay(),
		ExternalTimeout: 5 * time.Second,
	}
}

// Store is the categorized memory store: content goes in through the
// external embedding and categorization functions, and comes back out
// ranked by cosine similarity weighted by decay-adjusted importance.
//
// External calls always happen before any store mutation and outside any
// lock, so a slow model endpoint can't stall unrelated agents.
type Store struct {
	meta       MetaStore
	index      VectorIndex
	embedder   embedding.Provider
	classifier classify.Classifier
	cfg        Config
	clock      func() time.Time
	logger     *zap.Logger
}

// NewStore creates a memory Store.
func NewStore(meta MetaStore, index VectorIndex, embedder embedding.Provider, classifier classify.Classifier, cfg Config, logger *zap.Logger) *Store {
	if cfg.ExternalTimeout <= 0 {
		cfg.ExternalTimeout = DefaultConfig().ExternalTimeout
	}
	if cfg.Decay.HalfLife <= 0 {
		cfg.Decay = DefaultDecay()
	}
	return &Store{
		meta:       meta,
		index:      index,
		embedder:   embedder,
		classifier: classifier,
		cfg:        cfg,
		clock:      time.Now,
		logger:     logger,
	}
}

// SetClock overrides the store's time source. Test hook.
func (s *Store) SetClock(clock func() time.Time) { s.clock = clock }

// StoreRequest describes a memory to ingest. Category and Importance are
// optional; when either is unset the categorization function decides both.
type StoreRequest struct {
	Content         string   `json:"content"`
	Category        Category `json:"category,omitempty"`   // "" = ask the classifier
	Importance      *float64 `json:"importance,omitempty"` // nil = ask the classifier
	Partition       string   `json:"partition"`
	SourceMessageID string   `json:"-"`
}

// Store ingests a memory and returns its id. When categorization is needed
// and the external function fails, the write is rejected rather than
// degraded to an uncategorized record.
func (s *Store) Store(ctx context.Context, req StoreRequest) (*Memory, error) {
	if req.Content == "" {
		return nil, ErrEmptyContent
	}
	if req.Partition == "" {
		return nil, ErrInvalidPartition
	}

	category := req.Category
	importance := 0.5
	if req.Importance != nil {
		importance = clamp01(*req.Importance)
	}
	if category == "" || req.Importance == nil {
		res, err := s.classify(ctx, req.Content)
		if err != nil {
			return nil, err
		}
		if category == "" {
			category = Category(res.Category)
		}
		if req.Importance == nil {
			importance = clamp01(res.Importance)
		}
	}
	if !ValidCategory(category) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCategory, category)
	}

	vec, err := s.embed(ctx, req.Content)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	m := &Memory{
		ID:              uuid.New().String(),
		Content:         req.Content,
		Category:        category,
		Importance:      importance,
		Partition:       req.Partition,
		SourceMessageID: req.SourceMessageID,
		CreatedAt:       now,
		LastAccessAt:    now,
	}
	// Index before inserting the record. If the second write fails, the
	// orphan vector is harmless (recall skips hits with no record), whereas
	// a record with no vector would surface in keyword fallback only.
	if err := s.index.Upsert(ctx, m.ID, vec, m); err != nil {
		return nil, fmt.Errorf("index memory %s: %w", m.ID, err)
	}
	if err := s.meta.Insert(ctx, m); err != nil {
		return nil, fmt.Errorf("insert memory: %w", err)
	}

	s.logger.Debug("memory stored",
		zap.String("id", m.ID),
		zap.String("partition", m.Partition),
		zap.String("category", string(m.Category)),
		zap.Float64("importance", m.Importance))
	return m, nil
}

// RecallRequest describes a retrieval query against one partition (plus
// the inherited global partition).
type RecallRequest struct {
	Query           string   `json:"query"`
	Partition       string   `json:"partition"`
	Category        Category `json:"category,omitempty"` // "" = any
	ImportanceFloor float64  `json:"importance_floor,omitempty"`
	Limit           int      `json:"limit,omitempty"`
}

// Scored is a recalled memory with its ranking score.
type Scored struct {
	*Memory
	Score float64 `json:"score"`
}

// RecallResult is a ranked recall outcome. Degraded is set when the
// embedding function failed and the keyword fallback produced the ranking,
// so callers know the match is non-semantic.
type RecallResult struct {
	Memories []Scored `json:"memories"`
	Degraded bool     `json:"degraded"`
}

// Recall retrieves memories ranked by similarity x decay-adjusted
// importance, ties broken by more recent creation. Every returned memory
// is touched, resetting its decay basis.
//
// The ranking is approximate at the margin: candidates come from a
// similarity search over a bounded window before decay re-ranking, so a
// low-similarity memory whose effective importance would lift it into the
// top results can be missed if it falls outside the window.
func (s *Store) Recall(ctx context.Context, req RecallRequest) (*RecallResult, error) {
	if req.Partition == "" {
		return nil, ErrInvalidPartition
	}
	if req.Category != "" && !ValidCategory(req.Category) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCategory, req.Category)
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}
	partitions := []string{req.Partition}
	if req.Partition != GlobalPartition {
		partitions = append(partitions, GlobalPartition)
	}

	qvec, err := s.embed(ctx, req.Query)
	if err != nil {
		s.logger.Warn("embedding unavailable, falling back to keyword recall", zap.Error(err))
		return s.keywordRecall(ctx, req, partitions, limit)
	}

	// Over-fetch so decay-weighted re-ranking has candidates to drop.
	hits, err := s.index.Search(ctx, qvec, VectorFilter{
		Partitions:    partitions,
		Category:      req.Category,
		MinImportance: req.ImportanceFloor,
	}, limit*4)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	ids := make([]string, len(hits))
	simByID := make(map[string]float64, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
		simByID[h.ID] = h.Score
	}
	records, err := s.meta.GetMany(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load memories: %w", err)
	}

	now := s.clock()
	scored := make([]Scored, 0, len(records))
	for _, m := range records {
		scored = append(scored, Scored{
			Memory: m,
			Score:  simByID[m.ID] * s.cfg.Decay.Effective(m, now),
		})
	}
	return s.finish(ctx, scored, limit, false)
}

// keywordRecall is the degraded path: non-semantic term matching over the
// partition's records, still weighted by decayed importance.
func (s *Store) keywordRecall(ctx context.Context, req RecallRequest, partitions []string, limit int) (*RecallResult, error) {
	records, err := s.meta.List(ctx, partitions)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	now := s.clock()
	var scored []Scored
	for _, m := range records {
		if req.Category != "" && m.Category != req.Category {
			continue
		}
		if m.Importance < req.ImportanceFloor {
			continue
		}
		sim := keywordSimilarity(req.Query, m.Content)
		if sim == 0 {
			continue
		}
		scored = append(scored, Scored{
			Memory: m,
			Score:  sim * s.cfg.Decay.Effective(m, now),
		})
	}
	return s.finish(ctx, scored, limit, true)
}

// finish sorts, trims, and touches the results.
func (s *Store) finish(ctx context.Context, scored []Scored, limit int, degraded bool) (*RecallResult, error) {
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].CreatedAt.After(scored[j].CreatedAt)
	})
	if len(scored) > limit {
		scored = scored[:limit]
	}
	now := s.clock()
	for _, sc := range scored {
		if err := s.meta.Touch(ctx, sc.ID, now); err != nil {
			s.logger.Warn("touch failed", zap.String("id", sc.ID), zap.Error(err))
		}
	}
	return &RecallResult{Memories: scored, Degraded: degraded}, nil
}

// Touch updates a memory's last-access timestamp, resetting its decay
// basis.
func (s *Store) Touch(ctx context.Context, id string) error {
	return s.meta.Touch(ctx, id, s.clock())
}

// Get returns a single memory by id.
func (s *Store) Get(ctx context.Context, id string) (*Memory, error) {
	return s.meta.Get(ctx, id)
}

// Purge removes every memory in the partition from both the record store
// and the vector index. Operator-only; there is no per-record delete.
func (s *Store) Purge(ctx context.Context, partition string) (int, error) {
	if partition == "" {
		return 0, ErrInvalidPartition
	}
	n, err := s.meta.DeletePartition(ctx, partition)
	if err != nil {
		return 0, fmt.Errorf("purge partition %s: %w", partition, err)
	}
	if err := s.index.DeletePartition(ctx, partition); err != nil {
		return n, fmt.Errorf("purge index %s: %w", partition, err)
	}
	s.logger.Info("partition purged", zap.String("partition", partition), zap.Int("removed", n))
	return n, nil
}

// Stats returns per-category record counts.
func (s *Store) Stats(ctx context.Context) (map[Category]int, error) {
	return s.meta.CountByCategory(ctx)
}

func (s *Store) embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ExternalTimeout)
	defer cancel()
	vecs, err := s.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", embedding.ErrEmbeddingFailed, err)
	}
	if len(vecs) == 0 || len(vecs[0]) == 0 {
		return nil, fmt.Errorf("%w: empty result", embedding.ErrEmbeddingFailed)
	}
	return vecs[0], nil
}

func (s *Store) classify(ctx context.Context, text string) (classify.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ExternalTimeout)
	defer cancel()
	res, err := s.classifier.Classify(ctx, text)
	if err != nil {
		return classify.Result{}, fmt.Errorf("%w: %v", classify.ErrCategorizationFailed, err)
	}
	return res, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
