package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/xiy/chatmem/internal/embeddings"
	"github.com/xiy/chatmem/internal/fault"
	"github.com/xiy/chatmem/internal/store"
	"github.com/xiy/chatmem/pkg/types"
)

// LongTermOptions tunes ranking and provider timeouts.
type LongTermOptions struct {
	Weights       types.RankWeights
	HalfLife      time.Duration
	CandidatePool int
	EmbedTimeout  time.Duration
}

// RetrieveOptions adjusts one retrieval.
type RetrieveOptions struct {
	// Weights overrides the configured weights when non-nil.
	Weights           *types.RankWeights
	ExcludeExternalID string
	ConversationID    string
}

// LongTerm indexes utterances into the persistent store and ranks them for retrieval.
type LongTerm struct {
	store    store.Store
	index    store.VectorIndex
	embedder embeddings.Provider
	opts     LongTermOptions
	logger   *log.Logger
	now      func() time.Time
}

// NewLongTerm wires the store, vector index and embedder. A nil index
// falls back to the store's own nearest-neighbor scan.
func NewLongTerm(st store.Store, idx store.VectorIndex, emb embeddings.Provider, opts LongTermOptions, logger *log.Logger) (*LongTerm, error) {
	if st == nil || emb == nil {
		return nil, errors.New("store and embedder are required")
	}
	if opts.CandidatePool <= 0 {
		opts.CandidatePool = 200
	}
	if opts.HalfLife <= 0 {
		opts.HalfLife = 14 * 24 * time.Hour
	}
	if idx == nil {
		idx = store.NewExactIndex(st)
	}
	return &LongTerm{
		store:    st,
		index:    idx,
		embedder: emb,
		opts:     opts,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Index stores u once per external id.
func (l *LongTerm) Index(ctx context.Context, u types.Utterance) (types.IndexResult, error) {
	if err := u.Validate(); err != nil {
		return types.IndexResult{}, fault.Wrap(fault.InvalidInput, "ltm index", err)
	}
	exists, err := l.store.HasExternalID(ctx, u.ExternalID)
	if err != nil {
		return types.IndexResult{}, fault.Wrap(fault.ProviderUnavailable, "ltm index", err)
	}
	if exists {
		return l.skipped(ctx, u.ExternalID)
	}

	vec, err := l.embed(ctx, u.Text)
	if err != nil {
		return types.IndexResult{}, err
	}

	rec := types.MemoryRecord{
		RecordID:       uuid.NewString(),
		ExternalID:     u.ExternalID,
		ConversationID: u.ConversationID,
		AuthorID:       u.AuthorID,
		AuthorDisplay:  u.AuthorDisplay,
		Text:           strings.TrimSpace(u.Text),
		Embedding:      vec,
		Lore:           ClassifyLore(u.Text),
		Engagement:     Engagement(u.ReactionCount, u.ReplyCount, u.Pinned),
		IsAgent:        u.IsAgent,
		Timestamp:      u.Timestamp.UTC(),
		IndexedAt:      l.now(),
	}
	inserted, err := l.store.InsertRecord(ctx, rec)
	if err != nil {
		return types.IndexResult{}, fault.Wrap(fault.ProviderUnavailable, "ltm index", err)
	}
	if !inserted {
		// Lost a race with another indexer for the same external id.
		return l.skipped(ctx, u.ExternalID)
	}
	if err := l.index.Add(ctx, rec); err != nil {
		l.logger.Warn("vector index add failed; record stays in store", "record_id", rec.RecordID, "error", err)
	}
	return types.IndexResult{Status: types.Indexed, RecordID: rec.RecordID}, nil
}

// skipped reports the record already stored under externalID.
func (l *LongTerm) skipped(ctx context.Context, externalID string) (types.IndexResult, error) {
	rec, err := l.store.GetByExternalID(ctx, externalID)
	if err != nil {
		return types.IndexResult{}, fault.Wrap(fault.ProviderUnavailable, "ltm index", err)
	}
	return types.IndexResult{Status: types.Skipped, RecordID: rec.RecordID}, nil
}

// Retrieve returns at most k records ordered by combined score, newest first
// on ties. On failure it returns an empty slice together with a classified
// error; callers continue without long-term memory.
func (l *LongTerm) Retrieve(ctx context.Context, query string, k int, opts RetrieveOptions) ([]types.ScoredRecord, error) {
	out := []types.ScoredRecord{}
	if k <= 0 || strings.TrimSpace(query) == "" {
		return out, nil
	}
	w := l.opts.Weights
	if opts.Weights != nil {
		w = *opts.Weights
	}

	vec, err := l.embed(ctx, query)
	if err != nil {
		return out, err
	}
	neighbors, err := l.index.Nearest(ctx, vec, max(l.opts.CandidatePool, k+1), opts.ConversationID)
	if err != nil {
		return out, fault.Wrap(fault.ProviderUnavailable, "ltm retrieve", err)
	}

	sim := make(map[string]float64, len(neighbors))
	ids := make([]string, 0, len(neighbors))
	for _, n := range neighbors {
		if _, dup := sim[n.RecordID]; dup {
			continue
		}
		sim[n.RecordID] = n.Similarity
		ids = append(ids, n.RecordID)
	}
	recs, err := l.store.GetRecords(ctx, ids)
	if err != nil {
		return out, fault.Wrap(fault.ProviderUnavailable, "ltm retrieve", err)
	}

	now := l.now()
	seen := make(map[string]struct{}, len(recs))
	for _, rec := range recs {
		if _, dup := seen[rec.RecordID]; dup {
			continue
		}
		seen[rec.RecordID] = struct{}{}
		if opts.ExcludeExternalID != "" && rec.ExternalID == opts.ExcludeExternalID {
			continue
		}
		s := sim[rec.RecordID]
		r := RecencyDecay(now.Sub(rec.Timestamp), l.opts.HalfLife)
		e := rec.Engagement
		rec.Embedding = nil
		out = append(out, types.ScoredRecord{
			Record:     rec,
			Score:      w.Similarity*s + w.Recency*r + w.Engagement*e,
			Similarity: s,
			Recency:    r,
			Engagement: e,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if !out[i].Record.Timestamp.Equal(out[j].Record.Timestamp) {
			return out[i].Record.Timestamp.After(out[j].Record.Timestamp)
		}
		return out[i].Record.RecordID < out[j].Record.RecordID
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// Stats proxies store counters.
func (l *LongTerm) Stats(ctx context.Context) (store.Stats, error) {
	return l.store.Stats(ctx)
}

func (l *LongTerm) embed(ctx context.Context, text string) ([]float32, error) {
	if l.opts.EmbedTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.opts.EmbedTimeout)
		defer cancel()
	}
	vec, err := l.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fault.Wrap(fault.ProviderUnavailable, "embed", err)
	}
	if len(vec) == 0 {
		return nil, fault.Wrap(fault.ProviderUnavailable, "embed", errors.New("empty embedding"))
	}
	return vec, nil
}
