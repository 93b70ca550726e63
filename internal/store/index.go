package store

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	chromem "github.com/philippgille/chromem-go"

	"github.com/xiy/chatmem/pkg/types"
)

// VectorIndex answers nearest-neighbor queries over stored records.
// SQLite stays the source of truth; an index only maps vectors to record ids.
type VectorIndex interface {
	Add(ctx context.Context, rec types.MemoryRecord) error
	Nearest(ctx context.Context, vec []float32, limit int, conversationID string) ([]Neighbor, error)
}

// ExactIndex delegates to a store's exhaustive scan.
type ExactIndex struct {
	st interface {
		Nearest(ctx context.Context, vec []float32, limit int, conversationID string) ([]Neighbor, error)
	}
}

// NewExactIndex returns a brute-force index over st.
func NewExactIndex(st Store) *ExactIndex {
	return &ExactIndex{st: st}
}

// Add is a no-op; InsertRecord already made the vector searchable.
func (x *ExactIndex) Add(context.Context, types.MemoryRecord) error { return nil }

func (x *ExactIndex) Nearest(ctx context.Context, vec []float32, limit int, conversationID string) ([]Neighbor, error) {
	return x.st.Nearest(ctx, vec, limit, conversationID)
}

const chromemCollection = "memories"

// ChromemIndex keeps a persistent chromem-go collection alongside SQLite.
type ChromemIndex struct {
	col    *chromem.Collection
	logger *log.Logger
}

// OpenChromem opens (or creates) the collection under dir and backfills it
// from src when the two disagree on record count.
func OpenChromem(ctx context.Context, dir string, src *SQLiteStore, logger *log.Logger) (*ChromemIndex, error) {
	db, err := chromem.NewPersistentDB(dir, false)
	if err != nil {
		return nil, fmt.Errorf("open chromem db: %w", err)
	}
	col, err := db.GetOrCreateCollection(chromemCollection, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("open chromem collection: %w", err)
	}
	x := &ChromemIndex{col: col, logger: logger}

	want, err := src.Count(ctx)
	if err != nil {
		return nil, err
	}
	if int64(col.Count()) != want {
		started := time.Now()
		logger.Info("rebuilding vector index", "have", col.Count(), "want", want)
		if err := src.EachRecord(ctx, func(rec types.MemoryRecord) error {
			return x.Add(ctx, rec)
		}); err != nil {
			return nil, fmt.Errorf("rebuild vector index: %w", err)
		}
		logger.Info("vector index rebuilt", "count", col.Count(), "took", time.Since(started))
	}
	return x, nil
}

func (x *ChromemIndex) Add(ctx context.Context, rec types.MemoryRecord) error {
	doc := chromem.Document{
		ID:        rec.RecordID,
		Content:   rec.Text,
		Embedding: rec.Embedding,
		Metadata: map[string]string{
			"conversation_id": rec.ConversationID,
			"external_id":     rec.ExternalID,
		},
	}
	if err := x.col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("chromem add: %w", err)
	}
	return nil
}

func (x *ChromemIndex) Nearest(ctx context.Context, vec []float32, limit int, conversationID string) ([]Neighbor, error) {
	// chromem rejects nResults larger than the collection.
	n := min(limit, x.col.Count())
	if n <= 0 {
		return nil, nil
	}
	var where map[string]string
	if conversationID != "" {
		where = map[string]string{"conversation_id": conversationID}
	}
	res, err := x.col.QueryEmbedding(ctx, vec, n, where, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}
	out := make([]Neighbor, 0, len(res))
	for _, r := range res {
		out = append(out, Neighbor{RecordID: r.ID, Similarity: float64(r.Similarity)})
	}
	return out, nil
}

// Count returns the number of indexed documents.
func (x *ChromemIndex) Count() int { return x.col.Count() }
