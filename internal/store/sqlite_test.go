package store

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/xiy/chatmem/pkg/types"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	logger := log.NewWithOptions(io.Discard, log.Options{})
	st, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "memories.db"), logger)
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func record(id, ext, convo string, vec []float32, ts time.Time) types.MemoryRecord {
	return types.MemoryRecord{
		RecordID:       id,
		ExternalID:     ext,
		ConversationID: convo,
		AuthorID:       "u1",
		AuthorDisplay:  "alice",
		Text:           "text for " + ext,
		Embedding:      vec,
		Lore:           types.LoreRegular,
		Engagement:     0.2,
		Timestamp:      ts,
		IndexedAt:      ts,
	}
}

func TestSQLiteStore_InsertIsIdempotentByExternalID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)
	now := time.Now().UTC()

	ok, err := st.InsertRecord(ctx, record("r1", "m1", "c1", []float32{1, 0}, now))
	if err != nil {
		t.Fatalf("InsertRecord(first) error = %v", err)
	}
	if !ok {
		t.Fatal("expected first insert to write a row")
	}
	ok, err = st.InsertRecord(ctx, record("r2", "m1", "c1", []float32{1, 0}, now))
	if err != nil {
		t.Fatalf("InsertRecord(duplicate) error = %v", err)
	}
	if ok {
		t.Fatal("expected duplicate external id to be skipped")
	}

	n, err := st.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 record, got %d", n)
	}
	has, err := st.HasExternalID(ctx, "m1")
	if err != nil || !has {
		t.Fatalf("HasExternalID(m1) = %v, %v; want true, nil", has, err)
	}
	got, err := st.GetByExternalID(ctx, "m1")
	if err != nil {
		t.Fatalf("GetByExternalID() error = %v", err)
	}
	if got.RecordID != "r1" || len(got.Embedding) != 2 {
		t.Fatalf("unexpected record %+v", got)
	}
}

func TestSQLiteStore_ConcurrentDistinctInserts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)
	now := time.Now().UTC()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i))
			if _, err := st.InsertRecord(ctx, record("r-"+id, "m-"+id, "c1", []float32{float32(i + 1), 1}, now)); err != nil {
				t.Errorf("InsertRecord(%s) error = %v", id, err)
			}
		}(i)
	}
	wg.Wait()

	n, err := st.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 20 {
		t.Fatalf("expected 20 records, got %d", n)
	}
}

func TestSQLiteStore_NearestOrdersBySimilarity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)
	now := time.Now().UTC()

	for _, rec := range []types.MemoryRecord{
		record("r-same", "m1", "c1", []float32{1, 0, 0}, now),
		record("r-close", "m2", "c1", []float32{0.9, 0.1, 0}, now),
		record("r-far", "m3", "c2", []float32{0, 0, 1}, now),
	} {
		if _, err := st.InsertRecord(ctx, rec); err != nil {
			t.Fatalf("InsertRecord(%s) error = %v", rec.RecordID, err)
		}
	}

	got, err := st.Nearest(ctx, []float32{1, 0, 0}, 2, "")
	if err != nil {
		t.Fatalf("Nearest() error = %v", err)
	}
	if len(got) != 2 || got[0].RecordID != "r-same" || got[1].RecordID != "r-close" {
		t.Fatalf("unexpected neighbors %+v", got)
	}

	scoped, err := st.Nearest(ctx, []float32{1, 0, 0}, 10, "c2")
	if err != nil {
		t.Fatalf("Nearest(scoped) error = %v", err)
	}
	if len(scoped) != 1 || scoped[0].RecordID != "r-far" {
		t.Fatalf("expected only c2 record, got %+v", scoped)
	}

	recs, err := st.GetRecords(ctx, []string{"r-far", "missing"})
	if err != nil {
		t.Fatalf("GetRecords() error = %v", err)
	}
	if len(recs) != 1 || recs[0].ConversationID != "c2" {
		t.Fatalf("unexpected records %+v", recs)
	}
}

func TestSQLiteStore_StatsRequestLogsAndRecentMemories(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)

	base := time.Date(2026, 2, 17, 10, 0, 0, 0, time.UTC)
	old := record("r-old", "m-old", "c1", []float32{1, 0}, base.Add(-2*time.Minute))
	old.Lore = types.LoreInsideJoke
	fresh := record("r-new", "m-new", "c2", []float32{0, 1}, base)
	fresh.IsAgent = true
	fresh.AuthorDisplay = ""
	for _, rec := range []types.MemoryRecord{old, fresh} {
		if _, err := st.InsertRecord(ctx, rec); err != nil {
			t.Fatalf("InsertRecord(%s) error = %v", rec.RecordID, err)
		}
	}

	if err := st.InsertMCPRequestLog(ctx, MCPRequestLog{
		Method:     "initialize",
		Success:    true,
		DurationMS: 2,
		CreatedAt:  base.Add(-1 * time.Minute),
	}); err != nil {
		t.Fatalf("InsertMCPRequestLog(initialize) error = %v", err)
	}
	if err := st.InsertMCPRequestLog(ctx, MCPRequestLog{
		Method:     "tools/call",
		ToolName:   "memory_search",
		Success:    false,
		ErrorText:  "query is required",
		DurationMS: 11,
		CreatedAt:  base,
	}); err != nil {
		t.Fatalf("InsertMCPRequestLog(tools/call) error = %v", err)
	}

	logs, err := st.RecentMCPRequestLogs(ctx, 5)
	if err != nil {
		t.Fatalf("RecentMCPRequestLogs() error = %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("expected 2 request logs, got %d", len(logs))
	}
	if logs[0].Method != "tools/call" || logs[0].ToolName != "memory_search" || logs[0].Success {
		t.Fatalf("expected newest request to be failed tools/call memory_search, got %+v", logs[0])
	}

	stats, err := st.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Total != 2 || stats.Agent != 1 || stats.Conversations != 2 || stats.Requests != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats.ByLore[types.LoreInsideJoke] != 1 || stats.ByLore[types.LoreRegular] != 1 {
		t.Fatalf("unexpected lore breakdown %+v", stats.ByLore)
	}

	recent, err := st.RecentMemories(ctx, 5)
	if err != nil {
		t.Fatalf("RecentMemories() error = %v", err)
	}
	if len(recent) != 2 || recent[0].RecordID != "r-new" {
		t.Fatalf("expected r-new first, got %+v", recent)
	}
	if recent[0].Speaker != "u1" {
		t.Fatalf("expected speaker fallback to author id, got %q", recent[0].Speaker)
	}
}

func TestVectorRoundTripAndCosine(t *testing.T) {
	t.Parallel()
	in := []float32{0.5, -1.25, 3}
	blob, err := EncodeVector(in)
	if err != nil {
		t.Fatalf("EncodeVector() error = %v", err)
	}
	out, err := DecodeVector(blob)
	if err != nil {
		t.Fatalf("DecodeVector() error = %v", err)
	}
	for i := range in {
		if in[i] != out[i] {
			t.Fatalf("round trip mismatch at %d: %v != %v", i, in[i], out[i])
		}
	}
	if _, err := DecodeVector(blob[:5]); err == nil {
		t.Fatal("expected truncated blob to fail")
	}
	if _, err := CosineSimilarity([]float32{1}, []float32{1, 2}); err == nil {
		t.Fatal("expected dimension mismatch error")
	}
}

func TestChromemIndex_RebuildsFromSQLite(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)
	now := time.Now().UTC()
	for _, rec := range []types.MemoryRecord{
		record("r1", "m1", "c1", []float32{1, 0, 0}, now),
		record("r2", "m2", "c1", []float32{0, 1, 0}, now),
		record("r3", "m3", "c2", []float32{0, 0, 1}, now),
	} {
		if _, err := st.InsertRecord(ctx, rec); err != nil {
			t.Fatalf("InsertRecord(%s) error = %v", rec.RecordID, err)
		}
	}

	logger := log.NewWithOptions(io.Discard, log.Options{})
	idx, err := OpenChromem(ctx, filepath.Join(t.TempDir(), "vectors"), st, logger)
	if err != nil {
		t.Fatalf("OpenChromem() error = %v", err)
	}
	if idx.Count() != 3 {
		t.Fatalf("expected 3 indexed docs, got %d", idx.Count())
	}

	got, err := idx.Nearest(ctx, []float32{0, 1, 0}, 10, "")
	if err != nil {
		t.Fatalf("Nearest() error = %v", err)
	}
	if len(got) != 3 || got[0].RecordID != "r2" {
		t.Fatalf("expected r2 nearest, got %+v", got)
	}

	scoped, err := idx.Nearest(ctx, []float32{0, 1, 0}, 10, "c2")
	if err != nil {
		t.Fatalf("Nearest(scoped) error = %v", err)
	}
	if len(scoped) != 1 || scoped[0].RecordID != "r3" {
		t.Fatalf("expected only r3 for c2, got %+v", scoped)
	}
}
