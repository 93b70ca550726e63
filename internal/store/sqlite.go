package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	_ "modernc.org/sqlite"

	"github.com/xiy/chatmem/pkg/types"
)

//go:embed schema.sql
var schemaSQL string

// Neighbor is a record id with its cosine similarity to a query vector.
type Neighbor struct {
	RecordID   string
	Similarity float64
}

// Stats summarizes database counters for admin dashboards.
type Stats struct {
	Total         int64                        `json:"total"`
	Agent         int64                        `json:"agent"`
	Conversations int64                        `json:"conversations"`
	ByLore        map[types.LoreCategory]int64 `json:"by_lore"`
	Requests      int64                        `json:"requests"`
}

// MCPRequestLog captures one incoming MCP request handled by the server.
type MCPRequestLog struct {
	ID         int64
	Method     string
	ToolName   string
	Success    bool
	ErrorText  string
	DurationMS int64
	CreatedAt  time.Time
}

// RecentMemory is a compact row for admin dashboards.
type RecentMemory struct {
	RecordID       string
	ConversationID string
	Speaker        string
	Text           string
	Lore           types.LoreCategory
	Engagement     float64
	IsAgent        bool
	Timestamp      time.Time
}

// Store is the persistence surface used by long-term memory.
type Store interface {
	HasExternalID(ctx context.Context, externalID string) (bool, error)
	InsertRecord(ctx context.Context, rec types.MemoryRecord) (bool, error)
	GetByExternalID(ctx context.Context, externalID string) (types.MemoryRecord, error)
	GetRecords(ctx context.Context, ids []string) ([]types.MemoryRecord, error)
	Nearest(ctx context.Context, vec []float32, limit int, conversationID string) ([]Neighbor, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// SQLiteStore is a SQLite-backed memory store.
type SQLiteStore struct {
	db     *sql.DB
	logger *log.Logger
}

// OpenSQLite opens and initializes the SQLite store.
func OpenSQLite(ctx context.Context, dbPath string, logger *log.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// One connection serializes writers; readers never see half-written rows.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init(ctx context.Context) error {
	for _, stmt := range splitSQLStatements(schemaSQL) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			if strings.HasPrefix(strings.ToUpper(stmt), "PRAGMA") {
				s.logger.Warn("pragma not applied", "stmt", stmt, "error", err)
				continue
			}
			return fmt.Errorf("run schema stmt: %w", err)
		}
	}
	return nil
}

func splitSQLStatements(s string) []string {
	parts := strings.Split(s, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p+";")
	}
	return out
}

// HasExternalID reports whether a record with this external id exists.
func (s *SQLiteStore) HasExternalID(ctx context.Context, externalID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM memory_records WHERE external_id = ?`, externalID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("lookup external id: %w", err)
	}
	return n > 0, nil
}

// InsertRecord stores rec unless its external id is already present.
// It reports whether a row was written.
func (s *SQLiteStore) InsertRecord(ctx context.Context, rec types.MemoryRecord) (bool, error) {
	blob, err := EncodeVector(rec.Embedding)
	if err != nil {
		return false, err
	}
	isAgent := 0
	if rec.IsAgent {
		isAgent = 1
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO memory_records (
		record_id, external_id, conversation_id, author_id, author_display, text,
		embedding, lore_category, engagement, is_agent, timestamp, indexed_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(external_id) DO NOTHING`,
		rec.RecordID,
		rec.ExternalID,
		rec.ConversationID,
		rec.AuthorID,
		rec.AuthorDisplay,
		rec.Text,
		blob,
		string(rec.Lore),
		rec.Engagement,
		isAgent,
		rec.Timestamp.UTC().Format(time.RFC3339Nano),
		rec.IndexedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return false, fmt.Errorf("insert record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert rows affected: %w", err)
	}
	return n == 1, nil
}

const recordColumns = `record_id, external_id, conversation_id, author_id, author_display, text,
       embedding, lore_category, engagement, is_agent, timestamp, indexed_at`

// GetRecords loads records by id. Missing ids are silently absent from the result.
func (s *SQLiteStore) GetRecords(ctx context.Context, ids []string) ([]types.MemoryRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM memory_records WHERE record_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("get records: %w", err)
	}
	defer rows.Close()

	out := make([]types.MemoryRecord, 0, len(ids))
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetByExternalID loads one record by its external id.
func (s *SQLiteStore) GetByExternalID(ctx context.Context, externalID string) (types.MemoryRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM memory_records WHERE external_id = ? LIMIT 1`, externalID)
	rec, err := scanRecord(row)
	if err != nil {
		return rec, fmt.Errorf("get record by external id: %w", err)
	}
	return rec, nil
}

// Nearest scores every stored embedding against vec and returns the best
// limit neighbors. An empty conversationID searches all conversations.
func (s *SQLiteStore) Nearest(ctx context.Context, vec []float32, limit int, conversationID string) ([]Neighbor, error) {
	if limit <= 0 {
		return nil, nil
	}
	q := `SELECT record_id, embedding FROM memory_records`
	var args []any
	if conversationID != "" {
		q += ` WHERE conversation_id = ?`
		args = append(args, conversationID)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("scan embeddings: %w", err)
	}
	defer rows.Close()

	var out []Neighbor
	for rows.Next() {
		var (
			id   string
			blob []byte
		)
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scan embedding row: %w", err)
		}
		emb, err := DecodeVector(blob)
		if err != nil {
			s.logger.Warn("skipping undecodable embedding", "record_id", id, "error", err)
			continue
		}
		sim, err := CosineSimilarity(vec, emb)
		if err != nil {
			s.logger.Warn("skipping incomparable embedding", "record_id", id, "error", err)
			continue
		}
		out = append(out, Neighbor{RecordID: id, Similarity: sim})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].RecordID < out[j].RecordID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Count returns the number of stored records.
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM memory_records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// EachRecord streams every stored record in indexing order.
func (s *SQLiteStore) EachRecord(ctx context.Context, fn func(types.MemoryRecord) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM memory_records ORDER BY indexed_at ASC`)
	if err != nil {
		return fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	st := Stats{ByLore: map[types.LoreCategory]int64{}}
	if err := s.db.QueryRowContext(ctx, `SELECT count(*), coalesce(sum(is_agent), 0), count(DISTINCT conversation_id) FROM memory_records`).
		Scan(&st.Total, &st.Agent, &st.Conversations); err != nil {
		return st, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT lore_category, count(*) FROM memory_records GROUP BY lore_category`)
	if err != nil {
		return st, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			lore string
			n    int64
		)
		if err := rows.Scan(&lore, &n); err != nil {
			return st, err
		}
		st.ByLore[types.LoreCategory(lore)] = n
	}
	if err := rows.Err(); err != nil {
		return st, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM mcp_requests`).Scan(&st.Requests); err != nil {
		return st, err
	}
	return st, nil
}

// InsertMCPRequestLog stores one request event for admin observability.
func (s *SQLiteStore) InsertMCPRequestLog(ctx context.Context, rec MCPRequestLog) error {
	ts := rec.CreatedAt.UTC()
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	success := 0
	if rec.Success {
		success = 1
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO mcp_requests (
		method, tool_name, success, error_text, duration_ms, created_at
	) VALUES (?, ?, ?, ?, ?, ?)`,
		strings.TrimSpace(rec.Method),
		strings.TrimSpace(rec.ToolName),
		success,
		strings.TrimSpace(rec.ErrorText),
		rec.DurationMS,
		ts.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert mcp request log: %w", err)
	}
	return nil
}

// RecentMCPRequestLogs returns most recent request events in newest-first order.
func (s *SQLiteStore) RecentMCPRequestLogs(ctx context.Context, limit int) ([]MCPRequestLog, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, method, tool_name, success, error_text, duration_ms, created_at
FROM mcp_requests
ORDER BY created_at DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list mcp request logs: %w", err)
	}
	defer rows.Close()

	items := make([]MCPRequestLog, 0, limit)
	for rows.Next() {
		var (
			row       MCPRequestLog
			success   int
			createdAt string
		)
		if err := rows.Scan(&row.ID, &row.Method, &row.ToolName, &success, &row.ErrorText, &row.DurationMS, &createdAt); err != nil {
			return nil, fmt.Errorf("scan mcp request log: %w", err)
		}
		row.Success = success == 1
		if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			row.CreatedAt = ts
		}
		items = append(items, row)
	}
	return items, rows.Err()
}

// RecentMemories returns compact record rows, newest first by message time.
func (s *SQLiteStore) RecentMemories(ctx context.Context, limit int) ([]RecentMemory, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT record_id, conversation_id, author_id, author_display, text,
       lore_category, engagement, is_agent, timestamp
FROM memory_records
ORDER BY timestamp DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent memories: %w", err)
	}
	defer rows.Close()

	items := make([]RecentMemory, 0, limit)
	for rows.Next() {
		var (
			row               RecentMemory
			authorID, display string
			lore, ts          string
			isAgent           int
		)
		if err := rows.Scan(&row.RecordID, &row.ConversationID, &authorID, &display, &row.Text,
			&lore, &row.Engagement, &isAgent, &ts); err != nil {
			return nil, fmt.Errorf("scan recent memory: %w", err)
		}
		row.Speaker = display
		if strings.TrimSpace(row.Speaker) == "" {
			row.Speaker = authorID
		}
		row.Lore = types.LoreCategory(lore)
		row.IsAgent = isAgent == 1
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			row.Timestamp = t
		}
		items = append(items, row)
	}
	return items, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (types.MemoryRecord, error) {
	var (
		rec           types.MemoryRecord
		blob          []byte
		lore          string
		isAgent       int
		ts, indexedAt string
	)
	if err := sc.Scan(
		&rec.RecordID,
		&rec.ExternalID,
		&rec.ConversationID,
		&rec.AuthorID,
		&rec.AuthorDisplay,
		&rec.Text,
		&blob,
		&lore,
		&rec.Engagement,
		&isAgent,
		&ts,
		&indexedAt,
	); err != nil {
		return rec, err
	}
	emb, err := DecodeVector(blob)
	if err != nil {
		return rec, err
	}
	rec.Embedding = emb
	rec.Lore = types.LoreCategory(lore)
	rec.IsAgent = isAgent == 1
	if rec.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
		return rec, err
	}
	if rec.IndexedAt, err = time.Parse(time.RFC3339Nano, indexedAt); err != nil {
		return rec, err
	}
	return rec, nil
}
