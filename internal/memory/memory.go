// Package memory implements the semantic memory store (spec.md §3.7, §4.G):
// a hybrid vector+FTS search over textual memories with time-decayed
// relevance. Vector search is brute-force cosine similarity over float32
// BLOBs — no ANN/vector-index library appears anywhere in the retrieved
// example corpus, so this one piece of the store's math is deliberately
// plain standard library (see DESIGN.md).
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/hivesync/hive/internal/dbx"
	"github.com/hivesync/hive/internal/embedclient"
	"github.com/hivesync/hive/internal/types"
)

// MatchType identifies which search path produced a result (spec.md §4.G).
type MatchType string

const (
	MatchVector MatchType = "vector"
	MatchFTS    MatchType = "fts"
)

// Result is one scored hit from vector_search, fts_search, or find.
type Result struct {
	Memory    types.Memory `json:"memory"`
	Score     float64      `json:"score"`
	MatchType MatchType    `json:"match_type"`
}

// SearchOptions controls vector_search and fts_search (spec.md §4.G).
type SearchOptions struct {
	Limit      int
	Threshold  float64 // vector_search only
	Collection string
}

// FindOptions controls find (spec.md §4.G).
type FindOptions struct {
	Collection string
	Limit      int
	FTS        bool // force fts_search even if an embedder is available
	Expand     bool // if false, truncate content to 200 chars
}

// Stats is stats()'s result.
type Stats struct {
	Memories   int64 `json:"memories"`
	Embeddings int64 `json:"embeddings"`
}

// defaultLimit and defaultThreshold are vector_search's documented
// defaults (spec.md §4.G).
const (
	defaultLimit     = 10
	defaultThreshold = 0.3
	decayHalfLifeDays = 90.0
	truncateLen       = 200
)

// Store is the semantic memory store, backed by the same *dbx.DB as the
// rest of the projection layer. embedder may be nil, in which case find
// always falls back to fts_search.
type Store struct {
	db       *dbx.DB
	embedder *embedclient.Client
}

// New creates a Store. embedder is optional; pass nil to disable
// vector_search and always use fts_search from find.
func New(db *dbx.DB, embedder *embedclient.Client) *Store {
	return &Store{db: db, embedder: embedder}
}

// Store atomically upserts memory and its embedding (spec.md §4.G: "row in
// memories, row in memory_embeddings. On conflict id, update
// content/metadata/collection/confidence; replace embedding.").
// embedding may be nil if no embedder is configured or embedding failed;
// the memory row is still written and remains findable via fts_search.
func (s *Store) Store(ctx context.Context, m types.Memory, embedding []float32) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		metadata, err := marshalMetadata(m.Metadata)
		if err != nil {
			return err
		}
		tags, err := marshalTags(m.Tags)
		if err != nil {
			return err
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = time.Now()
		}

		_, err = tx.ExecContext(ctx, `
INSERT INTO memories (id, content, metadata, collection, created_at, confidence, tags,
	agent_type, session_id, message_role, message_idx, source_path)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	content = excluded.content,
	metadata = excluded.metadata,
	collection = excluded.collection,
	confidence = excluded.confidence,
	tags = excluded.tags`,
			m.ID, m.Content, metadata, m.Collection, m.CreatedAt.UnixMilli(), m.Confidence, tags,
			nullableString(m.AgentType), nullableString(m.SessionID), nullableString(string(m.MessageRole)),
			nullableInt(m.MessageIdx), nullableString(m.SourcePath))
		if err != nil {
			return dbx.Wrap("store memory", err)
		}

		if embedding != nil {
			blob, encErr := encodeEmbedding(embedding)
			if encErr != nil {
				return encErr
			}
			if _, err := tx.ExecContext(ctx, `
INSERT INTO memory_embeddings (memory_id, embedding, dim) VALUES (?, ?, ?)
ON CONFLICT(memory_id) DO UPDATE SET embedding = excluded.embedding, dim = excluded.dim`,
				m.ID, blob, len(embedding)); err != nil {
				return dbx.Wrap("store memory embedding", err)
			}
		}
		return nil
	})
}

// VectorSearch ranks memories by cosine similarity to queryVec (spec.md
// §4.G). score = 1 - cosine_distance; results ordered by distance ascending
// (equivalently score descending), filtered to score >= threshold.
func (s *Store) VectorSearch(ctx context.Context, queryVec []float32, opts SearchOptions) ([]Result, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	threshold := opts.Threshold
	if threshold == 0 {
		threshold = defaultThreshold
	}

	query := `
SELECT m.id, m.content, m.metadata, m.collection, m.created_at, m.confidence, m.tags,
	m.agent_type, m.session_id, m.message_role, m.message_idx, m.source_path, e.embedding
FROM memories m
JOIN memory_embeddings e ON e.memory_id = m.id`
	args := []any{}
	if opts.Collection != "" {
		query += " WHERE m.collection = ?"
		args = append(args, opts.Collection)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		m, blob, err := scanMemoryWithEmbedding(rows)
		if err != nil {
			return nil, err
		}
		vec, err := decodeEmbedding(blob)
		if err != nil {
			return nil, err
		}
		score := 1 - cosineDistance(vec, queryVec)
		if score < threshold {
			continue
		}
		results = append(results, Result{Memory: m, Score: score, MatchType: MatchVector})
	}
	if err := rows.Err(); err != nil {
		return nil, dbx.Wrap("scan vector search rows", err)
	}

	sortByScoreDesc(results)
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// FTSSearch performs an inverted-index search over content, BM25-ranked
// (spec.md §4.G). ncruces/go-sqlite3 ships FTS5 with a bm25() ranking
// function built in, matched against the porter/unicode61 tokenizer the
// memories_fts virtual table was created with.
func (s *Store) FTSSearch(ctx context.Context, queryText string, opts SearchOptions) ([]Result, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	query := `
SELECT m.id, m.content, m.metadata, m.collection, m.created_at, m.confidence, m.tags,
	m.agent_type, m.session_id, m.message_role, m.message_idx, m.source_path,
	bm25(memories_fts) AS rank
FROM memories_fts
JOIN memories m ON m.rowid = memories_fts.rowid
WHERE memories_fts MATCH ?`
	args := []any{queryText}
	if opts.Collection != "" {
		query += " AND m.collection = ?"
		args = append(args, opts.Collection)
	}
	query += " ORDER BY rank LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var (
			m            types.Memory
			metadata     sql.NullString
			tags         sql.NullString
			agentType    sql.NullString
			sessionID    sql.NullString
			messageRole  sql.NullString
			messageIdx   sql.NullInt64
			sourcePath   sql.NullString
			createdAtMs  int64
			bm25Rank     float64
		)
		if err := rows.Scan(&m.ID, &m.Content, &metadata, &m.Collection, &createdAtMs, &m.Confidence, &tags,
			&agentType, &sessionID, &messageRole, &messageIdx, &sourcePath, &bm25Rank); err != nil {
			return nil, dbx.Wrap("scan fts search row", err)
		}
		applyScannedFields(&m, metadata, tags, agentType, sessionID, messageRole, messageIdx, sourcePath, createdAtMs)

		// bm25() returns lower-is-better negative values; map them onto a
		// positive, higher-is-better score in (0, 1) so find()'s decay
		// multiplication and result ordering behave the same way
		// regardless of which search path produced a Result.
		score := -bm25Rank / (1 - bm25Rank)
		results = append(results, Result{Memory: m, Score: score, MatchType: MatchFTS})
	}
	if err := rows.Err(); err != nil {
		return nil, dbx.Wrap("scan fts search rows", err)
	}
	return results, nil
}

// Find is find() (spec.md §4.G): embed queryText and vector_search, falling
// back to fts_search if embedding fails or opts.FTS is set; apply
// time-decay, re-sort, and truncate content unless Expand is set.
func (s *Store) Find(ctx context.Context, queryText string, opts FindOptions) ([]Result, error) {
	searchOpts := SearchOptions{Limit: opts.Limit, Collection: opts.Collection}

	var (
		results []Result
		err     error
	)
	useFTS := opts.FTS || s.embedder == nil
	if !useFTS {
		vec, embedErr := s.embedder.Embed(ctx, queryText)
		if embedErr != nil {
			useFTS = true
		} else {
			results, err = s.VectorSearch(ctx, vec, searchOpts)
		}
	}
	if useFTS {
		results, err = s.FTSSearch(ctx, queryText, searchOpts)
	}
	if err != nil {
		return nil, err
	}

	now := time.Now()
	for i := range results {
		ageDays := now.Sub(results[i].Memory.CreatedAt).Hours() / 24
		results[i].Score *= math.Pow(0.5, ageDays/decayHalfLifeDays)
	}
	sortByScoreDesc(results)

	if !opts.Expand {
		for i := range results {
			results[i].Memory.Content = truncate(results[i].Memory.Content, truncateLen)
		}
	}
	return results, nil
}

// Validate resets a memory's created_at to now, refreshing its decay timer
// (spec.md §4.G).
func (s *Store) Validate(ctx context.Context, id string) error {
	res, err := s.db.Exec(ctx, `UPDATE memories SET created_at = ? WHERE id = ?`, time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	return checkRowAffected(res, id)
}

// Remove deletes a memory; memory_embeddings cascades via its foreign key,
// and the memories_fts triggers remove the FTS index row (spec.md §4.G).
func (s *Store) Remove(ctx context.Context, id string) error {
	res, err := s.db.Exec(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowAffected(res, id)
}

// List returns memories in a collection (or all, if collection is empty),
// newest first.
func (s *Store) List(ctx context.Context, collection string) ([]types.Memory, error) {
	query := `SELECT id, content, metadata, collection, created_at, confidence, tags,
		agent_type, session_id, message_role, message_idx, source_path FROM memories`
	var args []any
	if collection != "" {
		query += " WHERE collection = ?"
		args = append(args, collection)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Stats reports row counts (spec.md §4.G).
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM memories`).Scan(&st.Memories); err != nil {
		return Stats{}, dbx.Wrap("count memories", err)
	}
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM memory_embeddings`).Scan(&st.Embeddings); err != nil {
		return Stats{}, dbx.Wrap("count memory embeddings", err)
	}
	return st, nil
}

// CheckHealth reports embedder availability (spec.md §4.G). A Store with no
// configured embedder is never "available" — it always falls back to FTS.
func (s *Store) CheckHealth(ctx context.Context) embedclient.HealthStatus {
	if s.embedder == nil {
		return embedclient.HealthStatus{Available: false}
	}
	return s.embedder.CheckHealth(ctx)
}

// UpsertOperation enumerates upsert_smart's possible decisions (spec.md
// §4.G). The decision itself is LLM-mediated and out of this package's
// scope; UpsertOperation and UpsertDecision only give the caller a typed
// shape to record via a decision trace.
type UpsertOperation string

const (
	OpAdd    UpsertOperation = "ADD"
	OpUpdate UpsertOperation = "UPDATE"
	OpDelete UpsertOperation = "DELETE"
	OpNoop   UpsertOperation = "NOOP"
)

// UpsertDecision is upsert_smart's result shape.
type UpsertDecision struct {
	Operation UpsertOperation `json:"operation"`
	TargetID  string          `json:"target_id,omitempty"`
	Reason    string          `json:"reason"`
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

func cosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 1
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 1
	}
	similarity := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	return 1 - similarity
}

func sortByScoreDesc(results []Result) {
	// Insertion sort: result sets from a single search call are small
	// (bounded by limit), so this avoids pulling in sort for a handful of
	// comparisons on the hot path — matches the scale the teacher's own
	// in-memory ranking helpers operate at.
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && results[j].Score > results[j-1].Score; j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}

func marshalMetadata(m map[string]string) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal memory metadata: %w", err)
	}
	return string(data), nil
}

func marshalTags(tags []string) (any, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("marshal memory tags: %w", err)
	}
	return string(data), nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt(i int) any {
	if i == 0 {
		return nil
	}
	return i
}

func checkRowAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return dbx.NewError("memory operation", dbx.KindNotFound, fmt.Errorf("memory %s not found", id))
	}
	return nil
}

func encodeEmbedding(vec []float32) ([]byte, error) {
	buf := make([]byte, len(vec)*4)
	for i, f := range vec {
		bits := math.Float32bits(f)
		buf[i*4] = byte(bits)
		buf[i*4+1] = byte(bits >> 8)
		buf[i*4+2] = byte(bits >> 16)
		buf[i*4+3] = byte(bits >> 24)
	}
	return buf, nil
}

func decodeEmbedding(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("embedding blob length %d is not a multiple of 4", len(blob))
	}
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		bits := uint32(blob[i*4]) | uint32(blob[i*4+1])<<8 | uint32(blob[i*4+2])<<16 | uint32(blob[i*4+3])<<24
		vec[i] = math.Float32frombits(bits)
	}
	return vec, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanMemory(s scannable) (types.Memory, error) {
	var (
		m           types.Memory
		metadata    sql.NullString
		tags        sql.NullString
		agentType   sql.NullString
		sessionID   sql.NullString
		messageRole sql.NullString
		messageIdx  sql.NullInt64
		sourcePath  sql.NullString
		createdAtMs int64
	)
	if err := s.Scan(&m.ID, &m.Content, &metadata, &m.Collection, &createdAtMs, &m.Confidence, &tags,
		&agentType, &sessionID, &messageRole, &messageIdx, &sourcePath); err != nil {
		return types.Memory{}, dbx.Wrap("scan memory", err)
	}
	applyScannedFields(&m, metadata, tags, agentType, sessionID, messageRole, messageIdx, sourcePath, createdAtMs)
	return m, nil
}

func scanMemoryWithEmbedding(s scannable) (types.Memory, []byte, error) {
	var (
		m           types.Memory
		metadata    sql.NullString
		tags        sql.NullString
		agentType   sql.NullString
		sessionID   sql.NullString
		messageRole sql.NullString
		messageIdx  sql.NullInt64
		sourcePath  sql.NullString
		createdAtMs int64
		blob        []byte
	)
	if err := s.Scan(&m.ID, &m.Content, &metadata, &m.Collection, &createdAtMs, &m.Confidence, &tags,
		&agentType, &sessionID, &messageRole, &messageIdx, &sourcePath, &blob); err != nil {
		return types.Memory{}, nil, dbx.Wrap("scan memory with embedding", err)
	}
	applyScannedFields(&m, metadata, tags, agentType, sessionID, messageRole, messageIdx, sourcePath, createdAtMs)
	return m, blob, nil
}

func applyScannedFields(m *types.Memory, metadata, tags, agentType, sessionID, messageRole sql.NullString,
	messageIdx sql.NullInt64, sourcePath sql.NullString, createdAtMs int64) {
	if metadata.Valid && metadata.String != "" {
		_ = json.Unmarshal([]byte(metadata.String), &m.Metadata)
	}
	if tags.Valid && tags.String != "" {
		_ = json.Unmarshal([]byte(tags.String), &m.Tags)
	}
	m.AgentType = agentType.String
	m.SessionID = sessionID.String
	m.MessageRole = types.MessageRole(messageRole.String)
	m.MessageIdx = int(messageIdx.Int64)
	m.SourcePath = sourcePath.String
	m.CreatedAt = time.UnixMilli(createdAtMs)
}
