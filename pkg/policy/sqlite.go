package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/tripmate/internal/observability"
	"github.com/harun/tripmate/internal/tracing"
	"github.com/harun/tripmate/pkg/embedding"
)

func init() {
	sqlite_vec.Auto()
}

// SQLiteIndex keeps chunks in sqlite with a vec0 table for cosine search and
// an FTS5 table for keyword fallback.
type SQLiteIndex struct {
	db       *sql.DB
	embedder embedding.Embedder
	chunker  Chunker
	logger   zerolog.Logger

	// writeMu serializes ingest and remove.
	writeMu    sync.Mutex
	ftsEnabled bool
}

// OpenSQLite opens or creates a sqlite policy index at dbPath.
func OpenSQLite(dbPath string, opts Options) (*SQLiteIndex, error) {
	observability.EnsureRegistered()

	if dbPath == "" {
		return nil, errors.New("database path is required")
	}
	if opts.Embedder == nil {
		return nil, errors.New("embedder is required")
	}
	if err := opts.Chunker.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("%w: create db dir: %v", ErrIndexUnavailable, err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("%w: open: %v", ErrIndexUnavailable, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: enable WAL: %v", ErrIndexUnavailable, err)
	}

	idx := &SQLiteIndex{
		db:       db,
		embedder: opts.Embedder,
		chunker:  opts.Chunker,
		logger:   opts.Logger,
	}
	if err := idx.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	stats, _ := idx.Stats(context.Background())
	observability.SetPolicyChunks(stats.Chunks)
	idx.logger.Info().Str("path", dbPath).Bool("fts", idx.ftsEnabled).Msg("Policy index opened")
	return idx, nil
}

func (s *SQLiteIndex) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sources (
			id TEXT PRIMARY KEY,
			content_hash TEXT NOT NULL,
			chunk_count INTEGER NOT NULL,
			indexed_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			source_id TEXT NOT NULL,
			idx INTEGER NOT NULL,
			content TEXT NOT NULL,
			start_offset INTEGER NOT NULL,
			end_offset INTEGER NOT NULL,
			overlap INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_chunks_source ON chunks(source_id, idx);

		CREATE TABLE IF NOT EXISTS embedding_cache (
			content_hash TEXT PRIMARY KEY,
			embedding TEXT NOT NULL,
			dimension INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS metadata (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("%w: schema: %v", ErrIndexUnavailable, err)
	}

	dimension := s.embedder.Dimension()
	var stored string
	err := s.db.QueryRow("SELECT value FROM metadata WHERE key = 'dimension'").Scan(&stored)
	switch {
	case err == nil && stored != strconv.Itoa(dimension):
		return fmt.Errorf("%w: index was built with dimension %s, embedder has %d; rebuild the index", ErrIndexUnavailable, stored, dimension)
	case errors.Is(err, sql.ErrNoRows):
		if _, err := s.db.Exec("INSERT INTO metadata (key, value) VALUES ('dimension', ?)", strconv.Itoa(dimension)); err != nil {
			return fmt.Errorf("%w: metadata: %v", ErrIndexUnavailable, err)
		}
	case err != nil:
		return fmt.Errorf("%w: metadata: %v", ErrIndexUnavailable, err)
	}

	vectorSchema := fmt.Sprintf(`
		CREATE VIRTUAL TABLE IF NOT EXISTS embeddings USING vec0(
			chunk_id TEXT PRIMARY KEY,
			embedding float[%d] distance_metric=cosine
		);
	`, dimension)
	if _, err := s.db.Exec(vectorSchema); err != nil {
		return fmt.Errorf("%w: vector table: %v", ErrIndexUnavailable, err)
	}

	// FTS5 needs the sqlite_fts5 build tag; without it keyword fallback scans chunks.
	_, err = s.db.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
			chunk_id UNINDEXED,
			content,
			tokenize='porter unicode61'
		);
	`)
	if err != nil {
		s.logger.Warn().Err(err).Msg("FTS5 unavailable, keyword fallback will scan chunks")
	}
	s.ftsEnabled = err == nil
	return nil
}

// Ingest chunks and embeds text, then swaps the source's chunks in one transaction.
func (s *SQLiteIndex) Ingest(ctx context.Context, sourceID, text string) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "tripmate.policy", "policy.ingest",
		attribute.String("source_id", sourceID),
		attribute.String("backend", "sqlite"),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, s.logger)

	if sourceID == "" {
		return 0, errors.New("source id is required")
	}
	start := time.Now()
	hash := s.chunker.sourceHash(text)

	var existingHash string
	var existingCount int
	err := s.db.QueryRowContext(ctx, "SELECT content_hash, chunk_count FROM sources WHERE id = ?", sourceID).
		Scan(&existingHash, &existingCount)
	if err == nil && existingHash == hash {
		logger.Debug().Str("source_id", sourceID).Msg("Policy source unchanged, skipping")
		return existingCount, nil
	}
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}

	chunks := s.chunker.Chunk(sourceID, text)
	fresh, err := s.embedWithCache(ctx, chunks)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "embedding failed")
		return 0, fmt.Errorf("embed chunks of %s: %w", sourceID, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}
	defer tx.Rollback()

	if err := s.deleteSource(ctx, tx, sourceID); err != nil {
		return 0, err
	}

	for _, c := range chunks {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO chunks (id, source_id, idx, content, start_offset, end_offset, overlap) VALUES (?, ?, ?, ?, ?, ?, ?)",
			c.ID, c.SourceID, c.Index, c.Text, c.Start, c.End, c.Overlap,
		); err != nil {
			return 0, fmt.Errorf("%w: insert chunk: %v", ErrIndexUnavailable, err)
		}
		if s.ftsEnabled {
			if _, err := tx.ExecContext(ctx, "INSERT INTO chunks_fts (chunk_id, content) VALUES (?, ?)", c.ID, c.Text); err != nil {
				return 0, fmt.Errorf("%w: insert fts: %v", ErrIndexUnavailable, err)
			}
		}
		vecJSON, err := json.Marshal(c.Embedding)
		if err != nil {
			return 0, fmt.Errorf("marshal embedding: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO embeddings (chunk_id, embedding) VALUES (?, ?)", c.ID, string(vecJSON)); err != nil {
			return 0, fmt.Errorf("%w: insert embedding: %v", ErrIndexUnavailable, err)
		}
	}

	now := time.Now().Unix()
	for h, vec := range fresh {
		vecJSON, _ := json.Marshal(vec)
		if _, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO embedding_cache (content_hash, embedding, dimension, created_at) VALUES (?, ?, ?, ?)",
			h, string(vecJSON), len(vec), now,
		); err != nil {
			return 0, fmt.Errorf("%w: cache embedding: %v", ErrIndexUnavailable, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO sources (id, content_hash, chunk_count, indexed_at) VALUES (?, ?, ?, ?)",
		sourceID, hash, len(chunks), now,
	); err != nil {
		return 0, fmt.Errorf("%w: insert source: %v", ErrIndexUnavailable, err)
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("%w: commit: %v", ErrIndexUnavailable, err)
	}

	observability.RecordPolicyIngest(time.Since(start))
	s.refreshGauge(ctx)
	logger.Info().
		Str("source_id", sourceID).
		Int("chunks", len(chunks)).
		Int("embedded", len(fresh)).
		Dur("duration", time.Since(start)).
		Msg("Policy source ingested")

	return len(chunks), nil
}

// embedWithCache fills chunk embeddings from embedding_cache and embeds the
// rest in one batch. It returns the newly computed vectors by content hash.
func (s *SQLiteIndex) embedWithCache(ctx context.Context, chunks []Chunk) (map[string][]float32, error) {
	fresh := make(map[string][]float32)
	var missing []Chunk
	var missingIdx []int

	for i := range chunks {
		h := contentHash(chunks[i].Text)
		var cached string
		err := s.db.QueryRowContext(ctx, "SELECT embedding FROM embedding_cache WHERE content_hash = ?", h).Scan(&cached)
		if err == nil {
			var vec []float32
			if json.Unmarshal([]byte(cached), &vec) == nil && len(vec) == s.embedder.Dimension() {
				chunks[i].Embedding = vec
				continue
			}
		}
		missing = append(missing, chunks[i])
		missingIdx = append(missingIdx, i)
	}

	if err := embedChunks(ctx, s.embedder, missing); err != nil {
		return nil, err
	}
	for j, c := range missing {
		chunks[missingIdx[j]].Embedding = c.Embedding
		fresh[contentHash(c.Text)] = c.Embedding
	}
	return fresh, nil
}

// deleteSource removes a source and its chunk, fts and vector rows. There is
// no foreign key cascade, so each table is cleared explicitly.
func (s *SQLiteIndex) deleteSource(ctx context.Context, tx *sql.Tx, sourceID string) error {
	rows, err := tx.QueryContext(ctx, "SELECT id FROM chunks WHERE source_id = ?", sourceID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
		}
		ids = append(ids, id)
	}
	rows.Close()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, "DELETE FROM embeddings WHERE chunk_id = ?", id); err != nil {
			return fmt.Errorf("%w: delete embedding: %v", ErrIndexUnavailable, err)
		}
		if s.ftsEnabled {
			if _, err := tx.ExecContext(ctx, "DELETE FROM chunks_fts WHERE chunk_id = ?", id); err != nil {
				return fmt.Errorf("%w: delete fts: %v", ErrIndexUnavailable, err)
			}
		}
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM chunks WHERE source_id = ?", sourceID); err != nil {
		return fmt.Errorf("%w: delete chunks: %v", ErrIndexUnavailable, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM sources WHERE id = ?", sourceID); err != nil {
		return fmt.Errorf("%w: delete source: %v", ErrIndexUnavailable, err)
	}
	return nil
}

// maxVectorK is the largest k a vec0 knn query accepts.
const maxVectorK = 4096

// Query returns the k chunks closest to text. When the query cannot be
// embedded it falls back to keyword search.
func (s *SQLiteIndex) Query(ctx context.Context, text string, k int) ([]Chunk, error) {
	ctx, span := tracing.StartSpan(ctx, "tripmate.policy", "policy.query",
		attribute.Int("k", k),
		attribute.String("backend", "sqlite"),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, s.logger)

	if k <= 0 {
		return []Chunk{}, nil
	}
	k = min(k, maxVectorK)
	start := time.Now()
	defer func() { observability.RecordPolicyQuery(time.Since(start)) }()

	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		span.RecordError(err)
		logger.Warn().Err(err).Msg("Query embedding failed, using keyword search")
		return s.keywordSearch(ctx, text, k)
	}
	vecJSON, err := json.Marshal(vec)
	if err != nil {
		return nil, fmt.Errorf("marshal query embedding: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT e.chunk_id, e.distance, c.source_id, c.idx, c.content, c.start_offset, c.end_offset, c.overlap
		FROM (
			SELECT chunk_id, distance FROM embeddings
			WHERE embedding MATCH ? AND k = ?
		) e
		JOIN chunks c ON c.id = e.chunk_id
		ORDER BY e.distance ASC
	`, string(vecJSON), k)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "vector query failed")
		return nil, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}
	defer rows.Close()

	results := []Chunk{}
	for rows.Next() {
		var c Chunk
		var distance float64
		if err := rows.Scan(&c.ID, &distance, &c.SourceID, &c.Index, &c.Text, &c.Start, &c.End, &c.Overlap); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
		}
		c.Score = 1.0 - distance
		results = append(results, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}

	sortChunks(results)
	logger.Debug().Int("results", len(results)).Msg("Policy query completed")
	return results, nil
}

func keywordTerms(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func (s *SQLiteIndex) keywordSearch(ctx context.Context, text string, k int) ([]Chunk, error) {
	terms := keywordTerms(text)
	if len(terms) == 0 {
		return []Chunk{}, nil
	}

	if !s.ftsEnabled {
		return s.scanSearch(ctx, terms, k)
	}

	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = `"` + t + `"`
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.source_id, c.idx, c.content, c.start_offset, c.end_offset, c.overlap, bm25(chunks_fts) AS score
		FROM chunks_fts
		JOIN chunks c ON c.id = chunks_fts.chunk_id
		WHERE chunks_fts MATCH ?
		ORDER BY score
		LIMIT ?
	`, strings.Join(quoted, " OR "), k)
	if err != nil {
		return nil, fmt.Errorf("%w: keyword search: %v", ErrIndexUnavailable, err)
	}
	defer rows.Close()

	results := []Chunk{}
	for rows.Next() {
		var c Chunk
		var bm25 float64
		if err := rows.Scan(&c.ID, &c.SourceID, &c.Index, &c.Text, &c.Start, &c.End, &c.Overlap, &bm25); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
		}
		// bm25 is negative; larger magnitude is better.
		c.Score = -bm25
		results = append(results, c)
	}
	return results, rows.Err()
}

// scanSearch ranks chunks by how many query terms they contain.
func (s *SQLiteIndex) scanSearch(ctx context.Context, terms []string, k int) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, source_id, idx, content, start_offset, end_offset, overlap FROM chunks")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}
	defer rows.Close()

	results := []Chunk{}
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ID, &c.SourceID, &c.Index, &c.Text, &c.Start, &c.End, &c.Overlap); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
		}
		lower := strings.ToLower(c.Text)
		hits := 0
		for _, t := range terms {
			if strings.Contains(lower, t) {
				hits++
			}
		}
		if hits > 0 {
			c.Score = float64(hits) / float64(len(terms))
			results = append(results, c)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}

	sortChunks(results)
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Remove deletes every chunk of sourceID.
func (s *SQLiteIndex) Remove(ctx context.Context, sourceID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}
	defer tx.Rollback()

	if err := s.deleteSource(ctx, tx, sourceID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrIndexUnavailable, err)
	}

	s.refreshGauge(ctx)
	observability.RecordPolicyAudit(ctx, "policy_remove", "success", map[string]interface{}{"source_id": sourceID})
	s.logger.Info().Str("source_id", sourceID).Msg("Policy source removed")
	return nil
}

// Sources lists ingested documents ordered by id.
func (s *SQLiteIndex) Sources(ctx context.Context) ([]Source, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, content_hash, chunk_count, indexed_at FROM sources ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}
	defer rows.Close()

	sources := []Source{}
	for rows.Next() {
		var src Source
		var indexedAt int64
		if err := rows.Scan(&src.ID, &src.ContentHash, &src.Chunks, &indexedAt); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
		}
		src.IndexedAt = time.Unix(indexedAt, 0).UTC()
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

func (s *SQLiteIndex) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{Backend: "sqlite"}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sources").Scan(&stats.Sources); err != nil {
		return stats, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chunks").Scan(&stats.Chunks); err != nil {
		return stats, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}
	return stats, nil
}

func (s *SQLiteIndex) refreshGauge(ctx context.Context) {
	if stats, err := s.Stats(ctx); err == nil {
		observability.SetPolicyChunks(stats.Chunks)
	}
}

// ExportAll writes every chunk, ordered by source and position.
func (s *SQLiteIndex) ExportAll(ctx context.Context, w io.Writer) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, source_id, idx, content, start_offset, end_offset, overlap FROM chunks ORDER BY source_id, idx")
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}
	defer rows.Close()

	enc := json.NewEncoder(w)
	n := 0
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ID, &c.SourceID, &c.Index, &c.Text, &c.Start, &c.End, &c.Overlap); err != nil {
			return n, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
		}
		if err := enc.Encode(c); err != nil {
			return n, err
		}
		n++
	}
	return n, rows.Err()
}

// Close closes the database.
func (s *SQLiteIndex) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.logger.Info().Msg("Closing policy index")
	return s.db.Close()
}
