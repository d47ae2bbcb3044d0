package memory

import (
	"context"
	"crypto/rand"
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
	"sync/atomic"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/tripmate/internal/observability"
	"github.com/harun/tripmate/internal/tracing"
	"github.com/harun/tripmate/pkg/embedding"
)

func init() {
	// Registers vec_distance_cosine on every new connection.
	sqlite_vec.Auto()
}

// Config holds memory store configuration
type Config struct {
	DBPath   string
	Embedder embedding.Embedder
	Logger   zerolog.Logger
	// Now overrides the clock; nil uses time.Now.
	Now func() time.Time
}

// Store is the sqlite-backed memory store.
type Store struct {
	db       *sql.DB
	embedder embedding.Embedder
	logger   zerolog.Logger
	now      func() time.Time

	// writeMu serializes appends store-wide.
	writeMu sync.Mutex
	entropy io.Reader
	closed  atomic.Bool
}

// Open opens or creates the store at cfg.DBPath.
func Open(cfg Config) (*Store, error) {
	observability.EnsureRegistered()

	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}
	if cfg.Embedder == nil {
		return nil, errors.New("embedder is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("%w: create db dir: %v", ErrStoreUnavailable, err)
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("%w: open: %v", ErrStoreUnavailable, err)
	}

	// WAL lets readers see the state before or after an append, never a mix.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: enable WAL: %v", ErrStoreUnavailable, err)
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	s := &Store{
		db:       db,
		embedder: cfg.Embedder,
		logger:   cfg.Logger,
		now:      now,
		entropy:  ulid.Monotonic(rand.Reader, 0),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: schema: %v", ErrStoreUnavailable, err)
	}

	s.logger.Info().Str("path", cfg.DBPath).Msg("Memory store opened")
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS memories (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			user_id TEXT NOT NULL,
			text TEXT NOT NULL,
			kind TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			embedding TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_memories_user_created ON memories(user_id, created_at, seq);
		CREATE INDEX IF NOT EXISTS idx_memories_user_kind ON memories(user_id, kind);

		CREATE TABLE IF NOT EXISTS metadata (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`)
	if err != nil {
		return err
	}

	// Similar compares stored vectors with query vectors, so the embedder
	// must keep the dimension the store was created with.
	dimension := strconv.Itoa(s.embedder.Dimension())
	var stored string
	err = s.db.QueryRow("SELECT value FROM metadata WHERE key = 'dimension'").Scan(&stored)
	switch {
	case err == nil && stored != dimension:
		return fmt.Errorf("store was created with embedding dimension %s, embedder has %s", stored, dimension)
	case errors.Is(err, sql.ErrNoRows):
		_, err = s.db.Exec("INSERT INTO metadata (key, value) VALUES ('dimension', ?)", dimension)
		return err
	}
	return err
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

// Append embeds text and persists a new record for userID.
func (s *Store) Append(ctx context.Context, userID, text string, kind Kind) (*Record, error) {
	ctx, span := tracing.StartSpan(ctx, "tripmate.memory", "memory.append",
		attribute.String("user_id", userID),
		attribute.String("kind", string(kind)),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, s.logger)

	if userID == "" {
		return nil, errors.New("user id is required")
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown memory kind %q", kind)
	}
	if s.closed.Load() {
		return nil, unavailable(errors.New("store closed"))
	}

	start := time.Now()

	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		observability.RecordMemoryError("append", "embedding")
		span.RecordError(err)
		span.SetStatus(codes.Error, "embedding failed")
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailure, err)
	}
	vecJSON, err := json.Marshal(vec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailure, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	rec, err := s.insert(ctx, userID, text, kind, vec, string(vecJSON))
	if err != nil {
		observability.RecordMemoryError("append", "store")
		span.RecordError(err)
		span.SetStatus(codes.Error, "append failed")
		logger.Error().Err(err).Str("user_id", userID).Msg("Memory append failed")
		return nil, err
	}

	observability.RecordMemoryAppend(time.Since(start))
	observability.RecordMemoryAudit(ctx, "memory_append", userID, map[string]interface{}{
		"id":   rec.ID,
		"kind": string(kind),
	})
	logger.Debug().Str("id", rec.ID).Str("kind", string(kind)).Msg("Memory appended")
	return rec, nil
}

// insert runs the append transaction. Callers hold writeMu.
func (s *Store) insert(ctx context.Context, userID, text string, kind Kind, vec []float32, vecJSON string) (*Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable(err)
	}
	defer tx.Rollback()

	var last sql.NullInt64
	if err := tx.QueryRowContext(ctx, "SELECT MAX(created_at) FROM memories WHERE user_id = ?", userID).Scan(&last); err != nil {
		return nil, unavailable(err)
	}

	created := s.now().UnixNano()
	if last.Valid && created <= last.Int64 {
		created = last.Int64 + 1
	}
	createdAt := time.Unix(0, created).UTC()

	id, err := ulid.New(ulid.Timestamp(createdAt), s.entropy)
	if err != nil {
		return nil, unavailable(fmt.Errorf("generate id: %w", err))
	}

	res, err := tx.ExecContext(ctx,
		"INSERT INTO memories (id, user_id, text, kind, created_at, embedding) VALUES (?, ?, ?, ?, ?, ?)",
		id.String(), userID, text, string(kind), created, vecJSON,
	)
	if err != nil {
		return nil, unavailable(err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return nil, unavailable(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, unavailable(err)
	}

	return &Record{
		ID:        id.String(),
		UserID:    userID,
		Text:      text,
		Kind:      kind,
		CreatedAt: createdAt,
		Seq:       seq,
		Embedding: vec,
	}, nil
}

// Recent returns up to limit records of userID, newest first.
func (s *Store) Recent(ctx context.Context, userID string, limit int) ([]Record, error) {
	return s.RecentByKind(ctx, userID, limit)
}

// RecentByKind is Recent restricted to the given kinds. No kinds means all.
func (s *Store) RecentByKind(ctx context.Context, userID string, limit int, kinds ...Kind) ([]Record, error) {
	ctx, span := tracing.StartSpan(ctx, "tripmate.memory", "memory.recent",
		attribute.String("user_id", userID),
		attribute.Int("limit", limit),
	)
	defer span.End()

	if limit <= 0 {
		return []Record{}, nil
	}
	if s.closed.Load() {
		return nil, unavailable(errors.New("store closed"))
	}
	start := time.Now()
	defer func() { observability.RecordMemoryQuery("recent", time.Since(start)) }()

	query := "SELECT seq, id, user_id, text, kind, created_at, embedding FROM memories WHERE user_id = ?"
	args := []interface{}{userID}
	if len(kinds) > 0 {
		placeholders := make([]string, len(kinds))
		for i, k := range kinds {
			placeholders[i] = "?"
			args = append(args, string(k))
		}
		query += " AND kind IN (" + strings.Join(placeholders, ", ") + ")"
	}
	query += " ORDER BY created_at DESC, seq DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		observability.RecordMemoryError("recent", "store")
		span.RecordError(err)
		return nil, unavailable(err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		rec, _, err := scanRecord(rows, false)
		if err != nil {
			return nil, unavailable(err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return records, nil
}

// Similar ranks the records of userID by cosine similarity to query.
//
// When the query cannot be embedded, Similar falls back to a case-insensitive
// substring match ranked by recency and returns those results together with
// an error wrapping ErrEmbeddingFailure.
func (s *Store) Similar(ctx context.Context, userID, query string, limit int) ([]ScoredRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "tripmate.memory", "memory.similar",
		attribute.String("user_id", userID),
		attribute.Int("limit", limit),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, s.logger)

	if limit <= 0 {
		return []ScoredRecord{}, nil
	}
	if s.closed.Load() {
		return nil, unavailable(errors.New("store closed"))
	}
	start := time.Now()
	defer func() { observability.RecordMemoryQuery("similar", time.Since(start)) }()

	vec, embedErr := s.embedder.Embed(ctx, query)
	if embedErr != nil {
		observability.RecordMemoryError("similar", "embedding")
		span.RecordError(embedErr)
		logger.Warn().Err(embedErr).Msg("Query embedding failed, using substring match")

		results, err := s.substringMatch(ctx, userID, query, limit)
		if err != nil {
			return nil, err
		}
		return results, fmt.Errorf("%w: %v", ErrEmbeddingFailure, embedErr)
	}

	vecJSON, err := json.Marshal(vec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailure, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, user_id, text, kind, created_at, embedding,
			1.0 - vec_distance_cosine(embedding, ?) AS score
		FROM memories
		WHERE user_id = ?
		ORDER BY score DESC, created_at DESC, seq DESC
		LIMIT ?
	`, string(vecJSON), userID, limit)
	if err != nil {
		observability.RecordMemoryError("similar", "store")
		span.RecordError(err)
		span.SetStatus(codes.Error, "similarity query failed")
		return nil, unavailable(err)
	}
	defer rows.Close()

	results := []ScoredRecord{}
	for rows.Next() {
		rec, score, err := scanRecord(rows, true)
		if err != nil {
			return nil, unavailable(err)
		}
		results = append(results, ScoredRecord{Record: rec, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return results, nil
}

func (s *Store) substringMatch(ctx context.Context, userID, query string, limit int) ([]ScoredRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, user_id, text, kind, created_at, embedding
		FROM memories
		WHERE user_id = ? AND instr(lower(text), lower(?)) > 0
		ORDER BY created_at DESC, seq DESC
		LIMIT ?
	`, userID, strings.TrimSpace(query), limit)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	results := []ScoredRecord{}
	for rows.Next() {
		rec, _, err := scanRecord(rows, false)
		if err != nil {
			return nil, unavailable(err)
		}
		results = append(results, ScoredRecord{Record: rec})
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return results, nil
}

// Count returns the number of records of userID.
func (s *Store) Count(ctx context.Context, userID string) (int, error) {
	if s.closed.Load() {
		return 0, unavailable(errors.New("store closed"))
	}
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memories WHERE user_id = ?", userID).Scan(&n); err != nil {
		return 0, unavailable(err)
	}
	return n, nil
}

// Close closes the store. Later calls fail with ErrStoreUnavailable.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.logger.Info().Msg("Closing memory store")
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner, withScore bool) (Record, float64, error) {
	var (
		rec     Record
		kind    string
		created int64
		vecJSON string
		score   float64
	)
	dest := []interface{}{&rec.Seq, &rec.ID, &rec.UserID, &rec.Text, &kind, &created, &vecJSON}
	if withScore {
		dest = append(dest, &score)
	}
	if err := row.Scan(dest...); err != nil {
		return Record{}, 0, err
	}
	rec.Kind = Kind(kind)
	rec.CreatedAt = time.Unix(0, created).UTC()
	if vecJSON != "" {
		if err := json.Unmarshal([]byte(vecJSON), &rec.Embedding); err != nil {
			return Record{}, 0, fmt.Errorf("decode embedding of %s: %w", rec.ID, err)
		}
	}
	return rec, score, nil
}
