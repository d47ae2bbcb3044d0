package memory

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ExportAll writes every record as one JSON object per line, oldest first.
func (s *Store) ExportAll(ctx context.Context, w io.Writer) (int, error) {
	if s.closed.Load() {
		return 0, unavailable(errors.New("store closed"))
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT seq, id, user_id, text, kind, created_at, embedding FROM memories ORDER BY seq")
	if err != nil {
		return 0, unavailable(err)
	}
	defer rows.Close()

	enc := json.NewEncoder(w)
	n := 0
	for rows.Next() {
		rec, _, err := scanRecord(rows, false)
		if err != nil {
			return n, unavailable(err)
		}
		rec.Seq = 0
		if err := enc.Encode(rec); err != nil {
			return n, fmt.Errorf("write record %s: %w", rec.ID, err)
		}
		n++
	}
	if err := rows.Err(); err != nil {
		return n, unavailable(err)
	}
	return n, nil
}

// Import restores records written by ExportAll. Records whose id already
// exists are skipped; records without an embedding of the store's dimension
// are embedded again.
func (s *Store) Import(ctx context.Context, r io.Reader) (int, error) {
	if s.closed.Load() {
		return 0, unavailable(errors.New("store closed"))
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, unavailable(err)
	}
	defer tx.Rollback()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	imported := 0
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}

		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return 0, fmt.Errorf("line %d: %w", line, err)
		}
		if rec.ID == "" || rec.UserID == "" || !rec.Kind.Valid() {
			return 0, fmt.Errorf("line %d: incomplete record", line)
		}

		if len(rec.Embedding) != s.embedder.Dimension() {
			rec.Embedding, err = s.embedder.Embed(ctx, rec.Text)
			if err != nil {
				return 0, fmt.Errorf("line %d: %w: %v", line, ErrEmbeddingFailure, err)
			}
		}
		vecJSON, err := json.Marshal(rec.Embedding)
		if err != nil {
			return 0, fmt.Errorf("line %d: %w", line, err)
		}

		res, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO memories (id, user_id, text, kind, created_at, embedding) VALUES (?, ?, ?, ?, ?, ?)",
			rec.ID, rec.UserID, rec.Text, string(rec.Kind), rec.CreatedAt.UnixNano(), string(vecJSON),
		)
		if err != nil {
			return 0, unavailable(err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			imported++
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("read import: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, unavailable(err)
	}

	s.logger.Info().Int("imported", imported).Msg("Memory import completed")
	return imported, nil
}
