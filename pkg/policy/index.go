package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/tripmate/internal/config"
	"github.com/harun/tripmate/pkg/embedding"
)

var (
	// ErrUnsupportedDocument is returned for files the loader cannot read.
	ErrUnsupportedDocument = errors.New("policy: unsupported document")
	// ErrIndexUnavailable covers failures of the index storage.
	ErrIndexUnavailable = errors.New("policy: index unavailable")
)

// Index stores chunked policy documents and answers similarity queries.
type Index interface {
	// Ingest replaces every chunk of sourceID with the chunks of text and
	// returns the number of chunks the source now has.
	Ingest(ctx context.Context, sourceID, text string) (int, error)
	// Query returns the k chunks most similar to text, best first.
	Query(ctx context.Context, text string, k int) ([]Chunk, error)
	Remove(ctx context.Context, sourceID string) error
	Sources(ctx context.Context) ([]Source, error)
	Stats(ctx context.Context) (Stats, error)
	// ExportAll writes every chunk as JSONL.
	ExportAll(ctx context.Context, w io.Writer) (int, error)
	Close() error
}

// Source describes one ingested document.
type Source struct {
	ID          string    `json:"id"`
	ContentHash string    `json:"content_hash"`
	Chunks      int       `json:"chunks"`
	IndexedAt   time.Time `json:"indexed_at"`
}

// Stats summarizes an index.
type Stats struct {
	Backend string `json:"backend"`
	Sources int    `json:"sources"`
	Chunks  int    `json:"chunks"`
}

// Options are shared by both backends.
type Options struct {
	Embedder embedding.Embedder
	Chunker  Chunker
	Logger   zerolog.Logger
}

// NewFromConfig opens the configured backend.
func NewFromConfig(cfg *config.Config, emb embedding.Embedder, logger zerolog.Logger) (Index, error) {
	opts := Options{
		Embedder: emb,
		Chunker:  Chunker{Size: cfg.Policy.ChunkSize, Overlap: cfg.Policy.ChunkOverlap},
		Logger:   logger,
	}
	switch cfg.Policy.Backend {
	case "", "sqlite":
		return OpenSQLite(cfg.Policy.DBPath, opts)
	case "memory":
		return NewMemoryIndex(opts)
	default:
		return nil, fmt.Errorf("unknown policy backend: %s", cfg.Policy.Backend)
	}
}

func contentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// sortChunks orders query results by score, then source and position.
func sortChunks(chunks []Chunk) {
	sort.SliceStable(chunks, func(i, j int) bool {
		if chunks[i].Score != chunks[j].Score {
			return chunks[i].Score > chunks[j].Score
		}
		if chunks[i].SourceID != chunks[j].SourceID {
			return chunks[i].SourceID < chunks[j].SourceID
		}
		return chunks[i].Index < chunks[j].Index
	})
}

func embedChunks(ctx context.Context, emb embedding.Embedder, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vecs, err := emb.EmbedBatch(ctx, texts)
	if err != nil {
		return err
	}
	if len(vecs) != len(chunks) {
		return fmt.Errorf("%w: got %d vectors for %d chunks", embedding.ErrEmbedding, len(vecs), len(chunks))
	}
	for i := range chunks {
		chunks[i].Embedding = vecs[i]
	}
	return nil
}
