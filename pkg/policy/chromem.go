package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/tripmate/internal/observability"
	"github.com/harun/tripmate/internal/tracing"
	"github.com/harun/tripmate/pkg/embedding"
)

// MemoryIndex keeps chunks in an in-process chromem-go collection. It is
// rebuilt from the policy directory on every start.
type MemoryIndex struct {
	db         *chromem.DB
	collection *chromem.Collection
	embedder   embedding.Embedder
	chunker    Chunker
	logger     zerolog.Logger

	// mu guards the collection swap per source and the sources map.
	mu      sync.RWMutex
	sources map[string]Source
}

// NewMemoryIndex creates an empty in-memory index.
func NewMemoryIndex(opts Options) (*MemoryIndex, error) {
	observability.EnsureRegistered()

	if opts.Embedder == nil {
		return nil, errors.New("embedder is required")
	}
	if err := opts.Chunker.Validate(); err != nil {
		return nil, err
	}

	db := chromem.NewDB()
	emb := opts.Embedder
	col, err := db.CreateCollection("policy", nil, func(ctx context.Context, text string) ([]float32, error) {
		return emb.Embed(ctx, text)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create collection: %v", ErrIndexUnavailable, err)
	}

	return &MemoryIndex{
		db:         db,
		collection: col,
		embedder:   opts.Embedder,
		chunker:    opts.Chunker,
		logger:     opts.Logger,
		sources:    make(map[string]Source),
	}, nil
}

func (m *MemoryIndex) Ingest(ctx context.Context, sourceID, text string) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "tripmate.policy", "policy.ingest",
		attribute.String("source_id", sourceID),
		attribute.String("backend", "memory"),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, m.logger)

	if sourceID == "" {
		return 0, errors.New("source id is required")
	}
	start := time.Now()
	hash := m.chunker.sourceHash(text)

	m.mu.RLock()
	existing, ok := m.sources[sourceID]
	m.mu.RUnlock()
	if ok && existing.ContentHash == hash {
		return existing.Chunks, nil
	}

	chunks := m.chunker.Chunk(sourceID, text)
	if err := embedChunks(ctx, m.embedder, chunks); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "embedding failed")
		return 0, fmt.Errorf("embed chunks of %s: %w", sourceID, err)
	}

	docs := make([]chromem.Document, len(chunks))
	for i, c := range chunks {
		docs[i] = chromem.Document{
			ID:        c.ID,
			Content:   c.Text,
			Embedding: c.Embedding,
			Metadata: map[string]string{
				"source_id": c.SourceID,
				"index":     strconv.Itoa(c.Index),
				"start":     strconv.Itoa(c.Start),
				"end":       strconv.Itoa(c.End),
				"overlap":   strconv.Itoa(c.Overlap),
			},
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var previous []chromem.Document
	if old, ok := m.sources[sourceID]; ok {
		previous = m.documents(ctx, sourceID, old.Chunks)
		if err := m.collection.Delete(ctx, map[string]string{"source_id": sourceID}, nil); err != nil {
			return 0, fmt.Errorf("%w: delete %s: %v", ErrIndexUnavailable, sourceID, err)
		}
	}
	if len(docs) > 0 {
		err := m.collection.AddDocuments(ctx, docs, 1)
		if err == nil {
			// AddDocuments skips remaining documents without error once ctx is done.
			err = ctx.Err()
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "add documents failed")
			m.restore(ctx, sourceID, previous)
			return 0, fmt.Errorf("%w: add documents: %v", ErrIndexUnavailable, err)
		}
	}
	m.sources[sourceID] = Source{ID: sourceID, ContentHash: hash, Chunks: len(chunks), IndexedAt: time.Now().UTC()}

	observability.RecordPolicyIngest(time.Since(start))
	observability.SetPolicyChunks(m.collection.Count())
	logger.Info().Str("source_id", sourceID).Int("chunks", len(chunks)).Msg("Policy source ingested")
	return len(chunks), nil
}

// documents copies the stored chunks of sourceID. Callers hold m.mu.
func (m *MemoryIndex) documents(ctx context.Context, sourceID string, n int) []chromem.Document {
	docs := make([]chromem.Document, 0, n)
	for i := 0; i < n; i++ {
		doc, err := m.collection.GetByID(ctx, ChunkID(sourceID, i))
		if err != nil {
			continue
		}
		docs = append(docs, doc)
	}
	return docs
}

// restore puts back the chunks a failed ingest replaced. When that fails too
// the source is dropped so Sources matches the collection. Callers hold m.mu.
func (m *MemoryIndex) restore(ctx context.Context, sourceID string, previous []chromem.Document) {
	ctx = context.WithoutCancel(ctx)
	logger := tracing.LoggerFromContext(ctx, m.logger)

	_ = m.collection.Delete(ctx, map[string]string{"source_id": sourceID}, nil)
	if len(previous) == 0 {
		delete(m.sources, sourceID)
		return
	}
	if err := m.collection.AddDocuments(ctx, previous, 1); err != nil {
		_ = m.collection.Delete(ctx, map[string]string{"source_id": sourceID}, nil)
		delete(m.sources, sourceID)
		logger.Error().Err(err).Str("source_id", sourceID).Msg("Failed to restore policy source, dropped it")
		return
	}
	logger.Warn().Str("source_id", sourceID).Msg("Policy ingest failed, kept previous version")
}

func (m *MemoryIndex) Query(ctx context.Context, text string, k int) ([]Chunk, error) {
	ctx, span := tracing.StartSpan(ctx, "tripmate.policy", "policy.query",
		attribute.Int("k", k),
		attribute.String("backend", "memory"),
	)
	defer span.End()

	if k <= 0 {
		return []Chunk{}, nil
	}
	start := time.Now()
	defer func() { observability.RecordPolicyQuery(time.Since(start)) }()

	// An empty index answers without embedding the query.
	if m.collection.Count() == 0 {
		return []Chunk{}, nil
	}

	vec, err := m.embedder.Embed(ctx, text)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("embed query: %w", err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	// chromem-go rejects nResults larger than the collection.
	n := m.collection.Count()
	if n == 0 {
		return []Chunk{}, nil
	}
	if k > n {
		k = n
	}

	results, err := m.collection.QueryEmbedding(ctx, vec, k, nil, nil)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: query: %v", ErrIndexUnavailable, err)
	}

	chunks := make([]Chunk, 0, len(results))
	for _, r := range results {
		chunks = append(chunks, Chunk{
			ID:       r.ID,
			SourceID: r.Metadata["source_id"],
			Index:    atoi(r.Metadata["index"]),
			Text:     r.Content,
			Start:    atoi(r.Metadata["start"]),
			End:      atoi(r.Metadata["end"]),
			Overlap:  atoi(r.Metadata["overlap"]),
			Score:    float64(r.Similarity),
		})
	}
	sortChunks(chunks)
	return chunks, nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func (m *MemoryIndex) Remove(ctx context.Context, sourceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sources[sourceID]; !ok {
		return nil
	}
	if err := m.collection.Delete(ctx, map[string]string{"source_id": sourceID}, nil); err != nil {
		return fmt.Errorf("%w: delete %s: %v", ErrIndexUnavailable, sourceID, err)
	}
	delete(m.sources, sourceID)
	observability.SetPolicyChunks(m.collection.Count())
	return nil
}

func (m *MemoryIndex) Sources(ctx context.Context) ([]Source, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Source, 0, len(m.sources))
	for _, src := range m.sources {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryIndex) Stats(ctx context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{Backend: "memory", Sources: len(m.sources), Chunks: m.collection.Count()}, nil
}

// ExportAll writes every chunk, ordered by source and position.
func (m *MemoryIndex) ExportAll(ctx context.Context, w io.Writer) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.sources))
	for id := range m.sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	enc := json.NewEncoder(w)
	n := 0
	for _, id := range ids {
		src := m.sources[id]
		for i := 0; i < src.Chunks; i++ {
			doc, err := m.collection.GetByID(ctx, ChunkID(id, i))
			if err != nil {
				return n, fmt.Errorf("%w: get %s: %v", ErrIndexUnavailable, ChunkID(id, i), err)
			}
			c := Chunk{
				ID:       doc.ID,
				SourceID: id,
				Index:    i,
				Text:     doc.Content,
				Start:    atoi(doc.Metadata["start"]),
				End:      atoi(doc.Metadata["end"]),
				Overlap:  atoi(doc.Metadata["overlap"]),
			}
			if err := enc.Encode(c); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

func (m *MemoryIndex) Close() error {
	return nil
}
