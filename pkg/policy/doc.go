// Package policy indexes travel policy documents as overlapping chunks and
// retrieves the chunks most similar to a query.
//
// Invariants:
// - Ingesting a source replaces exactly that source's chunks; other sources
//   are never touched.
// - Embeddings are computed before the replacement starts, so a failed
//   ingest leaves the previous chunk set in place.
// - Reconstruct(Chunker.Chunk(id, text)) == text.
//
// The index is derived data: it can always be rebuilt from the documents in
// the policy directory (see IngestDir).
package policy
