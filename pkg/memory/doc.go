// Package memory persists per-user conversational facts and retrieves them by
// recency or by semantic similarity.
//
// Invariants:
// - Records are immutable once appended; there is no update or delete path.
// - created_at is strictly increasing per user, so recency order is total.
// - An append either commits its row and embedding together or not at all.
//
// Usage:
//
//	store, _ := memory.Open(memory.Config{DBPath: "/data/memory.db", Embedder: emb})
//	defer store.Close()
//	rec, _ := store.Append(ctx, "u1", "I prefer window seats", memory.KindPreference)
//	recent, _ := store.Recent(ctx, "u1", 10)
//	_, _ = rec, recent
package memory
