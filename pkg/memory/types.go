package memory

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrEmbeddingFailure means the embedder could not vectorize the text.
	ErrEmbeddingFailure = errors.New("memory: embedding failure")
	// ErrStoreUnavailable covers every failure of the durable layer.
	ErrStoreUnavailable = errors.New("memory: store unavailable")
)

// Kind classifies a memory record.
type Kind string

const (
	KindPreference   Kind = "preference"
	KindSelection    Kind = "selection"
	KindPlanRequest  Kind = "plan_request"
	KindModification Kind = "modification"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindPreference, KindSelection, KindPlanRequest, KindModification:
		return true
	}
	return false
}

// ParseKind converts s to a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown memory kind %q", s)
	}
	return k, nil
}

// Record is one stored utterance or derived note.
type Record struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Text      string    `json:"text"`
	Kind      Kind      `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
	Seq       int64     `json:"seq,omitempty"`
	Embedding []float32 `json:"embedding,omitempty"`
}

// ScoredRecord is a record with its similarity to a query.
type ScoredRecord struct {
	Record
	Score float64 `json:"score"`
}

// Texts returns the text of each record, preserving order.
func Texts(records []Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.Text
	}
	return out
}
