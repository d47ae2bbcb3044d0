package policy

import (
	"fmt"
	"strings"
	"unicode"
)

// Chunk is a slice of a policy document. Offsets are in runes.
type Chunk struct {
	ID        string    `json:"id"`
	SourceID  string    `json:"source_id"`
	Index     int       `json:"index"`
	Text      string    `json:"text"`
	Start     int       `json:"start"`
	End       int       `json:"end"`
	Overlap   int       `json:"overlap"`
	Embedding []float32 `json:"embedding,omitempty"`
	Score     float64   `json:"score,omitempty"`
}

// ChunkID returns the id of chunk index of sourceID.
func ChunkID(sourceID string, index int) string {
	return fmt.Sprintf("%s#%d", sourceID, index)
}

// Chunker splits text into chunks of at most Size runes. Consecutive chunks
// start Size-Overlap runes apart; each chunk's end is pulled back to the
// nearest paragraph, sentence or word boundary that still reaches the next
// chunk's start.
type Chunker struct {
	Size    int
	Overlap int
}

// DefaultChunker uses 1000-rune chunks with a 200-rune overlap.
func DefaultChunker() Chunker {
	return Chunker{Size: 1000, Overlap: 200}
}

// Validate reports whether the chunker can make progress.
func (c Chunker) Validate() error {
	if c.Size <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", c.Size)
	}
	if c.Overlap < 0 || c.Overlap >= c.Size {
		return fmt.Errorf("chunk overlap must be in [0, %d), got %d", c.Size, c.Overlap)
	}
	return nil
}

// Chunk splits text. An empty text yields no chunks.
func (c Chunker) Chunk(sourceID, text string) []Chunk {
	if err := c.Validate(); err != nil {
		c = DefaultChunker()
	}

	runes := []rune(text)
	n := len(runes)
	stride := c.Size - c.Overlap

	var chunks []Chunk
	prevEnd := 0
	for i, start := 0, 0; start < n; i, start = i+1, start+stride {
		end := start + c.Size
		if end >= n {
			end = n
		} else {
			end = boundary(runes, start+stride, end)
		}

		overlap := 0
		if i > 0 {
			overlap = prevEnd - start
		}

		chunks = append(chunks, Chunk{
			ID:       ChunkID(sourceID, i),
			SourceID: sourceID,
			Index:    i,
			Text:     string(runes[start:end]),
			Start:    start,
			End:      end,
			Overlap:  overlap,
		})
		prevEnd = end
	}
	return chunks
}

// boundary returns the best cut position in [lo, hi]: after a blank line,
// then after a sentence end, then after whitespace, else hi.
func boundary(runes []rune, lo, hi int) int {
	if lo < 1 {
		lo = 1
	}
	for p := hi; p >= lo; p-- {
		if p >= 2 && runes[p-1] == '\n' && runes[p-2] == '\n' {
			return p
		}
	}
	for p := hi; p >= lo; p-- {
		if p >= 2 && unicode.IsSpace(runes[p-1]) && strings.ContainsRune(".!?", runes[p-2]) {
			return p
		}
	}
	for p := hi; p >= lo; p-- {
		if unicode.IsSpace(runes[p-1]) {
			return p
		}
	}
	return hi
}

// sourceHash fingerprints text together with the chunking parameters, so a
// changed chunk size forces re-ingestion.
func (c Chunker) sourceHash(text string) string {
	return contentHash(fmt.Sprintf("%d/%d\n%s", c.Size, c.Overlap, text))
}

// Reconstruct joins chunks of one source, ordered by Index, dropping each
// chunk's overlap.
func Reconstruct(chunks []Chunk) string {
	var b strings.Builder
	for _, c := range chunks {
		r := []rune(c.Text)
		if c.Overlap > len(r) {
			continue
		}
		b.WriteString(string(r[c.Overlap:]))
	}
	return b.String()
}
