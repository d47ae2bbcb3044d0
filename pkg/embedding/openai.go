package embedding

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/tripmate/internal/tracing"
)

// OpenAIConfig configures the OpenAI embedder.
type OpenAIConfig struct {
	APIKey        string
	BaseURL       string
	Model         string
	Dimension     int
	MaxInputRunes int
	Timeout       time.Duration
}

// OpenAIEmbedder implements Embedder for OpenAI
type OpenAIEmbedder struct {
	client        openai.Client
	model         string
	dimension     int
	maxInputRunes int
	timeout       time.Duration
}

// NewOpenAIEmbedder creates a new OpenAI embedding provider
func NewOpenAIEmbedder(cfg OpenAIConfig) *OpenAIEmbedder {
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = 1536
		if cfg.Model == "text-embedding-3-large" {
			cfg.Dimension = 3072
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAIEmbedder{
		client:        openai.NewClient(opts...),
		model:         cfg.Model,
		dimension:     cfg.Dimension,
		maxInputRunes: cfg.MaxInputRunes,
		timeout:       cfg.Timeout,
	}
}

func (p *OpenAIEmbedder) Dimension() int {
	return p.dimension
}

func (p *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return embeddings[0], nil
}

func (p *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	for _, t := range texts {
		if err := checkInput(t, p.maxInputRunes); err != nil {
			return nil, err
		}
	}

	ctx, span := tracing.StartSpan(ctx, "tripmate.embedding", "embedding.openai",
		attribute.String("model", p.model),
		attribute.Int("inputs", len(texts)),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: openai.EmbeddingModel(p.model),
	}
	// Only the text-embedding-3 family accepts a custom dimension.
	if strings.HasPrefix(p.model, "text-embedding-3") {
		params.Dimensions = openai.Int(int64(p.dimension))
	}

	resp, err := p.client.Embeddings.New(ctx, params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "embedding request failed")
		return nil, fmt.Errorf("%w: openai: %v", ErrEmbedding, err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("%w: openai returned %d embeddings for %d inputs", ErrEmbedding, len(resp.Data), len(texts))
	}

	embeddings := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || int(d.Index) >= len(texts) {
			return nil, fmt.Errorf("%w: openai returned out of range index %d", ErrEmbedding, d.Index)
		}
		vec := make([]float32, len(d.Embedding))
		for i, v := range d.Embedding {
			vec[i] = float32(v)
		}
		embeddings[d.Index] = vec
	}
	for i, vec := range embeddings {
		if vec == nil {
			return nil, fmt.Errorf("%w: openai returned no embedding for input %d", ErrEmbedding, i)
		}
	}

	return embeddings, nil
}
