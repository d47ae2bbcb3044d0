package llm

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/tripmate/internal/observability"
	"github.com/harun/tripmate/internal/tracing"
)

// RetryConfig bounds a RetryingGenerator.
type RetryConfig struct {
	// Timeout applies to each attempt separately.
	Timeout time.Duration
	// Retries is the number of extra attempts after a transient failure.
	Retries int
	Backoff time.Duration
}

// DefaultRetryConfig returns a 30s timeout with a single retry.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{Timeout: 30 * time.Second, Retries: 1, Backoff: 500 * time.Millisecond}
}

// RetryingGenerator decorates a Generator with per-call timeouts and retries.
type RetryingGenerator struct {
	next   Generator
	cfg    RetryConfig
	logger zerolog.Logger
}

// NewRetryingGenerator wraps next.
func NewRetryingGenerator(next Generator, cfg RetryConfig, logger zerolog.Logger) *RetryingGenerator {
	observability.EnsureRegistered()
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRetryConfig().Timeout
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	return &RetryingGenerator{next: next, cfg: cfg, logger: logger}
}

func (g *RetryingGenerator) Provider() string {
	return g.next.Provider()
}

// Generate calls the wrapped generator, retrying transient failures with
// exponential backoff. The returned error is always a *ProviderError.
func (g *RetryingGenerator) Generate(ctx context.Context, req Request) (*Response, error) {
	provider := g.next.Provider()
	ctx, span := tracing.StartSpan(ctx, "tripmate.llm", "llm.generate",
		attribute.String("provider", provider),
		attribute.String("model", req.Model),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, g.logger)

	var lastErr *ProviderError
retry:
	for attempt := 0; attempt <= g.cfg.Retries; attempt++ {
		resp, err := g.attempt(ctx, req)
		if err == nil {
			span.SetAttributes(attribute.Int("attempts", attempt+1))
			return resp, nil
		}
		lastErr = classifyError(provider, err)

		if ctx.Err() != nil || !lastErr.Retryable() || attempt == g.cfg.Retries {
			break retry
		}

		delay := g.cfg.Backoff * time.Duration(1<<attempt)
		observability.RecordGeneratorRetry(provider)
		logger.Info().
			Int("attempt", attempt+1).
			Str("kind", string(lastErr.Kind)).
			Dur("delay", delay).
			Msg("Retrying after error")

		select {
		case <-ctx.Done():
			lastErr = classifyError(provider, ctx.Err())
			break retry
		case <-time.After(delay):
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, string(lastErr.Kind))
	logger.Warn().Err(lastErr).Str("model", req.Model).Msg("Generation failed")
	return nil, lastErr
}

func (g *RetryingGenerator) attempt(ctx context.Context, req Request) (*Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := g.next.Generate(callCtx, req)
	observability.RecordGeneratorCall(g.next.Provider(), time.Since(start), err == nil)
	return resp, err
}
