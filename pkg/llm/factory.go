package llm

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/tripmate/internal/config"
)

// New creates the generator for a single AI profile.
func New(profile config.AIProfile) (Generator, error) {
	switch profile.Provider {
	case "anthropic":
		return NewAnthropicGenerator(profile.APIKey, profile.BaseURL), nil
	case "openai":
		return NewOpenAIGenerator(profile.APIKey, profile.BaseURL), nil
	case "gemini":
		return NewGeminiGenerator(profile.APIKey, profile.BaseURL), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", profile.Provider)
	}
}

// NewFromConfig creates a retrying generator for the active profile.
func NewFromConfig(cfg *config.Config, logger zerolog.Logger) (*RetryingGenerator, error) {
	profile, err := cfg.ActiveProfile()
	if err != nil {
		return nil, err
	}
	gen, err := New(profile)
	if err != nil {
		return nil, err
	}

	logger.Info().Str("profile", profile.ID).Str("provider", profile.Provider).Msg("Generator configured")
	return NewRetryingGenerator(gen, RetryConfig{
		Timeout: time.Duration(cfg.Generation.TimeoutSeconds) * time.Second,
		Retries: cfg.Generation.Retries,
		Backoff: time.Duration(cfg.Generation.BackoffMs) * time.Millisecond,
	}, logger), nil
}
