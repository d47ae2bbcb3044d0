package config

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/robfig/cron/v3"
)

var validIntents = []string{IntentInformation, IntentItinerary, IntentTravelPlan, IntentSupportTrip}

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	case "gemini":
		if !regexp.MustCompile(`^[A-Za-z0-9_-]{20,}$`).MatchString(key) {
			return fmt.Errorf("invalid Gemini API key format")
		}
	default:
		return fmt.Errorf("invalid provider %s (must be: anthropic, openai, gemini)", provider)
	}

	return nil
}

// ValidateIntent validates an intent label
func (v *Validator) ValidateIntent(intent string) error {
	for _, valid := range validIntents {
		if intent == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid intent: %s (must be one of: %s)", intent, strings.Join(validIntents, ", "))
}

// ValidateTemperature validates temperature value
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 1 {
		return fmt.Errorf("temperature must be between 0 and 1, got %f", temp)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateChunking validates chunk length and overlap
func (v *Validator) ValidateChunking(size, overlap int) error {
	if size <= 0 {
		return fmt.Errorf("policy.chunk_size must be positive, got %d", size)
	}
	if overlap < 0 || overlap >= size {
		return fmt.Errorf("policy.chunk_overlap must be in [0, chunk_size), got %d", overlap)
	}
	return nil
}

// ValidateSchedule validates a cron schedule expression
func (v *Validator) ValidateSchedule(spec string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid backup schedule %q: %w", spec, err)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	seen := make(map[string]bool)
	for i, profile := range cfg.AI.Profiles {
		if profile.ID == "" {
			errors = append(errors, fmt.Errorf("AI profile %d: ID is required", i))
			continue
		}
		if seen[profile.ID] {
			errors = append(errors, fmt.Errorf("AI profile %s: duplicate ID", profile.ID))
		}
		seen[profile.ID] = true
		if err := v.ValidateAPIKey(profile.APIKey, profile.Provider); err != nil {
			errors = append(errors, fmt.Errorf("AI profile %d (%s): %w", i, profile.ID, err))
		}
	}
	if cfg.Models.Profile != "" && !seen[cfg.Models.Profile] {
		errors = append(errors, fmt.Errorf("models.profile %q does not match any AI profile", cfg.Models.Profile))
	}

	for name, row := range cfg.Models.Intents {
		switch name {
		case IntentClassification, IntentSlotExtraction:
		default:
			if err := v.ValidateIntent(name); err != nil {
				errors = append(errors, fmt.Errorf("models.intents: %w", err))
				continue
			}
		}
		if row.Model == "" {
			errors = append(errors, fmt.Errorf("models.intents.%s: model is required", name))
		}
		if err := v.ValidateTemperature(row.Temperature); err != nil {
			errors = append(errors, fmt.Errorf("models.intents.%s: %w", name, err))
		}
		if row.MaxTokens != 0 {
			if err := v.ValidateMaxTokens(row.MaxTokens); err != nil {
				errors = append(errors, fmt.Errorf("models.intents.%s: %w", name, err))
			}
		}
	}

	if err := v.ValidateIntent(cfg.Router.DefaultIntent); err != nil {
		errors = append(errors, fmt.Errorf("router.default_intent: %w", err))
	}

	if cfg.Generation.TimeoutSeconds <= 0 {
		errors = append(errors, fmt.Errorf("generation.timeout_seconds must be positive"))
	}
	if cfg.Generation.Retries < 0 {
		errors = append(errors, fmt.Errorf("generation.retries must be >= 0"))
	}

	switch cfg.Embedding.Provider {
	case "hash", "openai":
	default:
		errors = append(errors, fmt.Errorf("invalid embedding provider: %s (must be: hash, openai)", cfg.Embedding.Provider))
	}
	if cfg.Embedding.Dimension <= 0 {
		errors = append(errors, fmt.Errorf("embedding.dimension must be positive"))
	}

	switch cfg.Policy.Backend {
	case "sqlite", "memory":
	default:
		errors = append(errors, fmt.Errorf("invalid policy backend: %s (must be: sqlite, memory)", cfg.Policy.Backend))
	}
	if err := v.ValidateChunking(cfg.Policy.ChunkSize, cfg.Policy.ChunkOverlap); err != nil {
		errors = append(errors, err)
	}
	if cfg.Policy.TopK <= 0 {
		errors = append(errors, fmt.Errorf("policy.top_k must be positive"))
	}

	for _, pattern := range cfg.Guardrails.BlockedPatterns {
		if _, err := regexp.Compile(pattern); err != nil {
			errors = append(errors, fmt.Errorf("guardrails.blocked_patterns: %w", err))
		}
	}

	if cfg.Session.MaxHistory < 0 {
		errors = append(errors, fmt.Errorf("session.max_history must be >= 0"))
	}

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errors = append(errors, fmt.Errorf("invalid server port: %d", cfg.Server.Port))
	}

	if cfg.Backup.Enabled {
		if err := v.ValidateSchedule(cfg.Backup.Schedule); err != nil {
			errors = append(errors, err)
		}
	}

	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		errors = append(errors, fmt.Errorf("tracing.sample_ratio must be between 0 and 1"))
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}
	for component, level := range cfg.Logging.Components {
		if err := v.ValidateLogLevel(level); err != nil {
			errors = append(errors, fmt.Errorf("logging.components.%s: %w", component, err))
		}
	}

	return errors
}
