package config

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Intent names used as keys of Models.Intents.
const (
	IntentClassification = "classification"
	IntentSlotExtraction = "slot_extraction"
	IntentInformation    = "information"
	IntentItinerary      = "itinerary"
	IntentTravelPlan     = "travel_plan"
	IntentSupportTrip    = "support_trip"
)

// Config represents the main tripmate configuration
type Config struct {
	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// AI configuration
	AI AIConfig `json:"ai" mapstructure:"ai"`

	// Models
	Models ModelsConfig `json:"models" mapstructure:"models"`

	// Generation call behaviour
	Generation GenerationConfig `json:"generation" mapstructure:"generation"`

	Embedding  EmbeddingConfig  `json:"embedding" mapstructure:"embedding"`
	Memory     MemoryConfig     `json:"memory" mapstructure:"memory"`
	Policy     PolicyConfig     `json:"policy" mapstructure:"policy"`
	Router     RouterConfig     `json:"router" mapstructure:"router"`
	Guardrails GuardrailsConfig `json:"guardrails" mapstructure:"guardrails"`
	Session    SessionConfig    `json:"session" mapstructure:"session"`

	// HTTP / websocket server
	Server ServerConfig `json:"server" mapstructure:"server"`

	Backup  BackupConfig  `json:"backup" mapstructure:"backup"`
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	// Components sets per-component levels, e.g. {"llm": "debug"}.
	Components map[string]string `json:"components,omitempty" mapstructure:"components"`
}

// AIConfig holds AI provider configuration
type AIConfig struct {
	Profiles []AIProfile `json:"profiles" mapstructure:"profiles"`
}

// AIProfile represents an AI provider profile
type AIProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai, gemini
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	BaseURL  string `json:"base_url,omitempty" mapstructure:"base_url"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// ModelsConfig maps each intent to the model settings used to serve it.
type ModelsConfig struct {
	// Profile pins the AI profile; empty selects the lowest priority value.
	Profile string                 `json:"profile" mapstructure:"profile"`
	Intents map[string]IntentModel `json:"intents" mapstructure:"intents"`
}

// IntentModel is one row of the intent table.
type IntentModel struct {
	Model       string  `json:"model" mapstructure:"model"`
	Temperature float64 `json:"temperature" mapstructure:"temperature"`
	MaxTokens   int     `json:"max_tokens" mapstructure:"max_tokens"`
}

// GenerationConfig controls timeouts and retries of generator calls.
type GenerationConfig struct {
	TimeoutSeconds int `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	Retries        int `json:"retries" mapstructure:"retries"`
	BackoffMs      int `json:"backoff_ms" mapstructure:"backoff_ms"`
}

// EmbeddingConfig selects and tunes the embedder.
type EmbeddingConfig struct {
	Provider      string `json:"provider" mapstructure:"provider"` // hash, openai
	Model         string `json:"model" mapstructure:"model"`
	Dimension     int    `json:"dimension" mapstructure:"dimension"`
	MaxInputRunes int    `json:"max_input_runes" mapstructure:"max_input_runes"`
	CacheSize     int64  `json:"cache_size" mapstructure:"cache_size"` // entries, 0 disables
}

// MemoryConfig configures the memory store.
type MemoryConfig struct {
	DBPath string `json:"db_path" mapstructure:"db_path"`
}

// PolicyConfig configures the policy index.
type PolicyConfig struct {
	Backend       string `json:"backend" mapstructure:"backend"` // sqlite, memory
	DBPath        string `json:"db_path" mapstructure:"db_path"`
	Dir           string `json:"dir" mapstructure:"dir"`
	ChunkSize     int    `json:"chunk_size" mapstructure:"chunk_size"`
	ChunkOverlap  int    `json:"chunk_overlap" mapstructure:"chunk_overlap"`
	TopK          int    `json:"top_k" mapstructure:"top_k"`
	Watch         bool   `json:"watch" mapstructure:"watch"`
	WatchDebounce int    `json:"watch_debounce_ms" mapstructure:"watch_debounce_ms"`
}

// RouterConfig configures intent classification.
type RouterConfig struct {
	DefaultIntent string `json:"default_intent" mapstructure:"default_intent"`
	HistoryTurns  int    `json:"history_turns" mapstructure:"history_turns"`
	TurnRunes     int    `json:"turn_runes" mapstructure:"turn_runes"`
	MemoryLimit   int    `json:"memory_limit" mapstructure:"memory_limit"`
}

// GuardrailsConfig configures input screening and output redaction.
type GuardrailsConfig struct {
	Enabled         bool     `json:"enabled" mapstructure:"enabled"`
	BlockedKeywords []string `json:"blocked_keywords" mapstructure:"blocked_keywords"`
	BlockedPatterns []string `json:"blocked_patterns" mapstructure:"blocked_patterns"`
	RedactOutput    bool     `json:"redact_output" mapstructure:"redact_output"`
}

// SessionConfig configures conversation history.
type SessionConfig struct {
	Dir        string `json:"dir" mapstructure:"dir"`
	MaxHistory int    `json:"max_history" mapstructure:"max_history"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host                   string `json:"host" mapstructure:"host"`
	Port                   int    `json:"port" mapstructure:"port"`
	RateLimit              int    `json:"rate_limit" mapstructure:"rate_limit"` // requests per window, 0 disables
	RateWindowSeconds      int    `json:"rate_window_seconds" mapstructure:"rate_window_seconds"`
	ShutdownTimeoutSeconds int    `json:"shutdown_timeout_seconds" mapstructure:"shutdown_timeout_seconds"`
	PromptsFile            string `json:"prompts_file" mapstructure:"prompts_file"`
}

// BackupConfig configures scheduled exports.
type BackupConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Schedule string `json:"schedule" mapstructure:"schedule"`
	Dir      string `json:"dir" mapstructure:"dir"`
}

// TracingConfig configures the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			Redaction: true,
		},
		AI: AIConfig{
			Profiles: []AIProfile{},
		},
		Models: ModelsConfig{
			Intents: DefaultIntents(),
		},
		Generation: GenerationConfig{
			TimeoutSeconds: 30,
			Retries:        1,
			BackoffMs:      500,
		},
		Embedding: EmbeddingConfig{
			Provider:      "hash",
			Model:         "text-embedding-3-small",
			Dimension:     256,
			MaxInputRunes: 8000,
			CacheSize:     10000,
		},
		Policy: PolicyConfig{
			Backend:       "sqlite",
			ChunkSize:     1000,
			ChunkOverlap:  200,
			TopK:          3,
			Watch:         false,
			WatchDebounce: 500,
		},
		Router: RouterConfig{
			DefaultIntent: IntentItinerary,
			HistoryTurns:  4,
			TurnRunes:     200,
			MemoryLimit:   5,
		},
		Guardrails: GuardrailsConfig{
			Enabled:      true,
			RedactOutput: true,
		},
		Session: SessionConfig{
			MaxHistory: 50,
		},
		Server: ServerConfig{
			Host:                   "127.0.0.1",
			Port:                   8080,
			RateLimit:              60,
			RateWindowSeconds:      60,
			ShutdownTimeoutSeconds: 10,
		},
		Backup: BackupConfig{
			Enabled:  false,
			Schedule: "@daily",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			SampleRatio: 1.0,
		},
	}
}

// DefaultIntents returns the built-in intent table.
func DefaultIntents() map[string]IntentModel {
	return map[string]IntentModel{
		IntentClassification: {Model: "claude-3-5-haiku-latest", Temperature: 0.3, MaxTokens: 16},
		IntentSlotExtraction: {Model: "claude-3-5-haiku-latest", Temperature: 0, MaxTokens: 256},
		IntentInformation:    {Model: "claude-sonnet-4-5", Temperature: 0.7, MaxTokens: 2048},
		IntentItinerary:      {Model: "claude-sonnet-4-5", Temperature: 0.7, MaxTokens: 2048},
		IntentTravelPlan:     {Model: "claude-sonnet-4-5", Temperature: 0.5, MaxTokens: 3072},
		IntentSupportTrip:    {Model: "claude-sonnet-4-5", Temperature: 0.4, MaxTokens: 1536},
	}
}

// Intent returns the model row for an intent, falling back to the built-in row.
func (m ModelsConfig) Intent(name string) IntentModel {
	if row, ok := m.Intents[name]; ok && row.Model != "" {
		return row
	}
	return DefaultIntents()[name]
}

// ActiveProfile returns the profile generators should use.
func (c *Config) ActiveProfile() (AIProfile, error) {
	if len(c.AI.Profiles) == 0 {
		return AIProfile{}, fmt.Errorf("no AI credentials configured: at least one AI profile is required")
	}
	if c.Models.Profile != "" {
		for _, p := range c.AI.Profiles {
			if p.ID == c.Models.Profile {
				return p, nil
			}
		}
		return AIProfile{}, fmt.Errorf("models.profile %q does not match any AI profile", c.Models.Profile)
	}

	profiles := append([]AIProfile(nil), c.AI.Profiles...)
	sort.SliceStable(profiles, func(i, j int) bool { return profiles[i].Priority < profiles[j].Priority })
	return profiles[0], nil
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	errs := NewValidator().ValidateConfig(c)
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}
