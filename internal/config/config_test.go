package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "sqlite", cfg.Policy.Backend)
	assert.Equal(t, 1000, cfg.Policy.ChunkSize)
	assert.Equal(t, 200, cfg.Policy.ChunkOverlap)
	assert.Equal(t, 3, cfg.Policy.TopK)
	assert.Equal(t, IntentItinerary, cfg.Router.DefaultIntent)
	assert.Equal(t, 4, cfg.Router.HistoryTurns)
	assert.Equal(t, 200, cfg.Router.TurnRunes)
	assert.Equal(t, 50, cfg.Session.MaxHistory)
	assert.Equal(t, "@daily", cfg.Backup.Schedule)
	assert.Equal(t, 0.3, cfg.Models.Intents[IntentClassification].Temperature)
	assert.Len(t, cfg.Models.Intents, 6)
}

func TestModelsIntent(t *testing.T) {
	m := ModelsConfig{Intents: map[string]IntentModel{
		IntentItinerary: {Model: "gpt-4o", Temperature: 0.2, MaxTokens: 100},
		IntentSupportTrip: {Temperature: 0.9},
	}}

	assert.Equal(t, "gpt-4o", m.Intent(IntentItinerary).Model)
	// rows without a model fall back to the built-in row
	assert.Equal(t, DefaultIntents()[IntentSupportTrip], m.Intent(IntentSupportTrip))
	assert.Equal(t, DefaultIntents()[IntentTravelPlan], m.Intent(IntentTravelPlan))
}

func TestActiveProfile(t *testing.T) {
	t.Run("no profiles", func(t *testing.T) {
		_, err := DefaultConfig().ActiveProfile()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no AI credentials")
	})

	t.Run("lowest priority wins", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.AI.Profiles = []AIProfile{
			{ID: "b", Provider: "openai", APIKey: "sk-x", Priority: 2},
			{ID: "a", Provider: "anthropic", APIKey: "sk-ant-x", Priority: 1},
		}
		p, err := cfg.ActiveProfile()
		require.NoError(t, err)
		assert.Equal(t, "a", p.ID)
	})

	t.Run("pinned profile", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Models.Profile = "b"
		cfg.AI.Profiles = []AIProfile{
			{ID: "a", Provider: "anthropic", APIKey: "sk-ant-x", Priority: 1},
			{ID: "b", Provider: "openai", APIKey: "sk-x", Priority: 2},
		}
		p, err := cfg.ActiveProfile()
		require.NoError(t, err)
		assert.Equal(t, "b", p.ID)
	})

	t.Run("pinned profile missing", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Models.Profile = "zzz"
		cfg.AI.Profiles = []AIProfile{{ID: "a", Provider: "anthropic", APIKey: "sk-ant-x"}}
		_, err := cfg.ActiveProfile()
		assert.Error(t, err)
	})
}

func TestConfigValidate(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.AI.Profiles = []AIProfile{
			{ID: "test-profile", Provider: "anthropic", APIKey: "sk-ant-test123", Priority: 1},
		}
		assert.NoError(t, cfg.Validate())
	})

	t.Run("defaults are valid without profiles", func(t *testing.T) {
		assert.NoError(t, DefaultConfig().Validate())
	})

	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"invalid provider", func(c *Config) {
			c.AI.Profiles = []AIProfile{{ID: "x", Provider: "cohere", APIKey: "k"}}
		}, "invalid provider"},
		{"profile without id", func(c *Config) {
			c.AI.Profiles = []AIProfile{{Provider: "anthropic", APIKey: "sk-ant-x"}}
		}, "ID is required"},
		{"bad default intent", func(c *Config) { c.Router.DefaultIntent = "chitchat" }, "router.default_intent"},
		{"overlap not smaller than size", func(c *Config) { c.Policy.ChunkOverlap = 1000 }, "chunk_overlap"},
		{"unknown backend", func(c *Config) { c.Policy.Backend = "pinecone" }, "invalid policy backend"},
		{"unknown embedder", func(c *Config) { c.Embedding.Provider = "onnx" }, "invalid embedding provider"},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "invalid server port"},
		{"bad schedule", func(c *Config) {
			c.Backup.Enabled = true
			c.Backup.Schedule = "every tuesday"
		}, "invalid backup schedule"},
		{"bad blocked pattern", func(c *Config) { c.Guardrails.BlockedPatterns = []string{"[oops"} }, "guardrails.blocked_patterns"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "invalid log level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestConfigString(t *testing.T) {
	s := DefaultConfig().String()
	assert.Contains(t, s, `"default_intent": "itinerary"`)
	assert.Contains(t, s, `"chunk_size": 1000`)
}
