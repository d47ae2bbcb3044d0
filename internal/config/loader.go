package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	appDirName     = ".tripmate"
	configFileName = "tripmate.json"
	envPrefix      = "TRIPMATE"
)

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load loads the configuration from file
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return nil, fmt.Errorf("failed to get home directory")
	}

	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); err == nil {
		v := viper.New()
		v.SetConfigFile(configPath)
		v.SetConfigType("json")

		// TRIPMATE_LOGGING_LEVEL overrides logging.level
		v.SetEnvPrefix(envPrefix)
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	if err := applyDefaults(cfg); err != nil {
		return nil, err
	}
	applyEnvProfiles(cfg)

	return cfg, nil
}

// applyDefaults fills paths derived from the data directory.
func applyDefaults(cfg *Config) error {
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, appDirName)
	}

	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "tripmate.log")
	}
	if cfg.Logging.AuditFile == "" {
		cfg.Logging.AuditFile = filepath.Join(cfg.DataDir, "audit.jsonl")
	}
	if cfg.Memory.DBPath == "" {
		cfg.Memory.DBPath = filepath.Join(cfg.DataDir, "memory.db")
	}
	if cfg.Policy.DBPath == "" {
		cfg.Policy.DBPath = filepath.Join(cfg.DataDir, "policy.db")
	}
	if cfg.Policy.Dir == "" {
		cfg.Policy.Dir = filepath.Join(cfg.DataDir, "policies")
	}
	if cfg.Session.Dir == "" {
		cfg.Session.Dir = filepath.Join(cfg.DataDir, "sessions")
	}
	if cfg.Backup.Dir == "" {
		cfg.Backup.Dir = filepath.Join(cfg.DataDir, "backups")
	}
	if len(cfg.Models.Intents) == 0 {
		cfg.Models.Intents = DefaultIntents()
	}
	return nil
}

// applyEnvProfiles adds a profile per provider key found in the environment
// when the config file declares none.
func applyEnvProfiles(cfg *Config) {
	if len(cfg.AI.Profiles) > 0 {
		return
	}

	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		cfg.AI.Profiles = append(cfg.AI.Profiles, AIProfile{ID: "anthropic-env", Provider: "anthropic", APIKey: key, Priority: 1})
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		cfg.AI.Profiles = append(cfg.AI.Profiles, AIProfile{ID: "openai-env", Provider: "openai", APIKey: key, Priority: 2})
	}
	key := os.Getenv("GEMINI_API_KEY")
	if key == "" {
		key = os.Getenv("GOOGLE_API_KEY")
	}
	if key != "" {
		cfg.AI.Profiles = append(cfg.AI.Profiles, AIProfile{ID: "gemini-env", Provider: "gemini", APIKey: key, Priority: 3})
	}
}

// Save saves the configuration to file
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to get home directory")
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("data_dir", cfg.DataDir)
	v.Set("logging", cfg.Logging)
	v.Set("ai", cfg.AI)
	v.Set("models", cfg.Models)
	v.Set("generation", cfg.Generation)
	v.Set("embedding", cfg.Embedding)
	v.Set("memory", cfg.Memory)
	v.Set("policy", cfg.Policy)
	v.Set("router", cfg.Router)
	v.Set("guardrails", cfg.Guardrails)
	v.Set("session", cfg.Session)
	v.Set("server", cfg.Server)
	v.Set("backup", cfg.Backup)
	v.Set("tracing", cfg.Tracing)

	if err := v.WriteConfig(); err != nil {
		if os.IsNotExist(err) {
			if err := v.SafeWriteConfig(); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
		} else {
			return fmt.Errorf("failed to write config file: %w", err)
		}
	}

	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, appDirName, configFileName)
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}
