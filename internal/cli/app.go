package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/harun/tripmate/internal/config"
	"github.com/harun/tripmate/internal/logger"
	"github.com/harun/tripmate/internal/observability"
	"github.com/harun/tripmate/internal/tracing"
	"github.com/harun/tripmate/pkg/assembler"
	"github.com/harun/tripmate/pkg/assistant"
	"github.com/harun/tripmate/pkg/commandqueue"
	"github.com/harun/tripmate/pkg/embedding"
	"github.com/harun/tripmate/pkg/guardrails"
	"github.com/harun/tripmate/pkg/llm"
	"github.com/harun/tripmate/pkg/memory"
	"github.com/harun/tripmate/pkg/policy"
	"github.com/harun/tripmate/pkg/prompts"
	"github.com/harun/tripmate/pkg/router"
	"github.com/harun/tripmate/pkg/session"
)

const serviceName = "tripmate"

// app holds the components a command needs. Fields stay nil when the
// command did not ask for them.
type app struct {
	cfg       *config.Config
	log       *logger.Logger
	embedder  embedding.Embedder
	memory    *memory.Store
	policy    policy.Index
	queue     *commandqueue.CommandQueue
	assistant *assistant.Assistant
}

type appOptions struct {
	// console keeps log output on stderr.
	console bool
	// assistant builds the generator and the turn pipeline, which needs
	// AI credentials.
	assistant bool
}

// loadConfig reads the config file and applies the --log-level flag.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if rootCmd.PersistentFlags().Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newApp(opts appOptions) (_ *app, err error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		Console:    opts.console && cfg.Logging.Console,
		Pretty:     cfg.Logging.Pretty,
		Redaction:  cfg.Logging.Redaction,
		Components: cfg.Logging.Components,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	a := &app{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if err := observability.InitAuditLogger(cfg.Logging.AuditFile); err != nil {
		log.Warn().Err(err).Str("path", cfg.Logging.AuditFile).Msg("Audit log disabled")
	}
	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(serviceName, cfg.Tracing.SampleRatio); err != nil {
			log.Warn().Err(err).Msg("Tracing disabled")
		}
	}

	a.embedder, err = embedding.NewFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}

	a.memory, err = memory.Open(memory.Config{
		DBPath:   cfg.Memory.DBPath,
		Embedder: a.embedder,
		Logger:   log.Component("memory"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open memory store: %w", err)
	}

	a.policy, err = policy.NewFromConfig(cfg, a.embedder, log.Component("policy"))
	if err != nil {
		return nil, fmt.Errorf("failed to open policy index: %w", err)
	}

	if !opts.assistant {
		return a, nil
	}

	if err := a.buildAssistant(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) buildAssistant() error {
	cfg := a.cfg

	generator, err := llm.NewFromConfig(cfg, a.log.Component("llm"))
	if err != nil {
		return fmt.Errorf("failed to create generator: %w", err)
	}

	catalog, err := prompts.Load(cfg.Server.PromptsFile)
	if err != nil {
		return fmt.Errorf("failed to load prompts: %w", err)
	}

	responder, err := assembler.New(assembler.Config{
		Memory:    a.memory,
		Policy:    a.policy,
		Generator: generator,
		Catalog:   catalog,
		Models:    cfg.Models,
		TopK:      cfg.Policy.TopK,
		Logger:    a.log.Component("assembler"),
	})
	if err != nil {
		return err
	}

	guard, err := guardrails.New(cfg.Guardrails, a.log.Component("guardrails"))
	if err != nil {
		return err
	}

	sessions, err := session.New(session.Config{
		Dir:        cfg.Session.Dir,
		MaxHistory: cfg.Session.MaxHistory,
		Logger:     a.log.Component("session"),
	})
	if err != nil {
		return err
	}

	a.queue = commandqueue.New(a.log.Component("queue"))
	a.assistant, err = assistant.New(assistant.Config{
		Guard:       guard,
		Sessions:    sessions,
		Router:      router.New(generator, catalog, cfg, a.log.Component("router")),
		Responder:   responder,
		Memory:      a.memory,
		Queue:       a.queue,
		MemoryLimit: cfg.Router.MemoryLimit,
		Logger:      a.log.Component("assistant"),
	})
	return err
}

// Close releases everything the app opened, in reverse order.
func (a *app) Close() {
	if a.queue != nil {
		if !a.queue.WaitForActive(10 * time.Second) {
			a.log.Warn().Msg("Timed out waiting for active turns")
		}
		a.queue.Close()
	}

	var errs []error
	if a.policy != nil {
		errs = append(errs, a.policy.Close())
	}
	if a.memory != nil {
		errs = append(errs, a.memory.Close())
	}
	if err := errors.Join(errs...); err != nil {
		a.log.Error().Err(err).Msg("Failed to close stores")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = tracing.ShutdownOpenTelemetry(ctx)
	_ = observability.CloseAuditLogger()
	a.log.Close()
}
