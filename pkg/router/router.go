// Package router classifies user turns into intents with one generator call.
package router

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/tripmate/internal/config"
	"github.com/harun/tripmate/internal/observability"
	"github.com/harun/tripmate/internal/tracing"
	"github.com/harun/tripmate/pkg/llm"
	"github.com/harun/tripmate/pkg/prompts"
)

// Fallback reasons.
const (
	ReasonEmptyInput    = "empty_input"
	ReasonGenerator     = "generator_error"
	ReasonInvalidOutput = "invalid_output"
	ReasonPrompt        = "prompt_error"
)

// Turn is one message of recent conversation.
type Turn struct {
	Role    string
	Content string
	// Kind is the intent the turn was handled as, empty when unknown.
	Kind Intent
	// Failed marks an assistant turn that ended in an apology.
	Failed bool
}

// Context is advisory input for classification. An empty Context is valid.
type Context struct {
	History      []Turn
	Memories     []string
	PreviousKind Intent
}

type promptData struct {
	Input        string
	PreviousKind Intent
	Memories     []string
	History      []Turn
}

// Router classifies turns.
type Router struct {
	generator llm.Generator
	catalog   *prompts.Catalog
	model     config.IntentModel
	cfg       config.RouterConfig
	fallback  Intent
	logger    zerolog.Logger
}

// New creates a Router. An unknown default intent in cfg falls back to
// itinerary.
func New(generator llm.Generator, catalog *prompts.Catalog, cfg *config.Config, logger zerolog.Logger) *Router {
	observability.EnsureRegistered()

	fallback, ok := ParseIntent(cfg.Router.DefaultIntent)
	if !ok {
		fallback = Itinerary
	}
	rc := cfg.Router
	if rc.HistoryTurns <= 0 {
		rc.HistoryTurns = 4
	}
	if rc.TurnRunes <= 0 {
		rc.TurnRunes = 200
	}

	return &Router{
		generator: generator,
		catalog:   catalog,
		model:     cfg.Models.Intent(config.IntentClassification),
		cfg:       rc,
		fallback:  fallback,
		logger:    logger,
	}
}

// Default returns the intent used when classification fails.
func (r *Router) Default() Intent {
	return r.fallback
}

// Classify labels text. It never fails; any problem yields the default
// intent.
func (r *Router) Classify(ctx context.Context, text string, c Context) Intent {
	ctx, span := tracing.StartSpan(ctx, "tripmate.router", "router.classify")
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, r.logger)

	if strings.TrimSpace(text) == "" {
		return r.fallbackFor(ctx, logger, ReasonEmptyInput, nil)
	}

	system, user, err := r.catalog.Render(prompts.Classification, promptData{
		Input:        text,
		PreviousKind: c.PreviousKind,
		Memories:     c.Memories,
		History:      r.window(c.History),
	})
	if err != nil {
		return r.fallbackFor(ctx, logger, ReasonPrompt, err)
	}

	start := time.Now()
	resp, err := r.generator.Generate(ctx, llm.Request{
		Model:       r.model.Model,
		System:      system,
		Prompt:      user,
		Temperature: r.model.Temperature,
		MaxTokens:   r.model.MaxTokens,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return r.fallbackFor(ctx, logger, ReasonGenerator, err)
	}

	intent, ok := Normalize(resp.Text)
	if !ok {
		logger.Debug().Str("output", resp.Text).Msg("Classifier returned no usable label")
		return r.fallbackFor(ctx, logger, ReasonInvalidOutput, errors.New("unrecognized label"))
	}

	span.SetAttributes(attribute.String("intent", string(intent)))
	logger.Debug().
		Str("intent", string(intent)).
		Dur("duration", time.Since(start)).
		Msg("Turn classified")
	return intent
}

func (r *Router) fallbackFor(ctx context.Context, logger zerolog.Logger, reason string, err error) Intent {
	observability.RecordClassificationFallback(reason)
	event := logger.Warn()
	if err != nil {
		event = event.Err(err)
	}
	event.
		Str("reason", reason).
		Str("intent", string(r.fallback)).
		Msg("Classification fell back to default intent")
	return r.fallback
}

// window keeps the last HistoryTurns turns, each cut to TurnRunes runes.
func (r *Router) window(history []Turn) []Turn {
	if len(history) > r.cfg.HistoryTurns {
		history = history[len(history)-r.cfg.HistoryTurns:]
	}
	out := make([]Turn, len(history))
	for i, t := range history {
		t.Content = Truncate(t.Content, r.cfg.TurnRunes)
		out[i] = t
	}
	return out
}

// Truncate cuts s to n runes, marking the cut with "...".
func Truncate(s string, n int) string {
	runes := []rune(s)
	if n <= 0 || len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
