package assembler

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
	"github.com/harun/tripmate/pkg/memory"
	"github.com/harun/tripmate/pkg/policy"
	"github.com/harun/tripmate/pkg/prompts"
	"github.com/harun/tripmate/pkg/router"
)

// Retrieval limits.
const (
	itineraryPreferences  = 10
	regeneratePreferences = 20
	itineraryTurns        = 6
	turnRunes             = 300
	selectionLimit        = 10
	selectionRunes        = 500
)

// MemoryStore is the part of the memory store handlers use.
type MemoryStore interface {
	Append(ctx context.Context, userID, text string, kind memory.Kind) (*memory.Record, error)
	RecentByKind(ctx context.Context, userID string, limit int, kinds ...memory.Kind) ([]memory.Record, error)
}

// Config wires an Assembler.
type Config struct {
	Memory MemoryStore
	// Policy may be nil; handlers then note that policy grounding is
	// unavailable.
	Policy    policy.Index
	Generator llm.Generator
	Catalog   *prompts.Catalog
	Models    config.ModelsConfig
	TopK      int
	Logger    zerolog.Logger
}

// Assembler dispatches a classified turn to its handler.
type Assembler struct {
	memory    MemoryStore
	policy    policy.Index
	generator llm.Generator
	catalog   *prompts.Catalog
	slots     *SlotExtractor
	models    config.ModelsConfig
	topK      int
	logger    zerolog.Logger
}

// New creates an Assembler.
func New(cfg Config) (*Assembler, error) {
	observability.EnsureRegistered()

	if cfg.Memory == nil {
		return nil, errors.New("assembler: memory store is required")
	}
	if cfg.Generator == nil {
		return nil, errors.New("assembler: generator is required")
	}
	if cfg.Catalog == nil {
		catalog, err := prompts.Default()
		if err != nil {
			return nil, err
		}
		cfg.Catalog = catalog
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 3
	}

	slots, err := NewSlotExtractor(cfg.Generator, cfg.Catalog, cfg.Models)
	if err != nil {
		return nil, err
	}

	return &Assembler{
		memory:    cfg.Memory,
		policy:    cfg.Policy,
		generator: cfg.Generator,
		catalog:   cfg.Catalog,
		slots:     slots,
		models:    cfg.Models,
		topK:      cfg.TopK,
		logger:    cfg.Logger,
	}, nil
}

// Assemble runs the handler for intent. Unknown intents are treated as
// itinerary requests.
func (a *Assembler) Assemble(ctx context.Context, intent router.Intent, c Context) *Result {
	ctx, span := tracing.StartSpan(ctx, "tripmate.assembler", "assembler.assemble",
		attribute.String("intent", string(intent)),
	)
	defer span.End()

	start := time.Now()
	var res *Result
	switch intent {
	case router.Information:
		res = a.information(ctx, c)
	case router.TravelPlan:
		res = a.travelPlan(ctx, c)
	case router.SupportTrip:
		res = a.supportTrip(ctx, c)
	default:
		intent = router.Itinerary
		res = a.itinerary(ctx, c)
	}
	res.Intent = intent
	if res.Outcome == OutcomeApology {
		res.Kind = ""
		span.SetStatus(codes.Error, "generation failed")
	} else if res.Kind == "" {
		res.Kind = intent
	}

	observability.RecordTurn(string(intent), string(res.Outcome), time.Since(start))
	return res
}

// generate renders prompt name and calls the generator with the model row of
// intent.
func (a *Assembler) generate(ctx context.Context, intent, name string, data any) (string, error) {
	system, user, err := a.catalog.Render(name, data)
	if err != nil {
		return "", err
	}

	row := a.models.Intent(intent)
	resp, err := a.generator.Generate(ctx, llm.Request{
		Model:       row.Model,
		System:      system,
		Prompt:      user,
		Temperature: row.Temperature,
		MaxTokens:   row.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// apology logs a generation failure and returns the fixed apology.
func (a *Assembler) apology(ctx context.Context, c Context, err error) *Result {
	logger := tracing.LoggerFromContext(ctx, a.logger)
	event := logger.Error().Err(err)
	var perr *llm.ProviderError
	if errors.As(err, &perr) {
		event = event.Str("provider", perr.Provider).Str("kind", string(perr.Kind))
	}
	event.Msg("Generation failed, returning apology")

	return &Result{
		Text:             Apology,
		Outcome:          OutcomeApology,
		Slots:            c.Slots,
		PendingSelection: c.PendingSelection,
	}
}

// remember appends a record and reports its id. Failures are logged only.
func (a *Assembler) remember(ctx context.Context, userID, text string, kind memory.Kind) string {
	rec, err := a.memory.Append(ctx, userID, text, kind)
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, a.logger)
		logger.Warn().
			Err(err).
			Str("kind", string(kind)).
			Msg("Failed to store memory record, continuing")
		return ""
	}
	return rec.ID
}

// recall returns texts of recent records of kinds. Failures yield nothing.
func (a *Assembler) recall(ctx context.Context, userID string, limit int, kinds ...memory.Kind) []string {
	records, err := a.memory.RecentByKind(ctx, userID, limit, kinds...)
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, a.logger)
		logger.Warn().
			Err(err).
			Msg("Memory unavailable, continuing without history")
		return nil
	}
	return memory.Texts(records)
}

// policyContext returns grounding text for query.
func (a *Assembler) policyContext(ctx context.Context, query string) string {
	if a.policy == nil {
		return PolicyUnavailableNote
	}

	chunks, err := a.policy.Query(ctx, query, a.topK)
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, a.logger)
		logger.Warn().
			Err(err).
			Msg("Policy index unavailable, continuing without grounding")
		return PolicyUnavailableNote
	}
	if len(chunks) == 0 {
		return NoPolicyFound
	}

	texts := make([]string, len(chunks))
	for i, chunk := range chunks {
		texts[i] = chunk.Text
	}
	return "Relevant Policy Information:\n" + strings.Join(texts, "\n\n")
}

// recentTurns keeps the last n turns, each cut to turnRunes.
func recentTurns(history []router.Turn, n int) []router.Turn {
	if len(history) > n {
		history = history[len(history)-n:]
	}
	out := make([]router.Turn, len(history))
	for i, t := range history {
		t.Content = router.Truncate(t.Content, turnRunes)
		out[i] = t
	}
	return out
}
