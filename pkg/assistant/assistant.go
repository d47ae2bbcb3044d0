// Package assistant runs one user turn end to end.
//
// A turn is screened by the guardrails, classified by the router, answered
// by the assembler and recorded in the user's session. Turns of one user run
// one at a time through that user's lane.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/tripmate/internal/observability"
	"github.com/harun/tripmate/internal/tracing"
	"github.com/harun/tripmate/pkg/assembler"
	"github.com/harun/tripmate/pkg/commandqueue"
	"github.com/harun/tripmate/pkg/guardrails"
	"github.com/harun/tripmate/pkg/memory"
	"github.com/harun/tripmate/pkg/router"
	"github.com/harun/tripmate/pkg/session"
)

// ErrInvalidRequest is returned for requests that cannot start a turn.
var ErrInvalidRequest = errors.New("invalid turn request")

// OutcomeBlocked marks a turn stopped by the guardrails.
const OutcomeBlocked = "blocked"

const (
	defaultHistory     = 12
	defaultMemoryLimit = 5
)

// Classifier labels a turn.
type Classifier interface {
	Classify(ctx context.Context, text string, c router.Context) router.Intent
}

// Responder answers a classified turn.
type Responder interface {
	Assemble(ctx context.Context, intent router.Intent, c assembler.Context) *assembler.Result
}

// MemoryReader supplies recent memory to the classifier.
type MemoryReader interface {
	Recent(ctx context.Context, userID string, limit int) ([]memory.Record, error)
}

// Config wires an Assistant.
type Config struct {
	Guard     *guardrails.Guard
	Sessions  *session.Manager
	Router    Classifier
	Responder Responder
	Memory    MemoryReader
	Queue     *commandqueue.CommandQueue
	// History is how many session messages are loaded per turn.
	History     int
	MemoryLimit int
	Logger      zerolog.Logger
}

// TurnRequest is one user message.
type TurnRequest struct {
	UserID string            `json:"user_id"`
	Input  string            `json:"input"`
	Slots  map[string]string `json:"slots,omitempty"`
}

// TurnResult is the answer to a turn.
type TurnResult struct {
	TurnID  string            `json:"turn_id"`
	Text    string            `json:"text"`
	Intent  string            `json:"intent,omitempty"`
	Outcome string            `json:"outcome"`
	Slots   map[string]string `json:"slots,omitempty"`
	Missing []string          `json:"missing,omitempty"`
}

// Assistant handles turns.
type Assistant struct {
	cfg    Config
	logger zerolog.Logger
}

// New creates an Assistant.
func New(cfg Config) (*Assistant, error) {
	observability.EnsureRegistered()

	if cfg.Guard == nil || cfg.Sessions == nil || cfg.Router == nil || cfg.Responder == nil || cfg.Queue == nil {
		return nil, errors.New("assistant: guard, sessions, router, responder and queue are required")
	}
	if cfg.History <= 0 {
		cfg.History = defaultHistory
	}
	if cfg.MemoryLimit <= 0 {
		cfg.MemoryLimit = defaultMemoryLimit
	}
	return &Assistant{cfg: cfg, logger: cfg.Logger}, nil
}

// HandleTurn processes req in the user's lane. Only an invalid request
// returns an error; every other failure degrades into the returned text.
func (a *Assistant) HandleTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}

	ctx = tracing.NewTurnContext(ctx, req.UserID)
	value, err := a.cfg.Queue.Enqueue(ctx, commandqueue.UserLane(req.UserID), func(ctx context.Context) (interface{}, error) {
		return a.run(ctx, req), nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*TurnResult), nil
}

func (a *Assistant) run(ctx context.Context, req TurnRequest) *TurnResult {
	ctx, span := tracing.StartSpan(ctx, "tripmate.assistant", "assistant.turn")
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, a.logger)

	start := time.Now()
	result := &TurnResult{TurnID: tracing.GetTurnID(ctx)}

	if err := a.cfg.Guard.CheckInput(ctx, req.Input); err != nil {
		var blockErr *guardrails.BlockError
		if errors.As(err, &blockErr) {
			result.Text = blockErr.Message
		} else {
			result.Text = guardrails.MessagePolicy
		}
		result.Outcome = OutcomeBlocked
		observability.RecordTurn("none", OutcomeBlocked, time.Since(start))
		return result
	}

	key := session.UserKey(req.UserID)
	history := a.loadHistory(ctx, key)
	turns, previous, meta := buildTurns(history)

	slots := assembler.SlotsFromMap(req.Slots)
	pending := ""
	if meta != nil {
		slots = slots.Fill(assembler.SlotsFromMap(meta.Slots))
		pending = meta.PendingSelection
	}

	routerCtx := router.Context{History: turns, Memories: a.recentMemories(ctx, req.UserID)}
	if previous != nil {
		routerCtx.PreviousKind = previous.Kind
	}
	intent := a.cfg.Router.Classify(ctx, req.Input, routerCtx)
	span.SetAttributes(attribute.String("intent", string(intent)))

	res := a.cfg.Responder.Assemble(ctx, intent, assembler.Context{
		UserID:           req.UserID,
		Input:            req.Input,
		History:          turns,
		PreviousTurn:     previous,
		Slots:            slots,
		PendingSelection: pending,
	})

	text := a.cfg.Guard.RedactOutput(ctx, res.Text)
	now := time.Now()
	err := a.cfg.Sessions.Append(ctx, key,
		session.Message{Role: session.RoleUser, Content: req.Input, Timestamp: now},
		session.Message{Role: session.RoleAssistant, Content: text, Timestamp: now, Metadata: &session.Metadata{
			Intent:           string(res.Kind),
			Outcome:          string(res.Outcome),
			Slots:            res.Slots.Map(),
			PendingSelection: res.PendingSelection,
		}},
	)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to record turn in session")
	}

	result.Text = text
	result.Intent = string(res.Intent)
	result.Outcome = string(res.Outcome)
	result.Slots = res.Slots.Map()
	if res.Outcome == assembler.OutcomeIncomplete {
		result.Missing = res.Slots.Missing()
	}

	logger.Info().
		Str("intent", result.Intent).
		Str("outcome", result.Outcome).
		Int("stored", len(res.Stored)).
		Dur("duration", time.Since(start)).
		Msg("Turn completed")
	return result
}

func (a *Assistant) loadHistory(ctx context.Context, key string) []session.Message {
	messages, err := a.cfg.Sessions.Recent(ctx, key, a.cfg.History)
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, a.logger)
		logger.Warn().Err(err).Msg("Session unavailable, starting without history")
		return nil
	}
	return messages
}

func (a *Assistant) recentMemories(ctx context.Context, userID string) []string {
	if a.cfg.Memory == nil {
		return nil
	}
	records, err := a.cfg.Memory.Recent(ctx, userID, a.cfg.MemoryLimit)
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, a.logger)
		logger.Warn().Err(err).Msg("Memory unavailable for classification")
		return nil
	}
	return memory.Texts(records)
}

// buildTurns converts session messages into router turns and finds the last
// assistant turn with its metadata.
func buildTurns(messages []session.Message) ([]router.Turn, *router.Turn, *session.Metadata) {
	turns := make([]router.Turn, len(messages))
	var (
		previous *router.Turn
		meta     *session.Metadata
	)
	for i, msg := range messages {
		turn := router.Turn{Role: msg.Role, Content: msg.Content}
		if msg.Metadata != nil {
			if kind, ok := router.ParseIntent(msg.Metadata.Intent); ok {
				turn.Kind = kind
			}
			turn.Failed = msg.Metadata.Outcome == string(assembler.OutcomeApology)
		}
		turns[i] = turn
		if msg.Role == session.RoleAssistant {
			last := turn
			previous = &last
			meta = msg.Metadata
		}
	}
	return turns, previous, meta
}
