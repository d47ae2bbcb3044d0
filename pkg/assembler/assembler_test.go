package assembler

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/harun/tripmate/internal/config"
	"github.com/harun/tripmate/pkg/embedding"
	"github.com/harun/tripmate/pkg/llm"
	"github.com/harun/tripmate/pkg/memory"
	"github.com/harun/tripmate/pkg/policy"
	"github.com/harun/tripmate/pkg/prompts"
	"github.com/harun/tripmate/pkg/router"
)

// MockGenerator is a mock implementation of llm.Generator
type MockGenerator struct {
	mock.Mock
}

func (m *MockGenerator) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*llm.Response)
	return resp, args.Error(1)
}

func (m *MockGenerator) Provider() string {
	return "mock"
}

// MockMemory is a mock implementation of MemoryStore
type MockMemory struct {
	mock.Mock
}

func (m *MockMemory) Append(ctx context.Context, userID, text string, kind memory.Kind) (*memory.Record, error) {
	args := m.Called(ctx, userID, text, kind)
	rec, _ := args.Get(0).(*memory.Record)
	return rec, args.Error(1)
}

func (m *MockMemory) RecentByKind(ctx context.Context, userID string, limit int, kinds ...memory.Kind) ([]memory.Record, error) {
	args := m.Called(ctx, userID, limit, kinds)
	recs, _ := args.Get(0).([]memory.Record)
	return recs, args.Error(1)
}

type failingIndex struct {
	policy.Index
}

func (failingIndex) Query(ctx context.Context, text string, k int) ([]policy.Chunk, error) {
	return nil, policy.ErrIndexUnavailable
}

type testEnv struct {
	asm    *Assembler
	store  *memory.Store
	index  *policy.MemoryIndex
	gen    *MockGenerator
	prompt *llm.Request
}

func setupTestAssembler(t *testing.T) *testEnv {
	t.Helper()
	emb := embedding.NewHashEmbedder(128, 0)

	store, err := memory.Open(memory.Config{
		DBPath:   filepath.Join(t.TempDir(), "memory.db"),
		Embedder: emb,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	index, err := policy.NewMemoryIndex(policy.Options{Embedder: emb, Chunker: policy.DefaultChunker(), Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { index.Close() })

	catalog, err := prompts.Default()
	require.NoError(t, err)

	env := &testEnv{store: store, index: index, gen: &MockGenerator{}}
	env.asm, err = New(Config{
		Memory:    store,
		Policy:    index,
		Generator: env.gen,
		Catalog:   catalog,
		Models:    config.DefaultConfig().Models,
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)
	return env
}

func isSlotRequest(req llm.Request) bool {
	return strings.Contains(req.System, "extract trip details")
}

// expectSlots answers slot extraction with reply.
func (e *testEnv) expectSlots(reply string) {
	e.gen.On("Generate", mock.Anything, mock.MatchedBy(isSlotRequest)).
		Return(&llm.Response{Text: reply}, nil)
}

// expectAnswer answers every non-extraction call with text and captures the
// last request.
func (e *testEnv) expectAnswer(text string) {
	e.prompt = &llm.Request{}
	e.gen.On("Generate", mock.Anything, mock.MatchedBy(func(req llm.Request) bool { return !isSlotRequest(req) })).
		Run(func(args mock.Arguments) { *e.prompt = args.Get(1).(llm.Request) }).
		Return(&llm.Response{Text: text}, nil)
}

func (e *testEnv) count(t *testing.T, userID string) int {
	t.Helper()
	n, err := e.store.Count(context.Background(), userID)
	require.NoError(t, err)
	return n
}

func fullSlots() TripSlots {
	return TripSlots{Origin: "NYC", Destination: "Paris", Dates: "May 3-7", Travelers: "2", Budget: "3000 USD"}
}

func TestTravelPlanMissingSlots(t *testing.T) {
	env := setupTestAssembler(t)
	env.expectSlots(`{}`)

	res := env.asm.Assemble(context.Background(), router.TravelPlan, Context{
		UserID: "u1",
		Input:  "Plan my trip",
		Slots:  TripSlots{Origin: "NYC"},
	})

	assert.Equal(t, OutcomeIncomplete, res.Outcome)
	assert.Contains(t, res.Text, "missing: dates, travelers, budget")
	assert.Equal(t, "NYC", res.Slots.Origin)
	assert.Empty(t, res.Stored)
	assert.Equal(t, 0, env.count(t, "u1"))
	env.gen.AssertNumberOfCalls(t, "Generate", 1)
}

func TestProviderErrorReturnsApology(t *testing.T) {
	for _, intent := range []router.Intent{router.Itinerary, router.SupportTrip} {
		t.Run(string(intent), func(t *testing.T) {
			env := setupTestAssembler(t)
			env.gen.On("Generate", mock.Anything, mock.Anything).
				Return(nil, &llm.ProviderError{Provider: "mock", Kind: llm.KindQuota, Err: errors.New("quota exceeded")})

			res := env.asm.Assemble(context.Background(), intent, Context{UserID: "u1", Input: "Suggest lounges"})

			assert.Equal(t, Apology, res.Text)
			assert.Equal(t, OutcomeApology, res.Outcome)
			assert.Equal(t, intent, res.Intent)
			assert.Empty(t, res.Kind)
			assert.Equal(t, 0, env.count(t, "u1"))
		})
	}
}

func TestIsItinerary(t *testing.T) {
	tests := []struct {
		name string
		turn *router.Turn
		want bool
	}{
		{"no previous turn", nil, false},
		{"recorded itinerary", &router.Turn{Content: "Temples and gardens", Kind: router.Itinerary}, true},
		{"recorded other kind", &router.Turn{Content: "Day 1 lounge access", Kind: router.SupportTrip}, false},
		{"day structure without kind", &router.Turn{Content: "Day 1: Louvre"}, true},
		{"failed turn", &router.Turn{Content: Apology, Kind: router.Itinerary, Failed: true}, false},
		{"apology text without kind", &router.Turn{Content: Apology}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isItinerary(tt.turn))
		})
	}
}

func TestConfirmingFailedItineraryStoresNoSelection(t *testing.T) {
	env := setupTestAssembler(t)
	env.expectAnswer("Plan")

	res := env.asm.Assemble(context.Background(), router.TravelPlan, Context{
		UserID:       "u1",
		Input:        "yes, go ahead",
		PreviousTurn: &router.Turn{Role: "assistant", Content: Apology, Failed: true},
		Slots:        TripSlots{Origin: "NYC", Destination: "Rome", Dates: "May 3-7", Travelers: "2", Budget: "3000 USD"},
	})

	assert.Equal(t, OutcomeOK, res.Outcome)
	assert.Empty(t, res.PendingSelection)
	assert.Equal(t, 1, env.count(t, "u1"))
}

func TestInformation(t *testing.T) {
	t.Run("stores preference and acknowledges", func(t *testing.T) {
		env := setupTestAssembler(t)

		res := env.asm.Assemble(context.Background(), router.Information, Context{UserID: "u1", Input: "I love trekking"})

		assert.Equal(t, OutcomeOK, res.Outcome)
		assert.Equal(t, router.Information, res.Kind)
		assert.Contains(t, res.Text, "I've noted that: I love trekking")
		require.Len(t, res.Stored, 1)

		recent, err := env.store.Recent(context.Background(), "u1", 1)
		require.NoError(t, err)
		require.Len(t, recent, 1)
		assert.Equal(t, "I love trekking", recent[0].Text)
		assert.Equal(t, memory.KindPreference, recent[0].Kind)
		env.gen.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)
	})

	t.Run("regenerates after an itinerary turn", func(t *testing.T) {
		env := setupTestAssembler(t)
		_, err := env.store.Append(context.Background(), "u1", "I prefer vegetarian food", memory.KindPreference)
		require.NoError(t, err)
		env.expectAnswer("Day 1: hike to the lake")

		res := env.asm.Assemble(context.Background(), router.Information, Context{
			UserID:       "u1",
			Input:        "I love trekking",
			PreviousTurn: &router.Turn{Role: "assistant", Content: "Your Kyoto plan: temples", Kind: router.Itinerary},
		})

		assert.Equal(t, router.Information, res.Intent)
		assert.Equal(t, router.Itinerary, res.Kind)
		assert.Contains(t, res.Text, "Here's your updated itinerary")
		assert.Contains(t, res.Text, "Day 1: hike to the lake")
		assert.Contains(t, env.prompt.System, "Your Kyoto plan: temples")
		assert.Contains(t, env.prompt.System, "- I love trekking")
		assert.Contains(t, env.prompt.System, "- I prefer vegetarian food")
		assert.Equal(t, 2, env.count(t, "u1"))
	})

	t.Run("day structured text without a kind", func(t *testing.T) {
		env := setupTestAssembler(t)
		env.expectAnswer("updated")

		res := env.asm.Assemble(context.Background(), router.Information, Context{
			UserID:       "u1",
			Input:        "add a cooking class",
			PreviousTurn: &router.Turn{Role: "assistant", Content: "DAY 1: arrive\nDay 2: museums"},
		})
		assert.Equal(t, router.Itinerary, res.Kind)
	})

	t.Run("a recorded kind overrides the text", func(t *testing.T) {
		env := setupTestAssembler(t)

		res := env.asm.Assemble(context.Background(), router.Information, Context{
			UserID:       "u1",
			Input:        "I like beaches",
			PreviousTurn: &router.Turn{Role: "assistant", Content: "Lounge on day 1 of your trip", Kind: router.SupportTrip},
		})
		assert.Equal(t, router.Information, res.Kind)
		env.gen.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)
	})
}

func TestItinerary(t *testing.T) {
	env := setupTestAssembler(t)
	ctx := context.Background()
	_, err := env.store.Append(ctx, "u1", "I love trekking", memory.KindPreference)
	require.NoError(t, err)
	_, err = env.store.Append(ctx, "u1", "Requested travel plan: Rome", memory.KindPlanRequest)
	require.NoError(t, err)
	env.expectAnswer("Day 1: Fushimi Inari hike")

	history := make([]router.Turn, 0, 8)
	for i := 0; i < 8; i++ {
		history = append(history, router.Turn{Role: "user", Content: "turn " + string(rune('a'+i))})
	}

	res := env.asm.Assemble(ctx, router.Itinerary, Context{UserID: "u1", Input: "3 days in Kyoto", History: history})

	assert.Equal(t, OutcomeOK, res.Outcome)
	assert.Equal(t, "Day 1: Fushimi Inari hike", res.Text)
	assert.Contains(t, env.prompt.System, "- I love trekking")
	assert.NotContains(t, env.prompt.System, "Requested travel plan")
	assert.NotContains(t, env.prompt.System, "turn b")
	assert.Contains(t, env.prompt.System, "turn c")
	assert.Contains(t, env.prompt.System, "turn h")
	assert.Equal(t, "3 days in Kyoto", env.prompt.Prompt)
	assert.Equal(t, 0.7, env.prompt.Temperature)
	assert.Empty(t, res.Stored)
	assert.Equal(t, 2, env.count(t, "u1"))
}

func TestTravelPlan(t *testing.T) {
	t.Run("confirmation with complete slots", func(t *testing.T) {
		env := setupTestAssembler(t)
		ctx := context.Background()
		_, err := env.index.Ingest(ctx, "cabs.md", "Cab rides are reimbursed up to 50 USD per day. Flights must be economy class.")
		require.NoError(t, err)
		env.expectAnswer("Plan: economy flight NYC to Paris")

		itinerary := "Day 1: Louvre. " + strings.Repeat("x", 600)
		res := env.asm.Assemble(ctx, router.TravelPlan, Context{
			UserID:       "u1",
			Input:        "Yes, go ahead!",
			PreviousTurn: &router.Turn{Role: "assistant", Content: itinerary, Kind: router.Itinerary},
			Slots:        fullSlots(),
		})

		assert.Equal(t, OutcomeOK, res.Outcome)
		assert.Equal(t, "Plan: economy flight NYC to Paris", res.Text)
		assert.Len(t, res.Stored, 2)
		assert.Empty(t, res.PendingSelection)
		assert.Contains(t, env.prompt.System, "Relevant Policy Information:")
		assert.Contains(t, env.prompt.System, "Cab rides are reimbursed")
		assert.Contains(t, env.prompt.System, "- origin: NYC")
		assert.Contains(t, env.prompt.System, "- Selected itinerary: Day 1: Louvre.")

		selections, err := env.store.RecentByKind(ctx, "u1", 5, memory.KindSelection)
		require.NoError(t, err)
		require.Len(t, selections, 1)
		assert.Equal(t, "Selected itinerary: "+firstRunes(itinerary, 500), selections[0].Text)

		requests, err := env.store.RecentByKind(ctx, "u1", 5, memory.KindPlanRequest)
		require.NoError(t, err)
		require.Len(t, requests, 1)
		assert.Equal(t, "Requested travel plan: Yes, go ahead!", requests[0].Text)

		// Complete slots skip extraction.
		env.gen.AssertNumberOfCalls(t, "Generate", 1)
	})

	t.Run("confirmation with missing slots is carried", func(t *testing.T) {
		env := setupTestAssembler(t)
		env.expectSlots(`{"destination": "Paris"}`)

		res := env.asm.Assemble(context.Background(), router.TravelPlan, Context{
			UserID:       "u1",
			Input:        "sounds good",
			PreviousTurn: &router.Turn{Role: "assistant", Content: "Day 1: Louvre", Kind: router.Itinerary},
		})

		assert.Equal(t, OutcomeIncomplete, res.Outcome)
		assert.Contains(t, res.Text, "missing: origin, dates, travelers, budget")
		assert.Equal(t, "Selected itinerary: Day 1: Louvre", res.PendingSelection)
		assert.Equal(t, "Paris", res.Slots.Destination)
		assert.Equal(t, 0, env.count(t, "u1"))
	})

	t.Run("pending selection stored once slots complete", func(t *testing.T) {
		env := setupTestAssembler(t)
		env.expectSlots(`{"dates": "May 3-7", "travelers": 2, "budget": "3000 USD"}`)
		env.expectAnswer("Plan")

		res := env.asm.Assemble(context.Background(), router.TravelPlan, Context{
			UserID:           "u1",
			Input:            "May 3-7, 2 travelers, 3000 USD",
			PreviousTurn:     &router.Turn{Role: "assistant", Content: "I need a few more details", Kind: router.TravelPlan},
			Slots:            TripSlots{Origin: "NYC", Destination: "Paris"},
			PendingSelection: "Selected itinerary: Day 1: Louvre",
		})

		assert.Equal(t, OutcomeOK, res.Outcome)
		assert.Equal(t, "2", res.Slots.Travelers)
		assert.Empty(t, res.PendingSelection)
		assert.Equal(t, 2, env.count(t, "u1"))
	})

	t.Run("extraction failure keeps known slots", func(t *testing.T) {
		env := setupTestAssembler(t)
		env.gen.On("Generate", mock.Anything, mock.MatchedBy(isSlotRequest)).
			Return(nil, &llm.ProviderError{Provider: "mock", Kind: llm.KindTimeout, Err: context.DeadlineExceeded})

		res := env.asm.Assemble(context.Background(), router.TravelPlan, Context{
			UserID: "u1",
			Input:  "plan it",
			Slots:  TripSlots{Origin: "NYC", Dates: "May 3-7"},
		})
		assert.Equal(t, OutcomeIncomplete, res.Outcome)
		assert.Contains(t, res.Text, "missing: travelers, budget")
	})

	t.Run("generator failure keeps state", func(t *testing.T) {
		env := setupTestAssembler(t)
		env.gen.On("Generate", mock.Anything, mock.Anything).
			Return(nil, &llm.ProviderError{Provider: "mock", Kind: llm.KindNetwork, Err: errors.New("reset")})

		res := env.asm.Assemble(context.Background(), router.TravelPlan, Context{
			UserID: "u1",
			Input:  "go",
			Slots:  fullSlots(),
		})
		assert.Equal(t, Apology, res.Text)
		assert.Equal(t, fullSlots(), res.Slots)
		assert.Equal(t, 0, env.count(t, "u1"))
	})
}

func TestSupportTrip(t *testing.T) {
	env := setupTestAssembler(t)
	ctx := context.Background()
	_, err := env.store.Append(ctx, "u1", "Selected itinerary: Day 1: Louvre", memory.KindSelection)
	require.NoError(t, err)
	_, err = env.store.Append(ctx, "u1", "I love trekking", memory.KindPreference)
	require.NoError(t, err)
	env.expectAnswer("Try the Air France lounge")

	res := env.asm.Assemble(ctx, router.SupportTrip, Context{UserID: "u1", Input: "Suggest lounges at CDG"})

	assert.Equal(t, "Try the Air France lounge", res.Text)
	assert.Contains(t, env.prompt.System, "- Selected itinerary: Day 1: Louvre")
	assert.NotContains(t, env.prompt.System, "I love trekking")
	assert.Contains(t, env.prompt.System, NoPolicyFound)

	recent, err := env.store.Recent(ctx, "u1", 1)
	require.NoError(t, err)
	assert.Equal(t, "Support query: Suggest lounges at CDG", recent[0].Text)
	assert.Equal(t, memory.KindModification, recent[0].Kind)
}

func TestPolicyDegradation(t *testing.T) {
	tests := []struct {
		name  string
		index policy.Index
	}{
		{name: "no index", index: nil},
		{name: "failing index", index: failingIndex{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestAssembler(t)
			env.asm.policy = tt.index
			env.expectAnswer("ok")

			res := env.asm.Assemble(context.Background(), router.SupportTrip, Context{UserID: "u1", Input: "lounges"})

			assert.Equal(t, OutcomeOK, res.Outcome)
			assert.Contains(t, env.prompt.System, PolicyUnavailableNote)
		})
	}
}

func TestMemoryDegradation(t *testing.T) {
	mem := &MockMemory{}
	mem.On("Append", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil, memory.ErrStoreUnavailable)
	mem.On("RecentByKind", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil, memory.ErrStoreUnavailable)

	gen := &MockGenerator{}
	gen.On("Generate", mock.Anything, mock.Anything).Return(&llm.Response{Text: "Plan"}, nil)

	asm, err := New(Config{Memory: mem, Generator: gen, Models: config.DefaultConfig().Models, Logger: zerolog.Nop()})
	require.NoError(t, err)

	res := asm.Assemble(context.Background(), router.TravelPlan, Context{UserID: "u1", Input: "go", Slots: fullSlots()})
	assert.Equal(t, OutcomeOK, res.Outcome)
	assert.Equal(t, "Plan", res.Text)
	assert.Empty(t, res.Stored)

	res = asm.Assemble(context.Background(), router.Information, Context{UserID: "u1", Input: "I like trains"})
	assert.Equal(t, OutcomeOK, res.Outcome)
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{Generator: &MockGenerator{}})
	assert.Error(t, err)

	_, err = New(Config{Memory: &MockMemory{}})
	assert.Error(t, err)
}

func TestUnknownIntentIsItinerary(t *testing.T) {
	env := setupTestAssembler(t)
	env.expectAnswer("Day 1")

	res := env.asm.Assemble(context.Background(), router.Intent("weather"), Context{UserID: "u1", Input: "x"})
	assert.Equal(t, router.Itinerary, res.Intent)
}

func TestIsConfirmation(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"yes", true},
		{"Yes, I want this plan!", true},
		{"okay let's do it", true},
		{"Go ahead.", true},
		{"that sounds good to me", true},
		{"yesterday was fun", false},
		{"what about Rome?", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, isConfirmation(tt.input))
		})
	}
}
