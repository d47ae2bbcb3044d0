package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/tripmate/internal/config"
)

func TestAnthropicGenerator(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "msg_1", "type": "message", "role": "assistant", "model": "claude-sonnet-4-5",
			"content": [{"type": "text", "text": "Day 1: "}, {"type": "text", "text": "Lisbon"}],
			"stop_reason": "end_turn", "stop_sequence": null,
			"usage": {"input_tokens": 12, "output_tokens": 4}
		}`))
	}))
	defer srv.Close()

	gen := NewAnthropicGenerator("sk-ant-test", srv.URL)
	resp, err := gen.Generate(context.Background(), Request{
		Model:       "claude-sonnet-4-5",
		Prompt:      "Plan Lisbon",
		System:      "You are a travel planner.",
		Temperature: 0,
		MaxTokens:   512,
	})
	require.NoError(t, err)
	assert.Equal(t, "Day 1: Lisbon", resp.Text)
	assert.Equal(t, 12, resp.Usage.InputTokens)

	assert.Equal(t, "claude-sonnet-4-5", got["model"])
	assert.EqualValues(t, 512, got["max_tokens"])
	assert.EqualValues(t, 0, got["temperature"])
	assert.NotNil(t, got["system"])
}

func TestAnthropicGeneratorErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		kind   ErrorKind
		retry  bool
	}{
		{"rate limited", 429, `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`, KindQuota, true},
		{"overloaded", 529, `{"type":"error","error":{"type":"overloaded_error","message":"busy"}}`, KindNetwork, true},
		{"bad request", 400, `{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`, KindUnknown, false},
		{"refusal", 200, `{"id":"m","type":"message","role":"assistant","model":"m","content":[],"stop_reason":"refusal","usage":{"input_tokens":1,"output_tokens":0}}`, KindSafety, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewAnthropicGenerator("sk-ant-test", srv.URL).Generate(context.Background(), Request{Model: "m", Prompt: "hi"})
			require.Error(t, err)

			var pe *ProviderError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, "anthropic", pe.Provider)
			assert.Equal(t, tt.kind, pe.Kind)
			assert.Equal(t, tt.retry, pe.Retryable())
		})
	}
}

func TestOpenAIGenerator(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "c1", "object": "chat.completion", "created": 1, "model": "gpt-4o-mini",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "itinerary"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 9, "completion_tokens": 1, "total_tokens": 10}
		}`))
	}))
	defer srv.Close()

	gen := NewOpenAIGenerator("sk-test", srv.URL+"/v1/")
	assert.Equal(t, "openai", gen.Provider())

	resp, err := gen.Generate(context.Background(), Request{Model: "gpt-4o-mini", Prompt: "classify", System: "sys", Temperature: 0.3, MaxTokens: 16})
	require.NoError(t, err)
	assert.Equal(t, "itinerary", resp.Text)
	assert.Equal(t, 1, resp.Usage.OutputTokens)

	messages, ok := got["messages"].([]interface{})
	require.True(t, ok)
	assert.Len(t, messages, 2)
	assert.EqualValues(t, 16, got["max_tokens"])
}

func TestOpenAIGeneratorContentFilter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"c","object":"chat.completion","created":1,"model":"m",
			"choices":[{"index":0,"message":{"role":"assistant","content":""},"finish_reason":"content_filter"}]}`))
	}))
	defer srv.Close()

	_, err := NewGeminiGenerator("AIzaTestKeyTestKeyTestKey", srv.URL+"/").Generate(context.Background(), Request{Model: "gemini-2.5-flash", Prompt: "x"})

	var pe *ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "gemini", pe.Provider)
	assert.Equal(t, KindSafety, pe.Kind)
}

func TestNew(t *testing.T) {
	gen, err := New(config.AIProfile{Provider: "anthropic", APIKey: "sk-ant-x"})
	require.NoError(t, err)
	assert.Equal(t, "anthropic", gen.Provider())

	gen, err = New(config.AIProfile{Provider: "gemini", APIKey: "key"})
	require.NoError(t, err)
	assert.Equal(t, "gemini", gen.Provider())

	_, err = New(config.AIProfile{Provider: "cohere"})
	assert.Error(t, err)
}

func TestNewFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	_, err := NewFromConfig(cfg, testLogger())
	assert.Error(t, err)

	cfg.AI.Profiles = []config.AIProfile{
		{ID: "backup", Provider: "openai", APIKey: "sk-x", Priority: 2},
		{ID: "main", Provider: "anthropic", APIKey: "sk-ant-x", Priority: 1},
	}
	gen, err := NewFromConfig(cfg, testLogger())
	require.NoError(t, err)
	assert.Equal(t, "anthropic", gen.Provider())
}
