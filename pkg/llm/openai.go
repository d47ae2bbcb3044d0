package llm

import (
	"context"
	"errors"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// GeminiBaseURL is Gemini's OpenAI-compatible endpoint.
const GeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai/"

// OpenAIGenerator implements Generator for OpenAI and for OpenAI-compatible
// endpoints such as Gemini.
type OpenAIGenerator struct {
	client   openai.Client
	provider string
}

// NewOpenAIGenerator creates a new OpenAI generator
func NewOpenAIGenerator(apiKey, baseURL string) *OpenAIGenerator {
	return newOpenAICompatible("openai", apiKey, baseURL)
}

// NewGeminiGenerator creates a generator for Gemini models
func NewGeminiGenerator(apiKey, baseURL string) *OpenAIGenerator {
	if baseURL == "" {
		baseURL = GeminiBaseURL
	}
	return newOpenAICompatible("gemini", apiKey, baseURL)
}

func newOpenAICompatible(provider, apiKey, baseURL string) *OpenAIGenerator {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIGenerator{
		client:   openai.NewClient(opts...),
		provider: provider,
	}
}

// Provider returns the provider name
func (g *OpenAIGenerator) Provider() string {
	return g.provider
}

func (g *OpenAIGenerator) Generate(ctx context.Context, req Request) (*Response, error) {
	messages := []openai.ChatCompletionMessageParamUnion{}
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(req.Model),
		Messages:    messages,
		MaxTokens:   openai.Int(maxTokens(req.MaxTokens)),
		Temperature: openai.Float(req.Temperature),
	}

	completion, err := g.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, classifyError(g.provider, err)
	}

	if len(completion.Choices) == 0 {
		return nil, &ProviderError{Provider: g.provider, Kind: KindUnknown, Err: errors.New("no response choices returned")}
	}

	choice := completion.Choices[0]
	if choice.FinishReason == "content_filter" {
		return nil, newSafetyError(g.provider, "content_filter")
	}
	if choice.Message.Content == "" {
		return nil, &ProviderError{Provider: g.provider, Kind: KindUnknown, Err: errors.New("empty response")}
	}

	return &Response{
		Text: choice.Message.Content,
		Usage: Usage{
			InputTokens:  int(completion.Usage.PromptTokens),
			OutputTokens: int(completion.Usage.CompletionTokens),
		},
	}, nil
}
