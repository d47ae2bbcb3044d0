package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicGenerator implements Generator for Anthropic Claude
type AnthropicGenerator struct {
	client anthropic.Client
}

// NewAnthropicGenerator creates a new Anthropic generator. An empty baseURL
// uses the public API.
func NewAnthropicGenerator(apiKey, baseURL string) *AnthropicGenerator {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicGenerator{
		client: anthropic.NewClient(opts...),
	}
}

// Provider returns the provider name
func (g *AnthropicGenerator) Provider() string {
	return "anthropic"
}

// Generate sends the prompt as a single user message.
func (g *AnthropicGenerator) Generate(ctx context.Context, req Request) (*Response, error) {
	params := anthropic.MessageNewParams{
		Model: anthropic.Model(req.Model),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
		MaxTokens:   maxTokens(req.MaxTokens),
		Temperature: anthropic.Float(req.Temperature),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: req.System},
		}
	}

	message, err := g.client.Messages.New(ctx, params)
	if err != nil {
		return nil, classifyError(g.Provider(), err)
	}

	if string(message.StopReason) == "refusal" {
		return nil, newSafetyError(g.Provider(), "refusal")
	}

	var text strings.Builder
	for _, block := range message.Content {
		if b, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(b.Text)
		}
	}
	if text.Len() == 0 {
		return nil, &ProviderError{Provider: g.Provider(), Kind: KindUnknown, Err: errors.New("empty response")}
	}

	return &Response{
		Text: text.String(),
		Usage: Usage{
			InputTokens:  int(message.Usage.InputTokens),
			OutputTokens: int(message.Usage.OutputTokens),
		},
	}, nil
}
