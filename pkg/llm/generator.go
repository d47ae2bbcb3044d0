package llm

import (
	"context"
)

// Generator produces text from a prompt.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Response, error)

	// Provider returns the provider name
	Provider() string
}

// Request contains the parameters of one generation call.
type Request struct {
	Model       string
	Prompt      string
	System      string
	Temperature float64
	MaxTokens   int
}

// Response contains the generated text.
type Response struct {
	Text  string
	Usage Usage
}

// Usage reports token counts when the provider returns them.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

const defaultMaxTokens = 1024

func maxTokens(n int) int64 {
	if n <= 0 {
		return defaultMaxTokens
	}
	return int64(n)
}
