// Package llm wraps hosted text-generation APIs behind a single Generator
// interface.
//
// Providers:
//   - anthropic: Messages API through anthropic-sdk-go
//   - openai: Chat Completions through openai-go
//   - gemini: Gemini's OpenAI-compatible endpoint through openai-go
//
// Every provider failure is returned as a *ProviderError carrying one of the
// kinds quota, network, safety, timeout or unknown. RetryingGenerator adds a
// per-call timeout and a bounded retry on transient failures; SDK-level
// retries are disabled so that policy lives in one place.
//
// Usage:
//
//	gen, err := llm.NewFromConfig(cfg, logger)
//	resp, err := gen.Generate(ctx, llm.Request{
//		Model:       "claude-sonnet-4-5",
//		Prompt:      prompt,
//		Temperature: 0.7,
//		MaxTokens:   2048,
//	})
package llm
