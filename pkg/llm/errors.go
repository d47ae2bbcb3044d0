package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
)

// ErrorKind classifies provider failures.
type ErrorKind string

const (
	KindQuota   ErrorKind = "quota"
	KindNetwork ErrorKind = "network"
	KindSafety  ErrorKind = "safety"
	KindTimeout ErrorKind = "timeout"
	KindUnknown ErrorKind = "unknown"
)

// ProviderError is returned for every failed generation call.
type ProviderError struct {
	Provider   string
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s error (status %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s error: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt may succeed.
func (e *ProviderError) Retryable() bool {
	switch e.Kind {
	case KindNetwork, KindTimeout:
		return true
	case KindQuota:
		// Rate limits clear; exhausted billing quota does not.
		return e.StatusCode == 429 && !strings.Contains(strings.ToLower(e.Err.Error()), "insufficient_quota")
	case KindSafety:
		return false
	}
	if e.StatusCode != 0 {
		return false
	}
	return IsRetryableError(e.Err)
}

// newSafetyError reports a response the provider refused or filtered.
func newSafetyError(provider, reason string) *ProviderError {
	return &ProviderError{Provider: provider, Kind: KindSafety, Err: fmt.Errorf("response blocked: %s", reason)}
}

// classifyError converts an SDK or transport error into a *ProviderError.
func classifyError(provider string, err error) *ProviderError {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}

	out := &ProviderError{Provider: provider, Kind: KindUnknown, Err: err}

	var anthropicErr *anthropic.Error
	var openaiErr *openai.Error
	switch {
	case errors.As(err, &anthropicErr):
		out.StatusCode = anthropicErr.StatusCode
	case errors.As(err, &openaiErr):
		out.StatusCode = openaiErr.StatusCode
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		out.Kind = KindTimeout
	case out.StatusCode == 429 || out.StatusCode == 402:
		out.Kind = KindQuota
	case out.StatusCode >= 500:
		out.Kind = KindNetwork
	case errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED):
		out.Kind = KindNetwork
	case errors.As(err, &netErr):
		if netErr.Timeout() {
			out.Kind = KindTimeout
		} else {
			out.Kind = KindNetwork
		}
	case out.StatusCode == 0 && IsRetryableError(err):
		out.Kind = KindNetwork
	}
	return out
}

// IsRetryableError checks if an error message looks transient
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	errMsg := err.Error()

	// Network errors
	if strings.Contains(errMsg, "ECONNRESET") || strings.Contains(errMsg, "ETIMEDOUT") || strings.Contains(errMsg, "connection reset") {
		return true
	}

	// Rate limits
	if strings.Contains(errMsg, "429") || strings.Contains(errMsg, "rate limit") {
		return true
	}

	// Server errors
	for _, code := range []string{"500", "502", "503", "504"} {
		if strings.Contains(errMsg, code) {
			return true
		}
	}

	return false
}
