package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockGenerator is a mock implementation of Generator
type MockGenerator struct {
	mock.Mock
}

func (m *MockGenerator) Generate(ctx context.Context, req Request) (*Response, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*Response)
	return resp, args.Error(1)
}

func (m *MockGenerator) Provider() string {
	return "mock"
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func fastRetry() RetryConfig {
	return RetryConfig{Timeout: time.Second, Retries: 1, Backoff: time.Millisecond}
}

func TestRetryingGeneratorSucceedsAfterTransientError(t *testing.T) {
	next := &MockGenerator{}
	next.On("Generate", mock.Anything, mock.Anything).
		Return(nil, &ProviderError{Provider: "mock", Kind: KindQuota, StatusCode: 429, Err: errors.New("rate limit")}).Once()
	next.On("Generate", mock.Anything, mock.Anything).
		Return(&Response{Text: "ok"}, nil).Once()

	gen := NewRetryingGenerator(next, fastRetry(), testLogger())
	resp, err := gen.Generate(context.Background(), Request{Model: "m", Prompt: "p"})

	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
	next.AssertNumberOfCalls(t, "Generate", 2)
}

func TestRetryingGeneratorRetriesOnlyOnce(t *testing.T) {
	next := &MockGenerator{}
	next.On("Generate", mock.Anything, mock.Anything).
		Return(nil, errors.New("503 service unavailable"))

	gen := NewRetryingGenerator(next, fastRetry(), testLogger())
	_, err := gen.Generate(context.Background(), Request{Model: "m"})

	var pe *ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, KindNetwork, pe.Kind)
	assert.Equal(t, "mock", pe.Provider)
	next.AssertNumberOfCalls(t, "Generate", 2)
}

func TestRetryingGeneratorDoesNotRetryPermanentErrors(t *testing.T) {
	next := &MockGenerator{}
	next.On("Generate", mock.Anything, mock.Anything).
		Return(nil, newSafetyError("mock", "content_filter"))

	gen := NewRetryingGenerator(next, fastRetry(), testLogger())
	_, err := gen.Generate(context.Background(), Request{})

	var pe *ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, KindSafety, pe.Kind)
	next.AssertNumberOfCalls(t, "Generate", 1)
}

func TestRetryingGeneratorAppliesPerCallTimeout(t *testing.T) {
	next := &MockGenerator{}
	next.On("Generate", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, context.DeadlineExceeded)

	gen := NewRetryingGenerator(next, RetryConfig{Timeout: 30 * time.Millisecond, Retries: 1, Backoff: time.Millisecond}, testLogger())

	start := time.Now()
	_, err := gen.Generate(context.Background(), Request{})
	elapsed := time.Since(start)

	var pe *ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, KindTimeout, pe.Kind)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	next.AssertNumberOfCalls(t, "Generate", 2)
	assert.Less(t, elapsed, time.Second)
}

func TestRetryingGeneratorStopsWhenCallerCancels(t *testing.T) {
	next := &MockGenerator{}
	next.On("Generate", mock.Anything, mock.Anything).
		Return(nil, errors.New("ECONNRESET"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	gen := NewRetryingGenerator(next, RetryConfig{Timeout: time.Second, Retries: 3, Backoff: time.Second}, testLogger())
	_, err := gen.Generate(ctx, Request{})

	require.Error(t, err)
	next.AssertNumberOfCalls(t, "Generate", 1)
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind ErrorKind
	}{
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"connection reset", errors.New("read: connection reset by peer"), KindNetwork},
		{"plain", errors.New("something odd"), KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pe := classifyError("x", tt.err)
			assert.Equal(t, tt.kind, pe.Kind)
			assert.ErrorIs(t, pe, tt.err)
		})
	}

	t.Run("provider errors pass through", func(t *testing.T) {
		orig := &ProviderError{Provider: "a", Kind: KindSafety, Err: errors.New("blocked")}
		assert.Same(t, orig, classifyError("b", orig))
	})
}

func TestProviderErrorRetryable(t *testing.T) {
	assert.True(t, (&ProviderError{Kind: KindQuota, StatusCode: 429, Err: errors.New("rate_limit_error")}).Retryable())
	assert.False(t, (&ProviderError{Kind: KindQuota, StatusCode: 429, Err: errors.New("insufficient_quota")}).Retryable())
	assert.False(t, (&ProviderError{Kind: KindQuota, StatusCode: 402, Err: errors.New("billing")}).Retryable())
	assert.True(t, (&ProviderError{Kind: KindTimeout, Err: context.DeadlineExceeded}).Retryable())
}
