package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider scripts a sequence of outcomes keyed by call number.
type fakeProvider struct {
	name string

	mu      sync.Mutex
	calls   int
	keys    []string // key used per call, in order
	outcome func(call int, apiKey string) (*Response, error)
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Complete(_ context.Context, apiKey, _ string, _ Request) (*Response, error) {
	f.mu.Lock()
	call := f.calls
	f.calls++
	f.keys = append(f.keys, apiKey)
	f.mu.Unlock()
	return f.outcome(call, apiKey)
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// rateLimitErr mimics a provider 429 through the string-matching path.
var rateLimitErr = errors.New("provider returned 429 too many requests")

func newTestClient(p *fakeProvider, keys []string) *Client {
	return NewClient(
		WithProvider(p, keys),
		WithTimeouts(time.Second, 50*time.Millisecond),
		WithBackoff(5*time.Millisecond, 20*time.Millisecond),
	)
}

func TestCompleteSuccess(t *testing.T) {
	p := &fakeProvider{
		name: ProviderOpenRouter,
		outcome: func(int, string) (*Response, error) {
			return &Response{Text: "hi"}, nil
		},
	}
	client := newTestClient(p, []string{"k1"})

	resp, err := client.Complete(context.Background(), "some/model", Request{User: "q"})
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Text)
	assert.Equal(t, 1, p.callCount())
}

func TestCompleteRetriesTransient(t *testing.T) {
	p := &fakeProvider{
		name: ProviderOpenRouter,
		outcome: func(call int, _ string) (*Response, error) {
			if call < 2 {
				return nil, errors.New("connection refused")
			}
			return &Response{Text: "recovered"}, nil
		},
	}
	client := newTestClient(p, []string{"k1"})

	resp, err := client.Complete(context.Background(), "some/model", Request{User: "q"})
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Text)
	assert.Equal(t, 3, p.callCount())
}

func TestCompleteRotatesKeysOnRateLimit(t *testing.T) {
	p := &fakeProvider{
		name: ProviderOpenRouter,
		outcome: func(_ int, apiKey string) (*Response, error) {
			if apiKey == "k1" {
				return nil, rateLimitErr
			}
			return &Response{Text: "second key worked"}, nil
		},
	}
	client := newTestClient(p, []string{"k1", "k2"})

	resp, err := client.Complete(context.Background(), "some/model", Request{User: "q"})
	require.NoError(t, err)
	assert.Equal(t, "second key worked", resp.Text)
	assert.Equal(t, []string{"k1", "k2"}, p.keys)
}

func TestCompleteQuotaExhausted(t *testing.T) {
	p := &fakeProvider{
		name: ProviderOpenRouter,
		outcome: func(int, string) (*Response, error) {
			return nil, rateLimitErr
		},
	}
	client := newTestClient(p, []string{"k1", "k2"})

	start := time.Now()
	_, err := client.Complete(context.Background(), "some/model", Request{User: "q"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQuotaExhausted)
	// The quota wait (50ms in tests) must have happened exactly once.
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	// Two keys tried twice: once before the wait, once after.
	assert.Equal(t, 4, p.callCount())
}

func TestCompleteFatalErrorNoRetry(t *testing.T) {
	p := &fakeProvider{
		name: ProviderOpenRouter,
		outcome: func(int, string) (*Response, error) {
			return nil, errors.New("invalid request: model not found")
		},
	}
	client := newTestClient(p, []string{"k1"})

	_, err := client.Complete(context.Background(), "some/model", Request{User: "q"})
	require.Error(t, err)
	assert.Equal(t, 1, p.callCount())
}

func TestCompleteNoProvider(t *testing.T) {
	client := NewClient()
	_, err := client.Complete(context.Background(), "any/model", Request{User: "q"})
	assert.ErrorIs(t, err, ErrNoProvider)
}

func TestCompleteJSONDecodesRepairedOutput(t *testing.T) {
	p := &fakeProvider{
		name: ProviderOpenRouter,
		outcome: func(int, string) (*Response, error) {
			return &Response{Text: "```json\n{\"answer\": \"ok\"}\n```"}, nil
		},
	}
	client := newTestClient(p, []string{"k1"})

	var out struct {
		Answer string `json:"answer"`
	}
	err := client.CompleteJSON(context.Background(), "some/model", Request{User: "q"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "ok", out.Answer)
}

func TestCompleteJSONSurfacesBadJSON(t *testing.T) {
	p := &fakeProvider{
		name: ProviderOpenRouter,
		outcome: func(int, string) (*Response, error) {
			return &Response{Text: "sorry, I cannot comply"}, nil
		},
	}
	client := newTestClient(p, []string{"k1"})

	var out map[string]any
	err := client.CompleteJSON(context.Background(), "some/model", Request{User: "q"}, &out)
	assert.ErrorIs(t, err, ErrBadJSON)
}

func TestCompleteCancelledContext(t *testing.T) {
	p := &fakeProvider{
		name: ProviderOpenRouter,
		outcome: func(int, string) (*Response, error) {
			return nil, fmt.Errorf("transport: %w", context.Canceled)
		},
	}
	client := newTestClient(p, []string{"k1"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.Complete(ctx, "some/model", Request{User: "q"})
	assert.ErrorIs(t, err, context.Canceled)
}
