// Package llm is the gateway to chat-completion providers. It owns model
// routing, API-key rotation, retry with backoff, quota-wait recovery, and
// strict JSON-mode parsing with a single repair pass.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Sentinel errors surfaced to the pipeline driver.
var (
	// ErrQuotaExhausted means every key in the pool hit its rate limit and
	// the quota-wait budget expired.
	ErrQuotaExhausted = errors.New("llm: all provider keys exhausted")
	// ErrBadJSON means a json_mode response failed to parse even after the
	// repair pass.
	ErrBadJSON = errors.New("llm: model returned malformed JSON")
	// ErrNoProvider means no configured provider can serve the model.
	ErrNoProvider = errors.New("llm: no provider configured for model")
)

// Retry tuning. Transport errors and 5xx retry with exponential backoff;
// rate limits rotate keys instead of waiting.
const (
	maxTransientRetries = 3
	backoffInitial      = 4 * time.Second
	backoffMax          = 60 * time.Second
	backoffFactor       = 2.0
)

// Request is one chat completion call.
type Request struct {
	System      string
	User        string
	JSONMode    bool
	Temperature float64 // negative = provider default
	MaxTokens   int     // 0 = provider default
}

// Usage reports token accounting for a completed call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Response is the raw completion text plus usage.
type Response struct {
	Text  string
	Usage Usage
}

// Provider executes a single completion attempt against one backend with
// one concrete API key. Implementations must honor ctx cancellation.
type Provider interface {
	Name() string
	Complete(ctx context.Context, apiKey, model string, req Request) (*Response, error)
}

// Client is the gateway. Key pools are process-wide: rotation state is
// shared across all concurrent requests.
type Client struct {
	providers map[string]Provider
	pools     map[string]*KeyPool

	callTimeout  time.Duration
	maxQuotaWait time.Duration
	boInitial    time.Duration
	boMax        time.Duration
	logger       *slog.Logger
}

// Option configures the Client.
type Option func(*Client)

// WithProvider registers a provider with its key pool.
func WithProvider(p Provider, keys []string) Option {
	return func(c *Client) {
		if len(keys) == 0 {
			return
		}
		c.providers[p.Name()] = p
		c.pools[p.Name()] = NewKeyPool(keys)
	}
}

// WithTimeouts overrides the per-call timeout and the quota-wait budget.
func WithTimeouts(callTimeout, maxQuotaWait time.Duration) Option {
	return func(c *Client) {
		c.callTimeout = callTimeout
		c.maxQuotaWait = maxQuotaWait
	}
}

// WithBackoff overrides the transient-retry backoff window (tests).
func WithBackoff(initial, max time.Duration) Option {
	return func(c *Client) {
		c.boInitial = initial
		c.boMax = max
	}
}

// NewClient creates a gateway with the given providers.
func NewClient(opts ...Option) *Client {
	c := &Client{
		providers:    make(map[string]Provider),
		pools:        make(map[string]*KeyPool),
		callTimeout:  30 * time.Second,
		maxQuotaWait: 90 * time.Second,
		boInitial:    backoffInitial,
		boMax:        backoffMax,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured reports whether at least one provider is registered.
func (c *Client) Configured() bool {
	return len(c.providers) > 0
}

// providerFor routes a model name to a provider. OpenRouter, when
// configured, fronts every model (its names are provider-prefixed, e.g.
// "google/gemini-2.0-flash-001"); otherwise Gemini models go to the
// native Gemini backend and everything else to the OpenAI-compatible one.
func (c *Client) providerFor(model string) (Provider, *KeyPool, error) {
	for _, name := range routingOrder(model) {
		if p, ok := c.providers[name]; ok {
			return p, c.pools[name], nil
		}
	}
	return nil, nil, fmt.Errorf("%w: %s", ErrNoProvider, model)
}

// Complete runs one completion with full retry and key-rotation handling.
func (c *Client) Complete(ctx context.Context, model string, req Request) (*Response, error) {
	provider, pool, err := c.providerFor(model)
	if err != nil {
		return nil, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.boInitial
	bo.MaxInterval = c.boMax
	bo.Multiplier = backoffFactor
	bo.MaxElapsedTime = 0 // retry count is bounded explicitly

	transientRetries := 0
	rotations := 0
	quotaWaited := false

	for {
		key, idx := pool.Current()

		callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		resp, err := provider.Complete(callCtx, key, model, req)
		cancel()
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		switch Classify(err) {
		case KindRateLimit:
			pool.Rotate(idx)
			rotations++
			if rotations < pool.Len() {
				c.logger.Warn("LLM key rate-limited, rotated to next key",
					"provider", provider.Name(), "model", model)
				continue
			}
			// Every key has been tried this call. Wait once for quota
			// replenishment, then give the pool one more pass.
			if !quotaWaited {
				quotaWaited = true
				rotations = 0
				c.logger.Warn("All LLM keys rate-limited, waiting for quota",
					"provider", provider.Name(), "wait", c.maxQuotaWait)
				select {
				case <-time.After(c.maxQuotaWait):
					continue
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			return nil, fmt.Errorf("%s %s: %w", provider.Name(), model, ErrQuotaExhausted)

		case KindTransient:
			if transientRetries >= maxTransientRetries {
				return nil, fmt.Errorf("%s %s after %d retries: %w",
					provider.Name(), model, transientRetries, err)
			}
			transientRetries++
			wait := bo.NextBackOff()
			c.logger.Warn("LLM call failed, backing off",
				"provider", provider.Name(), "model", model,
				"attempt", transientRetries, "backoff", wait, "error", err)
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}

		default:
			return nil, fmt.Errorf("%s %s: %w", provider.Name(), model, err)
		}
	}
}

// CompleteJSON runs a json_mode completion and decodes the result into
// out, attempting one repair pass before failing with ErrBadJSON.
func (c *Client) CompleteJSON(ctx context.Context, model string, req Request, out any) error {
	req.JSONMode = true
	resp, err := c.Complete(ctx, model, req)
	if err != nil {
		return err
	}
	if err := DecodeJSON(resp.Text, out); err != nil {
		return fmt.Errorf("%s: %w", model, err)
	}
	return nil
}

func routingOrder(model string) []string {
	if isGeminiModel(model) {
		return []string{ProviderOpenRouter, ProviderGemini, ProviderOpenAI}
	}
	return []string{ProviderOpenRouter, ProviderOpenAI, ProviderGemini}
}
