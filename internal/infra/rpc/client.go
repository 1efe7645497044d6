// Package rpc provides a JSON-RPC client with retry and failover across
// several providers of the same chain.
//
// Each call retries transient errors on the current provider with
// exponential backoff. Rate limits and quota errors move on to the next
// provider; request errors (bad params, unknown method) fail immediately.
// Providers are tried round robin starting after the last one that failed.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/chainsync/internal/indexing/metrics"
)

// ErrNoProviders is returned by a client without providers.
var ErrNoProviders = errors.New("no rpc providers configured")

// Client is the high-level interface for making RPC calls.
type Client struct {
	chain     string
	providers []Provider
	retry     RetryConfig
	logger    *slog.Logger

	mu      sync.Mutex
	current int
}

// NewClient creates a client over the given providers.
func NewClient(chain string, retry RetryConfig, providers ...Provider) *Client {
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryConfig
	}
	return &Client{
		chain:     chain,
		providers: providers,
		retry:     retry,
		logger:    slog.Default().With("component", "rpc", "chain", chain),
	}
}

// Call makes an RPC call with automatic failover and retry.
func (c *Client) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	var result json.RawMessage
	err := c.failover(ctx, method, func(ctx context.Context, p Provider) error {
		var err error
		result, err = p.Call(ctx, method, params)
		return err
	})
	return result, err
}

// CallInto makes an RPC call and decodes the result into out.
func (c *Client) CallInto(ctx context.Context, out any, method string, params ...any) error {
	raw, err := c.Call(ctx, method, params...)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

// BatchCall sends requests as one batch with failover and retry. Errors of
// individual requests are reported in the responses.
func (c *Client) BatchCall(ctx context.Context, requests []BatchRequest) ([]BatchResponse, error) {
	if len(requests) == 0 {
		return nil, nil
	}
	var out []BatchResponse
	err := c.failover(ctx, "batch:"+requests[0].Method, func(ctx context.Context, p Provider) error {
		var err error
		out, err = p.BatchCall(ctx, requests)
		return err
	})
	return out, err
}

// Providers returns the configured providers.
func (c *Client) Providers() []Provider {
	return c.providers
}

func (c *Client) failover(ctx context.Context, method string, fn func(ctx context.Context, p Provider) error) error {
	if len(c.providers) == 0 {
		return ErrNoProviders
	}

	c.mu.Lock()
	start := c.current
	c.mu.Unlock()

	var lastErr error
	for i := range c.providers {
		idx := (start + i) % len(c.providers)
		p := c.providers[idx]

		begin := time.Now()
		err := withRetry(ctx, c.retry, func(ctx context.Context) error {
			metrics.RPCCallsTotal.WithLabelValues(c.chain, p.Name(), method).Inc()
			err := fn(ctx, p)
			if err != nil {
				metrics.RPCErrorsTotal.WithLabelValues(c.chain, p.Name(), ClassifyError(err).String()).Inc()
			}
			return err
		})
		metrics.RPCLatency.WithLabelValues(c.chain, p.Name(), method).Observe(time.Since(begin).Seconds())
		if err == nil {
			return nil
		}
		lastErr = err

		if ClassifyError(err) == ActionFatal {
			return fmt.Errorf("fatal error from provider %s: %w", p.Name(), err)
		}

		next := (idx + 1) % len(c.providers)
		c.mu.Lock()
		c.current = next
		c.mu.Unlock()
		if len(c.providers) > 1 {
			c.logger.Warn("Provider failed, rotating",
				"provider", p.Name(),
				"next", c.providers[next].Name(),
				"method", method,
				"error", err,
			)
		}
	}

	return fmt.Errorf("all providers failed: %w", lastErr)
}

// Close closes all providers.
func (c *Client) Close() error {
	var errs []error
	for _, p := range c.providers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
