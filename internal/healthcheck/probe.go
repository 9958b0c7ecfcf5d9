// Package healthcheck polls a liveness endpoint with bounded exponential backoff.
package healthcheck

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Policy bounds a probe run.
type Policy struct {
	// Attempts is the total number of probes, including the first.
	Attempts int
	Initial  time.Duration
	Max      time.Duration
	// Timeout applies to each individual probe.
	Timeout time.Duration
}

// DefaultPolicy waits at most about 15s across six probes.
func DefaultPolicy() Policy {
	return Policy{Attempts: 6, Initial: 500 * time.Millisecond, Max: 8 * time.Second, Timeout: 2 * time.Second}
}

// Backoff returns the delay after the given number of failed probes (1-based).
// The delay doubles from Initial and is capped at Max.
func (p Policy) Backoff(failures int) time.Duration {
	delay := p.Initial
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= p.Max {
			return p.Max
		}
	}
	if delay > p.Max {
		return p.Max
	}
	return delay
}

// ErrBudgetExhausted wraps the last probe error after all attempts failed.
var ErrBudgetExhausted = errors.New("health check retry budget exhausted")

// Prober checks one URL.
type Prober struct {
	client *http.Client
	sleep  func(ctx context.Context, d time.Duration) error
	logger *slog.Logger
}

// NewProber builds a Prober; nil client means http.DefaultClient.
func NewProber(client *http.Client, logger *slog.Logger) *Prober {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{client: client, sleep: sleepContext, logger: logger}
}

// Wait probes url until it answers 2xx or the policy runs out. It returns the
// number of probes made.
func (p *Prober) Wait(ctx context.Context, url string, policy Policy) (int, error) {
	if policy.Attempts <= 0 {
		policy.Attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		lastErr = p.probe(ctx, url, policy.Timeout)
		if lastErr == nil {
			return attempt, nil
		}
		p.logger.Debug("health_probe_failed", "url", url, "attempt", attempt, "err", lastErr)
		if attempt == policy.Attempts {
			break
		}
		if err := p.sleep(ctx, policy.Backoff(attempt)); err != nil {
			return attempt, err
		}
	}
	return policy.Attempts, fmt.Errorf("%w: %v", ErrBudgetExhausted, lastErr)
}

func (p *Prober) probe(ctx context.Context, url string, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
