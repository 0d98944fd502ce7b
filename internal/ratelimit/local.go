package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LocalConfig configures a Local limiter.
type LocalConfig struct {
	BaseRatePS  float64 // tokens per second once a host is healthy
	Concurrency int     // in-flight requests per host
	MaxDelay    time.Duration
	Logger      *slog.Logger
}

func (c *LocalConfig) defaults() {
	if c.BaseRatePS <= 0 {
		c.BaseRatePS = 1
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Local is the process-local Limiter backend: one *rate.Limiter and one
// concurrency semaphore per host, adjusted on Report.
type Local struct {
	cfg LocalConfig

	mu    sync.Mutex
	hosts map[string]*hostState
}

type hostState struct {
	limiter          *rate.Limiter
	sem              chan struct{}
	consecutiveFails int
	consecutiveOK    int
	nextDelay        time.Duration
}

// NewLocal creates a Local limiter.
func NewLocal(cfg LocalConfig) *Local {
	cfg.defaults()
	return &Local{cfg: cfg, hosts: make(map[string]*hostState)}
}

func (l *Local) stateFor(host string) *hostState {
	l.mu.Lock()
	defer l.mu.Unlock()
	hs, ok := l.hosts[host]
	if !ok {
		hs = &hostState{
			limiter: rate.NewLimiter(rate.Limit(l.cfg.BaseRatePS), 1),
			sem:     make(chan struct{}, l.cfg.Concurrency),
		}
		l.hosts[host] = hs
	}
	return hs
}

// Acquire blocks on both the concurrency semaphore and the token bucket
// for host, taking the semaphore slot first. A cancelled wait releases the
// slot if it already holds one, without charging a token, satisfying the
// "cancelled acquire consumes no token" invariant.
func (l *Local) Acquire(ctx context.Context, host string) (*Permit, error) {
	hs := l.stateFor(host)

	if hs.nextDelay > 0 {
		t := time.NewTimer(hs.nextDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	select {
	case hs.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if err := hs.limiter.Wait(ctx); err != nil {
		<-hs.sem
		return nil, fmt.Errorf("ratelimit: wait for token: %w", err)
	}

	return &Permit{host: host, release: func() { <-hs.sem }}, nil
}

// Report adjusts host's effective rate and backoff state based on outcome.
func (l *Local) Report(ctx context.Context, host string, outcome Outcome, retryAfter time.Duration) error {
	hs := l.stateFor(host)
	l.mu.Lock()
	defer l.mu.Unlock()

	switch outcome {
	case OutcomeSuccess:
		hs.consecutiveFails = 0
		hs.consecutiveOK++
		if hs.consecutiveOK >= 3 {
			hs.nextDelay = 0
		}
		current := float64(hs.limiter.Limit())
		next := current + 0.1*l.cfg.BaseRatePS
		if next > l.cfg.BaseRatePS {
			next = l.cfg.BaseRatePS
		}
		hs.limiter.SetLimit(rate.Limit(next))

	case OutcomePoliteness:
		hs.consecutiveOK = 0
		hs.consecutiveFails++
		current := float64(hs.limiter.Limit())
		hs.limiter.SetLimit(rate.Limit(current / 2))

		backoff := time.Duration(1<<uint(min(hs.consecutiveFails, 20))) * time.Second
		if backoff > l.cfg.MaxDelay {
			backoff = l.cfg.MaxDelay
		}
		if retryAfter > backoff {
			backoff = retryAfter
		}
		hs.nextDelay = backoff

	case OutcomeNeutral:
		// no adjustment
	}
	return nil
}

// Snapshot returns the current state of every host the limiter has seen,
// for status reporting.
func (l *Local) Snapshot() []HostSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]HostSnapshot, 0, len(l.hosts))
	for host, hs := range l.hosts {
		out = append(out, HostSnapshot{
			Host:             host,
			EffectiveRatePS:  float64(hs.limiter.Limit()),
			ConsecutiveFails: hs.consecutiveFails,
			NextDelay:        hs.nextDelay,
			InFlight:         len(hs.sem),
		})
	}
	return out
}
