// OrderSync - Rate-Limited Storefront Order Ingestion
// Copyright 2026 Dropstack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dropstack/ordersync

/*
scheduler.go - Rate-Limited Request Scheduler

The scheduler is the single gate for every outbound call to the remote
platform. All tenants share one instance because the platform's rate ceiling
applies to the whole app credential, not to individual storefronts.

Admission Control:
  - Release rate capped via golang.org/x/time/rate (token bucket, burst 1,
    so operations are spaced evenly rather than released in bursts)
  - In-flight operations bounded via a weighted semaphore
  - Waiters are admitted in arrival order

Retry Policy:
  - Transient failures (429, 5xx) retried up to the configured budget
  - A server-suggested Retry-After wait is honored exactly
  - Otherwise exponential backoff from the base delay, doubling per attempt,
    capped at the max delay, with up to 30% random jitter
  - Permanent failures propagate immediately, zero retries

An optional circuit breaker (sony/gobreaker) sits around the attempt. Breaker
rejections are reported as transient, so callers see added latency instead of
hard failure while the remote recovers. Permanent remote errors count as
breaker successes: a single tenant's bad request must not open the breaker
for everyone.
*/
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/dropstack/ordersync/internal/config"
	"github.com/dropstack/ordersync/internal/logging"
	"github.com/dropstack/ordersync/internal/metrics"
	"github.com/dropstack/ordersync/internal/remote"
)

// Operation is one remote call. It must be safe to invoke again after a
// transient failure.
type Operation func(ctx context.Context) error

// Scheduler throttles and retries operations against the remote platform.
// Safe for concurrent use by any number of tenants.
type Scheduler struct {
	limiter *rate.Limiter
	sem     *semaphore.Weighted
	breaker *gobreaker.CircuitBreaker[any]
	cfg     config.SchedulerConfig
}

// New creates a Scheduler from configuration.
func New(cfg config.SchedulerConfig) *Scheduler {
	s := &Scheduler{
		// Burst of 1 spaces releases evenly at the configured rate.
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1),
		sem:     semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		cfg:     cfg,
	}

	if cfg.BreakerEnabled {
		s.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
			Name:        "remote-platform",
			MaxRequests: 1,
			Timeout:     cfg.BreakerOpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.BreakerFailureThreshold
			},
			IsSuccessful: func(err error) bool {
				// Only transient remote failures count against the breaker.
				return err == nil || !remote.IsTransient(err)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				metrics.SchedulerBreakerState.Set(breakerStateValue(to))
				logging.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state changed")
			},
		})
	}

	logging.Info().
		Float64("rate_per_second", cfg.RatePerSecond).
		Int("max_in_flight", cfg.MaxInFlight).
		Int("max_retries", cfg.MaxRetries).
		Bool("breaker", cfg.BreakerEnabled).
		Msg("Scheduler configured")

	return s
}

// Submit runs op under the shared rate and concurrency ceilings, retrying
// transient failures up to the configured budget. It blocks until op succeeds,
// fails permanently, exhausts its retries, or ctx is done.
func (s *Scheduler) Submit(ctx context.Context, op Operation) error {
	var lastErr error

	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		waitStart := time.Now()
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		metrics.SchedulerQueueWait.Observe(time.Since(waitStart).Seconds())

		if err := s.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		metrics.SchedulerInFlight.Inc()
		err := s.execute(ctx, op)
		metrics.SchedulerInFlight.Dec()
		s.sem.Release(1)

		if err == nil {
			metrics.SchedulerAttempts.WithLabelValues("success").Inc()
			return nil
		}
		if !remote.IsTransient(err) {
			metrics.SchedulerAttempts.WithLabelValues("permanent").Inc()
			return err
		}

		metrics.SchedulerAttempts.WithLabelValues("transient").Inc()
		lastErr = err

		if attempt == s.cfg.MaxRetries {
			break
		}

		delay := s.backoffDelay(attempt, err)
		metrics.SchedulerRetries.Inc()
		logging.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Int("max_attempts", s.cfg.MaxRetries+1).
			Dur("delay", delay).
			Msg("Transient remote failure, retrying")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return fmt.Errorf("retry budget exhausted after %d attempts: %w", s.cfg.MaxRetries+1, lastErr)
}

// execute runs one attempt, through the circuit breaker when configured.
func (s *Scheduler) execute(ctx context.Context, op Operation) error {
	if s.breaker == nil {
		return op(ctx)
	}

	_, err := s.breaker.Execute(func() (any, error) {
		return nil, op(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		// Report breaker rejections as transient so the retry loop backs off
		// and re-probes instead of failing the sync run outright.
		return &remote.TransientError{Err: fmt.Errorf("circuit breaker: %w", err)}
	}
	return err
}

// backoffDelay computes the wait before the next attempt. A server-suggested
// Retry-After wins outright; otherwise exponential backoff with jitter.
func (s *Scheduler) backoffDelay(attempt int, err error) time.Duration {
	if suggested := remote.RetryAfter(err); suggested > 0 {
		return suggested
	}

	delay := s.cfg.RetryBaseDelay << uint(attempt)
	if delay > s.cfg.RetryMaxDelay || delay <= 0 {
		delay = s.cfg.RetryMaxDelay
	}

	// Up to 30% jitter avoids synchronized retries across tenants.
	jitter := time.Duration(rand.Float64() * 0.3 * float64(delay))
	return delay + jitter
}

func breakerStateValue(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
