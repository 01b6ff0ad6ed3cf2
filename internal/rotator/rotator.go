// ============================================================================
// OCR Gateway Key Rotator - per-provider credential rotation
// ============================================================================
//
// Package: internal/rotator
// File: rotator.go
// Purpose: Run a provider call against an ordered list of API keys, moving to
//          the next key on retryable failures until every key has had its
//          share of attempts.
//
// State machine (one Rotator per provider):
//
//   cursor --fn(key[cursor])--> ok                 -> return nil, cursor unchanged
//                           \-> retryable failure  -> advance cursor, pause, retry
//                           \-> anything else      -> return the error as-is
//   attempts == len(keys) * maxRetriesPerKey       -> ErrExhausted
//
// Concurrency:
//   The mutex covers only reading and advancing the cursor, never the call.
//   Advancing is compare-and-advance from the index that was used, so two
//   goroutines failing on the same key move the cursor once.
//
// ============================================================================

package rotator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/ocr-gateway/internal/metrics"
	"github.com/ChuLiYu/ocr-gateway/internal/provider"
)

// DefaultRetryDelay is the pause between attempts.
const DefaultRetryDelay = time.Second

var (
	// ErrExhausted means every key failed for every allowed retry
	ErrExhausted = errors.New("all provider keys exhausted")
	// ErrNoCredentials is wrapped in a configuration error when a provider has no keys
	ErrNoCredentials = errors.New("no API keys configured")
)

// CallFunc performs one provider request with the given key.
type CallFunc func(ctx context.Context, key string) error

// Options configures a Rotator.
type Options struct {
	RetryDelay time.Duration
	Logger     zerolog.Logger
	Metrics    *metrics.Collector
}

// Rotator holds the key list and cursor of one provider.
type Rotator struct {
	provider string
	keys     []string
	delay    time.Duration
	logger   zerolog.Logger
	metrics  *metrics.Collector

	mu     sync.Mutex
	cursor int
}

// New creates a rotator. A zero RetryDelay means DefaultRetryDelay; a negative
// one disables the pause.
func New(providerName string, keys []string, opts Options) *Rotator {
	delay := opts.RetryDelay
	if delay == 0 {
		delay = DefaultRetryDelay
	}
	if delay < 0 {
		delay = 0
	}
	return &Rotator{
		provider: providerName,
		keys:     append([]string(nil), keys...),
		delay:    delay,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}
}

// Provider returns the provider name.
func (r *Rotator) Provider() string { return r.provider }

// Keys returns the number of configured keys.
func (r *Rotator) Keys() int { return len(r.keys) }

// Cursor returns the index of the key the next call starts with.
func (r *Rotator) Cursor() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursor
}

// Call runs fn until it succeeds, fails with a non-retryable error, or runs
// out of attempts. maxRetriesPerKey below 1 counts as 1.
func (r *Rotator) Call(ctx context.Context, fn CallFunc, maxRetriesPerKey int) error {
	if len(r.keys) == 0 {
		return provider.New(r.provider, provider.KindConfiguration, ErrNoCredentials)
	}
	if maxRetriesPerKey < 1 {
		maxRetriesPerKey = 1
	}

	total := len(r.keys) * maxRetriesPerKey
	for attempt := 1; attempt <= total; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		idx := r.current()
		err := fn(ctx, r.keys[idx])
		if err == nil {
			r.metrics.RecordAttempt(r.provider, "ok")
			return nil
		}

		kind := provider.KindOf(err)
		if errors.Is(err, context.Canceled) || !provider.Retryable(kind) {
			return err
		}

		r.metrics.RecordAttempt(r.provider, kind.String())
		r.logger.Debug().
			Str("provider", r.provider).
			Int("key_index", idx).
			Int("attempt", attempt).
			Int("max_attempts", total).
			Str("kind", kind.String()).
			Err(err).
			Msg("provider call failed, rotating key")
		r.advance(idx)

		if attempt < total && r.delay > 0 {
			timer := time.NewTimer(r.delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}

	r.metrics.RecordExhausted(r.provider)
	r.logger.Warn().
		Str("provider", r.provider).
		Int("keys", len(r.keys)).
		Int("attempts", total).
		Msg("all provider keys exhausted")
	return ErrExhausted
}

func (r *Rotator) current() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursor
}

// advance moves the cursor past used unless another caller already did.
func (r *Rotator) advance(used int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cursor == used {
		r.cursor = (used + 1) % len(r.keys)
	}
}
