// ============================================================================
// OCR Gateway Rate Limiter - per-resource sliding window
// ============================================================================
//
// Package: internal/ratelimit
// File: limiter.go
// Purpose: Enforce requests-per-minute ceilings on named external resources
//          (model names, hosted OCR) across every worker goroutine.
//
// Algorithm (sliding log):
//   For each resource we keep the admission timestamps of the last window.
//
//   Acquire(resource):
//     loop:
//       lock(resource)
//       drop timestamps older than window
//       if len < limit: record now, unlock, return
//       wait = window - (now - oldest)
//       unlock
//       sleep(wait)            <- lock is never held while sleeping
//
// Guarantees:
//   - For any window-long interval, admitted calls <= limit.
//   - Callers are delayed, never rejected. The only error is the caller's
//     context being cancelled while waiting.
//   - Each resource has its own mutex; a throttled TTS model never blocks
//     callers of the grouping model.
//   - Resources without a configured limit pass through.
//
// ============================================================================

package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/ocr-gateway/internal/metrics"
)

// DefaultWindow is the length of the sliding window.
const DefaultWindow = time.Minute

// Limiter governs calls to a fixed set of resources.
type Limiter struct {
	window    time.Duration
	now       func() time.Time
	logger    zerolog.Logger
	metrics   *metrics.Collector
	resources map[string]*resourceState // fixed after New, read without locking
}

// resourceState 每個資源各自的滑動窗口記錄
type resourceState struct {
	mu       sync.Mutex
	limit    int
	admitted []time.Time // ascending admission times inside the window
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithWindow overrides the sliding window length.
func WithWindow(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.window = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithLogger sets the logger used for delay events.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// WithMetrics attaches a collector for wait-time observations.
func WithMetrics(c *metrics.Collector) Option {
	return func(l *Limiter) { l.metrics = c }
}

// New creates a limiter from a resource -> requests-per-window table.
// Non-positive limits leave the resource ungoverned.
func New(limits map[string]int, opts ...Option) *Limiter {
	l := &Limiter{
		window:    DefaultWindow,
		now:       time.Now,
		logger:    zerolog.Nop(),
		resources: make(map[string]*resourceState, len(limits)),
	}
	for _, opt := range opts {
		opt(l)
	}
	for name, limit := range limits {
		if limit <= 0 {
			continue
		}
		l.resources[name] = &resourceState{limit: limit, admitted: make([]time.Time, 0, limit)}
	}
	return l
}

// Acquire blocks until a call to resource may proceed. A nil Limiter admits
// everything.
func (l *Limiter) Acquire(ctx context.Context, resource string) error {
	_, err := l.acquire(ctx, resource)
	return err
}

// acquire returns the admission timestamp recorded for the call.
func (l *Limiter) acquire(ctx context.Context, resource string) (time.Time, error) {
	if l == nil {
		return time.Now(), nil
	}
	state, ok := l.resources[resource]
	if !ok {
		return l.now(), nil
	}

	var waited time.Duration
	for {
		state.mu.Lock()
		now := l.now()
		state.prune(now, l.window)
		if len(state.admitted) < state.limit {
			state.admitted = append(state.admitted, now)
			state.mu.Unlock()
			l.metrics.RecordRateLimitWait(resource, waited.Seconds())
			return now, nil
		}
		wait := l.window - now.Sub(state.admitted[0])
		state.mu.Unlock()

		if wait <= 0 {
			continue
		}
		l.logger.Info().
			Str("resource", resource).
			Int("limit", state.limit).
			Dur("wait", wait).
			Msg("rate limit reached, waiting")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return time.Time{}, ctx.Err()
		case <-timer.C:
		}
		waited += wait
	}
}

// Remaining returns how many calls could be admitted right now. Advisory only:
// another goroutine may take the slot first.
func (l *Limiter) Remaining(resource string) int {
	if l == nil {
		return math.MaxInt
	}
	state, ok := l.resources[resource]
	if !ok {
		return math.MaxInt
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	state.prune(l.now(), l.window)
	return state.limit - len(state.admitted)
}

// Limit returns the configured ceiling, or 0 when the resource is ungoverned.
func (l *Limiter) Limit(resource string) int {
	if l == nil {
		return 0
	}
	if state, ok := l.resources[resource]; ok {
		return state.limit
	}
	return 0
}

// Resources lists governed resource names.
func (l *Limiter) Resources() []string {
	if l == nil {
		return nil
	}
	names := make([]string, 0, len(l.resources))
	for name := range l.resources {
		names = append(names, name)
	}
	return names
}

// Window returns the sliding window length.
func (l *Limiter) Window() time.Duration {
	if l == nil {
		return DefaultWindow
	}
	return l.window
}

// prune drops timestamps that fell out of the window. Caller holds mu.
func (s *resourceState) prune(now time.Time, window time.Duration) {
	i := 0
	for i < len(s.admitted) && now.Sub(s.admitted[i]) >= window {
		i++
	}
	if i > 0 {
		s.admitted = append(s.admitted[:0], s.admitted[i:]...)
	}
}
