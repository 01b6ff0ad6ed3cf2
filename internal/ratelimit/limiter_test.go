package ratelimit

import (
	"context"
	"math"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// ============================================================================
// 基礎功能測試
// ============================================================================

func TestUnknownResourcePassesThrough(t *testing.T) {
	l := New(map[string]int{"gemini-2.5-flash-preview-tts": 1})

	for i := 0; i < 100; i++ {
		require.NoError(t, l.Acquire(context.Background(), "not-configured"))
	}
	assert.Equal(t, math.MaxInt, l.Remaining("not-configured"))
	assert.Equal(t, 0, l.Limit("not-configured"))
}

func TestNilLimiterIsUnlimited(t *testing.T) {
	var l *Limiter

	assert.NotPanics(t, func() {
		require.NoError(t, l.Acquire(context.Background(), "ocrspace"))
		assert.Equal(t, math.MaxInt, l.Remaining("ocrspace"))
		assert.Equal(t, 0, l.Limit("ocrspace"))
		assert.Empty(t, l.Resources())
		assert.Equal(t, DefaultWindow, l.Window())
	})
}

func TestNonPositiveLimitIsIgnored(t *testing.T) {
	l := New(map[string]int{"ocrspace": 0, "gemini-2.0-flash": -5})
	assert.Empty(t, l.Resources())
	assert.Equal(t, math.MaxInt, l.Remaining("ocrspace"))
}

func TestRemainingTracksWindow(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := New(map[string]int{"tts": 2}, WithClock(clock.Now))

	assert.Equal(t, 2, l.Remaining("tts"))
	require.NoError(t, l.Acquire(context.Background(), "tts"))
	clock.Advance(10 * time.Second)
	require.NoError(t, l.Acquire(context.Background(), "tts"))
	assert.Equal(t, 0, l.Remaining("tts"))

	// First admission leaves the window exactly one minute after it happened
	clock.Advance(50 * time.Second)
	assert.Equal(t, 1, l.Remaining("tts"))

	clock.Advance(10 * time.Second)
	assert.Equal(t, 2, l.Remaining("tts"))
	assert.Equal(t, 2, l.Limit("tts"))
}

// ============================================================================
// 窗口不變量測試
// ============================================================================

func TestWindowInvariantUnderConcurrency(t *testing.T) {
	const (
		limit   = 3
		callers = 9
		window  = 100 * time.Millisecond
	)
	l := New(map[string]int{"tts": limit}, WithWindow(window))

	var (
		mu       sync.Mutex
		admitted []time.Time
		wg       sync.WaitGroup
	)
	start := time.Now()
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			at, err := l.acquire(context.Background(), "tts")
			assert.NoError(t, err)
			mu.Lock()
			admitted = append(admitted, at)
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, admitted, callers)
	sort.Slice(admitted, func(i, j int) bool { return admitted[i].Before(admitted[j]) })
	for i := 0; i+limit < len(admitted); i++ {
		gap := admitted[i+limit].Sub(admitted[i])
		assert.GreaterOrEqual(t, gap, window, "admissions %d and %d only %v apart", i, i+limit, gap)
	}

	// 9 calls at 3 per window need at least two full windows
	assert.GreaterOrEqual(t, time.Since(start), 2*window)
}

func TestResourcesAreIndependent(t *testing.T) {
	l := New(map[string]int{"tts": 1, "grouping": 5}, WithWindow(time.Hour))
	require.NoError(t, l.Acquire(context.Background(), "tts"))

	done := make(chan error, 1)
	go func() { done <- l.Acquire(context.Background(), "grouping") }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("saturated resource blocked an unrelated one")
	}
	assert.Equal(t, 4, l.Remaining("grouping"))
}

// ============================================================================
// 取消測試
// ============================================================================

func TestAcquireHonoursCancellation(t *testing.T) {
	l := New(map[string]int{"tts": 1}, WithWindow(time.Hour))
	require.NoError(t, l.Acquire(context.Background(), "tts"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := l.Acquire(ctx, "tts")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)

	// The cancelled waiter was never admitted
	assert.Equal(t, 0, l.Remaining("tts"))
}
