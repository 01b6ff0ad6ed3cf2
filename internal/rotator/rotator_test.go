package rotator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/ocr-gateway/internal/provider"
)

func newTestRotator(keys ...string) *Rotator {
	return New("gemini", keys, Options{RetryDelay: -1, Logger: zerolog.Nop()})
}

func quota() error {
	return provider.New("gemini", provider.KindQuota, errors.New("429"))
}

// ============================================================================
// 重試與輪換測試
// ============================================================================

func TestExhaustionAttemptsEveryKeyEveryRetry(t *testing.T) {
	r := newTestRotator("k1", "k2")

	var used []string
	err := r.Call(context.Background(), func(_ context.Context, key string) error {
		used = append(used, key)
		return quota()
	}, 3)

	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, []string{"k1", "k2", "k1", "k2", "k1", "k2"}, used)
}

func TestSuccessKeepsCursor(t *testing.T) {
	r := newTestRotator("k1", "k2", "k3")

	calls := 0
	err := r.Call(context.Background(), func(_ context.Context, key string) error {
		calls++
		if key == "k1" {
			return provider.New("gemini", provider.KindAuth, errors.New("revoked"))
		}
		return nil
	}, 2)

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, r.Cursor())

	// Next call starts on the key that worked
	var first string
	require.NoError(t, r.Call(context.Background(), func(_ context.Context, key string) error {
		first = key
		return nil
	}, 1))
	assert.Equal(t, "k2", first)
	assert.Equal(t, 1, r.Cursor())
}

func TestRetryableKindsRotate(t *testing.T) {
	for _, kind := range []provider.Kind{provider.KindTransport, provider.KindQuota, provider.KindAuth, provider.KindClient} {
		t.Run(kind.String(), func(t *testing.T) {
			r := newTestRotator("a", "b")
			calls := 0
			err := r.Call(context.Background(), func(context.Context, string) error {
				calls++
				if calls == 1 {
					return provider.New("gemini", kind, errors.New("boom"))
				}
				return nil
			}, 1)
			require.NoError(t, err)
			assert.Equal(t, 2, calls)
			assert.Equal(t, 1, r.Cursor())
		})
	}
}

func TestNonRetryableErrorsStopImmediately(t *testing.T) {
	testCases := []struct {
		name string
		err  error
	}{
		{"no text", provider.ErrNoText},
		{"malformed", provider.New("gemini", provider.KindMalformed, errors.New("bad json"))},
		{"unclassified", errors.New("plain failure")},
		{"cancelled", context.Canceled},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r := newTestRotator("a", "b")
			calls := 0
			err := r.Call(context.Background(), func(context.Context, string) error {
				calls++
				return tc.err
			}, 3)
			assert.ErrorIs(t, err, tc.err)
			assert.Equal(t, 1, calls)
			assert.Equal(t, 0, r.Cursor())
		})
	}
}

func TestMaxRetriesBelowOneMeansOne(t *testing.T) {
	r := newTestRotator("a", "b", "c")
	calls := 0
	err := r.Call(context.Background(), func(context.Context, string) error {
		calls++
		return quota()
	}, 0)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 3, calls)
}

// ============================================================================
// 設定錯誤測試
// ============================================================================

func TestNoKeysFailsFast(t *testing.T) {
	r := newTestRotator()
	called := false
	err := r.Call(context.Background(), func(context.Context, string) error {
		called = true
		return nil
	}, 3)

	require.Error(t, err)
	assert.False(t, called)
	assert.ErrorIs(t, err, ErrNoCredentials)
	assert.NotErrorIs(t, err, ErrExhausted)
	assert.Equal(t, provider.KindConfiguration, provider.KindOf(err))
}

// ============================================================================
// 並發與取消測試
// ============================================================================

func TestConcurrentFailuresAdvanceOnce(t *testing.T) {
	r := newTestRotator("a", "b", "c")

	var (
		start   sync.WaitGroup
		release = make(chan struct{})
		wg      sync.WaitGroup
	)
	start.Add(2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			calls := 0
			_ = r.Call(context.Background(), func(_ context.Context, key string) error {
				calls++
				if calls == 1 {
					start.Done()
					<-release
					return quota()
				}
				return nil
			}, 1)
		}()
	}
	start.Wait()
	close(release)
	wg.Wait()

	// Both failed on key 0; the cursor moved to key 1 only
	assert.Equal(t, 1, r.Cursor())
}

func TestCancellationDuringDelay(t *testing.T) {
	r := New("ocrspace", []string{"a", "b"}, Options{RetryDelay: time.Hour, Logger: zerolog.Nop()})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	var calls atomic.Int32
	err := r.Call(ctx, func(context.Context, string) error {
		calls.Add(1)
		return quota()
	}, 3)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(1), calls.Load())
}

func TestAccessors(t *testing.T) {
	r := newTestRotator("a", "b")
	assert.Equal(t, "gemini", r.Provider())
	assert.Equal(t, 2, r.Keys())
	assert.Equal(t, 0, r.Cursor())
}
