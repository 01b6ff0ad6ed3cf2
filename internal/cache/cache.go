// Package cache stores finished job results so a page that was already
// recognized (same locator, same options) is not sent to the providers again.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"sync"
	"time"

	"github.com/ChuLiYu/ocr-gateway/pkg/types"
)

// DefaultTTL is how long a cached result stays valid.
const DefaultTTL = 24 * time.Hour

// Store is a result cache. A miss is (zero, false, nil).
type Store interface {
	Get(ctx context.Context, key string) (types.JobResult, bool, error)
	Put(ctx context.Context, key string, result types.JobResult, ttl time.Duration) error
}

// Key derives the cache key of a job from its locator and options. The job id
// is not part of the key; callers restamp it on a hit.
func Key(job types.Job) string {
	h := sha256.New()
	h.Write([]byte(job.Source))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatBool(job.Options.UseAI)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatBool(job.Options.SkipNarration)))
	return hex.EncodeToString(h.Sum(nil))
}

type memoryEntry struct {
	result  types.JobResult
	expires time.Time
}

// Memory is an in-process Store.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemory creates an empty in-process cache.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]memoryEntry), now: time.Now}
}

// Get returns a live entry, dropping it if it has expired.
func (m *Memory) Get(_ context.Context, key string) (types.JobResult, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return types.JobResult{}, false, nil
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		delete(m.entries, key)
		return types.JobResult{}, false, nil
	}
	return e.result, true, nil
}

// Put stores result. A non-positive ttl never expires.
func (m *Memory) Put(_ context.Context, key string, result types.JobResult, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := memoryEntry{result: result}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	m.entries[key] = e
	return nil
}

// Len returns the number of stored entries, expired or not.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
