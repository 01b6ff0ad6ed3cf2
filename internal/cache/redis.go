package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ChuLiYu/ocr-gateway/pkg/types"
)

const redisKeyPrefix = "ocrgw:result:"

// Connect opens a client from a redis:// URL or a bare host:port address.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, parseErr := redis.ParseURL(redisURL)
		if parseErr != nil {
			return nil, fmt.Errorf("parse redis url: %w", parseErr)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Redis is a Store backed by Redis string keys holding JSON results.
type Redis struct {
	client *redis.Client
}

// NewRedis wraps an open client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (s *Redis) Get(ctx context.Context, key string) (types.JobResult, bool, error) {
	raw, err := s.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return types.JobResult{}, false, nil
		}
		return types.JobResult{}, false, err
	}
	var out types.JobResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return types.JobResult{}, false, fmt.Errorf("decode cached result: %w", err)
	}
	return out, true, nil
}

func (s *Redis) Put(ctx context.Context, key string, result types.JobResult, ttl time.Duration) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	if ttl < 0 {
		ttl = 0
	}
	return s.client.Set(ctx, redisKeyPrefix+key, raw, ttl).Err()
}

// Close closes the underlying client.
func (s *Redis) Close() error {
	return s.client.Close()
}
