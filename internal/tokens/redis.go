package tokens

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/UniQw/fetchq/internal/keys"
	"github.com/redis/go-redis/v9"
)

// Redis is a Store that keeps one hash per namespace, field = resource key.
type Redis struct {
	rdb  redis.UniversalClient
	hash string
	enc  Encoder
}

// NewRedis returns a Store using rdb under namespace ns.
func NewRedis(rdb redis.UniversalClient, ns string) *Redis {
	return &Redis{rdb: rdb, hash: keys.For(ns).Tokens, enc: &JSONEncoder{}}
}

func (s *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	raw, err := s.rdb.HGet(ctx, s.hash, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("tokens: redis hget: %w", err)
	}
	var rec record
	if err := s.enc.Decode(raw, &rec); err != nil {
		return "", false, fmt.Errorf("tokens: decode: %w", err)
	}
	return rec.Token, true, nil
}

func (s *Redis) Set(ctx context.Context, key, token string) error {
	data, err := s.enc.Encode(record{Token: token, UpdatedAt: time.Now().UnixMilli()})
	if err != nil {
		return fmt.Errorf("tokens: encode: %w", err)
	}
	if err := s.rdb.HSet(ctx, s.hash, key, data).Err(); err != nil {
		return fmt.Errorf("tokens: redis hset: %w", err)
	}
	return nil
}

func (s *Redis) Clear(ctx context.Context, key string) error {
	if err := s.rdb.HDel(ctx, s.hash, key).Err(); err != nil {
		return fmt.Errorf("tokens: redis hdel: %w", err)
	}
	return nil
}
