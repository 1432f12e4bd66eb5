package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"fetchqd/internal/common"
)

type redisStore struct {
	cl *redis.Client
}

// NewRedisStore wraps an already-connected client in the Store contract.
func NewRedisStore(cl *redis.Client) *redisStore {
	return &redisStore{cl: cl}
}

func (s *redisStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.cl.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cannot set key %s: %w", key, err)
	}

	return nil
}

func (s *redisStore) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.cl.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, common.ErrKeyNotFoundError
		}

		return nil, fmt.Errorf("cannot get key %s: %w", key, err)
	}

	return value, nil
}

func (s *redisStore) Delete(ctx context.Context, key string) error {
	if err := s.cl.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("cannot delete key %s: %w", key, err)
	}

	return nil
}

func (s *redisStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := s.cl.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("cannot setnx key %s: %w", key, err)
	}

	return ok, nil
}

func (s *redisStore) Scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.cl.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("cannot scan %s: %w", pattern, err)
	}

	return keys, nil
}

func (s *redisStore) Incr(ctx context.Context, key string) (int64, error) {
	n, err := s.cl.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("cannot incr key %s: %w", key, err)
	}

	return n, nil
}

func (s *redisStore) ZAdd(ctx context.Context, key, member string, score float64) error {
	if err := s.cl.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("cannot zadd to %s: %w", key, err)
	}

	return nil
}

func (s *redisStore) ZRem(ctx context.Context, key, member string) error {
	if err := s.cl.ZRem(ctx, key, member).Err(); err != nil {
		return fmt.Errorf("cannot zrem from %s: %w", key, err)
	}

	return nil
}

func (s *redisStore) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := s.cl.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("cannot zcard %s: %w", key, err)
	}

	return n, nil
}

func (s *redisStore) ZRange(ctx context.Context, key string, start, stop int64) ([]Member, error) {
	zs, err := s.cl.ZRangeWithScores(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("cannot zrange %s: %w", key, err)
	}

	members := make([]Member, 0, len(zs))
	for _, z := range zs {
		value, ok := z.Member.(string)
		if !ok {
			continue
		}

		members = append(members, Member{Value: value, Score: z.Score})
	}

	return members, nil
}
