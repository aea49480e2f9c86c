package cache

import (
	"context"
	"time"

	"github.com/pkg/errors"
	redis "github.com/redis/go-redis/v9"
)

const submissionPrefix = "distribuidora:submission:"

type RedisSubmissionGuard struct {
	client *redis.Client
}

func NewRedisSubmissionGuard(addr string, password string, db int) *RedisSubmissionGuard {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisSubmissionGuard{client: client}
}

func (g *RedisSubmissionGuard) Ping(ctx context.Context) error {
	return g.client.Ping(ctx).Err()
}

func (g *RedisSubmissionGuard) Close() error {
	return g.client.Close()
}

func pendingKey(key string) string {
	return submissionPrefix + key + ":pending"
}

func doneKey(key string) string {
	return submissionPrefix + key + ":done"
}

func (g *RedisSubmissionGuard) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if _, found, err := g.Completed(ctx, key); err != nil || found {
		return false, err
	}
	ok, err := g.client.SetNX(ctx, pendingKey(key), "1", ttl).Result()
	if err != nil {
		return false, errors.Wrapf(err, "acquire submission %s", key)
	}
	return ok, nil
}

func (g *RedisSubmissionGuard) Complete(ctx context.Context, key string, orderID string, ttl time.Duration) error {
	_, err := g.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, doneKey(key), orderID, ttl)
		pipe.Del(ctx, pendingKey(key))
		return nil
	})
	return errors.Wrapf(err, "complete submission %s", key)
}

func (g *RedisSubmissionGuard) Completed(ctx context.Context, key string) (string, bool, error) {
	orderID, err := g.client.Get(ctx, doneKey(key)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "read submission %s", key)
	}
	return orderID, true, nil
}

func (g *RedisSubmissionGuard) Release(ctx context.Context, key string) error {
	return errors.Wrapf(g.client.Del(ctx, pendingKey(key)).Err(), "release submission %s", key)
}
