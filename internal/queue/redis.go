package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key layout of the durable backend.
const (
	keyQueue      = "openrabbit:jobs:queue"      // sorted set, score = priority
	keyRetry      = "openrabbit:jobs:retry"      // sorted set, score = next_retry_at (unix)
	keyDataPrefix = "openrabbit:jobs:data:"      // one record per job
	keyDead       = "openrabbit:jobs:dead"       // list
	keyProcessing = "openrabbit:jobs:processing" // sorted set, score = claim time (unix)
)

// redisBackend persists queue state in Redis sorted sets and per-job records.
type redisBackend struct {
	client *redis.Client
}

// NewRedisBackend connects to redisURL and returns the durable backend.
func NewRedisBackend(redisURL string) (Backend, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	return &redisBackend{client: redis.NewClient(opts)}, nil
}

func dataKey(id string) string { return keyDataPrefix + id }

func (r *redisBackend) SaveJob(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, dataKey(job.ID), data, 0).Err()
}

func (r *redisBackend) LoadJob(ctx context.Context, id string) (*Job, error) {
	data, err := r.client.Get(ctx, dataKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *redisBackend) PushReady(ctx context.Context, id string, priority Priority) error {
	return r.client.ZAdd(ctx, keyQueue, redis.Z{Score: float64(priority), Member: id}).Err()
}

func (r *redisBackend) PushRetry(ctx context.Context, id string, at time.Time) error {
	return r.client.ZAdd(ctx, keyRetry, redis.Z{Score: float64(at.Unix()), Member: id}).Err()
}

// The pop scripts remove a job from its source set and add it to the
// processing set in one atomic step: a worker crash mid-claim can never
// leave a job outside every queue.
var (
	popRetryScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #due == 0 then return false end
redis.call('ZREM', KEYS[1], due[1])
redis.call('ZADD', KEYS[2], ARGV[2], due[1])
return due[1]`)

	popReadyScript = redis.NewScript(`
local popped = redis.call('ZPOPMIN', KEYS[1], 1)
if #popped == 0 then return false end
redis.call('ZADD', KEYS[2], ARGV[1], popped[1])
return popped[1]`)
)

func (r *redisBackend) PopNext(ctx context.Context, now time.Time) (string, error) {
	unix := strconv.FormatInt(now.Unix(), 10)

	// Due retry entries first.
	id, err := popRetryScript.Run(ctx, r.client, []string{keyRetry, keyProcessing}, unix, unix).Text()
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, redis.Nil) {
		return "", err
	}

	// Then the main ready queue, lowest score (highest priority) first.
	id, err = popReadyScript.Run(ctx, r.client, []string{keyQueue, keyProcessing}, unix).Text()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

func (r *redisBackend) RemoveProcessing(ctx context.Context, id string) error {
	return r.client.ZRem(ctx, keyProcessing, id).Err()
}

func (r *redisBackend) PushDead(ctx context.Context, id string) error {
	return r.client.RPush(ctx, keyDead, id).Err()
}

func (r *redisBackend) RemoveDead(ctx context.Context, id string) error {
	return r.client.LRem(ctx, keyDead, 1, id).Err()
}

func (r *redisBackend) ListDead(ctx context.Context) ([]string, error) {
	return r.client.LRange(ctx, keyDead, 0, -1).Result()
}

func (r *redisBackend) StaleProcessing(ctx context.Context, olderThan time.Duration, now time.Time) ([]string, error) {
	cutoff := now.Add(-olderThan).Unix()
	return r.client.ZRangeByScore(ctx, keyProcessing, &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(cutoff, 10),
	}).Result()
}

func (r *redisBackend) Stats(ctx context.Context) (Stats, error) {
	pipe := r.client.Pipeline()
	pending := pipe.ZCard(ctx, keyQueue)
	retrying := pipe.ZCard(ctx, keyRetry)
	processing := pipe.ZCard(ctx, keyProcessing)
	dead := pipe.LLen(ctx, keyDead)
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, err
	}
	return Stats{
		Pending:    int(pending.Val()),
		Retrying:   int(retrying.Val()),
		Processing: int(processing.Val()),
		Dead:       int(dead.Val()),
	}, nil
}

func (r *redisBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *redisBackend) Close() error {
	return r.client.Close()
}
