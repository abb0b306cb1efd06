package services

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const defaultRunLockTTL = 25 * time.Hour

// RedisRunLock claims a job/day key with SETNX so overlapping triggers on
// different instances do not both start work. The holder releases the key
// once its job_runs row is written or the write failed; the TTL covers a
// holder that dies in between.
type RedisRunLock struct {
	client *redis.Client
	ttl    time.Duration
	owner  string
}

func NewRedisRunLock(client *redis.Client, ttl time.Duration) *RedisRunLock {
	if ttl <= 0 {
		ttl = defaultRunLockTTL
	}
	host, _ := os.Hostname()
	return &RedisRunLock{
		client: client,
		ttl:    ttl,
		owner:  fmt.Sprintf("%s/%s", host, uuid.NewString()),
	}
}

func runLockKey(jobName string, day time.Time) string {
	return fmt.Sprintf("jobs:%s:%s", jobName, day.UTC().Format(time.DateOnly))
}

// releaseScript deletes the key only while it still holds our owner value.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (l *RedisRunLock) Acquire(ctx context.Context, jobName string, day time.Time) (bool, error) {
	ok, err := l.client.SetNX(ctx, runLockKey(jobName, day), l.owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire run lock: %w", err)
	}
	return ok, nil
}

func (l *RedisRunLock) Release(ctx context.Context, jobName string, day time.Time) error {
	if err := releaseScript.Run(ctx, l.client, []string{runLockKey(jobName, day)}, l.owner).Err(); err != nil {
		return fmt.Errorf("release run lock: %w", err)
	}
	return nil
}
