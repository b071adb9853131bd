package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisDistributedLockManager implements locks as keys set with NX and a TTL.
// The TTL bounds how long a crashed holder can keep a lock.
type RedisDistributedLockManager struct {
	client    *redis.Client
	prefix    string
	ttl       time.Duration
	retryWait time.Duration

	mu     sync.Mutex
	tokens map[int]string
}

func NewRedisDistributedLockManager(client *redis.Client, prefix string, ttl time.Duration) *RedisDistributedLockManager {
	return &RedisDistributedLockManager{
		client:    client,
		prefix:    prefix,
		ttl:       ttl,
		retryWait: 100 * time.Millisecond,
		tokens:    make(map[int]string),
	}
}

func (l *RedisDistributedLockManager) Acquire(ctx context.Context, lockID int) error {
	for {
		ok, err := l.TryAcquire(ctx, lockID)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("failed to acquire lock: %w", ctx.Err())
		case <-time.After(l.retryWait):
		}
	}
}

func (l *RedisDistributedLockManager) TryAcquire(ctx context.Context, lockID int) (bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key(lockID), token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if ok {
		l.mu.Lock()
		l.tokens[lockID] = token
		l.mu.Unlock()
	}
	return ok, nil
}

func (l *RedisDistributedLockManager) Release(ctx context.Context, lockID int) error {
	l.mu.Lock()
	token, ok := l.tokens[lockID]
	delete(l.tokens, lockID)
	l.mu.Unlock()

	if !ok {
		return fmt.Errorf("failed to release lock: lock %d is not held", lockID)
	}

	key := l.key(lockID)
	err := l.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		// expired and taken by another holder
		if current != token {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

func (l *RedisDistributedLockManager) key(lockID int) string {
	return fmt.Sprintf("%s:lock:%d", l.prefix, lockID)
}
