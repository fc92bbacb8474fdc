package workflow

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	delCommand = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`
	// 阻塞等待锁时的轮询间隔
	redisLockPollInterval = 20 * time.Millisecond
)

func NewRedisWorkflowLock(redisClient redis.Cmdable) WorkflowLock {
	return &redisWorkflowLock{redisClient: redisClient, pollInterval: redisLockPollInterval}
}

// redisWorkflowLock 多个进程加载了同一个流程定义时, 用 redis 保证同一个节点的转向串行
type redisWorkflowLock struct {
	redisClient  redis.Cmdable
	pollInterval time.Duration
}

func (d *redisWorkflowLock) NonBlockingSynchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, f func(ctx2 context.Context) error) error {
	if _, ok := ctx.Value(lockKey(key)).(string); ok {
		// 之前成功上锁了,继续执行即可
		return f(ctx)
	}
	value := uuid.NewString()
	isLock, err := d.redisClient.SetNX(ctx, key, value, maxLockTimeDuration).Result()
	if err != nil {
		return errors.WithMessagef(LockFailedError, "[redisWorkflowLock.NonBlockingSynchronized] key: %s, err:%v", key, err)
	}
	if !isLock {
		return errors.WithMessagef(LockFailedError, "[redisWorkflowLock.NonBlockingSynchronized] has been locked, key: %s", key)
	}
	defer d.releaseKey(key, value)
	return f(context.WithValue(ctx, lockKey(key), value))
}

func (d *redisWorkflowLock) Synchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, f func(ctx2 context.Context) error) error {
	if _, ok := ctx.Value(lockKey(key)).(string); ok {
		return f(ctx)
	}
	value := uuid.NewString()
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	for {
		isLock, err := d.redisClient.SetNX(ctx, key, value, maxLockTimeDuration).Result()
		if err != nil && ctx.Err() == nil {
			return errors.WithMessagef(LockFailedError, "[redisWorkflowLock.Synchronized] key: %s, err:%v", key, err)
		}
		if err == nil && isLock {
			break
		}
		select {
		case <-ctx.Done():
			return errors.WithMessagef(LockFailedTimeOutError, "[redisWorkflowLock.Synchronized] wait lock failed, key: %s, err: %v", key, ctx.Err())
		case <-ticker.C:
		}
	}
	defer d.releaseKey(key, value)
	return f(context.WithValue(ctx, lockKey(key), value))
}

func (d *redisWorkflowLock) releaseKey(key string, value string) {
	// 释放锁, 因为context 可能会被cancel，确保释放锁需要新开一个context,不能用原来的
	replyInterface, err := d.redisClient.Eval(context.Background(), delCommand, []string{key}, value).Result()
	if err != nil {
		log.Printf("[redisWorkflowLock.releaseKey] release key failed, key: %s, err:%v", key, err)
		return
	}
	reply, ok := replyInterface.(int64)
	if !ok {
		log.Printf("[redisWorkflowLock.releaseKey] reply is not int64, key: %s, reply:%v", key, replyInterface)
		return
	}
	if reply != 1 {
		// 锁已经过期或者被别人持有
		log.Printf("[redisWorkflowLock.releaseKey] reply is not 1, key: %s, reply:%v", key, reply)
	}
}
