package workflow

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

func NewLocalWorkflowLock() WorkflowLock {
	return &localWorkflowLock{
		locks: &sync.Map{},
	}
}

type localWorkflowLock struct {
	locks *sync.Map // key -> *localLockInfo
}

type localLockInfo struct {
	sem   chan struct{} // 容量为1, 写进去表示持有锁, 可以配合ctx等待
	mu    sync.Mutex    // 保护下面的字段
	value string        // 锁的值，用于验证是否是同一个持有者
	timer *time.Timer   // 超时定时器
}

func (l *localWorkflowLock) getLockInfo(key string) *localLockInfo {
	lockInfo, _ := l.locks.LoadOrStore(key, &localLockInfo{sem: make(chan struct{}, 1)})
	return lockInfo.(*localLockInfo)
}

// NonBlockingSynchronized 非阻塞同步执行
func (l *localWorkflowLock) NonBlockingSynchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, f func(context.Context) error) error {
	if _, ok := ctx.Value(lockKey(key)).(string); ok {
		// 已经持有锁，可重入，直接执行
		return f(ctx)
	}
	info := l.getLockInfo(key)
	select {
	case info.sem <- struct{}{}:
	default:
		return errors.WithMessagef(LockFailedError, "[localWorkflowLock.NonBlockingSynchronized] has been locked, key: %s", key)
	}
	return l.runLocked(ctx, key, info, maxLockTimeDuration, f)
}

// Synchronized 阻塞同步执行, 等待时间由ctx控制
func (l *localWorkflowLock) Synchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, f func(context.Context) error) error {
	if _, ok := ctx.Value(lockKey(key)).(string); ok {
		return f(ctx)
	}
	info := l.getLockInfo(key)
	select {
	case info.sem <- struct{}{}:
	case <-ctx.Done():
		return errors.WithMessagef(LockFailedTimeOutError, "[localWorkflowLock.Synchronized] wait lock failed, key: %s, err: %v", key, ctx.Err())
	}
	return l.runLocked(ctx, key, info, maxLockTimeDuration, f)
}

func (l *localWorkflowLock) runLocked(ctx context.Context, key string, info *localLockInfo, maxLockTimeDuration time.Duration, f func(context.Context) error) error {
	value := uuid.NewString()
	info.mu.Lock()
	info.value = value
	// 设置超时自动释放
	info.timer = time.AfterFunc(maxLockTimeDuration, func() {
		l.releaseKey(key, info, value)
	})
	info.mu.Unlock()

	defer l.releaseKey(key, info, value)
	return f(context.WithValue(ctx, lockKey(key), value))
}

// releaseKey 释放锁
func (l *localWorkflowLock) releaseKey(key string, info *localLockInfo, value string) {
	info.mu.Lock()
	defer info.mu.Unlock()
	// 验证是否是同一个持有者, 超时自动释放之后持有者再释放会走到这里
	if info.value != value {
		log.Printf("[localWorkflowLock.releaseKey] value mismatch, key: %s, expected: %s, got: %s", key, info.value, value)
		return
	}
	if info.timer != nil {
		info.timer.Stop()
		info.timer = nil
	}
	info.value = ""
	<-info.sem
}
