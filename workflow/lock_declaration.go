package workflow

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

var (
	LockFailedError        = errors.New("lock failed")
	LockFailedTimeOutError = errors.New("wait time out")
)

type WorkflowLock interface {
	// NonBlockingSynchronized
	//  @Description:  1.非阻塞同步块,如果没有拿到锁，立刻返回错误
	//                 2.可以重入锁
	//  @param ctx 原来的ctx
	//  @param key 锁的key
	//  @param maxLockTimeDuration 锁最大的时间
	//  @param f 具体执行函数的闭包
	//  @return error
	NonBlockingSynchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, f func(context.Context) error) error
	// Synchronized
	//  @Description:  1.阻塞同步块,一直等到拿到锁或者ctx结束, ctx结束返回 LockFailedTimeOutError
	//                 2.可以重入锁
	//                 节点转向使用这个, 同一个节点上的转向排队执行
	//  @param ctx 原来的ctx, 等待锁的时间由ctx控制
	//  @param key 锁的key
	//  @param maxLockTimeDuration 锁最大的时间
	//  @param f 具体执行函数的闭包
	//  @return error
	Synchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, f func(context.Context) error) error
}

type lockKey string
