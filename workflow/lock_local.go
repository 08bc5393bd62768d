package workflow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// NewLocalSessionLock 进程内的锁, 单实例部署或者测试使用
func NewLocalSessionLock() SessionLock {
	return &localSessionLock{}
}

type localSessionLock struct {
	mu    sync.Mutex
	locks map[string]*localLockInfo
}

type localLockInfo struct {
	value    string    // 锁的值，用于验证是否是同一个持有者
	expireAt time.Time // 过期时间, 过期的锁可以被别人抢占
}

// NonBlockingSynchronized 非阻塞同步执行
func (l *localSessionLock) NonBlockingSynchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, f func(context.Context) error) error {
	if _, ok := ctx.Value(lockKey(key)).(string); ok {
		// 已经持有锁，可重入，直接执行
		return f(ctx)
	}
	value := uuid.NewString()
	if !l.tryLock(key, value, maxLockTimeDuration) {
		return errors.WithMessagef(LockFailedError, "[localSessionLock.NonBlockingSynchronized] has been locked, key: %s", key)
	}
	defer l.releaseKey(ctx, key, value)
	return f(context.WithValue(ctx, lockKey(key), value))
}

func (l *localSessionLock) tryLock(key string, value string, ttl time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.locks == nil {
		l.locks = make(map[string]*localLockInfo)
	}
	if info, ok := l.locks[key]; ok && time.Now().Before(info.expireAt) {
		return false
	}
	l.locks[key] = &localLockInfo{value: value, expireAt: time.Now().Add(ttl)}
	return true
}

// releaseKey 只释放自己持有的锁, 过期后被别人抢占的锁不动
func (l *localSessionLock) releaseKey(ctx context.Context, key string, value string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	info, ok := l.locks[key]
	if !ok {
		return
	}
	if info.value != value {
		slog.WarnContext(ctx, "[localSessionLock.releaseKey] lock expired and taken by others", slog.String("key", key))
		return
	}
	delete(l.locks, key)
}
