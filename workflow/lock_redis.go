package workflow

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

var (
	// 只有持有者才能删除和续期
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
    return 0
end
`)
)

type RedisLockOption func(*redisSessionLock)

// WithRenewInterval 执行期间每隔interval把锁续期到ttl, 长时间的调用不会因为锁过期被别的实例抢占
func WithRenewInterval(interval time.Duration) RedisLockOption {
	return func(d *redisSessionLock) { d.renewInterval = interval }
}

// NewRedisSessionLock 多实例部署时使用
func NewRedisSessionLock(redisClient redis.Cmdable, opts ...RedisLockOption) SessionLock {
	d := &redisSessionLock{redisClient: redisClient}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

type redisSessionLock struct {
	redisClient   redis.Cmdable
	renewInterval time.Duration
}

func (d *redisSessionLock) NonBlockingSynchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, f func(ctx2 context.Context) error) error {
	if _, ok := ctx.Value(lockKey(key)).(string); ok {
		// 之前成功上锁了,继续执行即可
		return f(ctx)
	}
	value := uuid.NewString()
	isLock, err := d.redisClient.SetNX(ctx, key, value, maxLockTimeDuration).Result()
	if err != nil {
		return errors.WithMessagef(LockFailedError, "[redisSessionLock.NonBlockingSynchronized] key: %s, err: %v", key, err)
	}
	if !isLock {
		return errors.WithMessagef(LockFailedError, "[redisSessionLock.NonBlockingSynchronized] has been locked, key: %s", key)
	}
	defer d.releaseKey(ctx, key, value)
	if d.renewInterval > 0 {
		stop := d.keepAlive(ctx, key, value, maxLockTimeDuration)
		defer stop()
	}
	return f(context.WithValue(ctx, lockKey(key), value))
}

// keepAlive 后台续期, 返回的函数停止续期并等待goroutine退出
func (d *redisSessionLock) keepAlive(ctx context.Context, key string, value string, ttl time.Duration) func() {
	done := make(chan struct{})
	exited := make(chan struct{})
	renewCtx := context.WithoutCancel(ctx)
	go func() {
		defer close(exited)
		ticker := time.NewTicker(d.renewInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				reply, err := renewScript.Run(renewCtx, d.redisClient, []string{key}, value, ttl.Milliseconds()).Int64()
				if err != nil {
					slog.WarnContext(ctx, "[redisSessionLock.keepAlive] renew failed", slog.String("key", key), slog.Any("err", err))
					continue
				}
				if reply != 1 {
					slog.WarnContext(ctx, "[redisSessionLock.keepAlive] lock lost", slog.String("key", key))
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		<-exited
	}
}

func (d *redisSessionLock) releaseKey(ctx context.Context, key string, value string) {
	// 释放锁, 因为context 可能会被cancel，确保释放锁需要新开一个context,不能用原来的
	reply, err := releaseScript.Run(context.WithoutCancel(ctx), d.redisClient, []string{key}, value).Int64()
	if err != nil {
		slog.WarnContext(ctx, "[redisSessionLock.releaseKey] release key failed", slog.String("key", key), slog.Any("err", err))
		return
	}
	if reply != 1 {
		// 没有成功释放, 锁已经过期
		slog.WarnContext(ctx, "[redisSessionLock.releaseKey] lock already expired", slog.String("key", key))
	}
}
