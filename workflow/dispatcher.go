package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Dispatcher 在Engine外面加上重试和session锁
// 每次重试都重新读取session, 已经记录的checkpoint不会再执行, 所以重试是安全的
type Dispatcher struct {
	engine          *Engine
	policy          *ErrorPolicy
	lock            SessionLock
	lockTTL         time.Duration
	maxTries        uint
	initialInterval time.Duration
	maxInterval     time.Duration
	logger          *slog.Logger
}

type DispatcherOption func(*Dispatcher)

func WithErrorPolicy(policy *ErrorPolicy) DispatcherOption {
	return func(d *Dispatcher) { d.policy = policy }
}

// WithSessionLock 同一个session同时只有一个投递在执行, 拿不到锁按可重试错误处理
func WithSessionLock(lock SessionLock, ttl time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.lock = lock
		d.lockTTL = ttl
	}
}

func WithRetry(maxTries uint, initialInterval time.Duration, maxInterval time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.maxTries = maxTries
		d.initialInterval = initialInterval
		d.maxInterval = maxInterval
	}
}

func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = logger }
}

func NewDispatcher(engine *Engine, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		engine:          engine,
		lockTTL:         10 * time.Minute,
		maxTries:        5,
		initialInterval: 50 * time.Millisecond,
		maxInterval:     2 * time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.policy == nil {
		d.policy = engine.policy
	}
	if d.policy == nil {
		d.policy = NewErrorPolicy()
	}
	if engine.policy == nil {
		// 工作流的可重试错误交给dispatcher重试, 不直接记录为失败
		engine.policy = d.policy
	}
	if d.logger == nil {
		d.logger = engine.logger
	}
	return d
}

func (d *Dispatcher) Engine() *Engine {
	return d.engine
}

func (d *Dispatcher) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.initialInterval
	b.MaxInterval = d.maxInterval
	return b
}

func (d *Dispatcher) synchronized(ctx context.Context, sessionID string, f func(ctx context.Context) error) error {
	if d.lock == nil {
		return f(ctx)
	}
	return d.lock.NonBlockingSynchronized(ctx, SessionLockKey(sessionID), d.lockTTL, f)
}

// Start 创建session不重试, 第一次执行返回可重试的失败时, 按投递的方式重放
func (d *Dispatcher) Start(ctx context.Context, req *StartRequest) (*HandlingResult, error) {
	hr, err := d.engine.Start(ctx, req)
	var retryable *RetryableFailure
	if err == nil || !errors.As(err, &retryable) {
		return hr, err
	}
	return d.retry(ctx, hr.SessionID, nil)
}

// DeliverToSession 投递到一个session, 可重试的错误按退避策略重试
func (d *Dispatcher) DeliverToSession(ctx context.Context, sessionID string, delivery *Delivery) (*HandlingResult, error) {
	return d.retry(ctx, sessionID, delivery)
}

// retry delivery 为nil时只重放session
func (d *Dispatcher) retry(ctx context.Context, sessionID string, delivery *Delivery) (*HandlingResult, error) {
	attempt := 0
	operation := func() (*HandlingResult, error) {
		attempt++
		var hr *HandlingResult
		err := d.synchronized(ctx, sessionID, func(ctx context.Context) error {
			var err error
			hr, err = d.engine.DeliverToSession(ctx, sessionID, delivery)
			return err
		})
		if hr == nil {
			hr = &HandlingResult{SessionID: sessionID, Status: HandlingStatusFailed, Err: err}
		}
		if err == nil {
			return hr, nil
		}
		if d.policy.IsTransient(err) {
			d.logger.WarnContext(ctx, fmt.Sprintf("[warn]deliver failed, will retry, session: %s, %s, attempt: %d, err: %v", sessionID, delivery, attempt, err))
			return hr, err
		}
		return hr, backoff.Permanent(err)
	}
	hr, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(d.newBackOff()),
		backoff.WithMaxTries(d.maxTries),
	)
	if err != nil {
		if hr == nil {
			hr = &HandlingResult{SessionID: sessionID, Status: HandlingStatusFailed}
		}
		if errors.Is(err, LockFailedError) {
			// 重试用完还是拿不到锁
			err = fmt.Errorf("%w: %w", LockFailedTimeOutError, err)
		}
		var retryable *RetryableFailure
		if errors.As(err, &retryable) {
			// 重试用完, 记录工作流失败
			failErr := d.synchronized(ctx, sessionID, func(ctx context.Context) error {
				return d.engine.FailSession(ctx, sessionID, retryable.Err)
			})
			if failErr != nil {
				d.logger.ErrorContext(ctx, fmt.Sprintf("[error]record failure failed, session: %s, err: %v", sessionID, failErr))
			}
			hr.Result = retryable.Err.Error()
		}
		hr.Status = HandlingStatusFailed
		hr.Err = err
		if IsSeriousError(err) {
			d.logger.ErrorContext(ctx, fmt.Sprintf("[error]deliver failed, session: %s, %s, attempts: %d, err: %v", sessionID, delivery, attempt, err))
		}
		return hr, errors.WithMessagef(err, "deliver failed after %d attempts, session: %s", attempt, sessionID)
	}
	return hr, nil
}

// Deliver 路由之后每个session独立重试, 返回每个session的结果
func (d *Dispatcher) Deliver(ctx context.Context, req *DeliverRequest) ([]*HandlingResult, error) {
	if req == nil {
		return nil, errors.WithMessage(ErrWorkflowParamInvalid, "Deliver failed, req is nil")
	}
	if err := validatorUtil.Struct(req); err != nil {
		return nil, errors.Wrapf(ErrWorkflowParamInvalid, "Deliver failed, err: %v", err)
	}
	sessions, err := d.engine.Route(ctx, req.Delivery, req.Filter)
	if err != nil {
		return nil, err
	}
	results := make([]*HandlingResult, len(sessions))
	g, gctx := errgroup.WithContext(ctx)
	if d.engine.concurrency > 0 {
		g.SetLimit(d.engine.concurrency)
	}
	for i, session := range sessions {
		i, sessionID := i, session.ID
		g.Go(func() error {
			hr, _ := d.DeliverToSession(gctx, sessionID, req.Delivery)
			results[i] = hr
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}
