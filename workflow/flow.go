package workflow

import (
	"context"

	"github.com/pkg/errors"
)

// Flow 工作流中的一段计算, 在给定作用域上执行
// 返回 ErrSuspended 表示还没有值, 需要等待事件后重放
type Flow[T any] func(ctx context.Context, s *Scope) (T, error)

// Persist checkpoint
// id 已经记录过: 直接返回记录的值, 不会再执行fn
// 没有记录过: 执行fn, 记录结果, 按PersistOnCheckpoint策略保存
// 重放时所有已经通过的checkpoint都会立刻返回, 副作用只执行一次
func Persist[T any](ctx context.Context, s *Scope, id string, fn Flow[T]) (T, error) {
	var zero T
	stepID := s.Resolve(id)
	if step, ok := s.session.GetStep(stepID); ok {
		v, err := DecodeValue[T](s.inv.codecOrDefault(), step.Value)
		if err != nil {
			return zero, errors.WithMessagef(err, "Persist decode failed, step: %s", stepID)
		}
		return v, nil
	}
	v, err := fn(ctx, s)
	if err != nil {
		return zero, err
	}
	value, err := s.inv.codecOrDefault().Encode(v)
	if err != nil {
		return zero, err
	}
	if _, err := s.session.AddStep(stepID, value); err != nil {
		return zero, err
	}
	if err := s.inv.persist(ctx, PersistOnCheckpoint); err != nil {
		return zero, err
	}
	return v, nil
}

// PersistBeforePrevious 先记录占位值并立刻保存, 再执行fn, 返回占位值
// 用于标记"即将执行这个副作用", fn执行中崩溃, 重放时也能知道这一步已经进入过, fn不会再执行
// fn 不能挂起
func PersistBeforePrevious[T any](ctx context.Context, s *Scope, id string, placeholder T, fn func(ctx context.Context, s *Scope) error) (T, error) {
	var zero T
	stepID := s.Resolve(id)
	if step, ok := s.session.GetStep(stepID); ok {
		v, err := DecodeValue[T](s.inv.codecOrDefault(), step.Value)
		if err != nil {
			return zero, errors.WithMessagef(err, "PersistBeforePrevious decode failed, step: %s", stepID)
		}
		return v, nil
	}
	value, err := s.inv.codecOrDefault().Encode(placeholder)
	if err != nil {
		return zero, err
	}
	if _, err := s.session.AddStep(stepID, value); err != nil {
		return zero, err
	}
	if err := s.inv.forceSave(ctx); err != nil {
		return zero, err
	}
	if err := fn(ctx, s); err != nil {
		if IsSuspended(err) {
			return zero, errors.Errorf("PersistBeforePrevious: step %s suspended, upstream must not wait for events", stepID)
		}
		return zero, err
	}
	return placeholder, nil
}

// StopAndWait 先在处理中的事件里面找匹配这个awaiter且没有被消费的事件
// 找到了: 标记消费, 删除awaiter, 返回事件
// 没有找到: 注册awaiter(已经注册过就不再注册), 返回 ErrSuspended
// predicate 返回false的事件不会被消费
// 被中断的调用消费过但是没有完成的事件, 重放时会再次交给同一个awaiter
func StopAndWait[T any](ctx context.Context, s *Scope, id string, kind EventKind[T], awaiterID string, predicate func(T) bool) (T, error) {
	var zero T
	scopeID := s.Resolve(id)
	for _, event := range s.session.EventsFor(scopeID) {
		if event.Kind != kind.name {
			continue
		}
		if containsString(event.Consumed, scopeID) && !s.inv.isReplayable(event.EventID, scopeID) {
			continue
		}
		v, err := DecodeValue[T](s.inv.codecOrDefault(), event.Payload)
		if err != nil {
			return zero, errors.WithMessagef(err, "StopAndWait decode failed, awaiter: %s, event: %s", scopeID, event.EventID)
		}
		if predicate != nil && !predicate(v) {
			continue
		}
		if err := s.session.ConsumeEvent(event, scopeID); err != nil {
			return zero, err
		}
		s.inv.consumed(event.EventID, scopeID)
		if err := s.inv.persist(ctx, PersistOnAwaiter); err != nil {
			return zero, err
		}
		return v, nil
	}
	if awaiter, ok := s.session.GetAwaiter(scopeID); ok {
		if awaiter.EventType != kind.name || awaiter.AwaiterID != awaiterID {
			return zero, errors.WithMessagef(ErrDuplicateAwaiter, "awaiter: %s already waits for %s(%s)", scopeID, awaiter.EventType, awaiter.AwaiterID)
		}
		return zero, ErrSuspended
	}
	if _, err := s.session.AddAwaiter(scopeID, awaiterID, kind.name); err != nil {
		return zero, err
	}
	if err := s.inv.persist(ctx, PersistOnAwaiter); err != nil {
		return zero, err
	}
	return zero, ErrSuspended
}

// WaitFor 带checkpoint的StopAndWait, 收到的事件被记录下来, 重放时直接返回
func WaitFor[T any](ctx context.Context, s *Scope, id string, kind EventKind[T], awaiterID string, predicate func(T) bool) (T, error) {
	return Persist(ctx, s, id, func(ctx context.Context, s *Scope) (T, error) {
		return StopAndWait(ctx, s, id, kind, awaiterID, predicate)
	})
}
