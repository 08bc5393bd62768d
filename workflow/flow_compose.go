package workflow

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// WhenAny 在子作用域name下按声明顺序执行所有分支, 第一个产生值的分支获胜
// 多个分支同时能产生值时, 序号最小的分支获胜
// 获胜后删除子作用域下所有的awaiter, 输掉的分支再也不会匹配到事件
// 结果记录在checkpoint name上, 重放时不再执行分支
func WhenAny[T any](ctx context.Context, s *Scope, name string, branches ...Flow[T]) (T, error) {
	return Persist(ctx, s, name, func(ctx context.Context, s *Scope) (T, error) {
		var zero T
		child := s.Child(name)
		for i, branch := range branches {
			v, err := branch(ctx, child)
			if IsSuspended(err) {
				continue
			}
			if err != nil {
				return zero, errors.WithMessagef(err, "WhenAny %s branch %d failed", child.Prefix(), i)
			}
			removed, err := child.RemoveAllAwaiters(ctx)
			if err != nil {
				return zero, errors.WithMessagef(err, "WhenAny %s remove awaiters failed", child.Prefix())
			}
			s.inv.debug(ctx, fmt.Sprintf("WhenAny %s won by branch %d, cancelled awaiters: %v", child.Prefix(), i, removed))
			return v, nil
		}
		return zero, ErrSuspended
	})
}

// Branch WhenAll的一个分支, 在子作用域Name下执行
type Branch[T any] struct {
	Name string
	Flow Flow[T]
}

// WhenAll 每个分支在自己的子作用域执行, 所有分支都有值后按顺序返回
// 每次都会执行所有分支, 任何一个分支挂起整体就挂起, 分支的awaiter不会被取消
func WhenAll[T any](ctx context.Context, s *Scope, branches ...Branch[T]) ([]T, error) {
	values := make([]T, len(branches))
	suspended := false
	for i, branch := range branches {
		v, err := branch.Flow(ctx, s.Child(branch.Name))
		if IsSuspended(err) {
			suspended = true
			continue
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "WhenAll branch %s failed", branch.Name)
		}
		values[i] = v
	}
	if suspended {
		return nil, ErrSuspended
	}
	return values, nil
}

// ForEach 集合中每个元素一个分支, 子作用域名字由name函数给出(一般是元素的id)
func ForEach[E any, T any](ctx context.Context, s *Scope, elements []E, name func(E) string, fn func(ctx context.Context, s *Scope, element E) (T, error)) ([]T, error) {
	branches := make([]Branch[T], 0, len(elements))
	for _, element := range elements {
		element := element
		branches = append(branches, Branch[T]{
			Name: name(element),
			Flow: func(ctx context.Context, s *Scope) (T, error) {
				return fn(ctx, s, element)
			},
		})
	}
	return WhenAll(ctx, s, branches...)
}

// Loop 在递归作用域prefix下循环执行iteration, exit返回true时结束
// exit 为nil时一直循环, 直到iteration挂起或者失败
// 每次迭代的checkpoint落在 prefix-d.id 上, 重放时从保存的深度继续, 之前的迭代不会再执行
func Loop[T any](ctx context.Context, s *Scope, prefix string, iteration Flow[T], exit func(T) bool) (T, error) {
	var zero T
	loopScope, err := s.BeginRecursiveScope(ctx, prefix)
	if err != nil {
		return zero, err
	}
	for {
		v, err := iteration(ctx, loopScope)
		if err != nil {
			return zero, err
		}
		if exit != nil && exit(v) {
			return v, nil
		}
		if err := loopScope.IncreaseRecursionDepth(ctx); err != nil {
			return zero, errors.WithMessagef(err, "Loop %s increase depth failed", loopScope.Prefix())
		}
	}
}

// Finally body产生值或者失败之后执行cleanup, 挂起时不执行
// cleanup 记录在checkpoint id上, 只会执行一次
func Finally[T any](ctx context.Context, s *Scope, id string, body Flow[T], cleanup func(ctx context.Context, s *Scope) error) (T, error) {
	var zero T
	v, bodyErr := body(ctx, s)
	if IsSuspended(bodyErr) {
		return zero, bodyErr
	}
	_, cleanupErr := Persist(ctx, s, id, func(ctx context.Context, s *Scope) (bool, error) {
		if err := cleanup(ctx, s); err != nil {
			return false, err
		}
		return true, nil
	})
	if bodyErr != nil {
		if cleanupErr != nil {
			s.inv.warn(ctx, fmt.Sprintf("Finally %s cleanup failed after body error, cleanup err: %v", s.Resolve(id), cleanupErr))
		}
		return zero, bodyErr
	}
	if cleanupErr != nil {
		return zero, errors.WithMessagef(cleanupErr, "Finally %s cleanup failed", s.Resolve(id))
	}
	return v, nil
}
