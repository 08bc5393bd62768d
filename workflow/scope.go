package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/pkg/errors"
)

// Scope 是Session上的游标, 给checkpoint/item/awaiter的id加上层级前缀
// 循环和并行分支里的id因此稳定且不冲突
//
//	前缀为空          resolve(id) = id
//	有前缀,非递归     resolve(id) = prefix.id
//	有前缀,递归深度d  resolve(id) = prefix-d.id
//
// 递归深度保存在名为 "prefix[depth]" 的item里面
type Scope struct {
	session   *Session
	inv       *invocation
	prefix    string
	recursive bool
}

// NewRootScope 不带持久化的根作用域, 引擎之外(测试、工具)读写session使用
func NewRootScope(session *Session) *Scope {
	session.ensureMaps()
	return &Scope{session: session}
}

func newInvocationScope(inv *invocation) *Scope {
	inv.session.ensureMaps()
	return &Scope{session: inv.session, inv: inv}
}

func (s *Scope) Session() *Session {
	return s.session
}

func (s *Scope) Context() *JSONContext {
	return s.session.Context
}

func (s *Scope) Prefix() string {
	return s.prefix
}

func (s *Scope) depthItemID() string {
	return s.prefix + "[depth]"
}

// RecursionDepth 当前递归深度, 非递归作用域返回false
func (s *Scope) RecursionDepth() (int64, bool) {
	if !s.recursive {
		return 0, false
	}
	item, ok := s.session.GetItem(s.depthItemID())
	if !ok {
		return 0, false
	}
	depth, err := strconv.ParseInt(string(item.Value), 10, 64)
	if err != nil {
		return 0, false
	}
	return depth, true
}

// Resolve 解析成session里面的完整id
func (s *Scope) Resolve(id string) string {
	if s.prefix == "" {
		return id
	}
	if depth, ok := s.RecursionDepth(); ok {
		return fmt.Sprintf("%s-%d.%s", s.prefix, depth, id)
	}
	return s.prefix + "." + id
}

func (s *Scope) resolveAt(depth int64, id string) string {
	return fmt.Sprintf("%s-%d.%s", s.prefix, depth, id)
}

// Child 打开一个子作用域, 前缀是当前作用域解析后的name
func (s *Scope) Child(name string) *Scope {
	return &Scope{session: s.session, inv: s.inv, prefix: s.Resolve(name)}
}

// BeginRecursiveScope 打开递归子作用域, 深度只会初始化一次为1
// 初始化后立刻保存, 第一次迭代之前崩溃重放时深度仍然是1
func (s *Scope) BeginRecursiveScope(ctx context.Context, prefix string) (*Scope, error) {
	child := &Scope{session: s.session, inv: s.inv, prefix: s.Resolve(prefix), recursive: true}
	if _, ok := s.session.GetItem(child.depthItemID()); ok {
		return child, nil
	}
	if err := s.session.AddItem(child.depthItemID(), json.RawMessage("1")); err != nil {
		return nil, errors.WithMessagef(err, "BeginRecursiveScope failed, prefix: %s", child.prefix)
	}
	if err := s.inv.forceSave(ctx); err != nil {
		return nil, errors.WithMessagef(err, "BeginRecursiveScope save failed, prefix: %s", child.prefix)
	}
	return child, nil
}

// IncreaseRecursionDepth 深度加一并保存, 没有开始递归作用域返回 ErrItemNotFound
func (s *Scope) IncreaseRecursionDepth(ctx context.Context) error {
	if !s.recursive {
		return errors.WithMessagef(ErrItemNotFound, "IncreaseRecursionDepth failed, scope %q is not recursive", s.prefix)
	}
	depth, ok := s.RecursionDepth()
	if !ok {
		return errors.WithMessagef(ErrItemNotFound, "IncreaseRecursionDepth failed, item: %s", s.depthItemID())
	}
	if err := s.session.UpdateItem(s.depthItemID(), json.RawMessage(strconv.FormatInt(depth+1, 10))); err != nil {
		return err
	}
	return s.inv.forceSave(ctx)
}

func (s *Scope) HasStep(id string) bool {
	return s.session.HasStep(s.Resolve(id))
}

// GetStep 读取checkpoint到v, 不存在返回false
func (s *Scope) GetStep(id string, v any) (bool, error) {
	step, ok := s.session.GetStep(s.Resolve(id))
	if !ok {
		return false, nil
	}
	if err := s.inv.codecOrDefault().DecodeInto(step.Value, v); err != nil {
		return true, errors.WithMessagef(err, "decode step failed, step: %s", step.ID)
	}
	return true, nil
}

// AddStep 记录checkpoint, 按PersistOnCheckpoint策略保存
func (s *Scope) AddStep(ctx context.Context, id string, v any) error {
	value, err := s.inv.codecOrDefault().Encode(v)
	if err != nil {
		return err
	}
	if _, err := s.session.AddStep(s.Resolve(id), value); err != nil {
		return err
	}
	return s.inv.persist(ctx, PersistOnCheckpoint)
}

// GetItem 读取item到v, 不存在返回false
func (s *Scope) GetItem(id string, v any) (bool, error) {
	item, ok := s.session.GetItem(s.Resolve(id))
	if !ok {
		return false, nil
	}
	if err := s.inv.codecOrDefault().DecodeInto(item.Value, v); err != nil {
		return true, errors.WithMessagef(err, "decode item failed, item: %s", item.ID)
	}
	return true, nil
}

func (s *Scope) AddItem(id string, v any) error {
	value, err := s.inv.codecOrDefault().Encode(v)
	if err != nil {
		return err
	}
	return s.session.AddItem(s.Resolve(id), value)
}

func (s *Scope) SetItem(id string, v any) error {
	value, err := s.inv.codecOrDefault().Encode(v)
	if err != nil {
		return err
	}
	s.session.SetItem(s.Resolve(id), value)
	return nil
}

func (s *Scope) UpdateItem(id string, v any) error {
	value, err := s.inv.codecOrDefault().Encode(v)
	if err != nil {
		return err
	}
	return s.session.UpdateItem(s.Resolve(id), value)
}

func (s *Scope) DeleteItem(id string) error {
	return s.session.DeleteItem(s.Resolve(id))
}

// GetItems 非递归作用域最多读取一个item, 递归作用域按1..depth每次迭代读取一个
// 例如收集每次重试循环里创建的按钮消息id
func GetItems[T any](s *Scope, id string) ([]T, error) {
	ret := make([]T, 0)
	ids := make([]string, 0)
	if depth, ok := s.RecursionDepth(); ok {
		for d := int64(1); d <= depth; d++ {
			ids = append(ids, s.resolveAt(d, id))
		}
	} else {
		ids = append(ids, s.Resolve(id))
	}
	for _, itemID := range ids {
		item, ok := s.session.GetItem(itemID)
		if !ok {
			continue
		}
		v, err := DecodeValue[T](s.inv.codecOrDefault(), item.Value)
		if err != nil {
			return nil, errors.WithMessagef(err, "GetItems decode failed, item: %s", itemID)
		}
		ret = append(ret, v)
	}
	return ret, nil
}

func (s *Scope) GetAwaiter(id string) (*Awaiter, bool) {
	return s.session.GetAwaiter(s.Resolve(id))
}

// AddAwaiter 注册awaiter, 按PersistOnAwaiter策略保存
func (s *Scope) AddAwaiter(ctx context.Context, id string, awaiterID string, eventType string) error {
	if _, err := s.session.AddAwaiter(s.Resolve(id), awaiterID, eventType); err != nil {
		return err
	}
	return s.inv.persist(ctx, PersistOnAwaiter)
}

func (s *Scope) RemoveAwaiter(ctx context.Context, id string) error {
	if err := s.session.RemoveAwaiter(s.Resolve(id)); err != nil {
		return err
	}
	return s.inv.persist(ctx, PersistOnAwaiter)
}

// RemoveAllAwaiters 删除当前作用域下注册的所有awaiter
func (s *Scope) RemoveAllAwaiters(ctx context.Context) ([]string, error) {
	removed := s.session.RemoveAwaitersUnder(s.prefix)
	if len(removed) == 0 {
		return removed, nil
	}
	return removed, s.inv.persist(ctx, PersistOnAwaiter)
}
