package workflow

import (
	"context"
)

// SessionStore session的存储, 引擎只依赖这个接口
type SessionStore interface {
	// FindSessions 按条件查询session, 用于事件路由
	FindSessions(ctx context.Context, filter *SessionFilter) ([]*Session, error)
	// GetSession 不存在返回 ErrSessionNotFound
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	// CreateSession 创建session, 成功后session.Version为1
	CreateSession(ctx context.Context, session *Session) error
	// SaveSession 保存当前内存中的session
	// 版本号不一致返回 ErrConcurrency, 不会覆盖; 成功后session.Version加一
	SaveSession(ctx context.Context, session *Session, opts *SaveOptions) error
	// AddPreCommitHook 每次保存提交之前调用, 返回错误会中止这次保存
	AddPreCommitHook(hook PreCommitHook)
}

// PreCommitHook 保存前的钩子, 属于具体的store实例, 测试中用于模拟并发写
type PreCommitHook func(ctx context.Context, session *Session) error

type SaveOptions struct {
	// IgnoreVersion 不做乐观锁检查
	IgnoreVersion bool
}

// SessionFilter 查询条件, 所有条件是and关系
type SessionFilter struct {
	SessionIDIn  []string        `json:"session_id_in"`
	WorkflowIDIn []string        `json:"workflow_id_in"`
	StatusIn     []SessionStatus `json:"status_in"`
	// AwaiterEventType 只查询有这种事件awaiter的session
	AwaiterEventType *string `json:"awaiter_event_type"`
	// AwaiterIDIn 配合AwaiterEventType, awaiter的关联id在这里面或者关联id为空
	AwaiterIDIn []string `json:"awaiter_id_in"`
	// ContextEquals 业务上下文字段过滤, key是点分隔的路径
	ContextEquals map[string]any `json:"context_equals"`
	// Predicate 调用方自定义过滤, 在存储查询之后执行
	Predicate func(session *Session) bool `json:"-"`
	Page      *Pager                      `json:"page"`
}

type Pager struct {
	IsNoLimit *bool `json:"is_no_limit"`
	Page      int64 `json:"page"`
	Size      int64 `json:"size"`
}

// matchInMemory 存储层不能下推的条件在内存里面过滤
func (f *SessionFilter) matchInMemory(session *Session) bool {
	if len(f.ContextEquals) > 0 && !session.Context.Matches(f.ContextEquals) {
		return false
	}
	if f.Predicate != nil && !f.Predicate(session) {
		return false
	}
	return true
}

func (f *SessionFilter) match(session *Session) bool {
	if len(f.SessionIDIn) > 0 && !containsString(f.SessionIDIn, session.ID) {
		return false
	}
	if len(f.WorkflowIDIn) > 0 && !containsString(f.WorkflowIDIn, session.WorkflowID) {
		return false
	}
	if len(f.StatusIn) > 0 && !containsString(f.StatusIn, session.Status) {
		return false
	}
	if f.AwaiterEventType != nil {
		found := false
		for _, awaiter := range session.Awaiters {
			if awaiter.EventType != *f.AwaiterEventType {
				continue
			}
			if len(f.AwaiterIDIn) == 0 || awaiter.AwaiterID == "" || containsString(f.AwaiterIDIn, awaiter.AwaiterID) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return f.matchInMemory(session)
}

func (p *Pager) limitOffset() (limit int, offset int, noLimit bool) {
	if p == nil || (p.IsNoLimit != nil && *p.IsNoLimit) {
		return 0, 0, true
	}
	page, size := p.Page, p.Size
	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = 10
	}
	return int(size), int((page - 1) * size), false
}
