package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// MemorySessionStore 内存存储, 和数据库存储有一样的乐观锁语义, 用于测试和单进程场景
// 保存的是session的深拷贝, 调用方修改内存对象不会影响存储
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	order    []string

	hooksMu sync.RWMutex
	hooks   []PreCommitHook
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]*Session),
	}
}

func (m *MemorySessionStore) AddPreCommitHook(hook PreCommitHook) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.hooks = append(m.hooks, hook)
}

func (m *MemorySessionStore) runPreCommitHooks(ctx context.Context, session *Session) error {
	m.hooksMu.RLock()
	hooks := append([]PreCommitHook(nil), m.hooks...)
	m.hooksMu.RUnlock()
	for _, hook := range hooks {
		if err := hook(ctx, session); err != nil {
			return errors.WithMessagef(err, "pre commit hook failed, session: %s", session.ID)
		}
	}
	return nil
}

func (m *MemorySessionStore) CreateSession(ctx context.Context, session *Session) error {
	if session == nil || session.ID == "" {
		return errors.WithMessage(ErrWorkflowParamInvalid, "CreateSession: nil session or empty id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[session.ID]; ok {
		return errors.WithMessagef(ErrSessionAlreadyExists, "session: %s", session.ID)
	}
	session.Version = 1
	stored, err := session.Clone()
	if err != nil {
		return err
	}
	m.sessions[session.ID] = stored
	m.order = append(m.order, session.ID)
	return nil
}

func (m *MemorySessionStore) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stored, ok := m.sessions[sessionID]
	if !ok {
		return nil, errors.WithMessagef(ErrSessionNotFound, "session: %s", sessionID)
	}
	return stored.Clone()
}

func (m *MemorySessionStore) FindSessions(ctx context.Context, filter *SessionFilter) ([]*Session, error) {
	if filter == nil {
		return nil, errors.WithMessage(ErrWorkflowParamInvalid, "FindSessions: nil filter")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	matched := make([]*Session, 0)
	for _, id := range m.order {
		stored := m.sessions[id]
		if !filter.match(stored) {
			continue
		}
		session, err := stored.Clone()
		if err != nil {
			return nil, err
		}
		matched = append(matched, session)
	}
	limit, offset, noLimit := filter.Page.limitOffset()
	if noLimit {
		return matched, nil
	}
	if offset >= len(matched) {
		return []*Session{}, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], nil
}

func (m *MemorySessionStore) SaveSession(ctx context.Context, session *Session, opts *SaveOptions) error {
	if session == nil {
		return errors.WithMessage(ErrWorkflowParamInvalid, "SaveSession: nil session")
	}
	if opts == nil {
		opts = &SaveOptions{}
	}
	if err := m.runPreCommitHooks(ctx, session); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.sessions[session.ID]
	if !ok {
		return errors.WithMessagef(ErrSessionNotFound, "session: %s", session.ID)
	}
	if !opts.IgnoreVersion && existing.Version != session.Version {
		return errors.WithMessagef(ErrConcurrency, "session: %s, expected version: %d, stored version: %d", session.ID, session.Version, existing.Version)
	}
	stored, err := session.Clone()
	if err != nil {
		return err
	}
	stored.Version = existing.Version + 1
	stored.UpdatedAt = time.Now().Unix()
	m.sessions[session.ID] = stored
	session.Version = stored.Version
	session.UpdatedAt = stored.UpdatedAt
	return nil
}

// BumpVersion 模拟另外一个进程修改了session
func (m *MemorySessionStore) BumpVersion(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.sessions[sessionID]
	if !ok {
		return errors.WithMessagef(ErrSessionNotFound, "session: %s", sessionID)
	}
	existing.Version++
	existing.UpdatedAt = time.Now().Unix()
	return nil
}
