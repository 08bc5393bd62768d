package workflow

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

type SessionPo struct {
	ID         string        `gorm:"column:id;primaryKey;size:64" json:"id"`
	WorkflowID string        `gorm:"column:workflow_id;index;size:128" json:"workflow_id"`
	Status     SessionStatus `gorm:"column:status;index;size:32" json:"status"`
	Counter    int64         `gorm:"column:counter" json:"counter"`
	Version    int64         `gorm:"column:version" json:"version"`
	Result     string        `gorm:"column:result" json:"result"`
	Context    []byte        `gorm:"column:context" json:"context"` // 业务上下文
	State      []byte        `gorm:"column:state" json:"state"`     // steps/items/awaiters/events
	CreatedAt  int64         `gorm:"column:created_at" json:"created_at"`
	UpdatedAt  int64         `gorm:"column:updated_at" json:"updated_at"`
}

func (SessionPo) TableName() string {
	return "workflow_session"
}

// SessionAwaiterPo awaiter索引表, 事件路由时不需要扫描session的state
type SessionAwaiterPo struct {
	ID        int64  `gorm:"column:id;primaryKey;autoIncrement"`
	SessionID string `gorm:"column:session_id;index;size:64"`
	ScopeID   string `gorm:"column:scope_id;size:512"`
	AwaiterID string `gorm:"column:awaiter_id;index:idx_awaiter_route,priority:2;size:256"`
	EventType string `gorm:"column:event_type;index:idx_awaiter_route,priority:1;size:256"`
	Sequence  int64  `gorm:"column:sequence"`
}

func (SessionAwaiterPo) TableName() string {
	return "workflow_session_awaiter"
}

// sessionState 存在state列里面的数据
type sessionState struct {
	Steps      map[string]*Step    `json:"steps,omitempty"`
	Items      map[string]*Item    `json:"items,omitempty"`
	Awaiters   map[string]*Awaiter `json:"awaiters,omitempty"`
	Events     []*SessionEvent     `json:"events,omitempty"`
	PastEvents []*PastEvent        `json:"past_events,omitempty"`
}

type gormSessionStore struct {
	db *gorm.DB

	hooksMu sync.RWMutex
	hooks   []PreCommitHook
}

// NewGormSessionStore gorm实现的存储, 需要先AutoMigrate SessionPo 和 SessionAwaiterPo
func NewGormSessionStore(db *gorm.DB) SessionStore {
	return &gormSessionStore{db: db}
}

// AutoMigrate 创建或更新表结构
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&SessionPo{}, &SessionAwaiterPo{})
}

func sessionToPo(session *Session) (*SessionPo, error) {
	state, err := json.Marshal(&sessionState{
		Steps:      session.Steps,
		Items:      session.Items,
		Awaiters:   session.Awaiters,
		Events:     session.Events,
		PastEvents: session.PastEvents,
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "marshal session state failed, session: %s", session.ID)
	}
	return &SessionPo{
		ID:         session.ID,
		WorkflowID: session.WorkflowID,
		Status:     session.Status,
		Counter:    session.Counter,
		Version:    session.Version,
		Result:     session.Result,
		Context:    session.Context.ToBytesWithoutError(),
		State:      state,
		CreatedAt:  session.CreatedAt,
		UpdatedAt:  session.UpdatedAt,
	}, nil
}

func poToSession(po *SessionPo) (*Session, error) {
	state := &sessionState{}
	if len(po.State) > 0 {
		if err := json.Unmarshal(po.State, state); err != nil {
			return nil, errors.WithMessagef(err, "unmarshal session state failed, session: %s", po.ID)
		}
	}
	session := &Session{
		ID:         po.ID,
		WorkflowID: po.WorkflowID,
		Status:     po.Status,
		Counter:    po.Counter,
		Version:    po.Version,
		Result:     po.Result,
		Context:    NewJSONContext(po.Context),
		Steps:      state.Steps,
		Items:      state.Items,
		Awaiters:   state.Awaiters,
		Events:     state.Events,
		PastEvents: state.PastEvents,
		CreatedAt:  po.CreatedAt,
		UpdatedAt:  po.UpdatedAt,
	}
	session.ensureMaps()
	return session, nil
}

func awaiterPos(session *Session) []*SessionAwaiterPo {
	pos := make([]*SessionAwaiterPo, 0, len(session.Awaiters))
	for _, awaiter := range session.Awaiters {
		pos = append(pos, &SessionAwaiterPo{
			SessionID: session.ID,
			ScopeID:   awaiter.ID,
			AwaiterID: awaiter.AwaiterID,
			EventType: awaiter.EventType,
			Sequence:  awaiter.Sequence,
		})
	}
	return pos
}

func (r *gormSessionStore) AddPreCommitHook(hook PreCommitHook) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.hooks = append(r.hooks, hook)
}

func (r *gormSessionStore) runPreCommitHooks(ctx context.Context, session *Session) error {
	r.hooksMu.RLock()
	hooks := append([]PreCommitHook(nil), r.hooks...)
	r.hooksMu.RUnlock()
	for _, hook := range hooks {
		if err := hook(ctx, session); err != nil {
			return errors.WithMessagef(err, "pre commit hook failed, session: %s", session.ID)
		}
	}
	return nil
}

func (r *gormSessionStore) CreateSession(ctx context.Context, session *Session) error {
	if session == nil || session.ID == "" {
		return errors.WithMessage(ErrWorkflowParamInvalid, "CreateSession: nil session or empty id")
	}
	session.Version = 1
	now := time.Now().Unix()
	session.CreatedAt = now
	session.UpdatedAt = now
	po, err := sessionToPo(session)
	if err != nil {
		return err
	}
	return r.Transaction(ctx, func(ctx context.Context) error {
		var count int64
		if err := r.GetDBWithContext(ctx).Model(&SessionPo{}).Where("id = ?", session.ID).Count(&count).Error; err != nil {
			return errors.WithMessage(err, "CreateSession count failed")
		}
		if count > 0 {
			return errors.WithMessagef(ErrSessionAlreadyExists, "session: %s", session.ID)
		}
		if err := r.GetDBWithContext(ctx).Create(po).Error; err != nil {
			return errors.WithMessage(err, "CreateSession failed")
		}
		if awaiters := awaiterPos(session); len(awaiters) > 0 {
			if err := r.GetDBWithContext(ctx).Create(&awaiters).Error; err != nil {
				return errors.WithMessage(err, "CreateSession awaiters failed")
			}
		}
		return nil
	})
}

func (r *gormSessionStore) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	pos := make([]*SessionPo, 0)
	if err := r.GetDBWithContext(ctx).Model(&SessionPo{}).Where("id = ?", sessionID).Limit(1).Find(&pos).Error; err != nil {
		return nil, errors.WithMessagef(err, "GetSession failed, session: %s", sessionID)
	}
	if len(pos) == 0 {
		return nil, errors.WithMessagef(ErrSessionNotFound, "session: %s", sessionID)
	}
	return poToSession(pos[0])
}

func buildSessionFilter(db *gorm.DB, filter *SessionFilter) *gorm.DB {
	if len(filter.SessionIDIn) != 0 {
		db = db.Where("id IN ?", filter.SessionIDIn)
	}
	if len(filter.WorkflowIDIn) != 0 {
		db = db.Where("workflow_id IN ?", filter.WorkflowIDIn)
	}
	if len(filter.StatusIn) != 0 {
		db = db.Where("status IN ?", filter.StatusIn)
	}
	if filter.AwaiterEventType != nil {
		sub := db.Session(&gorm.Session{NewDB: true}).Model(&SessionAwaiterPo{}).
			Select("session_id").
			Where("event_type = ?", *filter.AwaiterEventType)
		if len(filter.AwaiterIDIn) != 0 {
			sub = sub.Where("(awaiter_id IN ? OR awaiter_id = '')", filter.AwaiterIDIn)
		}
		db = db.Where("id IN (?)", sub)
	}
	return db.Order("created_at asc, id asc")
}

func (r *gormSessionStore) FindSessions(ctx context.Context, filter *SessionFilter) ([]*Session, error) {
	if filter == nil {
		return nil, errors.WithMessage(ErrWorkflowParamInvalid, "FindSessions: nil filter")
	}
	db := buildSessionFilter(r.GetDBWithContext(ctx).Model(&SessionPo{}), filter)
	inMemory := len(filter.ContextEquals) > 0 || filter.Predicate != nil
	limit, offset, noLimit := filter.Page.limitOffset()
	if !noLimit && !inMemory {
		// 没有内存过滤的条件, 分页可以下推到数据库
		db = db.Offset(offset).Limit(limit)
	}
	pos := make([]*SessionPo, 0)
	if err := db.Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "FindSessions failed")
	}
	sessions := make([]*Session, 0, len(pos))
	for _, po := range pos {
		session, err := poToSession(po)
		if err != nil {
			return nil, err
		}
		if inMemory && !filter.matchInMemory(session) {
			continue
		}
		sessions = append(sessions, session)
	}
	if noLimit || !inMemory {
		return sessions, nil
	}
	if offset >= len(sessions) {
		return []*Session{}, nil
	}
	end := offset + limit
	if end > len(sessions) {
		end = len(sessions)
	}
	return sessions[offset:end], nil
}

func (r *gormSessionStore) SaveSession(ctx context.Context, session *Session, opts *SaveOptions) error {
	if session == nil {
		return errors.WithMessage(ErrWorkflowParamInvalid, "SaveSession: nil session")
	}
	if opts == nil {
		opts = &SaveOptions{}
	}
	if err := r.runPreCommitHooks(ctx, session); err != nil {
		return err
	}
	po, err := sessionToPo(session)
	if err != nil {
		return err
	}
	var newVersion int64
	updatedAt := time.Now().Unix()
	err = r.Transaction(ctx, func(ctx context.Context) error {
		db := r.GetDBWithContext(ctx).Model(&SessionPo{}).Where("id = ?", session.ID)
		if opts.IgnoreVersion {
			current := make([]*SessionPo, 0)
			if err := r.GetDBWithContext(ctx).Model(&SessionPo{}).Select("id", "version").Where("id = ?", session.ID).Limit(1).Find(&current).Error; err != nil {
				return errors.WithMessage(err, "SaveSession read version failed")
			}
			if len(current) == 0 {
				return errors.WithMessagef(ErrSessionNotFound, "session: %s", session.ID)
			}
			newVersion = current[0].Version + 1
		} else {
			db = db.Where("version = ?", session.Version)
			newVersion = session.Version + 1
		}
		res := db.Updates(map[string]any{
			"status":     po.Status,
			"counter":    po.Counter,
			"version":    newVersion,
			"result":     po.Result,
			"context":    po.Context,
			"state":      po.State,
			"updated_at": updatedAt,
		})
		if res.Error != nil {
			return errors.WithMessage(res.Error, "SaveSession update failed")
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := r.GetDBWithContext(ctx).Model(&SessionPo{}).Where("id = ?", session.ID).Count(&count).Error; err != nil {
				return errors.WithMessage(err, "SaveSession count failed")
			}
			if count == 0 {
				return errors.WithMessagef(ErrSessionNotFound, "session: %s", session.ID)
			}
			return errors.WithMessagef(ErrConcurrency, "session: %s, expected version: %d", session.ID, session.Version)
		}
		if err := r.GetDBWithContext(ctx).Where("session_id = ?", session.ID).Delete(&SessionAwaiterPo{}).Error; err != nil {
			return errors.WithMessage(err, "SaveSession delete awaiters failed")
		}
		if awaiters := awaiterPos(session); len(awaiters) > 0 {
			if err := r.GetDBWithContext(ctx).Create(&awaiters).Error; err != nil {
				return errors.WithMessage(err, "SaveSession create awaiters failed")
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	session.Version = newVersion
	session.UpdatedAt = updatedAt
	return nil
}

// BumpVersion 模拟另外一个进程修改了session
func (r *gormSessionStore) BumpVersion(ctx context.Context, sessionID string) error {
	res := r.GetDBWithContext(ctx).Model(&SessionPo{}).Where("id = ?", sessionID).
		Updates(map[string]any{"version": gorm.Expr("version + 1"), "updated_at": time.Now().Unix()})
	if res.Error != nil {
		return errors.WithMessage(res.Error, "BumpVersion failed")
	}
	if res.RowsAffected == 0 {
		return errors.WithMessagef(ErrSessionNotFound, "session: %s", sessionID)
	}
	return nil
}

type contextKey string

const (
	transactionContextKey contextKey = "transaction"
)

func (r *gormSessionStore) GetDBWithContext(ctx context.Context) *gorm.DB {
	tx, ok := ctx.Value(transactionContextKey).(*gorm.DB)
	if !ok || tx == nil {
		// 没有事务，直接返回db即可
		return r.db.WithContext(ctx)
	}
	return tx
}

// Transaction 已经在事务中就直接复用
func (r *gormSessionStore) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(transactionContextKey).(*gorm.DB); ok {
		return fn(ctx)
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, transactionContextKey, tx))
	})
}
