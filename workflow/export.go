package workflow

import (
	"context"

	"github.com/redis/go-redis/v9"
)

type WorkflowService interface {
	/**
	 * @description: 创建session并执行到第一个挂起点
	 * @param ctx context.Context
	 * @param req *StartRequest
	 *				  req.WorkflowID 注册过的工作流id
	 *				  req.Context 业务上下文, 路由事件时可以按字段过滤
	 *				  req.Input 工作流的输入, 记录在checkpoint上, 重放时不变
	 * @return *HandlingResult, error
	 */
	Start(ctx context.Context, req *StartRequest) (*HandlingResult, error)
	/**
	 * @description: 投递事件, 找到所有等待这个事件的session并执行
	 *				  每个session一个HandlingResult, 一个session失败不影响其他session
	 * @param ctx context.Context
	 * @param req *DeliverRequest
	 *				  req.Delivery 事件, 重试时EventID保持不变
	 *				  req.Filter 额外的session过滤条件, 可以为nil
	 * @return []*HandlingResult, error 只有路由失败时返回error
	 */
	Deliver(ctx context.Context, req *DeliverRequest) ([]*HandlingResult, error)
	/**
	 * @description: 投递事件到指定session, 没有awaiter匹配时返回ignored
	 * @param ctx context.Context
	 * @param sessionID string
	 * @param delivery *Delivery
	 * @return *HandlingResult, error
	 */
	DeliverToSession(ctx context.Context, sessionID string, delivery *Delivery) (*HandlingResult, error)
	/**
	 * @description: 查询session
	 * @param ctx context.Context
	 * @param filter *SessionFilter
	 * @return []*Session, error
	 */
	QuerySessions(ctx context.Context, filter *SessionFilter) ([]*Session, error)
	GetSession(ctx context.Context, sessionID string) (*Session, error)
}

func (e *Engine) QuerySessions(ctx context.Context, filter *SessionFilter) ([]*Session, error) {
	return e.store.FindSessions(ctx, filter)
}

func (e *Engine) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	return e.store.GetSession(ctx, sessionID)
}

func (d *Dispatcher) QuerySessions(ctx context.Context, filter *SessionFilter) ([]*Session, error) {
	return d.engine.QuerySessions(ctx, filter)
}

func (d *Dispatcher) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	return d.engine.GetSession(ctx, sessionID)
}

var (
	_ WorkflowService = (*Engine)(nil)
	_ WorkflowService = (*Dispatcher)(nil)
)

// NewWorkflowService 按配置组装Engine和Dispatcher
// redisClient 只在lock driver为redis时使用, 可以为nil
func NewWorkflowService(store SessionStore, workflows *Registry, events *EventRegistry, cfg *Config, redisClient redis.Cmdable, opts ...Option) WorkflowService {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	engineOpts := append(cfg.EngineOptions(), WithEventRegistry(events))
	engineOpts = append(engineOpts, opts...)
	engine := NewEngine(store, workflows, engineOpts...)
	return NewDispatcher(engine, cfg.DispatcherOptions(redisClient)...)
}
