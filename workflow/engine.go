package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const tracerName = "github.com/blingmoon/replay-workflow/workflow"

// PersistStrategy 控制执行过程中哪些时刻保存session, 结束时的保存总是会执行
type PersistStrategy uint8

const (
	// PersistOnCheckpoint 每次记录checkpoint后保存
	PersistOnCheckpoint PersistStrategy = 1 << iota
	// PersistOnAwaiter 注册/删除awaiter后保存
	PersistOnAwaiter
	// PersistOnEvent 事件进入处理队列后保存
	PersistOnEvent
)

// PersistAtEnd 默认, 只在调用结束时保存一次
const PersistAtEnd PersistStrategy = 0

func (p PersistStrategy) Has(flag PersistStrategy) bool {
	return p&flag != 0
}

// invocation 一次执行的上下文, 所有方法都允许nil接收者(引擎之外使用Scope时没有invocation)
type invocation struct {
	engine   *Engine
	session  *Session
	saveOpts *SaveOptions
	saveErr  error
	// replayable 被中断的调用已经消费过的 (事件, awaiter), 本次重放可以再消费一次
	replayable map[string]bool
}

func replayKey(eventID string, scopeID string) string {
	return eventID + "\n" + scopeID
}

// markInterrupted 记录队列中已经被消费的事件, 它们来自没有完成的调用
func (inv *invocation) markInterrupted() {
	for _, event := range inv.session.Events {
		for _, scopeID := range event.Consumed {
			if inv.replayable == nil {
				inv.replayable = make(map[string]bool)
			}
			inv.replayable[replayKey(event.EventID, scopeID)] = true
		}
	}
}

func (inv *invocation) isReplayable(eventID string, scopeID string) bool {
	if inv == nil {
		return false
	}
	return inv.replayable[replayKey(eventID, scopeID)]
}

func (inv *invocation) consumed(eventID string, scopeID string) {
	if inv == nil {
		return
	}
	delete(inv.replayable, replayKey(eventID, scopeID))
}

func (inv *invocation) persist(ctx context.Context, point PersistStrategy) error {
	if inv == nil || inv.engine == nil || !inv.engine.strategy.Has(point) {
		return nil
	}
	return inv.save(ctx)
}

// forceSave 不看策略, 立刻保存
func (inv *invocation) forceSave(ctx context.Context) error {
	if inv == nil || inv.engine == nil {
		return nil
	}
	return inv.save(ctx)
}

func (inv *invocation) save(ctx context.Context) error {
	if inv.saveErr != nil {
		return inv.saveErr
	}
	if err := inv.engine.store.SaveSession(ctx, inv.session, inv.saveOpts); err != nil {
		inv.saveErr = errors.WithMessagef(err, "save session failed, session: %s", inv.session.ID)
		return inv.saveErr
	}
	return nil
}

func (inv *invocation) codecOrDefault() *Codec {
	if inv == nil || inv.engine == nil || inv.engine.codec == nil {
		return defaultCodec
	}
	return inv.engine.codec
}

func (inv *invocation) debug(ctx context.Context, msg string) {
	if inv == nil || inv.engine == nil {
		return
	}
	inv.engine.logger.DebugContext(ctx, msg, slog.String("session_id", inv.session.ID))
}

func (inv *invocation) warn(ctx context.Context, msg string) {
	if inv == nil || inv.engine == nil {
		return
	}
	inv.engine.logger.WarnContext(ctx, msg, slog.String("session_id", inv.session.ID))
}

// Engine 执行引擎: 创建session, 路由事件, 重放工作流, 保存结果
// 引擎本身不重试, 版本冲突返回 ErrConcurrency 交给调用方(见 Dispatcher)
type Engine struct {
	store       SessionStore
	workflows   *Registry
	events      *EventRegistry
	codec       *Codec
	strategy    PersistStrategy
	logger      *slog.Logger
	tracer      trace.Tracer
	concurrency int
	// policy 为nil时所有失败都直接记录到session
	policy *ErrorPolicy
}

type Option func(*Engine)

func WithPersistStrategy(strategy PersistStrategy) Option {
	return func(e *Engine) { e.strategy = strategy }
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) { e.tracer = tracer }
}

func WithCodec(codec *Codec) Option {
	return func(e *Engine) { e.codec = codec }
}

func WithEventRegistry(events *EventRegistry) Option {
	return func(e *Engine) { e.events = events }
}

// WithFailurePolicy 工作流返回的错误被policy判定为可重试时, 不记录失败, 交给外层重试
// 只在外面有重试的时候使用, Dispatcher 会把自己的policy设置进来
func WithFailurePolicy(policy *ErrorPolicy) Option {
	return func(e *Engine) { e.policy = policy }
}

// WithDeliveryConcurrency 一个事件匹配多个session时, 同时处理的session数量, 小于等于0不限制
func WithDeliveryConcurrency(n int) Option {
	return func(e *Engine) { e.concurrency = n }
}

func NewEngine(store SessionStore, workflows *Registry, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		workflows: workflows,
		strategy:  PersistAtEnd,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.codec == nil {
		e.codec = defaultCodec
	}
	if e.events == nil {
		e.events = NewEventRegistry(e.codec)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(tracerName)
	}
	return e
}

func (e *Engine) Store() SessionStore {
	return e.store
}

func (e *Engine) Events() *EventRegistry {
	return e.events
}

func (e *Engine) Codec() *Codec {
	return e.codec
}

type StartRequest struct {
	// SessionID 为空时自动生成uuid
	SessionID  string         `json:"session_id"`
	WorkflowID string         `json:"workflow_id" validate:"required"`
	Context    map[string]any `json:"context"`
	Input      any            `json:"input"`
}

// Start 创建session并立刻执行到第一个挂起点(或者结束)
func (e *Engine) Start(ctx context.Context, req *StartRequest) (*HandlingResult, error) {
	if req == nil {
		return nil, errors.WithMessage(ErrWorkflowParamInvalid, "Start failed, req is nil")
	}
	if err := validatorUtil.Struct(req); err != nil {
		return nil, errors.Wrapf(ErrWorkflowParamInvalid, "Start failed, req: %+v, err: %v", req, err)
	}
	if _, err := e.workflows.lookup(req.WorkflowID); err != nil {
		return nil, err
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	session := NewSession(sessionID, req.WorkflowID, NewJSONContextFromMap(req.Context))
	input, err := e.codec.Encode(req.Input)
	if err != nil {
		return nil, errors.WithMessagef(err, "Start encode input failed, workflow: %s", req.WorkflowID)
	}
	if _, err := session.AddStep(inputStepID, input); err != nil {
		return nil, err
	}
	if err := e.store.CreateSession(ctx, session); err != nil {
		return nil, errors.WithMessagef(err, "CreateSession failed, workflow: %s", req.WorkflowID)
	}
	return e.Execute(ctx, session, nil)
}

// Execute 在给定的session上执行一次, delivery 为nil时直接重放
// session 必须是刚从存储中读出来的, 执行过程中会被修改
// 返回的错误和HandlingResult.Err一致, Ignored/Handled/Finished时为nil
func (e *Engine) Execute(ctx context.Context, session *Session, delivery *Delivery) (hr *HandlingResult, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("workflow.session_id", session.ID),
		attribute.String("workflow.id", session.WorkflowID),
	}
	if delivery != nil {
		attrs = append(attrs, attribute.String("workflow.event_id", delivery.EventID), attribute.String("workflow.event_kind", delivery.Kind))
	}
	ctx, span := e.tracer.Start(ctx, "workflow.Execute", trace.WithAttributes(attrs...))
	defer func() {
		if hr != nil {
			span.SetAttributes(attribute.String("workflow.handling_status", hr.Status))
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	hr = &HandlingResult{SessionID: session.ID}
	fail := func(err error) (*HandlingResult, error) {
		hr.Status = HandlingStatusFailed
		hr.Err = err
		return hr, err
	}

	if IsOverSessionStatus(session.Status) {
		if delivery != nil {
			hr.Status = HandlingStatusIgnored
			return hr, nil
		}
		return fail(errors.WithMessagef(ErrSessionIsOver, "session: %s, status: %s", session.ID, session.Status))
	}
	wf, err := e.workflows.lookup(session.WorkflowID)
	if err != nil {
		return fail(err)
	}

	inv := &invocation{engine: e, session: session, saveOpts: &SaveOptions{}}
	inv.markInterrupted()
	if delivery != nil {
		if err := validatorUtil.Struct(delivery); err != nil {
			return fail(errors.Wrapf(ErrWorkflowParamInvalid, "Execute failed, delivery: %s, err: %v", delivery, err))
		}
		if delivery.SessionVersion > 0 && delivery.SessionVersion != session.Version {
			return fail(errors.WithMessagef(ErrStaleSessionVersion, "session: %s, expected version: %d, current version: %d", session.ID, delivery.SessionVersion, session.Version))
		}
		if _, err := e.events.lookup(delivery.Kind); err != nil {
			return fail(err)
		}
		inv.saveOpts.IgnoreVersion = delivery.IgnoreSessionVersion

		interrupted := len(session.Events) > 0
		switch {
		case session.HasEvent(delivery.EventID):
			e.logger.DebugContext(ctx, fmt.Sprintf("duplicate event, %s, session: %s", delivery, session.ID))
		default:
			matched := session.MatchAwaiters(delivery.Kind, delivery.Key)
			if len(matched) == 0 {
				break
			}
			session.BufferEvent(delivery.EventID, delivery.Kind, delivery.Payload, matched)
			interrupted = false
			if err := inv.persist(ctx, PersistOnEvent); err != nil {
				return fail(err)
			}
			e.logger.DebugContext(ctx, fmt.Sprintf("event buffered, %s, session: %s, matched: %v", delivery, session.ID, matched))
		}
		if len(session.Events) == 0 {
			// 没有awaiter匹配, session不做任何修改
			hr.Status = HandlingStatusIgnored
			return hr, nil
		}
		if interrupted {
			e.logger.WarnContext(ctx, fmt.Sprintf("session %s has events left by an interrupted invocation, replaying them", session.ID))
		}
	}

	if session.Status == SessionStatusCreated {
		session.Status = SessionStatusInProgress
	}
	result, runErr := e.run(ctx, inv, wf)
	if inv.saveErr != nil {
		// 中间保存失败, 内存中的session已经不可信, 不能再保存
		return fail(inv.saveErr)
	}
	if e.isRetryableFailure(runErr) {
		// 已经执行的checkpoint保存下来, 事件不转移到历史事件, 重试时重放
		e.logger.WarnContext(ctx, fmt.Sprintf("[warn]workflow failed, will be retried, session: %s, workflow: %s, err: %v", session.ID, session.WorkflowID, runErr))
		if saveErr := e.store.SaveSession(ctx, session, inv.saveOpts); saveErr != nil {
			return fail(errors.WithMessagef(saveErr, "save before retry failed, session: %s", session.ID))
		}
		return fail(&RetryableFailure{Err: runErr})
	}
	session.FlushEvents()

	switch {
	case runErr == nil:
		value, encodeErr := e.codec.Encode(result)
		if encodeErr != nil {
			session.Status = SessionStatusFailed
			session.Result = encodeErr.Error()
			hr.Status = HandlingStatusFailed
			hr.Err = encodeErr
			break
		}
		session.Status = SessionStatusCompleted
		session.Result = string(value)
		hr.Status = HandlingStatusFinished
		hr.Result = session.Result
	case IsSuspended(runErr):
		session.Status = SessionStatusInProgress
		hr.Status = HandlingStatusHandled
	default:
		session.Status = SessionStatusFailed
		session.Result = runErr.Error()
		hr.Status = HandlingStatusFailed
		hr.Err = runErr
		hr.Result = session.Result
		if IsSeriousError(runErr) {
			e.logger.ErrorContext(ctx, fmt.Sprintf("[error]workflow failed, session: %s, workflow: %s, err: %v", session.ID, session.WorkflowID, runErr))
		} else {
			e.logger.WarnContext(ctx, fmt.Sprintf("[warn]workflow failed, session: %s, workflow: %s, err: %v", session.ID, session.WorkflowID, runErr))
		}
	}

	if saveErr := e.store.SaveSession(ctx, session, inv.saveOpts); saveErr != nil {
		return fail(errors.WithMessagef(saveErr, "final save failed, session: %s", session.ID))
	}
	return hr, hr.Err
}

func (e *Engine) isRetryableFailure(runErr error) bool {
	return runErr != nil && !IsSuspended(runErr) && e.policy != nil && e.policy.IsTransient(runErr)
}

// FailSession 把session记录为失败, 处理中的事件转移到历史事件
// 用于可重试的失败在重试用完之后, session已经结束时不做修改
func (e *Engine) FailSession(ctx context.Context, sessionID string, cause error) error {
	session, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if IsOverSessionStatus(session.Status) {
		return nil
	}
	session.FlushEvents()
	session.Status = SessionStatusFailed
	session.Result = cause.Error()
	if err := e.store.SaveSession(ctx, session, &SaveOptions{}); err != nil {
		return errors.WithMessagef(err, "FailSession save failed, session: %s", sessionID)
	}
	return nil
}

func (e *Engine) run(ctx context.Context, inv *invocation, wf *registeredWorkflow) (result any, err error) {
	defer func() {
		// panic 捕捉一下，记录为失败
		if r := recover(); r != nil {
			stack := debug.Stack()
			e.logger.ErrorContext(ctx, fmt.Sprintf("workflow panic: %v, session: %s, workflow: %s, stack: %s", r, inv.session.ID, wf.id, string(stack)))
			err = errors.Errorf("workflow panic: %v, session: %s, workflow: %s", r, inv.session.ID, wf.id)
		}
	}()
	return wf.run(ctx, newInvocationScope(inv))
}

// Route 找到可能被事件影响的session, filter 是调用方额外的条件, 可以为nil
func (e *Engine) Route(ctx context.Context, delivery *Delivery, filter *SessionFilter) ([]*Session, error) {
	f := SessionFilter{}
	if filter != nil {
		f = *filter
	}
	kind := delivery.Kind
	f.AwaiterEventType = &kind
	if delivery.Key != "" {
		f.AwaiterIDIn = []string{delivery.Key}
	} else {
		f.AwaiterIDIn = nil
	}
	if len(f.StatusIn) == 0 {
		f.StatusIn = []SessionStatus{SessionStatusInProgress}
	}
	f.Page = &Pager{IsNoLimit: Bool(true)}
	sessions, err := e.store.FindSessions(ctx, &f)
	if err != nil {
		return nil, errors.WithMessagef(err, "Route failed, %s", delivery)
	}
	return sessions, nil
}

// DeliverToSession 重新读取session后投递, 适合冲突之后的重试
func (e *Engine) DeliverToSession(ctx context.Context, sessionID string, delivery *Delivery) (*HandlingResult, error) {
	session, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return &HandlingResult{SessionID: sessionID, Status: HandlingStatusFailed, Err: err}, err
	}
	return e.Execute(ctx, session, delivery)
}

type DeliverRequest struct {
	Delivery *Delivery      `json:"delivery" validate:"required"`
	Filter   *SessionFilter `json:"filter"`
}

// Deliver 路由事件并投递到每个匹配的session, 每个session一个HandlingResult
// 一个session失败不影响其他session, 错误在各自的HandlingResult.Err里面
func (e *Engine) Deliver(ctx context.Context, req *DeliverRequest) ([]*HandlingResult, error) {
	if req == nil {
		return nil, errors.WithMessage(ErrWorkflowParamInvalid, "Deliver failed, req is nil")
	}
	if err := validatorUtil.Struct(req); err != nil {
		return nil, errors.Wrapf(ErrWorkflowParamInvalid, "Deliver failed, err: %v", err)
	}
	ctx, span := e.tracer.Start(ctx, "workflow.Deliver", trace.WithAttributes(
		attribute.String("workflow.event_id", req.Delivery.EventID),
		attribute.String("workflow.event_kind", req.Delivery.Kind),
	))
	defer span.End()

	sessions, err := e.Route(ctx, req.Delivery, req.Filter)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("workflow.routed_sessions", len(sessions)))
	results := make([]*HandlingResult, len(sessions))
	g, gctx := errgroup.WithContext(ctx)
	if e.concurrency > 0 {
		g.SetLimit(e.concurrency)
	}
	for i, session := range sessions {
		i, session := i, session
		g.Go(func() error {
			hr, _ := e.Execute(gctx, session, req.Delivery)
			results[i] = hr
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}
