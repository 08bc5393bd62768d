package workflow

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

func String(s string) *string { return &s }
func Bool(b bool) *bool       { return &b }

// inputStepID 启动参数记录在这个checkpoint上, 工作流里面不要使用这个id
const inputStepID = "$input"

// WorkflowFunc 工作流定义, 一个普通的函数, 通过Scope上的组合子实现挂起和重放
// 每次投递事件都会从头执行, 已经记录的checkpoint直接返回, 所以函数里面的副作用必须放在checkpoint里面
type WorkflowFunc[In any, Out any] func(ctx context.Context, s *Scope, input In) (Out, error)

type registeredWorkflow struct {
	id  string
	run func(ctx context.Context, s *Scope) (any, error)
}

// Registry 工作流注册表, 启动时注册, 之后只读
type Registry struct {
	workflows sync.Map // id -> *registeredWorkflow
}

func NewRegistry() *Registry {
	return &Registry{}
}

// RegisterWorkflow 注册工作流, id 持久化在session上, 不能随意修改
func RegisterWorkflow[In any, Out any](r *Registry, id string, fn WorkflowFunc[In, Out]) error {
	if id == "" || fn == nil {
		return errors.WithMessage(ErrWorkflowParamInvalid, "RegisterWorkflow: empty id or nil fn")
	}
	wf := &registeredWorkflow{
		id: id,
		run: func(ctx context.Context, s *Scope) (any, error) {
			var input In
			if step, ok := s.session.GetStep(inputStepID); ok {
				v, err := DecodeValue[In](s.inv.codecOrDefault(), step.Value)
				if err != nil {
					return nil, errors.WithMessagef(err, "decode input failed, workflow: %s", id)
				}
				input = v
			}
			return fn(ctx, s, input)
		},
	}
	if _, loaded := r.workflows.LoadOrStore(id, wf); loaded {
		return errors.WithMessagef(ErrWorkflowAlreadyRegister, "workflow: %s", id)
	}
	return nil
}

func (r *Registry) lookup(id string) (*registeredWorkflow, error) {
	v, ok := r.workflows.Load(id)
	if !ok {
		return nil, errors.WithMessagef(ErrWorkflowNotRegistered, "workflow: %s", id)
	}
	return v.(*registeredWorkflow), nil
}

// IDs 所有注册的工作流id, 排好序
func (r *Registry) IDs() []string {
	ids := make([]string, 0)
	r.workflows.Range(func(key, _ any) bool {
		ids = append(ids, key.(string))
		return true
	})
	sort.Strings(ids)
	return ids
}

// DecodeResult 读取已完成session的返回值
func DecodeResult[T any](codec *Codec, session *Session) (T, error) {
	var zero T
	if session.Status != SessionStatusCompleted {
		return zero, errors.Errorf("session %s is not completed, status: %s", session.ID, session.Status)
	}
	return DecodeValue[T](codec, []byte(session.Result))
}
