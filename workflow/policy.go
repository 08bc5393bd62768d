package workflow

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrorPolicy 决定一个错误是否值得重试
// fatal 优先: 同时匹配fatal和transient的错误不重试; 都不匹配的也不重试
type ErrorPolicy struct {
	mu        sync.RWMutex
	fatal     []func(error) bool
	transient []func(error) bool
}

// NewErrorPolicy 默认: 版本冲突和拿锁失败可以重试, 工作流定义错误、过期版本、参数错误不重试
func NewErrorPolicy() *ErrorPolicy {
	p := &ErrorPolicy{}
	p.RegisterFatal(IsAuthoringError)
	p.RegisterFatal(func(err error) bool {
		return errors.Is(err, ErrStaleSessionVersion) ||
			errors.Is(err, ErrWorkflowParamInvalid) ||
			errors.Is(err, ErrSessionIsOver) ||
			errors.Is(err, ErrSessionNotFound)
	})
	p.RegisterTransient(IsConcurrencyError)
	p.RegisterTransient(func(err error) bool {
		return errors.Is(err, LockFailedError)
	})
	return p
}

func (p *ErrorPolicy) RegisterFatal(pred func(error) bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fatal = append(p.fatal, pred)
}

func (p *ErrorPolicy) RegisterTransient(pred func(error) bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transient = append(p.transient, pred)
}

// RegisterFatalType 错误链上有E类型的错误就不重试
func RegisterFatalType[E error](p *ErrorPolicy) {
	p.RegisterFatal(func(err error) bool {
		var target E
		return errors.As(err, &target)
	})
}

// RegisterTransientType 错误链上有E类型的错误可以重试
func RegisterTransientType[E error](p *ErrorPolicy) {
	p.RegisterTransient(func(err error) bool {
		var target E
		return errors.As(err, &target)
	})
}

func (p *ErrorPolicy) IsFatal(err error) bool {
	if err == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, pred := range p.fatal {
		if pred(err) {
			return true
		}
	}
	return false
}

func (p *ErrorPolicy) IsTransient(err error) bool {
	if err == nil || p.IsFatal(err) {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, pred := range p.transient {
		if pred(err) {
			return true
		}
	}
	return false
}
