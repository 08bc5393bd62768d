package workflow

import "github.com/pkg/errors"

var (
	ErrWorkflowParamInvalid    = errors.New("workflow param invalid")
	ErrWorkflowNotRegistered   = errors.New("workflow not registered")
	ErrWorkflowAlreadyRegister = errors.New("workflow already registered")
	ErrEventKindNotRegistered  = errors.New("event kind not registered")
	ErrEventKindAlreadyExists  = errors.New("event kind already registered")
	ErrSessionNotFound         = errors.New("session not found")
	ErrSessionAlreadyExists    = errors.New("session already exists")
	ErrSessionIsOver           = errors.New("session is over")

	// 编写工作流时的错误,重试不会成功,需要修改工作流定义
	ErrDuplicateCheckpoint = errors.New("duplicate checkpoint")
	ErrDuplicateItem       = errors.New("duplicate item")
	ErrItemNotFound        = errors.New("item not found")
	ErrDuplicateAwaiter    = errors.New("duplicate awaiter")
	ErrAwaiterNotFound     = errors.New("awaiter not found")

	// ErrConcurrency 保存时版本号冲突,调用方需要重新读取session后重试整个投递
	ErrConcurrency = errors.New("session version conflict")
	// ErrStaleSessionVersion 事件声明的session版本已经过期,不重试
	ErrStaleSessionVersion = errors.New("stale session version")

	// ErrSuspended 流程在等待事件,不是失败
	// 场景&应用: StopAndWait 没有找到匹配的事件,注册awaiter后返回这个错误,一直向上传递到引擎
	ErrSuspended = errors.New("workflow suspended, waiting for event")

	// 下面这个两个错误信息给业务上面使用,目前用于报警定义
	// 如果你希望这种错误打印error 使用errors.Wrapf(ErrWorkBussinessCriticalError, "err message: %s", err)
	// 如果你希望这种错误打印warn 使用errors.Wrapf(ErrWorkBussinessWarningError, "err message: %s", err)
	ErrWorkBussinessCriticalError = errors.New("work bussiness critical error")
	ErrWorkBussinessWarningError  = errors.New("work bussiness warning error")
)

// RetryableFailure 工作流返回了可重试的错误, session 没有标记为失败, 投递的事件留在处理中队列
// 外层重试用完之后才会调用 Engine.FailSession 记录失败
type RetryableFailure struct {
	Err error
}

func (e *RetryableFailure) Error() string {
	return "retryable workflow failure: " + e.Err.Error()
}

func (e *RetryableFailure) Unwrap() error {
	return e.Err
}

// IsSuspended 判断流程是否挂起等待事件
func IsSuspended(err error) bool {
	return err != nil && errors.Is(err, ErrSuspended)
}

// IsConcurrencyError 保存冲突,可以从新读取的session重试
func IsConcurrencyError(err error) bool {
	return err != nil && errors.Is(err, ErrConcurrency)
}

// IsAuthoringError 工作流定义上的错误, 重试多少次都不会成功
func IsAuthoringError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrDuplicateCheckpoint) ||
		errors.Is(err, ErrDuplicateItem) ||
		errors.Is(err, ErrItemNotFound) ||
		errors.Is(err, ErrDuplicateAwaiter) ||
		errors.Is(err, ErrAwaiterNotFound) ||
		errors.Is(err, ErrWorkflowNotRegistered) ||
		errors.Is(err, ErrEventKindNotRegistered)
}

type SessionStatus = string

const (
	SessionStatusCreated SessionStatus = "created"
	// 挂起,等待事件
	SessionStatusInProgress SessionStatus = "in_progress"
	// 完成, 终止状态, Result 是工作流返回值的json
	SessionStatusCompleted SessionStatus = "completed"
	// 失败, 终止状态, Result 是失败原因
	SessionStatusFailed SessionStatus = "failed"
)

func IsOverSessionStatus(status SessionStatus) bool {
	return status == SessionStatusCompleted || status == SessionStatusFailed
}

func GetSessionStatusText(status SessionStatus) string {
	switch status {
	case SessionStatusCreated:
		return "已创建"
	case SessionStatusInProgress:
		return "等待中"
	case SessionStatusCompleted:
		return "完成"
	case SessionStatusFailed:
		return "失败"
	}
	return "未知"
}

type HandlingStatus = string

const (
	HandlingStatusHandled  HandlingStatus = "handled"
	HandlingStatusFinished HandlingStatus = "finished"
	// 没有awaiter匹配,事件对这个session没有意义,session不变
	HandlingStatusIgnored HandlingStatus = "ignored"
	HandlingStatusFailed  HandlingStatus = "failed"
)

func GetHandlingStatusText(status HandlingStatus) string {
	switch status {
	case HandlingStatusHandled:
		return "已处理"
	case HandlingStatusFinished:
		return "已结束"
	case HandlingStatusIgnored:
		return "已忽略"
	case HandlingStatusFailed:
		return "失败"
	}
	return "未知"
}

// HandlingResult 一次事件投递到一个session的结果
type HandlingResult struct {
	SessionID string         `json:"session_id"`
	Status    HandlingStatus `json:"status"`
	Result    string         `json:"result,omitempty"`
	Err       error          `json:"-"`
}

// IsSeriousError 用于判断是否是严重错误，如果是严重错误，则打error级别日志，
// 否则打warn级别日志
// 严重错误定义：需要人工介入处理处理，
// 1. 工作流定义有问题，重试不会成功
// 2. 业务声明的严重错误
func IsSeriousError(err error) bool {
	if err == nil {
		return false
	}
	if IsSuspended(err) || IsConcurrencyError(err) {
		return false
	}
	causeErr := errors.Cause(err)
	if IsAuthoringError(causeErr) ||
		errors.Is(causeErr, ErrWorkBussinessCriticalError) ||
		errors.Is(causeErr, ErrSessionNotFound) {
		return true
	}
	return IsAuthoringError(err) || errors.Is(err, ErrWorkBussinessCriticalError)
}
