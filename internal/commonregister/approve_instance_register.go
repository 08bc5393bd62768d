package commonregister

import (
	"context"
	"time"

	"github.com/blingmoon/replay-workflow/workflow"
	"github.com/pkg/errors"
)

const ApprovalWorkflowID = "approval_workflow"

// ApprovalRequest 审批工作流的输入
type ApprovalRequest struct {
	RequestID string   `json:"request_id"`
	Applicant string   `json:"applicant"`
	Amount    int64    `json:"amount"`
	Approvers []string `json:"approvers"`
}

// ApprovalDecision 审批人的决定, 按RequestID路由
type ApprovalDecision struct {
	RequestID string `json:"request_id"`
	Approver  string `json:"approver"`
	Approved  bool   `json:"approved"`
}

// ApprovalTimeout 定时任务发出的超时事件
type ApprovalTimeout struct {
	RequestID string `json:"request_id"`
}

type ApprovalResult struct {
	RequestID   string   `json:"request_id"`
	Status      string   `json:"status"` // approved/rejected/timeout
	SubmittedAt int64    `json:"submitted_at"`
	RejectedBy  []string `json:"rejected_by,omitempty"`
}

var (
	DecisionKind = workflow.NewEventKind[ApprovalDecision]("approval_decision", func(e ApprovalDecision) string { return e.RequestID })
	TimeoutKind  = workflow.NewEventKind[ApprovalTimeout]("approval_timeout", func(e ApprovalTimeout) string { return e.RequestID })
)

// Notifier 审批结束后通知申请人, 每个请求只会调用一次
type Notifier func(ctx context.Context, requestID string, status string) error

// RegisterApprovalWorkflow 注册审批工作流和它用到的事件类型
// 工作流结构: 提交 -> (所有审批人决定 | 超时) -> 通知 -> 归档
func RegisterApprovalWorkflow(workflows *workflow.Registry, events *workflow.EventRegistry, notify Notifier) error {
	if err := workflow.RegisterEventKind(events, DecisionKind); err != nil {
		return errors.Wrap(err, "register decision kind failed")
	}
	if err := workflow.RegisterEventKind(events, TimeoutKind); err != nil {
		return errors.Wrap(err, "register timeout kind failed")
	}
	err := workflow.RegisterWorkflow(workflows, ApprovalWorkflowID, func(ctx context.Context, s *workflow.Scope, req ApprovalRequest) (*ApprovalResult, error) {
		if len(req.Approvers) == 0 {
			return nil, errors.Wrap(workflow.ErrWorkBussinessWarningError, "no approvers")
		}
		submittedAt, err := workflow.Persist(ctx, s, "submit", func(ctx context.Context, s *workflow.Scope) (int64, error) {
			return time.Now().Unix(), nil
		})
		if err != nil {
			return nil, err
		}

		status, err := workflow.Finally(ctx, s, "notify", func(ctx context.Context, s *workflow.Scope) (string, error) {
			return workflow.WhenAny(ctx, s, "review",
				func(ctx context.Context, s *workflow.Scope) (string, error) {
					decisions, err := workflow.ForEach(ctx, s, req.Approvers, func(approver string) string { return approver },
						func(ctx context.Context, s *workflow.Scope, approver string) (ApprovalDecision, error) {
							return workflow.WaitFor(ctx, s, "decision", DecisionKind, req.RequestID, func(e ApprovalDecision) bool {
								return e.Approver == approver
							})
						})
					if err != nil {
						return "", err
					}
					for _, d := range decisions {
						if !d.Approved {
							if err := s.SetItem("rejected_by", rejectedBy(decisions)); err != nil {
								return "", err
							}
							return "rejected", nil
						}
					}
					return "approved", nil
				},
				func(ctx context.Context, s *workflow.Scope) (string, error) {
					if _, err := workflow.WaitFor(ctx, s, "timeout", TimeoutKind, req.RequestID, nil); err != nil {
						return "", err
					}
					return "timeout", nil
				},
			)
		}, func(ctx context.Context, s *workflow.Scope) error {
			if notify == nil {
				return nil
			}
			// review没有记录说明审批过程失败了
			status := "failed"
			if _, err := s.GetStep("review", &status); err != nil {
				return err
			}
			return notify(ctx, req.RequestID, status)
		})
		if err != nil {
			return nil, err
		}

		return workflow.Persist(ctx, s, "archive", func(ctx context.Context, s *workflow.Scope) (*ApprovalResult, error) {
			result := &ApprovalResult{RequestID: req.RequestID, Status: status, SubmittedAt: submittedAt}
			if _, err := s.Child("review").GetItem("rejected_by", &result.RejectedBy); err != nil {
				return nil, err
			}
			return result, nil
		})
	})
	if err != nil {
		return errors.Wrap(err, "register approval workflow failed")
	}
	return nil
}

func rejectedBy(decisions []ApprovalDecision) []string {
	ret := make([]string, 0)
	for _, d := range decisions {
		if !d.Approved {
			ret = append(ret, d.Approver)
		}
	}
	return ret
}
