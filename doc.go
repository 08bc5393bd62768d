// Package workflow 提供可重放的持久化工作流引擎。
//
// 工作流就是一个普通的 Go 函数。函数里面的副作用用 checkpoint 包起来，
// 结果记录在 session 上；需要等待外部事件的地方注册 awaiter 并挂起。
// 事件到来后引擎从头重放这个函数，已经记录过的 checkpoint 直接返回记录的值，
// 副作用只会执行一次，函数一直执行到下一个挂起点或者结束。
//
// 主要特性：
//   - 工作流即代码：顺序、分支、循环都是普通的 Go 控制流
//   - 组合：WhenAny 竞争、WhenAll/ForEach 并行等待、Loop 循环、Finally 清理
//   - 事件路由：按事件类型和关联 id 找到等待中的 session，重复事件自动忽略
//   - 数据持久化：支持 GORM（SQLite/MySQL/PostgreSQL），也可以使用内存存储
//   - 并发安全：乐观锁版本号，冲突后自动重试；可选本地锁或 Redis 分布式锁
//
// 基础使用示例:
//
//	package main
//
//	import (
//	    "context"
//
//	    "github.com/blingmoon/replay-workflow/workflow"
//	    "gorm.io/driver/sqlite"
//	    "gorm.io/gorm"
//	)
//
//	type Approved struct {
//	    RequestID string `json:"request_id"`
//	    Approver  string `json:"approver"`
//	}
//
//	var approvedKind = workflow.NewEventKind[Approved]("approved", func(e Approved) string { return e.RequestID })
//
//	func main() {
//	    // 1. 初始化数据库
//	    db, _ := gorm.Open(sqlite.Open("workflow.db"), &gorm.Config{})
//	    workflow.AutoMigrate(db)
//
//	    // 2. 注册事件类型和工作流
//	    events := workflow.NewEventRegistry(nil)
//	    workflow.RegisterEventKind(events, approvedKind)
//	    workflows := workflow.NewRegistry()
//	    workflow.RegisterWorkflow(workflows, "approval", func(ctx context.Context, s *workflow.Scope, requestID string) (string, error) {
//	        if _, err := workflow.Persist(ctx, s, "submit", func(ctx context.Context, s *workflow.Scope) (bool, error) {
//	            return true, nil // 提交申请, 只执行一次
//	        }); err != nil {
//	            return "", err
//	        }
//	        e, err := workflow.WaitFor(ctx, s, "approved", approvedKind, requestID, nil)
//	        if err != nil {
//	            return "", err
//	        }
//	        return e.Approver, nil
//	    })
//
//	    // 3. 创建服务
//	    service := workflow.NewWorkflowService(workflow.NewGormSessionStore(db), workflows, events, nil, nil)
//
//	    // 4. 启动 session, 执行到 WaitFor 挂起
//	    service.Start(context.Background(), &workflow.StartRequest{WorkflowID: "approval", Input: "REQ-1"})
//
//	    // 5. 投递事件, 等待 REQ-1 的 session 重放并结束
//	    d, _ := workflow.NewDelivery(approvedKind, Approved{RequestID: "REQ-1", Approver: "manager"})
//	    service.Deliver(context.Background(), &workflow.DeliverRequest{Delivery: d})
//	}
//
// Scope 与 checkpoint id：
//
// 所有 checkpoint、item、awaiter 的 id 都通过 Scope 解析，保证循环和并行分支里的 id 不冲突：
//
//   - 根作用域：id
//   - 子作用域（WhenAny/WhenAll 分支）：prefix.id
//   - 递归作用域（Loop 第 d 次迭代）：prefix-d.id
//
// 重放规则：
//
//   - 工作流函数必须是确定的：同样的 checkpoint 记录必须走到同样的 checkpoint id
//   - 副作用只能放在 Persist 里面；Persist 之外的代码每次重放都会执行
//   - 需要跨调用保留的事件用 WaitFor；StopAndWait 收到的事件不会记录
//
// 持久化策略：
//
// 默认只在一次调用结束时保存（PersistAtEnd）。副作用不能重复执行时使用
// PersistOnCheckpoint，每个 checkpoint 之后立刻保存，版本冲突重试时已经执行过的副作用不会再执行。
//
// 更多示例请参考 examples 目录。
package workflow
