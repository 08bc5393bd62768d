package tests

import (
	"context"
	"testing"

	"github.com/blingmoon/replay-workflow/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type testService struct {
	workflow.WorkflowService
	store     workflow.SessionStore
	workflows *workflow.Registry
	events    *workflow.EventRegistry
}

// setupTestService 创建测试服务, configYAML为空时使用默认配置
func setupTestService(t *testing.T, configYAML string) *testService {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, workflow.AutoMigrate(db))

	cfg, err := workflow.ParseConfig([]byte(configYAML))
	require.NoError(t, err)
	store := workflow.NewGormSessionStore(db)
	workflows := workflow.NewRegistry()
	events := workflow.NewEventRegistry(nil)
	return &testService{
		WorkflowService: workflow.NewWorkflowService(store, workflows, events, cfg, nil),
		store:           store,
		workflows:       workflows,
		events:          events,
	}
}

type Paid struct {
	OrderID string `json:"order_id"`
	Amount  int64  `json:"amount"`
}

var paidKind = workflow.NewEventKind[Paid]("order_paid", func(e Paid) string { return e.OrderID })

func mustDeliver[T any](t *testing.T, service workflow.WorkflowService, kind workflow.EventKind[T], event T) []*workflow.HandlingResult {
	t.Helper()
	d, err := workflow.NewDelivery(kind, event)
	require.NoError(t, err)
	results, err := service.Deliver(context.Background(), &workflow.DeliverRequest{Delivery: d})
	require.NoError(t, err)
	return results
}

// TestWorkflowStartBasic 没有挂起点的工作流启动后直接结束
func TestWorkflowStartBasic(t *testing.T) {
	service := setupTestService(t, "")
	ctx := context.Background()

	require.NoError(t, workflow.RegisterWorkflow(service.workflows, "greet", func(ctx context.Context, s *workflow.Scope, name string) (string, error) {
		return workflow.Persist(ctx, s, "hello", func(ctx context.Context, s *workflow.Scope) (string, error) {
			return "hello " + name, nil
		})
	}))

	t.Run("启动直接结束", func(t *testing.T) {
		hr, err := service.Start(ctx, &workflow.StartRequest{SessionID: "greet-1", WorkflowID: "greet", Input: "tom"})
		require.NoError(t, err)
		assert.Equal(t, workflow.HandlingStatusFinished, hr.Status)
		assert.Equal(t, `"hello tom"`, hr.Result)

		session, err := service.GetSession(ctx, "greet-1")
		require.NoError(t, err)
		assert.Equal(t, workflow.SessionStatusCompleted, session.Status)
		assert.True(t, session.HasStep("hello"))
	})

	t.Run("结束的session忽略事件", func(t *testing.T) {
		require.NoError(t, workflow.RegisterEventKind(service.events, paidKind))
		d, err := workflow.NewDelivery(paidKind, Paid{OrderID: "O-1"})
		require.NoError(t, err)
		hr, err := service.DeliverToSession(ctx, "greet-1", d)
		require.NoError(t, err)
		assert.Equal(t, workflow.HandlingStatusIgnored, hr.Status)
	})

	t.Run("工作流不存在", func(t *testing.T) {
		_, err := service.Start(ctx, &workflow.StartRequest{WorkflowID: "missing"})
		assert.ErrorIs(t, err, workflow.ErrWorkflowNotRegistered)
	})
}

// TestWorkflowWaitAndDeliver 验证 -> 等待支付 -> 发货
func TestWorkflowWaitAndDeliver(t *testing.T) {
	service := setupTestService(t, "persist:\n  on_checkpoint: true\n")
	ctx := context.Background()
	require.NoError(t, workflow.RegisterEventKind(service.events, paidKind))

	validated, shipped := 0, 0
	require.NoError(t, workflow.RegisterWorkflow(service.workflows, "order", func(ctx context.Context, s *workflow.Scope, orderID string) (string, error) {
		if _, err := workflow.Persist(ctx, s, "validate", func(ctx context.Context, s *workflow.Scope) (bool, error) {
			validated++
			return true, nil
		}); err != nil {
			return "", err
		}
		if _, err := workflow.WaitFor(ctx, s, "paid", paidKind, orderID, func(e Paid) bool { return e.Amount > 0 }); err != nil {
			return "", err
		}
		return workflow.Persist(ctx, s, "ship", func(ctx context.Context, s *workflow.Scope) (string, error) {
			shipped++
			trackingNumber := "TRACK-" + orderID
			if err := s.SetItem("tracking_number", trackingNumber); err != nil {
				return "", err
			}
			return trackingNumber, nil
		})
	}))

	hr, err := service.Start(ctx, &workflow.StartRequest{WorkflowID: "order", Input: "O-1"})
	require.NoError(t, err)
	assert.Equal(t, workflow.HandlingStatusHandled, hr.Status)

	session, err := service.GetSession(ctx, hr.SessionID)
	require.NoError(t, err)
	assert.Equal(t, workflow.SessionStatusInProgress, session.Status)
	awaiter, ok := session.GetAwaiter("paid")
	require.True(t, ok)
	assert.Equal(t, "O-1", awaiter.AwaiterID)

	t.Run("金额为0的事件不被消费", func(t *testing.T) {
		results := mustDeliver(t, service, paidKind, Paid{OrderID: "O-1"})
		require.Len(t, results, 1)
		assert.Equal(t, workflow.HandlingStatusHandled, results[0].Status)
		session, err := service.GetSession(ctx, hr.SessionID)
		require.NoError(t, err)
		require.Len(t, session.PastEvents, 1)
		assert.False(t, session.PastEvents[0].Handled)
	})

	t.Run("支付后发货", func(t *testing.T) {
		results := mustDeliver(t, service, paidKind, Paid{OrderID: "O-1", Amount: 100})
		require.Len(t, results, 1)
		assert.Equal(t, workflow.HandlingStatusFinished, results[0].Status)
		assert.Equal(t, `"TRACK-O-1"`, results[0].Result)
	})

	session, err = service.GetSession(ctx, hr.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, validated)
	assert.Equal(t, 1, shipped)
	validate, _ := session.GetStep("validate")
	paid, _ := session.GetStep("paid")
	ship, _ := session.GetStep("ship")
	assert.Less(t, validate.Sequence, paid.Sequence)
	assert.Less(t, paid.Sequence, ship.Sequence)
	item, ok := session.GetItem("tracking_number")
	require.True(t, ok)
	assert.Equal(t, `"TRACK-O-1"`, string(item.Value))
	assert.Empty(t, session.Awaiters)
}

// TestWorkflowQuery 按工作流、状态、上下文查询
func TestWorkflowQuery(t *testing.T) {
	service := setupTestService(t, "")
	ctx := context.Background()
	require.NoError(t, workflow.RegisterEventKind(service.events, paidKind))
	require.NoError(t, workflow.RegisterWorkflow(service.workflows, "wait_pay", func(ctx context.Context, s *workflow.Scope, orderID string) (int64, error) {
		paid, err := workflow.WaitFor(ctx, s, "paid", paidKind, orderID, nil)
		return paid.Amount, err
	}))

	levels := []string{"gold", "silver", "gold", "bronze"}
	for i, level := range levels {
		_, err := service.Start(ctx, &workflow.StartRequest{
			WorkflowID: "wait_pay",
			Context:    map[string]any{"customer": map[string]any{"level": level, "index": i}},
			Input:      "O-" + level,
		})
		require.NoError(t, err)
	}

	t.Run("按嵌套上下文字段查询", func(t *testing.T) {
		sessions, err := service.QuerySessions(ctx, &workflow.SessionFilter{ContextEquals: map[string]any{"customer.level": "gold"}})
		require.NoError(t, err)
		assert.Len(t, sessions, 2)

		sessions, err = service.QuerySessions(ctx, &workflow.SessionFilter{ContextEquals: map[string]any{"customer.level": "gold", "customer.index": 2}})
		require.NoError(t, err)
		require.Len(t, sessions, 1)
		level, _ := sessions[0].Context.GetString("customer", "level")
		assert.Equal(t, "gold", level)
	})

	t.Run("分页查询", func(t *testing.T) {
		sessions, err := service.QuerySessions(ctx, &workflow.SessionFilter{WorkflowIDIn: []string{"wait_pay"}, Page: &workflow.Pager{Page: 2, Size: 3}})
		require.NoError(t, err)
		assert.Len(t, sessions, 1)
	})

	t.Run("一个事件唤醒关联id相同的所有session", func(t *testing.T) {
		results := mustDeliver(t, service, paidKind, Paid{OrderID: "O-gold", Amount: 9})
		require.Len(t, results, 2)
		for _, hr := range results {
			assert.Equal(t, workflow.HandlingStatusFinished, hr.Status)
			assert.Equal(t, "9", hr.Result)
		}
		sessions, err := service.QuerySessions(ctx, &workflow.SessionFilter{StatusIn: []workflow.SessionStatus{workflow.SessionStatusInProgress}})
		require.NoError(t, err)
		assert.Len(t, sessions, 2)
	})
}
