package tests

import (
	"context"
	"testing"

	"github.com/blingmoon/replay-workflow/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestJSONContextSimple 测试 JSON 上下文的基本功能
func TestJSONContextSimple(t *testing.T) {
	t.Run("创建和读取", func(t *testing.T) {
		ctx := workflow.NewJSONContext([]byte(`{"name":"test","age":18}`))

		name, ok := ctx.GetString("name")
		assert.True(t, ok)
		assert.Equal(t, "test", name)

		age, ok := ctx.GetInt64("age")
		assert.True(t, ok)
		assert.Equal(t, int64(18), age)
	})

	t.Run("嵌套路径", func(t *testing.T) {
		ctx := workflow.NewJSONContext(nil)
		require.NoError(t, ctx.Set([]string{"user", "name"}, "张三"))
		require.NoError(t, ctx.Set([]string{"user", "age"}, 30))

		name, ok := ctx.GetString("user", "name")
		assert.True(t, ok)
		assert.Equal(t, "张三", name)

		v, ok := ctx.GetPath("user.age")
		assert.True(t, ok)
		assert.EqualValues(t, 30, v)

		_, ok = ctx.GetPath("user.name.first")
		assert.False(t, ok)
	})

	t.Run("按路径匹配", func(t *testing.T) {
		ctx := workflow.NewJSONContextFromMap(map[string]any{
			"order": map[string]any{"region": "east", "amount": 100},
		})
		assert.True(t, ctx.Matches(map[string]any{"order.region": "east", "order.amount": 100}))
		assert.True(t, ctx.Matches(nil))
		assert.False(t, ctx.Matches(map[string]any{"order.region": "west"}))
		assert.False(t, ctx.Matches(map[string]any{"order.missing": "east"}))
	})

	t.Run("克隆", func(t *testing.T) {
		original := workflow.NewJSONContextFromMap(map[string]any{"name": "original"})
		cloned := original.Clone()
		_ = cloned.Set([]string{"name"}, "cloned")

		name, _ := original.GetString("name")
		assert.Equal(t, "original", name)
		clonedName, _ := cloned.GetString("name")
		assert.Equal(t, "cloned", clonedName)
	})
}

// TestSessionContext 启动时传入的上下文在工作流内可读, 并随session保存
func TestSessionContext(t *testing.T) {
	service := setupTestService(t, "")
	ctx := context.Background()
	require.NoError(t, workflow.RegisterWorkflow(service.workflows, "read_context", func(ctx context.Context, s *workflow.Scope, _ string) (string, error) {
		region, _ := s.Context().GetString("order", "region")
		return region, nil
	}))

	hr, err := service.Start(ctx, &workflow.StartRequest{
		WorkflowID: "read_context",
		Context:    map[string]any{"order": map[string]any{"region": "east"}},
	})
	require.NoError(t, err)
	assert.Equal(t, `"east"`, hr.Result)

	session, err := service.GetSession(ctx, hr.SessionID)
	require.NoError(t, err)
	assert.True(t, session.Context.Matches(map[string]any{"order.region": "east"}))
}
