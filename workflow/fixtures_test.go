package workflow

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

type clickEvent struct {
	MessageID string `json:"message_id"`
	Value     string `json:"value"`
}

type timeoutEvent struct {
	Reason string `json:"reason"`
}

var (
	clickKind   = NewEventKind[clickEvent]("click", func(e clickEvent) string { return e.MessageID })
	timeoutKind = NewEventKind[timeoutEvent]("timeout", nil)
)

type testEnv struct {
	store     *MemorySessionStore
	workflows *Registry
	engine    *Engine
}

func newTestEnv(t *testing.T, strategy PersistStrategy) *testEnv {
	t.Helper()
	store := NewMemorySessionStore()
	workflows := NewRegistry()
	events := NewEventRegistry(nil)
	require.NoError(t, RegisterEventKind(events, clickKind))
	require.NoError(t, RegisterEventKind(events, timeoutKind))
	engine := NewEngine(store, workflows, WithPersistStrategy(strategy), WithEventRegistry(events))
	return &testEnv{store: store, workflows: workflows, engine: engine}
}

func (env *testEnv) start(t *testing.T, workflowID string, input any) *HandlingResult {
	t.Helper()
	hr, err := env.engine.Start(context.Background(), &StartRequest{WorkflowID: workflowID, Input: input})
	require.NoError(t, err)
	return hr
}

func (env *testEnv) session(t *testing.T, id string) *Session {
	t.Helper()
	session, err := env.store.GetSession(context.Background(), id)
	require.NoError(t, err)
	return session
}

func mustDelivery[T any](t *testing.T, kind EventKind[T], event T) *Delivery {
	t.Helper()
	d, err := NewDelivery(kind, event)
	require.NoError(t, err)
	return d
}

func click(t *testing.T, messageID string, value string) *Delivery {
	return mustDelivery(t, clickKind, clickEvent{MessageID: messageID, Value: value})
}

// counter 记录副作用执行次数
type counter struct {
	n atomic.Int64
}

func (c *counter) inc() int64 {
	return c.n.Add(1)
}

func (c *counter) get() int64 {
	return c.n.Load()
}

func decodeResult[T any](t *testing.T, hr *HandlingResult) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(hr.Result), &v))
	return v
}
