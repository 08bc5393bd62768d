package workflow

import (
	"context"
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinearCheckpointResume(t *testing.T) {
	env := newTestEnv(t, PersistAtEnd)
	ctx := context.Background()
	var before, after counter

	type input struct {
		Amount int `json:"amount"`
	}
	require.NoError(t, RegisterWorkflow(env.workflows, "linear", func(ctx context.Context, s *Scope, in input) (string, error) {
		reserved, err := Persist(ctx, s, "reserve", func(ctx context.Context, s *Scope) (int, error) {
			before.inc()
			return in.Amount * 2, nil
		})
		if err != nil {
			return "", err
		}
		approval, err := WaitFor(ctx, s, "approve", clickKind, "msg-1", nil)
		if err != nil {
			return "", err
		}
		_, err = Persist(ctx, s, "commit", func(ctx context.Context, s *Scope) (bool, error) {
			after.inc()
			return true, nil
		})
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s-%d", approval.Value, reserved), nil
	}))

	// 1. 启动, 执行到等待审批
	hr := env.start(t, "linear", input{Amount: 3})
	assert.Equal(t, HandlingStatusHandled, hr.Status)
	assert.Equal(t, int64(1), before.get())
	assert.Equal(t, int64(0), after.get())

	session := env.session(t, hr.SessionID)
	assert.Equal(t, SessionStatusInProgress, session.Status)
	awaiter, ok := session.GetAwaiter("approve")
	require.True(t, ok)
	assert.Equal(t, "msg-1", awaiter.AwaiterID)

	// 2. 投递审批事件, 第一步不会再执行
	results, err := env.engine.Deliver(ctx, &DeliverRequest{Delivery: click(t, "msg-1", "ok")})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, HandlingStatusFinished, results[0].Status)
	assert.Equal(t, "ok-6", decodeResult[string](t, results[0]))
	assert.Equal(t, int64(1), before.get())
	assert.Equal(t, int64(1), after.get())

	session = env.session(t, hr.SessionID)
	assert.Equal(t, SessionStatusCompleted, session.Status)
	assert.Empty(t, session.Awaiters)
	assert.Empty(t, session.Events)
	require.Len(t, session.PastEvents, 1)
	assert.True(t, session.PastEvents[0].Handled)

	v, err := DecodeResult[string](nil, session)
	require.NoError(t, err)
	assert.Equal(t, "ok-6", v)
}

func TestSequenceNumbersIncrease(t *testing.T) {
	env := newTestEnv(t, PersistAtEnd)
	require.NoError(t, RegisterWorkflow(env.workflows, "seq", func(ctx context.Context, s *Scope, _ struct{}) (int, error) {
		for _, id := range []string{"a", "b", "c"} {
			if _, err := Persist(ctx, s, id, func(ctx context.Context, s *Scope) (string, error) { return id, nil }); err != nil {
				return 0, err
			}
		}
		if err := s.AddItem("note", "x"); err != nil {
			return 0, err
		}
		_, err := WaitFor(ctx, s, "w", timeoutKind, "", nil)
		return 0, err
	}))

	hr := env.start(t, "seq", nil)
	session := env.session(t, hr.SessionID)
	step0, _ := session.GetStep(inputStepID)
	a, _ := session.GetStep("a")
	b, _ := session.GetStep("b")
	c, _ := session.GetStep("c")
	item, _ := session.GetItem("note")
	awaiter, _ := session.GetAwaiter("w")
	seqs := []int64{step0.Sequence, a.Sequence, b.Sequence, c.Sequence, item.Sequence, awaiter.Sequence}
	for i := 1; i < len(seqs); i++ {
		assert.Greater(t, seqs[i], seqs[i-1])
	}
	assert.Equal(t, session.Counter, awaiter.Sequence)
}

func TestLoopReplay(t *testing.T) {
	env := newTestEnv(t, PersistAtEnd)
	ctx := context.Background()
	var sends counter

	require.NoError(t, RegisterWorkflow(env.workflows, "loop", func(ctx context.Context, s *Scope, _ struct{}) (string, error) {
		answer, err := Loop(ctx, s, "retry", func(ctx context.Context, s *Scope) (clickEvent, error) {
			depth, _ := s.RecursionDepth()
			if _, err := Persist(ctx, s, "send", func(ctx context.Context, s *Scope) (int64, error) {
				sends.inc()
				return depth, nil
			}); err != nil {
				return clickEvent{}, err
			}
			return WaitFor(ctx, s, "answer", clickKind, "", nil)
		}, func(e clickEvent) bool { return e.Value == "ok" })
		if err != nil {
			return "", err
		}
		return answer.Value, nil
	}))

	hr := env.start(t, "loop", nil)
	assert.Equal(t, HandlingStatusHandled, hr.Status)
	assert.Equal(t, int64(1), sends.get())

	hr, err := env.engine.DeliverToSession(ctx, hr.SessionID, click(t, "", "bad"))
	require.NoError(t, err)
	assert.Equal(t, HandlingStatusHandled, hr.Status)
	assert.Equal(t, int64(2), sends.get())

	session := env.session(t, hr.SessionID)
	assert.True(t, session.HasStep("retry-1.send"))
	assert.True(t, session.HasStep("retry-1.answer"))
	assert.True(t, session.HasStep("retry-2.send"))
	_, ok := session.GetAwaiter("retry-2.answer")
	assert.True(t, ok)

	hr, err = env.engine.DeliverToSession(ctx, hr.SessionID, click(t, "", "ok"))
	require.NoError(t, err)
	assert.Equal(t, HandlingStatusFinished, hr.Status)
	assert.Equal(t, "ok", decodeResult[string](t, hr))
	// 每次迭代的副作用只执行一次
	assert.Equal(t, int64(2), sends.get())

	// 完成之后的投递被忽略
	hr, err = env.engine.DeliverToSession(ctx, hr.SessionID, click(t, "", "late"))
	require.NoError(t, err)
	assert.Equal(t, HandlingStatusIgnored, hr.Status)
}

func TestWhenAnyRaceCleanup(t *testing.T) {
	env := newTestEnv(t, PersistAtEnd)
	ctx := context.Background()

	require.NoError(t, RegisterWorkflow(env.workflows, "race", func(ctx context.Context, s *Scope, _ struct{}) (string, error) {
		winner, err := WhenAny(ctx, s, "race",
			func(ctx context.Context, s *Scope) (string, error) {
				e, err := StopAndWait(ctx, s, "approve", clickKind, "msg-1", nil)
				return "approved:" + e.Value, err
			},
			func(ctx context.Context, s *Scope) (string, error) {
				e, err := StopAndWait(ctx, s, "expire", timeoutKind, "", nil)
				return "expired:" + e.Reason, err
			},
		)
		if err != nil {
			return "", err
		}
		if _, err := WaitFor(ctx, s, "final", clickKind, "msg-2", nil); err != nil {
			return "", err
		}
		return winner, nil
	}))

	hr := env.start(t, "race", nil)
	session := env.session(t, hr.SessionID)
	assert.Len(t, session.Awaiters, 2)
	_, ok := session.GetAwaiter("race.approve")
	assert.True(t, ok)
	_, ok = session.GetAwaiter("race.expire")
	assert.True(t, ok)

	// 1. 超时分支获胜
	hr, err := env.engine.DeliverToSession(ctx, hr.SessionID, mustDelivery(t, timeoutKind, timeoutEvent{Reason: "1h"}))
	require.NoError(t, err)
	assert.Equal(t, HandlingStatusHandled, hr.Status)

	session = env.session(t, hr.SessionID)
	_, ok = session.GetAwaiter("race.approve")
	assert.False(t, ok, "loser awaiter must be removed")
	assert.True(t, session.HasStep("race"))
	_, ok = session.GetAwaiter("final")
	assert.True(t, ok)

	// 2. 输掉的分支的事件后到, 被忽略, session不变
	version := session.Version
	results, err := env.engine.Deliver(ctx, &DeliverRequest{Delivery: click(t, "msg-1", "yes")})
	require.NoError(t, err)
	assert.Empty(t, results)
	hr, err = env.engine.DeliverToSession(ctx, hr.SessionID, click(t, "msg-1", "yes"))
	require.NoError(t, err)
	assert.Equal(t, HandlingStatusIgnored, hr.Status)
	assert.Equal(t, version, env.session(t, hr.SessionID).Version)

	hr, err = env.engine.DeliverToSession(ctx, hr.SessionID, click(t, "msg-2", ""))
	require.NoError(t, err)
	assert.Equal(t, HandlingStatusFinished, hr.Status)
	assert.Equal(t, "expired:1h", decodeResult[string](t, hr))
}

func TestWhenAnyDeclarationOrderWins(t *testing.T) {
	env := newTestEnv(t, PersistAtEnd)
	ctx := context.Background()

	require.NoError(t, RegisterWorkflow(env.workflows, "tie", func(ctx context.Context, s *Scope, _ struct{}) (string, error) {
		return WhenAny(ctx, s, "tie",
			func(ctx context.Context, s *Scope) (string, error) {
				_, err := StopAndWait(ctx, s, "first", clickKind, "", nil)
				return "first", err
			},
			func(ctx context.Context, s *Scope) (string, error) {
				_, err := StopAndWait(ctx, s, "second", clickKind, "", nil)
				return "second", err
			},
		)
	}))

	hr := env.start(t, "tie", nil)
	hr, err := env.engine.DeliverToSession(ctx, hr.SessionID, click(t, "", "x"))
	require.NoError(t, err)
	assert.Equal(t, HandlingStatusFinished, hr.Status)
	assert.Equal(t, "first", decodeResult[string](t, hr))

	session := env.session(t, hr.SessionID)
	assert.Empty(t, session.Awaiters)
	require.Len(t, session.PastEvents, 1)
	assert.True(t, session.PastEvents[0].Handled)
	assert.Equal(t, AwaiterFingerprint([]string{"tie.first", "tie.second"}), session.PastEvents[0].Fingerprint)
}

func TestWhenAllAndForEach(t *testing.T) {
	env := newTestEnv(t, PersistAtEnd)
	ctx := context.Background()

	require.NoError(t, RegisterWorkflow(env.workflows, "all", func(ctx context.Context, s *Scope, approvers []string) ([]string, error) {
		return ForEach(ctx, s, approvers, func(a string) string { return a },
			func(ctx context.Context, s *Scope, approver string) (string, error) {
				e, err := WaitFor(ctx, s, "vote", clickKind, approver, nil)
				return approver + "=" + e.Value, err
			})
	}))

	hr := env.start(t, "all", []string{"alice", "bob"})
	session := env.session(t, hr.SessionID)
	assert.Len(t, session.Awaiters, 2)

	hr, err := env.engine.DeliverToSession(ctx, hr.SessionID, click(t, "bob", "no"))
	require.NoError(t, err)
	assert.Equal(t, HandlingStatusHandled, hr.Status)
	session = env.session(t, hr.SessionID)
	_, ok := session.GetAwaiter("alice.vote")
	assert.True(t, ok, "WhenAll never cancels awaiters")

	hr, err = env.engine.DeliverToSession(ctx, hr.SessionID, click(t, "alice", "yes"))
	require.NoError(t, err)
	assert.Equal(t, HandlingStatusFinished, hr.Status)
	assert.Equal(t, []string{"alice=yes", "bob=no"}, decodeResult[[]string](t, hr))
}

func TestWhenAllBranchError(t *testing.T) {
	env := newTestEnv(t, PersistAtEnd)
	boom := errors.New("boom")
	require.NoError(t, RegisterWorkflow(env.workflows, "all-fail", func(ctx context.Context, s *Scope, _ struct{}) ([]int, error) {
		return WhenAll(ctx, s,
			Branch[int]{Name: "ok", Flow: func(ctx context.Context, s *Scope) (int, error) { return 1, nil }},
			Branch[int]{Name: "bad", Flow: func(ctx context.Context, s *Scope) (int, error) { return 0, boom }},
		)
	}))
	hr, err := env.engine.Start(context.Background(), &StartRequest{WorkflowID: "all-fail"})
	assert.True(t, errors.Is(err, boom))
	assert.Equal(t, HandlingStatusFailed, hr.Status)
}

func TestFinally(t *testing.T) {
	env := newTestEnv(t, PersistAtEnd)
	ctx := context.Background()
	var cleanups counter

	cleanup := func(ctx context.Context, s *Scope) error {
		cleanups.inc()
		return nil
	}
	require.NoError(t, RegisterWorkflow(env.workflows, "finally", func(ctx context.Context, s *Scope, _ struct{}) (string, error) {
		return Finally(ctx, s, "cleanup", func(ctx context.Context, s *Scope) (string, error) {
			e, err := WaitFor(ctx, s, "wait", clickKind, "", nil)
			return e.Value, err
		}, cleanup)
	}))
	require.NoError(t, RegisterWorkflow(env.workflows, "finally-fail", func(ctx context.Context, s *Scope, _ struct{}) (string, error) {
		return Finally(ctx, s, "cleanup", func(ctx context.Context, s *Scope) (string, error) {
			return "", errors.New("body failed")
		}, cleanup)
	}))

	t.Run("挂起时不执行cleanup", func(t *testing.T) {
		hr := env.start(t, "finally", nil)
		assert.Equal(t, int64(0), cleanups.get())

		hr, err := env.engine.DeliverToSession(ctx, hr.SessionID, click(t, "", "done"))
		require.NoError(t, err)
		assert.Equal(t, HandlingStatusFinished, hr.Status)
		assert.Equal(t, int64(1), cleanups.get())
		assert.True(t, env.session(t, hr.SessionID).HasStep("cleanup"))
	})

	t.Run("失败时执行cleanup", func(t *testing.T) {
		hr, err := env.engine.Start(ctx, &StartRequest{WorkflowID: "finally-fail"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "body failed")
		assert.Equal(t, HandlingStatusFailed, hr.Status)
		assert.Equal(t, int64(2), cleanups.get())
	})
}

func TestPersistBeforePrevious(t *testing.T) {
	env := newTestEnv(t, PersistAtEnd)
	ctx := context.Background()
	var notifies counter

	require.NoError(t, RegisterWorkflow(env.workflows, "pbp", func(ctx context.Context, s *Scope, _ struct{}) (string, error) {
		mark, err := PersistBeforePrevious(ctx, s, "notify", "sent", func(ctx context.Context, s *Scope) error {
			// 执行前已经保存了占位值
			if !s.Session().HasStep("notify") {
				return errors.New("placeholder not recorded")
			}
			notifies.inc()
			return nil
		})
		if err != nil {
			return "", err
		}
		if _, err := WaitFor(ctx, s, "ack", clickKind, "", nil); err != nil {
			return "", err
		}
		return mark, nil
	}))

	hr := env.start(t, "pbp", nil)
	assert.Equal(t, HandlingStatusHandled, hr.Status)
	assert.Equal(t, int64(1), notifies.get())
	// 创建=1, 强制保存=2, 结束保存=3
	assert.Equal(t, int64(3), env.session(t, hr.SessionID).Version)

	hr, err := env.engine.DeliverToSession(ctx, hr.SessionID, click(t, "", ""))
	require.NoError(t, err)
	assert.Equal(t, HandlingStatusFinished, hr.Status)
	assert.Equal(t, "sent", decodeResult[string](t, hr))
	assert.Equal(t, int64(1), notifies.get())
}

func TestStopAndWaitPredicate(t *testing.T) {
	env := newTestEnv(t, PersistAtEnd)
	ctx := context.Background()

	require.NoError(t, RegisterWorkflow(env.workflows, "predicate", func(ctx context.Context, s *Scope, _ struct{}) (string, error) {
		e, err := WaitFor(ctx, s, "wait", clickKind, "", func(e clickEvent) bool { return e.Value != "" })
		return e.Value, err
	}))

	hr := env.start(t, "predicate", nil)
	hr, err := env.engine.DeliverToSession(ctx, hr.SessionID, click(t, "", ""))
	require.NoError(t, err)
	assert.Equal(t, HandlingStatusHandled, hr.Status)

	session := env.session(t, hr.SessionID)
	require.Len(t, session.PastEvents, 1)
	assert.False(t, session.PastEvents[0].Handled, "rejected by predicate")
	_, ok := session.GetAwaiter("wait")
	assert.True(t, ok)

	hr, err = env.engine.DeliverToSession(ctx, hr.SessionID, click(t, "", "v"))
	require.NoError(t, err)
	assert.Equal(t, HandlingStatusFinished, hr.Status)
}

func TestScopeWithoutEngine(t *testing.T) {
	// 引擎之外使用: 不保存, 只修改内存
	ctx := context.Background()
	s := NewRootScope(NewSession("s1", "wf", nil))
	v, err := Persist(ctx, s, "a", func(ctx context.Context, s *Scope) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	_, err = StopAndWait(ctx, s, "w", clickKind, "", nil)
	assert.True(t, IsSuspended(err))
	_, err = StopAndWait(ctx, s, "w", timeoutKind, "", nil)
	assert.True(t, errors.Is(err, ErrDuplicateAwaiter))
}
