package workerpool

import (
    "context"
    "sync/atomic"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

func TestAssignSpreadsAcrossWorkers(t *testing.T) {
    p := New(2, 16)
    w1 := p.Assign(SessionID(1))
    w2 := p.Assign(SessionID(2))
    assert.NotEqual(t, w1.id, w2.id)
}

func TestExecuteForSessionRunsOnOwner(t *testing.T) {
    p := New(2, 16)
    p.Assign(SessionID(1))

    var ran int32
    ok := p.ExecuteForSession(SessionID(1), func() { atomic.AddInt32(&ran, 1) })
    require.True(t, ok)

    require.Eventually(t, func() bool { return atomic.LoadInt32(&ran) == 1 }, time.Second, time.Millisecond)

    ok = p.ExecuteForSession(SessionID(999), func() {})
    assert.False(t, ok)
}

func TestBroadcastWaitRunsOnEveryWorker(t *testing.T) {
    p := New(3, 16)
    var count int32
    p.Broadcast(func() { atomic.AddInt32(&count, 1) }, true)
    assert.EqualValues(t, 3, count)
}

func TestSuspendResumeRoundTrip(t *testing.T) {
    p := New(2, 16)
    p.Assign(SessionID(1))
    p.Assign(SessionID(2))

    result := p.Suspend(func(id SessionID) bool { return true })
    assert.Equal(t, 2, result.Total)
    assert.Equal(t, 2, result.Affected)
    assert.True(t, p.IsSuspended(SessionID(1)))

    p.Resume(func(id SessionID) bool { return true })
    assert.False(t, p.IsSuspended(SessionID(1)))
}

func TestAdjustThreadsGrow(t *testing.T) {
    p := New(2, 16)
    err := p.AdjustThreads(context.Background(), 4, 16)
    require.NoError(t, err)
    assert.Equal(t, 4, p.WorkerCount())
}

func TestAdjustThreadsShrinkMigratesSessions(t *testing.T) {
    p := New(3, 16)
    p.Assign(SessionID(1))
    p.Assign(SessionID(2))
    p.Assign(SessionID(3))

    err := p.AdjustThreads(context.Background(), 1, 16)
    require.NoError(t, err)
    assert.Equal(t, 1, p.WorkerCount())

    ok := p.ExecuteForSession(SessionID(1), func() {})
    assert.True(t, ok)
}

func TestAdjustThreadsRefusedWhenForbidden(t *testing.T) {
    p := New(2, 16)
    p.ThreadChangeForbidden = func() bool { return true }

    err := p.AdjustThreads(context.Background(), 4, 16)
    assert.Error(t, err)
    assert.Equal(t, 2, p.WorkerCount())
}

func TestRebalanceMovesSessionAfterSustainedImbalance(t *testing.T) {
    p := New(2, 16)
    for i := 0; i < 10; i++ {
        w := p.workers[0]
        w.addSession(SessionID(i))
        p.sessionOwner[SessionID(i)] = w
    }

    p.rebalanceCfg = RebalanceConfig{Threshold: 0.1, Window: 2}
    p.rebalanceTick()
    p.rebalanceTick()

    assert.Greater(t, p.workers[1].sessionCount(), 0)
}

func TestStartStopRebalancingRunsTicksAndStopsCleanly(t *testing.T) {
    p := New(2, 16)
    for i := 0; i < 10; i++ {
        w := p.workers[0]
        w.addSession(SessionID(i))
        p.sessionOwner[SessionID(i)] = w
    }

    p.StartRebalancing(RebalanceConfig{Period: time.Millisecond, Threshold: 0.1, Window: 2})

    require.Eventually(t, func() bool {
        return p.workers[1].sessionCount() > 0
    }, time.Second, time.Millisecond, "ticker-driven rebalance sweep must actually fire")

    done := make(chan struct{})
    go func() {
        p.StopRebalancing()
        close(done)
    }()
    select {
    case <-done:
    case <-time.After(time.Second):
        t.Fatal("StopRebalancing did not return; rebalance goroutine leaked")
    }

    p.StopRebalancing() // idempotent, and safe without a prior Start
}
