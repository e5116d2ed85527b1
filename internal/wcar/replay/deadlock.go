package replay

import (
    "sync"
    "time"

    "github.com/mariadb-labs/dbproxy/pkg/logger"
)

// DeadlockMonitor watches every RepSession currently blocked inside a
// backend call. When two or more sessions have been stuck past
// waitThreshold, it treats that as a deadlock and kills the youngest (the
// one that started most recently).
type DeadlockMonitor struct {
    mu     sync.Mutex
    active map[uint64]*stuckEntry

    interval      time.Duration
    waitThreshold time.Duration

    killed uint64
    stop   chan struct{}
    done   chan struct{}
}

type stuckEntry struct {
    startedAt time.Time
    cancel    func()
}

func NewDeadlockMonitor(interval, waitThreshold time.Duration) *DeadlockMonitor {
    if interval <= 0 {
        interval = 200 * time.Millisecond
    }
    if waitThreshold <= 0 {
        waitThreshold = 5 * time.Second
    }
    return &DeadlockMonitor{
        active:        make(map[uint64]*stuckEntry),
        interval:      interval,
        waitThreshold: waitThreshold,
        stop:          make(chan struct{}),
        done:          make(chan struct{}),
    }
}

// Enter registers sessionID as about to block on a backend call; cancel is
// invoked if this monitor decides to kill it as a deadlock victim.
func (m *DeadlockMonitor) Enter(sessionID uint64, cancel func()) {
    m.mu.Lock()
    defer m.mu.Unlock()
    m.active[sessionID] = &stuckEntry{startedAt: time.Now(), cancel: cancel}
}

// Leave deregisters sessionID once its backend call returns.
func (m *DeadlockMonitor) Leave(sessionID uint64) {
    m.mu.Lock()
    defer m.mu.Unlock()
    delete(m.active, sessionID)
}

func (m *DeadlockMonitor) Start() {
    go m.run()
}

func (m *DeadlockMonitor) Stop() {
    close(m.stop)
    <-m.done
}

func (m *DeadlockMonitor) run() {
    defer close(m.done)
    ticker := time.NewTicker(m.interval)
    defer ticker.Stop()

    for {
        select {
        case <-ticker.C:
            m.tick()
        case <-m.stop:
            return
        }
    }
}

func (m *DeadlockMonitor) tick() {
    m.mu.Lock()
    defer m.mu.Unlock()

    var stuckIDs []uint64
    now := time.Now()
    for id, entry := range m.active {
        if now.Sub(entry.startedAt) >= m.waitThreshold {
            stuckIDs = append(stuckIDs, id)
        }
    }
    if len(stuckIDs) < 2 {
        return
    }

    var youngest uint64
    var youngestAt time.Time
    for _, id := range stuckIDs {
        entry := m.active[id]
        if entry.startedAt.After(youngestAt) {
            youngest = id
            youngestAt = entry.startedAt
        }
    }

    victim := m.active[youngest]
    logger.WithField("session_id", youngest).Warn("deadlock monitor killing youngest victim")
    victim.cancel()
    delete(m.active, youngest)
    m.killed++
}

func (m *DeadlockMonitor) Killed() uint64 {
    m.mu.Lock()
    defer m.mu.Unlock()
    return m.killed
}
