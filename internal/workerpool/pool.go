package workerpool

import (
    "context"
    "fmt"
    "sync"
    "time"

    "github.com/mariadb-labs/dbproxy/pkg/errors"
    "github.com/mariadb-labs/dbproxy/pkg/logger"
)

// RebalanceConfig tunes the periodic load-based session migration sweep.
type RebalanceConfig struct {
    Period    time.Duration
    Threshold float64 // fraction above the pool average that triggers a migration
    Window    int     // number of consecutive over-threshold ticks required before acting
}

// Pool owns a fixed-at-any-instant set of Workers and the session->worker
// index needed to route control-plane operations to the right one.
type Pool struct {
    mu      sync.RWMutex
    workers []*Worker
    nextID  int

    sessionOwner map[SessionID]*Worker

    rebalanceCfg    RebalanceConfig
    overThreshold   map[int]int // worker id -> consecutive over-threshold ticks
    rebalanceStop   chan struct{}
    rebalanceDone   chan struct{}

    // ThreadChangeForbidden reports whether any currently-running service
    // advertises "no thread change" capability; AdjustThreads refuses if
    // this returns true.
    ThreadChangeForbidden func() bool
}

// New starts n workers, each with the given per-worker job queue size.
func New(n int, queueSize int) *Pool {
    p := &Pool{
        sessionOwner:  make(map[SessionID]*Worker),
        overThreshold: make(map[int]int),
    }
    for i := 0; i < n; i++ {
        p.spawnWorker(queueSize)
    }
    return p
}

func (p *Pool) spawnWorker(queueSize int) *Worker {
    w := newWorker(p.nextID, queueSize)
    p.nextID++
    p.workers = append(p.workers, w)
    go w.run()
    return w
}

// Assign pins a new session to the least-loaded worker and returns it.
func (p *Pool) Assign(id SessionID) *Worker {
    p.mu.Lock()
    defer p.mu.Unlock()

    var chosen *Worker
    for _, w := range p.workers {
        if chosen == nil || w.sessionCount() < chosen.sessionCount() {
            chosen = w
        }
    }
    chosen.addSession(id)
    p.sessionOwner[id] = chosen
    return chosen
}

func (p *Pool) Release(id SessionID) {
    p.mu.Lock()
    w, ok := p.sessionOwner[id]
    delete(p.sessionOwner, id)
    p.mu.Unlock()
    if ok {
        w.removeSession(id)
    }
}

// Broadcast posts job to every worker. If wait is true it blocks on a shared
// WaitGroup until every worker that accepted the job has run it; a worker
// whose queue is full drops the job, which is logged. Otherwise it returns
// right after posting, and a job dropped by a full queue is not reported.
func (p *Pool) Broadcast(job func(), wait bool) {
    p.mu.RLock()
    workers := append([]*Worker(nil), p.workers...)
    p.mu.RUnlock()

    if !wait {
        for _, w := range workers {
            w.post(func() bool { job(); return false })
        }
        return
    }

    var wg sync.WaitGroup
    wg.Add(len(workers))
    for _, w := range workers {
        w := w
        ok := w.post(func() bool { defer wg.Done(); job(); return false })
        if !ok {
            wg.Done()
            logger.WithField("worker", w.id).Warn("broadcast job dropped: queue full")
        }
    }
    wg.Wait()
}

// ExecuteForSession finds the worker owning id and schedules fn on it.
// Returns whether the session existed.
func (p *Pool) ExecuteForSession(id SessionID, fn func()) bool {
    p.mu.RLock()
    w, ok := p.sessionOwner[id]
    p.mu.RUnlock()
    if !ok {
        return false
    }
    w.post(func() bool { fn(); return false })
    return true
}

// SessionResult is the {total, affected} pair every cooperative bulk
// session primitive returns.
type SessionResult struct {
    Total    int
    Affected int
}

func (p *Pool) forEachSessionOfService(belongsToService func(SessionID) bool, action func(SessionID)) SessionResult {
    p.mu.RLock()
    workers := append([]*Worker(nil), p.workers...)
    p.mu.RUnlock()

    var mu sync.Mutex
    result := SessionResult{}
    var wg sync.WaitGroup

    for _, w := range workers {
        w := w
        wg.Add(1)
        ok := w.post(func() bool {
            defer wg.Done()
            for _, id := range w.sessionIDs() {
                mu.Lock()
                result.Total++
                mu.Unlock()
                if belongsToService == nil || belongsToService(id) {
                    action(id)
                    mu.Lock()
                    result.Affected++
                    mu.Unlock()
                }
            }
            return false
        })
        if !ok {
            wg.Done()
        }
    }
    wg.Wait()
    return result
}

// CountMatching reports how many live sessions satisfy belongsToService,
// without mutating anything — the read-only counterpart to Suspend/Resume,
// used by admin status/summary reporting.
func (p *Pool) CountMatching(belongsToService func(SessionID) bool) SessionResult {
    return p.forEachSessionOfService(belongsToService, func(SessionID) {})
}

// Suspend marks every session belonging to a service (per belongsToService)
// as suspended, cooperatively: each worker handles its own sessions on its
// own goroutine, and the call waits for all of them.
func (p *Pool) Suspend(belongsToService func(SessionID) bool) SessionResult {
    return p.forEachSessionOfService(belongsToService, func(id SessionID) {
        if w, ok := p.ownerOf(id); ok {
            w.setSuspended(id, true)
        }
    })
}

func (p *Pool) Resume(belongsToService func(SessionID) bool) SessionResult {
    return p.forEachSessionOfService(belongsToService, func(id SessionID) {
        if w, ok := p.ownerOf(id); ok {
            w.setSuspended(id, false)
        }
    })
}

// Restart tears down and re-creates each matching session's backend
// connections via restartFn, without moving it between workers.
func (p *Pool) Restart(belongsToService func(SessionID) bool, restartFn func(SessionID)) SessionResult {
    return p.forEachSessionOfService(belongsToService, restartFn)
}

func (p *Pool) ownerOf(id SessionID) (*Worker, bool) {
    p.mu.RLock()
    defer p.mu.RUnlock()
    w, ok := p.sessionOwner[id]
    return w, ok
}

func (p *Pool) IsSuspended(id SessionID) bool {
    w, ok := p.ownerOf(id)
    if !ok {
        return false
    }
    return w.isSuspended(id)
}

// AdjustThreads grows or shrinks the pool to n workers. Shrinking waits
// (up to ctx's deadline) for the departing workers' sessions to drain
// elsewhere, and refuses outright if ThreadChangeForbidden reports a
// running service disallows it.
func (p *Pool) AdjustThreads(ctx context.Context, n int, queueSize int) error {
    if n <= 0 {
        return errors.New(errors.ErrConfigValidation, "thread count must be positive")
    }
    if p.ThreadChangeForbidden != nil && p.ThreadChangeForbidden() {
        return errors.New(errors.ErrAdmin, "thread count change forbidden: a service disallows it")
    }

    p.mu.Lock()
    current := len(p.workers)
    p.mu.Unlock()

    if n == current {
        return nil
    }

    if n > current {
        p.mu.Lock()
        for i := current; i < n; i++ {
            p.spawnWorker(queueSize)
        }
        p.mu.Unlock()
        return nil
    }

    // Shrinking: migrate sessions off the departing workers, then stop them.
    p.mu.Lock()
    departing := p.workers[n:]
    remaining := p.workers[:n]
    p.mu.Unlock()

    for _, w := range departing {
        for _, id := range w.sessionIDs() {
            target := remaining[0]
            for _, r := range remaining {
                if r.sessionCount() < target.sessionCount() {
                    target = r
                }
            }
            w.removeSession(id)
            target.addSession(id)
            p.mu.Lock()
            p.sessionOwner[id] = target
            p.mu.Unlock()
        }
        if !w.drain(ctx) {
            return errors.New(errors.ErrResourceExhaustion, fmt.Sprintf("worker %d failed to drain within deadline", w.id))
        }
    }

    p.mu.Lock()
    for _, w := range departing {
        w.stop()
    }
    p.workers = remaining
    p.mu.Unlock()

    return nil
}

// WorkerCount reports the current pool size.
func (p *Pool) WorkerCount() int {
    p.mu.RLock()
    defer p.mu.RUnlock()
    return len(p.workers)
}

// StartRebalancing starts the periodic rebalance sweep on a plain
// time.Ticker firing every cfg.Period (the comparator's own synchronizing
// tick is a robfig/cron "@every" entry instead).
func (p *Pool) StartRebalancing(cfg RebalanceConfig) {
    p.rebalanceCfg = cfg
    p.rebalanceStop = make(chan struct{})
    p.rebalanceDone = make(chan struct{})

    go func() {
        defer close(p.rebalanceDone)
        ticker := time.NewTicker(cfg.Period)
        defer ticker.Stop()
        for {
            select {
            case <-ticker.C:
                p.rebalanceTick()
            case <-p.rebalanceStop:
                return
            }
        }
    }()
}

// StopRebalancing stops the sweep goroutine and waits for it to exit.
// Safe to call more than once or without a prior StartRebalancing.
func (p *Pool) StopRebalancing() {
    if p.rebalanceStop == nil {
        return
    }
    close(p.rebalanceStop)
    <-p.rebalanceDone
    p.rebalanceStop = nil
}

// rebalanceTick moves one session from the most-loaded worker to the
// least-loaded worker if the load difference has exceeded the configured
// threshold for Window consecutive ticks.
func (p *Pool) rebalanceTick() {
    p.mu.RLock()
    workers := append([]*Worker(nil), p.workers...)
    p.mu.RUnlock()

    if len(workers) < 2 {
        return
    }

    total := 0
    busiest, idlest := workers[0], workers[0]
    for _, w := range workers {
        c := w.sessionCount()
        total += c
        if c > busiest.sessionCount() {
            busiest = w
        }
        if c < idlest.sessionCount() {
            idlest = w
        }
    }
    avg := float64(total) / float64(len(workers))
    if avg == 0 {
        return
    }

    over := (float64(busiest.sessionCount()) - avg) / avg
    if over <= p.rebalanceCfg.Threshold {
        p.overThreshold[busiest.id] = 0
        return
    }

    p.overThreshold[busiest.id]++
    if p.overThreshold[busiest.id] < p.rebalanceCfg.Window {
        return
    }
    p.overThreshold[busiest.id] = 0

    ids := busiest.sessionIDs()
    if len(ids) == 0 {
        return
    }
    migrate := ids[0]
    busiest.removeSession(migrate)
    idlest.addSession(migrate)
    p.mu.Lock()
    p.sessionOwner[migrate] = idlest
    p.mu.Unlock()

    logger.WithField("from_worker", busiest.id).WithField("to_worker", idlest.id).
        WithField("session", migrate).Info("rebalanced session")
}
