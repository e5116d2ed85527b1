package replay

import (
    "context"
    "sort"
    "sync"
    "sync/atomic"

    "github.com/mariadb-labs/dbproxy/internal/wcar/capture"
    "github.com/mariadb-labs/dbproxy/internal/wcar/transform"
)

type txnKey struct {
    sessionID    uint64
    startEventID uint64
}

func keyOf(t transform.Transaction) txnKey {
    return txnKey{sessionID: t.SessionID, startEventID: t.StartEventID}
}

// Player replays a transformed capture: one goroutine per session,
// coordinated through a shared front-transaction iterator so transactions
// commit in their recorded serialization order while independent,
// non-conflicting events run concurrently.
type Player struct {
    dialer      BackendDialer
    replyWriter ReplyWriter
    deadlock    *DeadlockMonitor
    clock       *Clock

    index        transform.Index
    transactions []transform.Transaction
    eventsByID   map[uint64]capture.QueryEvent

    mu                   sync.Mutex
    cond                 *sync.Cond
    frontIdx             int
    completed            []bool
    txnOrder             map[txnKey]int
    sessionCurrentTxnIdx map[uint64]int

    refused uint64
    wg      sync.WaitGroup
}

func NewPlayer(events []capture.QueryEvent, txns []transform.Transaction, idx transform.Index, dialer BackendDialer, replyWriter ReplyWriter, deadlock *DeadlockMonitor) *Player {
    eventsByID := make(map[uint64]capture.QueryEvent, len(events))
    for _, e := range events {
        eventsByID[e.EventID] = e
    }

    txnOrder := make(map[txnKey]int, len(txns))
    for i, t := range txns {
        txnOrder[keyOf(t)] = i
    }

    var anchor int64
    if len(events) > 0 {
        anchor = events[0].StartTimeNS
    }

    p := &Player{
        dialer:               dialer,
        replyWriter:          replyWriter,
        deadlock:             deadlock,
        clock:                NewClock(anchor, 1.0),
        index:                idx,
        transactions:         txns,
        eventsByID:           eventsByID,
        completed:            make([]bool, len(txns)),
        txnOrder:             txnOrder,
        sessionCurrentTxnIdx: make(map[uint64]int),
    }
    p.cond = sync.NewCond(&p.mu)
    return p
}

// Run groups events by session and replays each session's events
// concurrently, returning once every session has finished or been
// terminated.
func (p *Player) Run(ctx context.Context) error {
    bySession := make(map[uint64][]capture.QueryEvent)
    var order []uint64
    for _, e := range p.eventsInOrder() {
        if _, ok := bySession[e.SessionID]; !ok {
            order = append(order, e.SessionID)
        }
        bySession[e.SessionID] = append(bySession[e.SessionID], e)
    }

    p.deadlock.Start()
    defer p.deadlock.Stop()

    for _, sid := range order {
        p.mu.Lock()
        p.sessionCurrentTxnIdx[sid] = -1
        p.mu.Unlock()

        backend, err := p.dialer(ctx)
        if err != nil {
            return err
        }

        s := &repSession{id: sid, events: bySession[sid], backend: backend, player: p}
        p.wg.Add(1)
        go func() {
            defer p.wg.Done()
            s.run(ctx)
        }()
    }

    p.wg.Wait()
    return nil
}

// eventsInOrder reconstructs a stable, start_time ordered slice from the
// eventsByID map built at construction time (the caller already sorted
// events before handing them to NewPlayer; this just recovers that order
// since map iteration doesn't preserve it).
func (p *Player) eventsInOrder() []capture.QueryEvent {
    out := make([]capture.QueryEvent, 0, len(p.eventsByID))
    for _, e := range p.eventsByID {
        out = append(out, e)
    }
    sort.Slice(out, func(i, j int) bool {
        if out[i].StartTimeNS != out[j].StartTimeNS {
            return out[i].StartTimeNS < out[j].StartTimeNS
        }
        return out[i].EventID < out[j].EventID
    })
    return out
}

// waitUntilRunnable blocks the calling session goroutine until e is at the
// front of the global transaction-serialization order, or is independent
// of every transaction still ahead of it.
func (p *Player) waitUntilRunnable(ctx context.Context, sessionID uint64, e capture.QueryEvent) {
    p.mu.Lock()
    defer p.mu.Unlock()

    for {
        if ctx.Err() != nil {
            return
        }

        if p.sessionCurrentTxnIdx[sessionID] != -1 {
            // already executing a transaction: every subsequent event in it
            // is runnable immediately, since events are delivered in order.
            return
        }

        if t, ok := p.index.ByStartEventID[e.EventID]; ok {
            idx := p.txnOrder[keyOf(t)]
            front, hasFront := p.frontTransaction()
            // Reaching the front position itself always qualifies: once T
            // is the earliest uncommitted transaction, nothing ahead of it
            // can still block it regardless of the raw end_time compare.
            if !hasFront || idx <= p.frontIdx || t.EndTimeNS > front.EndTimeNS {
                p.sessionCurrentTxnIdx[sessionID] = idx
                return
            }
            p.cond.Wait()
            continue
        }

        front, hasFront := p.frontTransaction()
        if !hasFront || p.eventsByID[front.StartEventID].StartTimeNS > e.StartTimeNS {
            return
        }
        p.cond.Wait()
    }
}

func (p *Player) frontTransaction() (transform.Transaction, bool) {
    if p.frontIdx >= len(p.transactions) {
        return transform.Transaction{}, false
    }
    return p.transactions[p.frontIdx], true
}

// closeTransactionFor marks the transaction e completes (if any) done and
// advances the front iterator past any now-contiguous completed prefix.
func (p *Player) closeTransactionFor(sessionID uint64, e capture.QueryEvent) {
    p.mu.Lock()
    defer p.mu.Unlock()

    t, ok := p.index.ByEndEventID[e.EventID]
    if !ok || t.SessionID != sessionID {
        return
    }
    p.completeLocked(keyOf(t))
}

func (p *Player) completeLocked(k txnKey) {
    idx, ok := p.txnOrder[k]
    if !ok || p.completed[idx] {
        return
    }
    p.completed[idx] = true
    p.sessionCurrentTxnIdx[k.sessionID] = -1
    for p.frontIdx < len(p.completed) && p.completed[p.frontIdx] {
        p.frontIdx++
    }
    p.cond.Broadcast()
}

// sessionDone runs when a session's goroutine exits, whether by finishing
// its event list or terminating early on connection loss. Any transaction
// left open by that session is force-completed so it can never block the
// front iterator forever.
func (p *Player) sessionDone(sessionID uint64) {
    p.mu.Lock()
    defer p.mu.Unlock()

    idx, ok := p.sessionCurrentTxnIdx[sessionID]
    if !ok || idx == -1 {
        return
    }
    for k, i := range p.txnOrder {
        if i == idx && k.sessionID == sessionID {
            p.completeLocked(k)
            return
        }
    }
}

func (p *Player) addRefused() {
    atomic.AddUint64(&p.refused, 1)
}

func (p *Player) RefusedCount() uint64 {
    return atomic.LoadUint64(&p.refused)
}
