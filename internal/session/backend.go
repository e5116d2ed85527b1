package session

import (
    "fmt"
    "sync"
    "sync/atomic"
    "time"

    "github.com/mariadb-labs/dbproxy/pkg/errors"
    "github.com/mariadb-labs/dbproxy/pkg/logger"
)

// BackendID names one backend connection within a session — not the
// server's global name, since a session may hold more than one connection
// to the same server's pool (e.g. a diff router's main + other targets).
type BackendID string

// WriteMode tells a Backend how to treat the reply to one enqueued write.
type WriteMode int

const (
    // NoResponse means the backend will not send a reply at all.
    NoResponse WriteMode = iota
    // ExpectResponse means the reply is forwarded up the filter chain.
    ExpectResponse
    // IgnoreResponse means a reply is expected but consumed internally
    // for side effects only (never forwarded to the client).
    IgnoreResponse
)

// pendingWrite is one write waiting on its backend reply.
type pendingWrite struct {
    mode WriteMode
    enqueuedAt time.Time
}

// Backend is the per-session handle to one backend connection. It tracks
// how many responses are outstanding and whether the connection is alive;
// it does not own the socket itself (that belongs to the routing worker),
// only the session-scoped bookkeeping layered on top of it, generalising
// the call-routing layer's DID-to-call mapping and usage-statistics
// pattern to "backend connection -> in-flight response count".
type Backend struct {
    ID       BackendID
    ServerName string
    writeFn  func(data []byte) error

    mu       sync.Mutex
    pending  []pendingWrite
    alive    bool

    writesTotal  uint64
    repliesTotal uint64
}

// NewBackend wraps a live connection's write function (owned by the
// routing worker) in session-scoped bookkeeping.
func NewBackend(id BackendID, serverName string, writeFn func([]byte) error) *Backend {
    return &Backend{ID: id, ServerName: serverName, writeFn: writeFn, alive: true}
}

// Write enqueues data for the backend connection under the given response
// expectation. It returns an error if the backend is no longer alive.
func (b *Backend) Write(data []byte, mode WriteMode) error {
    b.mu.Lock()
    if !b.alive {
        b.mu.Unlock()
        return errors.New(errors.ErrBackendPermanent, fmt.Sprintf("backend %s is not alive", b.ServerName))
    }
    b.pending = append(b.pending, pendingWrite{mode: mode, enqueuedAt: time.Now()})
    b.mu.Unlock()

    atomic.AddUint64(&b.writesTotal, 1)

    if err := b.writeFn(data); err != nil {
        b.markDead()
        return errors.Wrap(err, errors.ErrBackendTransient, "backend write failed")
    }
    return nil
}

// OnReplyComplete pops the oldest pending write and reports whether its
// mode calls for forwarding the reply to the client (ExpectResponse) or
// swallowing it (NoResponse/IgnoreResponse).
func (b *Backend) OnReplyComplete() WriteMode {
    b.mu.Lock()
    defer b.mu.Unlock()

    atomic.AddUint64(&b.repliesTotal, 1)

    if len(b.pending) == 0 {
        return IgnoreResponse
    }
    mode := b.pending[0].mode
    b.pending = b.pending[1:]
    return mode
}

// Outstanding reports how many writes are awaiting a reply.
func (b *Backend) Outstanding() int {
    b.mu.Lock()
    defer b.mu.Unlock()
    return len(b.pending)
}

func (b *Backend) IsAlive() bool {
    b.mu.Lock()
    defer b.mu.Unlock()
    return b.alive
}

func (b *Backend) markDead() {
    b.mu.Lock()
    b.alive = false
    b.mu.Unlock()
}

// errBackendHungUp is the Err carried by the synthetic reply hangup
// manufactures for each pending write it drains.
var errBackendHungUp = errors.New(errors.ErrBackendPermanent, "backend connection hung up before replying")

// hangup marks the backend dead, drains its pending writes, and hands
// deliver an explicit hang-up synthetic reply for each one so whatever is
// waiting on that write observes a consistent end rather than silence.
func (b *Backend) hangup(deliver func(Reply)) {
    b.mu.Lock()
    b.alive = false
    drained := b.pending
    b.pending = nil
    b.mu.Unlock()

    if len(drained) == 0 {
        return
    }
    logger.WithField("backend", b.ServerName).WithField("drained", len(drained)).
        Debug("backend hung up with pending writes")
    for range drained {
        deliver(Reply{Complete: true, Err: errBackendHungUp})
    }
}

// Stats returns a point-in-time snapshot suitable for admin introspection.
func (b *Backend) Stats() map[string]interface{} {
    return map[string]interface{}{
        "backend":      b.ServerName,
        "alive":        b.IsAlive(),
        "outstanding":  b.Outstanding(),
        "writes_total": atomic.LoadUint64(&b.writesTotal),
        "replies_total": atomic.LoadUint64(&b.repliesTotal),
    }
}
