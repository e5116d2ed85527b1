// Package session implements the per-connection state machine: a Session
// is created when a listener accepts a client, owns a freshly instantiated
// filter chain and router session, and is pinned to exactly one routing
// worker for its lifetime.
package session

import (
    "sync"
    "time"

    "github.com/mariadb-labs/dbproxy/internal/mysqlproto"
    "github.com/mariadb-labs/dbproxy/internal/workerpool"
    "github.com/mariadb-labs/dbproxy/pkg/logger"
)

// ErrorClass distinguishes the three kinds of backend failure the session
// layer recognises.
type ErrorClass int

const (
    // ErrorTransient is a connection loss that a retry or failover may
    // recover from without tearing down the session.
    ErrorTransient ErrorClass = iota
    // ErrorPermanent is a backend failure the router must route around
    // (the backend itself, not just this connection, is unusable).
    ErrorPermanent
    // ErrorFatal means the session itself cannot continue.
    ErrorFatal
)

func (e ErrorClass) String() string {
    switch e {
    case ErrorTransient:
        return "transient"
    case ErrorPermanent:
        return "permanent"
    case ErrorFatal:
        return "fatal"
    default:
        return "unknown"
    }
}

// ClientInfo carries the listener's protocol handshake data forward into
// the session: auth identity, default schema, negotiated collation.
type ClientInfo struct {
    Username string
    Schema   string
    Collation uint8
    RemoteAddr string
}

// Reply is one fragment of a backend response travelling back up through
// the filter chain to the client. A reply may be streamed in several
// fragments; only the final one has Complete set, and filters/routers may
// only make "end-of-statement" decisions once Complete is true.
type Reply struct {
    Data     []byte
    Complete bool
    Checksum uint32 // rolling CRC over all fragments seen so far, for the diff router
    RowCount int64
    Err      error
}

// FilterSession is one link in a session's filter chain. Every filter
// instance is created fresh per session from the service's filter
// definitions; it must not be shared across sessions.
type FilterSession interface {
    // RouteQuery processes a downstream packet and forwards it (possibly
    // transformed) to the next link — either the next filter or, for the
    // tail filter, the router session.
    RouteQuery(pkt mysqlproto.Packet, next func(mysqlproto.Packet) error) error
    // ClientReply processes an upstream reply fragment and forwards it to
    // the previous link, in reverse order from RouteQuery.
    ClientReply(reply Reply, prev func(Reply) error) error
    // Close releases any per-session state the filter is holding.
    Close()
}

// RouterSession is the tail of the filter chain: it decides which backend
// connection(s) a query routes to, and aggregates their replies into the
// single reply stream the session hands back to filters.
type RouterSession interface {
    RouteQuery(pkt mysqlproto.Packet) error
    ClientReply(reply Reply, fromBackend BackendID) error
    // HandleError is invoked when a backend connection fails. Returning
    // true tells the session the router has tolerated the failure
    // (subject to its own policy) and the session should stay open;
    // returning false tears the session down.
    HandleError(backend BackendID, class ErrorClass, cause error) bool
    Close()
}

// Session is one client connection's complete routing state.
type Session struct {
    ID       workerpool.SessionID
    Client   ClientInfo
    Worker   *workerpool.Worker
    ServiceName string

    chain  []FilterSession
    router RouterSession

    mu      sync.Mutex
    backends map[BackendID]*Backend
    closed  bool

    createdAt time.Time
}

// New creates a session with a cloned filter chain and a fresh router
// session; the caller is responsible for pinning it to a worker via the
// pool and registering it in whatever index the listener maintains.
func New(id workerpool.SessionID, client ClientInfo, serviceName string, chain []FilterSession, router RouterSession) *Session {
    return &Session{
        ID:          id,
        Client:      client,
        ServiceName: serviceName,
        chain:       chain,
        router:      router,
        backends:    make(map[BackendID]*Backend),
        createdAt:   time.Now(),
    }
}

// RouteQuery drives a client packet down through the filter chain to the
// router session. Each filter's `next` closure advances to the following
// link; the final filter's `next` invokes the router session directly.
func (s *Session) RouteQuery(pkt mysqlproto.Packet) error {
    return s.routeQueryFrom(0, pkt)
}

func (s *Session) routeQueryFrom(idx int, pkt mysqlproto.Packet) error {
    if idx >= len(s.chain) {
        return s.router.RouteQuery(pkt)
    }
    filter := s.chain[idx]
    return filter.RouteQuery(pkt, func(p mysqlproto.Packet) error {
        return s.routeQueryFrom(idx+1, p)
    })
}

// ClientReply drives a backend reply fragment up through the filter chain
// in reverse order, ending at the client connection write (the caller
// supplies that final write as writeToClient).
func (s *Session) ClientReply(reply Reply, writeToClient func(Reply) error) error {
    return s.clientReplyFrom(len(s.chain)-1, reply, writeToClient)
}

func (s *Session) clientReplyFrom(idx int, reply Reply, writeToClient func(Reply) error) error {
    if idx < 0 {
        return writeToClient(reply)
    }
    filter := s.chain[idx]
    return filter.ClientReply(reply, func(r Reply) error {
        return s.clientReplyFrom(idx-1, r, writeToClient)
    })
}

// AddBackend registers a new backend connection handle under the session.
func (s *Session) AddBackend(b *Backend) {
    s.mu.Lock()
    defer s.mu.Unlock()
    s.backends[b.ID] = b
}

func (s *Session) Backend(id BackendID) (*Backend, bool) {
    s.mu.Lock()
    defer s.mu.Unlock()
    b, ok := s.backends[id]
    return b, ok
}

func (s *Session) RemoveBackend(id BackendID) {
    s.mu.Lock()
    defer s.mu.Unlock()
    delete(s.backends, id)
}

// HandleBackendError classifies a failure and asks the router session
// whether it tolerates it; if not (or the error is fatal outright), the
// session closes. A fatal class always tears the session down regardless
// of what the router returns.
func (s *Session) HandleBackendError(backend BackendID, class ErrorClass, cause error) {
    if class == ErrorFatal {
        s.Close()
        return
    }
    if !s.router.HandleError(backend, class, cause) {
        s.Close()
    }
}

// Close tears the session down: closes every filter, the router session,
// and marks pending backend replies as drained. Idempotent.
func (s *Session) Close() {
    s.mu.Lock()
    if s.closed {
        s.mu.Unlock()
        return
    }
    s.closed = true
    backends := make([]*Backend, 0, len(s.backends))
    for _, b := range s.backends {
        backends = append(backends, b)
    }
    s.mu.Unlock()

    for _, b := range backends {
        backend := b
        backend.hangup(func(r Reply) {
            if err := s.router.ClientReply(r, backend.ID); err != nil {
                logger.WithField("backend", backend.ID).WithError(err).Warn("router failed to process hang-up reply")
            }
        })
    }
    for _, f := range s.chain {
        f.Close()
    }
    s.router.Close()
}

func (s *Session) IsClosed() bool {
    s.mu.Lock()
    defer s.mu.Unlock()
    return s.closed
}
