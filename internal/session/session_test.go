package session

import (
    "testing"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/mariadb-labs/dbproxy/internal/mysqlproto"
)

type recordingFilter struct {
    name  string
    log   *[]string
}

func (f *recordingFilter) RouteQuery(pkt mysqlproto.Packet, next func(mysqlproto.Packet) error) error {
    *f.log = append(*f.log, "route:"+f.name)
    return next(pkt)
}

func (f *recordingFilter) ClientReply(reply Reply, prev func(Reply) error) error {
    *f.log = append(*f.log, "reply:"+f.name)
    return prev(reply)
}

func (f *recordingFilter) Close() {
    *f.log = append(*f.log, "close:"+f.name)
}

type stubRouter struct {
    tolerant bool
    routed   int
    closed   bool
    replies  []Reply
}

func (r *stubRouter) RouteQuery(pkt mysqlproto.Packet) error {
    r.routed++
    return nil
}

func (r *stubRouter) ClientReply(reply Reply, from BackendID) error {
    r.replies = append(r.replies, reply)
    return nil
}

func (r *stubRouter) HandleError(backend BackendID, class ErrorClass, cause error) bool {
    return r.tolerant
}

func (r *stubRouter) Close() { r.closed = true }

func TestRouteQueryTraversesChainInOrder(t *testing.T) {
    var log []string
    chain := []FilterSession{
        &recordingFilter{name: "a", log: &log},
        &recordingFilter{name: "b", log: &log},
    }
    router := &stubRouter{}
    s := New(1, ClientInfo{}, "svc1", chain, router)

    err := s.RouteQuery(mysqlproto.Parse([]byte{byte(mysqlproto.ComQuery)}))
    require.NoError(t, err)
    assert.Equal(t, []string{"route:a", "route:b"}, log)
    assert.Equal(t, 1, router.routed)
}

func TestClientReplyTraversesChainInReverse(t *testing.T) {
    var log []string
    chain := []FilterSession{
        &recordingFilter{name: "a", log: &log},
        &recordingFilter{name: "b", log: &log},
    }
    s := New(1, ClientInfo{}, "svc1", chain, &stubRouter{})

    var wroteToClient bool
    err := s.ClientReply(Reply{Complete: true}, func(r Reply) error {
        wroteToClient = true
        return nil
    })
    require.NoError(t, err)
    assert.Equal(t, []string{"reply:b", "reply:a"}, log)
    assert.True(t, wroteToClient)
}

func TestHandleBackendErrorFatalAlwaysCloses(t *testing.T) {
    router := &stubRouter{tolerant: true}
    s := New(1, ClientInfo{}, "svc1", nil, router)

    s.HandleBackendError("b1", ErrorFatal, nil)
    assert.True(t, s.IsClosed())
    assert.True(t, router.closed)
}

func TestHandleBackendErrorTolerantKeepsSessionOpen(t *testing.T) {
    router := &stubRouter{tolerant: true}
    s := New(1, ClientInfo{}, "svc1", nil, router)

    s.HandleBackendError("b1", ErrorTransient, nil)
    assert.False(t, s.IsClosed())
}

func TestHandleBackendErrorIntolerantCloses(t *testing.T) {
    router := &stubRouter{tolerant: false}
    s := New(1, ClientInfo{}, "svc1", nil, router)

    s.HandleBackendError("b1", ErrorPermanent, nil)
    assert.True(t, s.IsClosed())
}

func TestCloseIsIdempotent(t *testing.T) {
    var log []string
    chain := []FilterSession{&recordingFilter{name: "a", log: &log}}
    s := New(1, ClientInfo{}, "svc1", chain, &stubRouter{})

    s.Close()
    s.Close()
    assert.Equal(t, []string{"close:a"}, log)
}

func TestCloseDeliversHangupRepliesForPendingBackendWrites(t *testing.T) {
    router := &stubRouter{}
    s := New(1, ClientInfo{}, "svc1", nil, router)

    b := NewBackend("b1", "server1", func([]byte) error { return nil })
    require.NoError(t, b.Write([]byte("SELECT 1"), ExpectResponse))
    s.AddBackend(b)

    s.Close()

    require.Len(t, router.replies, 1)
    assert.True(t, router.replies[0].Complete)
    assert.Error(t, router.replies[0].Err)
}

func TestBackendRegistrationAndRemoval(t *testing.T) {
    s := New(1, ClientInfo{}, "svc1", nil, &stubRouter{})
    b := NewBackend("b1", "server1", func([]byte) error { return nil })
    s.AddBackend(b)

    got, ok := s.Backend("b1")
    require.True(t, ok)
    assert.Same(t, b, got)

    s.RemoveBackend("b1")
    _, ok = s.Backend("b1")
    assert.False(t, ok)
}
