package diff

import (
    "errors"
    "testing"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/mariadb-labs/dbproxy/internal/mysqlproto"
    "github.com/mariadb-labs/dbproxy/internal/router"
    "github.com/mariadb-labs/dbproxy/internal/session"
)

type captureExporter struct {
    reports []Report
}

func (e *captureExporter) Export(r Report) error {
    e.reports = append(e.reports, r)
    return nil
}

func newTestService(names []string) (*router.Service, map[string]*[][]byte) {
    writes := make(map[string]*[][]byte, len(names))
    for _, n := range names {
        writes[n] = new([][]byte)
    }
    svc := &router.Service{
        Name:    "svc",
        Targets: names,
        Dial: func(name string) (*session.Backend, error) {
            buf := writes[name]
            return session.NewBackend(session.BackendID(name), name, func(data []byte) error {
                *buf = append(*buf, data)
                return nil
            }), nil
        },
    }
    return svc, writes
}

func newTestComparatorSession(t *testing.T, errPolicy ErrorPolicy, exp Exporter) (*comparatorSession, map[string]*[][]byte) {
    t.Helper()
    svc, writes := newTestService([]string{"main", "replica1"})
    cfg := &Config{
        Main:             "main",
        Other:            []string{"replica1"},
        ReportPolicy:     ReportAlways,
        ErrorPolicy:      errPolicy,
        ThresholdPercent: 10,
        Exporter:         exp,
    }
    comp := NewComparator(cfg)
    rs := comp.NewSession(nil, svc)
    return rs.(*comparatorSession), writes
}

func TestParseErrorPolicy(t *testing.T) {
    p, ok := ParseErrorPolicy("ignore")
    require.True(t, ok)
    assert.Equal(t, ErrorIgnore, p)

    p, ok = ParseErrorPolicy("close")
    require.True(t, ok)
    assert.Equal(t, ErrorClose, p)

    _, ok = ParseErrorPolicy("bogus")
    assert.False(t, ok)
}

func TestComparatorSessionRouteQueryDispatchesToMainAndOthers(t *testing.T) {
    cs, writes := newTestComparatorSession(t, ErrorIgnore, nil)

    pkt := mysqlproto.Packet{Command: mysqlproto.ComQuery, Payload: []byte("select 1")}
    require.NoError(t, cs.RouteQuery(pkt))

    assert.Len(t, *writes["main"], 1)
    assert.Len(t, *writes["replica1"], 1)
    require.NotNil(t, cs.current)
}

func TestComparatorSessionRouteQueryWriteModesExpectMainOnly(t *testing.T) {
    cs, _ := newTestComparatorSession(t, ErrorIgnore, nil)

    pkt := mysqlproto.Packet{Command: mysqlproto.ComQuery, Payload: []byte("select 1")}
    require.NoError(t, cs.RouteQuery(pkt))

    mainMode := cs.backends[session.BackendID("main")].OnReplyComplete()
    otherMode := cs.backends[session.BackendID("replica1")].OnReplyComplete()

    assert.Equal(t, session.ExpectResponse, mainMode)
    assert.Equal(t, session.IgnoreResponse, otherMode)
}

func TestComparatorSessionClientReplyWaitsForEverySlotThenReports(t *testing.T) {
    exp := &captureExporter{}
    cs, _ := newTestComparatorSession(t, ErrorIgnore, exp)

    pkt := mysqlproto.Packet{Command: mysqlproto.ComQuery, Payload: []byte("select 1")}
    require.NoError(t, cs.RouteQuery(pkt))

    require.NoError(t, cs.ClientReply(session.Reply{Data: []byte("ok"), Complete: true, RowCount: 1}, "main"))
    assert.NotNil(t, cs.current, "round must stay open until every backend reports")

    require.NoError(t, cs.ClientReply(session.Reply{Data: []byte("ok"), Complete: true, RowCount: 1}, "replica1"))
    assert.Nil(t, cs.current)
    require.Len(t, exp.reports, 1)
}

func TestComparatorSessionHandleErrorMainAlwaysCloses(t *testing.T) {
    cs, _ := newTestComparatorSession(t, ErrorIgnore, nil)
    pkt := mysqlproto.Packet{Command: mysqlproto.ComQuery, Payload: []byte("select 1")}
    require.NoError(t, cs.RouteQuery(pkt))

    tolerated := cs.HandleError("main", session.ErrorTransient, errors.New("connection refused"))
    assert.False(t, tolerated)
}

func TestComparatorSessionHandleErrorOtherUnderIgnorePolicyTolerates(t *testing.T) {
    cs, _ := newTestComparatorSession(t, ErrorIgnore, nil)
    pkt := mysqlproto.Packet{Command: mysqlproto.ComQuery, Payload: []byte("select 1")}
    require.NoError(t, cs.RouteQuery(pkt))

    tolerated := cs.HandleError("replica1", session.ErrorTransient, errors.New("connection refused"))
    assert.True(t, tolerated)
    _, stillPresent := cs.backends["replica1"]
    assert.False(t, stillPresent)
}

func TestComparatorSessionHandleErrorOtherUnderClosePolicyTearsDown(t *testing.T) {
    cs, _ := newTestComparatorSession(t, ErrorClose, nil)
    pkt := mysqlproto.Packet{Command: mysqlproto.ComQuery, Payload: []byte("select 1")}
    require.NoError(t, cs.RouteQuery(pkt))

    tolerated := cs.HandleError("replica1", session.ErrorTransient, errors.New("connection refused"))
    assert.False(t, tolerated)
}
