package capture

import (
    "testing"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/mariadb-labs/dbproxy/internal/mysqlproto"
    "github.com/mariadb-labs/dbproxy/internal/session"
)

type fakeRecorder struct {
    events []QueryEvent
}

func (r *fakeRecorder) Submit(e QueryEvent) { r.events = append(r.events, e) }

func queryPacket(sql string) mysqlproto.Packet {
    return mysqlproto.Parse(append([]byte{byte(mysqlproto.ComQuery)}, []byte(sql)...))
}

func TestCanonicalizeReplacesLiterals(t *testing.T) {
    canonical, args := Canonicalize("SELECT * FROM t WHERE id = 42 AND name = 'bob'")
    assert.Equal(t, "SELECT * FROM t WHERE id = ? AND name = ?", canonical)
    assert.Equal(t, []string{"42", "bob"}, args)
}

func TestCanonicalDictionaryDedupsByHash(t *testing.T) {
    d := NewCanonicalDictionary()
    id1 := d.Intern("SELECT * FROM t WHERE id = ?")
    id2 := d.Intern("SELECT * FROM t WHERE id = ?")
    id3 := d.Intern("SELECT * FROM u")
    assert.Equal(t, id1, id2)
    assert.NotEqual(t, id1, id3)
}

func TestFirstQueryAfterEnableSynthesisesOpeningEvents(t *testing.T) {
    rec := &fakeRecorder{}
    f := New(rec)
    fs := f.NewSession(nil, session.ClientInfo{Schema: "appdb", Collation: 45}).(*FilterSession)
    fs.Enable(1)

    err := fs.RouteQuery(queryPacket("SELECT 1"), func(mysqlproto.Packet) error { return nil })
    require.NoError(t, err)

    require.Len(t, rec.events, 3)
    assert.Equal(t, "USE ?", rec.events[0].Canonical)
    assert.Equal(t, []string{"appdb"}, rec.events[0].Args)
    assert.Equal(t, "SET NAMES ? COLLATE ?", rec.events[1].Canonical)
    assert.Equal(t, []string{"utf8mb4", "45"}, rec.events[1].Args)
    assert.Equal(t, "SELECT ?", rec.events[2].Canonical)
}

func TestSubsequentQueriesDoNotResynthesiseOpeningEvents(t *testing.T) {
    rec := &fakeRecorder{}
    f := New(rec)
    fs := f.NewSession(nil, session.ClientInfo{Schema: "appdb"}).(*FilterSession)
    fs.Enable(1)

    _ = fs.RouteQuery(queryPacket("SELECT 1"), func(mysqlproto.Packet) error { return nil })
    _ = fs.RouteQuery(queryPacket("SELECT 2"), func(mysqlproto.Packet) error { return nil })

    assert.Len(t, rec.events, 4)
}

func TestDisabledSessionIgnoresQueries(t *testing.T) {
    rec := &fakeRecorder{}
    f := New(rec)
    fs := f.NewSession(nil, session.ClientInfo{}).(*FilterSession)

    _ = fs.RouteQuery(queryPacket("SELECT 1"), func(mysqlproto.Packet) error { return nil })
    assert.Empty(t, rec.events)
}

func TestCloseAfterEnableEmitsClosingEvent(t *testing.T) {
    rec := &fakeRecorder{}
    f := New(rec)
    fs := f.NewSession(nil, session.ClientInfo{}).(*FilterSession)
    fs.Enable(1)
    _ = fs.RouteQuery(queryPacket("SELECT 1"), func(mysqlproto.Packet) error { return nil })

    fs.Close()

    last := rec.events[len(rec.events)-1]
    assert.True(t, last.Has(FlagSessionClose))
}

func TestNonRecordableCommandsPassThroughWithoutCapture(t *testing.T) {
    rec := &fakeRecorder{}
    f := New(rec)
    fs := f.NewSession(nil, session.ClientInfo{}).(*FilterSession)
    fs.Enable(1)

    pingPkt := mysqlproto.Parse([]byte{byte(mysqlproto.ComPing)})
    var reached bool
    err := fs.RouteQuery(pingPkt, func(mysqlproto.Packet) error { reached = true; return nil })
    require.NoError(t, err)
    assert.True(t, reached)
    assert.Empty(t, rec.events)
}

func TestLoadDataLocalInfileIsNotRecordable(t *testing.T) {
    pkt := queryPacket("LOAD DATA LOCAL INFILE '/tmp/x' INTO TABLE t")
    assert.False(t, recordable(pkt))
}

func TestArmedFilterStartsNewSessionsPendingEnable(t *testing.T) {
    rec := &fakeRecorder{}
    f := New(rec)
    f.Start()
    assert.True(t, f.Armed())

    fs := f.NewSession(nil, session.ClientInfo{Schema: "appdb"}).(*FilterSession)
    err := fs.RouteQuery(queryPacket("SELECT 1"), func(mysqlproto.Packet) error { return nil })
    require.NoError(t, err)

    require.Len(t, rec.events, 3, "arming the filter should make the first query on a new session synthesise opening events immediately")

    f.Stop()
    assert.False(t, f.Armed())
    fs2 := f.NewSession(nil, session.ClientInfo{}).(*FilterSession)
    _ = fs2.RouteQuery(queryPacket("SELECT 1"), func(mysqlproto.Packet) error { return nil })
    assert.Empty(t, rec.events[3:], "disarming the filter should leave new sessions disabled")
}
