package record

import (
    "path/filepath"
    "testing"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/mariadb-labs/dbproxy/internal/wcar/capture"
)

func TestStorageRoundTrip(t *testing.T) {
    base := filepath.Join(t.TempDir(), "trace")

    s, err := Create(base)
    require.NoError(t, err)

    events := []capture.QueryEvent{
        {EventID: 1, SessionID: 1, CanonicalID: 1, Canonical: "USE ?", Args: []string{"appdb"}, Flags: capture.FlagArtificial, StartTimeNS: 100, EndTimeNS: 100},
        {EventID: 2, SessionID: 1, CanonicalID: 2, Canonical: "SELECT ?", Args: []string{"1"}, Flags: capture.FlagRead, StartTimeNS: 200, EndTimeNS: 250, GTID: "0-1-5"},
    }
    for _, e := range events {
        require.NoError(t, s.WriteEvent(e))
    }
    require.NoError(t, s.Close())

    readBack, err := ReadEvents(base)
    require.NoError(t, err)
    require.Len(t, readBack, 2)
    assert.Equal(t, "USE ?", readBack[0].Canonical)
    assert.Equal(t, []string{"appdb"}, readBack[0].Args)
    assert.Equal(t, "SELECT ?", readBack[1].Canonical)
    assert.Equal(t, "0-1-5", readBack[1].GTID)
    assert.Equal(t, int64(250), readBack[1].EndTimeNS)
}

func TestReadEventsRejectsUnknownCanonicalID(t *testing.T) {
    base := filepath.Join(t.TempDir(), "trace")
    s, err := Create(base)
    require.NoError(t, err)
    require.NoError(t, s.WriteEvent(capture.QueryEvent{EventID: 1, CanonicalID: 99, Canonical: ""}))
    require.NoError(t, s.Close())

    _, err = ReadEvents(base)
    assert.Error(t, err)
}

func TestRecorderDrainsToStorage(t *testing.T) {
    base := filepath.Join(t.TempDir(), "trace")
    s, err := Create(base)
    require.NoError(t, err)

    r := NewRecorder(s, 16, 4)
    for i := uint64(1); i <= 10; i++ {
        r.Submit(capture.QueryEvent{EventID: i, Canonical: "SELECT ?"})
    }
    require.NoError(t, r.Close())

    readBack, err := ReadEvents(base)
    require.NoError(t, err)
    assert.Len(t, readBack, 10)

    submitted, dropped := r.Stats()
    assert.Equal(t, uint64(10), submitted)
    assert.Equal(t, uint64(0), dropped)
}

func TestRecorderDropsWhenQueueFull(t *testing.T) {
    base := filepath.Join(t.TempDir(), "trace")
    s, err := Create(base)
    require.NoError(t, err)

    r := &Recorder{storage: s, queue: make(chan capture.QueryEvent), done: make(chan struct{}), batchSize: 1}

    // No drain goroutine running: the unbuffered queue is immediately full,
    // so every Submit should fall into the drop branch.
    for i := 0; i < 5; i++ {
        r.Submit(capture.QueryEvent{EventID: uint64(i)})
    }

    submitted, dropped := r.Stats()
    assert.Equal(t, uint64(0), submitted)
    assert.Equal(t, uint64(5), dropped)

    require.NoError(t, s.Close())
}
