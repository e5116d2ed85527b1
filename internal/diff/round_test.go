package diff

import (
    "testing"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/mariadb-labs/dbproxy/internal/mysqlproto"
)

func TestRoundNotReadyUntilEverySlotCloses(t *testing.T) {
    r := NewRound("select 1", mysqlproto.ComQuery, 7, []string{"main", "replica1"})
    require.False(t, r.Ready())

    r.Slot("main").Close(1, 0, "")
    assert.False(t, r.Ready())

    r.Slot("replica1").Close(1, 0, "")
    assert.True(t, r.Ready())
}

func TestSlotChecksumAccumulatesAcrossFragments(t *testing.T) {
    s := newSlot()
    s.UpdateChecksum([]byte("hello "))
    s.UpdateChecksum([]byte("world"))

    s2 := newSlot()
    s2.UpdateChecksum([]byte("hello world"))

    assert.Equal(t, s2.Checksum(), s.Checksum())
}

func TestSlotCloseClassifiesResultKind(t *testing.T) {
    ok := newSlot()
    ok.Close(0, 0, "")
    assert.Equal(t, KindOK, ok.Kind)

    rs := newSlot()
    rs.Close(3, 0, "")
    assert.Equal(t, KindResultSet, rs.Kind)

    errSlot := newSlot()
    errSlot.Close(0, 0, "syntax error")
    assert.Equal(t, KindError, errSlot.Kind)
}

func TestRoundSlotsReturnsDefensiveCopy(t *testing.T) {
    r := NewRound("select 1", mysqlproto.ComQuery, 1, []string{"main"})
    slots := r.Slots()
    delete(slots, "main")

    assert.NotNil(t, r.Slot("main"))
}
