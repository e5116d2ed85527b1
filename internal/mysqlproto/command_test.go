package mysqlproto

import (
    "testing"

    "github.com/stretchr/testify/assert"
)

func TestParseExtractsCommandAndPayload(t *testing.T) {
    p := Parse([]byte{byte(ComQuery), 'S', 'E', 'L', 'E', 'C', 'T'})
    assert.Equal(t, ComQuery, p.Command)
    assert.Equal(t, []byte("SELECT"), p.Payload)
}

func TestIsQuery(t *testing.T) {
    assert.True(t, Parse([]byte{byte(ComQuery)}).IsQuery())
    assert.True(t, Parse([]byte{byte(ComStmtExecute)}).IsQuery())
    assert.False(t, Parse([]byte{byte(ComPing)}).IsQuery())
}

func TestIsReplayableExcludesAdminNoise(t *testing.T) {
    assert.False(t, Parse([]byte{byte(ComPing)}).IsReplayable())
    assert.False(t, Parse([]byte{byte(ComShutdown)}).IsReplayable())
    assert.True(t, Parse([]byte{byte(ComQuery)}).IsReplayable())
}

func TestIsNonSQLCommand(t *testing.T) {
    assert.True(t, Parse([]byte{byte(ComQuit)}).IsNonSQLCommand())
    assert.True(t, Parse([]byte{byte(ComResetConnection)}).IsNonSQLCommand())
    assert.False(t, Parse([]byte{byte(ComQuery)}).IsNonSQLCommand())
}

func TestExpectsResponse(t *testing.T) {
    assert.False(t, Parse([]byte{byte(ComQuit)}).ExpectsResponse())
    assert.True(t, Parse([]byte{byte(ComQuery)}).ExpectsResponse())
}
