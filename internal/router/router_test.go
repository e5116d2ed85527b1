package router

import (
    "testing"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/mariadb-labs/dbproxy/internal/mysqlproto"
    "github.com/mariadb-labs/dbproxy/internal/session"
)

func TestSingleTargetRoutesToFirstConfiguredServer(t *testing.T) {
    var written [][]byte
    svc := &Service{
        Name:    "svc1",
        Targets: []string{"server1", "server2"},
        Dial: func(name string) (*session.Backend, error) {
            return session.NewBackend(session.BackendID(name), name, func(data []byte) error {
                written = append(written, data)
                return nil
            }), nil
        },
    }

    r := NewSingleTarget()
    rs := r.NewSession(nil, svc)

    err := rs.RouteQuery(mysqlproto.Parse([]byte{byte(mysqlproto.ComQuery), 'x'}))
    require.NoError(t, err)
    assert.Len(t, written, 1)
}

func TestSingleTargetHandleErrorTolerantUnlessFatal(t *testing.T) {
    r := NewSingleTarget()
    rs := r.NewSession(nil, &Service{})

    assert.True(t, rs.HandleError("b1", session.ErrorTransient, nil))
    assert.False(t, rs.HandleError("b1", session.ErrorFatal, nil))
}

func TestSingleTargetRouteQueryNoTargetsIsNoop(t *testing.T) {
    r := NewSingleTarget()
    rs := r.NewSession(nil, &Service{})

    err := rs.RouteQuery(mysqlproto.Parse([]byte{byte(mysqlproto.ComQuery)}))
    require.NoError(t, err)
}
