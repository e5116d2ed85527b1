package errors

import (
    "errors"
    "testing"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

func TestWrapPreservesUnderlyingError(t *testing.T) {
    base := errors.New("connection refused")
    wrapped := Wrap(base, ErrBackendTransient, "dial backend")

    require.NotNil(t, wrapped)
    assert.ErrorIs(t, wrapped, base)
    assert.Contains(t, wrapped.Error(), "dial backend")
    assert.True(t, wrapped.IsRetryable())
}

func TestWrapNilReturnsNil(t *testing.T) {
    assert.Nil(t, Wrap(nil, ErrAdmin, "should not appear"))
}

func TestIsRetryableByCode(t *testing.T) {
    cases := []struct {
        code      ErrorCode
        retryable bool
    }{
        {ErrBackendTransient, true},
        {ErrDatabase, true},
        {ErrRedis, true},
        {ErrBackendPermanent, false},
        {ErrConfigValidation, false},
        {ErrDependency, false},
        {ErrAdmin, false},
    }

    for _, c := range cases {
        err := New(c.code, "boom")
        assert.Equal(t, c.retryable, err.IsRetryable(), "code=%s", c.code)
    }
}

func TestIsHelper(t *testing.T) {
    err := New(ErrCaptureReplayIO, "truncated record")
    assert.True(t, Is(err, ErrCaptureReplayIO))
    assert.False(t, Is(err, ErrAdmin))
    assert.False(t, Is(nil, ErrAdmin))
}

func TestWrapAppErrorEnhancesMessage(t *testing.T) {
    inner := New(ErrDependency, "cycle detected")
    outer := Wrap(inner, ErrConfigValidation, "load failed")

    assert.Equal(t, ErrDependency, outer.Code)
    assert.Contains(t, outer.Message, "load failed")
    assert.Contains(t, outer.Message, "cycle detected")
}
