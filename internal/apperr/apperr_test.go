package apperr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewErrorString(t *testing.T) {
	err := New(403, CodeSuspectedScoreHacking, "score out of range")
	assert.Equal(t, "SUSPECTED_SCORE_HACKING: score out of range", err.Error())
	assert.Nil(t, err.Unwrap())
}

func TestWrapIncludesCause(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := Wrap(500, CodeNonceFetchFailed, "could not fetch nonce", cause)

	assert.Contains(t, err.Error(), "NONCE_FETCH_FAILED")
	assert.Contains(t, err.Error(), "could not fetch nonce")
	assert.Contains(t, err.Error(), "dial tcp: refused")
	assert.ErrorIs(t, err, cause)
}

func TestErrorsAsWorksThroughUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(502, CodeCheckWalletError, "probe failed", cause)

	var target *Error
	require := assert.New(t)
	require.True(errors.As(err, &target))
	require.Equal(CodeCheckWalletError, target.Code)
}

func TestWithWindowAttachesDiagnostics(t *testing.T) {
	err := New(403, CodeSuspectedScoreHacking, "window limit exceeded").
		WithWindow(WindowInfo{Used: 10000, Incoming: 100, Limit: 10000, Seconds: 60})

	assert.NotNil(t, err.Window)
	assert.Equal(t, int64(10000), err.Window.Used)
	assert.Equal(t, int64(100), err.Window.Incoming)
	assert.Equal(t, int64(10000), err.Window.Limit)
	assert.Equal(t, int64(60), err.Window.Seconds)
}
