package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testCode  = MustNewCode("test.code")
	testCode2 = MustNewCode("test.code2")
)

func TestNew(t *testing.T) {
	err := New(CommonInternal, "test failure", nil)

	if err.Message != "test failure" {
		t.Errorf("Expected message 'test failure', got '%s'", err.Message)
	}
	if err.Code.String() != "common.internal" {
		t.Errorf("Expected code 'common.internal', got '%s'", err.Code.String())
	}
	if err.Timestamp.IsZero() {
		t.Error("Expected timestamp to be set")
	}
	if len(err.Stack) == 0 {
		t.Error("Expected stack trace to be captured")
	}
}

func TestNewf(t *testing.T) {
	err := Newf(testCode, "frame of %d bytes", 42)
	assert.Equal(t, "frame of 42 bytes", err.Message)
	assert.Nil(t, err.Cause)
}

func TestWrap(t *testing.T) {
	original := errors.New("original")
	err := Wrap(testCode, original, "wrapped")

	assert.Equal(t, "wrapped", err.Message)
	assert.Equal(t, original, err.Cause)
	assert.Equal(t, "wrapped: original", err.Error())
	assert.Equal(t, original, errors.Unwrap(err))

	err = Wrapf(testCode, original, "wrapped %s", "again")
	assert.Equal(t, "wrapped again", err.Message)
}

func TestAddContextAndChaining(t *testing.T) {
	err := New(testCode, "base", nil).
		AddContext("conn_id", "01HZX").
		AddContext("reason", "end_of_stream").
		WithCause(errors.New("io"))

	assert.Equal(t, "01HZX", err.Context["conn_id"])
	assert.Equal(t, "end_of_stream", err.Context["reason"])
	assert.Equal(t, "base: io", err.Error())
}

func TestIsWalksCauseChain(t *testing.T) {
	inner := New(testCode, "inner", nil)
	outer := Wrap(testCode2, fmt.Errorf("middle: %w", inner), "outer")

	assert.True(t, Is(outer, testCode))
	assert.True(t, Is(outer, testCode2))
	assert.False(t, Is(outer, CommonInternal))
	assert.False(t, Is(nil, testCode))

	// stdlib errors.Is matches on code through the Is method
	assert.True(t, errors.Is(outer, New(testCode, "other message", nil)))
	assert.False(t, errors.Is(outer, New(CommonTimeout, "timeout", nil)))
}

func TestGetCodeAndContext(t *testing.T) {
	err := New(testCode, "x", nil).AddContext("k", "v")

	assert.Equal(t, "test.code", GetCode(err))
	assert.Equal(t, "test.code", GetCode(fmt.Errorf("wrapped: %w", err)))
	assert.Equal(t, "", GetCode(errors.New("plain")))
	assert.Equal(t, "v", GetContext(err)["k"])
	assert.Nil(t, GetContext(errors.New("plain")))
}

func TestFormatError(t *testing.T) {
	err := New(testCode, "handshake failed", errors.New("eof")).
		AddContext("b", "2").
		AddContext("a", "1")

	out := FormatError(err)
	require.True(t, strings.HasPrefix(out, "Code: test.code"))
	assert.Contains(t, out, "Message: handshake failed")
	assert.Contains(t, out, "Cause: eof")
	assert.Less(t, strings.Index(out, "a: 1"), strings.Index(out, "b: 2"))

	assert.Equal(t, "plain", FormatError(errors.New("plain")))
}

func TestAsError(t *testing.T) {
	assert.Nil(t, AsError(nil))

	existing := New(testCode, "existing", nil)
	assert.Same(t, existing, AsError(existing))

	converted := AsError(errors.New("standard"))
	require.NotNil(t, converted)
	assert.Equal(t, CommonInternal.String(), converted.Code.String())
	assert.Equal(t, "standard: standard", converted.Error())
}
