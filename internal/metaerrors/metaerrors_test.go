package metaerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGRPCCodeMapping(t *testing.T) {
	tests := []struct {
		kind Kind
		code string
	}{
		{TaskNotFound, "NOT_FOUND"},
		{NotImplemented, "UNIMPLEMENTED"},
		{OK, "OK"},
		{Internal, "INTERNAL"},
		{Rpc, "INTERNAL"},
		{Protocol, "INTERNAL"},
		{Memory, "INTERNAL"},
		{Protobuf, "INTERNAL"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, New(tt.kind, "x").GRPCCode(), tt.kind.String())
	}
}

func TestKindOfUnwrapsThroughFmtErrorf(t *testing.T) {
	inner := New(TaskNotFound, "actor 7")
	wrapped := fmt.Errorf("while collecting: %w", inner)
	assert.Equal(t, TaskNotFound, KindOf(wrapped))
	assert.Equal(t, Internal, KindOf(errors.New("plain")))
	assert.Equal(t, OK, KindOf(nil))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(Rpc, cause, "inject_barrier")
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "Rpc")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestCloneIsIndependent(t *testing.T) {
	orig := New(Protocol, "bad op")
	cp := orig.Clone()
	require.NotSame(t, orig, cp)
	cp.Msg = "changed"
	assert.Equal(t, "bad op", orig.Msg)
}

func TestBacktraceCapturedAtConstruction(t *testing.T) {
	err := New(Internal, "boom")
	assert.Contains(t, err.Backtrace(), "metaerrors_test.go")
}
