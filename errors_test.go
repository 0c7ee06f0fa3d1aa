package loom

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewErrorFormatting(t *testing.T) {
	err := NewError("context.connect", KindTransport, "dial failed")
	assert.Contains(t, err.Error(), "context.connect")
	assert.Contains(t, err.Error(), "dial failed")
}

func TestIsKindMatchesAcrossWrap(t *testing.T) {
	base := NewError("transport.read32", KindShutdown, "peer closed")
	wrapped := WrapError("context.dpi_poll", "", base)
	assert.True(t, IsKind(wrapped, KindShutdown))
	assert.False(t, IsKind(wrapped, KindTimeout))
}

func TestIsKindFalseForPlainError(t *testing.T) {
	assert.False(t, IsKind(errors.New("plain"), KindTransport))
}

func TestWrapErrorPreservesKindWhenUnspecified(t *testing.T) {
	base := NewError("mem.read_entry", KindTimeout, "poll timed out")
	wrapped := WrapError("shell.read", "", base)
	assert.Equal(t, KindTimeout, wrapped.Kind)
}

func TestWrapErrorOverridesKind(t *testing.T) {
	base := NewError("mem.read_entry", KindTimeout, "poll timed out")
	wrapped := WrapError("shell.read", KindInvalidArg, base)
	assert.Equal(t, KindInvalidArg, wrapped.Kind)
}
