package errs

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsMatchesWrappedKind(t *testing.T) {
	base := New(KindTimeout, "deadline exceeded")
	wrapped := fmt.Errorf("dispatcher: %w", base)

	assert.True(t, Is(wrapped, KindTimeout))
	assert.False(t, Is(wrapped, KindQueueFull))
}

func TestKindOfExtractsKind(t *testing.T) {
	err := Wrap(KindResourceUnavailable, "store unreachable", assert.AnError)

	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindResourceUnavailable, kind)
}

func TestKindOfFalseForPlainError(t *testing.T) {
	_, ok := KindOf(assert.AnError)
	assert.False(t, ok)
}

func TestErrorMessageIncludesCause(t *testing.T) {
	err := Wrap(KindIntegrityFailure, "hash mismatch", assert.AnError)
	assert.Contains(t, err.Error(), "IntegrityFailure")
	assert.Contains(t, err.Error(), "hash mismatch")
	assert.Contains(t, err.Error(), assert.AnError.Error())
}
