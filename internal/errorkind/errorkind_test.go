package errorkind

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorUnwrapsToCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := New(TransientIO, "storage.flush", cause)

	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "storage.flush")
	require.Contains(t, err.Error(), "transient_io")
}

func TestIsMatchesWrappedKind(t *testing.T) {
	err := fmt.Errorf("retry exhausted: %w", New(BusSaturation, "bus.Publish", nil))
	require.True(t, Is(err, BusSaturation))
	require.False(t, Is(err, ResourceCapBreach))
}

func TestIsFalseForPlainError(t *testing.T) {
	require.False(t, Is(errors.New("plain"), TransientIO))
}
