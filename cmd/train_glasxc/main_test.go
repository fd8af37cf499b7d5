package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveGlasSampleSize(t *testing.T) {
	// The default follows the batch size.
	require.Equal(t, 64, resolveGlasSampleSize(0, 64))
	// Negative disables subsampling, which the config encodes as 0.
	require.Equal(t, 0, resolveGlasSampleSize(-1, 64))
	// Explicit values pass through.
	require.Equal(t, 100, resolveGlasSampleSize(100, 64))
}

func TestNewBackend(t *testing.T) {
	backend, err := newBackend("go")
	require.NoError(t, err)
	require.NotNil(t, backend)

	_, err = newBackend("no-such-backend")
	require.Error(t, err)
}
