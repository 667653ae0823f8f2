package utils

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashOrReadRoundTrip(t *testing.T) {
	hash, err := HashOrRead("s3cret")
	require.NoError(t, err)
	require.True(t, CheckPassword(hash, "s3cret"))
	require.False(t, CheckPassword(hash, "nope"))

	again, err := HashOrRead(string(hash))
	require.NoError(t, err)
	require.Equal(t, hash, again)
}
