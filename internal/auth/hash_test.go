package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashAndVerifyToken(t *testing.T) {
	hash, err := HashToken("cron-token-1")
	require.NoError(t, err)

	ok, err := VerifyToken("cron-token-1", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyToken("wrong-token", hash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHashesAreSalted(t *testing.T) {
	h1, err := HashToken("same-token")
	require.NoError(t, err)
	h2, err := HashToken("same-token")
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestVerifyRejectsMalformedHash(t *testing.T) {
	_, err := VerifyToken("token", "not-a-hash")
	require.Error(t, err)
}
