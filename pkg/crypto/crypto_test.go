package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("hunter22")
	require.NoError(t, err)
	require.NotEqual(t, "hunter22", hash)

	require.True(t, VerifyPassword(hash, "hunter22"))
	require.False(t, VerifyPassword(hash, "hunter23"))
}

func TestGenerateToken(t *testing.T) {
	a, err := GenerateToken(32)
	require.NoError(t, err)
	b, err := GenerateToken(32)
	require.NoError(t, err)

	require.NotEmpty(t, a)
	require.NotEqual(t, a, b)
}

func TestSecureCompare(t *testing.T) {
	require.True(t, SecureCompare("secret", "secret"))
	require.False(t, SecureCompare("secret", "Secret"))
	require.False(t, SecureCompare("secret", "secret1"))
}
