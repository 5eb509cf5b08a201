package security

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashAndVerifyArgon2(t *testing.T) {
	hash, err := HashArgon2("s3cret")
	require.NoError(t, err)
	require.NotContains(t, hash, "s3cret")

	require.True(t, VerifyArgon2("s3cret", hash))
	require.False(t, VerifyArgon2("wrong", hash))
	require.False(t, VerifyArgon2("s3cret", "not-a-hash"))
}

func TestHashArgon2UniqueSalts(t *testing.T) {
	a, err := HashArgon2("s3cret")
	require.NoError(t, err)
	b, err := HashArgon2("s3cret")
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestGenerateBase64Secret(t *testing.T) {
	a, err := GenerateBase64Secret(32)
	require.NoError(t, err)
	b, err := GenerateBase64Secret(32)
	require.NoError(t, err)

	require.NotEmpty(t, a)
	require.NotEqual(t, a, b)
}
