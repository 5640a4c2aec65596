package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, err := NewEncryptor([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	ciphertext, err := enc.Encrypt("super-secret-api-key")
	require.NoError(t, err)
	assert.NotEqual(t, "super-secret-api-key", ciphertext)

	plaintext, err := enc.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "super-secret-api-key", plaintext)
}

func TestEncryptProducesUniqueCiphertexts(t *testing.T) {
	enc, err := NewEncryptor([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	first, err := enc.Encrypt("same input")
	require.NoError(t, err)
	second, err := enc.Encrypt("same input")
	require.NoError(t, err)

	// Random nonces keep identical plaintexts from leaking equality
	assert.NotEqual(t, first, second)
}

func TestNewEncryptorRejectsBadKey(t *testing.T) {
	_, err := NewEncryptor([]byte("short"))
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestDecryptRejectsGarbage(t *testing.T) {
	enc, err := NewEncryptor([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	_, err = enc.Decrypt("not-base64!!!")
	assert.Error(t, err)

	_, err = enc.Decrypt("dG9vc2hvcnQ=")
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}
