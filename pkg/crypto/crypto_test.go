package crypto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestParseKey(t *testing.T) {
	key, err := ParseKey(testKeyHex)
	require.NoError(t, err)
	assert.Len(t, key, KeySize)

	_, err = ParseKey("abcd")
	assert.Error(t, err)

	_, err = ParseKey(strings.Repeat("zz", KeySize))
	assert.Error(t, err)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, err := ParseKey(testKeyHex)
	require.NoError(t, err)

	cipher, err := EncryptString("smtp-password-123", key)
	require.NoError(t, err)
	assert.NotContains(t, cipher, "smtp-password-123")

	plain, err := DecryptFromHexString(cipher, key)
	require.NoError(t, err)
	assert.Equal(t, "smtp-password-123", plain)

	// Nonce is random, so encrypting twice yields distinct ciphertexts.
	cipher2, err := EncryptString("smtp-password-123", key)
	require.NoError(t, err)
	assert.NotEqual(t, cipher, cipher2)
}

func TestDecryptFromHexStringRejectsBadInput(t *testing.T) {
	key, err := ParseKey(testKeyHex)
	require.NoError(t, err)

	_, err = DecryptFromHexString("", key)
	assert.Error(t, err)

	_, err = DecryptFromHexString("not-hex", key)
	assert.Error(t, err)

	_, err = DecryptFromHexString("abcd", key)
	assert.Error(t, err)

	// Valid ciphertext under a different key must not decrypt.
	cipher, err := EncryptString("secret", key)
	require.NoError(t, err)
	otherKey, err := ParseKey(strings.Repeat("ff", KeySize))
	require.NoError(t, err)
	_, err = DecryptFromHexString(cipher, otherKey)
	assert.Error(t, err)
}

func TestComputeAndVerifyHMAC(t *testing.T) {
	body := []byte(`1700000000.{"id":"evt_1"}`)
	sig := ComputeHMAC256(body, "whsec_test")

	assert.Len(t, sig, 64)
	assert.True(t, VerifyHMAC("whsec_test", body, sig))
	assert.False(t, VerifyHMAC("whsec_other", body, sig))
	assert.False(t, VerifyHMAC("whsec_test", []byte("tampered"), sig))
}

func TestHashToken(t *testing.T) {
	hash := HashToken("sl_abc123")
	assert.Len(t, hash, 64)
	assert.Equal(t, hash, HashToken("sl_abc123"))
	assert.NotEqual(t, hash, HashToken("sl_abc124"))
}

func TestGenerateSecret(t *testing.T) {
	a, err := GenerateSecret(32)
	require.NoError(t, err)
	b, err := GenerateSecret(32)
	require.NoError(t, err)

	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
}
