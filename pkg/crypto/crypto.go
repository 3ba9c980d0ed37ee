package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// KeySize is the required AES-256 key length in bytes. The operator supplies
// the key as a 64-character hex string.
const KeySize = 32

// ParseKey decodes a 64-character hex string into a 32-byte AES key.
func ParseKey(hexKey string) ([]byte, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("ParseKey decode error: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("ParseKey: key must be %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}

func ComputeHMAC256(toSign []byte, secretKey string) string {
	h := hmac.New(sha256.New, []byte(secretKey))
	h.Write(toSign)
	return fmt.Sprintf("%x", h.Sum(nil))
}

// VerifyHMAC compares the expected signature of toSign against providedSign
// in constant time.
func VerifyHMAC(secretKey string, toSign []byte, providedSign string) bool {
	signed := ComputeHMAC256(toSign, secretKey)
	return hmac.Equal([]byte(signed), []byte(providedSign))
}

func Sha256Hash(str string) []byte {
	hash := sha256.Sum256([]byte(str))
	return hash[:]
}

// HashToken returns the hex SHA-256 digest of a token. API keys are stored
// as this digest, never in plaintext.
func HashToken(token string) string {
	return hex.EncodeToString(Sha256Hash(token))
}

// EncryptString encrypts str with AES-256-GCM under key and returns the
// nonce-prefixed ciphertext as a hex string.
func EncryptString(str string, key []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("EncryptString error: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("EncryptString error: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("EncryptString reader error: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(str), nil)

	return fmt.Sprintf("%x", ciphertext), nil
}

func Decrypt(data []byte, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("Decrypt new cipher error: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("Decrypt new gcm error: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, fmt.Errorf("Decrypt: ciphertext shorter than nonce")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("Decrypt open gcm error: %w", err)
	}

	return plaintext, nil
}

func DecryptFromHexString(str string, key []byte) (string, error) {
	if str == "" {
		return "", fmt.Errorf("DecryptFromHexString empty string")
	}

	data, err := hex.DecodeString(str)
	if err != nil {
		return "", fmt.Errorf("DecryptFromHexString decode error: %w", err)
	}

	decodedBytes, errDec := Decrypt(data, key)
	if errDec != nil {
		return "", fmt.Errorf("DecryptFromHexString decrypt error: %w", errDec)
	}

	return string(decodedBytes), nil
}

// GenerateSecret returns a random hex secret of n bytes, used for webhook
// signing secrets and API keys.
func GenerateSecret(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("GenerateSecret reader error: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
