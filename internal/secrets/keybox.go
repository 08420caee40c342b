// Package secrets encrypts sub-provider API keys at rest.
//
// Layout: "v1:" + b64(encrypted data key) + ":" + b64(iv) + ":" + b64(ciphertext).
// Each key is sealed with its own random 256-bit data key (AES-256-CBC,
// PKCS#7); the data key is itself sealed under the master key. Rotating the
// master key therefore only re-encrypts the small data-key blobs.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const versionPrefix = "v1"

var b64 = base64.StdEncoding

var (
	ErrMalformed = errors.New("secrets: malformed ciphertext")
	ErrBadKey    = errors.New("secrets: decryption failed")
)

// Keybox seals and opens API keys under a master key.
type Keybox struct {
	kek [32]byte
}

// New derives the key-encryption key from the master seed.
func New(masterKey string) (*Keybox, error) {
	if masterKey == "" {
		return nil, errors.New("secrets: master key is empty")
	}
	return &Keybox{kek: sha256.Sum256([]byte(masterKey))}, nil
}

// Encrypt seals a plaintext API key.
func (k *Keybox) Encrypt(plaintext string) (string, error) {
	dataKey := make([]byte, 32)
	if _, err := rand.Read(dataKey); err != nil {
		return "", fmt.Errorf("secrets: generate data key: %w", err)
	}

	sealedKey, err := cbcSeal(k.kek[:], dataKey)
	if err != nil {
		return "", err
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("secrets: generate iv: %w", err)
	}
	ct, err := cbcEncrypt(dataKey, iv, []byte(plaintext))
	if err != nil {
		return "", err
	}

	return strings.Join([]string{
		versionPrefix,
		b64.EncodeToString(sealedKey),
		b64.EncodeToString(iv),
		b64.EncodeToString(ct),
	}, ":"), nil
}

// Decrypt opens a sealed API key.
func (k *Keybox) Decrypt(sealed string) (string, error) {
	parts := strings.Split(sealed, ":")
	if len(parts) != 4 || parts[0] != versionPrefix {
		return "", ErrMalformed
	}

	sealedKey, err := b64.DecodeString(parts[1])
	if err != nil {
		return "", ErrMalformed
	}
	iv, err := b64.DecodeString(parts[2])
	if err != nil {
		return "", ErrMalformed
	}
	ct, err := b64.DecodeString(parts[3])
	if err != nil {
		return "", ErrMalformed
	}
	if len(iv) != aes.BlockSize {
		return "", ErrMalformed
	}

	dataKey, err := cbcOpen(k.kek[:], sealedKey)
	if err != nil {
		return "", ErrBadKey
	}
	if len(dataKey) != 32 {
		return "", ErrBadKey
	}
	plain, err := cbcDecrypt(dataKey, iv, ct)
	if err != nil {
		return "", ErrBadKey
	}
	return string(plain), nil
}

// cbcSeal encrypts payload under key with a fresh IV, returning iv||ciphertext.
func cbcSeal(key, payload []byte) ([]byte, error) {
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("secrets: generate iv: %w", err)
	}
	ct, err := cbcEncrypt(key, iv, payload)
	if err != nil {
		return nil, err
	}
	return append(iv, ct...), nil
}

// cbcOpen reverses cbcSeal.
func cbcOpen(key, blob []byte) ([]byte, error) {
	if len(blob) < aes.BlockSize {
		return nil, ErrMalformed
	}
	return cbcDecrypt(key, blob[:aes.BlockSize], blob[aes.BlockSize:])
}

func cbcEncrypt(key, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secrets: %w", err)
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)
	return ct, nil
}

func cbcDecrypt(key, iv, ct []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secrets: %w", err)
	}
	if len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return nil, ErrMalformed
	}
	plain := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ct)
	return pkcs7Unpad(plain, aes.BlockSize)
}

func pkcs7Pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	padded := make([]byte, len(b)+n)
	copy(padded, b)
	for i := len(b); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

func pkcs7Unpad(b []byte, blockSize int) ([]byte, error) {
	if len(b) == 0 || len(b)%blockSize != 0 {
		return nil, ErrMalformed
	}
	n := int(b[len(b)-1])
	if n == 0 || n > blockSize || n > len(b) {
		return nil, ErrBadKey
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, ErrBadKey
		}
	}
	return b[:len(b)-n], nil
}
