// Package crypto provides field-level encryption for persisted profile data
// per spec §6: AES-256-CBC with a 16-byte IV prepended to the ciphertext,
// keyed by a secret passed through scrypt with a fixed salt. This mirrors
// the source behaviour flagged in spec §9 — a static salt and no
// authentication tag — deliberately, not silently "fixed".
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"
)

// scryptSalt is fixed, reproducing the flagged-not-fixed source behaviour.
var scryptSalt = []byte("salt")

const (
	scryptN      = 32768
	scryptR      = 8
	scryptP      = 1
	keyLen       = 32 // AES-256
	blockSize    = aes.BlockSize
)

// Cipher encrypts and decrypts fields with a key derived once from secret.
type Cipher struct {
	key []byte
}

// New derives a Cipher's key from secret via scrypt. secret is the process's
// FIELD_ENCRYPTION_SECRET; an empty secret is accepted (derives a key from
// the empty string) so the zero-value config still produces a usable,
// if insecure, Cipher in development.
func New(secret string) (*Cipher, error) {
	key, err := scrypt.Key([]byte(secret), scryptSalt, scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return &Cipher{key: key}, nil
}

// Encrypt PKCS7-pads plaintext, encrypts it under AES-256-CBC with a random
// IV, and returns base64(iv || ciphertext).
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", err
	}

	padded := pkcs7Pad([]byte(plaintext), blockSize)

	out := make([]byte, blockSize+len(padded))
	iv := out[:blockSize]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", err
	}

	mode := cipher.NewCBCEncrypter(block, iv)
	mode.CryptBlocks(out[blockSize:], padded)

	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. It does not verify integrity — there is no
// authentication tag in this scheme (see the package doc comment) — so
// corrupted or tampered input can decrypt to garbage rather than erroring.
func (c *Cipher) Decrypt(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	if len(raw) < blockSize || (len(raw)-blockSize)%blockSize != 0 {
		return "", errors.New("crypto: ciphertext has invalid length")
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", err
	}

	iv := raw[:blockSize]
	ciphertext := raw[blockSize:]
	plaintext := make([]byte, len(ciphertext))

	mode := cipher.NewCBCDecrypter(block, iv)
	mode.CryptBlocks(plaintext, ciphertext)

	return string(pkcs7Unpad(plaintext)), nil
}

func pkcs7Pad(data []byte, size int) []byte {
	padLen := size - len(data)%size
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(data, padding...)
}

func pkcs7Unpad(data []byte) []byte {
	if len(data) == 0 {
		return data
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return data
	}
	return data[:len(data)-padLen]
}
