// Package secrets encrypts small secret values at rest and signs/verifies
// inbound webhook payloads.
package secrets

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/hkdf"
)

// ErrMalformedSecret is returned when a stored ciphertext cannot be decoded
// or decrypted. Callers never receive partial plaintext.
var ErrMalformedSecret = errors.New("secrets: malformed ciphertext")

const (
	keySize = 32 // AES-256
	ivSize  = aes.BlockSize

	// derivationSalt is fixed per product so the key depends only on the
	// deployment fingerprint.
	derivationSalt = "gatekeeper/secret-cipher/v1"
)

// Fingerprint is the deployment-specific material the cipher key is derived
// from. Secrets encrypted under one fingerprint are unreadable under another.
type Fingerprint struct {
	HostID       string
	DatabaseName string
}

// LocalFingerprint builds a Fingerprint from the machine hostname and the
// given database name. hostID overrides the hostname when set (containers
// get a new hostname per start).
func LocalFingerprint(hostID, databaseName string) (Fingerprint, error) {
	if hostID == "" {
		h, err := os.Hostname()
		if err != nil {
			return Fingerprint{}, fmt.Errorf("secrets: read hostname: %w", err)
		}
		hostID = h
	}
	return Fingerprint{HostID: hostID, DatabaseName: databaseName}, nil
}

// DeriveKey turns f into a 32-byte AES key with HKDF-SHA256.
func DeriveKey(f Fingerprint) []byte {
	material := []byte(f.HostID + "\x00" + f.DatabaseName)
	r := hkdf.New(sha256.New, material, []byte(derivationSalt), []byte("aes-256-cbc"))
	key := make([]byte, keySize)
	if _, err := io.ReadFull(r, key); err != nil {
		// hkdf only fails past 255*HashLen bytes of output
		panic(err)
	}
	return key
}

// Cipher performs AES-256-CBC with a random IV per message. Output is
// base64(IV || ciphertext). Safe for concurrent use.
type Cipher struct {
	block cipher.Block
	rand  io.Reader
}

// NewCipher creates a Cipher from a 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("secrets: key must be %d bytes, got %d", keySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secrets: init cipher: %w", err)
	}
	return &Cipher{block: block, rand: rand.Reader}, nil
}

// Encrypt seals plaintext under a fresh IV.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	out := make([]byte, ivSize+len(padded))
	iv := out[:ivSize]
	if _, err := io.ReadFull(c.rand, iv); err != nil {
		return "", fmt.Errorf("secrets: generate iv: %w", err)
	}
	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(out[ivSize:], padded)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt opens a value produced by Encrypt. Any decoding, length or padding
// problem yields ErrMalformedSecret.
func (c *Cipher) Decrypt(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: base64", ErrMalformedSecret)
	}
	if len(raw) < ivSize+aes.BlockSize || (len(raw)-ivSize)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: length %d", ErrMalformedSecret, len(raw))
	}
	iv, body := raw[:ivSize], raw[ivSize:]
	plain := make([]byte, len(body))
	cipher.NewCBCDecrypter(c.block, iv).CryptBlocks(plain, body)
	unpadded, ok := pkcs7Unpad(plain, aes.BlockSize)
	if !ok {
		return "", fmt.Errorf("%w: padding", ErrMalformedSecret)
	}
	return string(unpadded), nil
}

func pkcs7Pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, size int) ([]byte, bool) {
	if len(b) == 0 || len(b)%size != 0 {
		return nil, false
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, false
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, false
		}
	}
	return b[:len(b)-n], true
}
