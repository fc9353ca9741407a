// Package crypto is the collaborator boundary for message content. The
// messaging core treats content as an opaque string; codecs seal and open
// it at the edges. Key agreement and rotation live outside this module.
package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Codec seals plaintext into the opaque payload carried by a Message and
// opens it back.
type Codec interface {
	Seal(plaintext string) (string, error)
	Open(payload string) (string, error)
}

// PlainCodec passes content through untouched. Used by tests and by
// deployments that terminate encryption elsewhere.
type PlainCodec struct{}

func (PlainCodec) Seal(plaintext string) (string, error) { return plaintext, nil }
func (PlainCodec) Open(payload string) (string, error)   { return payload, nil }

// SecretBoxCodec is authenticated encryption with a shared symmetric key:
// XChaCha20-Poly1305 with a random nonce prepended to the ciphertext,
// base64-encoded for transport as a string payload.
type SecretBoxCodec struct {
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	}
}

// NewSecretBoxCodec builds a codec from a 32-byte key.
func NewSecretBoxCodec(key []byte) (*SecretBoxCodec, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &SecretBoxCodec{aead: aead}, nil
}

func (c *SecretBoxCodec) Seal(plaintext string) (string, error) {
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *SecretBoxCodec) Open(payload string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("payload is not base64: %v", err)
	}
	if len(raw) < chacha20poly1305.NonceSizeX {
		return "", errors.New("payload too short")
	}
	nonce, ciphertext := raw[:chacha20poly1305.NonceSizeX], raw[chacha20poly1305.NonceSizeX:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", errors.New("payload failed authentication")
	}
	return string(plaintext), nil
}
