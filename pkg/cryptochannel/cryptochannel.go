// Package cryptochannel implements the key agreement and authenticated
// encryption used by tunnel connections: an ephemeral ECDH P-384 key pair,
// an HKDF-SHA256 derived AES-256-GCM key and base64 envelopes carrying the
// ciphertext together with its nonce.
package cryptochannel

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	KeySize   = 32
	NonceSize = 12
)

var hkdfInfo = []byte("eterlink tunnel v1")

var (
	ErrInvalidPublicKey = errors.New("invalid remote public key")
	ErrDecrypt          = errors.New("decryption failed")
)

// Envelope is the wire form of one encrypted message.
type Envelope struct {
	Data string `json:"data"`
	IV   string `json:"iv"`
}

// KeyPair is an ephemeral P-384 key pair. A new one is generated for every
// tunnel connection.
type KeyPair struct {
	private *ecdh.PrivateKey
}

func GenerateKeyPair() (*KeyPair, error) {
	private, err := ecdh.P384().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating P-384 key: %w", err)
	}
	return &KeyPair{private: private}, nil
}

// PublicKey returns the exported public key sent in KEY frames.
func (k *KeyPair) PublicKey() string {
	return base64.StdEncoding.EncodeToString(k.private.PublicKey().Bytes())
}

// Derive agrees a shared secret with the remote public key and expands it into
// the symmetric cipher both sides share.
func (k *KeyPair) Derive(remotePublicKey string) (*Cipher, error) {
	raw, err := base64.StdEncoding.DecodeString(remotePublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	remote, err := ecdh.P384().NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}

	shared, err := k.private.ECDH(remote)
	if err != nil {
		return nil, fmt.Errorf("ECDH agreement failed: %w", err)
	}

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, hkdfInfo), key); err != nil {
		return nil, fmt.Errorf("HKDF key derivation failed: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Cipher is the derived AES-256-GCM key. It is safe for concurrent use.
type Cipher struct {
	aead cipher.AEAD
}

// Seal encrypts plaintext under a fresh random nonce.
func (c *Cipher) Seal(plaintext []byte) (Envelope, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return Envelope{}, fmt.Errorf("generating random nonce: %w", err)
	}
	ciphertext := c.aead.Seal(nil, nonce, plaintext, nil)
	return Envelope{
		Data: base64.StdEncoding.EncodeToString(ciphertext),
		IV:   base64.StdEncoding.EncodeToString(nonce),
	}, nil
}

// Open authenticates and decrypts an envelope produced by the peer's Seal.
func (c *Cipher) Open(env Envelope) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: data: %v", ErrDecrypt, err)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return nil, fmt.Errorf("%w: iv: %v", ErrDecrypt, err)
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: nonce is %d bytes", ErrDecrypt, len(nonce))
	}
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plaintext, nil
}
