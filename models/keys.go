package models

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/curve25519"
)

const KeyLen = 32

// Key is a raw 32 byte WireGuard key. A nil Key means "absent".
type Key []byte

func (k Key) String() string {
	if len(k) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(k)
}

func (k Key) Equal(o Key) bool {
	return len(k) == len(o) && subtle.ConstantTimeCompare(k, o) == 1
}

func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Key) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*k = nil
		return nil
	}
	parsed, err := ParseKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseKey decodes a base64 WireGuard key.
func ParseKey(s string) (Key, error) {
	buf, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("key is not valid base64: %w", err)
	}
	if len(buf) != KeyLen {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeyLen, len(buf))
	}
	return Key(buf), nil
}

// clamp applies the X25519 private scalar clamping.
func clamp(k []byte) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}

// NewPrivateKey returns a clamped random X25519 private key.
func NewPrivateKey() (Key, error) {
	k := make([]byte, KeyLen)
	if _, err := rand.Read(k); err != nil {
		return nil, fmt.Errorf("reading random bytes: %w", err)
	}
	clamp(k)
	return Key(k), nil
}

// NewPresharedKey returns 32 random bytes; preshared keys are not clamped.
func NewPresharedKey() (Key, error) {
	k := make([]byte, KeyLen)
	if _, err := rand.Read(k); err != nil {
		return nil, fmt.Errorf("reading random bytes: %w", err)
	}
	return Key(k), nil
}

// PublicKey derives the X25519 public key of a private key.
func (k Key) PublicKey() (Key, error) {
	if len(k) != KeyLen {
		return nil, fmt.Errorf("private key must be %d bytes", KeyLen)
	}
	pub, err := curve25519.X25519(k, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	return Key(pub), nil
}

// GenerateKeyPair returns a fresh private key and its public key.
func GenerateKeyPair() (priv Key, pub Key, err error) {
	if priv, err = NewPrivateKey(); err != nil {
		return nil, nil, err
	}
	if pub, err = priv.PublicKey(); err != nil {
		return nil, nil, err
	}
	return priv, pub, nil
}
