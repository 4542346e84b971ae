package storage

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

var ErrSealBroken = errors.New("sealed value could not be opened")

// Sealed encrypts values at rest with XChaCha20-Poly1305. The key name is
// bound as associated data, so a value copied under another key won't open.
type Sealed struct {
	inner Storage
	aead  cipher.AEAD
}

// NewSealed wraps inner with a 32-byte key.
func NewSealed(inner Storage, key []byte) (*Sealed, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("invalid seal key: %v", err)
	}
	return &Sealed{inner: inner, aead: aead}, nil
}

// ParseSealKey decodes a base64 (standard or URL alphabet) 32-byte key.
func ParseSealKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		key, err = base64.URLEncoding.DecodeString(encoded)
	}
	if err != nil {
		return nil, fmt.Errorf("invalid seal key encoding: %v", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("invalid seal key length: want %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return key, nil
}

// NewSealKey returns a fresh random key.
func NewSealKey() []byte {
	key := make([]byte, chacha20poly1305.KeySize)
	rand.Read(key)
	return key
}

func (s *Sealed) seal(key string, value string) string {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(value)+s.aead.Overhead())
	rand.Read(nonce)
	sealed := s.aead.Seal(nonce, nonce, []byte(value), []byte(key))
	return base64.RawURLEncoding.EncodeToString(sealed)
}

func (s *Sealed) open(key string, value string) (string, error) {
	data, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return "", ErrSealBroken
	}
	if len(data) < s.aead.NonceSize() {
		return "", ErrSealBroken
	}
	nonce, ciphertext := data[:s.aead.NonceSize()], data[s.aead.NonceSize():]
	plain, err := s.aead.Open(nil, nonce, ciphertext, []byte(key))
	if err != nil {
		return "", ErrSealBroken
	}
	return string(plain), nil
}

func (s *Sealed) Get(key string) (string, bool, error) {
	value, ok, err := s.inner.Get(key)
	if err != nil || !ok {
		return "", ok, err
	}
	plain, err := s.open(key, value)
	if err != nil {
		return "", false, storageErr("open", key, err)
	}
	return plain, true, nil
}

func (s *Sealed) Set(key string, value string) error {
	return s.inner.Set(key, s.seal(key, value))
}

// CompareAndSwap compares plaintexts. It is atomic only when the inner store
// is a Swapper.
func (s *Sealed) CompareAndSwap(key string, old string, value string) (bool, error) {
	raw, ok, err := s.inner.Get(key)
	if err != nil || !ok {
		return false, err
	}
	plain, err := s.open(key, raw)
	if err != nil {
		return false, storageErr("open", key, err)
	}
	if plain != old {
		return false, nil
	}
	if swapper, ok := s.inner.(Swapper); ok {
		return swapper.CompareAndSwap(key, raw, s.seal(key, value))
	}
	if err := s.inner.Set(key, s.seal(key, value)); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Sealed) Delete(key string) error {
	return s.inner.Delete(key)
}

// Subscribe delivers decrypted changes. Values that fail to open are dropped.
func (s *Sealed) Subscribe(fn func(Change)) func() {
	return s.inner.Subscribe(func(change Change) {
		if change.Present {
			plain, err := s.open(change.Key, change.Value)
			if err != nil {
				return
			}
			change.Value = plain
		}
		fn(change)
	})
}

func (s *Sealed) Close() error {
	return s.inner.Close()
}
