// Package seal encrypts packet slots with AES-256-GCM.
//
// A sealed slot is laid out as IV(12) | ciphertext | tag(16). Every call
// to Seal draws a fresh random IV.
package seal

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"firestige.xyz/flowcap/internal/core"
)

const (
	IVSize  = 12
	TagSize = 16

	// Overhead is the number of bytes Seal adds to a plaintext.
	Overhead = IVSize + TagSize
)

// Sealer holds one AES-256-GCM key.
type Sealer struct {
	aead   cipher.AEAD
	handle string
}

// New loads the key behind handle and prepares the cipher.
func New(handle string) (*Sealer, error) {
	key, err := LoadKey(handle)
	if err != nil {
		return nil, err
	}
	defer clear(key)

	return NewWithKey(key, redact(handle))
}

// NewWithKey builds a sealer from raw key material.
func NewWithKey(key []byte, handle string) (*Sealer, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key of %d bytes: %w", len(key), core.ErrKeyUnavailable)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrKeyUnavailable, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrKeyUnavailable, err)
	}
	return &Sealer{aead: aead, handle: handle}, nil
}

// Handle returns the redacted key handle, safe to log.
func (s *Sealer) Handle() string { return s.handle }

// Seal encrypts plain into dst, which must hold len(plain)+Overhead bytes,
// and returns the number of bytes written. dst and plain must not overlap.
func (s *Sealer) Seal(dst, plain, aad []byte) (int, error) {
	n := len(plain) + Overhead
	if len(dst) < n {
		return 0, fmt.Errorf("seal %d bytes into %d: %w", len(plain), len(dst), core.ErrBufferFull)
	}

	iv := dst[:IVSize]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return 0, fmt.Errorf("draw iv: %w", err)
	}
	s.aead.Seal(dst[IVSize:IVSize], iv, plain, aad)
	return n, nil
}

// Open authenticates and decrypts a sealed slot.
func (s *Sealer) Open(sealed, aad []byte) ([]byte, error) {
	if len(sealed) < Overhead {
		return nil, core.ErrDecrypt
	}
	plain, err := s.aead.Open(nil, sealed[:IVSize], sealed[IVSize:], aad)
	if err != nil {
		return nil, core.ErrDecrypt
	}
	return plain, nil
}

// AAD binds a sealed slot to its capture metadata so a slot cannot be
// replayed under another timestamp or length.
func AAD(buf *[12]byte, timestampNs int64, origLen uint32) []byte {
	binary.BigEndian.PutUint64(buf[0:8], uint64(timestampNs))
	binary.BigEndian.PutUint32(buf[8:12], origLen)
	return buf[:]
}
