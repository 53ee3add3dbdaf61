package seal

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/flowcap/internal/core"
)

func randomKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestLoadKeyHandles(t *testing.T) {
	key := randomKey(t)
	dir := t.TempDir()

	rawPath := filepath.Join(dir, "raw.key")
	require.NoError(t, os.WriteFile(rawPath, key, 0o600))
	hexPath := filepath.Join(dir, "hex.key")
	require.NoError(t, os.WriteFile(hexPath, []byte(hex.EncodeToString(key)+"\n"), 0o600))

	t.Setenv("FLOWCAP_TEST_KEY_HEX", hex.EncodeToString(key))
	t.Setenv("FLOWCAP_TEST_KEY_B64", base64.StdEncoding.EncodeToString(key))

	for _, handle := range []string{
		"file:" + rawPath,
		"file:" + hexPath,
		"env:FLOWCAP_TEST_KEY_HEX",
		"env:FLOWCAP_TEST_KEY_B64",
	} {
		t.Run(handle, func(t *testing.T) {
			got, err := LoadKey(handle)
			require.NoError(t, err)
			assert.Equal(t, key, got)
		})
	}
}

func TestLoadKeyFailures(t *testing.T) {
	dir := t.TempDir()
	short := filepath.Join(dir, "short.key")
	require.NoError(t, os.WriteFile(short, []byte("tooshort"), 0o600))
	t.Setenv("FLOWCAP_TEST_KEY_BAD", "zz")

	tests := []string{
		"",
		"file:",
		"file:" + filepath.Join(dir, "missing.key"),
		"file:" + short,
		"env:FLOWCAP_TEST_KEY_UNSET",
		"env:FLOWCAP_TEST_KEY_BAD",
		"vault:secret/capture",
		strings.Repeat("ab", KeySize),
	}
	for _, handle := range tests {
		_, err := LoadKey(handle)
		assert.ErrorIs(t, err, core.ErrKeyUnavailable, "handle %q", handle)
	}
}

func TestLoadKeyErrorNeverLeaksMaterial(t *testing.T) {
	inline := hex.EncodeToString(randomKey(t))
	_, err := LoadKey(inline)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), inline)
}

func TestSealOpenRoundTrip(t *testing.T) {
	s, err := NewWithKey(randomKey(t), "env:TEST")
	require.NoError(t, err)

	plain := []byte("GET / HTTP/1.1\r\nHost: example\r\n\r\n")
	var aadBuf [12]byte
	aad := AAD(&aadBuf, 1234567890, uint32(len(plain)))

	dst := make([]byte, len(plain)+Overhead)
	n, err := s.Seal(dst, plain, aad)
	require.NoError(t, err)
	assert.Equal(t, len(plain)+Overhead, n)
	assert.False(t, bytes.Contains(dst, plain), "ciphertext must not contain the plaintext")

	got, err := s.Open(dst[:n], aad)
	require.NoError(t, err)
	assert.Equal(t, plain, got)

	// Tampered ciphertext, wrong metadata
	dst[IVSize] ^= 0xFF
	_, err = s.Open(dst[:n], aad)
	assert.ErrorIs(t, err, core.ErrDecrypt)
	dst[IVSize] ^= 0xFF

	var other [12]byte
	_, err = s.Open(dst[:n], AAD(&other, 1234567891, uint32(len(plain))))
	assert.ErrorIs(t, err, core.ErrDecrypt)
}

func TestSealUsesFreshIV(t *testing.T) {
	s, err := NewWithKey(randomKey(t), "env:TEST")
	require.NoError(t, err)

	plain := []byte("same payload")
	a := make([]byte, len(plain)+Overhead)
	b := make([]byte, len(plain)+Overhead)
	_, err = s.Seal(a, plain, nil)
	require.NoError(t, err)
	_, err = s.Seal(b, plain, nil)
	require.NoError(t, err)

	assert.NotEqual(t, a[:IVSize], b[:IVSize])
	assert.NotEqual(t, a, b)
}

func TestSealShortDestination(t *testing.T) {
	s, err := NewWithKey(randomKey(t), "env:TEST")
	require.NoError(t, err)

	_, err = s.Seal(make([]byte, 10), []byte("payload"), nil)
	assert.ErrorIs(t, err, core.ErrBufferFull)
	_, err = s.Open(make([]byte, 4), nil)
	assert.ErrorIs(t, err, core.ErrDecrypt)
}

func TestNewFromHandle(t *testing.T) {
	t.Setenv("FLOWCAP_TEST_KEY", hex.EncodeToString(randomKey(t)))
	s, err := New("env:FLOWCAP_TEST_KEY")
	require.NoError(t, err)
	assert.Equal(t, "env:FLOWCAP_TEST_KEY", s.Handle())

	_, err = New("env:FLOWCAP_TEST_KEY_MISSING")
	assert.ErrorIs(t, err, core.ErrKeyUnavailable)
}
