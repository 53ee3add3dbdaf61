package seal

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"firestige.xyz/flowcap/internal/core"
)

// KeySize is the AES-256 key length.
const KeySize = 32

// LoadKey resolves a key handle to key material. Supported handles:
//
//	file:/path/to/key   32 raw bytes, or 64 hex characters
//	env:NAME            hex or base64 in the environment variable NAME
//
// Errors never include key bytes and always wrap core.ErrKeyUnavailable.
func LoadKey(handle string) ([]byte, error) {
	scheme, ref, ok := strings.Cut(handle, ":")
	if !ok || ref == "" {
		return nil, fmt.Errorf("key handle %q: %w", redact(handle), core.ErrKeyUnavailable)
	}

	var (
		key []byte
		err error
	)
	switch scheme {
	case "file":
		key, err = keyFromFile(ref)
	case "env":
		key, err = keyFromEnv(ref)
	default:
		err = fmt.Errorf("unknown scheme %q", scheme)
	}
	if err != nil {
		return nil, fmt.Errorf("key handle %s: %w: %v", redact(handle), core.ErrKeyUnavailable, err)
	}
	return key, nil
}

func keyFromFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) == KeySize {
		return data, nil
	}
	return decodeText(string(data))
}

func keyFromEnv(name string) ([]byte, error) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return nil, fmt.Errorf("environment variable %s not set", name)
	}
	return decodeText(v)
}

func decodeText(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if b, err := hex.DecodeString(s); err == nil && len(b) == KeySize {
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil && len(b) == KeySize {
		return b, nil
	}
	return nil, fmt.Errorf("key material is not %d bytes of hex or base64", KeySize)
}

// redact keeps the scheme and reference of a handle, never inline material.
func redact(handle string) string {
	scheme, ref, _ := strings.Cut(handle, ":")
	switch scheme {
	case "file", "env":
		return scheme + ":" + ref
	default:
		return "<redacted>"
	}
}
