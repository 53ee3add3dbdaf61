// Package integrity verifies detached signatures over driver and firmware
// images before a capture backend loads them.
package integrity

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"firestige.xyz/flowcap/internal/core"
)

const (
	// MinRSABits is the smallest RSA modulus accepted as a trust anchor.
	MinRSABits = 2048

	// TrustAnchorEnv overrides DefaultTrustAnchor.
	TrustAnchorEnv     = "FLOWCAP_TRUST_ANCHOR"
	DefaultTrustAnchor = "/etc/flowcap/trust.pem"

	maxSignatureBytes = 64 << 10
)

// Verifier checks signatures against one trust anchor public key.
type Verifier struct {
	key crypto.PublicKey
}

// NewVerifier parses a PEM encoded PKIX public key (RSA >= 2048 bits or
// Ed25519). A PEM "CERTIFICATE" block is accepted too; its key is used.
func NewVerifier(anchorPEM []byte) (*Verifier, error) {
	block, _ := pem.Decode(anchorPEM)
	if block == nil {
		return nil, fmt.Errorf("trust anchor: no PEM block: %w", core.ErrConfigInvalid)
	}

	var (
		key any
		err error
	)
	switch block.Type {
	case "CERTIFICATE":
		var cert *x509.Certificate
		if cert, err = x509.ParseCertificate(block.Bytes); err == nil {
			key = cert.PublicKey
		}
	case "RSA PUBLIC KEY":
		key, err = x509.ParsePKCS1PublicKey(block.Bytes)
	default:
		key, err = x509.ParsePKIXPublicKey(block.Bytes)
	}
	if err != nil {
		return nil, fmt.Errorf("trust anchor: %w: %v", core.ErrConfigInvalid, err)
	}

	switch k := key.(type) {
	case *rsa.PublicKey:
		if k.N.BitLen() < MinRSABits {
			return nil, fmt.Errorf("trust anchor: RSA key of %d bits, need %d: %w",
				k.N.BitLen(), MinRSABits, core.ErrConfigInvalid)
		}
	case ed25519.PublicKey:
	default:
		return nil, fmt.Errorf("trust anchor: unsupported key type %T: %w", key, core.ErrConfigInvalid)
	}

	return &Verifier{key: key}, nil
}

// LoadVerifier reads the trust anchor at path.
func LoadVerifier(path string) (*Verifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read trust anchor: %w", err)
	}
	return NewVerifier(data)
}

// Verify checks the detached signature at sigPath over the file at
// imagePath. Signatures may be raw or base64. Any mismatch or I/O failure
// wraps core.ErrIntegrity.
func (v *Verifier) Verify(imagePath, sigPath string) error {
	sig, err := readSignature(sigPath)
	if err != nil {
		return fmt.Errorf("%s: %w: %v", sigPath, core.ErrIntegrity, err)
	}

	switch key := v.key.(type) {
	case *rsa.PublicKey:
		digest, err := digestFile(imagePath)
		if err != nil {
			return fmt.Errorf("%s: %w: %v", imagePath, core.ErrIntegrity, err)
		}
		if rsa.VerifyPKCS1v15(key, crypto.SHA256, digest, sig) == nil {
			return nil
		}
		if rsa.VerifyPSS(key, crypto.SHA256, digest, sig, nil) == nil {
			return nil
		}
	case ed25519.PublicKey:
		image, err := os.ReadFile(imagePath)
		if err != nil {
			return fmt.Errorf("%s: %w: %v", imagePath, core.ErrIntegrity, err)
		}
		if ed25519.Verify(key, image, sig) {
			return nil
		}
	}

	return fmt.Errorf("%s: %w", imagePath, core.ErrIntegrity)
}

// VerifyFirmware checks an image against the default trust anchor and
// reports success. Failures are logged, never returned.
func VerifyFirmware(path, sigPath string) bool {
	anchor := os.Getenv(TrustAnchorEnv)
	if anchor == "" {
		anchor = DefaultTrustAnchor
	}

	v, err := LoadVerifier(anchor)
	if err != nil {
		slog.Error("firmware verification unavailable", "trust_anchor", anchor, "error", err)
		return false
	}
	if err := v.Verify(path, sigPath); err != nil {
		slog.Warn("firmware signature rejected", "image", path, "error", err)
		return false
	}
	return true
}

func digestFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

func readSignature(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sig, err := io.ReadAll(io.LimitReader(f, maxSignatureBytes+1))
	if err != nil {
		return nil, err
	}
	if len(sig) > maxSignatureBytes {
		return nil, errors.New("signature file too large")
	}

	// raw (openssl dgst -sign) or base64
	text := strings.TrimSpace(string(sig))
	if decoded, err := base64.StdEncoding.DecodeString(text); err == nil && len(decoded) > 0 {
		return decoded, nil
	}
	return sig, nil
}
