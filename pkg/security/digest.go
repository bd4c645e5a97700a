// Package security verifies downloaded artifacts before they are installed.
package security

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/fleetkit/handoff/pkg/errors"
)

// Verifier compares artifact contents against an expected SHA-256 digest.
type Verifier struct{}

// NewVerifier creates a digest verifier.
func NewVerifier() *Verifier {
	return &Verifier{}
}

// Verify reports whether the file at path matches expected. An empty
// expected digest means verification is disabled and always passes; callers
// are responsible for logging that reduced-trust path.
func (v *Verifier) Verify(path, expected string) (bool, error) {
	if strings.TrimSpace(expected) == "" {
		return true, nil
	}

	want, err := DecodeDigest(expected)
	if err != nil {
		slog.Error("security_digest_invalid", "expected", expected, "error", err)
		return false, err
	}

	got, err := sum(path)
	if err != nil {
		slog.Error("security_digest_failed", "path", path, "error", err)
		return false, err
	}

	if !bytes.Equal(got, want) {
		slog.Error("security_digest_mismatch",
			"path", path,
			"expected", EncodeDigest(want),
			"actual", EncodeDigest(got))
		return false, nil
	}

	slog.Info("security_digest_verified", "path", path, "digest", EncodeDigest(got))
	return true, nil
}

// Digest computes the canonical digest of the file at path: SHA-256,
// URL-safe base64 without padding.
func Digest(path string) (string, error) {
	b, err := sum(path)
	if err != nil {
		return "", err
	}
	return EncodeDigest(b), nil
}

// EncodeDigest renders a raw digest in the canonical encoding.
func EncodeDigest(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeDigest accepts the canonical encoding as well as padded or standard
// base64 and hex, and returns the raw 32 digest bytes.
func DecodeDigest(s string) ([]byte, error) {
	s = strings.TrimSpace(s)

	if len(s) == hex.EncodedLen(sha256.Size) {
		if b, err := hex.DecodeString(strings.ToLower(s)); err == nil {
			return b, nil
		}
	}

	normalized := strings.TrimRight(s, "=")
	normalized = strings.NewReplacer("+", "-", "/", "_").Replace(normalized)
	b, err := base64.RawURLEncoding.DecodeString(normalized)
	if err != nil {
		return nil, errors.Wrap(err, "security: digest is neither base64 nor hex")
	}
	if len(b) != sha256.Size {
		return nil, fmt.Errorf("security: digest has %d bytes, want %d", len(b), sha256.Size)
	}
	return b, nil
}

func sum(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open artifact")
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, errors.Wrap(err, "failed to hash artifact")
	}
	return h.Sum(nil), nil
}
