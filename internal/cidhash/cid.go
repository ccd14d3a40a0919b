// Package cidhash implements the CID and integrity primitives: content
// hashing, constant-time CID verification, and HMAC-tagged state integrity.
// See doc.go for the package-level design rationale.
package cidhash

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrInvalidCID is returned when a string is not 64 lowercase hex characters.
var ErrInvalidCID = errors.New("cidhash: invalid cid format")

// CIDOf returns the canonical CID (64 lowercase hex characters) of b, which
// is the SHA-256 digest of the raw bytes.
func CIDOf(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// VerifyCID reports whether b hashes to cid, using a constant-time compare so
// that verification time does not leak how many leading bytes matched.
func VerifyCID(cid string, b []byte) bool {
	want, err := hex.DecodeString(cid)
	if err != nil || len(want) != sha256.Size {
		return false
	}
	got := sha256.Sum256(b)
	return subtle.ConstantTimeCompare(want, got[:]) == 1
}

// IsValidFormat reports whether s is a syntactically valid CID: exactly 64
// lowercase hex characters. It does not check any blob against it.
func IsValidFormat(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, r := range s {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')) {
			return false
		}
	}
	return true
}

// NormalizeCID lowercases s and validates its format, returning ErrInvalidCID
// if the result is not a valid CID. Authorization records carry contentHash
// values that may arrive upper-case; this is the one place that tolerates
// that before everything downstream treats CIDs as canonical lowercase hex.
func NormalizeCID(s string) (string, error) {
	lower := strings.ToLower(s)
	if !IsValidFormat(lower) {
		return "", ErrInvalidCID
	}
	return lower, nil
}

// Integrity holds a process-wide HMAC key, stable per node and derived from a
// persistent secret, used to tag and verify on-disk state records (replication
// state, and any other structure that must resist tampering by an actor with
// local file access but not the key). It is constructed once at process start
// and passed by value/pointer to every consumer — never read from a package
// global — per the dependency-injection redesign called for by the source
// system's singleton services.
type Integrity struct {
	key []byte
}

// NewIntegrity builds an Integrity primitive from a raw secret. The secret
// should be at least 32 bytes; shorter secrets are still accepted (HMAC
// tolerates arbitrary key length) but weaken the tag.
func NewIntegrity(secret []byte) *Integrity {
	key := make([]byte, len(secret))
	copy(key, secret)
	return &Integrity{key: key}
}

// LoadOrCreateSecret reads a 32-byte node secret from path, generating and
// persisting a fresh random secret on first run. The file is written with
// 0600 permissions since it is effectively a local signing key.
func LoadOrCreateSecret(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err == nil && len(b) >= 32 {
		return b, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("cidhash: read node secret: %w", err)
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("cidhash: generate node secret: %w", err)
	}
	if err := os.WriteFile(path, secret, 0o600); err != nil {
		return nil, fmt.Errorf("cidhash: persist node secret: %w", err)
	}
	return secret, nil
}

// Stamp computes the hex-encoded HMAC-SHA256 over the canonicalized tuple of
// fields, joined with 0x1F (ASCII unit separator) to avoid ambiguous
// concatenation. Fields are not escaped, so the join is unambiguous only for
// field values that do not themselves contain 0x1F.
func (g *Integrity) Stamp(fields ...string) string {
	mac := hmac.New(sha256.New, g.key)
	for i, f := range fields {
		if i > 0 {
			mac.Write([]byte{0x1F})
		}
		mac.Write([]byte(f))
	}
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether stamp is the correct HMAC tag over fields, using a
// constant-time compare.
func (g *Integrity) Verify(stamp string, fields ...string) bool {
	want, err := hex.DecodeString(stamp)
	if err != nil {
		return false
	}
	got := g.Stamp(fields...)
	gotBytes, _ := hex.DecodeString(got)
	return subtle.ConstantTimeCompare(want, gotBytes) == 1
}
