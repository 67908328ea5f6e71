// Package secrets holds the random-material helpers shared by the
// verification methods: seed and code generation, canonicalization of
// user-typed codes, hashing of single-use codes, and derivation of
// session-scoped staging key names.
package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"math/big"
	"strings"
)

// CodeAlphabet excludes 0/O and 1/I so codes survive being read aloud
// or retyped from paper.
const CodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// NewSeed returns n bytes of cryptographically random key material.
func NewSeed(n int) ([]byte, error) {
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// NewCode returns a random code of the given length drawn from CodeAlphabet.
func NewCode(length int) (string, error) {
	var b strings.Builder
	b.Grow(length)
	max := big.NewInt(int64(len(CodeAlphabet)))
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(CodeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// Canonicalize uppercases a submitted code and strips everything that is
// not a letter or digit, so "abcd-efgh" and "ABCD EFGH" compare equal.
func Canonicalize(code string) string {
	var b strings.Builder
	b.Grow(len(code))
	for _, r := range strings.ToUpper(code) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteByte(byte(r))
		}
	}
	return b.String()
}

// Group re-segments a canonical code into dash-separated blocks for display.
func Group(code string, size int) string {
	if size <= 0 || len(code) <= size {
		return code
	}
	var b strings.Builder
	for i := 0; i < len(code); i += size {
		if i > 0 {
			b.WriteByte('-')
		}
		end := i + size
		if end > len(code) {
			end = len(code)
		}
		b.WriteString(code[i:end])
	}
	return b.String()
}

// Hash binds a canonical code to its owner so identical codes issued to
// different users never collide in storage.
func Hash(userID, canonical string) [32]byte {
	data := make([]byte, 0, len(userID)+1+len(canonical))
	data = append(data, userID...)
	data = append(data, 0)
	data = append(data, canonical...)
	return sha256.Sum256(data)
}

// StagingKey derives the transient-store key name for a staged secret from
// the session and user identity. Unrelated sessions hash to distinct names.
func StagingKey(name, sessionID, userID string) string {
	sum := sha256.Sum256([]byte(name + "\x00" + sessionID + "\x00" + userID))
	return name + ":" + base64.RawURLEncoding.EncodeToString(sum[:16])
}
