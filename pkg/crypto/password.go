package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/cuemby/vpnforge/pkg/apperr"
	"golang.org/x/crypto/argon2"
)

// HashProxyPassword produces a self-describing Argon2id verifier string for
// HTTP/SOCKS5 proxy Basic-Auth credentials, in the same
// $argon2id$v=19$m=...,t=...,p=...$salt$hash shape the reference Argon2
// implementations emit.
func HashProxyPassword(plaintext string, cfg Config) (string, error) {
	if plaintext == "" {
		return "", apperr.New(apperr.KindInvalidInput, "Crypto", "password cannot be empty")
	}
	salt := make([]byte, cfg.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", apperr.Wrap(apperr.KindRngFailure, "Crypto", err)
	}
	hash := argon2.IDKey([]byte(plaintext), salt, cfg.Iterations, cfg.Memory, cfg.Parallelism, cfg.KeyLength)

	b64 := base64.RawStdEncoding
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, cfg.Memory, cfg.Iterations, cfg.Parallelism,
		b64.EncodeToString(salt), b64.EncodeToString(hash)), nil
}

// VerifyProxyPassword checks plaintext against a verifier produced by
// HashProxyPassword, in constant time.
func VerifyProxyPassword(plaintext, verifier string) (bool, error) {
	parts := strings.Split(verifier, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false, apperr.New(apperr.KindInvalidInput, "Crypto", "malformed proxy password verifier")
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false, apperr.New(apperr.KindInvalidInput, "Crypto", "malformed verifier version")
	}
	var memory, iterations uint32
	var parallelism uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &parallelism); err != nil {
		return false, apperr.New(apperr.KindInvalidInput, "Crypto", "malformed verifier params")
	}
	b64 := base64.RawStdEncoding
	salt, err := b64.DecodeString(parts[4])
	if err != nil {
		return false, apperr.New(apperr.KindInvalidInput, "Crypto", "malformed verifier salt")
	}
	expected, err := b64.DecodeString(parts[5])
	if err != nil {
		return false, apperr.New(apperr.KindInvalidInput, "Crypto", "malformed verifier hash")
	}

	computed := argon2.IDKey([]byte(plaintext), salt, iterations, memory, parallelism, uint32(len(expected)))
	return subtle.ConstantTimeCompare(computed, expected) == 1, nil
}
