// Package crypto is the Crypto component (spec.md §4.1): key generation,
// proxy password hashing, and derivation of shareable connection URIs/QR
// artifacts for every protocol this system issues credentials for.
package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/cuemby/vpnforge/pkg/apperr"
	"github.com/cuemby/vpnforge/pkg/types"
	"github.com/google/uuid"
	"golang.org/x/crypto/curve25519"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// Config tunes Argon2id cost parameters for hash_proxy_password. Defaults
// follow the argon2 package's own reference recommendations for interactive
// login verification.
type Config struct {
	Memory      uint32 // KiB
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultConfig returns interactive-login-appropriate Argon2id parameters.
func DefaultConfig() Config {
	return Config{
		Memory:      64 * 1024,
		Iterations:  3,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
	}
}

// NewUUID returns a random UUIDv4 string.
func NewUUID() string {
	return uuid.NewString()
}

// GenX25519 generates an X25519 keypair for VLESS+Reality, returning both
// halves as URL-safe, unpadded base64 the way xray-core's own key tooling does.
func GenX25519() (privB64, pubB64 string, err error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return "", "", apperr.Wrap(apperr.KindRngFailure, "Crypto", fmt.Errorf("read random bytes: %w", err))
	}
	// Clamp per RFC 7748 so the scalar is a valid X25519 private key.
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return "", "", apperr.Wrap(apperr.KindRngFailure, "Crypto", fmt.Errorf("derive public key: %w", err))
	}

	enc := base64.RawURLEncoding
	return enc.EncodeToString(priv[:]), enc.EncodeToString(pub), nil
}

// GenShortID generates a Reality short ID: lenBytes of CSPRNG output, hex
// encoded. lenBytes must be 4..16 per spec.md §4.1.
func GenShortID(lenBytes int) (string, error) {
	if lenBytes < 4 || lenBytes > 16 {
		return "", apperr.New(apperr.KindInvalidInput, "Crypto", "short id length %d out of range [4,16]", lenBytes)
	}
	buf := make([]byte, lenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", apperr.Wrap(apperr.KindRngFailure, "Crypto", err)
	}
	return hex.EncodeToString(buf), nil
}

// GenShadowsocksPassword generates key material for method. All AEAD
// ciphers in the supported set use 32 random bytes regardless of their
// actual key size; the protocol adapter truncates/derives as the cipher
// requires. Legacy stream ciphers are not in types.ShadowsocksCipher's
// enumeration, so any value outside it is rejected here.
func GenShadowsocksPassword(method types.ShadowsocksCipher) ([]byte, error) {
	switch method {
	case types.CipherAES128GCM, types.CipherAES256GCM, types.CipherChaCha20Poly1305:
	default:
		return nil, apperr.New(apperr.KindUnsupportedCipher, "Crypto", "unsupported shadowsocks cipher %q", method)
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, apperr.Wrap(apperr.KindRngFailure, "Crypto", err)
	}
	return buf, nil
}

// GenWireguardKeypair generates a WireGuard static keypair via wgctrl's
// wgtypes, the same call the teacher's poc/wireguard tool used to bring up
// a test interface.
func GenWireguardKeypair() (privateKey, publicKey string, err error) {
	key, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return "", "", apperr.Wrap(apperr.KindRngFailure, "Crypto", fmt.Errorf("generate wireguard key: %w", err))
	}
	return key.String(), key.PublicKey().String(), nil
}

// GenPresharedKey generates a WireGuard preshared key.
func GenPresharedKey() (string, error) {
	key, err := wgtypes.GenerateKey()
	if err != nil {
		return "", apperr.Wrap(apperr.KindRngFailure, "Crypto", fmt.Errorf("generate preshared key: %w", err))
	}
	return key.String(), nil
}
