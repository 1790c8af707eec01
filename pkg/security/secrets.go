// Package security provides at-rest encryption for protocol key material
// (Reality private keys, WireGuard private keys, Shadowsocks passwords)
// before ServerKeys/ProtocolBinding values reach bbolt.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
)

// SecretsManager encrypts and decrypts secret material with AES-256-GCM.
type SecretsManager struct {
	encryptionKey []byte // 32 bytes for AES-256
}

// NewSecretsManager builds a SecretsManager from a 32-byte AES-256 key.
func NewSecretsManager(key []byte) (*SecretsManager, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes for AES-256, got %d", len(key))
	}
	return &SecretsManager{encryptionKey: key}, nil
}

// NewSecretsManagerFromPassword derives a key from an operator-supplied
// master password (set via VPN_MASTER_PASSWORD) using SHA-256.
func NewSecretsManagerFromPassword(password string) (*SecretsManager, error) {
	if password == "" {
		return nil, fmt.Errorf("password cannot be empty")
	}
	hash := sha256.Sum256([]byte(password))
	return NewSecretsManager(hash[:])
}

// Key returns the 32-byte key this SecretsManager was built with, so
// cmd/vpnforge can install an operator-supplied master password as the
// process-wide instance key via SetInstanceEncryptionKey.
func (sm *SecretsManager) Key() []byte { return sm.encryptionKey }

// EncryptSecret encrypts plaintext with AES-256-GCM, prepending the nonce.
func (sm *SecretsManager) EncryptSecret(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("cannot encrypt empty data")
	}
	block, err := aes.NewCipher(sm.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// DecryptSecret reverses EncryptSecret.
func (sm *SecretsManager) DecryptSecret(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("cannot decrypt empty data")
	}
	block, err := aes.NewCipher(sm.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// DeriveKeyFromInstanceID derives a stable 32-byte key from this
// installation's instance ID, used when no master password is configured.
func DeriveKeyFromInstanceID(instanceID string) []byte {
	hash := sha256.Sum256([]byte(instanceID))
	return hash[:]
}

// instanceEncryptionKey is the process-wide key set once at startup by
// cmd/vpnforge after resolving the configured master password or instance ID.
var instanceEncryptionKey []byte

// SetInstanceEncryptionKey installs the process-wide encryption key.
func SetInstanceEncryptionKey(key []byte) error {
	if len(key) != 32 {
		return fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}
	instanceEncryptionKey = key
	return nil
}

// Encrypt encrypts data with the process-wide instance key. Used by
// pkg/storage to seal ServerKeys/ProtocolBinding secret fields before they
// are marshaled into a bbolt row.
func Encrypt(plaintext []byte) ([]byte, error) {
	if len(instanceEncryptionKey) == 0 {
		return nil, fmt.Errorf("instance encryption key not set")
	}
	sm, err := NewSecretsManager(instanceEncryptionKey)
	if err != nil {
		return nil, err
	}
	return sm.EncryptSecret(plaintext)
}

// Decrypt reverses Encrypt using the process-wide instance key.
func Decrypt(ciphertext []byte) ([]byte, error) {
	if len(instanceEncryptionKey) == 0 {
		return nil, fmt.Errorf("instance encryption key not set")
	}
	sm, err := NewSecretsManager(instanceEncryptionKey)
	if err != nil {
		return nil, err
	}
	return sm.DecryptSecret(ciphertext)
}
