// Package vault provides at-rest encryption for per-device RouterOS
// credentials. One process-wide AES-256-GCM key is loaded at startup
// from the environment or a secret file, never from checked-in config.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/rosfleet/rosfleet/pkg/errdefs"
	"github.com/rosfleet/rosfleet/pkg/storage"
	"github.com/rosfleet/rosfleet/pkg/types"
)

// Recorder receives audit events for sensitive credential access.
// Implemented by the audit log.
type Recorder interface {
	RecordSensitiveRead(deviceID string, metadata map[string]string)
}

// Vault encrypts and decrypts credential secrets
type Vault struct {
	key      []byte // 32 bytes for AES-256, nil when locked
	store    storage.Store
	recorder Recorder
}

// New creates a vault with the given encryption key.
// The key must be 32 bytes for AES-256-GCM.
func New(key []byte, store storage.Store, recorder Recorder) (*Vault, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes for AES-256, got %d", len(key))
	}
	return &Vault{key: key, store: store, recorder: recorder}, nil
}

// NewFromBase64 creates a vault from a base64-wrapped raw key
func NewFromBase64(encoded string, store storage.Store, recorder Recorder) (*Vault, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encryption key: %w", err)
	}
	return New(key, store, recorder)
}

// NewLocked creates a vault with no key configured. Every operation
// fails with VaultLocked until the service is restarted with a key.
func NewLocked(store storage.Store, recorder Recorder) *Vault {
	return &Vault{store: store, recorder: recorder}
}

// GenerateKey returns a fresh random 32-byte key, base64-wrapped
func GenerateKey() (string, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

func (v *Vault) locked() error {
	if len(v.key) == 0 {
		return errdefs.New(errdefs.CodeVaultLocked, "no encryption key configured")
	}
	return nil
}

// encrypt seals plaintext with AES-256-GCM, nonce prepended
func (v *Vault) encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("cannot encrypt empty data")
	}
	block, err := aes.NewCipher(v.key)
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

// decrypt opens ciphertext produced by encrypt
func (v *Vault) decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("cannot decrypt empty data")
	}
	block, err := aes.NewCipher(v.key)
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

// Store encrypts and persists a credential, replacing any active row
// for the same (device, kind) in the same transaction.
func (v *Vault) Store(deviceID string, kind types.CredentialKind, username, plaintext string) (*types.Credential, error) {
	if err := v.locked(); err != nil {
		return nil, err
	}
	if plaintext == "" {
		return nil, fmt.Errorf("credential secret cannot be empty")
	}

	ciphertext, err := v.encrypt([]byte(plaintext))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt credential: %w", err)
	}

	cred := &types.Credential{
		ID:         uuid.New().String(),
		DeviceID:   deviceID,
		Kind:       kind,
		Username:   username,
		Ciphertext: ciphertext,
		Active:     true,
		CreatedAt:  time.Now(),
	}

	// If an active row exists this is a rotation, kept atomic
	if old, err := v.store.GetActiveCredential(deviceID, kind); err == nil {
		now := time.Now()
		old.Active = false
		old.RotatedAt = &now
		if err := v.store.RotateCredential(old, cred); err != nil {
			return nil, err
		}
		return cred, nil
	}

	if err := v.store.CreateCredential(cred); err != nil {
		return nil, err
	}
	return cred, nil
}

// Retrieve decrypts the active credential for (device, kind). The
// access is audited as READ_SENSITIVE; the plaintext is returned to the
// caller only and never logged.
func (v *Vault) Retrieve(deviceID string, kind types.CredentialKind) (username, plaintext string, err error) {
	if err := v.locked(); err != nil {
		return "", "", err
	}

	cred, err := v.store.GetActiveCredential(deviceID, kind)
	if err != nil {
		return "", "", err
	}

	data, err := v.decrypt(cred.Ciphertext)
	if err != nil {
		return "", "", fmt.Errorf("failed to decrypt credential %s: %w", cred.ID, err)
	}

	if v.recorder != nil {
		v.recorder.RecordSensitiveRead(deviceID, map[string]string{
			"credential_kind": string(kind),
			"credential_id":   cred.ID,
		})
	}

	return cred.Username, string(data), nil
}

// Rotate replaces the active credential for (device, kind) with a new
// secret. The old row is flipped inactive with RotatedAt set and the
// new row inserted in one transaction.
func (v *Vault) Rotate(deviceID string, kind types.CredentialKind, newPlaintext string) (*types.Credential, error) {
	if err := v.locked(); err != nil {
		return nil, err
	}

	old, err := v.store.GetActiveCredential(deviceID, kind)
	if err != nil {
		return nil, err
	}

	ciphertext, err := v.encrypt([]byte(newPlaintext))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt credential: %w", err)
	}

	now := time.Now()
	old.Active = false
	old.RotatedAt = &now

	cred := &types.Credential{
		ID:         uuid.New().String(),
		DeviceID:   deviceID,
		Kind:       kind,
		Username:   old.Username,
		Ciphertext: ciphertext,
		Active:     true,
		CreatedAt:  now,
	}

	if err := v.store.RotateCredential(old, cred); err != nil {
		return nil, err
	}
	return cred, nil
}

// DeactivateAll marks every credential for the device inactive
func (v *Vault) DeactivateAll(deviceID string) error {
	return v.store.DeactivateCredentials(deviceID)
}
