package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/taniwha3/tidemeter/internal/models"
)

// ErrTokenUnreadable is returned when a sealed token cannot be opened,
// usually because the device fingerprint changed
var ErrTokenUnreadable = errors.New("sealed token unreadable")

const (
	saltSize = 16
	keyInfo  = "tidemeter device token v1"
)

// TokenStore persists the device token between restarts
type TokenStore interface {
	Load() (*models.DeviceToken, error) // nil, nil when nothing is stored
	Save(t *models.DeviceToken) error
}

// Fingerprinter returns a stable identifier for the host
type Fingerprinter interface {
	Fingerprint(ctx context.Context) (string, error)
}

// SealedFileStore keeps the token in a file encrypted with XChaCha20-Poly1305.
// The key is derived with HKDF-SHA256 from the device fingerprint and a per-install salt.
// File layout: salt || nonce || ciphertext.
type SealedFileStore struct {
	path        string
	fingerprint string
}

// NewSealedFileStore creates a store at path bound to fingerprint
func NewSealedFileStore(path, fingerprint string) *SealedFileStore {
	return &SealedFileStore{path: path, fingerprint: fingerprint}
}

func (s *SealedFileStore) key(salt []byte) ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, []byte(s.fingerprint), salt, []byte(keyInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}

// Load opens the sealed token. A missing file is not an error.
func (s *SealedFileStore) Load() (*models.DeviceToken, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}
	if len(data) < saltSize+chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("%w: file too short", ErrTokenUnreadable)
	}

	salt := data[:saltSize]
	nonce := data[saltSize : saltSize+chacha20poly1305.NonceSizeX]
	sealed := data[saltSize+chacha20poly1305.NonceSizeX:]

	key, err := s.key(salt)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, nonce, sealed, []byte(s.fingerprint))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenUnreadable, err)
	}

	var t models.DeviceToken
	if err := json.Unmarshal(plain, &t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenUnreadable, err)
	}
	return &t, nil
}

// Save seals t and atomically replaces the file with mode 0600.
// The salt of an existing file is reused.
func (s *SealedFileStore) Save(t *models.DeviceToken) error {
	salt := make([]byte, saltSize)
	if old, err := os.ReadFile(s.path); err == nil && len(old) >= saltSize {
		copy(salt, old[:saltSize])
	} else if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}

	key, err := s.key(salt)
	if err != nil {
		return err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return err
	}

	plain, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode token: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, saltSize+len(nonce)+len(plain)+aead.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, plain, []byte(s.fingerprint))

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace token file: %w", err)
	}
	return nil
}

// MemoryStore is a TokenStore that keeps the token in memory
type MemoryStore struct {
	token *models.DeviceToken
}

func (m *MemoryStore) Load() (*models.DeviceToken, error) {
	return m.token, nil
}

func (m *MemoryStore) Save(t *models.DeviceToken) error {
	m.token = t
	return nil
}
