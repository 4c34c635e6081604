package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	secretFileSuffix = ".enc"
	secretEnvelope   = "v1:"
	secretCacheTTL   = 5 * time.Minute
)

var ErrCorruptSecret = errors.New("corrupt secret")

// Encryption seals secret values. The name is authenticated with the value,
// so a ciphertext only opens under the name it was sealed for.
type Encryption interface {
	Seal(name string, plaintext []byte) ([]byte, error)
	Open(name string, ciphertext []byte) ([]byte, error)
}

// AESEncryption is AES-256-GCM. Keys that are not 32 bytes are hashed with
// SHA-256 first.
type AESEncryption struct {
	aead cipher.AEAD
}

func NewAESEncryption(key []byte) (*AESEncryption, error) {
	if len(key) == 0 {
		return nil, errors.New("encryption key is required")
	}
	if len(key) != 32 {
		sum := sha256.Sum256(key)
		key = sum[:]
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &AESEncryption{aead: aead}, nil
}

func (e *AESEncryption) Seal(name string, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize(), e.aead.NonceSize()+len(plaintext)+e.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return e.aead.Seal(nonce, nonce, plaintext, []byte(name)), nil
}

func (e *AESEncryption) Open(name string, ciphertext []byte) ([]byte, error) {
	n := e.aead.NonceSize()
	if len(ciphertext) < n+e.aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrCorruptSecret)
	}
	plaintext, err := e.aead.Open(nil, ciphertext[:n], ciphertext[n:], []byte(name))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCorruptSecret, name)
	}
	return plaintext, nil
}

// FileSecretStore keeps one sealed file per secret in a directory. Reads are
// cached for a few minutes.
type FileSecretStore struct {
	dir        string
	encryption Encryption
	logger     Logger
	now        func() time.Time

	mu    sync.RWMutex
	cache map[string]cachedSecret
}

type cachedSecret struct {
	value     string
	expiresAt time.Time
}

func NewFileSecretStore(dir string, encryption Encryption, logger Logger) (*FileSecretStore, error) {
	if encryption == nil {
		return nil, errors.New("file secret store needs an encryption")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create secret directory: %w", err)
	}
	if logger == nil {
		logger = nopLogger{}
	}
	return &FileSecretStore{
		dir:        dir,
		encryption: encryption,
		logger:     logger,
		now:        time.Now,
		cache:      make(map[string]cachedSecret),
	}, nil
}

func (s *FileSecretStore) GetSecret(key string) (string, error) {
	name := secretFileName(key)
	if value, ok := s.cached(name); ok {
		return value, nil
	}

	data, err := os.ReadFile(filepath.Join(s.dir, name+secretFileSuffix))
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, key)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read secret %s: %w", key, err)
	}

	encoded, ok := strings.CutPrefix(strings.TrimSpace(string(data)), secretEnvelope)
	if !ok {
		return "", fmt.Errorf("%w: %s has an unknown format", ErrCorruptSecret, key)
	}
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrCorruptSecret, key, err)
	}
	plaintext, err := s.encryption.Open(name, sealed)
	if err != nil {
		return "", err
	}

	value := string(plaintext)
	s.remember(name, value)
	return value, nil
}

func (s *FileSecretStore) SetSecret(key, value string) error {
	name := secretFileName(key)
	sealed, err := s.encryption.Seal(name, []byte(value))
	if err != nil {
		return fmt.Errorf("failed to seal secret %s: %w", key, err)
	}

	// Write then rename so readers never see a half-written file.
	path := filepath.Join(s.dir, name+secretFileSuffix)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(secretEnvelope+base64.StdEncoding.EncodeToString(sealed)), 0o600); err != nil {
		return fmt.Errorf("failed to write secret %s: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write secret %s: %w", key, err)
	}

	s.remember(name, value)
	s.logger.Debug("secret stored", "key", key)
	return nil
}

func (s *FileSecretStore) DeleteSecret(key string) error {
	name := secretFileName(key)
	err := os.Remove(filepath.Join(s.dir, name+secretFileSuffix))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrSecretNotFound, key)
	}
	if err != nil {
		return fmt.Errorf("failed to delete secret %s: %w", key, err)
	}

	s.mu.Lock()
	delete(s.cache, name)
	s.mu.Unlock()
	return nil
}

// ListSecrets returns the file names of stored secrets, which are the keys
// with path-unsafe characters replaced.
func (s *FileSecretStore) ListSecrets() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list secrets: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if name, ok := strings.CutSuffix(entry.Name(), secretFileSuffix); ok && !entry.IsDir() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *FileSecretStore) cached(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cache[name]
	if !ok || !s.now().Before(c.expiresAt) {
		return "", false
	}
	return c.value, true
}

func (s *FileSecretStore) remember(name, value string) {
	s.mu.Lock()
	s.cache[name] = cachedSecret{value: value, expiresAt: s.now().Add(secretCacheTTL)}
	s.mu.Unlock()
}

// secretFileName keeps letters, digits, dot, dash and underscore and maps
// everything else to an underscore.
func secretFileName(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-', r == '_':
			return r
		}
		return '_'
	}, key)
}
