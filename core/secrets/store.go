// Package secrets keeps provider API keys encrypted at rest. Keys live in a
// single AES-GCM sealed file under the state directory, with the cipher key
// derived from a machine-local salt. Environment variables still win at
// startup so nothing here is required for headless use.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/crypto/argon2"

	"github.com/satchel-app/satchel/core/errors"
)

const (
	fileName = "keys.enc"
	saltName = ".keys.salt"
	saltLen  = 32
)

// Store reads and writes the sealed key file. Safe for concurrent use.
type Store struct {
	path string
	key  []byte
	mu   sync.RWMutex
}

// Open prepares a store rooted at dir, creating the salt on first use.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrap(errors.KindConfiguration, "create secrets dir", err)
	}
	salt, err := loadOrCreateSalt(filepath.Join(dir, saltName))
	if err != nil {
		return nil, err
	}
	key := argon2.IDKey(salt, salt, 1, 64*1024, 4, 32)
	return &Store{path: filepath.Join(dir, fileName), key: key}, nil
}

// Get returns the stored key for a provider.
func (s *Store) Get(provider string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := s.load()
	if err != nil {
		return "", err
	}
	value, ok := entries[provider]
	if !ok {
		return "", errors.NotFound("no key stored for provider %q", provider)
	}
	return value, nil
}

// Set stores or replaces the key for a provider.
func (s *Store) Set(provider, value string) error {
	if provider == "" || value == "" {
		return errors.InvalidArgument("provider and value are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return err
	}
	entries[provider] = value
	return s.save(entries)
}

// Delete removes the key for a provider. Missing keys are not an error.
func (s *Store) Delete(provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return err
	}
	delete(entries, provider)
	return s.save(entries)
}

// Providers lists the providers with a stored key, sorted.
func (s *Store) Providers() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := s.load()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) load() (map[string]string, error) {
	sealed, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindConfiguration, "read key file", err)
	}
	plain, err := s.open(sealed)
	if err != nil {
		return nil, errors.Wrap(errors.KindConfiguration, "unseal key file", err)
	}
	var entries map[string]string
	if err := json.Unmarshal(plain, &entries); err != nil {
		return nil, errors.Wrap(errors.KindConfiguration, "decode key file", err)
	}
	if entries == nil {
		entries = map[string]string{}
	}
	return entries, nil
}

func (s *Store) save(entries map[string]string) error {
	plain, err := json.Marshal(entries)
	if err != nil {
		return errors.Wrap(errors.KindConfiguration, "encode key file", err)
	}
	sealed, err := s.seal(plain)
	if err != nil {
		return errors.Wrap(errors.KindConfiguration, "seal key file", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0o600); err != nil {
		return errors.Wrap(errors.KindConfiguration, "write key file", err)
	}
	return os.Rename(tmp, s.path)
}

func (s *Store) seal(plain []byte) ([]byte, error) {
	gcm, err := s.gcm()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plain, nil), nil
}

func (s *Store) open(sealed []byte) ([]byte, error) {
	gcm, err := s.gcm()
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, errors.InvalidArgument("key file too short")
	}
	nonce, body := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	return gcm.Open(nil, nonce, body, nil)
}

func (s *Store) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func loadOrCreateSalt(path string) ([]byte, error) {
	salt, err := os.ReadFile(path)
	if err == nil && len(salt) == saltLen {
		return salt, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(errors.KindConfiguration, "read salt", err)
	}
	salt = make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, errors.Wrap(errors.KindConfiguration, "generate salt", err)
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, errors.Wrap(errors.KindConfiguration, "write salt", err)
	}
	return salt, nil
}
