package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/crypto/hkdf"
)

const (
	// KeyFileName holds the per-install sealing key material. It lives next
	// to the database so copying the data dir keeps sealed values readable.
	KeyFileName = ".store-key"

	privateFilePerm    = 0o600
	maxKeyFileSize     = 4096
	sealingKeyInfo     = "ledgerdesk-store-v1"
	sealingKeySize     = 32
	sealedValuePrefix  = "sealed:"
	generatedKeyLength = 32
)

var (
	errUnsafeKeyPath  = errors.New("unsafe store key path")
	errInvalidKeyFile = errors.New("invalid store key file")
	ErrSealedValue    = errors.New("sealed value could not be opened")
)

func isMissingPathError(err error) bool {
	return errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}

// Sealer encrypts values with AES-GCM under a key derived from the install's
// key file.
type Sealer struct {
	aead cipher.AEAD
}

// LoadSealer reads the key file in dir, creating it on first use.
func LoadSealer(dir string) (*Sealer, error) {
	material, err := ensureKeyMaterial(dir)
	if err != nil {
		return nil, err
	}
	return NewSealer(material)
}

// NewSealer derives the AES key from material with HKDF-SHA256.
func NewSealer(material []byte) (*Sealer, error) {
	if len(material) == 0 {
		return nil, fmt.Errorf("%w: empty key material", errInvalidKeyFile)
	}

	key := make([]byte, sealingKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, material, nil, []byte(sealingKeyInfo)), key); err != nil {
		return nil, fmt.Errorf("derive sealing key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Sealer{aead: gcm}, nil
}

// Seal encrypts plaintext and returns a printable value.
func (s *Sealer) Seal(plaintext string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	ciphertext := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedValuePrefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Open reverses Seal.
func (s *Sealer) Open(value string) (string, error) {
	encoded, ok := strings.CutPrefix(value, sealedValuePrefix)
	if !ok {
		return "", fmt.Errorf("%w: missing prefix", ErrSealedValue)
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSealedValue, err)
	}
	if len(data) < s.aead.NonceSize() {
		return "", fmt.Errorf("%w: ciphertext too short", ErrSealedValue)
	}
	nonce, ciphertext := data[:s.aead.NonceSize()], data[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSealedValue, err)
	}
	return string(plaintext), nil
}

func ensureKeyMaterial(dir string) ([]byte, error) {
	if err := ensureOwnerOnlyDir(dir); err != nil {
		return nil, fmt.Errorf("secure store dir: %w", err)
	}
	keyPath := filepath.Join(dir, KeyFileName)

	info, err := os.Lstat(keyPath)
	switch {
	case err == nil:
		if info.Mode()&os.ModeSymlink != 0 || !info.Mode().IsRegular() {
			return nil, fmt.Errorf("%w: %q", errUnsafeKeyPath, keyPath)
		}
		if info.Size() > maxKeyFileSize {
			return nil, fmt.Errorf("%w: %q exceeds size limit", errUnsafeKeyPath, keyPath)
		}
		data, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("read store key: %w", err)
		}
		material := strings.TrimSpace(string(data))
		if material == "" {
			return nil, fmt.Errorf("%w: key file is empty", errInvalidKeyFile)
		}
		return []byte(material), nil
	case !isMissingPathError(err):
		return nil, fmt.Errorf("stat store key: %w", err)
	}

	raw := make([]byte, generatedKeyLength)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return nil, fmt.Errorf("generate store key: %w", err)
	}
	material := hex.EncodeToString(raw)
	if err := writeOwnerOnlyFileAtomic(keyPath, []byte(material)); err != nil {
		return nil, fmt.Errorf("write store key: %w", err)
	}
	return []byte(material), nil
}

func writeOwnerOnlyFileAtomic(path string, data []byte) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := tmpFile.Chmod(privateFilePerm); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}

// SealedBackend seals the values of selected keys before they reach inner.
// Other keys pass through untouched.
type SealedBackend struct {
	inner  Backend
	sealer *Sealer
	keys   map[string]struct{}
}

// NewSealedBackend wraps inner so that the listed keys are stored encrypted.
func NewSealedBackend(inner Backend, sealer *Sealer, keys ...string) *SealedBackend {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return &SealedBackend{inner: inner, sealer: sealer, keys: set}
}

func (b *SealedBackend) sealed(key string) bool {
	_, ok := b.keys[key]
	return ok
}

func (b *SealedBackend) Get(key string) (string, bool, error) {
	value, ok, err := b.inner.Get(key)
	if err != nil || !ok || !b.sealed(key) {
		return value, ok, err
	}
	plaintext, err := b.sealer.Open(value)
	if err != nil {
		return "", false, fmt.Errorf("open %s: %w", key, err)
	}
	return plaintext, true, nil
}

func (b *SealedBackend) Set(key, value string) error {
	if !b.sealed(key) {
		return b.inner.Set(key, value)
	}
	sealed, err := b.sealer.Seal(value)
	if err != nil {
		return fmt.Errorf("seal %s: %w", key, err)
	}
	return b.inner.Set(key, sealed)
}

func (b *SealedBackend) Remove(key string) error {
	return b.inner.Remove(key)
}
