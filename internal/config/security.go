package config

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

	"golang.org/x/crypto/pbkdf2"
)

const (
	keyIterations = 100000
	keyLength     = 32
	saltLength    = 32
)

// encryptedPrefix marks values written by EncryptCredential so that
// hand-edited plaintext credentials still load.
const encryptedPrefix = "enc:"

var errKeyUnavailable = errors.New("encryption key not available")

// SecurityManager encrypts credentials stored in the profile file.
type SecurityManager interface {
	EncryptCredential(plaintext string) (string, error)
	DecryptCredential(ciphertext string) (string, error)
}

// AESSecurityManager uses AES-256-GCM with a key derived by PBKDF2 from a
// per-install salt and a machine-specific passphrase.
type AESSecurityManager struct {
	keyPath   string
	masterKey []byte
}

// NewSecurityManager uses the default key location
// ($XDG_DATA_HOME/agentlink/security/master.key).
func NewSecurityManager() (*AESSecurityManager, error) {
	keyPath, err := defaultKeyPath()
	if err != nil {
		return nil, fmt.Errorf("failed to determine security key path: %w", err)
	}
	return NewSecurityManagerAt(keyPath)
}

// NewSecurityManagerAt loads or creates key material at keyPath.
func NewSecurityManagerAt(keyPath string) (*AESSecurityManager, error) {
	s := &AESSecurityManager{keyPath: keyPath}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create security directory: %w", err)
	}

	salt, err := s.loadSalt()
	if errors.Is(err, os.ErrNotExist) {
		salt, err = s.generateSalt()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize encryption key: %w", err)
	}
	s.masterKey = pbkdf2.Key([]byte(machinePassphrase()), salt, keyIterations, keyLength, sha256.New)
	return s, nil
}

func defaultKeyPath() (string, error) {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "agentlink", "security", "master.key"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to determine home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "agentlink", "security", "master.key"), nil
}

func (s *AESSecurityManager) loadSalt() ([]byte, error) {
	data, err := os.ReadFile(s.keyPath)
	if err != nil {
		return nil, err
	}
	salt, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to decode key material: %w", err)
	}
	return salt, nil
}

func (s *AESSecurityManager) generateSalt() ([]byte, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate random salt: %w", err)
	}
	if err := os.WriteFile(s.keyPath, []byte(hex.EncodeToString(salt)), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write key material: %w", err)
	}
	return salt, nil
}

func machinePassphrase() string {
	hostname, _ := os.Hostname()
	username := os.Getenv("USER")
	if username == "" {
		username = os.Getenv("USERNAME")
	}
	return fmt.Sprintf("agentlink-security-%s-%s", hostname, username)
}

func (s *AESSecurityManager) gcm() (cipher.AEAD, error) {
	if len(s.masterKey) == 0 {
		return nil, errKeyUnavailable
	}
	block, err := aes.NewCipher(s.masterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

func (s *AESSecurityManager) EncryptCredential(plaintext string) (string, error) {
	if strings.HasPrefix(plaintext, encryptedPrefix) {
		return plaintext, nil
	}
	aead, err := s.gcm()
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return encryptedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptCredential reverses EncryptCredential. Values without the
// encrypted prefix are returned unchanged.
func (s *AESSecurityManager) DecryptCredential(ciphertext string) (string, error) {
	encoded, ok := strings.CutPrefix(ciphertext, encryptedPrefix)
	if !ok {
		return ciphertext, nil
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}
	aead, err := s.gcm()
	if err != nil {
		return "", err
	}
	if len(data) < aead.NonceSize() {
		return "", errors.New("ciphertext too short")
	}
	nonce, sealed := data[:aead.NonceSize()], data[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plain), nil
}

// ClearSecurityData wipes the in-memory key and removes the key file.
// Credentials encrypted with the old key can no longer be read.
func (s *AESSecurityManager) ClearSecurityData() error {
	for i := range s.masterKey {
		s.masterKey[i] = 0
	}
	s.masterKey = nil
	if err := os.Remove(s.keyPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove security key file: %w", err)
	}
	return nil
}
