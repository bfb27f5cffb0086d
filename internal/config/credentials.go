package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nghyane/llm-relay/internal/json"
)

const (
	CredentialsFileName = "credentials.json"
	ManagementKeyLength = 16 // bytes; hex encoded to 32 chars
	CredentialsVersion  = 1

	// ManagementKeyEnv overrides the stored admin key.
	ManagementKeyEnv = "LLM_RELAY_ADMIN_KEY"
)

// Credentials holds the key protecting the admin endpoints.
type Credentials struct {
	ManagementKey string    `json:"management_key"`
	CreatedAt     time.Time `json:"created_at"`
	Version       int       `json:"version"`

	// FromEnv is set when the key came from ManagementKeyEnv.
	FromEnv bool `json:"-"`
}

type cachedCredentials struct {
	path  string
	creds Credentials
}

// Keyed by path so a changed XDG_CONFIG_HOME never serves a stale key.
var credentialCache atomic.Pointer[cachedCredentials]

// CredentialsDir returns $XDG_CONFIG_HOME/llm-relay, or ~/.config/llm-relay.
func CredentialsDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "llm-relay")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "llm-relay")
	}
	return ""
}

func CredentialsFilePath() string {
	if dir := CredentialsDir(); dir != "" {
		return filepath.Join(dir, CredentialsFileName)
	}
	return ""
}

func GenerateManagementKey() (string, error) {
	b := make([]byte, ManagementKeyLength)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate management key: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// LoadCredentials returns the environment key if set, otherwise the stored
// one. A missing or keyless file yields nil, nil.
func LoadCredentials() (*Credentials, error) {
	if key := strings.TrimSpace(os.Getenv(ManagementKeyEnv)); key != "" {
		return &Credentials{ManagementKey: key, Version: CredentialsVersion, FromEnv: true}, nil
	}

	path := CredentialsFilePath()
	if path == "" {
		return nil, nil
	}
	if c := credentialCache.Load(); c != nil && c.path == path {
		creds := c.creds
		return &creds, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) || (err == nil && len(strings.TrimSpace(string(data))) == 0) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	var creds Credentials
	if err = json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if creds.ManagementKey == "" {
		return nil, nil
	}
	credentialCache.Store(&cachedCredentials{path: path, creds: creds})
	return &creds, nil
}

// SaveCredentials writes creds with mode 0600, replacing the file atomically.
func SaveCredentials(creds *Credentials) error {
	path := CredentialsFilePath()
	if path == "" {
		return fmt.Errorf("cannot determine credentials path")
	}
	if creds.Version == 0 {
		creds.Version = CredentialsVersion
	}
	if creds.CreatedAt.IsZero() {
		creds.CreatedAt = time.Now().UTC()
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err = os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".credentials-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if err = tmp.Chmod(0o600); err == nil {
		_, err = tmp.Write(data)
	}
	if errClose := tmp.Close(); err == nil {
		err = errClose
	}
	if err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}

	credentialCache.Store(&cachedCredentials{path: path, creds: *creds})
	return nil
}

// EnsureManagementKey returns the existing key or creates and stores one.
// created reports whether a new key was written.
func EnsureManagementKey() (key string, created bool, err error) {
	creds, err := LoadCredentials()
	if err != nil {
		return "", false, err
	}
	if creds != nil {
		return creds.ManagementKey, false, nil
	}
	key, err = RotateManagementKey()
	if err != nil {
		return "", false, err
	}
	return key, true, nil
}

// RotateManagementKey stores a fresh key, replacing any previous one. The
// environment override, if set, still wins at load time.
func RotateManagementKey() (string, error) {
	key, err := GenerateManagementKey()
	if err != nil {
		return "", err
	}
	if err = SaveCredentials(&Credentials{ManagementKey: key}); err != nil {
		return "", err
	}
	return key, nil
}

func InvalidateCache() {
	credentialCache.Store(nil)
}
