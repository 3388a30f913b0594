package config

import (
	"crypto/rand"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"

	"github.com/zalando/go-keyring"
)

const (
	keyringService  = "wabridge"
	keyringTokenKey = "dashboard-token"
)

// fallbackTokenPath is where the token lives when no OS keyring is
// available (headless hosts, containers).
var fallbackTokenPath = func() string {
	return filepath.Join(DefaultHome(), ".dashboard-token")
}

// EnsureDashboardToken makes sure the dashboard has a bearer token. An
// explicitly configured token wins; otherwise the persisted one is reused, and
// only when none exists is a new token generated. created reports the last
// case so the caller can print it once.
func (c *Config) EnsureDashboardToken() (token string, created bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if strings.TrimSpace(c.Dashboard.Token) != "" {
		return c.Dashboard.Token, false, nil
	}

	if stored, err := keyring.Get(keyringService, keyringTokenKey); err == nil && stored != "" {
		c.Dashboard.Token = stored
		return stored, false, nil
	}

	if data, err := os.ReadFile(fallbackTokenPath()); err == nil {
		if stored := strings.TrimSpace(string(data)); stored != "" {
			c.Dashboard.Token = stored
			return stored, false, nil
		}
	}

	token, err = generateToken(24)
	if err != nil {
		return "", false, err
	}

	if setErr := keyring.Set(keyringService, keyringTokenKey, token); setErr != nil {
		if err := saveTokenToFallbackFile(token); err != nil {
			return "", false, err
		}
	}

	c.Dashboard.Token = token
	return token, true, nil
}

// RotateDashboardToken replaces the persisted token.
func (c *Config) RotateDashboardToken() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	token, err := generateToken(24)
	if err != nil {
		return "", err
	}

	if setErr := keyring.Set(keyringService, keyringTokenKey, token); setErr != nil {
		if err := saveTokenToFallbackFile(token); err != nil {
			return "", err
		}
	}

	c.Dashboard.Token = token
	return token, nil
}

// DashboardToken returns the current bearer token.
func (c *Config) DashboardToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Dashboard.Token
}

func saveTokenToFallbackFile(token string) error {
	path := fallbackTokenPath()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(token), 0600)
}

func generateToken(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
