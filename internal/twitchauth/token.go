// Package twitchauth loads, validates and refreshes the Twitch user token
// pair stored on disk.
package twitchauth

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

var ErrEmptyToken = errors.New("twitchauth: empty token")

// TokenFiles locates the access and refresh token files plus the app
// credentials used to refresh them.
type TokenFiles struct {
	AccessPath   string
	RefreshPath  string
	ClientID     string
	ClientSecret string
}

// NormalizeToken trims the token and ensures it is prefixed with "oauth:".
// If the input is empty after trimming, an empty string is returned.
func NormalizeToken(s string) string {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return ""
	}
	if strings.HasPrefix(trimmed, "oauth:") {
		return trimmed
	}
	return "oauth:" + trimmed
}

// BareToken strips the IRC "oauth:" prefix for Helix and validate calls.
func BareToken(s string) string {
	return strings.TrimPrefix(strings.TrimSpace(s), "oauth:")
}

func (t TokenFiles) ReadAccess() (string, error) {
	b, err := os.ReadFile(t.AccessPath)
	if err != nil {
		return "", err
	}
	token := BareToken(string(b))
	if token == "" {
		return "", ErrEmptyToken
	}
	return token, nil
}

func (t TokenFiles) ReadRefresh() (string, error) {
	b, err := os.ReadFile(t.RefreshPath)
	if err != nil {
		return "", err
	}
	token := strings.TrimSpace(string(b))
	if token == "" {
		return "", ErrEmptyToken
	}
	return token, nil
}

// CanRefresh reports whether enough is configured to run a refresh.
func (t TokenFiles) CanRefresh() bool {
	return strings.TrimSpace(t.ClientID) != "" &&
		strings.TrimSpace(t.ClientSecret) != "" &&
		strings.TrimSpace(t.RefreshPath) != ""
}

func atomicWrite(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil && !os.IsExist(err) {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Chmod(path, mode)
}
