package twitchauth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

var tokenEndpoint = "https://id.twitch.tv/oauth2/token"

const defaultRefreshTimeout = 15 * time.Second

type refreshResponse struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	ExpiresIn    int      `json:"expires_in"`
	Scope        []string `json:"scope"`
	Status       int      `json:"status"`
	Message      string   `json:"message"`
	Error        string   `json:"error"`
	ErrorDesc    string   `json:"error_description"`
}

// Refresh exchanges the refresh token for a new pair and atomically writes
// the access token ("oauth:<access>") and the rotated refresh token back to
// disk. It returns the new access token and its lifetime.
func Refresh(ctx context.Context, client *http.Client, files TokenFiles) (string, time.Duration, error) {
	if !files.CanRefresh() {
		return "", 0, errors.New("twitchauth: refresh requires client credentials and refresh token file")
	}
	if strings.TrimSpace(files.AccessPath) == "" {
		return "", 0, errors.New("twitchauth: access token file path is empty")
	}
	refresh, err := files.ReadRefresh()
	if err != nil {
		return "", 0, fmt.Errorf("twitchauth: read refresh token: %w", err)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultRefreshTimeout)
		defer cancel()
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refresh)
	form.Set("client_id", strings.TrimSpace(files.ClientID))
	form.Set("client_secret", strings.TrimSpace(files.ClientSecret))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, fmt.Errorf("twitchauth: create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("twitchauth: refresh request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", 0, fmt.Errorf("twitchauth: read refresh response: %w", err)
	}

	var parsed refreshResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", 0, fmt.Errorf("twitchauth: decode refresh response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(parsed.Message)
		if msg == "" {
			msg = strings.TrimSpace(parsed.ErrorDesc)
		}
		if msg == "" {
			msg = strings.TrimSpace(parsed.Error)
		}
		if msg == "" {
			msg = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		}
		return "", 0, fmt.Errorf("twitchauth: refresh: %s", msg)
	}

	access := strings.TrimSpace(parsed.AccessToken)
	if access == "" {
		return "", 0, errors.New("twitchauth: refresh returned empty token")
	}
	if err := atomicWrite(files.AccessPath, []byte(NormalizeToken(access)+"\n"), 0o600); err != nil {
		return "", 0, fmt.Errorf("twitchauth: write access token: %w", err)
	}
	if rotated := strings.TrimSpace(parsed.RefreshToken); rotated != "" {
		if err := atomicWrite(files.RefreshPath, []byte(rotated+"\n"), 0o600); err != nil {
			return "", 0, fmt.Errorf("twitchauth: write refresh token: %w", err)
		}
	}

	expiresIn := time.Duration(parsed.ExpiresIn) * time.Second
	if parsed.ExpiresIn <= 0 {
		expiresIn = time.Hour
	}
	return access, expiresIn, nil
}

// refreshInterval schedules the next refresh at 85% of the token lifetime,
// never sooner than a minute.
func refreshInterval(exp time.Duration) time.Duration {
	if exp <= 0 {
		return time.Minute
	}
	next := time.Duration(float64(exp) * 0.85)
	if next < time.Minute {
		next = time.Minute
	}
	return next
}
