package twitchauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"
)

var validateEndpoint = "https://id.twitch.tv/oauth2/validate"

// ErrNotReady is returned by Token before a successful Load.
var ErrNotReady = errors.New("twitchauth: not ready")

// Validation is the subset of the validate response the adapters use.
type Validation struct {
	Login     string   `json:"login"`
	UserID    string   `json:"user_id"`
	ClientID  string   `json:"client_id"`
	Scopes    []string `json:"scopes"`
	ExpiresIn int      `json:"expires_in"`
}

// Validate asks Twitch who owns access.
func Validate(ctx context.Context, client *http.Client, access string) (Validation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, validateEndpoint, nil)
	if err != nil {
		return Validation{}, err
	}
	req.Header.Set("Authorization", "OAuth "+BareToken(access))
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Validation{}, fmt.Errorf("twitchauth: validate: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Validation{}, fmt.Errorf("twitchauth: validate status %d", resp.StatusCode)
	}
	var v Validation
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return Validation{}, fmt.Errorf("twitchauth: decode validate: %w", err)
	}
	if v.Login == "" || v.UserID == "" {
		return Validation{}, errors.New("twitchauth: validate returned no identity")
	}
	return v, nil
}

// Provider is a file-backed Twitch credential source. It satisfies the
// adapter AuthProvider capability.
type Provider struct {
	Files  TokenFiles
	HTTP   *http.Client
	Logger *slog.Logger

	mu        sync.RWMutex
	ready     bool
	access    string
	login     string
	userID    string
	scopes    []string
	expiresIn time.Duration
}

func NewProvider(files TokenFiles, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{Files: files, Logger: logger}
}

// Load reads the access token from disk and validates it. An invalid token
// is refreshed once when refresh credentials are configured.
func (p *Provider) Load(ctx context.Context) error {
	access, err := p.Files.ReadAccess()
	if err != nil {
		p.setNotReady()
		return fmt.Errorf("twitchauth: read access token: %w", err)
	}
	v, err := Validate(ctx, p.HTTP, access)
	if err != nil && p.Files.CanRefresh() {
		p.logger().Warn("twitchauth: access token invalid, refreshing", "error", err)
		refreshed, _, rerr := Refresh(ctx, p.HTTP, p.Files)
		if rerr != nil {
			p.setNotReady()
			return rerr
		}
		access = refreshed
		v, err = Validate(ctx, p.HTTP, access)
	}
	if err != nil {
		p.setNotReady()
		return err
	}
	p.apply(access, v)
	p.logger().Info("twitchauth: token ready", "login", v.Login, "user_id", v.UserID, "scopes", len(v.Scopes))
	return nil
}

// Reload re-reads the token files, used when they change on disk.
func (p *Provider) Reload(ctx context.Context) error { return p.Load(ctx) }

// Refresh forces a token refresh and revalidates.
func (p *Provider) Refresh(ctx context.Context) error {
	access, _, err := Refresh(ctx, p.HTTP, p.Files)
	if err != nil {
		return err
	}
	v, err := Validate(ctx, p.HTTP, access)
	if err != nil {
		return err
	}
	p.apply(access, v)
	return nil
}

// StartAuto refreshes the token ahead of expiry until ctx is done. Failed
// refreshes retry with exponential backoff capped at a minute.
func (p *Provider) StartAuto(ctx context.Context) {
	if !p.Files.CanRefresh() {
		return
	}
	go func() {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = time.Second
		b.MaxInterval = time.Minute

		timer := time.NewTimer(refreshInterval(p.lifetime()))
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
			if err := p.Refresh(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				wait := b.NextBackOff()
				p.logger().Warn("twitchauth: auto-refresh failed", "error", err, "retry_in", wait)
				timer.Reset(wait)
				continue
			}
			b.Reset()
			p.logger().Info("twitchauth: refreshed token", "expires_in", p.lifetime())
			timer.Reset(refreshInterval(p.lifetime()))
		}
	}()
}

func (p *Provider) IsReady() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ready
}

func (p *Provider) GetUserID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.userID
}

// GetAccessToken returns the bare access token (no "oauth:" prefix).
func (p *Provider) GetAccessToken() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.access
}

func (p *Provider) GetScopes() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.scopes...)
}

// Login is the account name the token belongs to.
func (p *Provider) Login() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.login
}

// IRCToken returns the token in the "oauth:" form IRC PASS expects.
func (p *Provider) IRCToken() string { return NormalizeToken(p.GetAccessToken()) }

// HasScope reports whether the validated token carries scope.
func (p *Provider) HasScope(scope string) bool {
	for _, s := range p.GetScopes() {
		if strings.EqualFold(s, scope) {
			return true
		}
	}
	return false
}

// Token is a token source for Helix calls.
func (p *Provider) Token(context.Context) (string, error) {
	if !p.IsReady() {
		return "", ErrNotReady
	}
	return p.GetAccessToken(), nil
}

func (p *Provider) apply(access string, v Validation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ready = true
	p.access = BareToken(access)
	p.login = v.Login
	p.userID = v.UserID
	p.scopes = append([]string(nil), v.Scopes...)
	p.expiresIn = time.Duration(v.ExpiresIn) * time.Second
}

func (p *Provider) setNotReady() {
	p.mu.Lock()
	p.ready = false
	p.mu.Unlock()
}

func (p *Provider) lifetime() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.expiresIn
}

func (p *Provider) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}
