// Package helix is a small Twitch Helix API client covering user lookup,
// stream status, chat sends and EventSub subscription management.
package helix

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/you/gnasty-live/internal/httpclient"
)

const defaultTTL = 6 * time.Hour

var (
	helixBaseURL  = "https://api.twitch.tv/helix"
	oauthTokenURL = "https://id.twitch.tv/oauth2/token"
)

var (
	ErrUserNotFound = errors.New("helix: user not found")
	ErrNoToken      = errors.New("helix: no token available")
)

// TokenSource yields a user access token. An empty token with a nil error
// makes the client fall back to an app token when a client secret is set.
type TokenSource func(ctx context.Context) (string, error)

// Client talks to Helix on behalf of one application.
type Client struct {
	ClientID     string
	ClientSecret string
	HTTP         httpclient.Client
	UserToken    TokenSource
	TTL          time.Duration

	mu    sync.Mutex
	token cachedToken
	users map[string]cacheEntry
}

type cachedToken struct {
	token     string
	expiresAt time.Time
}

type cacheEntry struct {
	value     string
	expiresAt time.Time
}

// Stream is the subset of /streams the viewer scheduler needs.
type Stream struct {
	Live        bool
	ViewerCount int
	StartedAt   string
	Title       string
}

// New returns a Client using the default HTTP capability.
func New(clientID, clientSecret string, tokens TokenSource) *Client {
	return &Client{ClientID: clientID, ClientSecret: clientSecret, UserToken: tokens}
}

// LookupUserID resolves a login to its numeric id. Numeric input is returned
// unchanged and results are cached for TTL.
func (c *Client) LookupUserID(ctx context.Context, login string) (string, error) {
	login = strings.ToLower(strings.TrimSpace(login))
	if login == "" {
		return "", ErrUserNotFound
	}
	if isNumericID(login) {
		return login, nil
	}
	if id, ok := c.cachedUserID(login); ok {
		return id, nil
	}

	var parsed struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := c.get(ctx, "/users", url.Values{"login": {login}}, &parsed); err != nil {
		return "", err
	}
	if len(parsed.Data) == 0 || parsed.Data[0].ID == "" {
		return "", ErrUserNotFound
	}
	c.storeUserID(login, parsed.Data[0].ID)
	return parsed.Data[0].ID, nil
}

// GetStream reports whether the broadcaster is live and their viewer count.
func (c *Client) GetStream(ctx context.Context, broadcasterID string) (Stream, error) {
	var parsed struct {
		Data []struct {
			Type        string `json:"type"`
			ViewerCount int    `json:"viewer_count"`
			StartedAt   string `json:"started_at"`
			Title       string `json:"title"`
		} `json:"data"`
	}
	if err := c.get(ctx, "/streams", url.Values{"user_id": {broadcasterID}}, &parsed); err != nil {
		return Stream{}, err
	}
	if len(parsed.Data) == 0 {
		return Stream{}, nil
	}
	s := parsed.Data[0]
	return Stream{Live: s.Type == "live", ViewerCount: s.ViewerCount, StartedAt: s.StartedAt, Title: s.Title}, nil
}

// SendChatMessage posts text to the broadcaster's chat as senderID.
func (c *Client) SendChatMessage(ctx context.Context, broadcasterID, senderID, text string) error {
	body := map[string]string{
		"broadcaster_id": broadcasterID,
		"sender_id":      senderID,
		"message":        text,
	}
	var parsed struct {
		Data []struct {
			IsSent     bool `json:"is_sent"`
			DropReason *struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"drop_reason"`
		} `json:"data"`
	}
	if err := c.post(ctx, "/chat/messages", body, &parsed); err != nil {
		return err
	}
	if len(parsed.Data) > 0 && !parsed.Data[0].IsSent {
		if dr := parsed.Data[0].DropReason; dr != nil {
			return fmt.Errorf("helix: message dropped: %s", dr.Message)
		}
		return errors.New("helix: message dropped")
	}
	return nil
}

// Subscription describes one EventSub subscription request.
type Subscription struct {
	Type      string
	Version   string
	Condition map[string]string
}

// CreateEventSubSubscription registers sub against a websocket session.
func (c *Client) CreateEventSubSubscription(ctx context.Context, sessionID string, sub Subscription) (string, error) {
	body := map[string]any{
		"type":      sub.Type,
		"version":   sub.Version,
		"condition": sub.Condition,
		"transport": map[string]string{"method": "websocket", "session_id": sessionID},
	}
	var parsed struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := c.post(ctx, "/eventsub/subscriptions", body, &parsed); err != nil {
		return "", err
	}
	if len(parsed.Data) == 0 {
		return "", nil
	}
	return parsed.Data[0].ID, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	opts, err := c.requestOptions(ctx)
	if err != nil {
		return err
	}
	opts.Query = q
	resp, err := c.httpClient().Get(ctx, strings.TrimSuffix(helixBaseURL, "/")+path, opts)
	if err != nil {
		return fmt.Errorf("helix: GET %s: %w", path, err)
	}
	return resp.Decode(out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	opts, err := c.requestOptions(ctx)
	if err != nil {
		return err
	}
	resp, err := c.httpClient().Post(ctx, strings.TrimSuffix(helixBaseURL, "/")+path, body, opts)
	if err != nil {
		return fmt.Errorf("helix: POST %s: %w", path, err)
	}
	if len(resp.Data) == 0 {
		return nil
	}
	return resp.Decode(out)
}

func (c *Client) requestOptions(ctx context.Context) (httpclient.RequestOptions, error) {
	token := ""
	if c.UserToken != nil {
		t, err := c.UserToken(ctx)
		if err != nil {
			return httpclient.RequestOptions{}, err
		}
		token = strings.TrimPrefix(strings.TrimSpace(t), "oauth:")
	}
	if token == "" {
		t, err := c.appToken(ctx)
		if err != nil {
			return httpclient.RequestOptions{}, err
		}
		token = t
	}
	return httpclient.RequestOptions{AuthToken: token, ClientID: strings.TrimSpace(c.ClientID)}, nil
}

func (c *Client) appToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.token.token != "" && time.Now().Before(c.token.expiresAt) {
		token := c.token.token
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()

	clientID := strings.TrimSpace(c.ClientID)
	clientSecret := strings.TrimSpace(c.ClientSecret)
	if clientID == "" || clientSecret == "" {
		return "", ErrNoToken
	}

	form := url.Values{}
	form.Set("client_id", clientID)
	form.Set("client_secret", clientSecret)
	form.Set("grant_type", "client_credentials")

	resp, err := c.httpClient().Post(ctx, oauthTokenURL, form, httpclient.RequestOptions{})
	if err != nil {
		return "", fmt.Errorf("helix: request app token: %w", err)
	}
	var parsed struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := resp.Decode(&parsed); err != nil {
		return "", err
	}
	token := strings.TrimSpace(parsed.AccessToken)
	if token == "" {
		return "", errors.New("helix: empty access_token")
	}
	expiresIn := time.Duration(parsed.ExpiresIn) * time.Second
	if parsed.ExpiresIn <= 0 {
		expiresIn = time.Hour
	}

	c.mu.Lock()
	c.token = cachedToken{token: token, expiresAt: time.Now().Add(expiresIn)}
	c.mu.Unlock()
	return token, nil
}

func (c *Client) ttl() time.Duration {
	if c.TTL > 0 {
		return c.TTL
	}
	return defaultTTL
}

func (c *Client) cachedUserID(login string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.users[login]
	if !ok || time.Now().After(entry.expiresAt) {
		return "", false
	}
	return entry.value, entry.value != ""
}

func (c *Client) storeUserID(login, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.users == nil {
		c.users = map[string]cacheEntry{}
	}
	c.users[login] = cacheEntry{value: id, expiresAt: time.Now().Add(c.ttl())}
}

func (c *Client) httpClient() httpclient.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return httpclient.New()
}

func isNumericID(s string) bool {
	if s == "" {
		return false
	}
	_, err := strconv.ParseUint(s, 10, 64)
	return err == nil
}
