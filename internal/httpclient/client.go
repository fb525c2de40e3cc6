// Package httpclient is the HTTP capability platform clients are written
// against.
package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

const (
	defaultTimeout  = 15 * time.Second
	maxResponseSize = 8 << 20
)

// RequestOptions are the per-request knobs the platform clients use.
type RequestOptions struct {
	AuthToken   string
	AuthType    string // "Bearer" (default) or "OAuth"
	ClientID    string
	Query       url.Values
	Headers     map[string]string
	ContentType string
}

// Response is a fully-read HTTP response.
type Response struct {
	Status int
	Header http.Header
	Data   []byte
	// URL is the request URL after redirects.
	URL *url.URL
}

// OK reports a 2xx status.
func (r Response) OK() bool { return r.Status >= 200 && r.Status < 300 }

// Decode unmarshals the body into v.
func (r Response) Decode(v any) error {
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("httpclient: decode: %w", err)
	}
	return nil
}

// StatusError describes a non-2xx response.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.Status, e.Body)
}

// Client is the capability consumed by platform clients.
type Client interface {
	Get(ctx context.Context, rawURL string, opts RequestOptions) (Response, error)
	Post(ctx context.Context, rawURL string, body any, opts RequestOptions) (Response, error)
}

// HTTP implements Client over net/http.
type HTTP struct {
	Client    *http.Client
	UserAgent string
}

// New returns an HTTP client with a default timeout.
func New() *HTTP {
	return &HTTP{Client: &http.Client{Timeout: defaultTimeout}, UserAgent: "gnasty-live/1.0"}
}

func (c *HTTP) Get(ctx context.Context, rawURL string, opts RequestOptions) (Response, error) {
	return c.do(ctx, http.MethodGet, rawURL, nil, opts)
}

// Post sends body as JSON unless it is a url.Values (form encoded) or a
// []byte (sent as-is with opts.ContentType).
func (c *HTTP) Post(ctx context.Context, rawURL string, body any, opts RequestOptions) (Response, error) {
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case url.Values:
		reader = strings.NewReader(b.Encode())
		if opts.ContentType == "" {
			opts.ContentType = "application/x-www-form-urlencoded"
		}
	case []byte:
		reader = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return Response{}, fmt.Errorf("httpclient: encode body: %w", err)
		}
		reader = bytes.NewReader(data)
		if opts.ContentType == "" {
			opts.ContentType = "application/json"
		}
	}
	return c.do(ctx, http.MethodPost, rawURL, reader, opts)
}

func (c *HTTP) do(ctx context.Context, method, rawURL string, body io.Reader, opts RequestOptions) (Response, error) {
	if len(opts.Query) > 0 {
		sep := "?"
		if strings.Contains(rawURL, "?") {
			sep = "&"
		}
		rawURL += sep + opts.Query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return Response{}, fmt.Errorf("httpclient: build request: %w", err)
	}
	if opts.AuthToken != "" {
		authType := opts.AuthType
		if authType == "" {
			authType = "Bearer"
		}
		req.Header.Set("Authorization", authType+" "+opts.AuthToken)
	}
	if opts.ClientID != "" {
		req.Header.Set("Client-Id", opts.ClientID)
	}
	if opts.ContentType != "" {
		req.Header.Set("Content-Type", opts.ContentType)
	}
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("httpclient: %s %s: %w", method, req.URL.Host, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return Response{}, fmt.Errorf("httpclient: read body: %w", err)
	}
	out := Response{Status: resp.StatusCode, Header: resp.Header, Data: data, URL: resp.Request.URL}
	if !out.OK() {
		return out, &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(truncate(data, 512)))}
	}
	return out, nil
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
