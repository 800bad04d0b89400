// Package client implements the HTTP and WebSocket transport between the
// watcher and the remote server.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/websocket"

	"github.com/mschirtzinger/filewatchd/internal/logging"
	"github.com/mschirtzinger/filewatchd/internal/model"
)

const (
	watchListPath    = "/api/v1/projects/watchlist"
	watchSocketPath  = "/websockets/file-changes/v1"
	fileChangesPathF = "/api/v1/projects/%s/file-changes"

	// maxResponseBytes bounds the size of a watch-list response.
	maxResponseBytes = 16 << 20
)

// TokenProvider supplies the auth token for server calls and is told when
// the server rejects one.
type TokenProvider interface {
	// Token returns the latest token, or "" to send no Authorization header.
	Token() string
	// TokenRejected reports that the server returned 401/403 for token.
	TokenRejected(token string)
}

// StaticToken is a TokenProvider that always returns the same token and
// logs rejections.
type StaticToken struct {
	Value  string
	Logger *log.Logger

	mu       sync.Mutex
	rejected int
}

// Token implements TokenProvider.
func (s *StaticToken) Token() string { return s.Value }

// TokenRejected implements TokenProvider.
func (s *StaticToken) TokenRejected(string) {
	s.mu.Lock()
	s.rejected++
	n := s.rejected
	s.mu.Unlock()
	logging.Component(s.Logger, "auth").Warn("Server rejected auth token", "rejections", n)
}

// Rejections returns how many times the token was rejected.
func (s *StaticToken) Rejections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rejected
}

// Config holds client configuration.
type Config struct {
	// BaseURL is the server root, e.g. https://localhost:9090.
	BaseURL string

	// Tokens supplies auth tokens (default: no auth).
	Tokens TokenProvider

	// Insecure disables TLS certificate verification.
	Insecure bool

	// ConnectTimeout bounds TCP/TLS connection setup (default: 10s).
	ConnectTimeout time.Duration

	// RequestTimeout bounds a whole HTTP request (default: 15s).
	RequestTimeout time.Duration

	// Logger for client activity (default: log.Default()).
	Logger *log.Logger
}

// Client talks to the server's watch-list and file-change endpoints.
type Client struct {
	base   *url.URL
	tokens TokenProvider
	http   *http.Client
	logger *log.Logger
}

// New creates a client for the server at cfg.BaseURL.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("server URL cannot be empty")
	}
	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server URL %q: %w", cfg.BaseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid server URL %q: scheme must be http or https", cfg.BaseURL)
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 15 * time.Second
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: cfg.ConnectTimeout,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
	}
	if cfg.Insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // local dev servers use self-signed certs
	}

	return &Client{
		base:   base,
		tokens: cfg.Tokens,
		http: &http.Client{
			Transport: transport,
			Timeout:   cfg.RequestTimeout,
		},
		logger: logging.Component(cfg.Logger, "client"),
	}, nil
}

// BaseURL returns the server root URL.
func (c *Client) BaseURL() string {
	return c.base.String()
}

// GetWatchList fetches the authoritative list of projects to watch.
func (c *Client) GetWatchList(ctx context.Context) ([]model.ProjectToWatch, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.base.String()+watchListPath, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("GET watch list: %w", err)
	}

	projects, err := model.ParseWatchList(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return projects, nil
}

// fileChangesBody is the JSON body of a file-changes POST.
type fileChangesBody struct {
	Msg string `json:"msg"`
}

// PostFileChanges sends one encoded chunk of a change set. chunk is 1-based.
func (c *Client) PostFileChanges(ctx context.Context, projectID string, timestamp int64, chunk, total int, msg string) error {
	u := c.base.String() + fmt.Sprintf(fileChangesPathF, url.PathEscape(projectID))
	q := url.Values{}
	q.Set("timestamp", strconv.FormatInt(timestamp, 10))
	q.Set("chunk", strconv.Itoa(chunk))
	q.Set("chunk_total", strconv.Itoa(total))
	u += "?" + q.Encode()

	data, err := json.Marshal(fileChangesBody{Msg: msg})
	if err != nil {
		return fmt.Errorf("failed to encode file changes: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, u, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	if _, err := c.do(req); err != nil {
		return fmt.Errorf("POST file changes for %s (chunk %d/%d): %w", projectID, chunk, total, err)
	}
	return nil
}

// DialWatchList opens the watch-list push channel.
func (c *Client) DialWatchList(ctx context.Context) (*websocket.Conn, error) {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + watchSocketPath

	header := http.Header{}
	token := c.token()
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.http.Timeout)
	defer cancel()

	// The handshake is bounded by dialCtx; the connection itself must outlive it.
	conn, resp, err := websocket.Dial(dialCtx, u.String(), &websocket.DialOptions{
		HTTPClient: &http.Client{Transport: c.http.Transport},
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			c.reject(token)
			return nil, fmt.Errorf("dial %s: %w", u.String(), ErrUnauthorized)
		}
		return nil, fmt.Errorf("dial %s: %w", u.String(), err)
	}
	return conn, nil
}

func (c *Client) newRequest(ctx context.Context, method, u string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if token := c.token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

// do executes req and returns the body of a 2xx response.
func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		c.reject(strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer "))
		return nil, fmt.Errorf("%w (status %d)", ErrUnauthorized, resp.StatusCode)
	default:
		return nil, fmt.Errorf("%w %d: %s", ErrServerStatus, resp.StatusCode, truncate(body, 200))
	}
}

func (c *Client) token() string {
	if c.tokens == nil {
		return ""
	}
	return c.tokens.Token()
}

func (c *Client) reject(token string) {
	if c.tokens == nil {
		return
	}
	c.logger.Debug("Reporting rejected token")
	c.tokens.TokenRejected(token)
}

func truncate(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
