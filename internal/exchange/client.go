// Package exchange is the upstream kline provider client: an optional
// TOTP-secured login, the streaming kline socket, and the bar history
// endpoint. cmd/feedsim serves the same protocol for local runs.
package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pquerna/otp/totp"

	"chartstream/internal/feed"
	"chartstream/internal/model"
)

const (
	defaultTimeout      = 10 * time.Second
	defaultHistoryLimit = 500
	maxHistoryLimit     = 1000
)

// Config configures the upstream connection. Login is skipped when APIKey
// is empty; the simulator does not require auth.
type Config struct {
	BaseURL string // http(s) origin, e.g. "https://feed.example.com"
	WSURL   string // ws(s) origin; derived from BaseURL when empty

	APIKey     string
	ClientCode string
	Password   string
	TOTPSecret string // base32 secret; a fresh code is generated per login

	Timeout time.Duration
}

// Client talks to the upstream REST and streaming endpoints. Safe for
// concurrent use; the feed token is shared across all pairs.
type Client struct {
	cfg    Config
	http   *http.Client
	dialer *websocket.Dialer

	mu        sync.Mutex
	feedToken string
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.WSURL == "" {
		cfg.WSURL = toWS(cfg.BaseURL)
	}
	cfg.WSURL = strings.TrimRight(cfg.WSURL, "/")

	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.Timeout},
	}
}

func toWS(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}

type loginRequest struct {
	APIKey     string `json:"apikey"`
	ClientCode string `json:"clientcode"`
	Password   string `json:"password"`
	TOTP       string `json:"totp"`
}

type loginResponse struct {
	Status    bool   `json:"status"`
	Message   string `json:"message"`
	FeedToken string `json:"feedToken"`
}

// Login exchanges credentials plus a freshly generated TOTP for a feed
// token. No-op without an API key.
func (c *Client) Login(ctx context.Context) error {
	if c.cfg.APIKey == "" {
		return nil
	}

	code := ""
	if c.cfg.TOTPSecret != "" {
		var err error
		code, err = totp.GenerateCode(c.cfg.TOTPSecret, time.Now())
		if err != nil {
			return fmt.Errorf("totp: %w", err)
		}
	}

	body, err := json.Marshal(loginRequest{
		APIKey:     c.cfg.APIKey,
		ClientCode: c.cfg.ClientCode,
		Password:   c.cfg.Password,
		TOTP:       code,
	})
	if err != nil {
		return fmt.Errorf("login marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/login", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("login status %d", resp.StatusCode)
	}

	var out loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("login decode: %w", err)
	}
	if !out.Status || out.FeedToken == "" {
		return fmt.Errorf("login rejected: %s", out.Message)
	}

	c.mu.Lock()
	c.feedToken = out.FeedToken
	c.mu.Unlock()
	log.Printf("[exchange] session ready, feed token %s...", out.FeedToken[:min(8, len(out.FeedToken))])
	return nil
}

func (c *Client) token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.feedToken
}

func (c *Client) dropToken() {
	c.mu.Lock()
	c.feedToken = ""
	c.mu.Unlock()
}

// History fetches up to limit closed bars for pair, oldest first, with
// upstream millisecond timestamps converted to seconds. limit is clamped
// to [1, 1000]; zero means 500.
func (c *Client) History(ctx context.Context, pair model.PairKey, limit int) ([]model.Bar, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	q := url.Values{}
	q.Set("symbol", pair.Symbol)
	q.Set("interval", pair.Interval)
	q.Set("limit", strconv.Itoa(limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/api/klines?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("history request: %w", err)
	}
	if tok := c.token(); tok != "" {
		req.Header.Set("X-Feed-Token", tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", pair.Key(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		c.dropToken()
		return nil, fmt.Errorf("history %s: session expired", pair.Key())
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("history %s: status %d", pair.Key(), resp.StatusCode)
	}

	var klines []model.UpstreamKline
	if err := json.NewDecoder(resp.Body).Decode(&klines); err != nil {
		return nil, fmt.Errorf("history %s: decode: %w", pair.Key(), err)
	}

	bars := make([]model.Bar, 0, len(klines))
	for i := range klines {
		bars = append(bars, klines[i].Bar())
	}
	return bars, nil
}

// Dial opens the kline stream for one pair. The subscription rides the
// handshake query; frames are UpstreamKline JSON. A missing session is
// established first, and an auth rejection drops the cached token so the
// next attempt logs in fresh.
func (c *Client) Dial(ctx context.Context, pair model.PairKey) (feed.Session, error) {
	if c.cfg.APIKey != "" && c.token() == "" {
		if err := c.Login(ctx); err != nil {
			return nil, err
		}
	}

	header := http.Header{}
	if tok := c.token(); tok != "" {
		header.Set("X-Feed-Token", tok)
	}

	q := url.Values{}
	q.Set("symbol", pair.Symbol)
	q.Set("interval", pair.Interval)

	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.WSURL+"/ws/klines?"+q.Encode(), header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			c.dropToken()
		}
		return nil, fmt.Errorf("dial %s: %w", pair.Key(), err)
	}
	return newStream(conn), nil
}
