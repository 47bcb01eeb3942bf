// Package ari is a small Asterisk REST Interface client covering the channel,
// bridge and application operations needed to tap a call.
package ari

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Config holds ARI connection settings.
type Config struct {
	URL            string // e.g. http://localhost:8088
	Username       string
	Password       string
	Application    string // Stasis application name
	RequestTimeout time.Duration
	HTTPClient     *http.Client
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		URL:            "http://localhost:8088",
		Application:    "calltap",
		RequestTimeout: 5 * time.Second,
	}
}

// Client issues ARI REST requests. It is safe for concurrent use by all call
// handlers.
type Client struct {
	base    *url.URL
	cfg     Config
	httpCli *http.Client
}

// NewClient creates a new ARI client
func NewClient(cfg Config) (*Client, error) {
	if cfg.Application == "" {
		return nil, fmt.Errorf("ari: application name required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("ari: parse url %q: %w", cfg.URL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("ari: unsupported url scheme %q", base.Scheme)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	httpCli := cfg.HTTPClient
	if httpCli == nil {
		httpCli = &http.Client{}
	}
	return &Client{base: base, cfg: cfg, httpCli: httpCli}, nil
}

// Application returns the Stasis application name.
func (c *Client) Application() string {
	return c.cfg.Application
}

// GetChannelVar reads a channel variable. An unset variable is reported as
// KindVariableNotFound and a missing channel as KindNotFound.
func (c *Client) GetChannelVar(ctx context.Context, channelID, variable string) (string, error) {
	q := url.Values{"variable": {variable}}
	var v Variable
	if err := c.do(ctx, "getChannelVar", http.MethodGet, "/channels/"+url.PathEscape(channelID)+"/variable", q, &v); err != nil {
		return "", err
	}
	return v.Value, nil
}

// Snoop creates a spy channel that enters the application with AppArgs.
func (c *Client) Snoop(ctx context.Context, req SnoopRequest) error {
	q := url.Values{
		"app":     {c.cfg.Application},
		"spy":     {req.Spy},
		"snoopId": {req.SnoopID},
	}
	if req.AppArgs != "" {
		q.Set("appArgs", req.AppArgs)
	}
	return c.do(ctx, "snoop", http.MethodPost, "/channels/"+url.PathEscape(req.ChannelID)+"/snoop", q, nil)
}

// ExternalMedia creates a channel that sends its media to ExternalHost.
func (c *Client) ExternalMedia(ctx context.Context, req ExternalMediaRequest) error {
	encap := req.Encapsulation
	if encap == "" {
		encap = "rtp"
	}
	transport := req.Transport
	if transport == "" {
		transport = "udp"
	}
	q := url.Values{
		"app":           {c.cfg.Application},
		"channelId":     {req.ChannelID},
		"external_host": {req.ExternalHost},
		"format":        {req.Format},
		"encapsulation": {encap},
		"transport":     {transport},
	}
	if req.Direction != "" {
		q.Set("direction", req.Direction)
	}
	return c.do(ctx, "externalMedia", http.MethodPost, "/channels/externalMedia", q, nil)
}

// CreateBridge creates a bridge with a caller-chosen id.
func (c *Client) CreateBridge(ctx context.Context, bridgeID, bridgeType string) error {
	q := url.Values{"bridgeId": {bridgeID}, "type": {bridgeType}}
	return c.do(ctx, "createBridge", http.MethodPost, "/bridges", q, nil)
}

// AddChannels adds channels to a bridge.
func (c *Client) AddChannels(ctx context.Context, bridgeID string, channelIDs ...string) error {
	q := url.Values{"channel": {strings.Join(channelIDs, ",")}}
	return c.do(ctx, "addChannel", http.MethodPost, "/bridges/"+url.PathEscape(bridgeID)+"/addChannel", q, nil)
}

// DestroyBridge shuts down a bridge.
func (c *Client) DestroyBridge(ctx context.Context, bridgeID string) error {
	return c.do(ctx, "destroyBridge", http.MethodDelete, "/bridges/"+url.PathEscape(bridgeID), nil, nil)
}

// Hangup terminates a channel.
func (c *Client) Hangup(ctx context.Context, channelID string) error {
	return c.do(ctx, "hangup", http.MethodDelete, "/channels/"+url.PathEscape(channelID), nil, nil)
}

// ContinueInDialplan returns the channel to the dialplan, leaving the
// application.
func (c *Client) ContinueInDialplan(ctx context.Context, channelID string, dest Destination) error {
	q := url.Values{}
	if dest.Context != "" {
		q.Set("context", dest.Context)
	}
	if dest.Extension != "" {
		q.Set("extension", dest.Extension)
	}
	if dest.Priority > 0 {
		q.Set("priority", strconv.Itoa(dest.Priority))
	}
	return c.do(ctx, "continue", http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/continue", q, nil)
}

// Subscribe subscribes the application to an event source such as
// "channel:<id>", so events keep flowing after the channel leaves Stasis.
func (c *Client) Subscribe(ctx context.Context, eventSource string) error {
	q := url.Values{"eventSource": {eventSource}}
	return c.do(ctx, "subscribe", http.MethodPost, "/applications/"+url.PathEscape(c.cfg.Application)+"/subscription", q, nil)
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	// path arrives escaped; Path must hold the decoded form.
	u := *c.base
	u.RawPath = c.base.EscapedPath() + "/ari" + path
	decoded, err := url.PathUnescape(u.RawPath)
	if err != nil {
		return fmt.Errorf("ari %s: bad path %q: %w", op, path, err)
	}
	u.Path = decoded
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return fmt.Errorf("ari %s: build request: %w", op, err)
	}
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpCli.Do(req)
	if err != nil {
		return fmt.Errorf("ari %s: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("ari %s: read body: %w", op, err)
	}

	slog.Debug("[ARI] Request",
		"op", op,
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"elapsed", time.Since(start),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var msg struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(body, &msg)
		return newError(op, resp.StatusCode, msg.Message)
	}

	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("ari %s: decode response: %w", op, err)
		}
	}
	return nil
}
