// Package relayclient talks to asrgateway: the /register and /unregister
// handshake over HTTP, and a gRPC health monitor.
package relayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	typesv1 "github.com/sebas/calltap/api/types/v1"
	"github.com/sebas/calltap/internal/snoopmgr/portalloc"
)

// ErrDuplicateCall is returned by Register when the relay already has the call.
var ErrDuplicateCall = errors.New("call already registered on relay")

// StatusError is returned for any other non-2xx relay response.
type StatusError struct {
	Op      string
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("relay %s: HTTP %d: %s", e.Op, e.Status, e.Message)
	}
	return fmt.Sprintf("relay %s: HTTP %d", e.Op, e.Status)
}

// Config holds registration client settings.
type Config struct {
	BaseURL        string // e.g. http://127.0.0.1:9092
	RequestTimeout time.Duration
	HTTPClient     *http.Client
}

// Client performs the registration handshake. No retries are made.
type Client struct {
	base    string
	timeout time.Duration
	httpCli *http.Client
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("relay base url required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	httpCli := cfg.HTTPClient
	if httpCli == nil {
		httpCli = &http.Client{}
	}
	return &Client{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		timeout: cfg.RequestTimeout,
		httpCli: httpCli,
	}, nil
}

// Register announces callID and its ports to the relay.
func (c *Client) Register(ctx context.Context, callID, uniqueID string, ports portalloc.Ports) error {
	req := typesv1.RegisterRequest{
		CallID:   callID,
		UniqueID: uniqueID,
		PortIn:   ports.In,
		PortOut:  ports.Out,
	}
	err := c.post(ctx, "register", "/register", req)
	if err == nil {
		slog.Info("[Relay] Registered", "call_id", callID, "ports", ports.String())
	}
	return err
}

// Unregister tells the relay to release callID. Unknown ids succeed.
func (c *Client) Unregister(ctx context.Context, callID string) error {
	err := c.post(ctx, "unregister", "/unregister", typesv1.UnregisterRequest{CallID: callID})
	if err == nil {
		slog.Info("[Relay] Unregistered", "call_id", callID)
	}
	return err
}

func (c *Client) post(ctx context.Context, op, path string, body any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("relay %s: encode: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("relay %s: build request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpCli.Do(req)
	if err != nil {
		return fmt.Errorf("relay %s: %w", op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("relay %s: read body: %w", op, err)
	}
	var ack typesv1.AckResponse
	_ = json.Unmarshal(raw, &ack)

	switch {
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("relay %s: %w", op, ErrDuplicateCall)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return &StatusError{Op: op, Status: resp.StatusCode, Message: ack.Error}
	case !ack.OK:
		return &StatusError{Op: op, Status: resp.StatusCode, Message: "relay did not acknowledge"}
	}
	return nil
}
