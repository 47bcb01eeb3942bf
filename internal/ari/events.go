package ari

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

var defaultRetryDelays = []time.Duration{
	500 * time.Millisecond,
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
}

// EventHandler receives decoded events in arrival order. It is called from
// the stream's read loop and must not block for long.
type EventHandler func(Event)

// EventStream keeps a websocket to /ari/events open, reconnecting with
// backoff until its context is canceled.
type EventStream struct {
	cfg         Config
	dialer      *websocket.Dialer
	retryDelays []time.Duration
	onConnect   func()
}

// Events returns an event stream for the client's application.
func (c *Client) Events() *EventStream {
	return &EventStream{
		cfg:         c.cfg,
		dialer:      websocket.DefaultDialer,
		retryDelays: defaultRetryDelays,
	}
}

// OnConnect registers a callback run after every successful (re)connect.
func (s *EventStream) OnConnect(fn func()) {
	s.onConnect = fn
}

// URL returns the websocket URL, credentials included as api_key.
func (s *EventStream) URL() (string, error) {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse ari url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported ari url scheme %q", u.Scheme)
	}
	u.Path = u.Path + "/ari/events"
	q := url.Values{
		"app":     {s.cfg.Application},
		"api_key": {s.cfg.Username + ":" + s.cfg.Password},
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Run consumes events until ctx is canceled. Connection failures are logged
// and retried; Run only returns ctx.Err() or a URL error.
func (s *EventStream) Run(ctx context.Context, handler EventHandler) error {
	wsURL, err := s.URL()
	if err != nil {
		return err
	}

	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, _, err := s.dialer.DialContext(ctx, wsURL, nil)
		if err != nil {
			delay := s.retryDelays[min(attempt, len(s.retryDelays)-1)]
			attempt++
			slog.Warn("[ARI] Event stream connect failed", "attempt", attempt, "retry_in", delay, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}

		attempt = 0
		slog.Info("[ARI] Event stream connected", "app", s.cfg.Application)
		if s.onConnect != nil {
			s.onConnect()
		}

		err = s.readLoop(ctx, conn, handler)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Warn("[ARI] Event stream disconnected", "error", err)
	}
}

func (s *EventStream) readLoop(ctx context.Context, conn *websocket.Conn, handler EventHandler) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		case <-done:
			conn.Close()
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var evt Event
		if err := json.Unmarshal(msg, &evt); err != nil {
			slog.Debug("[ARI] Undecodable event", "error", err)
			continue
		}
		evt.ReceivedAt = time.Now()
		handler(evt)
	}
}
