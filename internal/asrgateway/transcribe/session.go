// Package transcribe streams one leg's audio to a realtime speech-recognition
// websocket and reports the transcripts it sends back.
package transcribe

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ErrClosed is returned by Send once the session no longer accepts audio.
var ErrClosed = errors.New("transcription session closed")

const (
	DefaultInputFormat  = "pcm"
	DefaultSampleRate   = 16000
	DefaultDialTimeout  = 10 * time.Second
	DefaultCloseTimeout = 2 * time.Second

	writeWait = 5 * time.Second
)

// State is the lifecycle of a session.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Config describes the speech service. It is shared by every session.
type Config struct {
	URL         string
	Model       string
	APIKey      string
	SampleRate  int
	InputFormat string

	// QueueLimit caps frames waiting for the writer. Zero means unbounded;
	// above zero the oldest frame is dropped on overflow.
	QueueLimit int

	DialTimeout  time.Duration
	CloseTimeout time.Duration

	// Dialer overrides the websocket dialer, mainly for tests.
	Dialer *websocket.Dialer
}

// Transcript is one transcription event from the service.
type Transcript struct {
	CallID  string
	Speaker string
	Type    string
	Text    string
}

// TranscriptHandler receives transcripts on the session's read goroutine.
type TranscriptHandler func(Transcript)

// Options identify the leg a session belongs to.
type Options struct {
	CallID       string
	Speaker      string
	OnTranscript TranscriptHandler
}

// Stats counts a session's traffic.
type Stats struct {
	Sent        int64 // frames written to the socket
	Dropped     int64 // frames discarded by the queue cap or after close
	Transcripts int64
}

// Session owns one websocket. Send only queues; a single writer goroutine
// owns every write to the socket.
type Session struct {
	cfg  Config
	opts Options

	mu    sync.Mutex
	state State
	queue [][]byte

	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	sent        atomic.Int64
	dropped     atomic.Int64
	transcripts atomic.Int64
}

// outbound messages

type sessionUpdate struct {
	Type    string        `json:"type"`
	Session sessionConfig `json:"session"`
}

type sessionConfig struct {
	InputAudioFormat string        `json:"input_audio_format"`
	SampleRate       int           `json:"sample_rate"`
	TurnDetection    turnDetection `json:"turn_detection"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type audioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

// inbound messages

type serverEvent struct {
	Type       string       `json:"type"`
	Text       string       `json:"text,omitempty"`
	Transcript string       `json:"transcript,omitempty"`
	Error      *serverError `json:"error,omitempty"`
}

type serverError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// New starts connecting immediately and returns a session in StateConnecting.
func New(cfg Config, opts Options) *Session {
	if cfg.InputFormat == "" {
		cfg.InputFormat = DefaultInputFormat
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = DefaultCloseTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:    cfg,
		opts:   opts,
		state:  StateConnecting,
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		cancel: cancel,
	}
	s.wg.Add(1)
	go s.run(ctx)
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats returns a snapshot of the counters.
func (s *Session) Stats() Stats {
	return Stats{
		Sent:        s.sent.Load(),
		Dropped:     s.dropped.Load(),
		Transcripts: s.transcripts.Load(),
	}
}

// Send queues one PCM frame. It never blocks on the network. Frames sent while
// connecting are delivered in order once the socket opens.
func (s *Session) Send(frame []byte) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		s.dropped.Add(1)
		return ErrClosed
	}
	if s.cfg.QueueLimit > 0 && len(s.queue) >= s.cfg.QueueLimit {
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.dropped.Add(1)
	}
	s.queue = append(s.queue, frame)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// Close stops the session and waits for its goroutines, at most CloseTimeout.
// It is safe to call more than once.
func (s *Session) Close() error {
	s.shutdown()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.CloseTimeout):
		slog.Warn("[ASR] Close timed out", "call_id", s.opts.CallID, "speaker", s.opts.Speaker)
	}
	return nil
}

// shutdown moves to StateClosed and discards queued frames.
func (s *Session) shutdown() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		if n := len(s.queue); n > 0 {
			s.dropped.Add(int64(n))
		}
		s.queue = nil
		s.mu.Unlock()

		s.cancel()
		close(s.stop)
	})
}

func (s *Session) stopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

// markOpen moves Connecting to Open. It fails if the session was closed
// while dialing.
func (s *Session) markOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnecting {
		return false
	}
	s.state = StateOpen
	return true
}

func (s *Session) takeQueue() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queue
	s.queue = nil
	return q
}

func (s *Session) endpoint() (string, error) {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse asr url: %w", err)
	}
	q := u.Query()
	q.Set("model", s.cfg.Model)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	target, err := s.endpoint()
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+s.cfg.APIKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	dialer := s.cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: s.cfg.DialTimeout,
		}
	}

	conn, resp, err := dialer.DialContext(ctx, target, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return conn, nil
}

// run is the writer goroutine: it dials, configures the session, then drains
// the queue until stopped.
func (s *Session) run(ctx context.Context) {
	defer s.wg.Done()

	conn, err := s.dial(ctx)
	if err != nil {
		if !s.stopped() {
			slog.Warn("[ASR] Connect failed", "call_id", s.opts.CallID, "speaker", s.opts.Speaker, "error", err)
		}
		s.shutdown()
		return
	}
	defer s.closeConn(conn)

	if !s.markOpen() {
		return
	}
	slog.Info("[ASR] Session open", "call_id", s.opts.CallID, "speaker", s.opts.Speaker)

	s.wg.Add(1)
	go s.readLoop(conn)

	update := sessionUpdate{
		Type: "session.update",
		Session: sessionConfig{
			InputAudioFormat: s.cfg.InputFormat,
			SampleRate:       s.cfg.SampleRate,
			TurnDetection:    turnDetection{Type: "server_vad"},
		},
	}
	if err := s.write(conn, update); err != nil {
		slog.Warn("[ASR] Session update failed", "call_id", s.opts.CallID, "speaker", s.opts.Speaker, "error", err)
		s.shutdown()
		return
	}

	for {
		select {
		case <-s.stop:
			return
		case <-s.wake:
		}

		for _, frame := range s.takeQueue() {
			if s.stopped() {
				return
			}
			msg := audioAppend{
				Type:  "input_audio_buffer.append",
				Audio: base64.StdEncoding.EncodeToString(frame),
			}
			if err := s.write(conn, msg); err != nil {
				slog.Warn("[ASR] Write failed", "call_id", s.opts.CallID, "speaker", s.opts.Speaker, "error", err)
				s.shutdown()
				return
			}
			s.sent.Add(1)
		}
	}
}

func (s *Session) write(conn *websocket.Conn, v any) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

// closeConn sends a close frame when it can and closes the socket. Errors
// from an already broken socket are ignored.
func (s *Session) closeConn(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = conn.Close()
}

func (s *Session) readLoop(conn *websocket.Conn) {
	defer s.wg.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !s.stopped() {
				slog.Info("[ASR] Socket closed by peer", "call_id", s.opts.CallID, "speaker", s.opts.Speaker, "error", err)
			}
			s.shutdown()
			return
		}
		s.handleMessage(data)
	}
}

func (s *Session) handleMessage(data []byte) {
	var ev serverEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		slog.Debug("[ASR] Unparseable message", "call_id", s.opts.CallID, "speaker", s.opts.Speaker, "error", err)
		return
	}

	switch {
	case strings.Contains(ev.Type, "transcription"):
		text := ev.Text
		if text == "" {
			text = ev.Transcript
		}
		s.transcripts.Add(1)
		slog.Info("[ASR] Transcript", "call_id", s.opts.CallID, "speaker", s.opts.Speaker, "type", ev.Type, "text", text)
		if s.opts.OnTranscript != nil {
			s.opts.OnTranscript(Transcript{
				CallID:  s.opts.CallID,
				Speaker: s.opts.Speaker,
				Type:    ev.Type,
				Text:    text,
			})
		}
	case ev.Type == "error" && ev.Error != nil:
		slog.Warn("[ASR] Service error", "call_id", s.opts.CallID, "speaker", s.opts.Speaker, "code", ev.Error.Code, "message", ev.Error.Message)
	}
}
