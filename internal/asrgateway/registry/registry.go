// Package registry holds the calls asrgateway is relaying. Each call has two
// legs, one per direction, pairing an RTP listener with a transcription
// session.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	typesv1 "github.com/sebas/calltap/api/types/v1"
	"github.com/sebas/calltap/internal/asrgateway/media"
	"github.com/sebas/calltap/internal/asrgateway/rtp"
	"github.com/sebas/calltap/internal/asrgateway/transcribe"
)

// ErrDuplicateCall is returned by Register when the call id is already active.
var ErrDuplicateCall = errors.New("call already registered")

// Speaker labels. S1 is the caller-to-platform direction.
const (
	SpeakerIn  = "S1"
	SpeakerOut = "S2"
)

// Leg is one direction of a call.
type Leg struct {
	Speaker  string
	Port     int
	Listener *rtp.Listener
	Session  *transcribe.Session
}

// Call is one registered call.
type Call struct {
	CallID    string
	UniqueID  string
	Legs      [2]*Leg
	CreatedAt time.Time
}

// Config is shared by every leg the registry opens.
type Config struct {
	BindAddr     string
	Codec        media.Codec
	ASR          transcribe.Config
	OnTranscript transcribe.TranscriptHandler
}

// Registry maps call id to Call.
type Registry struct {
	cfg Config

	mu       sync.Mutex
	calls    map[string]*Call
	reserved map[string]struct{} // ids whose legs are being opened
}

// New creates an empty registry.
func New(cfg Config) *Registry {
	return &Registry{
		cfg:      cfg,
		calls:    make(map[string]*Call),
		reserved: make(map[string]struct{}),
	}
}

// Register binds both legs and starts their transcription sessions. A bind
// failure is returned after closing whatever was already opened.
func (r *Registry) Register(callID, uniqueID string, portIn, portOut int) error {
	if !r.reserve(callID) {
		return ErrDuplicateCall
	}

	in, err := r.openLeg(callID, SpeakerIn, portIn)
	if err != nil {
		r.release(callID, nil)
		return err
	}
	out, err := r.openLeg(callID, SpeakerOut, portOut)
	if err != nil {
		in.close()
		r.release(callID, nil)
		return err
	}

	r.release(callID, &Call{
		CallID:    callID,
		UniqueID:  uniqueID,
		Legs:      [2]*Leg{in, out},
		CreatedAt: time.Now(),
	})

	slog.Info("[Relay] Call registered",
		"call_id", callID,
		"uniqueid", uniqueID,
		"port_in", portIn,
		"port_out", portOut,
		"codec", r.cfg.Codec.String())
	return nil
}

// Unregister closes both legs of a call. An unknown call id is a no-op and
// reports false.
func (r *Registry) Unregister(callID string) bool {
	r.mu.Lock()
	call, ok := r.calls[callID]
	delete(r.calls, callID)
	r.mu.Unlock()

	if !ok {
		slog.Debug("[Relay] Unregister for unknown call", "call_id", callID)
		return false
	}

	closeLegs(call.Legs[:])
	slog.Info("[Relay] Call unregistered", "call_id", callID, "duration", time.Since(call.CreatedAt).Round(time.Second).String())
	return true
}

// Get returns the call registered under callID.
func (r *Registry) Get(callID string) (*Call, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	call, ok := r.calls[callID]
	return call, ok
}

// Count returns the number of registered calls.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// List reports every registered call, oldest first.
func (r *Registry) List() []typesv1.RelayCall {
	r.mu.Lock()
	calls := make([]*Call, 0, len(r.calls))
	for _, c := range r.calls {
		calls = append(calls, c)
	}
	r.mu.Unlock()

	sort.Slice(calls, func(i, j int) bool {
		return calls[i].CreatedAt.Before(calls[j].CreatedAt)
	})

	out := make([]typesv1.RelayCall, 0, len(calls))
	for _, c := range calls {
		rc := typesv1.RelayCall{
			CallID:   c.CallID,
			UniqueID: c.UniqueID,
			Duration: int(time.Since(c.CreatedAt).Seconds()),
		}
		for _, leg := range c.Legs {
			st := leg.Listener.Stats()
			rc.Legs = append(rc.Legs, typesv1.RelayLeg{
				Speaker:      leg.Speaker,
				Port:         leg.Port,
				SessionState: leg.Session.State().String(),
				Packets:      st.Packets,
				Bytes:        st.Bytes,
				Dropped:      st.Dropped + leg.Session.Stats().Dropped,
			})
		}
		out = append(out, rc)
	}
	return out
}

// CloseAll unregisters every call.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	calls := r.calls
	r.calls = make(map[string]*Call)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range calls {
		wg.Add(1)
		go func(c *Call) {
			defer wg.Done()
			closeLegs(c.Legs[:])
		}(c)
	}
	wg.Wait()
	if len(calls) > 0 {
		slog.Info("[Relay] Closed all calls", "count", len(calls))
	}
}

// reserve claims callID until release. It fails when the id is registered or
// another Register for it is still opening legs.
func (r *Registry) reserve(callID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.calls[callID]; ok {
		return false
	}
	if _, ok := r.reserved[callID]; ok {
		return false
	}
	r.reserved[callID] = struct{}{}
	return true
}

// release drops the reservation for callID and stores call, if non-nil.
func (r *Registry) release(callID string, call *Call) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.reserved, callID)
	if call != nil {
		r.calls[callID] = call
	}
}

func (r *Registry) openLeg(callID, speaker string, port int) (*Leg, error) {
	sess := transcribe.New(r.cfg.ASR, transcribe.Options{
		CallID:       callID,
		Speaker:      speaker,
		OnTranscript: r.cfg.OnTranscript,
	})

	codec := r.cfg.Codec
	sink := rtp.SinkFunc(func(frame []byte) {
		sess.Send(codec.Decode(frame))
	})
	l, err := rtp.Listen(r.cfg.BindAddr, port, sink, rtp.Options{CallID: callID, Speaker: speaker})
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("leg %s: %w", speaker, err)
	}
	return &Leg{Speaker: speaker, Port: port, Listener: l, Session: sess}, nil
}

// close stops packet delivery before closing the session.
func (l *Leg) close() {
	if err := l.Listener.Close(); err != nil {
		slog.Debug("[Relay] Listener close", "speaker", l.Speaker, "port", l.Port, "error", err)
	}
	l.Session.Close()
}

// closeLegs closes legs concurrently and waits for all of them.
func closeLegs(legs []*Leg) {
	var wg sync.WaitGroup
	for _, leg := range legs {
		if leg == nil {
			continue
		}
		wg.Add(1)
		go func(leg *Leg) {
			defer wg.Done()
			leg.close()
		}(leg)
	}
	wg.Wait()
}
