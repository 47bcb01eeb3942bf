// Package api serves snoopmgr's admin HTTP API.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	typesv1 "github.com/sebas/calltap/api/types/v1"
	"github.com/sebas/calltap/internal/snoopmgr/session"
)

// CallProvider lists tapped calls. Implemented by session.Registry.
type CallProvider interface {
	List() []session.Snapshot
	Count() int
}

// CallTerminator ends a tap on request. Implemented by orchestrator.Orchestrator.
type CallTerminator interface {
	EndCall(ctx context.Context, channelID string) bool
}

// RelayHealth reports relay availability. Implemented by relayclient.HealthMonitor.
type RelayHealth interface {
	Healthy() bool
}

// Server provides the admin HTTP API (headless, API only)
type Server struct {
	addr       string
	httpServer *http.Server
	listener   net.Listener
	calls      CallProvider
	terminator CallTerminator
	relay      RelayHealth
	startTime  time.Time
}

// NewServer creates a new API server
func NewServer(addr string, calls CallProvider, terminator CallTerminator, relay RelayHealth) *Server {
	s := &Server{
		addr:       addr,
		calls:      calls,
		terminator: terminator,
		relay:      relay,
		startTime:  time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/health", s.handleHealth)
	mux.HandleFunc("/api/v1/calls", s.handleCalls)
	mux.HandleFunc("/api/v1/calls/", s.handleCallByID)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = ln
	slog.Info("[API] Starting HTTP API server", "addr", ln.Addr().String())
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("[API] Server error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if s.relay != nil && !s.relay.Healthy() {
		status = "degraded"
	}
	s.writeJSON(w, http.StatusOK, typesv1.HealthResponse{
		Status:      status,
		Uptime:      int64(time.Since(s.startTime).Seconds()),
		ActiveCalls: s.calls.Count(),
	})
}

func (s *Server) handleCalls(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snaps := s.calls.List()
	out := make([]typesv1.Call, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, toCall(snap))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCallByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/calls/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		for _, snap := range s.calls.List() {
			if snap.ChannelID == id {
				s.writeJSON(w, http.StatusOK, toCall(snap))
				return
			}
		}
		http.Error(w, "Call not found", http.StatusNotFound)
	case http.MethodDelete:
		if !s.terminator.EndCall(r.Context(), id) {
			http.Error(w, "No active call", http.StatusNotFound)
			return
		}
		s.writeJSON(w, http.StatusOK, typesv1.AckResponse{OK: true})
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func toCall(snap session.Snapshot) typesv1.Call {
	return typesv1.Call{
		ChannelID:     snap.ChannelID,
		CorrelationID: snap.CorrelationID,
		UniqueID:      snap.UniqueID,
		State:         snap.State.String(),
		PortIn:        snap.Ports.In,
		PortOut:       snap.Ports.Out,
		TapLegs:       snap.TapLegIDs[:],
		RelayLegs:     snap.RelayLegIDs[:],
		Bridges:       snap.BridgeIDs[:],
		Duration:      int(time.Since(snap.CreatedAt).Seconds()),
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("[API] Failed to encode JSON", "error", err)
	}
}
