// Package api serves asrgateway's registration endpoint and admin API.
package api

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	typesv1 "github.com/sebas/calltap/api/types/v1"
	"github.com/sebas/calltap/internal/asrgateway/registry"
)

const maxBodySize = 64 << 10

//go:embed schemas/*.json
var schemaFS embed.FS

// Calls is the relay-side call table. Implemented by registry.Registry.
type Calls interface {
	Register(callID, uniqueID string, portIn, portOut int) error
	Unregister(callID string) bool
	List() []typesv1.RelayCall
	Count() int
}

// Server provides /register, /unregister and the admin API
type Server struct {
	addr       string
	httpServer *http.Server
	listener   net.Listener
	calls      Calls
	startTime  time.Time

	registerSchema   *jsonschema.Schema
	unregisterSchema *jsonschema.Schema
}

// NewServer creates a new API server
func NewServer(addr string, calls Calls) (*Server, error) {
	reg, err := compileSchema("register.json")
	if err != nil {
		return nil, err
	}
	unreg, err := compileSchema("unregister.json")
	if err != nil {
		return nil, err
	}

	s := &Server{
		addr:             addr,
		calls:            calls,
		startTime:        time.Now(),
		registerSchema:   reg,
		unregisterSchema: unreg,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/register", s.handleRegister)
	mux.HandleFunc("/unregister", s.handleUnregister)
	mux.HandleFunc("/api/v1/health", s.handleHealth)
	mux.HandleFunc("/api/v1/calls", s.handleCalls)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

func compileSchema(name string) (*jsonschema.Schema, error) {
	f, err := schemaFS.Open("schemas/" + name)
	if err != nil {
		return nil, fmt.Errorf("open schema %s: %w", name, err)
	}
	defer f.Close()

	url := "https://calltap.local/schemas/" + name
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, f); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", name, err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return schema, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = ln
	slog.Info("[API] Starting registration server", "addr", ln.Addr().String())
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

// decode validates the body against schema, then unmarshals it into v.
func (s *Server) decode(r *http.Request, schema *jsonschema.Schema, v any) error {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := schema.Validate(payload); err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req typesv1.RegisterRequest
	if err := s.decode(r, s.registerSchema, &req); err != nil {
		slog.Warn("[API] Invalid register request", "error", err)
		s.writeJSON(w, http.StatusBadRequest, typesv1.AckResponse{Error: err.Error()})
		return
	}

	err := s.calls.Register(req.CallID, req.UniqueID, req.PortIn, req.PortOut)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, typesv1.AckResponse{OK: true})
	case errors.Is(err, registry.ErrDuplicateCall):
		slog.Warn("[API] Duplicate register", "call_id", req.CallID)
		s.writeJSON(w, http.StatusConflict, typesv1.AckResponse{Error: err.Error()})
	default:
		slog.Error("[API] Register failed", "call_id", req.CallID, "port_in", req.PortIn, "port_out", req.PortOut, "error", err)
		s.writeJSON(w, http.StatusInternalServerError, typesv1.AckResponse{Error: err.Error()})
	}
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req typesv1.UnregisterRequest
	if err := s.decode(r, s.unregisterSchema, &req); err != nil {
		slog.Warn("[API] Invalid unregister request", "error", err)
		s.writeJSON(w, http.StatusBadRequest, typesv1.AckResponse{Error: err.Error()})
		return
	}

	s.calls.Unregister(req.CallID)
	s.writeJSON(w, http.StatusOK, typesv1.AckResponse{OK: true})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, typesv1.HealthResponse{
		Status:      "ok",
		Uptime:      int64(time.Since(s.startTime).Seconds()),
		ActiveCalls: s.calls.Count(),
	})
}

func (s *Server) handleCalls(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.calls.List())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("[API] Failed to encode JSON", "error", err)
	}
}
