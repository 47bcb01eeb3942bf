package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/sebas/calltap/internal/asrgateway/api"
	"github.com/sebas/calltap/internal/asrgateway/config"
	"github.com/sebas/calltap/internal/asrgateway/registry"
	"github.com/sebas/calltap/internal/asrgateway/transcribe"
	"github.com/sebas/calltap/internal/confwatch"
	"github.com/sebas/calltap/internal/logger"
)

// HealthService is the gRPC health service name reported alongside the
// server-wide status.
const HealthService = "asrgateway"

// Gateway wires the relay registry, registration API and health service.
type Gateway struct {
	config    *config.Config
	registry  *registry.Registry
	apiServer *api.Server
	grpc      *grpc.Server
	health    *health.Server
	watcher   *confwatch.Watcher
}

func New(cfg *config.Config) (*Gateway, error) {
	codec, err := cfg.Codec()
	if err != nil {
		return nil, err
	}

	reg := registry.New(registry.Config{
		BindAddr: cfg.RTPBind,
		Codec:    codec,
		ASR: transcribe.Config{
			URL:          cfg.ASRURL,
			Model:        cfg.ASRModel,
			APIKey:       cfg.ASRAPIKey,
			SampleRate:   cfg.ASRSampleRate,
			QueueLimit:   cfg.QueueLimit,
			CloseTimeout: cfg.CloseTimeout,
		},
	})

	apiServer, err := api.NewServer(net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)), reg)
	if err != nil {
		return nil, fmt.Errorf("failed to create API server: %w", err)
	}

	g := &Gateway{
		config:    cfg,
		registry:  reg,
		apiServer: apiServer,
	}
	if cfg.GRPCPort > 0 {
		g.health = health.NewServer()
		g.grpc = grpc.NewServer()
		healthpb.RegisterHealthServer(g.grpc, g.health)
	}
	if cfg.ConfigPath != "" {
		g.watcher = confwatch.New(cfg.ConfigPath, func(t confwatch.Tunables) {
			if t.LogLevel != "" && t.LogLevel != logger.GetLevel() {
				logger.SetLevel(t.LogLevel)
				slog.Info("[Config] Log level changed", "level", t.LogLevel)
			}
		})
	}
	return g, nil
}

// Registry exposes the call table, mainly for tests.
func (g *Gateway) Registry() *registry.Registry {
	return g.registry
}

// Run serves until ctx is cancelled, then closes every relayed call.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}
	if g.grpc != nil {
		if err := g.startHealth(); err != nil {
			g.stopAPI()
			return err
		}
	}
	if g.watcher != nil {
		if err := g.watcher.Start(ctx); err != nil {
			slog.Warn("[Config] Hot reload disabled", "error", err)
			g.watcher = nil
		}
	}

	slog.Info("Starting asrgateway",
		"http", g.apiServer.Addr(),
		"grpc_port", g.config.GRPCPort,
		"rtp_bind", g.config.RTPBind,
		"codec", g.config.InputCodec,
		"model", g.config.ASRModel,
	)

	<-ctx.Done()
	g.shutdown()
	return nil
}

func (g *Gateway) startHealth() error {
	addr := net.JoinHostPort("", strconv.Itoa(g.config.GRPCPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	g.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	g.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_SERVING)

	slog.Info("[Relay] gRPC health listening", "addr", ln.Addr().String())
	go func() {
		if err := g.grpc.Serve(ln); err != nil {
			slog.Error("[Relay] gRPC server error", "error", err)
		}
	}()
	return nil
}

// shutdown reports NOT_SERVING before it stops registration and releases
// every call.
func (g *Gateway) shutdown() {
	if g.health != nil {
		g.health.Shutdown()
	}
	g.stopAPI()

	if n := g.registry.Count(); n > 0 {
		slog.Info("[Relay] Releasing calls on shutdown", "count", n)
	}
	g.registry.CloseAll()

	if g.grpc != nil {
		g.grpc.GracefulStop()
	}
}

func (g *Gateway) stopAPI() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.apiServer.Stop(ctx); err != nil {
		slog.Warn("[API] Shutdown", "error", err)
	}
}

// Close releases background resources not tied to Run.
func (g *Gateway) Close() error {
	if g.watcher != nil {
		g.watcher.Stop()
	}
	return nil
}
