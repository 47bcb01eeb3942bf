package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sebas/calltap/internal/ari"
	"github.com/sebas/calltap/internal/confwatch"
	"github.com/sebas/calltap/internal/logger"
	"github.com/sebas/calltap/internal/snoopmgr/api"
	"github.com/sebas/calltap/internal/snoopmgr/config"
	"github.com/sebas/calltap/internal/snoopmgr/orchestrator"
	"github.com/sebas/calltap/internal/snoopmgr/portalloc"
	"github.com/sebas/calltap/internal/snoopmgr/relayclient"
	"github.com/sebas/calltap/internal/snoopmgr/session"
	"github.com/sebas/calltap/internal/snoopmgr/topology"
)

// SnoopMgr wires the ARI client, relay client, orchestrator and admin API.
type SnoopMgr struct {
	config     *config.Config
	ari        *ari.Client
	registry   *session.Registry
	health     *relayclient.HealthMonitor
	orch       *orchestrator.Orchestrator
	dispatcher *orchestrator.Dispatcher
	apiServer  *api.Server
	watcher    *confwatch.Watcher
}

func New(cfg *config.Config) (*SnoopMgr, error) {
	httpCli := &http.Client{Timeout: cfg.RequestTimeout}

	ariClient, err := ari.NewClient(ari.Config{
		URL:            cfg.ARIURL,
		Username:       cfg.ARIUser,
		Password:       cfg.ARIPass,
		Application:    cfg.ARIApp,
		RequestTimeout: cfg.RequestTimeout,
		HTTPClient:     httpCli,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ARI client: %w", err)
	}

	relay, err := relayclient.NewClient(relayclient.Config{
		BaseURL:        cfg.GatewayHTTP,
		RequestTimeout: cfg.RequestTimeout,
		HTTPClient:     httpCli,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create relay client: %w", err)
	}

	healthCfg := relayclient.DefaultHealthConfig()
	healthCfg.Address = cfg.GatewayGRPC
	health, err := relayclient.NewHealthMonitor(healthCfg)
	if err != nil {
		return nil, err
	}

	alloc, err := portalloc.New(cfg.RTPBasePort, cfg.RTPBuckets)
	if err != nil {
		health.Stop()
		return nil, err
	}
	trigger, err := orchestrator.ParseTeardownTrigger(cfg.TeardownOn)
	if err != nil {
		health.Stop()
		return nil, err
	}

	registry := session.NewRegistry(session.DefaultRegistryConfig())
	builder := topology.NewBuilder(ariClient, registry, topology.Config{
		RelayHost:     cfg.RTPHost,
		Codec:         cfg.RTPCodec,
		RemoveTimeout: cfg.TeardownTimeout,
	})
	orch := orchestrator.New(ariClient, relay, health, registry, builder, alloc, orchestrator.Config{
		TeardownOn:      trigger,
		TeardownTimeout: cfg.TeardownTimeout,
	})

	m := &SnoopMgr{
		config:     cfg,
		ari:        ariClient,
		registry:   registry,
		health:     health,
		orch:       orch,
		dispatcher: orchestrator.NewDispatcher(),
		apiServer:  api.NewServer(cfg.APIAddr, registry, orch, health),
	}
	if cfg.ConfigPath != "" {
		m.watcher = confwatch.New(cfg.ConfigPath, func(t confwatch.Tunables) {
			if t.LogLevel != "" && t.LogLevel != logger.GetLevel() {
				logger.SetLevel(t.LogLevel)
				slog.Info("[Config] Log level changed", "level", t.LogLevel)
			}
		})
	}
	return m, nil
}

// Run serves until ctx is cancelled, then stops taking events and releases
// every tapped call.
func (m *SnoopMgr) Run(ctx context.Context) error {
	m.health.Start()
	if err := m.apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}
	if m.watcher != nil {
		if err := m.watcher.Start(ctx); err != nil {
			slog.Warn("[Config] Hot reload disabled", "error", err)
			m.watcher = nil
		}
	}

	events := m.ari.Events()
	events.OnConnect(func() {
		slog.Info("[ARI] Event stream connected", "app", m.ari.Application())
	})

	slog.Info("Starting snoopmgr",
		"ari_url", m.config.ARIURL,
		"app", m.config.ARIApp,
		"relay", m.config.GatewayHTTP,
		"rtp_host", m.config.RTPHost,
		"teardown_on", m.config.TeardownOn,
	)

	err := events.Run(ctx, m.orch.EventHandler(ctx, m.dispatcher))
	m.shutdown()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (m *SnoopMgr) shutdown() {
	m.dispatcher.Close()

	if n := m.registry.Count(); n > 0 {
		slog.Info("[Orchestrator] Releasing calls on shutdown", "count", n)
	}
	m.orch.Shutdown(context.Background())
}

// Close releases background resources.
func (m *SnoopMgr) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := m.apiServer.Stop(ctx)
	if m.watcher != nil {
		m.watcher.Stop()
	}
	m.health.Stop()
	m.registry.Close()
	return err
}
