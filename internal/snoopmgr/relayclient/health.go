package relayclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// HealthConfig configures the relay health monitor.
type HealthConfig struct {
	Address            string // relay gRPC address; empty disables monitoring
	Service            string // health service name, "" for the server as a whole
	CheckInterval      time.Duration
	CheckTimeout       time.Duration
	KeepaliveInterval  time.Duration
	KeepaliveTimeout   time.Duration
	UnhealthyThreshold int // consecutive failed checks before marking unhealthy
	HealthyThreshold   int // consecutive successful checks before marking healthy
}

// DefaultHealthConfig returns sensible defaults
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		CheckInterval:      5 * time.Second,
		CheckTimeout:       2 * time.Second,
		KeepaliveInterval:  30 * time.Second,
		KeepaliveTimeout:   10 * time.Second,
		UnhealthyThreshold: 3,
		HealthyThreshold:   2,
	}
}

// HealthMonitor polls the relay's grpc.health.v1 service. The relay starts out
// healthy; thresholds stop a single failed probe from flapping the state.
type HealthMonitor struct {
	cfg     HealthConfig
	conn    *grpc.ClientConn
	client  healthpb.HealthClient
	healthy atomic.Bool

	failCount    int
	successCount int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHealthMonitor creates a monitor. The connection is established lazily by
// grpc, so an unreachable relay is not an error here.
func NewHealthMonitor(cfg HealthConfig) (*HealthMonitor, error) {
	def := DefaultHealthConfig()
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = def.CheckTimeout
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = def.KeepaliveInterval
	}
	if cfg.KeepaliveTimeout <= 0 {
		cfg.KeepaliveTimeout = def.KeepaliveTimeout
	}
	if cfg.UnhealthyThreshold <= 0 {
		cfg.UnhealthyThreshold = def.UnhealthyThreshold
	}
	if cfg.HealthyThreshold <= 0 {
		cfg.HealthyThreshold = def.HealthyThreshold
	}

	m := &HealthMonitor{cfg: cfg, stopCh: make(chan struct{})}
	m.healthy.Store(true)
	if cfg.Address == "" {
		return m, nil
	}

	conn, err := grpc.NewClient(cfg.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                cfg.KeepaliveInterval,
			Timeout:             cfg.KeepaliveTimeout,
			PermitWithoutStream: true,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("relay health client %s: %w", cfg.Address, err)
	}
	m.conn = conn
	m.client = healthpb.NewHealthClient(conn)
	return m, nil
}

// Start begins periodic checks. It is a no-op when no address is configured.
func (m *HealthMonitor) Start() {
	if m.client == nil {
		return
	}
	m.wg.Add(1)
	go m.loop()
	slog.Info("[Relay] Health monitor started", "address", m.cfg.Address, "interval", m.cfg.CheckInterval)
}

// Healthy reports the current view of the relay. Always true when unmonitored.
func (m *HealthMonitor) Healthy() bool {
	return m.healthy.Load()
}

// Stop halts checks and closes the connection.
func (m *HealthMonitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.wg.Wait()
		if m.conn != nil {
			m.conn.Close()
		}
	})
}

func (m *HealthMonitor) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.observe(m.probe())
		}
	}
}

func (m *HealthMonitor) probe() bool {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CheckTimeout)
	defer cancel()
	resp, err := m.client.Check(ctx, &healthpb.HealthCheckRequest{Service: m.cfg.Service})
	if err != nil {
		slog.Debug("[Relay] Health check failed", "address", m.cfg.Address, "error", err)
		return false
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
}

// observe applies one probe result. Only the loop goroutine calls it.
func (m *HealthMonitor) observe(ok bool) {
	if ok {
		m.failCount = 0
		m.successCount++
		if !m.healthy.Load() && m.successCount >= m.cfg.HealthyThreshold {
			m.healthy.Store(true)
			slog.Info("[Relay] Relay marked healthy", "address", m.cfg.Address)
		}
		return
	}
	m.successCount = 0
	m.failCount++
	if m.healthy.Load() && m.failCount >= m.cfg.UnhealthyThreshold {
		m.healthy.Store(false)
		slog.Warn("[Relay] Relay marked unhealthy", "address", m.cfg.Address)
	}
}
