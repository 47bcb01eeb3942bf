package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/sebas/calltap/internal/asrgateway/config"
	"github.com/sebas/calltap/internal/snoopmgr/portalloc"
	"github.com/sebas/calltap/internal/snoopmgr/relayclient"
)

func freeTCPPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func freeUDPPort(t *testing.T) int {
	t.Helper()
	c, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	return c.LocalAddr().(*net.UDPAddr).Port
}

// echoASR accepts sessions and discards what they send.
func echoASR(t *testing.T) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestGatewayServesRelayClient(t *testing.T) {
	cfg := config.Default()
	cfg.HTTPPort = freeTCPPort(t)
	cfg.GRPCPort = freeTCPPort(t)
	cfg.RTPBind = "127.0.0.1"
	cfg.ASRURL = echoASR(t)
	cfg.CloseTimeout = 300 * time.Millisecond

	g, err := New(&cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer g.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()
	defer func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Run did not return")
		}
	}()

	base := fmt.Sprintf("http://127.0.0.1:%d", cfg.HTTPPort)
	deadline := time.Now().Add(3 * time.Second)
	for {
		resp, err := http.Get(base + "/api/v1/health")
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("gateway not reachable: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	client, err := relayclient.NewClient(relayclient.Config{BaseURL: base, RequestTimeout: 2 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	ports := portalloc.Ports{In: freeUDPPort(t), Out: freeUDPPort(t)}

	if err := client.Register(ctx, "L1", "1700000000.1", ports); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := client.Register(ctx, "L1", "", ports); !errors.Is(err, relayclient.ErrDuplicateCall) {
		t.Errorf("duplicate Register = %v, want ErrDuplicateCall", err)
	}
	if n := g.Registry().Count(); n != 1 {
		t.Errorf("registered calls = %d, want 1", n)
	}

	conn, err := grpc.NewClient(fmt.Sprintf("127.0.0.1:%d", cfg.GRPCPort), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	checkCtx, checkCancel := context.WithTimeout(ctx, 2*time.Second)
	defer checkCancel()
	resp, err := healthpb.NewHealthClient(conn).Check(checkCtx, &healthpb.HealthCheckRequest{Service: HealthService})
	if err != nil {
		t.Fatalf("health check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("health = %v, want SERVING", resp.GetStatus())
	}

	for i := 0; i < 2; i++ {
		if err := client.Unregister(ctx, "L1"); err != nil {
			t.Errorf("Unregister: %v", err)
		}
	}
	if n := g.Registry().Count(); n != 0 {
		t.Errorf("registered calls after unregister = %d", n)
	}
}
