package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func newFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("snoopmgr", pflag.ContinueOnError)
	BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatal(err)
	}
	return fs
}

func TestDefaults(t *testing.T) {
	cfg, err := Load(newFlags(t))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.RTPBasePort != 40000 || cfg.RTPBuckets != 2000 || cfg.TeardownOn != "stasis-end" {
		t.Errorf("defaults = %+v", cfg)
	}
}

func TestEnvironmentNames(t *testing.T) {
	t.Setenv("ARI_URL", "http://pbx:8088")
	t.Setenv("ARI_APP", "tapper")
	t.Setenv("ASR_RTP_HOST", "10.1.1.1")
	t.Setenv("ASR_RTP_BASE_PORT", "30000")
	t.Setenv("ASR_RTP_CODEC", "ulaw")
	t.Setenv("ASR_GATEWAY_HTTP", "http://relay:9092")

	cfg, err := Load(newFlags(t, "--rtp-codec", "alaw"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ARIURL != "http://pbx:8088" || cfg.ARIApp != "tapper" || cfg.RTPHost != "10.1.1.1" || cfg.RTPBasePort != 30000 || cfg.GatewayHTTP != "http://relay:9092" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.RTPCodec != "alaw" {
		t.Errorf("flag did not override env: codec = %q", cfg.RTPCodec)
	}
}

func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snoopmgr.toml")
	body := "ari_app = \"fromfile\"\nteardown_on = \"hangup\"\nrequest_timeout = \"2s\"\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(newFlags(t, "--config", path))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ARIApp != "fromfile" || cfg.TeardownOn != "hangup" || cfg.RequestTimeout != 2*time.Second {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.ConfigPath != path {
		t.Errorf("ConfigPath = %q", cfg.ConfigPath)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*Config)
	}{
		{"bad teardown", func(c *Config) { c.TeardownOn = "sometime" }},
		{"port range", func(c *Config) { c.RTPBasePort = 65000 }},
		{"no app", func(c *Config) { c.ARIApp = "" }},
		{"no gateway", func(c *Config) { c.GatewayHTTP = "" }},
	}
	for _, tt := range tests {
		cfg := Default()
		tt.mod(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}
