package config

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/sebas/calltap/internal/settings"
	"github.com/sebas/calltap/internal/snoopmgr/orchestrator"
	"github.com/sebas/calltap/internal/snoopmgr/portalloc"
)

// Config holds the snoopmgr configuration
type Config struct {
	// ARI settings
	ARIURL  string `toml:"ari_url"`
	ARIUser string `toml:"ari_user"`
	ARIPass string `toml:"ari_pass"`
	ARIApp  string `toml:"ari_app"`

	// Where the relay listens for forwarded RTP
	RTPHost     string `toml:"rtp_host"`
	RTPBasePort int    `toml:"rtp_base_port"`
	RTPBuckets  int    `toml:"rtp_buckets"`
	RTPCodec    string `toml:"rtp_codec"`

	// Relay control endpoints
	GatewayHTTP string `toml:"gateway_http"`
	GatewayGRPC string `toml:"gateway_grpc"` // empty disables health monitoring

	APIAddr         string        `toml:"api_addr"`
	LogLevel        string        `toml:"loglevel"`
	TeardownOn      string        `toml:"teardown_on"`
	RequestTimeout  time.Duration `toml:"request_timeout"`
	TeardownTimeout time.Duration `toml:"teardown_timeout"`

	// ConfigPath is the TOML file this config was read from, if any.
	ConfigPath string `toml:"-"`
}

// Default returns the built-in defaults
func Default() Config {
	return Config{
		ARIURL:          "http://localhost:8088",
		ARIApp:          "calltap",
		RTPHost:         "127.0.0.1",
		RTPBasePort:     portalloc.DefaultBasePort,
		RTPBuckets:      portalloc.DefaultBuckets,
		RTPCodec:        "slin16",
		GatewayHTTP:     "http://127.0.0.1:9092",
		APIAddr:         ":8081",
		LogLevel:        "info",
		TeardownOn:      string(orchestrator.TeardownOnStasisEnd),
		RequestTimeout:  5 * time.Second,
		TeardownTimeout: 10 * time.Second,
	}
}

func table() []settings.Setting[Config] {
	return []settings.Setting[Config]{
		settings.StringVar("ari-url", "ARI_URL", "ARI base URL", func(c *Config) *string { return &c.ARIURL }),
		settings.StringVar("ari-user", "ARI_USER", "ARI username", func(c *Config) *string { return &c.ARIUser }),
		settings.StringVar("ari-pass", "ARI_PASS", "ARI password", func(c *Config) *string { return &c.ARIPass }),
		settings.StringVar("ari-app", "ARI_APP", "Stasis application name", func(c *Config) *string { return &c.ARIApp }),
		settings.StringVar("rtp-host", "ASR_RTP_HOST", "Host the relay receives RTP on", func(c *Config) *string { return &c.RTPHost }),
		settings.IntVar("rtp-base-port", "ASR_RTP_BASE_PORT", "First relay RTP port", func(c *Config) *int { return &c.RTPBasePort }),
		settings.IntVar("rtp-buckets", "ASR_RTP_BUCKETS", "Number of port pairs", func(c *Config) *int { return &c.RTPBuckets }),
		settings.StringVar("rtp-codec", "ASR_RTP_CODEC", "externalMedia format (slin16, ulaw, alaw)", func(c *Config) *string { return &c.RTPCodec }),
		settings.StringVar("gateway-http", "ASR_GATEWAY_HTTP", "Relay registration base URL", func(c *Config) *string { return &c.GatewayHTTP }),
		settings.StringVar("gateway-grpc", "ASR_GATEWAY_GRPC", "Relay gRPC health address (empty disables)", func(c *Config) *string { return &c.GatewayGRPC }),
		settings.StringVar("api-addr", "API_ADDR", "Admin API listen address", func(c *Config) *string { return &c.APIAddr }),
		settings.StringVar("loglevel", "LOGLEVEL", "Log level (debug, info, warn, error)", func(c *Config) *string { return &c.LogLevel }),
		settings.StringVar("teardown-on", "TEARDOWN_ON", "End the tap on stasis-end or hangup", func(c *Config) *string { return &c.TeardownOn }),
		settings.DurationVar("request-timeout", "REQUEST_TIMEOUT", "Timeout per ARI and relay request", func(c *Config) *time.Duration { return &c.RequestTimeout }),
		settings.DurationVar("teardown-timeout", "TEARDOWN_TIMEOUT", "Bound on each unregister, hangup or bridge destroy during teardown", func(c *Config) *time.Duration { return &c.TeardownTimeout }),
	}
}

// BindFlags registers snoopmgr's flags on fs.
func BindFlags(fs *pflag.FlagSet) {
	def := Default()
	settings.Bind(fs, &def, table())
	if fs.Lookup("config") == nil {
		fs.String("config", "", "Path to a TOML config file")
	}
}

// Load builds the configuration from defaults, the --config file, .env and
// the environment, and explicitly set flags, then validates it.
func Load(fs *pflag.FlagSet) (*Config, error) {
	cfg := Default()
	if fs != nil {
		cfg.ConfigPath, _ = fs.GetString("config")
	}
	if err := settings.Load(&cfg, fs, table(), cfg.ConfigPath); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail later at runtime.
func (c *Config) Validate() error {
	if c.ARIURL == "" || c.ARIApp == "" {
		return fmt.Errorf("ari url and application are required")
	}
	if c.RTPHost == "" {
		return fmt.Errorf("rtp host is required")
	}
	if c.GatewayHTTP == "" {
		return fmt.Errorf("gateway http url is required")
	}
	if _, err := portalloc.New(c.RTPBasePort, c.RTPBuckets); err != nil {
		return err
	}
	if _, err := orchestrator.ParseTeardownTrigger(c.TeardownOn); err != nil {
		return err
	}
	return nil
}
