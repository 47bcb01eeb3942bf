package config

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/sebas/calltap/internal/asrgateway/media"
	"github.com/sebas/calltap/internal/settings"
)

// Config holds the asrgateway configuration
type Config struct {
	// Speech service
	ASRAPIKey     string `toml:"asr_api_key"`
	ASRModel      string `toml:"asr_model"`
	ASRURL        string `toml:"asr_url"`
	ASRSampleRate int    `toml:"asr_sample_rate"`

	// Listeners
	HTTPPort int    `toml:"http_port"`
	GRPCPort int    `toml:"grpc_port"` // 0 disables the health service
	RTPBind  string `toml:"rtp_bind"`

	// Audio handling
	InputCodec string `toml:"input_codec"`
	QueueLimit int    `toml:"queue_limit"` // 0 means unbounded

	CloseTimeout time.Duration `toml:"close_timeout"`
	LogLevel     string        `toml:"loglevel"`

	// ConfigPath is the TOML file this config was read from, if any.
	ConfigPath string `toml:"-"`
}

// Default returns the built-in defaults
func Default() Config {
	return Config{
		ASRModel:      "qwen3-asr-flash-realtime",
		ASRURL:        "wss://dashscope-intl.aliyuncs.com/api-ws/v1/realtime",
		ASRSampleRate: 16000,
		HTTPPort:      9092,
		GRPCPort:      9093,
		RTPBind:       "0.0.0.0",
		InputCodec:    "slin",
		CloseTimeout:  2 * time.Second,
		LogLevel:      "info",
	}
}

func table() []settings.Setting[Config] {
	return []settings.Setting[Config]{
		settings.StringVar("asr-api-key", "QWEN3_ASR_API_KEY", "Speech service API key", func(c *Config) *string { return &c.ASRAPIKey }),
		settings.StringVar("asr-model", "QWEN3_ASR_MODEL", "Speech model name", func(c *Config) *string { return &c.ASRModel }),
		settings.StringVar("asr-url", "QWEN3_ASR_URL", "Speech service websocket URL", func(c *Config) *string { return &c.ASRURL }),
		settings.IntVar("asr-sample-rate", "QWEN3_ASR_SAMPLE_RATE", "Sample rate announced to the speech service", func(c *Config) *int { return &c.ASRSampleRate }),
		settings.IntVar("http-port", "GATEWAY_HTTP_PORT", "Registration and admin HTTP port", func(c *Config) *int { return &c.HTTPPort }),
		settings.IntVar("grpc-port", "GATEWAY_GRPC_PORT", "gRPC health port (0 disables)", func(c *Config) *int { return &c.GRPCPort }),
		settings.StringVar("rtp-bind", "RTP_BIND", "Address RTP listeners bind to", func(c *Config) *string { return &c.RTPBind }),
		settings.StringVar("input-codec", "ASR_INPUT_CODEC", "Inbound RTP payload codec (slin, slin-be, ulaw, alaw)", func(c *Config) *string { return &c.InputCodec }),
		settings.IntVar("queue-limit", "ASR_QUEUE_LIMIT", "Max frames queued per leg (0 unbounded)", func(c *Config) *int { return &c.QueueLimit }),
		settings.DurationVar("close-timeout", "ASR_CLOSE_TIMEOUT", "Bound on closing one speech session", func(c *Config) *time.Duration { return &c.CloseTimeout }),
		settings.StringVar("loglevel", "LOGLEVEL", "Log level (debug, info, warn, error)", func(c *Config) *string { return &c.LogLevel }),
	}
}

// BindFlags registers asrgateway's flags on fs.
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

// Codec returns the parsed input codec.
func (c *Config) Codec() (media.Codec, error) {
	return media.ParseCodec(c.InputCodec)
}

// Validate checks values that would otherwise fail later at runtime.
func (c *Config) Validate() error {
	if c.ASRURL == "" || c.ASRModel == "" {
		return fmt.Errorf("asr url and model are required")
	}
	if c.ASRSampleRate <= 0 {
		return fmt.Errorf("invalid asr sample rate: %d", c.ASRSampleRate)
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid http port: %d", c.HTTPPort)
	}
	if c.GRPCPort < 0 || c.GRPCPort > 65535 {
		return fmt.Errorf("invalid grpc port: %d", c.GRPCPort)
	}
	if c.QueueLimit < 0 {
		return fmt.Errorf("queue limit must not be negative")
	}
	if _, err := c.Codec(); err != nil {
		return err
	}
	return nil
}
