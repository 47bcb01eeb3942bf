// Package settings layers service configuration: built-in defaults, then an
// optional TOML file, then .env and process environment, then command-line
// flags the user set explicitly.
package settings

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

// Setting describes one configuration value of C reachable by flag and env.
// The TOML key comes from the struct tag of the field Set writes to.
type Setting[C any] struct {
	Flag  string
	Env   string
	Usage string
	Get   func(*C) string
	Set   func(*C, string) error
}

// Bind registers a string flag per setting, showing the default from def.
func Bind[C any](fs *pflag.FlagSet, def *C, table []Setting[C]) {
	for _, s := range table {
		if s.Flag == "" || fs.Lookup(s.Flag) != nil {
			continue
		}
		fs.String(s.Flag, s.Get(def), s.Usage)
	}
}

// Load fills cfg (already holding defaults) from configPath, envFiles and the
// process environment, then from flags changed on fs. A missing .env file is
// not an error; a missing configPath is.
func Load[C any](cfg *C, fs *pflag.FlagSet, table []Setting[C], configPath string, envFiles ...string) error {
	if configPath != "" {
		if _, err := toml.DecodeFile(configPath, cfg); err != nil {
			return fmt.Errorf("failed to parse config file %s: %w", configPath, err)
		}
		slog.Debug("[Config] Loaded config file", "path", configPath)
	}

	if err := godotenv.Load(envFiles...); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to load .env file: %w", err)
	}

	for _, s := range table {
		if s.Env == "" {
			continue
		}
		if v, ok := os.LookupEnv(s.Env); ok && v != "" {
			if err := s.Set(cfg, v); err != nil {
				return fmt.Errorf("env %s: %w", s.Env, err)
			}
		}
	}

	if fs == nil {
		return nil
	}
	byFlag := make(map[string]Setting[C], len(table))
	for _, s := range table {
		if s.Flag != "" {
			byFlag[s.Flag] = s
		}
	}
	var flagErr error
	fs.Visit(func(f *pflag.Flag) {
		s, ok := byFlag[f.Name]
		if !ok || flagErr != nil {
			return
		}
		if err := s.Set(cfg, f.Value.String()); err != nil {
			flagErr = fmt.Errorf("flag --%s: %w", f.Name, err)
		}
	})
	return flagErr
}

// StringVar declares a string setting stored in the field returned by field.
func StringVar[C any](flag, env, usage string, field func(*C) *string) Setting[C] {
	return Setting[C]{
		Flag:  flag,
		Env:   env,
		Usage: usage,
		Get:   func(c *C) string { return *field(c) },
		Set:   func(c *C, v string) error { *field(c) = v; return nil },
	}
}

// IntVar declares an integer setting.
func IntVar[C any](flag, env, usage string, field func(*C) *int) Setting[C] {
	return Setting[C]{
		Flag:  flag,
		Env:   env,
		Usage: usage,
		Get:   func(c *C) string { return strconv.Itoa(*field(c)) },
		Set: func(c *C, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid integer %q", v)
			}
			*field(c) = n
			return nil
		},
	}
}

// DurationVar declares a time.Duration setting written like "5s".
func DurationVar[C any](flag, env, usage string, field func(*C) *time.Duration) Setting[C] {
	return Setting[C]{
		Flag:  flag,
		Env:   env,
		Usage: usage,
		Get:   func(c *C) string { return field(c).String() },
		Set: func(c *C, v string) error {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid duration %q", v)
			}
			*field(c) = d
			return nil
		},
	}
}
