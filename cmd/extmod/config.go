package main

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/creachadair/extmod"
	"github.com/creachadair/extmod/channel"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// fileConfig is the format of a configuration file. The same keys are used
// for TOML and YAML.
type fileConfig struct {
	Addr             string         `toml:"addr" yaml:"addr"`
	Role             string         `toml:"role" yaml:"role"`
	ReconnectTimeout string         `toml:"reconnect_timeout" yaml:"reconnect_timeout"`
	CallTimeout      string         `toml:"call_timeout" yaml:"call_timeout"`
	NoReconnect      bool           `toml:"no_reconnect" yaml:"no_reconnect"`
	NoDecorate       bool           `toml:"no_decorate" yaml:"no_decorate"`
	Parameters       map[string]any `toml:"parameters" yaml:"parameters"`
}

// loadConfig reads a configuration file. The format is chosen by the file
// extension: ".toml" for TOML, ".yaml" or ".yml" for YAML.
func loadConfig(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	var cfg fileConfig
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		err = toml.Unmarshal(data, &cfg)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		return nil, fmt.Errorf("config format %q not recognized (%s)", ext, path)
	}
	if err != nil {
		return nil, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return &cfg, nil
}

// options converts the configuration to connection options. The address is
// parsed with channel.SplitAddress; an empty address or "-" selects pipe mode.
func (c *fileConfig) options() (extmod.Options, error) {
	opts := extmod.Options{
		Role:        c.Role,
		NoReconnect: c.NoReconnect,
		NoDecorate:  c.NoDecorate,
		Parameters:  c.Parameters,
	}
	if c.Addr != "" && c.Addr != "-" {
		switch network, addr := channel.SplitAddress(c.Addr); network {
		case "unix":
			opts.Path = addr
		default:
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return opts, fmt.Errorf("invalid address %q: %w", c.Addr, err)
			}
			n, err := net.LookupPort("tcp", port)
			if err != nil {
				return opts, fmt.Errorf("invalid port %q: %w", port, err)
			}
			opts.Host, opts.Port = host, n
		}
	}
	var err error
	if opts.ReconnectTimeout, err = parseDuration("reconnect_timeout", c.ReconnectTimeout); err != nil {
		return opts, err
	}
	if opts.CallTimeout, err = parseDuration("call_timeout", c.CallTimeout); err != nil {
		return opts, err
	}
	return opts, nil
}

func parseDuration(name, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	return d, nil
}

// envLogLevel names the environment variable that sets the log level.
const envLogLevel = "EXTMOD_LOG_LEVEL"

// newLogger returns a console logger writing to w, at the level named by
// the environment, or warnings and above by default.
func newLogger(w io.Writer) zerolog.Logger {
	level := zerolog.WarnLevel
	if s := os.Getenv(envLogLevel); s != "" {
		if lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s))); err == nil {
			level = lvl
		}
	}
	output := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	return zerolog.New(output).Level(level).With().Timestamp().Str("app", "extmod").Logger()
}
