// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package config loads pluginbridge settings from a YAML file, the
// environment and command-line flags, in increasing order of precedence.
package config

import (
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/holomush/pluginbridge/internal/gateway"
	"github.com/holomush/pluginbridge/internal/logging"
	"github.com/holomush/pluginbridge/internal/protocol"
	"github.com/holomush/pluginbridge/internal/router"
	"github.com/holomush/pluginbridge/internal/xdg"
)

// DefaultEnvPrefix is the prefix of every environment variable read.
const DefaultEnvPrefix = "THEIA_PLUGIN_ENDPOINT"

// DefaultPort is the gateway port used when none is configured.
const DefaultPort = 2503

// Plugin ids contain dots, so keys are delimited with '/'.
const delim = "/"

// RetryConfig controls how the router dials endpoints.
type RetryConfig struct {
	Base     time.Duration `koanf:"base"`
	Max      time.Duration `koanf:"max"`
	Attempts uint64        `koanf:"attempts"`
}

// LogConfig selects the log format and level.
type LogConfig struct {
	Format string `koanf:"format"`
	Level  string `koanf:"level"`
}

// StorageConfig holds the storage paths handed to every plugin host.
type StorageConfig struct {
	LogPath           string `koanf:"log_path"`
	StoragePath       string `koanf:"storage_path"`
	GlobalStoragePath string `koanf:"global_storage_path"`
}

// Config is the merged configuration of every pluginbridge command.
type Config struct {
	// Bind is the gateway listen host; empty listens on every interface.
	Bind         string        `koanf:"bind"`
	Port         int           `koanf:"port"`
	Mode         string        `koanf:"mode"`
	PingInterval time.Duration `koanf:"ping_interval"`
	CallTimeout  time.Duration `koanf:"call_timeout"`
	PluginsDir   string        `koanf:"plugins_dir"`
	MetricsAddr  string        `koanf:"metrics_addr"`

	// Addresses are remote endpoint URLs keyed by a free-form name.
	Addresses map[string]string `koanf:"addresses"`
	// Mappings send a plugin id to an endpoint URL.
	Mappings map[string]string `koanf:"mappings"`
	// Routes send every plugin matching a pattern to an endpoint URL.
	Routes []router.Route `koanf:"routes"`

	Retry   RetryConfig   `koanf:"retry"`
	Log     LogConfig     `koanf:"log"`
	Storage StorageConfig `koanf:"storage"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Port:         DefaultPort,
		Mode:         string(gateway.ModeTargeted),
		PingInterval: gateway.DefaultPingInterval,
		CallTimeout:  30 * time.Second,
		PluginsDir:   "plugins",
		Retry: RetryConfig{
			Base:     500 * time.Millisecond,
			Max:      30 * time.Second,
			Attempts: 5,
		},
		Log: LogConfig{Format: logging.FormatJSON, Level: "info"},
		Storage: StorageConfig{
			LogPath:           xdg.PluginLogDir(),
			StoragePath:       xdg.PluginStorageDir(),
			GlobalStoragePath: xdg.GlobalStorageDir(),
		},
	}
}

// Options controls where Load reads from.
type Options struct {
	// File is an optional YAML file. A missing file is an error. When
	// empty, the XDG config file is read if present.
	File string
	// EnvPrefix defaults to DefaultEnvPrefix.
	EnvPrefix string
	// Flags are applied last. Only flags in flagKeys are read.
	Flags *pflag.FlagSet
}

// flagKeys maps command-line flag names onto configuration keys.
var flagKeys = map[string]string{
	"bind":          "bind",
	"port":          "port",
	"mode":          "mode",
	"ping-interval": "ping_interval",
	"call-timeout":  "call_timeout",
	"plugins-dir":   "plugins_dir",
	"metrics-addr":  "metrics_addr",
	"log-format":    "log/format",
	"log-level":     "log/level",
}

// envKeys maps environment variable suffixes onto configuration keys.
var envKeys = map[string]string{
	"BIND":                        "bind",
	"PORT":                        "port",
	"MODE":                        "mode",
	"PING_INTERVAL":               "ping_interval",
	"CALL_TIMEOUT":                "call_timeout",
	"PLUGINS_DIR":                 "plugins_dir",
	"METRICS_ADDR":                "metrics_addr",
	"RETRY_BASE":                  "retry/base",
	"RETRY_MAX":                   "retry/max",
	"RETRY_ATTEMPTS":              "retry/attempts",
	"LOG_FORMAT":                  "log/format",
	"LOG_LEVEL":                   "log/level",
	"STORAGE_LOG_PATH":            "storage/log_path",
	"STORAGE_PATH":                "storage/storage_path",
	"STORAGE_GLOBAL_STORAGE_PATH": "storage/global_storage_path",
}

// Load merges defaults, the file, the environment and flags.
func Load(opts Options) (Config, error) {
	prefix := opts.EnvPrefix
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	prefix += "_"

	k := koanf.New(delim)

	path := opts.File
	if path == "" {
		path, _ = xdg.ConfigFile()
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, oops.Code("CONFIG_FILE_INVALID").With("file", path).Wrap(err)
		}
	}

	vars := env.ProviderWithValue(prefix, delim, func(key, value string) (string, any) {
		return envKey(prefix, key), value
	})
	if err := k.Load(vars, nil); err != nil {
		return Config{}, oops.Code("CONFIG_ENV_INVALID").Wrap(err)
	}

	if opts.Flags != nil {
		flags := posflag.ProviderWithFlag(opts.Flags, delim, k, func(f *pflag.Flag) (string, any) {
			key, ok := flagKeys[f.Name]
			if !ok {
				return "", nil
			}
			return key, posflag.FlagVal(opts.Flags, f)
		})
		if err := k.Load(flags, nil); err != nil {
			return Config{}, oops.Code("CONFIG_FLAGS_INVALID").Wrap(err)
		}
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, oops.Code("CONFIG_DECODE_FAILED").Wrap(err)
	}
	return cfg, nil
}

// envKey returns the configuration key for an environment variable, or ""
// to ignore it. ADDRESS_ and MAPPING_ keep the rest of the name verbatim.
func envKey(prefix, name string) string {
	rest, ok := strings.CutPrefix(name, prefix)
	if !ok || rest == "" {
		return ""
	}
	if suffix, ok := strings.CutPrefix(rest, "ADDRESS_"); ok && suffix != "" {
		return "addresses" + delim + suffix
	}
	if suffix, ok := strings.CutPrefix(rest, "MAPPING_"); ok && suffix != "" {
		return "mappings" + delim + suffix
	}
	return envKeys[rest]
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return oops.Code("CONFIG_INVALID_PORT").With("port", c.Port).Errorf("port %d out of range", c.Port)
	}
	if _, err := gateway.ParseMode(c.Mode); err != nil {
		return err
	}
	if c.PingInterval <= 0 {
		return oops.Code("CONFIG_INVALID_PING_INTERVAL").With("ping_interval", c.PingInterval).
			Errorf("ping interval must be positive")
	}
	if c.CallTimeout <= 0 {
		return oops.Code("CONFIG_INVALID_CALL_TIMEOUT").With("call_timeout", c.CallTimeout).
			Errorf("call timeout must be positive")
	}
	if c.Retry.Base <= 0 || c.Retry.Max < c.Retry.Base {
		return oops.Code("CONFIG_INVALID_RETRY").With("base", c.Retry.Base).With("max", c.Retry.Max).
			Errorf("retry base must be positive and no larger than max")
	}
	if err := logging.ValidateFormat(c.Log.Format); err != nil {
		return err
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	for name, addr := range c.Addresses {
		if err := validateAddress(addr); err != nil {
			return oops.Code("CONFIG_INVALID_ADDRESS").With("name", name).Wrap(err)
		}
	}
	for id, addr := range c.Mappings {
		if err := validateAddress(addr); err != nil {
			return oops.Code("CONFIG_INVALID_MAPPING").With("plugin_id", id).Wrap(err)
		}
	}
	for i, r := range c.Routes {
		if err := validateAddress(r.Address); err != nil {
			return oops.Code("CONFIG_INVALID_ROUTE").With("index", i).With("pattern", r.Pattern).Wrap(err)
		}
	}
	return nil
}

func validateAddress(addr string) error {
	u, err := url.Parse(addr)
	if err != nil {
		return oops.Code("CONFIG_INVALID_URL").With("address", addr).Wrap(err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return oops.Code("CONFIG_INVALID_URL").With("address", addr).
			Errorf("address %q must use ws:// or wss://", addr)
	}
	if u.Host == "" {
		return oops.Code("CONFIG_INVALID_URL").With("address", addr).Errorf("address %q has no host", addr)
	}
	return nil
}

// ListenAddr is the gateway listen address.
func (c Config) ListenAddr() string {
	return net.JoinHostPort(c.Bind, strconv.Itoa(c.Port))
}

// RouterConfig returns the routing table.
func (c Config) RouterConfig() router.Config {
	mappings := make(map[protocol.PluginID]string, len(c.Mappings))
	for id, addr := range c.Mappings {
		mappings[protocol.PluginID(id)] = addr
	}
	return router.Config{Addresses: c.Addresses, Mappings: mappings, Routes: c.Routes}
}

// StorageParams returns the storage paths in wire form.
func (c Config) StorageParams() protocol.ConfigStorage {
	return protocol.ConfigStorage{
		HostLogPath:           c.Storage.LogPath,
		HostStoragePath:       c.Storage.StoragePath,
		HostGlobalStoragePath: c.Storage.GlobalStoragePath,
	}
}

// LoggingOptions returns options for logging.Setup.
func (c Config) LoggingOptions(service, version string) logging.Options {
	return logging.Options{Service: service, Version: version, Format: c.Log.Format, Level: c.Log.Level, Writer: os.Stderr}
}
