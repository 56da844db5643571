// Package config loads the demonstration CLI's settings from flags, a
// config file, and the environment via viper, the teacher's own ambient
// configuration stack.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the runtime's tunable surface (§4.3 hot-reload, §4.4 queue
// capacity and default timeout, §6 transport selection).
type Config struct {
	PluginDir      string        `mapstructure:"plugin_dir"`
	Transport      string        `mapstructure:"transport"` // "fake" or "serial"
	SerialPort     string        `mapstructure:"serial_port"`
	SerialBaud     int           `mapstructure:"serial_baud"`
	QueueCapacity  int           `mapstructure:"queue_capacity"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	HotReload      bool          `mapstructure:"hot_reload"`
	LogLevel       string        `mapstructure:"log_level"`
	MetricsAddr    string        `mapstructure:"metrics_addr"`
}

// Defaults returns the Config a fresh viper.Viper would produce with no
// flags, file, or environment overrides set.
func Defaults() Config {
	return Config{
		PluginDir:      "./plugins",
		Transport:      "fake",
		SerialBaud:     115200,
		QueueCapacity:  256,
		DefaultTimeout: 5 * time.Second,
		HotReload:      true,
		LogLevel:       "info",
		MetricsAddr:    "",
	}
}

// BindFlags registers the flags this package understands on flags and
// binds each to its matching viper key, so the precedence order ends up
// flag > environment > config file > default (§2 AMBIENT STACK:
// configuration).
func BindFlags(flags *pflag.FlagSet, v *viper.Viper) error {
	d := Defaults()
	flags.String("plugins", d.PluginDir, "directory of plugin scripts to load")
	flags.String("transport", d.Transport, "transport to drive: fake or serial")
	flags.String("serial-port", "", "serial device path, when --transport=serial")
	flags.Int("serial-baud", d.SerialBaud, "serial baud rate, when --transport=serial")
	flags.Int("queue-capacity", d.QueueCapacity, "bounded event queue capacity")
	flags.Duration("default-timeout", d.DefaultTimeout, "default deferred-call timeout")
	flags.Bool("hot-reload", d.HotReload, "watch the plugin directory for changes")
	flags.String("log-level", d.LogLevel, "debug, info, warning, or error")
	flags.String("metrics-addr", d.MetricsAddr, "address to serve /metrics on, empty disables it")

	for _, name := range []string{
		"plugins", "transport", "serial-port", "serial-baud",
		"queue-capacity", "default-timeout", "hot-reload", "log-level", "metrics-addr",
	} {
		key := strings.ReplaceAll(name, "-", "_")
		if name == "plugins" {
			key = "plugin_dir"
		}
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

// Load applies env var overrides (prefixed SERIALMUX_) and an optional
// config file, then unmarshals into a Config seeded with Defaults.
func Load(v *viper.Viper, configFile string) (Config, error) {
	cfg := Defaults()

	v.SetEnvPrefix("serialmux")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Transport != "fake" && cfg.Transport != "serial" {
		return cfg, fmt.Errorf("unknown transport %q: must be fake or serial", cfg.Transport)
	}
	return cfg, nil
}
