// Command serialmux is a minimal demonstration host for the plugin
// runtime: it loads scripts from a directory, drives a transport (a fake
// in-memory one by default), and dispatches events and `!`-prefixed
// commands typed on stdin.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"net/http"

	"github.com/serialmux/serialmux/internal/config"
	"github.com/serialmux/serialmux/internal/plugin"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var configFile string

	cmd := &cobra.Command{
		Use:   "serialmux",
		Short: "Load scripted plugins and drive them against a transport",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, configFile)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "path to a YAML config file")
	if err := config.BindFlags(cmd.Flags(), v); err != nil {
		panic(err)
	}
	return cmd
}

func run(ctx context.Context, cfg config.Config) error {
	level := parseLevel(cfg.LogLevel)
	slogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	log := plugin.NewSlogSink(slogger)

	transport, err := buildTransport(cfg)
	if err != nil {
		return err
	}

	registry := plugin.NewRegistry(log)
	dispatcher := plugin.NewDispatcher(registry, transport, log, plugin.DispatcherConfig{
		QueueCapacity:  cfg.QueueCapacity,
		DefaultTimeout: cfg.DefaultTimeout,
	})

	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		dispatcher.Metrics().MustRegister(reg)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				slogger.Error("metrics server exited", "err", err)
			}
		}()
	}

	runCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	dispatcher.Run(runCtx)
	defer dispatcher.Stop()

	loader, err := plugin.NewLoader(dispatcher, log, plugin.LoaderConfig{Dir: cfg.PluginDir})
	if err != nil {
		return fmt.Errorf("start loader: %w", err)
	}
	if err := loader.LoadExisting(); err != nil {
		return fmt.Errorf("load existing plugins: %w", err)
	}
	if cfg.HotReload {
		go loader.Start(runCtx.Done())
	}

	readCommands(runCtx, dispatcher, registry)
	return nil
}

// readCommands scans stdin for `!<plugin> <command> <args...>` lines until
// runCtx is cancelled or stdin closes. `!plugins` is a built-in listing
// command handled here rather than routed to any plugin.
func readCommands(runCtx context.Context, dispatcher *plugin.Dispatcher, registry *plugin.Registry) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-runCtx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			line = strings.TrimSpace(line)
			if line == "" || !strings.HasPrefix(line, "!") {
				continue
			}
			if line == "!plugins" {
				printPlugins(registry)
				continue
			}
			inv, err := plugin.ParseCommand(line)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				continue
			}
			dispatcher.PostCommand(inv)
		}
	}
}

// printPlugins lists every registered plugin's state and, where a
// <plugin>.meta.yaml sidecar was present, its description and author.
func printPlugins(registry *plugin.Registry) {
	for _, s := range registry.Snapshot() {
		line := fmt.Sprintf("%-20s %-10s", s.Name, s.State)
		if s.Meta.Description != "" {
			line += " " + s.Meta.Description
		}
		if s.Meta.Author != "" {
			line += " (" + s.Meta.Author + ")"
		}
		fmt.Println(line)
	}
}

func buildTransport(cfg config.Config) (plugin.Transport, error) {
	switch cfg.Transport {
	case "fake":
		return plugin.NewFakeTransport(), nil
	case "serial":
		return nil, fmt.Errorf("serial transport requires a hardware driver, which this runtime does not provide; use --transport=fake")
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warning", "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
