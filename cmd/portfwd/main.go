package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cordilleralabs/portfwd/internal/config"
	"github.com/cordilleralabs/portfwd/internal/metrics"
	"github.com/cordilleralabs/portfwd/internal/proxy"
	"github.com/cordilleralabs/portfwd/internal/rlimit"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type cliConfig struct {
	ConfigPath  string
	Debug       bool
	ShowVersion bool
	MetricsAddr string
	DialTimeout time.Duration
	MaxSessions int
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := parseFlags()
	if err != nil {
		return err
	}

	if cfg.ShowVersion {
		fmt.Printf("portfwd version: %s, commit: %s, date: %s\n", version, commit, date)
		return nil
	}

	log := newLogger(cfg.Debug)

	rules, err := config.Load(cfg.ConfigPath)
	if err != nil {
		return err
	}

	pairs, err := proxy.Expand(rules)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if len(pairs) == 0 {
		log.Warn("configuration contains no forwarding rules, nothing to do")
		return nil
	}
	log.Info("configuration expanded", "rules", len(rules), "pairs", len(pairs))

	if err := rlimit.Raise(log, len(pairs)); err != nil {
		log.Warn("failed to raise open file limit; binding may fail for large configurations",
			"listeners", len(pairs), "error", err)
	}

	if cfg.MetricsAddr != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", cfg.MetricsAddr)
			if err != nil {
				log.Error("failed to start prometheus metrics listener", "error", err)
				os.Exit(1)
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			http.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, nil); err != nil {
				log.Error("failed to serve prometheus metrics", "error", err)
				os.Exit(1)
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sup, err := proxy.NewSupervisor(&proxy.SupervisorConfig{
		Logger:      log.With("component", "supervisor"),
		Pairs:       pairs,
		DialTimeout: cfg.DialTimeout,
		MaxSessions: cfg.MaxSessions,
	})
	if err != nil {
		return fmt.Errorf("failed to create supervisor: %w", err)
	}

	return sup.Run(ctx)
}

func parseFlags() (*cliConfig, error) {
	cfg := &cliConfig{}

	flag.BoolVar(&cfg.Debug, "debug", false, "Display debug logs")
	flag.BoolVarP(&cfg.ShowVersion, "version", "V", false, "Show version and exit")
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", "", "Address to serve prometheus metrics on (empty disables)")
	flag.DurationVar(&cfg.DialTimeout, "dial-timeout", 5*time.Second, "Timeout for outbound connections to a target")
	flag.IntVar(&cfg.MaxSessions, "max-sessions", 0, "Maximum concurrently relayed sessions across all relays (0 = unbounded)")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <config.json>\n\nFlags:\n%s", os.Args[0], flag.CommandLine.FlagUsages())
	}

	flag.Parse()

	if cfg.ShowVersion {
		return cfg, nil
	}

	if flag.NArg() != 1 {
		flag.Usage()
		return nil, fmt.Errorf("expected exactly one positional argument: the configuration file path")
	}
	cfg.ConfigPath = flag.Arg(0)

	return cfg, nil
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
	}))
}
