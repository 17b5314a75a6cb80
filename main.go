package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	Td "github.com/maroda/tessitura/display"
	To "github.com/maroda/tessitura/obvy"
	Ts "github.com/maroda/tessitura/server"
)

func main() {
	var (
		configFile = pflag.StringP("config", "c", Ts.FillEnvVar("TESSITURA_CONFIG", ""), "configuration file, .json or .yaml")
		addr       = pflag.StringP("addr", "a", "", "API and metrics listen address, overrides the config")
		tui        = pflag.BoolP("tui", "t", true, "draw the terminal readout")
		otelKind   = pflag.String("otel", Ts.FillEnvVar("TESSITURA_OTEL", "none"), "trace exporter: none, honeycomb or otlp")
		logLevel   = pflag.StringP("log-level", "l", Ts.FillEnvVar("TESSITURA_LOG_LEVEL", "info"), "debug, info, warn or error")
		logFile    = pflag.String("log-file", "tessitura.log", "process log destination while the readout owns the terminal")
	)
	pflag.Parse()

	if err := run(*configFile, *addr, *tui, *otelKind, *logLevel, *logFile); err != nil {
		fmt.Fprintf(os.Stderr, "tessitura: %v\n", err)
		os.Exit(1)
	}
}

func run(configFile, addr string, tui bool, otelKind, logLevel, logFile string) error {
	level, err := Ts.ParseLogLevel(logLevel)
	if err != nil {
		return err
	}

	// the readout owns stdout, so process logs go to a file
	out := os.Stderr
	if tui {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		out = f
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := Ts.DefaultConfig()
	if configFile != "" {
		cfg, err = Ts.LoadConfigFileName(configFile)
		if err != nil {
			return err
		}
	}
	if err := Ts.ApplyEnv(ctx, &cfg, nil); err != nil {
		return fmt.Errorf("environment: %w", err)
	}
	if addr != "" {
		cfg.HTTP.Addr = addr
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return err
	}

	shutdown, err := To.InitOTel(ctx, otelKind)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			slog.Warn("Trace exporter shutdown", slog.Any("Error", err))
		}
	}()

	slog.Info("tessitura initializing",
		slog.String("user", Ts.FillEnvVar("USER", "unknown")),
		slog.String("version", Td.Version),
		slog.String("transport", string(cfg.Transport.Mode)))

	if tui {
		return Td.StartTUI(ctx, cfg, cfg.HTTP.Addr)
	}
	return Td.StartWebNoTUI(ctx, cfg, cfg.HTTP.Addr)
}
