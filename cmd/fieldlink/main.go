// Command fieldlink is the field terminal: it runs the match coordinator
// against the configured remote store and serves the console on stdin.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/comandos-hq/fieldlink/internal/config"
	"github.com/comandos-hq/fieldlink/internal/console"
	"github.com/comandos-hq/fieldlink/internal/coordinator"
	"github.com/comandos-hq/fieldlink/internal/logging"
	"github.com/comandos-hq/fieldlink/internal/monitor"
	intOtel "github.com/comandos-hq/fieldlink/internal/otel"
	"github.com/comandos-hq/fieldlink/internal/scanner"
	"github.com/comandos-hq/fieldlink/internal/telemetry"
)

// BuildDate can be set at build time via ldflags
var (
	CurrentVersion = "0.1.0"
	BuildDate      = "unknown"
)

const appName = "fieldlink"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, appName+":", err)
		os.Exit(1)
	}
}

func run() error {
	fs := pflag.NewFlagSet(appName, pflag.ContinueOnError)
	configDir := fs.String("config", ".", "directory holding "+appName+".cfg.json and .env")
	fs.String("backend", config.BackendRelay, "remote store: memory, firestore, redis, relay or local")
	fs.String("logLevel", "info", "debug, info, warn or error")
	fs.String("relay.url", "http://localhost:8085", "fieldhq base URL")
	fs.String("mirror.dir", "./fieldlink-data", "local mirror directory")
	fs.String("scanner.device", "", "code reader device or pipe; empty reads codes from the console")
	showVersion := fs.Bool("version", false, "print version and exit")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}
	if *showVersion {
		fmt.Println(appName, CurrentVersion, BuildDate)
		return nil
	}

	if err := config.Load(*configDir, appName); err != nil {
		return err
	}
	if err := config.BindFlags(fs); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessionStart := time.Now()
	logFile, err := logging.OpenLogFile(config.GetString("logsDir"), appName, sessionStart)
	if err != nil {
		return err
	}
	defer logFile.Close()

	var coord *coordinator.Coordinator
	slogManager := logging.NewSlogManager()
	logOpts := logging.Options{
		Level:       config.GetString("logLevel"),
		ServiceName: appName,
		File:        logFile,
		Context: func() []slog.Attr {
			if coord == nil {
				return nil
			}
			return []slog.Attr{slog.String("link", coord.Mode().String())}
		},
	}

	otelProvider, err := setupOTel(ctx, logFile)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = slogManager.Flush(shutdownCtx)
		_ = otelProvider.Shutdown(shutdownCtx)
	}()
	if otelProvider.Enabled() {
		// the exporter already copies every record into the session file
		logOpts.File = nil
		logOpts.Provider = otelProvider.LoggerProvider()
	}

	if gl := config.GetGraylogConfig(); gl.Enabled {
		w, err := logging.NewGraylogWriter(gl.Address, appName)
		if err != nil {
			fmt.Fprintln(os.Stderr, "graylog disabled:", err)
		} else {
			defer w.Close()
			logOpts.Graylog = w
		}
	}

	slogManager.Setup(logOpts)
	logger := slogManager.Logger()
	logger.Info("Starting up", "version", CurrentVersion, "build", BuildDate, "log", logFile.Name())

	rec := setupTelemetry(ctx, logFile, logger)
	defer rec.Close()

	mir, err := openMirror(config.GetMirrorConfig())
	if err != nil {
		return fmt.Errorf("mirror: %w", err)
	}
	defer mir.Close()

	storageCfg := config.GetStorageConfig()
	backend, err := createStorageBackend(storageCfg, logger)
	if err != nil {
		return err
	}
	if backend != nil {
		defer backend.Close()
	}

	sc, closeScanner, err := openScanner(config.GetScannerConfig(), logger)
	if err != nil {
		return err
	}
	defer closeScanner()

	var con *console.Console
	coord, err = coordinator.New(coordinator.Options{
		Backend:      backend,
		Mirror:       mir,
		Logger:       logger,
		Telemetry:    rec,
		WriteTimeout: storageCfg.WriteTimeout,
		OnChange: func(v coordinator.View) {
			con.Notify(v)
		},
	})
	if err != nil {
		return err
	}

	con, err = console.New(console.Options{
		Coordinator:   coord,
		Out:           os.Stdout,
		Logger:        logger,
		Scanner:       sc,
		ScanTimeout:   config.GetScannerConfig().Timeout,
		AdminPassword: config.AdminPassword(),
	})
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- coord.Run(runCtx) }()

	monCfg := config.GetMonitorConfig()
	mon := monitor.NewService(monitor.Dependencies{
		Source:     coord,
		Logger:     logger.With("component", "monitor"),
		Interval:   monCfg.Interval,
		StatusPath: monCfg.StatusFile,
		OnExpired:  con.TimeUp,
	})
	if err := mon.Start(); err != nil {
		cancel()
		<-done
		return err
	}

	err = con.Run(ctx, os.Stdin)
	mon.Stop()
	cancel()
	if runErr := <-done; runErr != nil {
		logger.Error("Coordinator stopped with error", "error", runErr)
	}
	logger.Info("Shut down")
	return err
}

func setupOTel(ctx context.Context, logFile io.Writer) (*intOtel.Provider, error) {
	cfg := config.GetOTelConfig()
	p, err := intOtel.New(ctx, intOtel.Config{
		Enabled:        cfg.Enabled,
		ServiceName:    cfg.ServiceName,
		ServiceVersion: CurrentVersion,
		BatchTimeout:   cfg.BatchTimeout,
		LogWriter:      logFile,
		Endpoint:       cfg.Endpoint,
		Insecure:       cfg.Insecure,
	})
	if err != nil {
		return nil, fmt.Errorf("otel: %w", err)
	}
	return p, nil
}

// setupTelemetry connects to InfluxDB when enabled. Any failure leaves the
// match running without telemetry.
func setupTelemetry(ctx context.Context, logFile io.Writer, logger *slog.Logger) telemetry.Recorder {
	cfg := config.GetInfluxConfig()
	if !cfg.Enabled {
		return telemetry.Noop{}
	}
	zl := zerolog.New(logFile).With().Timestamp().Str("component", "influx").Logger()
	m := telemetry.NewManager(telemetry.Config{
		URL:        cfg.URL,
		Token:      cfg.Token,
		Org:        cfg.Org,
		BackupPath: cfg.BackupPath,
	}, zl)

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := m.Connect(connectCtx); err != nil {
		logger.Warn("Telemetry disabled", "error", err)
		return telemetry.Noop{}
	}
	return m
}

func openScanner(cfg config.ScannerConfig, logger *slog.Logger) (scanner.Scanner, func(), error) {
	if cfg.Device == "" {
		return nil, func() {}, nil
	}
	f, err := os.Open(cfg.Device)
	if errors.Is(err, os.ErrNotExist) {
		logger.Warn("Scanner device missing, codes are read from the console", "device", cfg.Device)
		return nil, func() {}, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("scanner: %w", err)
	}
	sc := scanner.NewLineScanner(f)
	sc.Debounce = cfg.Debounce
	logger.Info("Scanner attached", "device", cfg.Device)
	return sc, func() { _ = f.Close() }, nil
}
