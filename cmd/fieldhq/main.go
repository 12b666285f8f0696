// Command fieldhq runs the relay: the self-hosted realtime store that field
// terminals reach with the relay backend.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/comandos-hq/fieldlink/internal/config"
	"github.com/comandos-hq/fieldlink/internal/database"
	"github.com/comandos-hq/fieldlink/internal/logging"
	"github.com/comandos-hq/fieldlink/internal/relay"
)

var (
	CurrentVersion = "0.1.0"
	BuildDate      = "unknown"
)

const appName = "fieldhq"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, appName+":", err)
		os.Exit(1)
	}
}

func run() error {
	fs := pflag.NewFlagSet(appName, pflag.ContinueOnError)
	configDir := fs.String("config", ".", "directory holding "+appName+".cfg.json and .env")
	fs.String("hq.listen", ":8085", "listen address")
	fs.String("logLevel", "info", "debug, info, warn or error")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}
	if err := config.Load(*configDir, appName); err != nil {
		return err
	}
	if err := config.BindFlags(fs); err != nil {
		return err
	}

	logger, closeLogs, err := newLogger(time.Now())
	if err != nil {
		return err
	}
	defer closeLogs()
	logger.Info().Str("version", CurrentVersion).Str("build", BuildDate).Msg("Starting up")

	cfg := config.GetRelayServerConfig()
	if cfg.JWTSecret == "" {
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return err
		}
		cfg.JWTSecret = hex.EncodeToString(secret)
		logger.Warn().Msg("hq.jwtSecret not set, using a random secret; tokens will not survive a restart")
	}

	db := database.NewManager(database.Config{
		Host:       cfg.DB.Host,
		Port:       cfg.DB.Port,
		Username:   cfg.DB.Username,
		Password:   cfg.DB.Password,
		Database:   cfg.DB.Database,
		SqlitePath: cfg.SqlitePath,
	}, logger.With().Str("component", "database").Logger())
	if err := db.Connect(); err != nil {
		return err
	}
	defer db.Close()
	if err := db.Setup(&relay.Document{}); err != nil {
		return err
	}
	logger.Info().Str("dialect", db.Dialect()).Msg("Document store ready")

	gin.SetMode(gin.ReleaseMode)
	srv, err := relay.NewServer(relay.Config{
		Listen:    cfg.Listen,
		JWTSecret: cfg.JWTSecret,
		TokenTTL:  cfg.TokenTTL,
		RateLimit: cfg.RateLimit,
		RateBurst: cfg.RateBurst,
	}, relay.NewStore(db.DB), logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err = srv.Run(ctx)
	logger.Info().Msg("Shut down")
	return err
}

// newLogger writes human-readable lines to stderr and JSON to the session
// file, plus Graylog when enabled.
func newLogger(start time.Time) (zerolog.Logger, func(), error) {
	level, err := zerolog.ParseLevel(config.GetString("logLevel"))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	logFile, err := logging.OpenLogFile(config.GetString("logsDir"), appName, start)
	if err != nil {
		return zerolog.Nop(), nil, err
	}
	closers := []io.Closer{logFile}
	writers := []io.Writer{
		zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339},
		logFile,
	}

	if gl := config.GetGraylogConfig(); gl.Enabled {
		w, err := logging.NewGraylogWriter(gl.Address, appName)
		if err != nil {
			fmt.Fprintln(os.Stderr, "graylog disabled:", err)
		} else {
			writers = append(writers, w)
			closers = append(closers, w)
		}
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().Timestamp().Str("service", appName).
		Logger()
	return logger, func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}, nil
}
