package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.io/infrasutra/tempbox/internal/api"
	"github.io/infrasutra/tempbox/internal/auth"
	"github.io/infrasutra/tempbox/internal/config"
	"github.io/infrasutra/tempbox/internal/confstore"
	"github.io/infrasutra/tempbox/internal/logsink"
	"github.io/infrasutra/tempbox/internal/mailbox"
	"github.io/infrasutra/tempbox/internal/policy"
	"github.io/infrasutra/tempbox/internal/pool"
	"github.io/infrasutra/tempbox/internal/smtpserver"
	"github.io/infrasutra/tempbox/internal/store"
	"github.io/infrasutra/tempbox/internal/supervisor"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	sink := logsink.New(cfg.LogPath)
	logger := slog.New(slog.NewTextHandler(io.MultiWriter(os.Stderr, sink), &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	ctx := context.Background()
	db, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		logger.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := db.EnsureSchema(ctx); err != nil {
		logger.Error("ensure schema", "error", err)
		os.Exit(1)
	}

	conf := confstore.New(cfg.ConfDir)
	if err := conf.EnsureDefaults(); err != nil {
		logger.Error("seed config", "error", err)
		os.Exit(1)
	}
	gate := policy.NewGate(conf)
	mailboxes := mailbox.NewService(db, gate, conf)

	settings := conf.Settings()
	sessions, err := auth.New(settings.SecretKey, 24*time.Hour)
	if err != nil {
		logger.Error("init sessions", "error", err)
		os.Exit(1)
	}
	if settings.SecretKey == "" {
		logger.Warn("secret_key not set; sessions reset on restart")
	}

	smtpSrv := smtpserver.New(
		fmt.Sprintf(":%d", cfg.SMTPPort),
		cfg.SMTPHostname,
		gate, db,
		logger.With("service", "smtp"),
	)

	workers := pool.New(cfg.WebWorkers, cfg.WebWorkers*4, logger.With("service", "web"))
	webSrv := api.NewServer(
		fmt.Sprintf(":%d", cfg.HTTPPort),
		db, gate, conf, sessions, mailboxes, sink,
		logRestarter{logger: logger},
		workers,
		logger.With("service", "web"),
	)

	sup := supervisor.New(logger, cfg.WarmupDelay)
	sup.Add(smtpSrv)
	sup.Add(webSrv)

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting services")
	if err := sup.Run(runCtx); err != nil {
		logger.Error("supervisor stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("services stopped")
}

// logRestarter stands in for the privileged OS service restart; the real
// restart is handled outside this process by the host's service manager.
type logRestarter struct {
	logger *slog.Logger
}

func (r logRestarter) Restart(_ context.Context) error {
	r.logger.Info("system restart requested")
	return nil
}
