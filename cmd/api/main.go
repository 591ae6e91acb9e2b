package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Dan9191/bank-cards/internal/config"
	"github.com/Dan9191/bank-cards/internal/handler"
	"github.com/Dan9191/bank-cards/internal/logging"
	"github.com/Dan9191/bank-cards/internal/repository"
	"github.com/Dan9191/bank-cards/internal/scheduler"
	"github.com/Dan9191/bank-cards/internal/service"
	"github.com/Dan9191/bank-cards/internal/utils"
	"github.com/Dan9191/bank-cards/internal/utils/email"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

func main() {
	// Load configuration
	cfg, err := config.NewConfig()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	logger := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize storage
	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize storage: %v", err)
	}
	defer closeStore()

	key, err := cfg.EncryptionKeyBytes()
	if err != nil {
		logger.Fatalf("Invalid encryption key: %v", err)
	}
	codec, err := utils.NewCardCodec(key)
	if err != nil {
		logger.Fatalf("Failed to initialize card codec: %v", err)
	}

	opts := service.Options{
		MaxAttempts:    cfg.TransferMaxAttempts,
		SweepBatchSize: cfg.SweepBatchSize,
	}
	if cfg.SMTPEnabled() {
		sender := email.NewSender(cfg, logger)
		defer sender.Close()
		opts.Notifier = sender
	} else {
		logger.Warn("SMTP is not configured, e-mail notifications are disabled")
	}

	// Initialize layers
	svc := service.NewService(store, codec, logger, opts)
	h := handler.NewHandler(svc, logger)

	sched := scheduler.New(logger)
	if err := sched.AddExpirySweep(cfg.ExpirySweepSchedule, svc); err != nil {
		logger.Fatalf("Failed to schedule expiry sweep: %v", err)
	}
	sched.Start()

	// Start server
	addr := fmt.Sprintf(":%s", cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      handler.NewRouter(h, cfg.JWTSecret),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		logger.Infof("Starting server on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server shutdown failed: %v", err)
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Errorf("Scheduler did not stop in time: %v", err)
	}
}

// openStore connects to Postgres and applies the schema, or builds the
// in-memory store when DB_CONN is "memory".
func openStore(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (repository.Store, func(), error) {
	if cfg.DBConn == config.MemoryDB {
		logger.Warn("Using in-memory storage, data is lost on exit")
		return repository.NewMemoryStore(), func() {}, nil
	}

	db, err := sql.Open("postgres", cfg.DBConn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := repository.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, nil, err
	}
	return repository.NewRepository(db), func() { db.Close() }, nil
}
