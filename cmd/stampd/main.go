package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"stampledger/auth"
	"stampledger/classify"
	"stampledger/config"
	"stampledger/escrow"
	"stampledger/ledger"
	"stampledger/middleware"
	"stampledger/models"
	"stampledger/observability/logging"
	"stampledger/server"
	"stampledger/settlement"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "./config.toml", "path to the stampd config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.Setup("stampd", cfg.Environment)

	db, err := openDatabase(cfg)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	ledgerEngine := ledger.New(db, ledger.Policy{
		AllowNegativeBalance: cfg.AllowNegativeBalance,
		SignupGrant:          cfg.SignupGrant,
		DailyEarnCap:         cfg.DailyEarnCap,
		DailyDrip:            cfg.DailyDrip,
		ReceivePriceMin:      cfg.ReceivePriceMin,
		ReceivePriceMax:      cfg.ReceivePriceMax,
	})
	escrowEngine := escrow.New(ledgerEngine, escrow.Config{
		TTL:        cfg.EscrowLifetime(),
		ReplyBonus: cfg.ReplyBonus,
	})

	secrets := make(map[string]string, len(cfg.APIKeys))
	for _, key := range cfg.APIKeys {
		secrets[key.Key] = key.Secret
	}
	authn := auth.NewAuthenticator(secrets, cfg.TimestampSkew(), nil)
	if !authn.Enabled() {
		logger.Warn("no api keys configured, authentication disabled")
	}

	srv := server.New(server.Config{
		DB:            db,
		Ledger:        ledgerEngine,
		Escrow:        escrowEngine,
		Classifier:    classify.Static{},
		Authenticator: authn,
		RateLimiter:   middleware.NewRateLimiter(cfg.RateLimitPerMinute),
		Logger:        logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner := settlement.NewRunner(ledgerEngine, escrowEngine, logger)
	scheduler := settlement.NewScheduler(runner, cfg.SettleEvery(), logger)
	go scheduler.Start(ctx)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("stampd listening", "address", cfg.ListenAddress)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "graceful shutdown failed: %v\n", err)
	}
}

// openDatabase prefers Postgres when a URL is configured and falls back to
// the embedded SQLite file for single-node deployments.
func openDatabase(cfg *config.Config) (*gorm.DB, error) {
	gormCfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)}
	if cfg.DatabaseURL != "" {
		return gorm.Open(postgres.Open(cfg.DatabaseURL), gormCfg)
	}
	return gorm.Open(sqlite.Open(cfg.SQLitePath), gormCfg)
}
