package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"margin/api/internal/app"
	"margin/api/internal/archive"
	"margin/api/internal/config"
	"margin/api/internal/pds"
	"margin/api/internal/reconcile"
	"margin/api/internal/search"
	"margin/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	level := log.InfoLevel
	if cfg.Debug {
		level = log.DebugLevel
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Level:           level,
	})

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", "error", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db); err != nil {
		logger.Fatal("migrations failed", "error", err)
	}

	dataStore := store.NewPostgresStore(db)

	client, err := recordClient(ctx, cfg)
	if err != nil {
		logger.Fatal("record client setup failed", "error", err)
	}
	publisher := pds.NewPublisher(client, logger)

	var orphanQueue *reconcile.RedisQueue
	if strings.TrimSpace(cfg.RedisURL) != "" {
		orphanQueue, err = reconcile.NewRedisQueue(cfg.RedisURL)
		if err != nil {
			logger.Fatal("redis connection failed", "error", err)
		}
		defer orphanQueue.Close()

		sweeper := reconcile.NewSweeper(orphanQueue, publisher, cfg.SweepInterval, logger)
		sweepCtx, stopSweeper := context.WithCancel(ctx)
		defer stopSweeper()
		go sweeper.Run(sweepCtx)
	} else {
		logger.Warn("REDIS_URL not set, orphaned remote records will not be reconciled")
	}

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts, logger)
	if meiliClient != nil {
		go searchService.ReindexAllFromPG(ctx)
	}

	if err := os.MkdirAll(cfg.ArchiveDir, 0o755); err != nil {
		logger.Fatal("failed to create archive dir", "error", err)
	}
	journal := archive.New(cfg.ArchiveDir)

	deps := app.Deps{
		Fields:      dataStore,
		Templates:   dataStore,
		Annotations: dataStore,
		Publisher:   publisher,
		Search:      searchService,
		Journal:     journal,
		DB:          dataStore,
		Logger:      logger,
	}
	if orphanQueue != nil {
		deps.Orphans = orphanQueue
	}
	service := app.New(cfg, deps)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("Margin API listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

// recordClient picks the remote repository backend: a real PDS over XRPC when
// MARGIN_PDS_ENDPOINT is set, an S3-compatible object store otherwise.
func recordClient(ctx context.Context, cfg config.Config) (pds.RecordClient, error) {
	if strings.TrimSpace(cfg.PDSEndpoint) != "" {
		return pds.NewXRPCClient(cfg.PDSEndpoint, cfg.PDSToken, cfg.PublishTimeout), nil
	}
	return pds.NewObjectStoreClient(ctx, pds.ObjectStoreConfig{
		Endpoint:  cfg.ObjectStoreEndpoint,
		AccessKey: cfg.ObjectStoreAccessKey,
		SecretKey: cfg.ObjectStoreSecretKey,
		Bucket:    cfg.ObjectStoreBucket,
		UseSSL:    cfg.ObjectStoreUseSSL,
	})
}
