package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"dvp/apps/dvp/internal/api"
	"dvp/apps/dvp/internal/chain"
	"dvp/apps/dvp/internal/config"
	"dvp/apps/dvp/internal/indexer"
	"dvp/apps/dvp/internal/notifier"
	"dvp/apps/dvp/internal/payload"
	"dvp/apps/dvp/internal/repository"
)

func main() {
	// Initialize zap logger
	logger, err := zap.NewProduction()
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer logger.Sync()

	// Load configuration from environment variables
	cfg := config.NewConfig()

	logger.Info("Starting DVP delivery indexer",
		zap.String("rpc_url", cfg.RpcURL),
		zap.String("kafka_broker", cfg.KafkaBroker),
		zap.String("kafka_topic", cfg.KafkaTopic),
		zap.Uint64("sync_interval_seconds", cfg.SyncInterval),
		zap.Uint64("block_lot_max_size", cfg.BlockLotMaxSize),
		zap.String("data_encryption_mode", cfg.DataEncryptionMode),
		zap.Int("api_port", cfg.APIPort),
	)

	// Connect to database
	db, err := sql.Open("postgres", cfg.DbURL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	// Initialize database tables
	if err := repository.InitMigration(db); err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}

	indexerStore := repository.NewIndexerStore(db, logger)
	notificationRepository := repository.NewNotificationRepository(db, logger)
	syncStatusRepository := repository.NewSyncStatusRepository(db, logger)

	// Connect to the chain
	chainClient, err := chain.NewClient(cfg.RpcURL, logger)
	if err != nil {
		logger.Fatal("Failed to create chain client", zap.Error(err))
	}
	defer chainClient.Close()

	decryptor := payload.NewDecryptor(cfg.DataEncryptionMode, cfg.DataEncryptionKey)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start the delivery indexer
	deliveryIndexer := indexer.New(chainClient, indexerStore, decryptor, cfg.BlockLotMaxSize, logger)
	go deliveryIndexer.Run(ctx, time.Duration(cfg.SyncInterval)*time.Second)

	// Start the notification dispatcher
	notificationDispatcher, err := notifier.NewNotifier(cfg.KafkaBroker, cfg.KafkaTopic, logger, notificationRepository)
	if err != nil {
		logger.Fatal("Failed to create notifier", zap.Error(err))
	}
	defer notificationDispatcher.Close()
	go notificationDispatcher.Run(ctx, 3*time.Second)

	// Start the operational API server
	apiServer := api.NewServer(cfg.APIPort, syncStatusRepository, logger)
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Fatal("API server failed", zap.Error(err))
		}
	}()

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	logger.Info("Received shutdown signal, starting graceful shutdown...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := apiServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error shutting down API server", zap.Error(err))
	}

	logger.Info("Shutdown complete")
}
