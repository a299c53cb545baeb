package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/nidhogg/courier/internal/api"
	"github.com/nidhogg/courier/internal/bus"
	"github.com/nidhogg/courier/internal/classify"
	"github.com/nidhogg/courier/internal/config"
	"github.com/nidhogg/courier/internal/coordinator"
	"github.com/nidhogg/courier/internal/dispatch"
	"github.com/nidhogg/courier/internal/embedding"
	"github.com/nidhogg/courier/internal/memory"
	"github.com/nidhogg/courier/internal/registry"
	"github.com/nidhogg/courier/internal/store"
	"github.com/nidhogg/courier/internal/vectorstore"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting Courier...")

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/courier.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	// Initialize PostgreSQL store
	var db *store.DB
	if cfg.Database.Postgres.DSN != "" {
		pg, pgErr := store.Open(cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, running in-memory", zap.Error(pgErr))
		} else {
			if mErr := pg.Migrate(context.Background(), "migrations"); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			db = pg
		}
	}

	// Agent registry
	var agentStore registry.Store
	if db != nil {
		agentStore = store.NewAgentStore(db)
	} else {
		agentStore = store.NewInMemoryAgents()
	}
	reg := registry.New(agentStore, cfg.Registry.LivenessTimeout(), logger)

	// Message store: Redis when configured, else PostgreSQL, else in-memory.
	var (
		msgStore bus.Store
		redisMsg *store.RedisMessages
	)
	switch {
	case cfg.Database.Redis.URL != "":
		rm, rErr := store.NewRedisMessages(cfg.Database.Redis.URL)
		if rErr != nil {
			logger.Warn("Redis unavailable", zap.Error(rErr))
		} else {
			redisMsg = rm
			msgStore = rm
		}
	}
	if msgStore == nil {
		if db != nil {
			msgStore = store.NewMessageStore(db)
		} else {
			msgStore = store.NewInMemoryMessages()
		}
	}

	broker := bus.NewBroker(msgStore, reg, bus.Config{
		RedeliveryTimeout: cfg.Bus.RedeliveryTimeout(),
		Retention:         cfg.Bus.Retention(),
		MaxReceive:        cfg.Bus.MaxReceive,
	}, logger)

	// Embedding and categorization functions
	embedder := embedding.NewAPIProvider(embedding.Config{
		Provider:  cfg.Embedding.Provider,
		Endpoint:  cfg.Embedding.Endpoint,
		Model:     cfg.Embedding.Model,
		APIKey:    cfg.Embedding.APIKey,
		Dimension: cfg.Embedding.Dimension,
		Timeout:   cfg.Memory.ExternalTimeout(),
	})
	classifier := classify.NewAPIClassifier(classify.Config{
		Endpoint: cfg.Classifier.Endpoint,
		Model:    cfg.Classifier.Model,
		APIKey:   cfg.Classifier.APIKey,
		Timeout:  cfg.Memory.ExternalTimeout(),
	})

	// Vector index: Qdrant when configured, else in-memory brute force.
	var (
		index  memory.VectorIndex
		qdrant *vectorstore.Index
	)
	if cfg.Database.Qdrant.Host != "" {
		qx, qErr := vectorstore.NewIndex(vectorstore.Config{
			Host:       cfg.Database.Qdrant.Host,
			Port:       cfg.Database.Qdrant.Port,
			Collection: cfg.Database.Qdrant.Collection,
		})
		if qErr != nil {
			logger.Warn("Qdrant unavailable", zap.Error(qErr))
		} else if cErr := qx.EnsureCollection(context.Background(), uint64(cfg.Embedding.Dimension)); cErr != nil {
			logger.Warn("Qdrant collection setup failed", zap.Error(cErr))
			qx.Close()
		} else {
			qdrant = qx
			index = qx
		}
	}
	if index == nil {
		index = store.NewInMemoryVectors()
	}

	var metaStore memory.MetaStore
	if db != nil {
		metaStore = store.NewMemoryStore(db)
	} else {
		metaStore = store.NewInMemoryMemories()
	}
	memories := memory.NewStore(metaStore, index, embedder, classifier, memory.Config{
		Decay:           memory.Decay{HalfLife: cfg.Memory.DecayHalfLife()},
		ExternalTimeout: cfg.Memory.ExternalTimeout(),
	}, logger)

	dispatcher := dispatch.New(broker, cfg.Bus.PollInterval(), cfg.Bus.MaxReceive, logger)

	coord := coordinator.New(reg, broker, memories, dispatcher, coordinator.Config{
		HeartbeatInterval: cfg.Registry.HeartbeatInterval(),
	}, logger)

	// Build HTTP handler
	handler := api.NewHandler(coord, logger)

	// Start server
	port := fmt.Sprintf("%d", cfg.Server.Port)
	if port == "0" {
		port = "8080"
	}
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("Courier listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down Courier...")
	srv.Shutdown(context.Background())
	coord.Close()
	if redisMsg != nil {
		redisMsg.Close()
	}
	if qdrant != nil {
		qdrant.Close()
	}
	if db != nil {
		db.Close()
	}
}
