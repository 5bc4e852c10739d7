package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/kickoffdata/api-gateway/internal/config"
	"github.com/kickoffdata/api-gateway/internal/database"
	"github.com/kickoffdata/api-gateway/internal/envelope"
	"github.com/kickoffdata/api-gateway/internal/handlers"
	"github.com/kickoffdata/api-gateway/internal/logger"
	"github.com/kickoffdata/api-gateway/internal/middleware"
	"github.com/kickoffdata/api-gateway/internal/services"
)

// credentialStore is everything the gateway needs from the key store
type credentialStore interface {
	services.CredentialStore
	handlers.KeyStore
	handlers.Pinger
	middleware.RequestLogSink
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Couldn't load config: %v", err)
	}

	log := logger.New(cfg.LogLevel)

	catalog, err := config.LoadProviders(cfg.ProvidersFile)
	if err != nil {
		log.WithError(err).Fatal("couldn't load provider catalog")
	}

	var store credentialStore
	if cfg.DatabaseURL != "" {
		db, err := database.Connect(cfg.DatabaseURL)
		if err != nil {
			log.WithError(err).Fatal("database connection failed")
		}
		defer db.Close()

		if err := db.Migrate(context.Background()); err != nil {
			log.WithError(err).Fatal("database migration failed")
		}
		store = db
	} else {
		log.Warn("DATABASE_URL not set, using in-memory credential store")
		store = database.NewMemoryDB()
	}

	var cacheStore services.CacheStore
	if cfg.RedisURL != "" {
		client, err := services.NewRedisClient(cfg.RedisURL)
		if err != nil {
			log.WithError(err).Fatal("redis connection failed")
		}
		defer client.Close()
		cacheStore = services.NewRedisCacheStore(client, cfg.CacheRetention)
	} else {
		log.Warn("REDIS_URL not set, using in-memory cache store")
		cacheStore = services.NewMemoryCacheStore()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := services.NewMetrics(registry)

	emitter := envelope.NewEmitter()
	gate := services.NewGate(store, metrics, log).WithStrictAdmission(cfg.StrictAdmission)
	cache := services.NewCacheThrough(cacheStore, metrics, log).
		WithFetchTimeout(cfg.UpstreamTimeout).
		WithSingleFlight(cfg.CacheSingleFlight)
	upstream := services.NewUpstreamClient(catalog, metrics, log)

	authMiddleware := middleware.NewAuthMiddleware(gate, emitter)
	requestLogger := middleware.NewRequestLogger(store, metrics, log)

	dataHandler := handlers.NewDataHandler(catalog, upstream, cache, emitter, log)
	adminHandler := handlers.NewAdminHandler(store, cache, emitter, log)
	metricsHandler := handlers.NewMetricsHandler(store, cacheStore, registry, log)

	router := handlers.NewRouter(handlers.RouterConfig{
		Data:          dataHandler,
		Admin:         adminHandler,
		Health:        metricsHandler,
		Auth:          authMiddleware,
		RequestLogger: requestLogger,
		Emitter:       emitter,
		Logger:        log,
		AdminSecret:   cfg.AdminSecret,
	})

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.WithField("port", cfg.Port).Info("gateway ready")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	log.Info("shutting down")
	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Error("graceful shutdown failed")
	}
}
