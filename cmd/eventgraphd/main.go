// Copyright 2025 Relayforge
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relayforge/eventgraph/pkg/cache"
	"github.com/relayforge/eventgraph/pkg/config"
	"github.com/relayforge/eventgraph/pkg/database"
	"github.com/relayforge/eventgraph/pkg/eventcrypto"
	"github.com/relayforge/eventgraph/pkg/graph"
	"github.com/relayforge/eventgraph/pkg/metrics"
)

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var (
		configPath = flag.String("config", "config.yaml", "Path to the server configuration file")
		listenAddr = flag.String("listen", ":8008", "Address the HTTP health/metrics server listens on")
	)
	flag.Parse()

	log.Printf("starting eventgraphd, config=%s", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}

	registry := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(registry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbStore, err := database.Open(ctx, cfg.Database.DSN, database.PoolConfig{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxIdleTime: time.Duration(cfg.Database.ConnMaxIdleTime),
		ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetime),
	},
		database.WithRetry(cfg.Database.MaxRetries, time.Duration(cfg.Database.RetryDelay)),
		database.WithObserver(recorder.ObserveTransaction),
	)
	if err != nil {
		log.Fatalf("connect to database: %v", err)
	}
	defer dbStore.Close()

	if err := dbStore.MigrateUp(ctx); err != nil {
		log.Fatalf("apply migrations: %v", err)
	}

	keyring := eventcrypto.NewKeyring(cfg.Signing.ServerName, cfg.Signing.KeyPath, cfg.Signing.KeyID)
	if err := keyring.LoadOrGenerate(); err != nil {
		log.Fatalf("load signing key: %v", err)
	}
	log.Printf("signing identity ready: server=%s key_id=%s", cfg.Signing.ServerName, cfg.Signing.KeyID)

	graphStore := graph.NewStore(dbStore)
	tracker := graph.NewTracker(graphStore)

	coordinator, err := cache.NewCoordinator(graphStore, cfg.Cache.EventCapacity, cfg.Cache.ExtremityCapacity)
	if err != nil {
		log.Fatalf("build cache coordinator: %v", err)
	}

	hasher := eventcrypto.NewHasher()

	a := &api{
		store:   graphStore,
		tracker: tracker,
		cache:   coordinator,
		hasher:  hasher,
		keyring: keyring,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		status := dbStore.Health(r.Context())
		if !status.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("unhealthy: " + status.Error))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	a.routes(mux)

	httpServer := &http.Server{
		Addr:    *listenAddr,
		Handler: mux,
	}

	go func() {
		log.Printf("eventgraphd listening on %s", *listenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Printf("shutting down eventgraphd")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http server shutdown error: %v", err)
	}

	log.Printf("eventgraphd stopped")
}
