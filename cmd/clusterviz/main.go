package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/clusterviz/clusterviz/internal/auth"
	"github.com/clusterviz/clusterviz/internal/batch"
	"github.com/clusterviz/clusterviz/internal/broker"
	"github.com/clusterviz/clusterviz/internal/config"
	"github.com/clusterviz/clusterviz/internal/kube"
	"github.com/clusterviz/clusterviz/internal/model"
	"github.com/clusterviz/clusterviz/internal/server"
	"github.com/clusterviz/clusterviz/internal/state"
	"github.com/clusterviz/clusterviz/internal/telemetry"
	"github.com/clusterviz/clusterviz/internal/watcher"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	cfg := config.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	logger.Info("starting clusterviz", "version", version, "commit", commit, "build_time", buildTime)

	clock := clockwork.NewRealClock()
	tel := telemetry.New()
	store := state.New(logger)

	clientset, err := kube.NewClientset(cfg.Kubeconfig)
	if err != nil {
		logger.Error("failed to connect to cluster", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The baseline load happens before any watcher starts, so live events can
	// never race the bulk list. Without a baseline there is nothing to serve.
	loadCtx, cancelLoad := context.WithTimeout(ctx, 2*time.Minute)
	nodes, pods, namespaces, err := kube.LoadSnapshot(loadCtx, clientset)
	cancelLoad()
	if err != nil {
		logger.Error("initial cluster load failed, cannot serve without a baseline", "error", err)
		os.Exit(1)
	}
	store.LoadInitial(nodes, pods, namespaces)

	gate, err := auth.NewManager(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize auth gate", "error", err)
		os.Exit(1)
	}

	hub := broker.New(cfg.HeartbeatInterval, cfg.SendBufferSize, clock, tel, logger)

	batcher := batch.New(cfg.BatchInterval, cfg.BatchMaxSize, func(flushed []model.ChangeNotification) {
		hub.BroadcastBatch(flushed)
		hub.BroadcastMetrics(store.Metrics())
	}, clock, tel, logger)

	sink := func(ev model.WatchEvent) {
		n, ok := store.Apply(ev)
		if !ok {
			return
		}
		tel.EventApplied(string(n.Kind), string(n.Action))
		batcher.Add(n)
	}

	watchers := []*watcher.Watcher{
		watcher.New(kube.NewNodeSource(clientset), sink, clock, tel, logger),
		watcher.New(kube.NewPodSource(clientset), sink, clock, tel, logger),
		watcher.New(kube.NewNamespaceSource(clientset), sink, clock, tel, logger),
	}
	for _, w := range watchers {
		w.Start(ctx)
		go func(w *watcher.Watcher) {
			select {
			case <-w.Exhausted():
				logger.Error("watcher gave up, kind no longer syncing", "kind", w.Kind())
			case <-ctx.Done():
			}
		}(w)
	}

	go batcher.Run(ctx)
	go hub.RunHeartbeat(ctx)

	srv := server.New(cfg, hub, store, gate, tel, logger)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	logger.Info("clusterviz started", "addr", cfg.HTTPAddr, "cluster", cfg.ClusterName)
	<-ctx.Done()
	logger.Info("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, w := range watchers {
		w.Stop()
	}
	hub.CloseAll("server shutting down")

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}

	logger.Info("clusterviz stopped")
}

func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
