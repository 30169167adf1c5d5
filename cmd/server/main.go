package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/syamp/biscuit/pkg/config"
	"github.com/syamp/biscuit/pkg/server"
	"github.com/syamp/biscuit/pkg/tsdb"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load config")
	}

	log := logrus.StandardLogger()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	} else {
		log.WithField("level", cfg.LogLevel).Warn("unknown log level, using info")
	}

	if !cfg.InMemory {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			log.WithError(err).Fatal("failed to create data directory")
		}
	}

	store, err := tsdb.Open(tsdb.Config{
		Path:         cfg.DataDir,
		InMemory:     cfg.InMemory,
		MaxMemoryMB:  cfg.MaxMemoryMB,
		DefaultStep:  cfg.DefaultStep,
		DefaultSlots: cfg.DefaultSlots,
		Logger:       log,
	})
	if err != nil {
		log.WithError(err).Fatal("failed to open storage")
	}

	srv := server.New(store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Hub().Run(ctx)
	go server.RunStorageGC(ctx, store, log.WithField("component", "gc"))

	httpServer := &http.Server{
		Addr:         cfg.Addr,
		Handler:      srv.Router(),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.Addr).Info("biscuit listening")
		errCh <- httpServer.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("http server failed")
		}
	case sig := <-stop:
		log.WithField("signal", sig).Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("graceful shutdown failed")
		}
	}
	cancel()

	if err := store.Close(); err != nil {
		log.WithError(err).Warn("storage close failed")
	}
	log.Info("shutdown complete")
}
