package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rfeldman/goldwatch/internal/cache"
	"github.com/rfeldman/goldwatch/internal/config"
	"github.com/rfeldman/goldwatch/internal/freshness"
	"github.com/rfeldman/goldwatch/internal/hub"
	"github.com/rfeldman/goldwatch/internal/model"
	"github.com/rfeldman/goldwatch/internal/publish"
	"github.com/rfeldman/goldwatch/internal/venue/brokerage"
	"github.com/rfeldman/goldwatch/internal/venue/exchange"
	"github.com/rfeldman/goldwatch/internal/version"
	"github.com/rfeldman/goldwatch/internal/web"
)

func main() {
	configPath := flag.String("config", "configs/goldwatch.yaml", "path to config file")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting goldwatch",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"bridge_url", cfg.Brokerage.BridgeURL,
		"exchange_ws", cfg.Exchange.WSURL,
		"max_delay", cfg.Freshness.MaxDelay,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Build the venue sessions and their staleness monitors.
	mt5 := brokerage.New(cfg.Brokerage, cfg.Hub.SessionBuffer, logger)
	binance := exchange.New(cfg.Exchange, cfg.Hub.SessionBuffer, logger)

	mt5Monitor := freshness.New(model.VenueBrokerage,
		cfg.Freshness.MaxDelay, cfg.Freshness.CheckInterval, logger)
	binanceMonitor := freshness.New(model.VenueExchange,
		cfg.Freshness.MaxDelay, cfg.Freshness.CheckInterval, logger)

	h := hub.New(hub.Config{SubscriberBuffer: cfg.Hub.SubscriberBuffer}, logger)
	if err := h.RegisterVenue(mt5, mt5Monitor); err != nil {
		logger.Error("failed to register brokerage venue", "error", err)
		os.Exit(1)
	}
	if err := h.RegisterVenue(binance, binanceMonitor); err != nil {
		logger.Error("failed to register exchange venue", "error", err)
		os.Exit(1)
	}

	if err := h.Start(ctx); err != nil {
		logger.Error("failed to start hub", "error", err)
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)

	// Optional latest-price cache.
	if cfg.Cache.Enabled {
		writer, err := cache.NewWriter(ctx,
			cfg.Cache.Addr, cfg.Cache.Password, cfg.Cache.DB, cfg.Cache.TTL, logger)
		if err != nil {
			logger.Error("failed to connect to cache", "error", err)
			os.Exit(1)
		}
		defer writer.Close()

		sub := h.Subscribe()
		g.Go(func() error {
			defer sub.Close()
			writer.Run(gctx, sub.Events())
			return nil
		})
		logger.Info("cache writer started", "addr", cfg.Cache.Addr)
	}

	// Optional tick publisher.
	if cfg.NATS.Enabled {
		pub, err := publish.NewPublisher(cfg.NATS.URL, cfg.NATS.SubjectPrefix, logger)
		if err != nil {
			logger.Error("failed to connect to message bus", "error", err)
			os.Exit(1)
		}
		defer pub.Close()

		sub := h.Subscribe()
		g.Go(func() error {
			defer sub.Close()
			pub.Run(gctx, sub.Events())
			return nil
		})
		logger.Info("tick publisher started", "url", cfg.NATS.URL)
	}

	server := web.NewServer(web.Config{
		Port:           cfg.Server.Port,
		ConnectTimeout: cfg.Timeouts.Connect,
		RequestTimeout: cfg.Timeouts.Request,
	}, h, logger)

	g.Go(func() error {
		logger.Info("http server listening", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http server shutdown failed", "error", err)
		}
		return h.Shutdown(shutdownCtx)
	})

	logger.Info("goldwatch running",
		"status_url", fmt.Sprintf("http://localhost:%d/api/status", cfg.Server.Port),
	)

	if err := g.Wait(); err != nil {
		logger.Error("runtime failure", "error", err)
		os.Exit(1)
	}

	logger.Info("goldwatch stopped")
}
