package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/xandeum/pnode-monitor/internal/config"
	"github.com/xandeum/pnode-monitor/internal/geo"
	"github.com/xandeum/pnode-monitor/internal/ingest"
	"github.com/xandeum/pnode-monitor/internal/prpc"
	"github.com/xandeum/pnode-monitor/internal/server"
	"github.com/xandeum/pnode-monitor/internal/store"
)

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		panic(fmt.Sprintf("Failed to load configuration: %v", err))
	}
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logLevel, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	logger.WithFields(logrus.Fields{
		"prpc_url":    cfg.PrpcURL,
		"source_mode": cfg.SourceMode,
		"listen_addr": cfg.ListenAddr,
		"listen_port": cfg.ListenPort,
	}).Info("pNode Monitor Service starting")

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	client := prpc.NewClient(cfg.PrpcURL, time.Duration(cfg.PrpcTimeoutSeconds)*time.Second, logger)
	viewStore := store.New(cfg.PageSize, logger)

	var geoResolver *geo.Resolver
	var enricher ingest.GeoEnricher
	if cfg.GeoEnabled {
		geoResolver, err = geo.NewResolver(geo.Options{
			DBPath:       cfg.GeoLiteDBPath,
			DownloadURL:  cfg.GeoDownloadURL,
			AutoDownload: cfg.GeoAutoDownload,
		}, logger)
		if err != nil {
			logger.WithError(err).Warn("Geolocation disabled: resolver unavailable")
		} else {
			enricher = geoResolver
		}
	}

	ingestor := ingest.New(client, viewStore, ingest.Options{
		SourceMode:     cfg.SourceMode,
		CountdownTicks: cfg.RefreshCountdownTicks,
		DecodeOffsets:  cfg.DecodeOffsets,
		GeoEnricher:    enricher,
	}, logger)
	ingestor.Start(appCtx)

	httpServer := server.NewServer(
		viewStore,
		ingestor,
		client,
		cfg.ListenAddr,
		cfg.ListenPort,
		cfg.CORSAllowedOrigins,
		logger,
	)

	go func() {
		if err := httpServer.Start(appCtx); err != nil && err.Error() != "http: Server closed" {
			logger.WithError(err).Fatal("HTTP server error")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutdown signal received")
	appCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	ingestor.Stop()

	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("Error stopping HTTP server")
	}

	if geoResolver != nil {
		if err := geoResolver.Close(); err != nil {
			logger.WithError(err).Error("Error closing geolocation resolver")
		}
	}

	logger.Info("Service shutdown complete")
}
