// Package main is the entry point for the Edge process (spec.md §2): the
// public-facing HTTP surface and the Worker WebSocket upgrade endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/lmbridge/edgeworker/internal/authgate"
	"github.com/lmbridge/edgeworker/internal/buildinfo"
	"github.com/lmbridge/edgeworker/internal/config"
	"github.com/lmbridge/edgeworker/internal/edge"
	"github.com/lmbridge/edgeworker/internal/logging"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func init() {
	logging.SetupBaseLogger()
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate
}

func main() {
	fmt.Printf("lmbridge edge %s, commit %s, built %s\n", buildinfo.Version, buildinfo.Commit, buildinfo.BuildDate)

	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "configuration file path")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("edge: failed to load .env")
	}

	cfg, err := config.LoadEdgeConfig(configPath)
	if err != nil {
		log.WithError(err).Error("edge: invalid configuration")
		os.Exit(1)
	}
	logging.SetLogLevel(cfg.LogLevel)
	if err := logging.ConfigureLogOutput(logging.OutputOptions{
		LogDir:         "logs",
		ToFile:         cfg.LoggingToFile,
		MaxTotalSizeMB: cfg.LogsMaxTotalSizeMB,
	}); err != nil {
		log.WithError(err).Error("edge: failed to configure log output")
		os.Exit(1)
	}

	gate := authgate.New(cfg.APIKey, cfg.JWTSecret, cfg.JWTExpiresIn.Duration)
	hub := edge.NewHub(gate, time.Duration(cfg.WSPingIntervalMS)*time.Millisecond, cfg.EnableStreaming, cfg.WSPath)

	keyWatcher, err := config.NewAPIKeyWatcher(configPath, cfg.APIKey, gate.SetAPIKey)
	if err != nil {
		log.WithError(err).Warn("edge: api key hot-reload disabled")
	} else if err := keyWatcher.Start(); err != nil {
		log.WithError(err).Warn("edge: api key watcher failed to start")
	} else {
		defer keyWatcher.Stop()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(logging.GinLogrusRecovery(), logging.GinLogrusLogger())
	edge.RegisterRoutes(engine, hub)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{Addr: addr, Handler: engine}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("addr", addr).Info("edge: listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		edge.RunLivenessSupervisor(gctx, hub)
		return nil
	})

	<-ctx.Done()
	log.Info("edge: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	time.AfterFunc(5*time.Second, func() { os.Exit(1) })

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("edge: forced shutdown")
	}
	if err := g.Wait(); err != nil {
		log.WithError(err).Error("edge: fatal error")
		os.Exit(1)
	}
}
