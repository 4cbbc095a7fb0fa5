// Package main is the entry point for the Worker process (spec.md §2): it
// holds one outbound WebSocket to the Edge and proxies requests to the
// co-located local inference runtime.
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

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/lmbridge/edgeworker/internal/buildinfo"
	"github.com/lmbridge/edgeworker/internal/config"
	"github.com/lmbridge/edgeworker/internal/logging"
	"github.com/lmbridge/edgeworker/internal/worker"
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
	fmt.Printf("lmbridge worker %s, commit %s, built %s\n", buildinfo.Version, buildinfo.Commit, buildinfo.BuildDate)

	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "configuration file path")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("worker: failed to load .env")
	}

	cfg, err := config.LoadWorkerConfig(configPath)
	if err != nil {
		log.WithError(err).Error("worker: invalid configuration")
		os.Exit(1)
	}
	logging.SetLogLevel(cfg.LogLevel)
	if err := logging.ConfigureLogOutput(logging.OutputOptions{
		LogDir:         "logs",
		ToFile:         cfg.LoggingToFile,
		MaxTotalSizeMB: cfg.LogsMaxTotalSizeMB,
	}); err != nil {
		log.WithError(err).Error("worker: failed to configure log output")
		os.Exit(1)
	}
	adapter := worker.NewUpstreamAdapter(cfg.LMStudioHost, cfg.LMStudioPort)
	session := worker.NewSession(
		cfg.RemoteServerURL,
		cfg.APIKey,
		cfg.ClientID,
		time.Duration(cfg.ReconnectIntervalMS)*time.Millisecond,
		adapter,
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", worker.HealthHandler(session))
	healthServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HealthCheckPort),
		Handler: mux,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		session.Run(gctx)
		return nil
	})
	g.Go(func() error {
		log.WithField("addr", healthServer.Addr).Info("worker: health endpoint listening")
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	<-ctx.Done()
	log.Info("worker: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	time.AfterFunc(5*time.Second, func() { os.Exit(1) })

	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("worker: forced health server shutdown")
	}
	if err := g.Wait(); err != nil {
		log.WithError(err).Error("worker: fatal error")
		os.Exit(1)
	}
}
