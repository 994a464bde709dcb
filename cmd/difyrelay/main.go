// Package main is the entry point for the difyrelay gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/howard-nolan/difyrelay/internal/config"
	"github.com/howard-nolan/difyrelay/internal/logging"
	"github.com/howard-nolan/difyrelay/internal/metrics"
	"github.com/howard-nolan/difyrelay/internal/provider"
	"github.com/howard-nolan/difyrelay/internal/server"
	"github.com/howard-nolan/difyrelay/internal/stream"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Fatalf("difyrelay: %v", err)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := logging.Setup(cfg.Logging); err != nil {
		return err
	}
	defer logging.Close()

	// No overall client Timeout: streaming sessions may run as long as
	// the workflow does. Blocking calls get their bound per request.
	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout: cfg.Upstream.ConnectTimeout,
			}).DialContext,
			TLSHandshakeTimeout: cfg.Upstream.ConnectTimeout,
			MaxIdleConnsPerHost: 32,
			ForceAttemptHTTP2:   true,
		},
	}
	client := provider.NewClient(cfg.Upstream.BaseURL, httpClient, cfg.Upstream.BlockingTimeout)

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(nil)
	}

	apps := config.NewRegistry(cfg.Apps)
	relay := stream.New(client, cfg.Relay.MaxSessions, collector)

	srv := server.New(server.Options{
		Apps:        apps,
		Client:      client,
		Relay:       relay,
		Metrics:     collector,
		MetricsPath: cfg.Metrics.Path,
		IdleTimeout: cfg.Relay.IdleTimeout,
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Infof("difyrelay listening on :%d, upstream %s, %d apps", cfg.Server.Port, client.BaseURL(), apps.Len())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return config.Watch(ctx, configPath, func(next *config.Config) {
			apps.Replace(next.Apps)
			if err := logging.Setup(next.Logging); err != nil {
				log.WithError(err).Warn("keeping previous logging settings")
			}
			log.Infof("app registry reloaded: %d apps", apps.Len())
		})
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			// Streams still open at the deadline are cut.
			log.WithError(err).Warn("graceful shutdown timed out")
			return httpServer.Close()
		}
		return nil
	})

	return g.Wait()
}
