// Package main implements the robohub hub daemon
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/robohub/robohub/internal/admin"
	"github.com/robohub/robohub/internal/config"
	"github.com/robohub/robohub/internal/discovery"
	"github.com/robohub/robohub/internal/dispatch"
	"github.com/robohub/robohub/internal/feed"
	"github.com/robohub/robohub/internal/httpapi"
	"github.com/robohub/robohub/internal/hub"
	"github.com/robohub/robohub/internal/logging"
	"github.com/robohub/robohub/internal/registry"
	"github.com/robohub/robohub/internal/telemetry"
	"github.com/robohub/robohub/internal/transfer"
)

const ticketTTL = 10 * time.Minute

func main() {
	configPath := flag.String("config", "", "Path to YAML config (default ~/.robohub/config.yaml)")
	verbose := flag.Bool("v", false, "Verbose logging")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Printf("[INFO] No .env file found or error loading it: %v", err)
	}

	if *configPath == "" {
		if paths, err := config.GetPaths(); err == nil {
			*configPath = paths.ConfigFile
		}
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[ERROR] %v", err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		log.Fatalf("[ERROR] %v", err)
	}

	closer, err := logging.Setup(cfg.Logging.File, cfg.Logging.Verbose || *verbose)
	if err != nil {
		log.Fatalf("[ERROR] %v", err)
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logging.Errorf("hub stopped: %v", err)
		os.Exit(1)
	}
	logging.Infof("hub stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	captureDir, err := filepath.Abs(cfg.Server.CaptureDir)
	if err != nil {
		return fmt.Errorf("capture dir: %w", err)
	}
	sink, err := transfer.NewFileSink(captureDir)
	if err != nil {
		return err
	}

	metrics := telemetry.NewMetrics()
	history := telemetry.NewHistory()
	defer history.Stop()
	tickets := transfer.NewManager(ticketTTL)
	reg := registry.New(cfg.Server.MaxClients, registry.WithWriteTimeout(cfg.Server.WriteTimeout))

	var events feed.Publisher = feed.Discard
	var liveFeed *feed.Feed
	if cfg.HTTP.Enabled {
		liveFeed = feed.New(cfg.HTTP.MaxViewers, func() any { return reg.Snapshot() })
		defer liveFeed.Close()
		events = liveFeed
	}

	hubServer := hub.NewServer(reg, hub.Options{
		MaxEnvelopeBytes:  cfg.Server.MaxEnvelopeBytes,
		MaxImageBytes:     cfg.Server.MaxImageBytes,
		ReadTimeout:       cfg.Server.ReadTimeout,
		UploadURLTemplate: cfg.Server.UploadURLTemplate,
		Sink:              sink,
		Tickets:           tickets,
		Metrics:           metrics,
		History:           history,
		Events:            events,
	})

	dispatcher := dispatch.New(reg, dispatch.Options{
		Interval:        cfg.Dispatch.Interval,
		PeriodicCommand: cfg.Dispatch.PeriodicCommand,
		Metrics:         metrics,
		Events:          events,
	})

	// The control listener is the only process-fatal setup step.
	ln, err := net.Listen("tcp", cfg.ControlAddr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.ControlAddr(), err)
	}

	logging.Infof("robohub hub starting: control=%s capacity=%d captures=%s",
		ln.Addr(), cfg.Server.MaxClients, sink.Dir())

	var wg sync.WaitGroup
	goRun := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				logging.Errorf("%s: %v", name, err)
			}
		}()
	}

	goRun("dispatcher", func() error { return dispatcher.Run(ctx) })

	if cfg.HTTP.Enabled {
		api := httpapi.NewServer(reg, httpapi.Options{
			Metrics: metrics,
			History: history,
			Tickets: tickets,
			Feed:    liveFeed,
		})
		goRun("http", func() error { return api.ListenAndServe(ctx, cfg.HTTPAddr()) })
	}

	if cfg.HTTP.AdminAddr != "" {
		impl := admin.NewServer(reg, dispatcher, history)
		goRun("admin", func() error { return admin.ListenAndServe(ctx, cfg.HTTP.AdminAddr, impl) })
	}

	if cfg.Discovery.Enabled {
		b := discovery.NewBroadcaster(discovery.BroadcasterConfig{
			ServerPort:    cfg.Server.Port,
			Port:          cfg.Discovery.Port,
			Interval:      cfg.Discovery.Interval,
			BroadcastAddr: cfg.Discovery.BroadcastAddr,
			SeedPeers:     cfg.Discovery.SeedPeers,
			ProbeAddr:     cfg.Discovery.ProbeAddr,
			Metrics:       metrics,
		})
		if err := b.Start(); err != nil {
			logging.Warnf("discovery disabled: %v", err)
		} else {
			defer b.Stop()
		}
	}

	if cfg.Dispatch.Interval > 0 {
		logging.Infof("periodic dispatch: command=%s interval=%s",
			cfg.Dispatch.PeriodicCommand, cfg.Dispatch.Interval)
	} else {
		logging.Infof("periodic dispatch disabled")
	}

	err = hubServer.Serve(ctx, ln)
	cancel()
	wg.Wait()
	return err
}
