// Package main implements the robohub device agent
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/robohub/robohub/internal/agent"
	"github.com/robohub/robohub/internal/capture"
	"github.com/robohub/robohub/internal/config"
	"github.com/robohub/robohub/internal/deviceid"
	"github.com/robohub/robohub/internal/discovery"
	"github.com/robohub/robohub/internal/logging"
)

const reconnectDelay = 3 * time.Second

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: client [flags]

Connects to a robohub hub and answers its commands with simulated robot state.
Without --addr the hub is found by listening for its UDP discovery beacon.

Flags:
  --config string   Path to YAML config (default ~/.robohub/config.yaml)
  --addr string     Hub control address, skips discovery
  --reason string   Init reason sent to the hub (default from config, "init_slam")
  --rtsp string     Stream URL advertised in the init envelope
  --device string   Device ID (default: persisted in ~/.robohub/device_id)
  --reconnect       Rediscover and reconnect after the hub goes away
  -v                Verbose logging

Examples:
  # Discover the hub on the LAN
  client

  # Connect directly, advertising a camera stream
  client --addr 192.168.1.20:5566 --rtsp rtsp://192.168.1.31:8554/cam
`)
}

func main() {
	configPath := flag.String("config", "", "Path to YAML config")
	addr := flag.String("addr", "", "Hub control address")
	reason := flag.String("reason", "", "Init reason")
	rtsp := flag.String("rtsp", "", "Advertised stream URL")
	device := flag.String("device", "", "Device ID")
	reconnect := flag.Bool("reconnect", false, "Reconnect after disconnect")
	verbose := flag.Bool("v", false, "Verbose logging")
	flag.Usage = usage
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

	closer, err := logging.Setup(cfg.Logging.File, cfg.Logging.Verbose || *verbose)
	if err != nil {
		log.Fatalf("[ERROR] %v", err)
	}
	defer closer.Close()

	if *reason != "" {
		cfg.Agent.Reason = *reason
	}
	if *rtsp != "" {
		cfg.Agent.RTSPURL = *rtsp
	}

	// Device ID from flag, env, or generate/persist one
	id := *device
	if id == "" {
		id = os.Getenv("DEVICE_ID")
	}
	if id == "" {
		id, err = deviceid.GetOrCreate()
		if err != nil {
			logging.Warnf("could not get device ID: %v", err)
			id = uuid.New().String()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := agent.New(agent.Config{
		Reason:    cfg.Agent.Reason,
		StreamURL: cfg.Agent.RTSPURL,
		DeviceID:  id,
		Capturer: capture.Fallback{
			Primary: capture.Screen{
				Display: cfg.Agent.Display,
				Quality: cfg.Agent.JPEGQuality,
				Scale:   cfg.Agent.Scale,
			},
			Secondary: capture.TestPattern{Quality: cfg.Agent.JPEGQuality},
		},
	})

	for {
		if err := session(ctx, a, cfg, *addr); err != nil {
			logging.Errorf("%v", err)
			if !*reconnect {
				os.Exit(1)
			}
		}
		if !*reconnect || ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// session finds the hub, connects, and serves one connection
func session(ctx context.Context, a *agent.Agent, cfg *config.Config, addr string) error {
	if addr == "" {
		logging.Infof("waiting for hub beacon: port=%d timeout=%s", cfg.Discovery.Port, cfg.Discovery.Timeout)
		res := discovery.Discover(ctx, discovery.Options{
			Port:     cfg.Discovery.Port,
			Timeout:  cfg.Discovery.Timeout,
			Fallback: cfg.Discovery.FallbackAddr,
		})
		if res.Fallback {
			logging.Warnf("no hub discovered, using fallback: addr=%s cause=%v", res.Addr, res.Err)
		} else {
			logging.Infof("hub discovered: addr=%s from=%s", res.Addr, res.From)
		}
		addr = res.Addr
	}
	if ctx.Err() != nil {
		return nil
	}

	conn, err := agent.Dial(ctx, addr)
	if err != nil {
		return err
	}
	return a.Run(ctx, conn)
}
