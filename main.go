package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"mcp-gateway/gateway"
)

func main() {
	// Load YAML configuration (path from CONFIG_PATH env, default /etc/mcp-gateway/config.yaml)
	cfg, err := gateway.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	gw, err := gateway.NewGateway(cfg)
	if err != nil {
		log.Fatalf("failed to initialize gateway: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			reloaded, err := gateway.LoadConfig()
			if err != nil {
				log.Printf("SIGHUP: config reload failed, keeping previous config: %v", err)
				continue
			}
			gw.ReloadConfig(reloaded)
		}
	}()

	if err := gw.Start(ctx); err != nil {
		log.Fatalf("gateway error: %v", err)
	}
}
