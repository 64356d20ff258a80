// luca-api is the operational intelligence tier: scheduled detectors,
// case management, and the governed action bus.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq" // Postgres driver

	"github.com/kisslabs/platform/internal/config"
	"github.com/kisslabs/platform/internal/core"
)

func main() {
	os.Exit(run())
}

func run() int {
	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv("PLATFORM_CONFIG"), "path to platform.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "luca-api: %v\n", err)
		if errors.Is(err, config.ErrInvalid) {
			return 2
		}
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	platform, err := core.NewIntelligence(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "luca-api: %v\n", err)
		return 1
	}
	if err := platform.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "luca-api: %v\n", err)
		return 1
	}
	return 0
}
