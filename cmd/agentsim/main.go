package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/measctl/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "agentsim config path (defaults apply when empty)")
	addr := flag.String("addr", "", "controller agent address, overrides config")
	enbID := flag.Uint("enb", 0, "eNB id, overrides config")
	flag.Parse()

	logging.ConfigureRuntime()

	cfg := defaultSimConfig()
	if *configPath != "" {
		loaded, err := loadSimConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "agentsim: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *addr != "" {
		cfg.ControllerAddr = *addr
	}
	if *enbID != 0 {
		cfg.ENBID = uint32(*enbID)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sim := newSimulator(cfg, logging.Component("agentsim"))
	if err := sim.run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "agentsim: %v\n", err)
		os.Exit(1)
	}
}
