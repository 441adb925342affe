package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/measctl/internal/config"
	"github.com/danmuck/measctl/internal/logging"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "cmd/measctl/config.toml", "controller config path")
	writeConfig := flag.String("write-config", "", "write a starter config to this path and exit")
	force := flag.Bool("force", false, "overwrite an existing file with -write-config")
	flag.Parse()

	logging.ConfigureRuntime()

	if *writeConfig != "" {
		if err := config.WriteTemplate(*writeConfig, *force); err != nil {
			fmt.Fprintf(os.Stderr, "measctl: %v\n", err)
			os.Exit(1)
		}
		log.Info().Str("path", *writeConfig).Msg("wrote config template")
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "measctl: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctl, err := newController(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "measctl: %v\n", err)
		os.Exit(1)
	}
	if err := ctl.run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "measctl: %v\n", err)
		os.Exit(1)
	}
}
