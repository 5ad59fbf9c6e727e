package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/milkywaybrain/cryptoquery/internal/config"
	"github.com/milkywaybrain/cryptoquery/internal/initializer"
)

func main() {
	cfgPath := flag.String("config", "./config.json", "path to the JSON or YAML config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ERROR :", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = initializer.Start(ctx, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ERROR :", err)
		stop()
		os.Exit(1)
	}
}
