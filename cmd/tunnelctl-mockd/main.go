package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/automaxprocs/maxprocs"

	"github.com/g960059/tunnelctl/internal/config"
	"github.com/g960059/tunnelctl/internal/logging"
	"github.com/g960059/tunnelctl/internal/mockservice"
)

func main() {
	configPath := flag.String("config", config.DefaultPath(), "config file")
	address := flag.String("listen", "", "listen address (unix:///path or tcp://host:port); defaults to service.address")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	if *address != "" {
		cfg.ServiceAddress = *address
	}
	log := logging.New(cfg.Log).Named("mockd")
	defer log.Sync() //nolint:errcheck

	if _, err := maxprocs.Set(maxprocs.Logger(log.Debugf)); err != nil {
		log.Warnw("set GOMAXPROCS", "error", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	svc := mockservice.New(mockservice.Options{Logger: log})
	srv := mockservice.NewServer(svc)
	ln, err := srv.Listen(cfg.ServiceAddress)
	if err != nil {
		fatal(err)
	}
	log.Infow("mock service listening", "address", cfg.ServiceAddress)
	if err := srv.Serve(ctx, ln); err != nil && err != context.Canceled {
		fatal(err)
	}
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "tunnelctl-mockd: %v\n", err)
	os.Exit(1)
}
