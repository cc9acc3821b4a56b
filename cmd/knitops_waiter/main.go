package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/opst/knitops/pkg/api/client"
	"github.com/opst/knitops/pkg/logging"
	"github.com/opst/knitops/pkg/waiter"
	"go.uber.org/zap"
)

// wait for dependencies of an app, configured by environment variables.
//
// if all of them get ready, exit with 0.
// otherwise (interrupted or misconfigured), exit with non-zero.
func main() {
	loglevel := flag.String("loglevel", "info", "log level. debug|info|warn|error")
	interval := flag.Duration("interval", waiter.DefaultInterval, "interval of polling")
	flag.Parse()

	logger, err := logging.New(*loglevel, "json")
	if err != nil {
		log.Fatalf("can not set up logger: %s", err)
	}
	defer logger.Sync()

	conf, err := waiter.ConfigFromEnv(os.Getenv)
	if err != nil {
		logger.Fatal("misconfiguration", zap.Error(err))
	}

	cli, err := client.New(conf.API, conf.Token)
	if err != nil {
		logger.Fatal("bad api url", zap.String("api", conf.API), zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := waiter.Wait(
		ctx, cli, conf.ProjectKey, conf.Dependencies, logger,
		waiter.WithInterval(*interval),
	); err != nil {
		logger.Fatal("dependencies are not ready", zap.Error(err))
	}
	logger.Info("all dependencies are ready")
}
