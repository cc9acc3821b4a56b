package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opst/knitops/pkg/api"
	"github.com/opst/knitops/pkg/auth"
	"github.com/opst/knitops/pkg/cluster"
	"github.com/opst/knitops/pkg/cluster/kube"
	"github.com/opst/knitops/pkg/cluster/swarm"
	"github.com/opst/knitops/pkg/configs/server"
	"github.com/opst/knitops/pkg/kubeutil"
	"github.com/opst/knitops/pkg/logging"
	"github.com/opst/knitops/pkg/monitor"
	"github.com/opst/knitops/pkg/notify"
	"github.com/opst/knitops/pkg/orchestrator"
	"github.com/opst/knitops/pkg/scheduler"
	"github.com/opst/knitops/pkg/store"
	"github.com/opst/knitops/pkg/store/memory"
	"github.com/opst/knitops/pkg/store/postgres"
	"github.com/opst/knitops/pkg/utils/filewatch"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// subject of tokens given to dependency waiters.
const waiterSubject = "knitops-waiter"

func newServeCmd() *cobra.Command {
	configPath := ""
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run knitops server",
		Long: `Run knitops server.

The server stops when its config file is modified, to be restarted
by its supervisor with the new config.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := server.LoadServerConfig(configPath)
			if err != nil {
				return fmt.Errorf("can not read configuration: %w", err)
			}
			logger, err := logging.New(conf.Log().Level(), conf.Log().Encoding())
			if err != nil {
				return err
			}
			defer logger.Sync()
			return serve(cmd.Context(), conf, configPath, logger)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "knitops-server.yaml", "path to the server config")
	return cmd
}

func serve(ctx context.Context, conf *server.ServerConfig, configPath string, logger *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	authority, err := auth.New(conf.Auth().Kid(), conf.Auth().Secret())
	if err != nil {
		return err
	}

	platform, err := connectPlatform(conf, authority, logger)
	if err != nil {
		return err
	}

	projects, archive, closeStore, err := openStore(ctx, conf.Database(), logger)
	if err != nil {
		return err
	}
	defer closeStore()

	sched := conf.Scheduler()
	options := []orchestrator.Option{
		orchestrator.WithPool(conf.Network().Pool()),
		orchestrator.WithSchedulerOptions(scheduler.Options{
			Tick:    sched.Tick(),
			Timeout: sched.Timeout(),
			LogTail: sched.LogTail(),
		}),
		orchestrator.WithMonitorOptions(monitor.WithBackoff(200*time.Millisecond, 30*time.Second)),
		orchestrator.WithTeardownTimeout(sched.TeardownTimeout()),
	}
	if url := conf.Nats(); url != "" {
		pub, err := notify.Connect(url, logger)
		if err != nil {
			return err
		}
		defer pub.Close()
		options = append(options, orchestrator.WithNotifier(pub))
	}
	orch := orchestrator.New(platform, projects, archive, logger, options...)

	e := api.BuildServer(orch, authority, conf.Log().Level())

	watched, stopWatching, err := filewatch.UntilModified(ctx, logger, configPath)
	if err != nil {
		return fmt.Errorf("can not watch configuration: %w", err)
	}
	defer stopWatching()
	context.AfterFunc(watched, func() {
		if m := new(filewatch.Modified); errors.As(context.Cause(watched), &m) {
			logger.Info("config file is modified. quit to restart server.", zap.String("path", m.Path))
		}
		graceful, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.Shutdown(graceful); err != nil {
			logger.Error("error on shutdown", zap.Error(err))
		}
	})

	addr := fmt.Sprintf(":%d", conf.Port())
	logger.Info("start server", zap.String("addr", addr), zap.String("platform", conf.Platform()))
	if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func connectPlatform(conf *server.ServerConfig, authority *auth.Authority, logger *zap.Logger) (cluster.Platform, error) {
	switch conf.Platform() {
	case server.PlatformKubernetes:
		k := conf.Kubernetes()
		clientset, err := kubeutil.Connect(k.Kubeconfig())
		if err != nil {
			return nil, fmt.Errorf("can not connect to kubernetes: %w", err)
		}
		options := []kube.Option{kube.WithNamespacePrefix(k.NamespacePrefix())}
		if image := k.WaiterImage(); image != "" {
			token, err := authority.Issue(waiterSubject, 0)
			if err != nil {
				return nil, err
			}
			options = append(options, kube.WithWaiter(kube.Waiter{
				Image: image, APIURL: conf.APIURL(), Token: token,
			}))
		}
		return kube.New(kube.WrapK8sClient(clientset), logger, options...), nil
	case server.PlatformSwarm:
		engine, err := swarm.Connect()
		if err != nil {
			return nil, fmt.Errorf("can not connect to docker: %w", err)
		}
		return swarm.New(
			engine, logger,
			swarm.WithDriver(conf.Network().Driver()),
			swarm.WithPollInterval(conf.Swarm().PollInterval()),
		), nil
	default:
		return nil, fmt.Errorf("unknown platform: %s", conf.Platform())
	}
}

// openStore connects to the database, or falls back to memory when dburi is empty.
func openStore(ctx context.Context, dburi string, logger *zap.Logger) (store.Projects, store.Archive, func(), error) {
	if dburi == "" {
		logger.Warn("database is not configured. projects are kept in memory.")
		return memory.NewProjects(), memory.NewArchive(), func() {}, nil
	}
	s, err := postgres.New(ctx, dburi)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, nil, nil, fmt.Errorf("migrating database: %w", err)
	}
	return s, s, s.Close, nil
}
