package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/dyluth/warren/internal/broker"
	"github.com/dyluth/warren/internal/config"
	"github.com/dyluth/warren/internal/coordinator"
	"github.com/dyluth/warren/internal/executor"
	"github.com/dyluth/warren/internal/ingest"
	"github.com/dyluth/warren/internal/logger"
	"github.com/dyluth/warren/internal/metrics"
	"github.com/dyluth/warren/internal/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type serveOptions struct {
	addr            string
	shutdownTimeout time.Duration

	// onReady is called once every component is running.
	onReady func(addr net.Addr)
}

func newServeCmd(g *globalOptions) *cobra.Command {
	so := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a warren instance",
		Long: `Run a warren instance: room brokers, the task coordinator, the HTTP API and,
when enabled, the Redis inbound adapter.

SIGINT or SIGTERM stops intake, then every room is stopped using the configured
shutdown policy (drain by default) within --shutdown-timeout.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, g)
			if err != nil {
				return err
			}
			if so.addr != "" {
				cfg.Server.Addr = so.addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := serve(ctx, cfg, so); err != nil {
				return newPrinter(cmd).Error("Warren stopped with an error", err.Error(),
					map[string]string{"instance": cfg.Instance})
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&so.addr, "addr", "", "Override server.addr")
	cmd.Flags().DurationVar(&so.shutdownTimeout, "shutdown-timeout", 30*time.Second, "Time allowed for rooms to drain on shutdown")
	return cmd
}

// serve runs every component until ctx ends, then shuts down in order: HTTP
// server, inbound adapter, rooms.
func serve(ctx context.Context, cfg *config.Config, so *serveOptions) error {
	log := logger.Init(cfg.Logging)
	defer func() { _ = logger.Sync() }()

	store, storePing, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New()
	if err := m.Register(reg); err != nil {
		return err
	}
	if err := metrics.RegisterStore(reg, store); err != nil {
		return err
	}

	coord, err := coordinator.New(cfg.Coordinator,
		coordinator.WithLogger(log.Named("coordinator")),
		coordinator.WithMetrics(m))
	if err != nil {
		return err
	}

	proc, err := executor.New(cfg.Processor, log.Named("executor"))
	if err != nil {
		return err
	}

	mgr, err := broker.NewManager(broker.Deps{
		Processor:   proc,
		Coordinator: coord,
		Store:       store,
		Instance:    cfg.Instance,
		Logger:      log.Named("broker"),
		Metrics:     m,
	}, cfg.Broker)
	if err != nil {
		return err
	}

	var (
		rdb *redis.Client
		sub *ingest.Subscriber
	)
	if cfg.Ingest.Enabled {
		opts, err := cfg.RedisOptions()
		if err != nil {
			return err
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis not accessible: %w", err)
		}
		sub, err = ingest.NewSubscriber(rdb, mgr,
			ingest.Options{Instance: cfg.Instance, DedupeWindow: cfg.Ingest.DedupeWindow},
			ingest.WithLogger(log.Named("ingest")),
			ingest.WithMetrics(m))
		if err != nil {
			return err
		}
	}

	ping := func(ctx context.Context) error {
		if storePing != nil {
			if err := storePing(ctx); err != nil {
				return err
			}
		}
		if rdb != nil {
			return rdb.Ping(ctx).Err()
		}
		return nil
	}

	var srv *server.Server
	if cfg.ServerEnabled() {
		srv, err = server.New(server.Deps{
			Manager:     mgr,
			Coordinator: coord,
			Store:       store,
			Ingest:      sub,
			Ping:        ping,
			Gatherer:    reg,
			Logger:      log.Named("server"),
		})
		if err != nil {
			return err
		}
		if err := srv.Start(cfg.Server.Addr); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return coord.Run(gctx) })
	g.Go(func() error { return mgr.Run(gctx) })
	if sub != nil {
		g.Go(func() error { return sub.Run(gctx) })
		select {
		case <-sub.Ready():
		case <-gctx.Done():
		}
	}

	log.Info("Warren started",
		logger.Event("instance_started"),
		zap.String("instance", cfg.Instance),
		zap.String("store", cfg.Store.Backend),
		zap.Bool("ingest", sub != nil),
		zap.Bool("server", srv != nil))
	if so.onReady != nil {
		var addr net.Addr
		if srv != nil {
			addr = srv.Addr()
		}
		so.onReady(addr)
	}

	runErr := g.Wait()
	if runErr != nil {
		log.Error("Component failed", zap.Error(runErr))
	}

	timeout := so.shutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http server: %w", err))
		}
	}
	if err := mgr.StopAll(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("stop rooms: %w", err))
	}
	if sub != nil {
		if err := sub.Wait(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("ingest: %w", err))
		}
	}
	log.Info("Warren stopped",
		logger.Event("instance_stopped"),
		zap.Any("coordinator", coord.Stats()),
		zap.Any("store", store.Stats()))

	return errors.Join(append([]error{runErr}, errs...)...)
}
