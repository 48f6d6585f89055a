package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	natspkg "github.com/plaenen/projections/pkg/nats"
	"github.com/plaenen/projections/pkg/observability"
	"github.com/plaenen/projections/pkg/rebuild"
	"github.com/plaenen/projections/pkg/runner"
	"github.com/plaenen/projections/pkg/store/badger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the rebuild sweeper, token consumers and metrics endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context) error {
	reader, metricsHandler, err := observability.PrometheusReader()
	if err != nil {
		return err
	}
	tel, err := observability.Init(ctx, observability.Config{
		ServiceName:  "projectiond",
		MetricReader: reader,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	defer tel.Shutdown(context.Background())

	a, err := openApp(ctx, cfg, logger, tel)
	if err != nil {
		return err
	}
	defer a.Close()

	var r *runner.Runner
	services := []runner.Service{
		metricsService(cfg.MetricsAddr, metricsHandler, func(ctx context.Context) error { return r.HealthCheck(ctx) }),
		rebuild.NewSweeper(a.coordinator, cfg.SweepInterval, logger),
	}

	if a.badgerDB != nil {
		gc, err := badger.NewGCService(a.badgerDB, 5*time.Minute, 0.5, logger)
		if err != nil {
			return err
		}
		services = append(services, gc)
	}

	if cfg.NATSEnabled() {
		consumers, closeBus, err := a.tokenConsumers()
		if err != nil {
			return err
		}
		defer closeBus()
		services = append(services, consumers...)
	} else {
		logger.Info("NATS disabled, inline updates are not consumed")
	}

	r = runner.New(services,
		runner.WithLogger(logger),
		runner.WithShutdownTimeout(cfg.ShutdownTimeout),
		runner.WithoutSignalHandling(),
	)
	return r.Run(ctx)
}

// tokenConsumers connects to NATS, starting an embedded server when configured,
// and returns one consumer per object type.
func (a *app) tokenConsumers() ([]runner.Service, func(), error) {
	config := natspkg.DefaultConfig()
	config.URL = a.cfg.NATSURL
	config.StreamName = a.cfg.NATSStream

	var srv *natspkg.EmbeddedServer
	if a.cfg.NATSEmbedded {
		var err error
		srv, err = natspkg.StartEmbeddedServer(a.cfg.NATSStoreDir)
		if err != nil {
			return nil, nil, err
		}
		config.URL = srv.URL()
		a.logger.Info("embedded NATS server started", "url", srv.URL())
	}

	bus, err := natspkg.NewTokenBus(config, a.logger)
	if err != nil {
		if srv != nil {
			srv.Shutdown()
		}
		return nil, nil, err
	}
	closeBus := func() {
		bus.Close()
		if srv != nil {
			srv.Shutdown()
		}
	}

	objectTypes, err := a.objectTypes(nil)
	if err != nil {
		closeBus()
		return nil, nil, err
	}
	services := make([]runner.Service, 0, len(objectTypes))
	for _, objectName := range objectTypes {
		processor := a.inlineProcessor(objectName)
		services = append(services, natspkg.NewConsumer(bus, objectName, processor.Name(), a.logger, processor))
	}
	return services, closeBus, nil
}

func metricsService(addr string, handler http.Handler, health func(ctx context.Context) error) runner.Service {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := health(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	return runner.FuncService{
		ServiceName: "metrics-http",
		StartFunc: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", addr, err)
			}
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("metrics server failed", "error", err)
				}
			}()
			return nil
		},
		StopFunc: srv.Shutdown,
	}
}
