package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/plaenen/projections/pkg/config"
	"github.com/plaenen/projections/pkg/observability"
	"github.com/plaenen/projections/pkg/rebuild"
	"github.com/plaenen/projections/pkg/store"
	"github.com/plaenen/projections/pkg/store/badger"
	"github.com/plaenen/projections/pkg/store/blob"
	"github.com/plaenen/projections/pkg/store/memory"
	"github.com/plaenen/projections/pkg/store/sqlite"
)

// app holds the stores and coordinator shared by every command.
type app struct {
	cfg         *config.Config
	logger      *slog.Logger
	telemetry   *observability.Telemetry
	events      *sqlite.EventStore
	projections store.ProjectionStore
	coordinator *rebuild.Coordinator

	// badgerDB is set when projections live in badger
	badgerDB *badgerdb.DB

	closers []func() error
}

func openApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, tel *observability.Telemetry) (*app, error) {
	if tel == nil {
		var err error
		tel, err = observability.Init(ctx, observability.Config{ServiceName: "projectiond", Logger: logger})
		if err != nil {
			return nil, err
		}
	}
	a := &app{cfg: cfg, logger: logger, telemetry: tel}

	events, err := sqlite.NewEventStore(ctx, sqlite.WithDSN(cfg.SQLiteDSN))
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	a.events = events
	a.closers = append(a.closers, events.Close)

	if err := a.openProjectionStore(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.coordinator = rebuild.NewCoordinator(
		rebuild.WithStatusStore(sqlite.NewStatusStore(events.DB())),
		rebuild.WithLeaseTimeout(cfg.LeaseTimeout),
		rebuild.WithLogger(logger),
		rebuild.WithTracer(tel.Tracer("rebuild")),
		rebuild.WithMetrics(tel.Metrics),
	)
	return a, nil
}

func (a *app) openProjectionStore(ctx context.Context) error {
	switch a.cfg.ProjectionStore {
	case config.StoreSQLite:
		a.projections = sqlite.NewProjectionStore(a.events.DB())
	case config.StoreBlob:
		s, err := blob.OpenProjectionStore(ctx, a.cfg.BlobURL, blob.WithLogger(a.logger))
		if err != nil {
			return err
		}
		a.projections = s
		a.closers = append(a.closers, s.Close)
	case config.StoreBadger:
		cfg := badger.DefaultConfig(a.cfg.BadgerPath)
		cfg.Logger = a.logger.With("component", "badger")
		db, err := badger.Open(cfg)
		if err != nil {
			return err
		}
		a.badgerDB = db
		a.projections = badger.NewStore(db)
		a.closers = append(a.closers, db.Close)
	case config.StoreMemory:
		a.projections = memory.NewProjectionStore()
	default:
		return fmt.Errorf("unknown projection store %q", a.cfg.ProjectionStore)
	}
	return nil
}

// Close releases stores in reverse order of opening.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// objectTypes returns the object types named on the command line, falling back to the configuration.
func (a *app) objectTypes(args []string) ([]string, error) {
	if len(args) > 0 {
		return args, nil
	}
	if len(a.cfg.ObjectTypes) == 0 {
		return nil, errors.New("no object types given; pass them as arguments or set PROJECTIOND_OBJECT_TYPES")
	}
	return a.cfg.ObjectTypes, nil
}
