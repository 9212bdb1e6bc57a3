package cli

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/roach88/annometa/internal/blob"
	"github.com/roach88/annometa/internal/cascade"
	"github.com/roach88/annometa/internal/config"
	"github.com/roach88/annometa/internal/metrics"
	"github.com/roach88/annometa/internal/mutation"
	"github.com/roach88/annometa/internal/resource"
	"github.com/roach88/annometa/internal/search"
	"github.com/roach88/annometa/internal/service"
	"github.com/roach88/annometa/internal/store"
)

// app is every component of a running process, wired from one config.
type app struct {
	config   config.Config
	log      *zap.Logger
	registry *prometheus.Registry

	store   *store.Store
	index   *search.SQLiteIndex
	blobs   blob.Store
	sync    *search.Synchronizer
	reaper  *cascade.Reaper
	service *service.Service
}

func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg := config.Default()
	if opts.ConfigPath != "" {
		var err error
		if cfg, err = config.Load(opts.ConfigPath); err != nil {
			return config.Config{}, WrapExitError(ExitCommandError, "load config", err)
		}
	}
	if opts.Database != "" {
		cfg.Database = opts.Database
	}
	if opts.Index != "" {
		cfg.Index = opts.Index
	}
	if opts.Verbose {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "invalid config", err)
	}
	return cfg, nil
}

func newBlobStore(cfg config.BlobConfig) (blob.Store, error) {
	if cfg.Backend == config.BackendS3 {
		return blob.NewS3(cfg.S3)
	}
	return blob.NewMemory(), nil
}

func openApp(ctx context.Context, opts *RootOptions) (_ *app, err error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	log, err := cfg.Log.Logger()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "build logger", err)
	}

	a := &app{config: cfg, log: log, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			err = errs.Combine(err, a.Close())
		}
	}()

	if a.store, err = store.Open(cfg.Database); err != nil {
		return nil, err
	}
	if a.index, err = search.OpenSQLite(cfg.Index); err != nil {
		return nil, err
	}
	if a.blobs, err = newBlobStore(cfg.Blob); err != nil {
		return nil, WrapExitError(ExitCommandError, "blob store", err)
	}

	m := metrics.New(a.registry)
	counter := resource.NewCounter(log.Named("resource"), a.store, a.blobs, m, cfg.Reaper.ClaimTTL)
	propagator := cascade.NewPropagator(log.Named("cascade"), a.store, counter, a.index, m)
	a.sync = search.NewSynchronizer(log.Named("sync"), cfg.Sync, a.store, a.index, m)
	a.reaper = cascade.NewReaper(log.Named("reaper"), cfg.Reaper, a.store, propagator, counter, a.sync)

	a.service, err = service.New(ctx, log.Named("service"), cfg.Service, service.Deps{
		Store:      a.store,
		Index:      a.index,
		Blobs:      a.blobs,
		Counter:    counter,
		Propagator: propagator,
		Mutations:  mutation.NewEngine(log.Named("mutation"), a.store, a.index, m),
		Metrics:    m,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Close releases the databases.
func (a *app) Close() error {
	var group errs.Group
	if a.index != nil {
		group.Add(a.index.Close())
	}
	if a.store != nil {
		group.Add(a.store.Close())
	}
	_ = a.log.Sync()
	return group.Err()
}
