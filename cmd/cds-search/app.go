package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/withObsrvr/obsrvr-cds-search/internal/audit"
	"github.com/withObsrvr/obsrvr-cds-search/internal/batch"
	"github.com/withObsrvr/obsrvr-cds-search/internal/catalog"
	"github.com/withObsrvr/obsrvr-cds-search/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-cds-search/internal/combiner"
	"github.com/withObsrvr/obsrvr-cds-search/internal/config"
	"github.com/withObsrvr/obsrvr-cds-search/internal/dispatch"
	"github.com/withObsrvr/obsrvr-cds-search/internal/gradient"
	"github.com/withObsrvr/obsrvr-cds-search/internal/kernel"
	"github.com/withObsrvr/obsrvr-cds-search/internal/loader"
	"github.com/withObsrvr/obsrvr-cds-search/internal/model"
	"github.com/withObsrvr/obsrvr-cds-search/internal/monitor"
	"github.com/withObsrvr/obsrvr-cds-search/internal/planner"
	"github.com/withObsrvr/obsrvr-cds-search/internal/storage"
	"github.com/withObsrvr/obsrvr-cds-search/internal/tables"
	"github.com/withObsrvr/obsrvr-cds-search/internal/tasks"
)

// app holds the components shared by every command.
type app struct {
	cfg     config.Config
	store   storage.ObjectStore
	loader  *loader.Loader
	planner *planner.Planner
	table   tasks.Table
	catalog catalog.Catalog
	events  audit.Emitter
	log     *slog.Logger
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	store, err := storage.NewObjectStore(storage.StorageConfig{
		Backend:        cfg.Storage.Backend,
		LocalDir:       cfg.Storage.LocalDir,
		S3Endpoint:     cfg.Storage.S3Endpoint,
		S3Region:       cfg.Storage.S3Region,
		MinioEndpoint:  cfg.Storage.MinioEndpoint,
		MinioAccessKey: cfg.Storage.MinioAccessKey,
		MinioSecretKey: cfg.Storage.MinioSecretKey,
		MinioUseSSL:    cfg.Storage.MinioUseSSL,
		ListPageSize:   cfg.Storage.ListPageSize,
	})
	if err != nil {
		return nil, fmt.Errorf("create storage: %w", err)
	}

	l := loader.New(store, loader.Config{Attempts: cfg.Loader.Attempts, Pause: cfg.Loader.Pause})

	table, err := tasks.New(ctx, tasks.Config{
		Backend:       cfg.Tasks.Backend,
		Table:         cfg.Tasks.Table,
		AWSRegion:     cfg.Tasks.AWSRegion,
		RedisAddr:     cfg.Tasks.RedisAddr,
		RedisPassword: cfg.Tasks.RedisPassword,
		SQLitePath:    cfg.Tasks.SQLitePath,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open task table: %w", err)
	}

	cat, err := catalog.New(catalog.Config{PostgresDSN: cfg.Catalog.PostgresDSN})
	if err != nil {
		table.Close()
		store.Close()
		return nil, fmt.Errorf("open catalog: %w", err)
	}

	events, err := audit.NewEmitter(audit.Config{
		Enabled:   cfg.Audit.Enabled,
		Endpoint:  cfg.Audit.Endpoint,
		BackupDir: cfg.Audit.BackupDir,
	})
	if err != nil {
		cat.Close()
		table.Close()
		store.Close()
		return nil, fmt.Errorf("create audit emitter: %w", err)
	}

	return &app{
		cfg:    cfg,
		store:  store,
		loader: l,
		planner: planner.New(l, planner.Config{
			DefaultBatchSize: cfg.Planner.DefaultBatchSize,
			PrefixBatchSize:  cfg.Planner.PrefixBatchSize,
			MaxParallelism:   cfg.Planner.MaxParallelism,
			KeyListShard:     cfg.Planner.KeyListShard,
		}),
		table:   table,
		catalog: cat,
		events:  events,
		log:     slog.With("component", "main"),
	}, nil
}

func (a *app) Close() {
	if err := a.events.Close(); err != nil {
		a.log.Warn("close audit emitter", "error", err)
	}
	if err := a.catalog.Close(); err != nil {
		a.log.Warn("close catalog", "error", err)
	}
	if err := a.table.Close(); err != nil {
		a.log.Warn("close task table", "error", err)
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("close storage", "error", err)
	}
}

func (a *app) batchHandler() *batch.Handler {
	return batch.NewHandler(a.loader, a.planner.Selector(), a.table, tasks.Codec{
		GzipThreshold: a.cfg.Tasks.GzipThreshold,
		Compression:   a.cfg.Tasks.Compression,
		TTL:           a.cfg.Tasks.TTL,
	}, batch.Config{
		ThumbnailsBucket: a.cfg.Planner.ThumbnailsBucket,
		WriteBatchFiles:  a.cfg.Search.WriteBatchFiles,
		Timeout:          a.cfg.Search.Timeout,
		TaskBackend:      a.cfg.Tasks.Backend,
	})
}

// invoker returns the configured invoker and a function joining the batches
// it started in process.
func (a *app) invoker(ctx context.Context) (dispatch.Invoker, func() error, error) {
	switch a.cfg.Dispatch.Mode {
	case "kafka":
		inv, err := dispatch.NewKafkaInvoker(dispatch.KafkaConfig{
			Brokers: a.cfg.Dispatch.Brokers,
			Topic:   a.cfg.Dispatch.Topic,
		})
		if err != nil {
			return nil, nil, err
		}
		return inv, inv.Close, nil
	default:
		inv := dispatch.NewAsyncLocalInvoker(ctx, a.batchHandler(), a.cfg.Dispatch.Workers)
		return inv, inv.Wait, nil
	}
}

func (a *app) dispatcher(inv dispatch.Invoker) (*dispatch.Dispatcher, error) {
	cps, err := checkpoint.NewManager(checkpoint.Config{
		Enabled: a.cfg.Checkpoint.Enabled,
		Dir:     a.cfg.Checkpoint.Dir,
	})
	if err != nil {
		return nil, err
	}
	return dispatch.New(inv, cps, dispatch.Config{
		Workers:       a.cfg.Dispatch.Workers,
		MaxRetry:      a.cfg.Dispatch.MaxRetry,
		BackoffMs:     a.cfg.Dispatch.BackoffMs,
		RatePerSecond: a.cfg.Dispatch.RatePerSecond,
	}), nil
}

func (a *app) combiner() *combiner.Combiner {
	return combiner.New(a.table, a.store, a.catalog, combiner.Config{
		ResultsKey:    a.cfg.Search.ResultsKey,
		ExportParquet: a.cfg.Search.ExportParquet,
		Parquet:       tables.DefaultParquetConfig(),
		Events:        a.events,
		Producer:      audit.ProducerInfo{Name: "cds-search", Version: Version, GitSHA: GitSHA},
	})
}

func (a *app) monitor() *monitor.Monitor {
	return monitor.New(a.table)
}

func (a *app) gradientJob(params model.GradientParameters) *gradient.Job {
	agg := gradient.NewAggregator(a.loader, kernel.CalculatorFactory{}, kernel.AreaGapScore,
		gradient.ConfigFromParameters(params, a.cfg.Gradient.PoolSize))
	return &gradient.Job{Aggregator: agg, Store: a.store}
}
