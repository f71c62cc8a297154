package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/anandtrivedi/koop-provider-databricks/internal/cache/redisstore"
	"github.com/anandtrivedi/koop-provider-databricks/internal/core/config"
	"github.com/anandtrivedi/koop-provider-databricks/internal/core/health"
	"github.com/anandtrivedi/koop-provider-databricks/internal/core/server"
	"github.com/anandtrivedi/koop-provider-databricks/internal/dbconn"
	"github.com/anandtrivedi/koop-provider-databricks/internal/engine"
	"github.com/anandtrivedi/koop-provider-databricks/internal/invalidation/kafkaconsumer"
	"github.com/anandtrivedi/koop-provider-databricks/internal/logger"
	"github.com/anandtrivedi/koop-provider-databricks/internal/mapper"
	h3mapper "github.com/anandtrivedi/koop-provider-databricks/internal/mapper/h3"
	"github.com/anandtrivedi/koop-provider-databricks/internal/metadata"
	"github.com/anandtrivedi/koop-provider-databricks/internal/metrics"
	"github.com/anandtrivedi/koop-provider-databricks/internal/queryevents"
	"github.com/anandtrivedi/koop-provider-databricks/internal/ratelimit"
	"github.com/anandtrivedi/koop-provider-databricks/internal/sqlbuilder"
)

var (
	Version   = "dev"
	Revision  = ""
	BuildDate = ""
)

func main() {
	os.Exit(run())
}

func run() int {
	cfgPath := flag.String("config", "featureserver.yaml", "YAML config file; skipped when missing")
	envFile := flag.String("env", ".env", "dotenv file loaded before the environment is read")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Error("load env file", "path", *envFile, "err", err)
		return 1
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("load config", "err", err)
		return 1
	}

	zl := logger.Build(logger.Config{
		Level:   cfg.LogLevel,
		Console: cfg.LogConsole,
		SampleN: cfg.LogSampleN,
		Service: "featureserver",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)
	appLog.Info("starting featureserver",
		"addr", cfg.Addr, "version", Version, "driver", cfg.Driver, "h3_cells", cfg.H3.CellMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	prov, err := metrics.Init(metrics.Config{
		Enabled: cfg.Metrics.Enabled,
		Addr:    cfg.Metrics.Addr,
		Path:    cfg.Metrics.Path,
		Build:   metrics.BuildInfo{Version: Version, Revision: Revision, BuildDate: BuildDate},
	})
	if err != nil {
		appLog.Error("metrics setup failed", "err", err)
		return 1
	}
	go func() {
		if err := prov.Serve(ctx, appLog); err != nil {
			appLog.Error("metrics server exited", "err", err)
		}
	}()

	var checks []health.Check

	var shared metadata.SharedStore
	if cfg.Redis.Addr != "" {
		rc, err := redisstore.New(ctx, cfg.Redis.Addr, redisstore.WithOpTimeout(cfg.Redis.OpTimeout))
		if err != nil {
			// the shared tier is an optimisation; run with the local cache only
			appLog.Warn("redis unavailable, metadata cache is process-local", "err", err)
		} else {
			defer func() { _ = rc.Close() }()
			shared = rc
			checks = append(checks, health.Check{Name: "redis", Fn: rc.Ping})
		}
	}

	dbOpts := dbconn.OptionsFromConfig(cfg)
	// closed by the deferred Close once the server has drained
	dbOpts.ShutdownHook = false
	mgr := dbconn.New(dbOpts, appLog.With("component", "dbconn"))
	defer func() { _ = mgr.Close() }()
	checks = append(checks, health.Check{Name: "warehouse", Fn: func(ctx context.Context) error {
		if _, err := mgr.DB(ctx); err != nil {
			return err
		}
		return mgr.Ping(ctx)
	}})

	dialect, err := sqlbuilder.ParseDialect(cfg.Driver)
	if err != nil {
		appLog.Error("dialect", "err", err)
		return 1
	}
	var cells mapper.Coverer
	if cfg.H3.CellMode == config.H3CellModeLocal {
		cells = h3mapper.New(cfg.H3.MaxLocalCells)
	}
	builder, err := sqlbuilder.New(sqlbuilder.Options{
		IDField:            cfg.IDField,
		Geometry:           cfg.GeometryExpr(),
		MaxRecordCount:     cfg.Query.MaxRecordCount,
		DefaultRecordCount: cfg.Query.DefaultRecordCount,
		Dialect:            dialect,
		Cells:              cells,
		BigIntCells:        cfg.H3.BigIntCells,
	})
	if err != nil {
		appLog.Error("sql builder setup failed", "err", err)
		return 1
	}

	meta, err := metadata.New(metadata.Options{
		TTL:            cfg.Metadata.TTL,
		Capacity:       cfg.Metadata.Capacity,
		GeometryColumn: cfg.Geometry.Column,
		Dialect:        dialect,
		Shared:         shared,
		Log:            appLog.With("component", "metadata"),
	})
	if err != nil {
		appLog.Error("metadata cache setup failed", "err", err)
		return 1
	}

	opts := engine.Options{
		Builder:          builder,
		Metadata:         meta,
		Sessions:         mgr,
		StatementTimeout: cfg.Query.StatementTimeout,
		SRID:             cfg.Geometry.SRID,
		Log:              appLog.With("component", "engine"),
	}

	if cfg.RateLimit.Enabled {
		lim := ratelimit.New(cfg.RateLimit.Max, cfg.RateLimit.Window)
		go lim.Run(ctx, cfg.RateLimit.SweepInterval)
		opts.Limiter = lim
	}

	if cfg.QueryEvents.Enabled {
		pub, err := queryevents.NewPublisher(config.SplitCSV(cfg.QueryEvents.Brokers),
			cfg.QueryEvents.Topic, cfg.QueryEvents.QueueSize, appLog)
		if err != nil {
			appLog.Warn("query events disabled", "err", err)
		} else {
			defer func() { _ = pub.Close() }()
			opts.Events = pub
		}
	}

	if cfg.Invalidation.Enabled {
		consumer := kafkaconsumer.New(kafkaconsumer.ConfigFrom(cfg.Invalidation), appLog, meta)
		checks = append(checks, health.Check{Name: "schema_events", Fn: consumer.Ready})
		go func() {
			if err := consumer.Start(ctx); err != nil {
				appLog.Error("schema invalidation consumer exited", "err", err)
			}
		}()
	}

	eng, err := engine.New(opts)
	if err != nil {
		appLog.Error("engine setup failed", "err", err)
		return 1
	}

	if err := server.Run(ctx, cfg, appLog, eng, checks...); err != nil {
		appLog.Error("server exited", "err", err)
		return 1
	}
	appLog.Info("shutdown complete")
	return 0
}
