package main

import (
    "context"
    "fmt"
    "os"
    "os/signal"
    "syscall"

    "github.com/spf13/cobra"

    "github.com/mariadb-labs/dbproxy/internal/adminapi"
    "github.com/mariadb-labs/dbproxy/internal/config"
    "github.com/mariadb-labs/dbproxy/internal/health"
    "github.com/mariadb-labs/dbproxy/internal/metrics"
    "github.com/mariadb-labs/dbproxy/internal/registry"
    "github.com/mariadb-labs/dbproxy/internal/store"
    "github.com/mariadb-labs/dbproxy/internal/wcar/capture"
    "github.com/mariadb-labs/dbproxy/internal/wcar/record"
    "github.com/mariadb-labs/dbproxy/internal/workerpool"
    "github.com/mariadb-labs/dbproxy/pkg/logger"
)

var (
    cfgFile   string
    adminAddr string
    jsonOut   bool

    // process-lifetime services, shared with diff_commands.go/wcar_commands.go
    // only when running inside the same "serve" process; the CLI subcommands
    // otherwise talk to a running process over HTTP via adminAddr.
    cfg        *config.Config
    pool       *workerpool.Pool
    healthSvc  *health.HealthService
    metricsSvc *metrics.PrometheusMetrics
    recorder      *record.Recorder
    captureFilter *capture.Filter
    storeDB       *store.DB
    cache         *store.Cache
)

func main() {
    root := &cobra.Command{
        Use:   "dbproxy",
        Short: "MariaDB comparator/capture proxy",
        Long:  "Database proxy hosting the workload capture-and-replay subsystem and the traffic-comparator router",
    }

    root.PersistentFlags().StringVar(&cfgFile, "config", "", "Configuration file path")
    root.PersistentFlags().StringVar(&adminAddr, "admin-addr", "http://127.0.0.1:8989", "Address of a running dbproxy's admin API")
    root.PersistentFlags().BoolVar(&jsonOut, "json", false, "Print raw JSON instead of a table")

    root.AddCommand(
        createServeCommand(),
        createDiffCommands(),
        createWCARCommands(),
    )

    if err := root.Execute(); err != nil {
        fmt.Fprintf(os.Stderr, "Error: %v\n", err)
        os.Exit(1)
    }
}

func createServeCommand() *cobra.Command {
    return &cobra.Command{
        Use:   "serve",
        Short: "Run the proxy process: object graph, worker pool, admin and health HTTP surfaces",
        RunE: func(cmd *cobra.Command, args []string) error {
            return runServe()
        },
    }
}

func runServe() error {
    var err error
    cfg, err = config.Load(cfgFile)
    if err != nil {
        return fmt.Errorf("failed to load config: %w", err)
    }

    logConfig := logger.Config{
        Level:  cfg.Logging.Level,
        Format: cfg.Logging.Format,
        Output: cfg.Logging.Output,
        File: logger.FileConfig{
            Enabled:    cfg.Logging.File.Enabled,
            Path:       cfg.Logging.File.Path,
            MaxSize:    cfg.Logging.File.MaxSize,
            MaxBackups: cfg.Logging.File.MaxBackups,
            MaxAge:     cfg.Logging.File.MaxAge,
            Compress:   cfg.Logging.File.Compress,
        },
    }
    if err := logger.Init(logConfig); err != nil {
        return fmt.Errorf("failed to initialize logger: %w", err)
    }

    logger.WithField("app", cfg.App.Name).WithField("env", cfg.App.Environment).Info("starting dbproxy")

    storeDB, err = store.Open(store.Config{
        Driver:          cfg.Store.Driver,
        Host:            cfg.Store.Host,
        Port:            cfg.Store.Port,
        Username:        cfg.Store.Username,
        Password:        cfg.Store.Password,
        Database:        cfg.Store.Database,
        MaxOpenConns:    cfg.Store.MaxOpenConns,
        MaxIdleConns:    cfg.Store.MaxIdleConns,
        ConnMaxLifetime: cfg.Store.ConnMaxLifetime,
        RetryAttempts:   cfg.Store.RetryAttempts,
        RetryDelay:      cfg.Store.RetryDelay,
    })
    if err != nil {
        return fmt.Errorf("failed to connect to store: %w", err)
    }
    if err := store.RunMigrations(storeDB.DB); err != nil {
        return fmt.Errorf("failed to run store migrations: %w", err)
    }

    cache, err = store.NewCache(store.CacheConfig{
        Host:         cfg.Cache.Host,
        Port:         cfg.Cache.Port,
        Password:     cfg.Cache.Password,
        DB:           cfg.Cache.DB,
        PoolSize:     cfg.Cache.PoolSize,
        MinIdleConns: cfg.Cache.MinIdleConns,
        MaxRetries:   cfg.Cache.MaxRetries,
    }, "dbproxy")
    if err != nil {
        logger.WithError(err).Warn("failed to connect to cache, distributed locks disabled")
    }

    objects, err := registry.Load(registry.LoaderConfig{
        MainFile:            cfg.Registry.MainFile,
        RuntimeDir:          cfg.Registry.RuntimeDir,
        SubstituteVariables: cfg.Registry.SubstituteVariables,
    })
    if err != nil {
        return fmt.Errorf("failed to load object graph: %w", err)
    }
    order, err := registry.CreationOrder(objects)
    if err != nil {
        return fmt.Errorf("object graph has a dependency cycle: %w", err)
    }
    logger.WithField("objects", len(order)).Info("object graph loaded")

    pool = workerpool.New(cfg.Workers.Count, cfg.Workers.QueueSize)
    pool.StartRebalancing(workerpool.RebalanceConfig{
        Period:    cfg.Workers.RebalancePeriod,
        Threshold: cfg.Workers.RebalanceThreshold,
        Window:    cfg.Workers.RebalanceWindow,
    })

    if cfg.WCAR.Enabled {
        storage, err := record.Create(cfg.WCAR.OutputDir)
        if err != nil {
            return fmt.Errorf("failed to open wcar capture storage: %w", err)
        }
        recorder = record.NewRecorder(storage, cfg.WCAR.CaptureQueueSize, cfg.WCAR.BatchSize)
        captureFilter = capture.New(recorder)
        logger.WithField("dir", cfg.WCAR.OutputDir).Info("wcar capture enabled")
    }

    diffAdmin := newDiffAdmin(cfg, pool, objects)

    if cfg.Health.Enabled {
        healthSvc = health.NewHealthService(cfg.Health.Port)
        healthSvc.RegisterLivenessCheck("pool", health.CheckFunc(func(ctx context.Context) error {
            if pool.WorkerCount() == 0 {
                return fmt.Errorf("worker pool has no live workers")
            }
            return nil
        }))
        healthSvc.RegisterReadinessCheck("pool", health.CheckFunc(func(ctx context.Context) error {
            if pool.WorkerCount() == 0 {
                return fmt.Errorf("worker pool has no live workers")
            }
            return nil
        }))
        go healthSvc.Start()
    }

    if cfg.Metrics.Enabled {
        metricsSvc = metrics.NewPrometheusMetrics()
        go func() {
            if err := metricsSvc.ServeHTTP(cfg.Metrics.Port); err != nil {
                logger.WithError(err).Error("metrics server stopped")
            }
        }()
    }

    adminSrv := adminapi.NewServer(fmt.Sprintf("%s:%d", cfg.Admin.ListenAddress, cfg.Admin.Port), adminapi.Deps{
        Diff:     diffAdmin,
        Recorder: recorder,
        Capture:  captureFilter,
    })
    go func() {
        if err := adminSrv.Start(); err != nil {
            logger.WithError(err).Fatal("admin API server stopped")
        }
    }()

    sigCh := make(chan os.Signal, 1)
    signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
    <-sigCh

    logger.Info("shutting down")
    pool.StopRebalancing()
    if err := adminSrv.Stop(); err != nil {
        logger.WithError(err).Warn("error stopping admin API server")
    }
    if healthSvc != nil {
        if err := healthSvc.Stop(); err != nil {
            logger.WithError(err).Warn("error stopping health service")
        }
    }
    if recorder != nil {
        if err := recorder.Close(); err != nil {
            logger.WithError(err).Warn("error closing wcar recorder")
        }
    }
    if cache != nil {
        if err := cache.Close(); err != nil {
            logger.WithError(err).Warn("error closing cache")
        }
    }
    if storeDB != nil {
        if err := storeDB.Close(); err != nil {
            logger.WithError(err).Warn("error closing store")
        }
    }
    logger.Info("shutdown complete")
    return nil
}
