// Package config holds the proxy's own process-level configuration — how
// many routing workers to run, where the managed object-graph config lives,
// where the bookkeeping store and cache are, how to log. This is distinct
// from internal/registry, which loads the *managed* object graph (services,
// servers, filters, listeners, monitors) from its own INI dialect.
package config

import (
    "fmt"
    "strings"
    "time"

    "github.com/spf13/viper"
)

// Config is the complete ambient configuration for one dbproxy process.
type Config struct {
    App     AppConfig     `mapstructure:"app"`
    Registry RegistryConfig `mapstructure:"registry"`
    Store   StoreConfig   `mapstructure:"store"`
    Cache   CacheConfig   `mapstructure:"cache"`
    Workers WorkersConfig `mapstructure:"workers"`
    WCAR    WCARConfig    `mapstructure:"wcar"`
    Diff    DiffConfig    `mapstructure:"diff"`
    Admin   AdminConfig   `mapstructure:"admin"`
    Health  HealthConfig  `mapstructure:"health"`
    Metrics MetricsConfig `mapstructure:"metrics"`
    Logging LoggingConfig `mapstructure:"logging"`
}

type AppConfig struct {
    Name        string `mapstructure:"name"`
    Environment string `mapstructure:"environment"`
    Debug       bool   `mapstructure:"debug"`
}

// RegistryConfig points at the managed object-graph config files.
type RegistryConfig struct {
    MainFile            string `mapstructure:"main_file"`
    RuntimeDir          string `mapstructure:"runtime_dir"`
    SubstituteVariables bool   `mapstructure:"substitute_variables"`
}

type StoreConfig struct {
    Driver          string        `mapstructure:"driver"`
    Host            string        `mapstructure:"host"`
    Port            int           `mapstructure:"port"`
    Username        string        `mapstructure:"username"`
    Password        string        `mapstructure:"password"`
    Database        string        `mapstructure:"database"`
    MaxOpenConns    int           `mapstructure:"max_open_conns"`
    MaxIdleConns    int           `mapstructure:"max_idle_conns"`
    ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
    RetryAttempts   int           `mapstructure:"retry_attempts"`
    RetryDelay      time.Duration `mapstructure:"retry_delay"`
}

type CacheConfig struct {
    Host         string        `mapstructure:"host"`
    Port         int           `mapstructure:"port"`
    Password     string        `mapstructure:"password"`
    DB           int           `mapstructure:"db"`
    PoolSize     int           `mapstructure:"pool_size"`
    MinIdleConns int           `mapstructure:"min_idle_conns"`
    MaxRetries   int           `mapstructure:"max_retries"`
    DialTimeout  time.Duration `mapstructure:"dial_timeout"`
}

// WorkersConfig covers the routing-worker pool.
type WorkersConfig struct {
    Count             int           `mapstructure:"count"`
    QueueSize         int           `mapstructure:"queue_size"`
    RebalancePeriod   time.Duration `mapstructure:"rebalance_period"`
    RebalanceThreshold float64      `mapstructure:"rebalance_threshold"`
    RebalanceWindow   int           `mapstructure:"rebalance_window"`
}

// WCARConfig covers the capture filter and recorder.
type WCARConfig struct {
    Enabled         bool   `mapstructure:"enabled"`
    OutputDir       string `mapstructure:"output_dir"`
    CaptureQueueSize int   `mapstructure:"capture_queue_size"`
    BatchSize       int    `mapstructure:"batch_size"`
}

// DiffConfig covers the comparator router defaults. MainDSN/
// OtherDSN, when set, let the admin state machine's STOPPING_REPLICATION
// sub-state dial the real servers for the GTID catch-up check; left blank
// they are the injection point a deployment without replica replication
// wiring can simply not fill in (stopReplication then short-circuits true).
type DiffConfig struct {
    ServiceName         string        `mapstructure:"service_name"`
    Report              string        `mapstructure:"report"`
    OnError             string        `mapstructure:"on_error"`
    DivergenceThreshold float64       `mapstructure:"divergence_threshold_percent"`
    SyncTickInterval    time.Duration `mapstructure:"sync_tick_interval"`
    ExportSink          string        `mapstructure:"export_sink"`
    ExportPath          string        `mapstructure:"export_path"`
    MainDSN             string        `mapstructure:"main_dsn"`
    OtherDSN            string        `mapstructure:"other_dsn"`
}

type AdminConfig struct {
    ListenAddress string `mapstructure:"listen_address"`
    Port          int    `mapstructure:"port"`
}

type MetricsConfig struct {
    Enabled bool `mapstructure:"enabled"`
    Port    int  `mapstructure:"port"`
}

type HealthConfig struct {
    Enabled bool `mapstructure:"enabled"`
    Port    int  `mapstructure:"port"`
}

type LoggingConfig struct {
    Level  string                 `mapstructure:"level"`
    Format string                 `mapstructure:"format"`
    Output string                 `mapstructure:"output"`
    File   FileLogConfig          `mapstructure:"file"`
    Fields map[string]interface{} `mapstructure:"fields"`
}

type FileLogConfig struct {
    Enabled    bool   `mapstructure:"enabled"`
    Path       string `mapstructure:"path"`
    MaxSize    int    `mapstructure:"max_size"`
    MaxBackups int    `mapstructure:"max_backups"`
    MaxAge     int    `mapstructure:"max_age"`
    Compress   bool   `mapstructure:"compress"`
}

// Load reads configuration from configFile (or the default search path),
// overlays environment variables prefixed DBPROXY_, applies defaults, and
// validates the result.
func Load(configFile string) (*Config, error) {
    if configFile != "" {
        viper.SetConfigFile(configFile)
    } else {
        viper.SetConfigName("dbproxy")
        viper.SetConfigType("yaml")
        viper.AddConfigPath("./configs")
        viper.AddConfigPath("/etc/dbproxy")
        viper.AddConfigPath(".")
    }

    viper.SetEnvPrefix("DBPROXY")
    viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
    viper.AutomaticEnv()

    setDefaults()

    if err := viper.ReadInConfig(); err != nil {
        if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
            return nil, fmt.Errorf("failed to read config file: %w", err)
        }
    }

    var cfg Config
    if err := viper.Unmarshal(&cfg); err != nil {
        return nil, fmt.Errorf("failed to unmarshal config: %w", err)
    }

    if err := cfg.Validate(); err != nil {
        return nil, fmt.Errorf("invalid configuration: %w", err)
    }

    return &cfg, nil
}

func setDefaults() {
    viper.SetDefault("app.name", "dbproxy")
    viper.SetDefault("app.environment", "development")
    viper.SetDefault("app.debug", false)

    viper.SetDefault("registry.main_file", "/etc/dbproxy/dbproxy.cnf")
    viper.SetDefault("registry.runtime_dir", "/var/lib/dbproxy/runtime")
    viper.SetDefault("registry.substitute_variables", false)

    viper.SetDefault("store.driver", "mysql")
    viper.SetDefault("store.host", "localhost")
    viper.SetDefault("store.port", 3306)
    viper.SetDefault("store.database", "dbproxy")
    viper.SetDefault("store.max_open_conns", 25)
    viper.SetDefault("store.max_idle_conns", 5)
    viper.SetDefault("store.conn_max_lifetime", "5m")
    viper.SetDefault("store.retry_attempts", 3)
    viper.SetDefault("store.retry_delay", "1s")

    viper.SetDefault("cache.host", "localhost")
    viper.SetDefault("cache.port", 6379)
    viper.SetDefault("cache.pool_size", 10)
    viper.SetDefault("cache.min_idle_conns", 5)
    viper.SetDefault("cache.max_retries", 3)
    viper.SetDefault("cache.dial_timeout", "5s")

    viper.SetDefault("workers.count", 4)
    viper.SetDefault("workers.queue_size", 4096)
    viper.SetDefault("workers.rebalance_period", "30s")
    viper.SetDefault("workers.rebalance_threshold", 0.25)
    viper.SetDefault("workers.rebalance_window", 5)

    viper.SetDefault("wcar.enabled", false)
    viper.SetDefault("wcar.output_dir", "/var/lib/dbproxy/wcar")
    viper.SetDefault("wcar.capture_queue_size", 8192)
    viper.SetDefault("wcar.batch_size", 256)

    viper.SetDefault("diff.report", "on_conflict")
    viper.SetDefault("diff.on_error", "ignore")
    viper.SetDefault("diff.divergence_threshold_percent", 20.0)
    viper.SetDefault("diff.sync_tick_interval", "1s")
    viper.SetDefault("diff.export_sink", "log")
    viper.SetDefault("diff.export_path", "/var/log/dbproxy/diff-reports.jsonl")

    viper.SetDefault("admin.listen_address", "0.0.0.0")
    viper.SetDefault("admin.port", 8989)

    viper.SetDefault("health.enabled", true)
    viper.SetDefault("health.port", 8080)

    viper.SetDefault("metrics.enabled", true)
    viper.SetDefault("metrics.port", 9090)

    viper.SetDefault("logging.level", "info")
    viper.SetDefault("logging.format", "json")
    viper.SetDefault("logging.output", "stdout")
}

func (c *Config) Validate() error {
    if c.Workers.Count <= 0 {
        return fmt.Errorf("workers.count must be positive")
    }
    if c.Workers.QueueSize <= 0 {
        return fmt.Errorf("workers.queue_size must be positive")
    }
    if c.Store.Host == "" {
        return fmt.Errorf("store.host is required")
    }
    if c.Store.Port <= 0 || c.Store.Port > 65535 {
        return fmt.Errorf("invalid store port: %d", c.Store.Port)
    }
    if c.Admin.Port <= 0 || c.Admin.Port > 65535 {
        return fmt.Errorf("invalid admin port: %d", c.Admin.Port)
    }
    switch c.Diff.Report {
    case "always", "on_conflict":
    default:
        return fmt.Errorf("invalid diff.report: %q", c.Diff.Report)
    }
    switch c.Diff.OnError {
    case "ignore", "close":
    default:
        return fmt.Errorf("invalid diff.on_error: %q", c.Diff.OnError)
    }
    switch c.Diff.ExportSink {
    case "file", "log":
    default:
        return fmt.Errorf("invalid diff.export_sink: %q (kafka is not wired in this build)", c.Diff.ExportSink)
    }
    return nil
}

func (c *AppConfig) IsProduction() bool {
    return strings.ToLower(c.Environment) == "production"
}
