// Package config loads the render worker's configuration from a YAML file
// and TABFLOW_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/dshills/tabflow/log"
)

// Driver names accepted by the backend sections.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
	DriverFile     = "file"
	DriverCOS      = "cos"
)

// EnvPrefix prefixes environment overrides: log.level is TABFLOW_LOG_LEVEL.
const EnvPrefix = "TABFLOW"

// Config holds the configuration of a render worker.
type Config struct {
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	// Store is the workflow metadata and cache row database.
	Store struct {
		Driver string `mapstructure:"driver"`
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"store"`

	// Blob holds cached table bytes.
	Blob struct {
		Driver    string        `mapstructure:"driver"`
		Root      string        `mapstructure:"root"`
		BucketURL string        `mapstructure:"bucket_url"`
		SecretID  string        `mapstructure:"secret_id"`
		SecretKey string        `mapstructure:"secret_key"`
		Timeout   time.Duration `mapstructure:"timeout"`
	} `mapstructure:"blob"`

	Lock struct {
		Driver string `mapstructure:"driver"`
		DSN    string `mapstructure:"dsn"`
		Prefix string `mapstructure:"prefix"`
	} `mapstructure:"lock"`

	Queue struct {
		Driver       string        `mapstructure:"driver"`
		DSN          string        `mapstructure:"dsn"`
		Lease        time.Duration `mapstructure:"lease"`
		PollInterval time.Duration `mapstructure:"poll_interval"`
	} `mapstructure:"queue"`

	Worker struct {
		Concurrency   int           `mapstructure:"concurrency"`
		PoolSize      int           `mapstructure:"pool_size"`
		ModuleDir     string        `mapstructure:"module_dir"`
		TempDir       string        `mapstructure:"temp_dir"`
		RenderTimeout time.Duration `mapstructure:"render_timeout"`
		FetchTimeout  time.Duration `mapstructure:"fetch_timeout"`
	} `mapstructure:"worker"`

	Admin struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"admin"`

	// Tracing exports render events as spans over OTLP/HTTP. An empty
	// endpoint defers to OTEL_EXPORTER_OTLP_ENDPOINT, then localhost:4318.
	Tracing struct {
		Enabled  bool   `mapstructure:"enabled"`
		Endpoint string `mapstructure:"endpoint"`
	} `mapstructure:"tracing"`
}

var defaults = map[string]any{
	"log.level":             log.LevelInfo,
	"log.format":            log.FormatConsole,
	"store.driver":          DriverSQLite,
	"store.dsn":             "tabflow.db",
	"blob.driver":           DriverFile,
	"blob.root":             "blobs",
	"blob.bucket_url":       "",
	"blob.secret_id":        "",
	"blob.secret_key":       "",
	"blob.timeout":          30 * time.Second,
	"lock.driver":           DriverMemory,
	"lock.dsn":              "",
	"lock.prefix":           "tabflow",
	"queue.driver":          DriverSQLite,
	"queue.dsn":             "tabflow.db",
	"queue.lease":           10 * time.Minute,
	"queue.poll_interval":   200 * time.Millisecond,
	"worker.concurrency":    2,
	"worker.pool_size":      4,
	"worker.module_dir":     "modules",
	"worker.temp_dir":       "",
	"worker.render_timeout": 5 * time.Minute,
	"worker.fetch_timeout":  10 * time.Minute,
	"admin.addr":            ":9090",
	"tracing.enabled":       false,
	"tracing.endpoint":      "",
}

// NewViper returns a viper instance with every key defaulted and bound to
// its TABFLOW_* variable. Callers may bind command-line flags on it before
// Load.
func NewViper() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the configuration. With an empty path it looks for
// tabflow.yaml in the working directory and ./config, and carries on with
// defaults when there is none; an explicit path must exist.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("tabflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks driver names and the settings each driver needs.
func (c *Config) Validate() error {
	var errs []error
	check := func(section, driver string, allowed ...string) {
		for _, a := range allowed {
			if driver == a {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%s.driver: unknown driver %q (want one of %s)", section, driver, strings.Join(allowed, ", ")))
	}
	check("store", c.Store.Driver, DriverMemory, DriverSQLite, DriverMySQL)
	check("blob", c.Blob.Driver, DriverMemory, DriverFile, DriverCOS)
	check("lock", c.Lock.Driver, DriverMemory, DriverPostgres, DriverMySQL)
	check("queue", c.Queue.Driver, DriverMemory, DriverSQLite, DriverMySQL)

	if c.Store.Driver != DriverMemory && c.Store.DSN == "" {
		errs = append(errs, errors.New("store.dsn is required"))
	}
	if c.Blob.Driver == DriverCOS && c.Blob.BucketURL == "" {
		errs = append(errs, errors.New("blob.bucket_url is required for cos"))
	}
	if c.Blob.Driver == DriverFile && c.Blob.Root == "" {
		errs = append(errs, errors.New("blob.root is required for file"))
	}
	if c.Lock.Driver == DriverPostgres && c.Lock.DSN == "" {
		errs = append(errs, errors.New("lock.dsn is required for postgres"))
	}
	// The mysql lock and queue share the store's connection pool.
	if c.Lock.Driver == DriverMySQL && c.Store.Driver != DriverMySQL {
		errs = append(errs, errors.New("lock.driver mysql requires store.driver mysql"))
	}
	if c.Queue.Driver == DriverMySQL && c.Store.Driver != DriverMySQL {
		errs = append(errs, errors.New("queue.driver mysql requires store.driver mysql"))
	}
	if c.Queue.Driver == DriverSQLite && c.Queue.DSN == "" {
		errs = append(errs, errors.New("queue.dsn is required for sqlite"))
	}
	if c.Worker.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("worker.concurrency must be positive, got %d", c.Worker.Concurrency))
	}
	if c.Worker.PoolSize < 1 {
		errs = append(errs, fmt.Errorf("worker.pool_size must be positive, got %d", c.Worker.PoolSize))
	}
	return errors.Join(errs...)
}
