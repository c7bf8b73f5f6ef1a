package render

import (
	"fmt"
	"math/rand"
	"os"

	"github.com/dshills/tabflow/log"
	"github.com/dshills/tabflow/render/emit"
)

// Option configures a Scheduler, Renderer or Fetcher.
type Option func(*config) error

type config struct {
	logger  log.Logger
	emitter emit.Emitter
	metrics *PrometheusMetrics
	tempDir string
	retry   RetryPolicy
	rng     *rand.Rand

	fetchHistory int
}

func defaultConfig() config {
	return config{
		logger:  log.Default,
		emitter: emit.NewNullEmitter(),
		tempDir: os.TempDir(),
		retry:   DefaultRetryPolicy(),

		fetchHistory: DefaultFetchHistory,
	}
}

func applyOptions(opts []Option) (config, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return config{}, err
		}
	}
	return cfg, nil
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(c *config) error {
		if l == nil {
			return fmt.Errorf("logger must not be nil")
		}
		c.logger = l
		return nil
	}
}

// WithEmitter sets where pass and step events go. Default: discarded.
func WithEmitter(e emit.Emitter) Option {
	return func(c *config) error {
		if e == nil {
			return fmt.Errorf("emitter must not be nil")
		}
		c.emitter = e
		return nil
	}
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *PrometheusMetrics) Option {
	return func(c *config) error {
		c.metrics = m
		return nil
	}
}

// WithTempDir sets where fetched tables are downloaded before render.
// Default: os.TempDir().
func WithTempDir(dir string) Option {
	return func(c *config) error {
		c.tempDir = dir
		return nil
	}
}

// WithRetryPolicy sets how requeue publishes are retried.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *config) error {
		if err := p.Validate(); err != nil {
			return err
		}
		c.retry = p
		return nil
	}
}

// WithRandSource makes retry jitter deterministic (for tests).
func WithRandSource(seed int64) Option {
	return func(c *config) error {
		c.rng = rand.New(rand.NewSource(seed)) // #nosec G404 -- jitter only
		return nil
	}
}

// WithFetchHistory sets how many fetched tables a Fetcher keeps per step.
// Default: DefaultFetchHistory.
func WithFetchHistory(n int) Option {
	return func(c *config) error {
		if n < 1 {
			return fmt.Errorf("fetch history must be at least 1, got %d", n)
		}
		c.fetchHistory = n
		return nil
	}
}
