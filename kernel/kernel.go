package kernel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/sync/semaphore"

	"github.com/dshills/tabflow/log"
	"github.com/dshills/tabflow/params"
	"github.com/dshills/tabflow/result"
)

// Defaults applied by New.
const (
	DefaultPoolSize        = 4
	DefaultRenderTimeout   = 5 * time.Minute
	DefaultFetchTimeout    = 10 * time.Minute
	DefaultValidateTimeout = 30 * time.Second
)

type config struct {
	poolSize        int
	renderTimeout   time.Duration
	fetchTimeout    time.Duration
	validateTimeout time.Duration
	tempDir         string
	logger          log.Logger
}

// Option configures a Kernel.
type Option func(*config) error

// WithPoolSize bounds how many module calls run at once.
func WithPoolSize(n int) Option {
	return func(c *config) error {
		if n <= 0 {
			return fmt.Errorf("pool size must be positive, got %d", n)
		}
		c.poolSize = n
		return nil
	}
}

// WithRenderTimeout sets the wall-clock limit for render calls of modules
// whose spec does not set one.
func WithRenderTimeout(d time.Duration) Option {
	return func(c *config) error {
		if d < 0 {
			return fmt.Errorf("render timeout must be >= 0, got %v", d)
		}
		c.renderTimeout = d
		return nil
	}
}

// WithFetchTimeout sets the default wall-clock limit for fetch calls.
func WithFetchTimeout(d time.Duration) Option {
	return func(c *config) error {
		if d < 0 {
			return fmt.Errorf("fetch timeout must be >= 0, got %v", d)
		}
		c.fetchTimeout = d
		return nil
	}
}

// WithTempDir sets where process modules get their per-call directories.
func WithTempDir(dir string) Option {
	return func(c *config) error {
		c.tempDir = dir
		return nil
	}
}

// WithLogger sets the kernel's logger.
func WithLogger(l log.Logger) Option {
	return func(c *config) error {
		c.logger = l
		return nil
	}
}

// Kernel runs module calls on a bounded worker pool with a per-call
// timeout. It is safe for concurrent use.
//
// slots holds one unit per pool worker. A unit is released when module code
// returns, not when the caller gives up, so hung calls keep their workers
// and later calls wait for a slot under their own deadline.
type Kernel struct {
	pool  *ants.Pool
	slots *semaphore.Weighted
	cfg   config
	env   *callEnv
}

// New creates a Kernel. Close releases its pool.
func New(opts ...Option) (*Kernel, error) {
	cfg := config{
		poolSize:        DefaultPoolSize,
		renderTimeout:   DefaultRenderTimeout,
		fetchTimeout:    DefaultFetchTimeout,
		validateTimeout: DefaultValidateTimeout,
		tempDir:         os.TempDir(),
		logger:          log.Default,
	}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	pool, err := ants.NewPool(cfg.poolSize)
	if err != nil {
		return nil, fmt.Errorf("create module pool: %w", err)
	}
	return &Kernel{
		pool:  pool,
		slots: semaphore.NewWeighted(int64(cfg.poolSize)),
		cfg:   cfg,
		env:   &callEnv{tempDir: cfg.tempDir},
	}, nil
}

// Close releases the worker pool. Calls in flight finish first.
func (k *Kernel) Close() {
	k.pool.Release()
}

// callTimeout picks the limit for a call: the module's own timeout when set,
// otherwise the kernel default. Zero means no limit.
func callTimeout(spec *Spec, def time.Duration) time.Duration {
	if spec != nil && spec.Timeout > 0 {
		return spec.Timeout
	}
	return def
}

type outcome[T any] struct {
	val T
	err error
}

// call runs fn on the pool and waits for it, its deadline or ctx. A builtin
// module that ignores ctx keeps its pool worker until it returns; the caller
// is released at the deadline regardless. Waiting for a free worker counts
// against the same deadline.
func call[T any](ctx context.Context, k *Kernel, m Module, op string, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := k.slots.Acquire(ctx, 1); err != nil {
		cause := abandonCause(err)
		k.cfg.logger.Warnw("no free module worker", "module", m.Spec().ID, "op", op, "timeout", timeout, "cause", cause)
		return zero, &InfrastructureError{Op: op, Module: m.Spec().ID, Cause: cause, Detail: "all pool workers busy"}
	}

	done := make(chan outcome[T], 1)
	err := k.pool.Submit(func() {
		defer k.slots.Release(1)
		v, err := fn(ctx)
		done <- outcome[T]{val: v, err: err}
	})
	if err != nil {
		k.slots.Release(1)
		return zero, &InfrastructureError{Op: op, Module: m.Spec().ID, Cause: ErrPoolUnavailable, Detail: err.Error()}
	}

	select {
	case out := <-done:
		return out.val, out.err
	case <-ctx.Done():
		cause := abandonCause(ctx.Err())
		k.cfg.logger.Warnw("module call abandoned", "module", m.Spec().ID, "op", op, "timeout", timeout, "cause", cause)
		return zero, &InfrastructureError{Op: op, Module: m.Spec().ID, Cause: cause}
	}
}

func abandonCause(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrModuleTimeout
	}
	return err
}

// Validate runs the module's one-time static self-check.
func (k *Kernel) Validate(ctx context.Context, m Module) error {
	_, err := call(ctx, k, m, "validate", k.cfg.validateTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, m.validate(ctx, k.env)
	})
	return err
}

// MigrateParams upgrades raw params stored for an older module version.
// The output must validate against the module's schema; otherwise the error
// is a *MigrateError.
func (k *Kernel) MigrateParams(ctx context.Context, m Module, raw map[string]any) (map[string]any, error) {
	out, err := call(ctx, k, m, "migrate_params", k.cfg.validateTimeout, func(ctx context.Context) (map[string]any, error) {
		return m.migrateParams(ctx, k.env, raw)
	})
	if err != nil {
		if IsInfrastructure(err) {
			return nil, err
		}
		return nil, &MigrateError{Module: m.Spec().ID, Cause: err}
	}
	if err := params.Validate(m.Spec().Schema, out); err != nil {
		return nil, &MigrateError{Module: m.Spec().ID, Cause: err}
	}
	return out, nil
}

// Render runs the module's render function. Module faults become errors in
// the returned result; the error return is always an *InfrastructureError.
func (k *Kernel) Render(ctx context.Context, m Module, req RenderRequest) (result.RenderResult, error) {
	start := time.Now()
	res, err := call(ctx, k, m, "render", callTimeout(m.Spec(), k.cfg.renderTimeout), func(ctx context.Context) (result.RenderResult, error) {
		return m.render(ctx, k.env, req)
	})
	if err != nil {
		return result.RenderResult{}, err
	}
	k.cfg.logger.Debugw("module rendered", "module", m.Spec().ID, "status", res.Status(),
		"rows", res.Table.NRows, "duration", time.Since(start))
	return res, nil
}

// Fetch runs the module's fetch function, writing any fetched table to
// req.OutputPath.
func (k *Kernel) Fetch(ctx context.Context, m Module, req FetchRequest) (result.FetchResult, error) {
	return call(ctx, k, m, "fetch", callTimeout(m.Spec(), k.cfg.fetchTimeout), func(ctx context.Context) (result.FetchResult, error) {
		return m.fetch(ctx, k.env, req)
	})
}
