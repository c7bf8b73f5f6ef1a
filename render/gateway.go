package render

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/tabflow/lock"
	"github.com/dshills/tabflow/queue"
	"github.com/dshills/tabflow/render/emit"
	"github.com/dshills/tabflow/render/store"
)

// Renderer is the worker side of the render queue. For each request it
// locks the workflow, runs a pass and requeues when the workflow is still
// stale, keeping this invariant: every workflow whose latest state is not
// fully cached has a render request pending or in flight.
type Renderer struct {
	scheduler *Scheduler
	locker    *lock.Locker
	publisher queue.Publisher
	cfg       config

	rngMu sync.Mutex
}

// NewRenderer creates a Renderer publishing requeues to pub.
func NewRenderer(s *Scheduler, locker *lock.Locker, pub queue.Publisher, opts ...Option) (*Renderer, error) {
	cfg := s.cfg
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	return &Renderer{scheduler: s, locker: locker, publisher: pub, cfg: cfg}, nil
}

// HandleDelivery processes one render request and acks it, unless the pass
// failed on infrastructure. A failed delivery is left unacked, the lock is
// released and the error returned: the worker should exit so a supervisor
// restarts it.
func (r *Renderer) HandleDelivery(ctx context.Context, d queue.Delivery) error {
	msg := d.Message()
	wfID := msg.WorkflowID
	st := r.scheduler.store
	logger := r.cfg.logger

	// Checking existence before locking drops requests for deleted
	// workflows without touching the lock.
	if _, err := st.StateVersion(ctx, wfID); errors.Is(err, store.ErrNotFound) {
		logger.Infow("skipping render of deleted workflow", "workflow_id", wfID)
		return d.Ack(ctx)
	} else if err != nil {
		return fmt.Errorf("look up workflow %d: %w", wfID, err)
	}

	r.scheduler.transition(wfID, msg.StateVersion, StateLocking)
	lk, err := r.locker.AcquireRenderLock(ctx, wfID)
	if errors.Is(err, lock.ErrAlreadyLocked) {
		r.cfg.metrics.IncrementLockContention()
		r.cfg.emitter.Emit(emit.Event{WorkflowID: wfID, StateVersion: msg.StateVersion, Msg: emit.MsgLockBusy})
		logger.Infow("workflow is being rendered elsewhere; ignoring", "workflow_id", wfID)
		r.scheduler.transition(wfID, msg.StateVersion, StateDone)
		return d.Ack(ctx)
	}
	if err != nil {
		return fmt.Errorf("lock workflow %d: %w", wfID, err)
	}
	release := func() {
		if err := lk.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Errorw("release render lock", "workflow_id", wfID, "error", err)
		}
	}

	out, err := r.scheduler.run(ctx, wfID)
	if err != nil {
		r.scheduler.finish(wfID, out)
		release()
		return fmt.Errorf("render workflow %d: %w", wfID, err)
	}

	// From here until release, competing acquirers wait for us instead of
	// dropping their request, so a requeue published below is never lost.
	if err := lk.StallOthers(ctx); err != nil {
		r.scheduler.finish(wfID, Outcome{State: StateFailed, StateVersion: out.StateVersion})
		release()
		return fmt.Errorf("stall workflow %d: %w", wfID, err)
	}

	r.scheduler.transition(wfID, out.StateVersion, StateDeciding)
	requeue, version, err := r.wantRequeue(ctx, wfID, out)
	if err != nil {
		r.scheduler.finish(wfID, Outcome{State: StateFailed, StateVersion: out.StateVersion})
		release()
		return err
	}
	if requeue {
		next := queue.NewMessage(wfID, version, msg.PublishSpec)
		if err := r.publish(ctx, next); err != nil {
			r.scheduler.finish(wfID, Outcome{State: StateFailed, StateVersion: out.StateVersion})
			release()
			return fmt.Errorf("requeue workflow %d: %w", wfID, err)
		}
		r.cfg.metrics.IncrementRequeues()
		r.cfg.emitter.Emit(emit.Event{
			WorkflowID:   wfID,
			StateVersion: out.StateVersion,
			Msg:          emit.MsgRequeue,
			Meta:         map[string]interface{}{"next_state_version": version, "message_id": next.ID.String()},
		})
	}

	r.scheduler.finish(wfID, out)
	release()
	// Ack only after the requeue is published.
	return d.Ack(ctx)
}

// wantRequeue decides whether the workflow needs another pass and at which
// version. A superseded pass always requeues, since an undo can restore the
// rendered version number with different content.
func (r *Renderer) wantRequeue(ctx context.Context, wfID int64, out Outcome) (bool, int64, error) {
	current, err := r.scheduler.store.StateVersion(ctx, wfID)
	if errors.Is(err, store.ErrNotFound) {
		r.cfg.logger.Infow("skipping requeue of deleted workflow", "workflow_id", wfID)
		return false, 0, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("look up workflow %d: %w", wfID, err)
	}
	if out.State == StateSuperseded || current != out.StateVersion {
		r.cfg.logger.Infow("requeueing render", "workflow_id", wfID, "rendered", out.StateVersion, "current", current)
		return true, current, nil
	}
	return false, current, nil
}

// publish sends m, retrying per the retry policy.
func (r *Renderer) publish(ctx context.Context, m queue.Message) error {
	return publishRetrying(ctx, r.publisher, m, &r.cfg, &r.rngMu)
}

// publishRetrying sends m through pub, retrying per cfg.retry. rngMu guards
// cfg.rng.
func publishRetrying(ctx context.Context, pub queue.Publisher, m queue.Message, cfg *config, rngMu *sync.Mutex) error {
	policy := cfg.retry
	var err error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if err = pub.Publish(ctx, m); err == nil {
			return nil
		}
		if policy.Retryable == nil || !policy.Retryable(err) || attempt+1 == policy.MaxAttempts {
			break
		}

		rngMu.Lock()
		delay := computeBackoff(attempt, policy.BaseDelay, policy.MaxDelay, cfg.rng)
		rngMu.Unlock()
		cfg.logger.Warnw("publish failed; retrying", "workflow_id", m.WorkflowID, "attempt", attempt+1, "delay", delay, "error", err)

		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	return fmt.Errorf("%w: %v", ErrMaxAttemptsExceeded, err)
}

// Serve consumes q with concurrency workers until ctx is done or a delivery
// fails. It returns nil on shutdown and the first failure otherwise.
func (r *Renderer) Serve(ctx context.Context, q queue.Queue, concurrency int) error {
	if concurrency < 1 {
		concurrency = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			for {
				d, err := q.Consume(gctx)
				if err != nil {
					if gctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
						return nil
					}
					return fmt.Errorf("consume: %w", err)
				}
				if err := r.HandleDelivery(gctx, d); err != nil {
					if nerr := d.Nack(context.WithoutCancel(gctx)); nerr != nil {
						r.cfg.logger.Errorw("nack failed", "message_id", d.Message().ID, "error", nerr)
					}
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
			}
		})
	}
	return g.Wait()
}
