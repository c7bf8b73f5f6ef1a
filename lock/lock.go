// Package lock implements the distributed render lock: at most one render
// pass per workflow across every worker sharing a lock backend.
//
// A workflow moves through three phases, never skipping one:
//
//	unlocked --Acquire--> rendering --StallOthers--> requeueing --Release--> unlocked
//
// Two advisory locks per workflow implement it. Acquire locks "stall"
// (waiting out a requeueing holder), tries "render" and unlocks "stall".
// StallOthers locks "stall" and unlocks "render", so a competing Acquire
// waits instead of failing with ErrAlreadyLocked. Release unlocks "stall".
// A render request published while requeueing is therefore always picked up
// by the next Acquire.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dshills/tabflow/log"
)

// ErrAlreadyLocked is returned by AcquireRenderLock when another holder is
// rendering the workflow.
var ErrAlreadyLocked = errors.New("workflow is already being rendered")

// ErrNotHeld is returned when a session unlocks a lock it does not hold.
var ErrNotHeld = errors.New("advisory lock not held by this session")

// Advisory lock keys.
const (
	StallKey  int64 = 1
	RenderKey int64 = 2
)

// LockID packs a key and a workflow id into one advisory lock id. The key
// takes the top byte.
func LockID(key, workflowID int64) int64 {
	return key<<56 | workflowID&(1<<56-1)
}

// Session is one backend connection holding advisory locks. Locks belong to
// the session and are all released when it closes.
type Session interface {
	// Lock blocks until the lock is acquired or ctx is done.
	Lock(ctx context.Context, id int64) error
	// TryLock acquires the lock if it is free.
	TryLock(ctx context.Context, id int64) (bool, error)
	// Unlock releases one hold of the lock.
	Unlock(ctx context.Context, id int64) error
	// Close releases every lock and the connection.
	Close() error
}

// Backend opens sessions.
type Backend interface {
	Session(ctx context.Context) (Session, error)
}

// Option configures a Locker.
type Option func(*Locker)

// WithLogger sets the locker's logger.
func WithLogger(l log.Logger) Option {
	return func(lk *Locker) { lk.logger = l }
}

// Locker hands out render locks.
type Locker struct {
	backend Backend
	logger  log.Logger
}

// New creates a Locker over backend.
func New(backend Backend, opts ...Option) *Locker {
	lk := &Locker{backend: backend, logger: log.Default}
	for _, opt := range opts {
		opt(lk)
	}
	return lk
}

// AcquireRenderLock takes the render lock for workflowID. It waits while
// another holder is requeueing and returns ErrAlreadyLocked while another
// holder is rendering.
func (lk *Locker) AcquireRenderLock(ctx context.Context, workflowID int64) (*Lock, error) {
	s, err := lk.backend.Session(ctx)
	if err != nil {
		return nil, fmt.Errorf("open lock session: %w", err)
	}
	stall, render := LockID(StallKey, workflowID), LockID(RenderKey, workflowID)

	if err := s.Lock(ctx, stall); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("lock stall %d: %w", workflowID, err)
	}
	ok, err := s.TryLock(ctx, render)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("lock render %d: %w", workflowID, err)
	}
	if err := s.Unlock(ctx, stall); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("unlock stall %d: %w", workflowID, err)
	}
	if !ok {
		_ = s.Close()
		return nil, ErrAlreadyLocked
	}
	lk.logger.Debugw("render lock acquired", "workflow_id", workflowID)
	return &Lock{WorkflowID: workflowID, session: s, logger: lk.logger}, nil
}

// Lock is a held render lock. It owns one backend session until Release.
type Lock struct {
	WorkflowID int64

	mu       sync.Mutex
	session  Session
	logger   log.Logger
	stalled  bool
	released bool
}

// StallOthers moves the lock to the requeueing phase: from now until
// Release, competing acquirers wait rather than fail.
func (l *Lock) StallOthers(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return errors.New("render lock already released")
	}
	if l.stalled {
		return nil
	}
	if err := l.session.Lock(ctx, LockID(StallKey, l.WorkflowID)); err != nil {
		return fmt.Errorf("lock stall %d: %w", l.WorkflowID, err)
	}
	if err := l.session.Unlock(ctx, LockID(RenderKey, l.WorkflowID)); err != nil {
		return fmt.Errorf("unlock render %d: %w", l.WorkflowID, err)
	}
	l.stalled = true
	return nil
}

// Release unlocks the workflow and closes the session. It is safe to call
// more than once.
func (l *Lock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return nil
	}
	l.released = true

	key := RenderKey
	if l.stalled {
		key = StallKey
	}
	err := l.session.Unlock(ctx, LockID(key, l.WorkflowID))
	if cerr := l.session.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("release render lock %d: %w", l.WorkflowID, err)
	}
	l.logger.Debugw("render lock released", "workflow_id", l.WorkflowID, "stalled", l.stalled)
	return nil
}
