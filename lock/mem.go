package lock

import (
	"context"
	"errors"
	"sync"
)

// MemBackend keeps advisory locks in process memory. Like Postgres advisory
// locks, a session may take the same lock more than once and must unlock it
// as many times.
type MemBackend struct {
	mu   sync.Mutex
	held map[int64]*memHold
}

type memHold struct {
	owner    *memSession
	count    int
	released chan struct{}
}

// NewMemBackend creates an empty in-memory backend.
func NewMemBackend() *MemBackend {
	return &MemBackend{held: make(map[int64]*memHold)}
}

// Session opens a new session.
func (b *MemBackend) Session(context.Context) (Session, error) {
	return &memSession{backend: b}, nil
}

// Held reports whether any session holds id.
func (b *MemBackend) Held(id int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.held[id]
	return ok
}

type memSession struct {
	backend *MemBackend
	closed  bool
}

var errSessionClosed = errors.New("lock session closed")

func (s *memSession) acquire(ctx context.Context, id int64, wait bool) (bool, error) {
	b := s.backend
	for {
		b.mu.Lock()
		if s.closed {
			b.mu.Unlock()
			return false, errSessionClosed
		}
		h, ok := b.held[id]
		if !ok {
			b.held[id] = &memHold{owner: s, count: 1, released: make(chan struct{})}
			b.mu.Unlock()
			return true, nil
		}
		if h.owner == s {
			h.count++
			b.mu.Unlock()
			return true, nil
		}
		ch := h.released
		b.mu.Unlock()

		if !wait {
			return false, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

func (s *memSession) Lock(ctx context.Context, id int64) error {
	_, err := s.acquire(ctx, id, true)
	return err
}

func (s *memSession) TryLock(ctx context.Context, id int64) (bool, error) {
	return s.acquire(ctx, id, false)
}

func (s *memSession) Unlock(_ context.Context, id int64) error {
	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.held[id]
	if !ok || h.owner != s {
		return ErrNotHeld
	}
	h.count--
	if h.count == 0 {
		delete(b.held, id)
		close(h.released)
	}
	return nil
}

func (s *memSession) Close() error {
	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for id, h := range b.held {
		if h.owner == s {
			delete(b.held, id)
			close(h.released)
		}
	}
	return nil
}
