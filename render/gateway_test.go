package render

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/dshills/tabflow/kernel"
	"github.com/dshills/tabflow/lock"
	"github.com/dshills/tabflow/queue"
	"github.com/dshills/tabflow/render/emit"
	"github.com/dshills/tabflow/render/store"
)

type gatewayHarness struct {
	*harness
	backend  *lock.MemBackend
	locker   *lock.Locker
	q        *queue.MemQueue
	renderer *Renderer
}

func newGatewayHarness(t *testing.T, opts ...Option) *gatewayHarness {
	t.Helper()
	g := &gatewayHarness{harness: newHarness(t), backend: lock.NewMemBackend(), q: queue.NewMemQueue()}
	g.locker = lock.New(g.backend)
	r, err := NewRenderer(g.sched, g.locker, g.q, opts...)
	if err != nil {
		t.Fatalf("NewRenderer: %v", err)
	}
	g.renderer = r
	t.Cleanup(func() { _ = g.q.Close() })
	return g
}

// deliver publishes a request and hands its delivery to the renderer.
func (g *gatewayHarness) deliver(wfID, version int64, spec json.RawMessage) error {
	g.t.Helper()
	ctx := context.Background()
	if err := g.q.Publish(ctx, queue.NewMessage(wfID, version, spec)); err != nil {
		g.t.Fatalf("Publish: %v", err)
	}
	return g.next()
}

// next hands the oldest pending delivery to the renderer.
func (g *gatewayHarness) next() error {
	g.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := g.q.Consume(ctx)
	if err != nil {
		g.t.Fatalf("Consume: %v", err)
	}
	return g.renderer.HandleDelivery(context.Background(), d)
}

func (g *gatewayHarness) assertUnlocked(wfID int64) {
	g.t.Helper()
	for _, key := range []int64{lock.StallKey, lock.RenderKey} {
		if g.backend.Held(lock.LockID(key, wfID)) {
			g.t.Errorf("lock %d of workflow %d still held", key, wfID)
		}
	}
}

func TestHandleDelivery_Done(t *testing.T) {
	g := newGatewayHarness(t)
	g.create(tab("tab-1", step(1, "load", nil), step(2, "double", nil)))

	if err := g.deliver(1, 1, nil); err != nil {
		t.Fatalf("HandleDelivery: %v", err)
	}
	if g.q.Len() != 0 || g.q.InFlight() != 0 {
		t.Errorf("queue: pending %d, in flight %d", g.q.Len(), g.q.InFlight())
	}
	if n := len(g.q.Published()); n != 1 {
		t.Errorf("published %d messages, want only the request", n)
	}
	if got, want := g.events.States(1), []string{"Locking", "Planning", "Executing", "Deciding", "Done"}; !reflect.DeepEqual(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
	if row := g.cached(2); row.StateVersion != 1 {
		t.Errorf("step 2 row = %+v", row)
	}
	g.assertUnlocked(1)
}

func TestHandleDelivery_DeletedWorkflow(t *testing.T) {
	g := newGatewayHarness(t)

	if err := g.deliver(7, 3, nil); err != nil {
		t.Fatalf("HandleDelivery: %v", err)
	}
	if g.q.InFlight() != 0 {
		t.Error("request for a deleted workflow was not acked")
	}
	if ev := g.events.GetHistory(7); len(ev) != 0 {
		t.Errorf("events = %v, want none", ev)
	}
}

func TestHandleDelivery_AlreadyLocked(t *testing.T) {
	g := newGatewayHarness(t)
	g.create(tab("tab-1", step(1, "load", nil)))

	ctx := context.Background()
	held, err := g.locker.AcquireRenderLock(ctx, 1)
	if err != nil {
		t.Fatalf("AcquireRenderLock: %v", err)
	}
	defer held.Release(ctx)

	if err := g.deliver(1, 1, nil); err != nil {
		t.Fatalf("HandleDelivery: %v", err)
	}
	if g.q.InFlight() != 0 || g.q.Len() != 0 {
		t.Error("busy request was not acked")
	}
	if g.callCount("load") != 0 {
		t.Error("rendered while another worker held the lock")
	}
	if ev := g.events.GetHistoryWithFilter(1, emit.HistoryFilter{Msg: emit.MsgLockBusy}); len(ev) != 1 {
		t.Errorf("lock_busy events = %d, want 1", len(ev))
	}
	if got, want := g.events.States(1), []string{"Locking", "Done"}; !reflect.DeepEqual(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
}

func TestHandleDelivery_SupersededRequeues(t *testing.T) {
	g := newGatewayHarness(t)
	g.create(tab("tab-1", step(1, "load", nil), step(2, "edit", nil)))
	spec := json.RawMessage(`{"channel":"ws-1"}`)

	if err := g.deliver(1, 1, spec); err != nil {
		t.Fatalf("HandleDelivery: %v", err)
	}
	if got := g.events.States(1); got[len(got)-1] != "Superseded" {
		t.Errorf("states = %v", got)
	}
	published := g.q.Published()
	if len(published) != 2 {
		t.Fatalf("published %d messages, want a requeue", len(published))
	}
	requeue := published[1]
	if requeue.WorkflowID != 1 || requeue.StateVersion != 2 {
		t.Errorf("requeue = %+v", requeue)
	}
	if string(requeue.PublishSpec) != string(spec) {
		t.Errorf("publish spec = %s, want %s", requeue.PublishSpec, spec)
	}
	if requeue.ID == published[0].ID {
		t.Error("requeue reused the request id")
	}
	if ev := g.events.GetHistoryWithFilter(1, emit.HistoryFilter{Msg: emit.MsgRequeue}); len(ev) != 1 {
		t.Errorf("requeue events = %d", len(ev))
	}
	g.assertUnlocked(1)

	// The requeued pass finds everything fresh and settles.
	if err := g.next(); err != nil {
		t.Fatalf("HandleDelivery(requeue): %v", err)
	}
	if n := len(g.q.Published()); n != 2 {
		t.Errorf("published %d messages after the settling pass", n)
	}
	if g.callCount("edit") != 1 {
		t.Errorf("edit rendered %d times", g.callCount("edit"))
	}
}

func TestHandleDelivery_FailedPassStaysUnacked(t *testing.T) {
	g := newGatewayHarness(t)
	g.create(tab("tab-1", step(1, "load", nil), step(2, "hang", nil)))

	err := g.deliver(1, 1, nil)
	if !errors.Is(err, kernel.ErrModuleTimeout) {
		t.Fatalf("err = %v, want ErrModuleTimeout", err)
	}
	if g.q.InFlight() != 1 {
		t.Errorf("in flight = %d, want the failed delivery", g.q.InFlight())
	}
	if n := len(g.q.Published()); n != 1 {
		t.Errorf("failed pass published %d messages", n)
	}
	g.assertUnlocked(1)
}

type flakyPublisher struct {
	next  queue.Publisher
	fails int

	mu    sync.Mutex
	calls int
}

func (p *flakyPublisher) Publish(ctx context.Context, m queue.Message) error {
	p.mu.Lock()
	p.calls++
	fail := p.calls <= p.fails
	p.mu.Unlock()
	if fail {
		return errors.New("broker unavailable")
	}
	return p.next.Publish(ctx, m)
}

func fastRetry(attempts int) Option {
	return WithRetryPolicy(RetryPolicy{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
		Retryable:   func(error) bool { return true },
	})
}

func TestHandleDelivery_RequeueRetries(t *testing.T) {
	tests := []struct {
		name      string
		fails     int
		wantErr   bool
		wantCalls int
	}{
		{"recovers", 2, false, 3},
		{"gives up", 5, true, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newGatewayHarness(t)
			g.create(tab("tab-1", step(1, "load", nil), step(2, "edit", nil)))
			pub := &flakyPublisher{next: g.q, fails: tt.fails}
			r, err := NewRenderer(g.sched, g.locker, pub, fastRetry(3), WithRandSource(1))
			if err != nil {
				t.Fatalf("NewRenderer: %v", err)
			}
			g.renderer = r

			err = g.deliver(1, 1, nil)
			if tt.wantErr != (err != nil) {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, ErrMaxAttemptsExceeded) {
				t.Errorf("err = %v, want ErrMaxAttemptsExceeded", err)
			}
			if pub.calls != tt.wantCalls {
				t.Errorf("publish calls = %d, want %d", pub.calls, tt.wantCalls)
			}
			wantInFlight := 0
			if tt.wantErr {
				wantInFlight = 1
			}
			if g.q.InFlight() != wantInFlight {
				t.Errorf("in flight = %d, want %d", g.q.InFlight(), wantInFlight)
			}
			g.assertUnlocked(1)
		})
	}
}

func TestServe(t *testing.T) {
	g := newGatewayHarness(t)
	g.create(tab("tab-1", step(1, "load", nil), step(2, "double", nil)))
	ctx := context.Background()
	second := &store.Workflow{ID: 2, StateVersion: 1, Tabs: []store.Tab{tab("tab-1", step(10, "load", nil))}}
	if err := g.st.CreateWorkflow(ctx, second); err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	for _, wf := range []int64{1, 2, 99} {
		if err := g.q.Publish(ctx, queue.NewMessage(wf, 1, nil)); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	sctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- g.renderer.Serve(sctx, g.q, 2) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		_, err1 := g.st.GetCachedResult(ctx, 1, 2)
		_, err2 := g.st.GetCachedResult(ctx, 2, 10)
		if err1 == nil && err2 == nil && g.q.Len() == 0 && g.q.InFlight() == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("workflows not rendered: %v, %v", err1, err2)
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Serve = %v, want nil on shutdown", err)
	}
}

func TestServe_StopsOnFailure(t *testing.T) {
	g := newGatewayHarness(t)
	g.create(tab("tab-1", step(1, "load", nil), step(2, "hang", nil)))
	if err := g.q.Publish(context.Background(), queue.NewMessage(1, 1, nil)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	err := g.renderer.Serve(context.Background(), g.q, 1)
	if !errors.Is(err, kernel.ErrModuleTimeout) {
		t.Fatalf("Serve = %v, want ErrModuleTimeout", err)
	}
	if g.q.Len() != 1 || g.q.InFlight() != 0 {
		t.Errorf("failed delivery not nacked: pending %d, in flight %d", g.q.Len(), g.q.InFlight())
	}
}
