package mpm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

// fakeServer is a minimal Server double driven entirely by the test: no
// real net.Listener or http.Server involved.
type fakeServer struct {
	mu        sync.Mutex
	routeCh   chan RequestEvent
	stopCh    chan struct{}
	stopOnce  sync.Once
	configure error
}

func newFakeServer() *fakeServer {
	return &fakeServer{routeCh: make(chan RequestEvent, 8), stopCh: make(chan struct{})}
}

func (s *fakeServer) Configure(ServerConfig) error { return s.configure }
func (s *fakeServer) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}
func (s *fakeServer) GracefulStop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	return nil
}
func (s *fakeServer) RouteEvents() <-chan RequestEvent { return s.routeCh }
func (s *fakeServer) StopEvent() <-chan struct{}       { return s.stopCh }

// fakePubCtl implements both publisher and childControl for Child tests.
type fakePubCtl struct {
	mu          sync.Mutex
	published   int
	lastActive  uint32
	lastTotal   uint64
	terminate   bool
	die         bool
	readySignal chan struct{}
}

func newFakePubCtl() *fakePubCtl {
	return &fakePubCtl{readySignal: make(chan struct{}, 1)}
}

func (p *fakePubCtl) publish(active uint32, total uint64, la float32, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published++
	p.lastActive = active
	p.lastTotal = total
}
func (p *fakePubCtl) setReady() {
	select {
	case p.readySignal <- struct{}{}:
	default:
	}
}
func (p *fakePubCtl) terminateRequested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminate
}
func (p *fakePubCtl) dieRequested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.die
}

func TestChild_ServeSignalsReadyAndStopsOnServerExit(t *testing.T) {
	server := newFakeServer()
	pc := newFakePubCtl()
	child := NewChild(WorkerID(1), server, pc, pc, 50*time.Millisecond, zap.NewNop().Sugar(), ChildOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- child.Serve(ctx, nil) }()

	select {
	case <-pc.readySignal:
	case <-time.After(time.Second):
		t.Fatal("expected setReady to fire")
	}

	cancel()
	select {
	case <-done:
		// Serve races ctx.Done() against the server's own Run() return; either
		// path is a valid way out once the context is canceled.
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after context cancellation")
	}
}

func TestChild_TerminateIsIdempotentAndStopsServer(t *testing.T) {
	server := newFakeServer()
	pc := newFakePubCtl()
	child := NewChild(WorkerID(2), server, pc, pc, 50*time.Millisecond, zap.NewNop().Sugar(), ChildOptions{})

	child.Terminate(context.Background())
	child.Terminate(context.Background()) // idempotent, must not panic or double-close

	select {
	case <-server.stopCh:
	case <-time.After(time.Second):
		t.Fatal("expected GracefulStop to close StopEvent")
	}
}

func TestChild_OnRequestHookFires(t *testing.T) {
	server := newFakeServer()
	pc := newFakePubCtl()

	seen := make(chan RequestEvent, 1)
	child := NewChild(WorkerID(3), server, pc, pc, 50*time.Millisecond, zap.NewNop().Sugar(), ChildOptions{
		OnRequest: func(ev RequestEvent) { seen <- ev },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go child.Serve(ctx, nil)

	ev := RequestEvent{ID: "req-1", Method: "GET", Path: "/x", Finished: make(chan struct{})}
	server.routeCh <- ev
	close(ev.Finished)

	select {
	case got := <-seen:
		assert.Equal(t, "req-1", got.ID)
	case <-time.After(time.Second):
		t.Fatal("expected OnRequest to fire")
	}
}
