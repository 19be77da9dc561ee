package mpm

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// publisher abstracts over telemetryPage (forked) and sharedState
// (threaded) so Child doesn't need to know which backend it's running
// under — it only publishes telemetry and checks the terminate/die flags.
type publisher interface {
	publish(active uint32, total uint64, la float32, now time.Time)
	setReady()
}

// childControl is the master→worker signal surface a Child polls on its
// 1Hz timer: whichever backend's Channel implementation the Manager holds,
// the Child side sees the same two booleans.
type childControl interface {
	terminateRequested() bool
	dieRequested() bool
}

// Child is the in-worker runtime (C3): it drives the HTTP Server contract,
// samples load average, emits telemetry, and honors terminate/kill. Spec
// §4.8. Grounded on orchestrator/worker.go's waitForReady poll loop,
// generalized from polling an external process's /health endpoint to
// subscribing directly to the in-process Server's event channels, since
// here the Child and the Server live in the same worker.
type Child struct {
	id     WorkerID
	server Server
	pub    publisher
	ctl    childControl
	log    *zap.SugaredLogger

	loadAveragePeriod time.Duration
	onSpawn           func(Server)
	onRequest         func(RequestEvent)

	activeRequests atomic.Int32
	totalRequests  atomic.Uint64
	busyNanos      atomic.Int64 // accumulated busy time within the current load-average window

	terminateOnce sync.Once
	terminated    chan struct{}
}

// ChildOptions carries the host-supplied hooks from spec §6: on_spawn
// fires after the server is configured but before it serves; on_request
// is forwarded the per-request event stream.
type ChildOptions struct {
	OnSpawn   func(Server)
	OnRequest func(RequestEvent)
}

// NewChild constructs the in-worker runtime. pub publishes telemetry onto
// the shared channel; ctl reports master-issued terminate/kill requests.
func NewChild(id WorkerID, server Server, pub publisher, ctl childControl, loadAveragePeriod time.Duration, log *zap.SugaredLogger, opts ChildOptions) *Child {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if loadAveragePeriod <= 0 {
		loadAveragePeriod = time.Second
	}
	return &Child{
		id:                id,
		server:            server,
		pub:               pub,
		ctl:               ctl,
		log:               log,
		loadAveragePeriod: loadAveragePeriod,
		onSpawn:           opts.OnSpawn,
		onRequest:         opts.OnRequest,
		terminated:        make(chan struct{}),
	}
}

// Serve configures the server against ln, starts it, and runs the
// telemetry/control loop until the server stops or the context is
// canceled. It returns once the worker has fully wound down.
func (c *Child) Serve(ctx context.Context, ln net.Listener) error {
	if err := c.server.Configure(ServerConfig{Listener: ln}); err != nil {
		return err
	}
	if c.onSpawn != nil {
		c.onSpawn(c.server)
	}

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- c.server.Run(ctx) }()

	c.pub.setReady()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	loadTicker := time.NewTicker(c.loadAveragePeriod)
	defer loadTicker.Stop()

	windowStart := time.Now()

	for {
		select {
		case ev := <-c.server.RouteEvents():
			c.activeRequests.Add(1)
			c.totalRequests.Add(1)
			if c.onRequest != nil {
				c.onRequest(ev)
			}
			go func() {
				start := time.Now()
				<-ev.Finished
				c.busyNanos.Add(int64(time.Since(start)))
				c.activeRequests.Add(-1)
			}()

		case <-ticker.C:
			now := time.Now()
			elapsed := now.Sub(windowStart)
			la := float32(0)
			if elapsed > 0 {
				la = float32(c.busyNanos.Load()) / float32(elapsed)
				if la > 1 {
					la = 1
				}
			}
			c.pub.publish(uint32(c.activeRequests.Load()), c.totalRequests.Load(), la, now)

			if c.ctl.dieRequested() {
				return nil
			}
			if c.ctl.terminateRequested() {
				c.Terminate(ctx)
			}

		case <-loadTicker.C:
			c.busyNanos.Store(0)
			windowStart = time.Now()

		case err := <-runErrCh:
			return err

		case <-c.server.StopEvent():
			return nil

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Terminate is idempotent (spec §4.8's "one-shot flag") and triggers the
// server's graceful stop; Serve returns once the server's stop event
// fires.
func (c *Child) Terminate(ctx context.Context) {
	c.terminateOnce.Do(func() {
		close(c.terminated)
		go func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := c.server.GracefulStop(stopCtx); err != nil {
				c.log.Warnw("graceful stop failed", "worker_id", c.id, "error", err)
			}
		}()
	})
	_ = ctx
}
