package mpm

import (
	"math"
	"sync/atomic"
	"time"
	"unsafe"
)

// Telemetry is one worker→master telemetry snapshot, as published by the
// Child (C3) once a second and fetched by the Manager each check tick.
// Fields are read independently (spec §5): callers must not assume
// cross-field atomicity.
type Telemetry struct {
	ActiveRequests uint32
	TotalRequests  uint64
	LoadAverage    float32 // dequantized to [0,1]
	ActivityTime   time.Time
	Ready          bool
}

// Channel is the worker-channel abstraction (C2): a transport for
// telemetry (worker→master) and control signals (master→worker). The two
// worker-model backends each provide their own implementation —
// sharedTelemetry for the forked model (single-word atomics over an
// anonymous shared page) and sharedChannel for the threaded model (over a
// sharedState: atomics plus a wakeup channel in a heap struct).
type Channel interface {
	// FetchState reads the current telemetry snapshot. Never blocks.
	FetchState() Telemetry
	// Terminate asks the worker to stop cooperatively.
	Terminate() error
	// Kill forces the worker to stop immediately.
	Kill() error
}

// --- forked model: shared anonymous page, single-word atomics ---------

// Shared-memory layout (spec §6), each field word-aligned and
// independently atomic so neither side ever needs cross-field
// consistency (spec §5): active_requests(u32), activity_time(u32 unix
// seconds), load_average(u32 — percent, widened from the wire's u8 so the
// field stays naturally aligned for atomic ops), total_requests(u32),
// ready(u32 — widened from the wire's u8), terminate(u32), die(u32).
const (
	offActiveRequests = 0
	offActivityTime   = 4
	offLoadAverage    = 8
	offTotalRequests  = 12
	offReady          = 16
	offTerminate      = 20
	offDie            = 24
	telemetryPageSize = 28
)

// telemetryPage is a view over a page of memory shared between a forked
// worker and the master — backed by an mmap'd, unlinked temp file so both
// processes map the same physical pages (backend_forked.go owns
// acquiring/releasing the mapping; telemetryPage only knows how to read
// and write it).
type telemetryPage struct {
	buf []byte
}

func newTelemetryPage(buf []byte) *telemetryPage {
	if len(buf) < telemetryPageSize {
		panic("mpm: telemetry page buffer too small")
	}
	return &telemetryPage{buf: buf}
}

func (p *telemetryPage) word(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&p.buf[off]))
}

// quantizeLoad matches spec §6: la*100 rounded to the nearest integer,
// stored as a percent.
func quantizeLoad(la float32) uint32 {
	v := int32(la*100 + 0.5)
	if v < 0 {
		v = 0
	}
	if v > 100 {
		v = 100
	}
	return uint32(v)
}

func dequantizeLoad(v uint32) float32 {
	return float32(v) / 100.0
}

// publish is called from inside the worker (Child, C3) once a second.
func (p *telemetryPage) publish(active uint32, total uint64, la float32, now time.Time) {
	atomic.StoreUint32(p.word(offActiveRequests), active)
	atomic.StoreUint32(p.word(offActivityTime), uint32(now.Unix()))
	atomic.StoreUint32(p.word(offLoadAverage), quantizeLoad(la))
	atomic.StoreUint32(p.word(offTotalRequests), uint32(total))
}

func (p *telemetryPage) setReady() { atomic.StoreUint32(p.word(offReady), 1) }

func (p *telemetryPage) terminateRequested() bool { return atomic.LoadUint32(p.word(offTerminate)) != 0 }
func (p *telemetryPage) dieRequested() bool       { return atomic.LoadUint32(p.word(offDie)) != 0 }

// sharedTelemetry is the master-side Channel for one forked worker.
type sharedTelemetry struct {
	page    *telemetryPage
	sendSig func(forceKill bool) error // OS-signal delivery, set by backend_forked.go
}

func (s *sharedTelemetry) FetchState() Telemetry {
	return Telemetry{
		ActiveRequests: atomic.LoadUint32(s.page.word(offActiveRequests)),
		TotalRequests:  uint64(atomic.LoadUint32(s.page.word(offTotalRequests))),
		LoadAverage:    dequantizeLoad(atomic.LoadUint32(s.page.word(offLoadAverage))),
		ActivityTime:   time.Unix(int64(atomic.LoadUint32(s.page.word(offActivityTime))), 0),
		Ready:          atomic.LoadUint32(s.page.word(offReady)) != 0,
	}
}

func (s *sharedTelemetry) Terminate() error {
	atomic.StoreUint32(s.page.word(offTerminate), 1)
	return s.sendSig(false)
}

func (s *sharedTelemetry) Kill() error {
	atomic.StoreUint32(s.page.word(offDie), 1)
	return s.sendSig(true)
}

// --- threaded model: heap struct, atomics + wakeup channel -------------

// sharedState is the analog of telemetryPage for the threaded backend: no
// real shared page is needed (both sides are in the same address space),
// so fields are native-typed atomics rather than a packed byte layout.
// control carries the wakeup the spec's "async-wakeup handle" maps to in
// Go: terminate/kill post to it, but the worker goroutine does not read
// it; the Child polls the terminate/die flags on its 1 Hz tick, so a
// request takes effect within about a second.
type sharedState struct {
	activeRequests atomic.Uint32
	activityTime   atomic.Int64 // unix seconds
	loadAverage    atomic.Uint32 // bits of a float32, via math.Float32bits
	totalRequests  atomic.Uint64
	ready          atomic.Bool

	terminate atomic.Bool
	die       atomic.Bool
	control   chan struct{} // posted to by terminate/kill; buffered size 1
	done      chan struct{} // closed when the worker goroutine's run() returns
}

func newSharedState() *sharedState {
	return &sharedState{
		control: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (s *sharedState) wake() {
	select {
	case s.control <- struct{}{}:
	default:
	}
}

func (s *sharedState) publish(active uint32, total uint64, la float32, now time.Time) {
	s.activeRequests.Store(active)
	s.activityTime.Store(now.Unix())
	s.loadAverage.Store(math.Float32bits(la))
	s.totalRequests.Store(total)
}

func (s *sharedState) setReady() { s.ready.Store(true) }

func (s *sharedState) terminateRequested() bool { return s.terminate.Load() }
func (s *sharedState) dieRequested() bool       { return s.die.Load() }

type sharedChannel struct {
	state *sharedState
}

func (c *sharedChannel) FetchState() Telemetry {
	return Telemetry{
		ActiveRequests: c.state.activeRequests.Load(),
		TotalRequests:  c.state.totalRequests.Load(),
		LoadAverage:    math.Float32frombits(c.state.loadAverage.Load()),
		ActivityTime:   time.Unix(c.state.activityTime.Load(), 0),
		Ready:          c.state.ready.Load(),
	}
}

func (c *sharedChannel) Terminate() error {
	c.state.terminate.Store(true)
	c.state.wake()
	return nil
}

func (c *sharedChannel) Kill() error {
	c.state.die.Store(true)
	c.state.wake()
	return nil
}
