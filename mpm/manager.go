package mpm

import (
	"context"
	"fmt"
	"math"
	"net"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// SupervisorState is the Manager's own lifecycle state (spec §3), distinct
// from WorkerState: a Manager's state only ever moves forward.
type SupervisorState int

const (
	StateInitial SupervisorState = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s SupervisorState) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ManagerOptions carries the host-supplied collaborators from spec §6:
// on_start, on_spawn, on_request, and the optional server_factory override.
type ManagerOptions struct {
	// Addrs are the listening addresses the configured BindModel shares
	// across workers.
	Addrs []string

	// Listeners optionally supplies already-bound sockets, positional with
	// Addrs (a nil entry means "bind this address fresh"). Per spec §3, any
	// non-nil entry forces BindModel to DuplicateBind regardless of what
	// Config requested — a pre-bound socket can only be shared by
	// duplicating its descriptor, never re-bound with SO_REUSEPORT.
	Listeners []*net.TCPListener

	OnStart       func()
	OnSpawn       func(Server)
	OnRequest     func(RequestEvent)
	ServerFactory ServerFactory
}

// Manager is the Supervisor (C5): it owns the worker set, runs the periodic
// check, implements the sizing algorithm, enforces TTL/timeouts, handles
// worker death, and shuts down. Grounded on orchestrator/pool.go's
// healthCheckLoop/scaleLoop/Shutdown — two independent tickers over a
// mutex-guarded worker set — generalized to spec §4.2's unified check tick.
type Manager struct {
	log *zap.SugaredLogger

	mu            sync.Mutex
	cfg           resolved
	rawCfg        Config
	state         SupervisorState
	workers       map[WorkerID]*workerRecord
	lastCheckTime time.Time

	backend backend
	opts    ManagerOptions

	checkTicker *time.Ticker
	termTicker  *time.Ticker
	stopSig     chan os.Signal
	runDone     chan struct{}
	stopOnce    sync.Once
}

// New validates cfg, constructs the matching worker-model backend, and
// returns a Manager ready for Run. It does not start anything.
func New(cfg Config, opts ManagerOptions, log *zap.SugaredLogger) (*Manager, error) {
	for _, ln := range opts.Listeners {
		if ln != nil {
			cfg.listenerProvided = true
			break
		}
	}

	r, err := cfg.resolve()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	m := &Manager{
		log:     log.Named("manager"),
		cfg:     r,
		rawCfg:  cfg,
		state:   StateInitial,
		workers: make(map[WorkerID]*workerRecord),
		opts:    opts,
		runDone: make(chan struct{}),
	}

	childOpts := ChildOptions{OnSpawn: opts.OnSpawn, OnRequest: opts.OnRequest}

	switch r.workerModel {
	case ForkedModel:
		b, err := newForkedBackend(opts.Addrs, r.bindModel, opts.Listeners, r.loadAveragePeriod, log.Named("backend"))
		if err != nil {
			return nil, err
		}
		m.backend = b
	case ThreadedModel:
		factory := opts.ServerFactory
		if factory == nil {
			factory = NewDefaultServer
		}
		b, err := newThreadedBackend(opts.Addrs, r.bindModel, opts.Listeners, factory, r.loadAveragePeriod, childOpts, log.Named("backend"))
		if err != nil {
			return nil, err
		}
		m.backend = b
	default:
		return nil, fmt.Errorf("%w: unknown worker model", ErrInvalidConfig)
	}

	return m, nil
}

// Run starts the supervisor loop and blocks until Stop is called, ctx is
// canceled, or SIGINT arrives. A second call on the same Manager fails with
// ErrAlreadyRunning (spec §6: "idempotent only in the sense of may be called
// once per Manager").
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateInitial {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	m.state = StateRunning
	m.lastCheckTime = time.Now()
	m.checkTicker = time.NewTicker(m.cfg.checkInterval)
	m.termTicker = time.NewTicker(m.cfg.checkInterval)
	m.mu.Unlock()

	if m.opts.OnStart != nil {
		m.opts.OnStart()
	}

	m.stopSig = make(chan os.Signal, 1)
	signal.Notify(m.stopSig, syscall.SIGINT)

	// Zero-delay enqueue, per spec §4.2.
	m.checkWorkers()

	for {
		select {
		case <-m.checkTicker.C:
			m.checkWorkers()
		case <-m.termTicker.C:
			m.enforceTerminationTimeouts()
		case <-m.stopSig:
			m.Stop()
		case <-ctx.Done():
			m.Stop()
		case <-m.runDone:
			return nil
		}
	}
}

// checkWorkers runs the seven steps of spec §4.2 in order, all against the
// telemetry snapshot captured in step 1 (spec §5: "later steps do not
// re-read").
func (m *Manager) checkWorkers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateRunning {
		return
	}
	now := time.Now()

	// 1. Fetch telemetry; advance Starting -> Running on ready.
	for _, w := range m.workers {
		t := w.channel.FetchState()
		w.applyTelemetry(t, now)
		if w.state == Starting && t.Ready {
			w.state = Running
		}
	}

	// 2. Kill not-responding.
	if m.cfg.activityTimeout > 0 {
		for _, w := range m.workers {
			if w.state == Running && now.Sub(w.activityTime) >= m.cfg.activityTimeout {
				m.killWorker(w)
			}
		}
	}

	// 3. Advance restart chains.
	for _, w := range m.workers {
		if w.state != Restarting {
			continue
		}
		repl, ok := m.workers[w.replacedBy]
		if !ok {
			w.state = Running
			w.replacedBy = 0
			continue
		}
		if repl.state == Running {
			m.terminateWorker(w)
		}
	}

	// 4. Auto-restart aged-out workers.
	if m.cfg.maxRequests > 0 {
		for _, w := range m.workers {
			if w.state == Running && w.totalRequests >= m.cfg.maxRequests && w.age(now) > m.cfg.minWorkerTTL {
				if repl := m.spawnLocked(); repl != nil {
					w.state = Restarting
					w.replacedBy = repl.id
				}
			}
		}
	}

	// 5. Compute aggregates over {Starting, Running}.
	var total, inactive int
	var sumload float64
	var recentSum uint64
	for _, w := range m.workers {
		if w.state != Starting && w.state != Running {
			continue
		}
		total++
		if w.activeRequests == 0 {
			inactive++
		}
		sumload += float64(w.loadAverage)
		recentSum += w.recentRequests
	}
	avgload := 0.0
	if total > 0 {
		avgload = sumload / float64(total)
	}
	deltaMs := now.Sub(m.lastCheckTime).Milliseconds()
	if deltaMs < 1 {
		deltaMs = 1
	}
	reqSpeed := float64(recentSum) * 1000 / float64(deltaMs)
	m.log.Debugw("check tick", "total", total, "inactive", inactive, "avgload", avgload, "req_speed", reqSpeed)
	m.lastCheckTime = now

	// 6. Sizing up. Never mixed with sizing down in the same tick.
	needMin := m.cfg.minServers - total
	if needMin < 0 {
		needMin = 0
	}
	needSpare := m.cfg.minSpareServers - inactive
	if needSpare < 0 {
		needSpare = 0
	}
	needLoad := 0
	if m.cfg.maxLoad > 0 && avgload > m.cfg.maxLoad {
		needLoad = int(math.Ceil(sumload/m.cfg.maxLoad)) - total
		if needLoad < 0 {
			needLoad = 0
		}
	}
	allowedUp := m.cfg.maxServers - total
	toSpawn := maxInt(needMin, needSpare, needLoad)
	if toSpawn > allowedUp {
		toSpawn = allowedUp
	}
	if toSpawn > 0 {
		for i := 0; i < toSpawn; i++ {
			m.spawnLocked()
		}
		return
	}

	// 7. Sizing down.
	wantSpare := 0
	if m.cfg.maxSpareServers > 0 && inactive > m.cfg.maxSpareServers {
		wantSpare = inactive - m.cfg.maxSpareServers
	}
	wantLoad := 0
	if m.cfg.minLoad > 0 && avgload < m.cfg.minLoad {
		wantLoad = total - int(math.Floor(sumload/m.cfg.minLoad))
		if wantLoad < 0 {
			wantLoad = 0
		}
	}
	allowedDown := total - m.cfg.minServers
	if allowedDown < 0 {
		allowedDown = 0
	}
	toTerm := maxInt(wantSpare, wantLoad)
	if toTerm > allowedDown {
		toTerm = allowedDown
	}
	if toTerm <= 0 {
		return
	}

	candidates := make([]*workerRecord, 0, total)
	for _, w := range m.workers {
		if w.state == Running && w.age(now) >= m.cfg.minWorkerTTL {
			candidates = append(candidates, w)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].totalRequests > candidates[j].totalRequests
	})
	if toTerm > len(candidates) {
		toTerm = len(candidates)
	}
	for i := 0; i < toTerm; i++ {
		m.terminateWorker(candidates[i])
	}
}

// enforceTerminationTimeouts is the dedicated periodic task from spec §4.4:
// it force-kills workers stuck in Terminating past termination_timeout,
// kept separate from checkWorkers so sizing logic stays orthogonal to
// shutdown latency.
func (m *Manager) enforceTerminationTimeouts() {
	if m.cfg.terminationTimeout <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, w := range m.workers {
		if w.state == Terminating && !w.terminatingAt.IsZero() && now.Sub(w.terminatingAt) >= m.cfg.terminationTimeout {
			m.killWorker(w)
		}
	}
}

// spawnLocked creates a worker record and asks the backend to launch it
// (spec §4.3). Callers must hold m.mu. A failed launch is logged and left
// unspawned rather than retried inline — the next check tick will see the
// shortfall and try again (spec §7: "no exponential backoff").
func (m *Manager) spawnLocked() *workerRecord {
	id := newWorkerID()
	ch, err := m.backend.createWorker(id, m.handleDeath)
	if err != nil {
		m.log.Errorw("spawn failed, will retry next check", "worker_id", id, "error", err)
		return nil
	}
	now := time.Now()
	rec := &workerRecord{
		id:           id,
		createdAt:    now,
		activityTime: now,
		state:        Starting,
		channel:      ch,
	}
	m.workers[id] = rec
	m.log.Infow("worker spawned", "worker_id", id)
	return rec
}

func (m *Manager) terminateWorker(w *workerRecord) {
	if w.state == Terminating {
		return
	}
	w.state = Terminating
	w.terminatingAt = time.Now()
	if err := w.channel.Terminate(); err != nil {
		m.log.Warnw("terminate signal failed", "worker_id", w.id, "error", err)
	}
}

func (m *Manager) killWorker(w *workerRecord) {
	if err := w.channel.Kill(); err != nil {
		m.log.Warnw("kill signal failed", "worker_id", w.id, "error", err)
	}
}

// handleDeath is the backend's death notification (spec §4.5).
func (m *Manager) handleDeath(id WorkerID) {
	m.mu.Lock()
	w, ok := m.workers[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.workers, id)
	for _, other := range m.workers {
		if other.state == Restarting && other.replacedBy == id {
			other.state = Running
			other.replacedBy = 0
		}
	}
	priorState := w.state
	stopping := m.state == StateStopping
	empty := len(m.workers) == 0
	m.mu.Unlock()

	if priorState == Terminating {
		m.log.Infow("worker exited", "worker_id", id)
	} else {
		m.log.Errorw("worker died unexpectedly", "worker_id", id, "state", priorState.String())
	}

	if stopping {
		if empty {
			m.stopped()
		}
		return
	}
	if priorState == Running {
		m.checkWorkers()
	}
}

// Stop initiates shutdown (spec §4.6). Idempotent: calling it from any
// state other than Running is a no-op.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.state != StateRunning {
		m.mu.Unlock()
		return
	}
	m.state = StateStopping
	m.checkTicker.Stop()

	if err := m.backend.stop(); err != nil {
		m.log.Warnw("backend stop failed", "error", err)
	}

	for _, w := range m.workers {
		switch w.state {
		case Starting:
			m.killWorker(w)
		case Running, Restarting:
			m.terminateWorker(w)
		case Terminating:
			// leave it
		}
	}
	empty := len(m.workers) == 0
	m.mu.Unlock()

	if empty {
		m.stopped()
	}
}

// stopped tears down the termination-timer and signal watcher and
// transitions to Stopped (spec §4.6). Idempotent via stopOnce so it may be
// reached either from Stop (empty worker set) or from handleDeath (worker
// set drains to zero after Stop already ran).
func (m *Manager) stopped() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		if m.termTicker != nil {
			m.termTicker.Stop()
		}
		if m.stopSig != nil {
			signal.Stop(m.stopSig)
		}
		if err := m.backend.stopped(); err != nil {
			m.log.Warnw("backend stopped hook failed", "error", err)
		}
		m.state = StateStopped
		m.mu.Unlock()
		close(m.runDone)
	})
}

// RestartWorkers marks every Running worker Restarting with a freshly
// spawned replacement (spec §6, open question (a) resolved in SPEC_FULL.md:
// Running and Restarting only — a worker already Restarting keeps its
// existing replacement rather than getting a second one).
func (m *Manager) RestartWorkers() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateRunning {
		return ErrNotRunning
	}
	for _, w := range m.workers {
		if w.state != Running {
			continue
		}
		if repl := m.spawnLocked(); repl != nil {
			w.state = Restarting
			w.replacedBy = repl.id
		}
	}
	return nil
}

// Reconfigure updates the sizing knobs only; worker model and bind model
// are carried over from construction untouched (spec §3: "sockets and
// worker model cannot change"). Per open question (b), shrinking
// max_servers below the current worker count does not preempt — ordinary
// sizing-down converges it over subsequent ticks.
func (m *Manager) Reconfigure(cfg Config) error {
	m.mu.Lock()
	cfg.WorkerModel = m.rawCfg.WorkerModel
	cfg.BindModel = m.rawCfg.BindModel
	cfg.listenerProvided = m.rawCfg.listenerProvided
	m.mu.Unlock()

	r, err := cfg.resolve()
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.cfg = r
	m.rawCfg = cfg
	m.mu.Unlock()
	return nil
}

// State reports the Manager's current SupervisorState.
func (m *Manager) State() SupervisorState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// WorkerCount reports the number of tracked workers, for tests and status
// endpoints.
func (m *Manager) WorkerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}

func maxInt(vals ...int) int {
	v := vals[0]
	for _, x := range vals[1:] {
		if x > v {
			v = x
		}
	}
	return v
}
