package mpm

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeChannel is a test double for Channel: telemetry is whatever the test
// sets, terminate/kill just record that they were called.
type fakeChannel struct {
	mu         sync.Mutex
	telemetry  Telemetry
	terminated int
	killed     int
}

func (f *fakeChannel) FetchState() Telemetry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.telemetry
}

func (f *fakeChannel) Terminate() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated++
	return nil
}

func (f *fakeChannel) Kill() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed++
	return nil
}

func (f *fakeChannel) set(t Telemetry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.telemetry = t
}

// fakeBackend is a test double for backend: createWorker hands back a fresh
// fakeChannel (or a canned error) without spawning anything real.
type fakeBackend struct {
	mu        sync.Mutex
	channels  map[WorkerID]*fakeChannel
	createErr error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{channels: make(map[WorkerID]*fakeChannel)}
}

func (b *fakeBackend) createWorker(id WorkerID, onDeath func(WorkerID)) (Channel, error) {
	if b.createErr != nil {
		return nil, b.createErr
	}
	ch := &fakeChannel{}
	b.mu.Lock()
	b.channels[id] = ch
	b.mu.Unlock()
	return ch, nil
}

func (b *fakeBackend) stop() error    { return nil }
func (b *fakeBackend) stopped() error { return nil }

func (b *fakeBackend) ids() []WorkerID {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]WorkerID, 0, len(b.channels))
	for id := range b.channels {
		ids = append(ids, id)
	}
	return ids
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *fakeBackend) {
	t.Helper()
	r, err := cfg.resolve()
	require.NoError(t, err)

	fb := newFakeBackend()
	m := &Manager{
		log:           zap.NewNop().Sugar(),
		cfg:           r,
		rawCfg:        cfg,
		state:         StateRunning,
		workers:       make(map[WorkerID]*workerRecord),
		lastCheckTime: time.Now(),
		backend:       fb,
		runDone:       make(chan struct{}),
	}
	return m, fb
}

func countByState(m *Manager, states ...WorkerState) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, w := range m.workers {
		for _, s := range states {
			if w.state == s {
				n++
			}
		}
	}
	return n
}

// Scenario 1: spawn to min.
func TestManager_SpawnToMin(t *testing.T) {
	m, _ := newTestManager(t, Config{MinServers: 2, LoadAveragePeriod: time.Second, CheckInterval: time.Second})

	m.checkWorkers()

	assert.Equal(t, 2, m.WorkerCount())
	assert.Equal(t, 2, countByState(m, Starting, Running))
}

// Scenario 2: kill unresponsive.
func TestManager_KillUnresponsive(t *testing.T) {
	max := 1
	m, fb := newTestManager(t, Config{
		MinServers: 1, MaxServers: &max,
		LoadAveragePeriod: time.Second, CheckInterval: time.Second,
		ActivityTimeout: time.Second,
	})

	now := time.Now()
	id := newWorkerID()
	ch := &fakeChannel{telemetry: Telemetry{Ready: true}}
	fb.channels[id] = ch
	m.workers[id] = &workerRecord{
		id: id, createdAt: now, activityTime: now.Add(-10 * time.Second),
		state: Running, channel: ch,
	}

	m.checkWorkers()

	assert.Equal(t, 1, ch.killed)
	assert.Equal(t, 1, m.WorkerCount(), "worker record stays until death is reported")
}

// Scenario 3: auto-restart on request count.
func TestManager_AutoRestartOnRequestCount(t *testing.T) {
	max := 1
	m, fb := newTestManager(t, Config{
		MinServers: 1, MaxServers: &max, MaxRequests: 1, MinWorkerTTL: 0,
		LoadAveragePeriod: time.Second, CheckInterval: time.Second,
	})

	origID := newWorkerID()
	origCh := &fakeChannel{telemetry: Telemetry{Ready: true, TotalRequests: 2}}
	fb.channels[origID] = origCh
	m.workers[origID] = &workerRecord{
		id: origID, createdAt: time.Now().Add(-time.Hour), activityTime: time.Now(),
		state: Running, totalRequests: 2, channel: origCh,
	}

	m.checkWorkers()

	require.Equal(t, 2, m.WorkerCount())
	orig := m.workers[origID]
	assert.Equal(t, Restarting, orig.state)
	require.NotZero(t, orig.replacedBy)

	newID := orig.replacedBy
	newRec := m.workers[newID]
	require.NotNil(t, newRec)
	assert.Equal(t, Starting, newRec.state)

	// Second check: replacement still Starting, nothing changes.
	m.checkWorkers()
	assert.Equal(t, Restarting, m.workers[origID].state)
	assert.Equal(t, Starting, m.workers[newID].state)
	assert.Equal(t, 0, origCh.terminated)

	// Replacement becomes ready; third check terminates the original exactly once.
	fb.channels[newID].set(Telemetry{Ready: true})
	m.checkWorkers()
	assert.Equal(t, 1, origCh.terminated)
}

// Scenario 4: load up-sizing.
func TestManager_LoadUpSizing(t *testing.T) {
	max := 5
	maxLoad := 0.3
	m, fb := newTestManager(t, Config{
		MinServers: 1, MaxServers: &max, MaxLoad: &maxLoad,
		LoadAveragePeriod: time.Second, CheckInterval: time.Second,
	})

	id := newWorkerID()
	ch := &fakeChannel{telemetry: Telemetry{Ready: true, LoadAverage: 1.0}}
	fb.channels[id] = ch
	m.workers[id] = &workerRecord{
		id: id, createdAt: time.Now(), activityTime: time.Now(),
		state: Running, loadAverage: 1.0, channel: ch,
	}

	m.checkWorkers()

	assert.Equal(t, 4, m.WorkerCount())
}

// Scenario 5: load down-sizing, continuing from a 4-worker pool.
func TestManager_LoadDownSizing(t *testing.T) {
	max := 5
	maxLoad := 0.3
	m, fb := newTestManager(t, Config{
		MinServers: 1, MaxServers: &max, MaxLoad: &maxLoad,
		LoadAveragePeriod: time.Second, CheckInterval: time.Second,
	})

	for i := 0; i < 4; i++ {
		id := newWorkerID()
		ch := &fakeChannel{telemetry: Telemetry{Ready: true, LoadAverage: 0}}
		fb.channels[id] = ch
		m.workers[id] = &workerRecord{
			id: id, createdAt: time.Unix(0, 0), activityTime: time.Now(),
			state: Running, loadAverage: 0, channel: ch,
		}
	}

	m.checkWorkers()

	assert.Equal(t, 1, countByState(m, Starting, Running))
	terminated := 0
	for _, ch := range fb.channels {
		if ch.terminated > 0 {
			terminated++
		}
	}
	assert.Equal(t, 3, terminated)
}

// Scenario 6: graceful stop with no workers.
func TestManager_StopWithNoWorkers(t *testing.T) {
	m, _ := newTestManager(t, Config{MinServers: 1, LoadAveragePeriod: time.Second, CheckInterval: time.Second})
	m.checkTicker = time.NewTicker(time.Hour)
	m.termTicker = time.NewTicker(time.Hour)

	m.Stop()

	assert.Equal(t, StateStopped, m.State())
	select {
	case <-m.runDone:
	default:
		t.Fatal("expected runDone to be closed")
	}
}

func TestManager_StopIsIdempotent(t *testing.T) {
	m, _ := newTestManager(t, Config{MinServers: 1, LoadAveragePeriod: time.Second, CheckInterval: time.Second})
	m.checkTicker = time.NewTicker(time.Hour)
	m.termTicker = time.NewTicker(time.Hour)

	m.Stop()
	assert.NotPanics(t, func() { m.Stop() })
	assert.Equal(t, StateStopped, m.State())
}

func TestManager_RestartWorkersOnlyAffectsRunning(t *testing.T) {
	m, fb := newTestManager(t, Config{MinServers: 2, LoadAveragePeriod: time.Second, CheckInterval: time.Second})

	runningID := newWorkerID()
	runningCh := &fakeChannel{}
	fb.channels[runningID] = runningCh
	m.workers[runningID] = &workerRecord{id: runningID, createdAt: time.Now(), state: Running, channel: runningCh}

	startingID := newWorkerID()
	startingCh := &fakeChannel{}
	fb.channels[startingID] = startingCh
	m.workers[startingID] = &workerRecord{id: startingID, createdAt: time.Now(), state: Starting, channel: startingCh}

	require.NoError(t, m.RestartWorkers())

	assert.Equal(t, Restarting, m.workers[runningID].state)
	assert.Equal(t, Starting, m.workers[startingID].state, "starting workers are untouched by restart_workers")
	assert.Equal(t, 3, m.WorkerCount())
}

func TestManager_RunTwiceFails(t *testing.T) {
	m, fb := newTestManager(t, Config{MinServers: 1, LoadAveragePeriod: time.Second, CheckInterval: time.Second})
	m.state = StateInitial

	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background()) }()

	require.Eventually(t, func() bool { return m.State() != StateInitial }, time.Second, time.Millisecond)

	err := m.Run(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	m.Stop()
	for _, id := range fb.ids() {
		m.handleDeath(id)
	}

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestManager_ReconfigurePreservesWorkerModel(t *testing.T) {
	m, _ := newTestManager(t, Config{
		MinServers: 1, LoadAveragePeriod: time.Second, CheckInterval: time.Second,
		WorkerModel: ThreadedModel, BindModel: ReusePortBind,
	})

	newMax := 9
	err := m.Reconfigure(Config{
		MinServers: 1, MaxServers: &newMax,
		LoadAveragePeriod: time.Second, CheckInterval: time.Second,
		WorkerModel: ForkedModel, // ignored — worker model cannot change
	})
	require.NoError(t, err)

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Equal(t, 9, m.cfg.maxServers)
	assert.Equal(t, ThreadedModel, m.cfg.workerModel)
}

// A host handing in an already-bound socket via ManagerOptions.Listeners
// must force DuplicateBind even when Config asked for ReusePortBind —
// spec §3's cross-invariant, reachable here through the public API rather
// than by poking the unexported Config field directly.
func TestManager_ProvidedListenerForcesDuplicateBind(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	tcpLn := ln.(*net.TCPListener)

	m, err := New(
		Config{
			MinServers: 1, LoadAveragePeriod: time.Second, CheckInterval: time.Second,
			WorkerModel: ThreadedModel, BindModel: ReusePortBind,
		},
		ManagerOptions{
			Addrs:     []string{ln.Addr().String()},
			Listeners: []*net.TCPListener{tcpLn},
		},
		zap.NewNop().Sugar(),
	)
	require.NoError(t, err)

	assert.Equal(t, DuplicateBind, m.cfg.bindModel)
	assert.True(t, m.rawCfg.listenerProvided)
}
