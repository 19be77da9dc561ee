package mpm

import (
	"sync/atomic"
	"time"
)

// WorkerID identifies a worker, strictly positive and unique for the
// lifetime of the process. Allocation is a single package-level atomic
// counter — per spec §9's design note, multiple Managers in one process
// share the id space.
type WorkerID uint64

var nextWorkerID atomic.Uint64

func newWorkerID() WorkerID {
	return WorkerID(nextWorkerID.Add(1))
}

// WorkerState is the worker state machine from spec §4.1.
type WorkerState int

const (
	Starting WorkerState = iota
	Running
	Restarting
	Terminating
)

func (s WorkerState) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Restarting:
		return "restarting"
	case Terminating:
		return "terminating"
	default:
		return "unknown"
	}
}

// workerRecord is the master-side view of one worker (spec §3, C1). It is
// exclusively owned and mutated by the Manager under its single mutex —
// unlike the teacher's Worker struct, which guards its own fields with a
// per-worker lock, a workerRecord has no lock of its own because the
// Manager never lets two goroutines touch the map concurrently.
type workerRecord struct {
	id            WorkerID
	createdAt     time.Time
	terminatingAt time.Time // zero until state becomes Terminating
	state         WorkerState
	replacedBy    WorkerID // 0 means none; valid only when state == Restarting

	channel Channel // telemetry/control transport, see channel.go

	// Telemetry snapshot, refreshed once per check tick (spec §3).
	activeRequests    uint32
	totalRequests     uint64
	lastTotalRequests uint64 // total_requests as of the previous check
	recentRequests    uint64 // delta since the previous check
	loadAverage       float32
	activityTime      time.Time
}

func (w *workerRecord) age(now time.Time) time.Duration {
	return now.Sub(w.createdAt)
}

// applyTelemetry refreshes the cached snapshot from a fresh Telemetry read.
// activityTime never moves backwards, per invariant 4 in spec §3.
func (w *workerRecord) applyTelemetry(t Telemetry, now time.Time) {
	w.activeRequests = t.ActiveRequests
	w.lastTotalRequests = w.totalRequests
	w.totalRequests = t.TotalRequests
	if w.totalRequests >= w.lastTotalRequests {
		w.recentRequests = w.totalRequests - w.lastTotalRequests
	} else {
		// Counter reset (e.g. replacement worker starting fresh); treat all
		// of it as new activity rather than underflowing.
		w.recentRequests = w.totalRequests
	}
	w.loadAverage = t.LoadAverage
	if t.ActivityTime.After(w.activityTime) {
		w.activityTime = t.ActivityTime
	}
	if w.activityTime.IsZero() {
		w.activityTime = now
	}
}
