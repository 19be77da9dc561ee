package mpm

// backend is the capability set spec §9 asks every worker model to
// implement: create_worker, fetch_state (folded into Channel), terminate
// and kill (also folded into Channel, since both backends deliver them by
// signalling the same Channel they hand back from createWorker), stop and
// stopped. Keeping this as a small interface — rather than a deep
// inheritance hierarchy — is exactly spec §9's "prefer a tagged enum or a
// small object-safe capability interface" guidance.
type backend interface {
	// createWorker launches a new worker bound to id and returns the
	// Channel the Manager will poll/signal for it. onDeath is invoked
	// exactly once, from an arbitrary goroutine, when the worker's
	// process exits (forked) or its run() loop returns (threaded).
	createWorker(id WorkerID, onDeath func(WorkerID)) (Channel, error)

	// stop runs once when the Manager transitions to Stopping, before any
	// per-worker terminate/kill signal is sent. It exists so a backend can
	// tear down model-specific resources it alone owns (both backends close
	// their DuplicateBind listening sockets here).
	stop() error

	// stopped runs once the worker set has fully drained.
	stopped() error
}
