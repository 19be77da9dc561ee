package mpm

import (
	"context"
	"fmt"
	"net"
	"os"
)

// listenerSet owns the sockets the Manager binds for the Duplicate model
// (C4). Grounded on orchestrator/pool.go's findFreePort (bind to :0 and let
// the OS choose) — generalized here from "a fresh port per worker" to
// "one bound address shared by every worker via a duplicated descriptor",
// since spec §4 requires workers to actually share a listening address.
type listenerSet struct {
	addrs    []string
	provided []*net.TCPListener // host-supplied pre-bound listeners, positional with addrs; nil entry binds fresh
	owned    []*net.TCPListener // only populated for DuplicateBind
}

func newListenerSet(addrs []string) *listenerSet {
	return &listenerSet{addrs: addrs}
}

// newListenerSetWithProvided is newListenerSet, but adopts any
// already-bound listeners a host handed in instead of calling net.Listen
// for that address — spec §3's "if any listener is user-supplied as an
// already-bound socket, bind_model is forced to Duplicate".
func newListenerSetWithProvided(addrs []string, provided []*net.TCPListener) *listenerSet {
	return &listenerSet{addrs: addrs, provided: provided}
}

// bind opens one *net.TCPListener per address, adopting any provided
// listener in place of a fresh net.Listen call. Called once by the Manager
// before the first worker spawns (DuplicateBind only — ReusePortBind
// workers bind their own).
func (l *listenerSet) bind() error {
	for i, addr := range l.addrs {
		if i < len(l.provided) && l.provided[i] != nil {
			l.owned = append(l.owned, l.provided[i])
			continue
		}
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			l.closeAll()
			return fmt.Errorf("mpm: bind %s: %w", addr, err)
		}
		l.owned = append(l.owned, ln.(*net.TCPListener))
	}
	return nil
}

func (l *listenerSet) closeAll() {
	for _, ln := range l.owned {
		_ = ln.Close()
	}
	l.owned = nil
}

// filesForWorker duplicates every owned listener's descriptor for
// inheritance into a new worker process (forked model, DuplicateBind).
// Closing the duplicate in the child does not affect the master's
// original descriptor or any other worker's duplicate.
func (l *listenerSet) filesForWorker() ([]*os.File, error) {
	files := make([]*os.File, 0, len(l.owned))
	for _, ln := range l.owned {
		f, err := ln.File()
		if err != nil {
			for _, f := range files {
				_ = f.Close()
			}
			return nil, fmt.Errorf("mpm: duplicate listener fd: %w", err)
		}
		files = append(files, f)
	}
	return files, nil
}

// listenersForThreadedWorker duplicates each owned TCPListener into an
// independent net.Listener for one goroutine-based worker (threaded
// model, DuplicateBind) — spec §4.7: "the master duplicates each
// listening socket per worker so each worker owns its own descriptor".
func (l *listenerSet) listenersForThreadedWorker() ([]net.Listener, error) {
	files, err := l.filesForWorker()
	if err != nil {
		return nil, err
	}
	out := make([]net.Listener, 0, len(files))
	for _, f := range files {
		ln, err := net.FileListener(f)
		_ = f.Close() // FileListener dup'd it again internally
		if err != nil {
			for _, ln := range out {
				_ = ln.Close()
			}
			return nil, fmt.Errorf("mpm: listener from fd: %w", err)
		}
		out = append(out, ln)
	}
	return out, nil
}

// reusePortListener binds a fresh SO_REUSEPORT socket for one worker
// (ReusePortBind, either model). On platforms without SO_REUSEPORT this is
// never called — Config.resolve degrades BindModel to DuplicateBind first.
func reusePortListener(addr string) (net.Listener, error) {
	lc := net.ListenConfig{Control: reusePortControl}
	return lc.Listen(context.Background(), "tcp", addr)
}
