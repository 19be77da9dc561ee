//go:build !windows

package mpm

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Environment variables the forked backend uses to hand a re-executed
// child process its identity and inherited descriptors. A host program
// must call RunForkedChild near the top of main, before any master-only
// work, so the re-exec below lands in child mode instead of restarting
// the whole master.
const (
	envChildMarker  = "MPM_CHILD"
	envWorkerID     = "MPM_WORKER_ID"
	envTelemetryFD  = "MPM_TELEMETRY_FD"
	envParentPID    = "MPM_PARENT_PID"
	envListenerFDs  = "MPM_LISTENER_FDS"
	envBindAddrs    = "MPM_BIND_ADDRS"
	envBindModel    = "MPM_BIND_MODEL"
)

// forkedBackend supervises workers as separate OS processes. Grounded on
// orchestrator/worker.go's Start/Kill/monitor (exec.Cmd, a goroutine
// blocked on cmd.Wait(), Process.Kill()) — kept in that same shape and
// extended with the shared telemetry page and a cooperative SIGINT path
// the teacher never had (it only ever force-killed).
type forkedBackend struct {
	execPath          string
	execArgs          []string
	listeners         *listenerSet
	bindModel         BindModel
	addrs             []string
	loadAveragePeriod time.Duration
	log               *zap.SugaredLogger

	mu       sync.Mutex
	children map[WorkerID]*forkedChild
}

type forkedChild struct {
	cmd  *exec.Cmd
	file *os.File
	buf  []byte
}

func newForkedBackend(addrs []string, bindModel BindModel, providedListeners []*net.TCPListener, loadAveragePeriod time.Duration, log *zap.SugaredLogger) (*forkedBackend, error) {
	var ls *listenerSet
	if bindModel == DuplicateBind {
		if len(providedListeners) > 0 {
			ls = newListenerSetWithProvided(addrs, providedListeners)
		} else {
			ls = newListenerSet(addrs)
		}
		if err := ls.bind(); err != nil {
			return nil, err
		}
	}
	return &forkedBackend{
		execPath:          os.Args[0],
		execArgs:          os.Args[1:],
		listeners:         ls,
		bindModel:         bindModel,
		addrs:             addrs,
		loadAveragePeriod: loadAveragePeriod,
		log:               log,
		children:          make(map[WorkerID]*forkedChild),
	}, nil
}

func (b *forkedBackend) createWorker(id WorkerID, onDeath func(WorkerID)) (Channel, error) {
	file, buf, err := mmapAnonPage(telemetryPageSize)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(b.execPath, b.execArgs...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{file} // becomes fd 3 in the child
	env := append(os.Environ(),
		envChildMarker+"=1",
		fmt.Sprintf("%s=%d", envWorkerID, id),
		fmt.Sprintf("%s=3", envTelemetryFD),
		fmt.Sprintf("%s=%d", envParentPID, os.Getpid()),
		fmt.Sprintf("%s=%s", envBindModel, b.bindModel.String()),
		fmt.Sprintf("%s=%s", envBindAddrs, strings.Join(b.addrs, ",")),
	)

	if b.bindModel == DuplicateBind {
		files, err := b.listeners.filesForWorker()
		if err != nil {
			_ = syscall.Munmap(buf)
			_ = file.Close()
			return nil, err
		}
		fds := make([]string, len(files))
		for i, f := range files {
			cmd.ExtraFiles = append(cmd.ExtraFiles, f)
			fds[i] = strconv.Itoa(3 + 1 + i) // fd 3 is telemetry; listeners follow
		}
		env = append(env, envListenerFDs+"="+strings.Join(fds, ","))
	}
	cmd.Env = env

	if err := cmd.Start(); err != nil {
		_ = syscall.Munmap(buf)
		_ = file.Close()
		return nil, fmt.Errorf("mpm: start worker %d: %w", id, err)
	}

	fc := &forkedChild{cmd: cmd, file: file, buf: buf}
	b.mu.Lock()
	b.children[id] = fc
	b.mu.Unlock()

	b.log.Infow("worker process started", "worker_id", id, "pid", cmd.Process.Pid)

	go func() {
		_ = cmd.Wait()
		b.mu.Lock()
		delete(b.children, id)
		b.mu.Unlock()
		_ = syscall.Munmap(buf)
		_ = file.Close()
		onDeath(id)
	}()

	page := newTelemetryPage(buf)
	return &sharedTelemetry{
		page: page,
		sendSig: func(forceKill bool) error {
			sig := syscall.SIGINT
			if forceKill {
				sig = syscall.SIGKILL
			}
			return cmd.Process.Signal(sig)
		},
	}, nil
}

func (b *forkedBackend) stop() error {
	if b.listeners != nil {
		b.listeners.closeAll()
	}
	return nil
}

func (b *forkedBackend) stopped() error { return nil }

// mmapAnonPage creates an unlinked temp file sized to at least size bytes
// and mmaps it MAP_SHARED, so a forked child that inherits the same fd
// (via cmd.ExtraFiles) maps the identical physical pages — the Go
// equivalent of spec §4.7's "per-worker shared region ... MAP_SHARED |
// MAP_ANONYMOUS", adapted because Go cannot fork() its own runtime: the
// "child" is a freshly exec'd process instead, so the sharing has to ride
// on an inherited file descriptor rather than a true anonymous mapping
// inherited by fork.
func mmapAnonPage(size int) (*os.File, []byte, error) {
	f, err := os.CreateTemp("", "mpm-telemetry-*")
	if err != nil {
		return nil, nil, fmt.Errorf("mpm: create telemetry page: %w", err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("mpm: size telemetry page: %w", err)
	}
	// Unlink immediately; the mapping and the inherited fd keep the pages
	// alive without leaving a named file behind.
	_ = os.Remove(f.Name())

	buf, err := syscall.Mmap(int(f.Fd()), 0, size, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("mpm: mmap telemetry page: %w", err)
	}
	return f, buf, nil
}

// RunForkedChild is the entrypoint a host program must call near the top
// of main(), before anything that assumes it is the master (the child is
// started with the master's own arguments, so parsing flags first is
// safe): if the process was re-exec'd by the forked backend (spec
// §4.7), it runs the in-worker Child loop and never returns — instead it
// calls os.Exit once the worker winds down. Otherwise it returns
// immediately and the caller proceeds as the master.
//
// factory builds the HTTP Server the worker serves; pass nil to use
// NewDefaultServer. opts carries the same on_spawn/on_request hooks a
// threaded worker gets via ChildOptions, so host behavior doesn't depend
// on which worker model is configured.
func RunForkedChild(factory ServerFactory, log *zap.SugaredLogger, opts ChildOptions) {
	if os.Getenv(envChildMarker) == "" {
		return
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if factory == nil {
		factory = NewDefaultServer
	}

	idN, _ := strconv.Atoi(os.Getenv(envWorkerID))
	id := WorkerID(idN)
	fdN, _ := strconv.Atoi(os.Getenv(envTelemetryFD))
	parentPID, _ := strconv.Atoi(os.Getenv(envParentPID))

	file := os.NewFile(uintptr(fdN), "telemetry")
	buf, err := syscall.Mmap(int(file.Fd()), 0, telemetryPageSize, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		log.Fatalw("child: mmap telemetry page failed", "error", err)
	}
	page := newTelemetryPage(buf)

	ln, err := childListener()
	if err != nil {
		log.Fatalw("child: no listener available", "error", err)
	}

	server := factory(id, log.Named("server"))
	loadAveragePeriod := time.Second
	child := NewChild(id, server, page, page, loadAveragePeriod, log.Named("child"), opts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go watchSIGINT(child, cancel)
	go probeParentLiveness(parentPID, cancel)

	if err := child.Serve(ctx, ln); err != nil {
		log.Warnw("child: serve exited with error", "worker_id", id, "error", err)
	}
	os.Exit(0)
}

// childListener reconstructs whichever listener the master handed down:
// an inherited duplicate (DuplicateBind) or a fresh SO_REUSEPORT socket
// the child binds itself (ReusePortBind).
func childListener() (net.Listener, error) {
	switch os.Getenv(envBindModel) {
	case ReusePortBind.String():
		addrs := strings.Split(os.Getenv(envBindAddrs), ",")
		if len(addrs) == 0 || addrs[0] == "" {
			return nil, fmt.Errorf("mpm: no bind addresses for reuseport child")
		}
		return reusePortListener(addrs[0])
	default:
		fds := strings.Split(os.Getenv(envListenerFDs), ",")
		if len(fds) == 0 || fds[0] == "" {
			return nil, fmt.Errorf("mpm: no inherited listener fd")
		}
		fdN, _ := strconv.Atoi(fds[0])
		f := os.NewFile(uintptr(fdN), "listener")
		return net.FileListener(f)
	}
}

func watchSIGINT(child *Child, cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT)
	<-sigCh
	child.Terminate(context.Background())
	cancel()
}

// probeParentLiveness matches spec §4.8: the child periodically checks
// the parent is still alive and exits immediately if not.
func probeParentLiveness(parentPID int, cancel context.CancelFunc) {
	if parentPID <= 0 {
		return
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if err := syscall.Kill(parentPID, 0); err != nil {
			cancel()
			os.Exit(1)
		}
	}
}
