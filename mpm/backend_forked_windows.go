//go:build windows

package mpm

import (
	"net"
	"time"

	"go.uber.org/zap"
)

// The forked backend relies on POSIX signals and fork/exec-style fd
// inheritance; spec §6 is explicit that Windows uses the threaded model
// exclusively for lack of fork. newForkedBackend therefore always fails
// here, and Manager.New returns that error for ForkedModel on this
// platform.
func newForkedBackend(addrs []string, bindModel BindModel, providedListeners []*net.TCPListener, loadAveragePeriod time.Duration, log *zap.SugaredLogger) (*forkedBackend, error) {
	return nil, ErrPlatformUnsupported
}

type forkedBackend struct{}

func (b *forkedBackend) createWorker(id WorkerID, onDeath func(WorkerID)) (Channel, error) {
	return nil, ErrPlatformUnsupported
}
func (b *forkedBackend) stop() error    { return nil }
func (b *forkedBackend) stopped() error { return nil }

// RunForkedChild is a no-op on Windows; there is no re-exec child mode.
func RunForkedChild(factory ServerFactory, log *zap.SugaredLogger, opts ChildOptions) {}
