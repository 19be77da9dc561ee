// Command mpmdemo wires an mpm.Manager around the package's DefaultServer,
// whose only route is /healthz. It exists to exercise the package end to end, the way
// orchestrator/main.go exercised the teacher's Pool.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hackstrix/mpm/mpm"
)

func main() {
	minServers := flag.Int("min-servers", 2, "minimum number of worker servers")
	maxServers := flag.Int("max-servers", 8, "maximum number of worker servers")
	maxLoad := flag.Float64("max-load", 0.7, "average load above which the pool scales up")
	addr := flag.String("addr", ":8080", "address the worker pool listens on")
	adminAddr := flag.String("admin-addr", ":8081", "address the master's own status endpoint listens on")
	threaded := flag.Bool("threaded", false, "use the in-process threaded worker model instead of forked")
	configPath := flag.String("config", "", "optional YAML file with sizing knobs")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	log := logger.Sugar().Named("mpmdemo")

	// Must run before any master-only work: a re-exec'd forked worker gets
	// the same arguments, so the flag parsing above is safe, then lands
	// here and never returns.
	mpm.RunForkedChild(nil, log, mpm.ChildOptions{})

	cfg := mpm.Config{
		MinServers:        *minServers,
		MaxServers:        maxServers,
		MaxLoad:           maxLoad,
		LoadAveragePeriod: time.Second,
		CheckInterval:     time.Second,
		WorkerModel:       mpm.ForkedModel,
		BindModel:         mpm.DuplicateBind,
	}
	if *threaded {
		cfg.WorkerModel = mpm.ThreadedModel
	}
	if *configPath != "" {
		fileCfg, err := mpm.LoadConfig(*configPath)
		if err != nil {
			log.Fatalw("failed to load config", "error", err)
		}
		fileCfg.WorkerModel = cfg.WorkerModel
		fileCfg.BindModel = cfg.BindModel
		cfg = fileCfg
	}

	manager, err := mpm.New(cfg, mpm.ManagerOptions{
		Addrs:   []string{*addr},
		OnStart: func() { log.Infow("supervisor running", "min_servers", *minServers, "max_servers", *maxServers) },
		OnSpawn: func(srv mpm.Server) { log.Debugw("worker spawned") },
	}, log)
	if err != nil {
		log.Fatalw("failed to construct manager", "error", err)
	}

	go serveAdmin(*adminAddr, manager, log)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM)
		<-sigCh
		log.Infow("received SIGTERM, shutting down")
		cancel()
	}()

	log.Infow("mpmdemo starting", "addr", *addr, "admin_addr", *adminAddr, "worker_model", cfg.WorkerModel.String())
	if err := manager.Run(ctx); err != nil {
		log.Fatalw("manager run failed", "error", err)
	}
	log.Infow("mpmdemo stopped")
}

// serveAdmin runs the master's own status endpoint — it never handles the
// pool's actual traffic, it only reports on the Manager.
func serveAdmin(addr string, m *mpm.Manager, log *zap.SugaredLogger) {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		status := map[string]any{
			"state":         m.State().String(),
			"worker_count":  m.WorkerCount(),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(status)
	})
	if err := http.ListenAndServe(addr, r); err != nil {
		log.Warnw("admin server exited", "error", err, "addr", fmt.Sprint(addr))
	}
}
