package mpm

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// WorkerModel selects the worker-model backend (C6) a Manager uses to
// launch and supervise workers.
type WorkerModel int

const (
	// ForkedModel supervises workers as separate OS processes.
	ForkedModel WorkerModel = iota
	// ThreadedModel supervises workers as goroutines inside the same
	// process, sharing address space with the master.
	ThreadedModel
)

func (m WorkerModel) String() string {
	switch m {
	case ForkedModel:
		return "forked"
	case ThreadedModel:
		return "threaded"
	default:
		return "unknown"
	}
}

// BindModel selects how listening sockets are shared across workers.
type BindModel int

const (
	// DuplicateBind has the master create one bound socket per listening
	// address and duplicate the descriptor into each worker.
	DuplicateBind BindModel = iota
	// ReusePortBind has each worker bind its own socket with SO_REUSEPORT.
	ReusePortBind
)

func (b BindModel) String() string {
	switch b {
	case DuplicateBind:
		return "duplicate"
	case ReusePortBind:
		return "reuseport"
	default:
		return "unknown"
	}
}

// Config holds the Manager's sizing knobs and worker-model selection, as
// described in spec §3. Fields with a conditional default in the spec are
// pointers so the zero value can be told apart from "unset"; leave them nil
// for the default or point them at an explicit value.
type Config struct {
	MinServers      int  `yaml:"min_servers"`
	MaxServers      *int `yaml:"max_servers,omitempty"`
	MinSpareServers int  `yaml:"min_spare_servers"`
	MaxSpareServers *int `yaml:"max_spare_servers,omitempty"`

	MinLoad *float64 `yaml:"min_load,omitempty"`
	MaxLoad *float64 `yaml:"max_load,omitempty"`

	LoadAveragePeriod time.Duration `yaml:"load_average_period"`
	MaxRequests       uint64        `yaml:"max_requests"`
	MinWorkerTTL      time.Duration `yaml:"min_worker_ttl"`
	CheckInterval     time.Duration `yaml:"check_interval"`

	ActivityTimeout    time.Duration `yaml:"activity_timeout"`
	TerminationTimeout time.Duration `yaml:"termination_timeout"`

	WorkerModel WorkerModel `yaml:"-"`
	BindModel   BindModel   `yaml:"-"`

	// listenerProvided marks that at least one listener came in pre-bound
	// from the host; per spec §3 this forces BindModel to DuplicateBind.
	// Set automatically by Manager.New from ManagerOptions.Listeners — not
	// meant to be poked directly outside tests.
	listenerProvided bool
}

// resolved is the fully defaulted, validated form of Config the Manager
// actually operates on.
type resolved struct {
	minServers, maxServers         int
	minSpareServers, maxSpareServers int
	minLoad, maxLoad               float64
	loadAveragePeriod              time.Duration
	maxRequests                    uint64
	minWorkerTTL                   time.Duration
	checkInterval                  time.Duration
	activityTimeout                time.Duration
	terminationTimeout             time.Duration
	workerModel                    WorkerModel
	bindModel                      BindModel
}

// LoadConfig reads the reconfigurable sizing knobs from a YAML file. Worker
// model and bind model are not expressed in the file — those are wired at
// construction time by the embedding program, per spec §1's "dynamic
// reconfiguration of the bound listening addresses" non-goal.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("mpm: read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("mpm: parse config %s: %w", path, err)
	}
	return cfg, nil
}

// reusePortSupported reports whether SO_REUSEPORT is available on this
// platform. Overridden in tests.
var reusePortSupported = func() bool { return reusePortSupportedPlatform }

func (c Config) resolve() (resolved, error) {
	r := resolved{
		minServers:         c.MinServers,
		minSpareServers:    c.MinSpareServers,
		loadAveragePeriod:  c.LoadAveragePeriod,
		maxRequests:        c.MaxRequests,
		minWorkerTTL:       c.MinWorkerTTL,
		checkInterval:      c.CheckInterval,
		activityTimeout:    c.ActivityTimeout,
		terminationTimeout: c.TerminationTimeout,
		workerModel:        c.WorkerModel,
		bindModel:          c.BindModel,
	}

	if r.minServers < 1 {
		return resolved{}, fmt.Errorf("%w: min_servers must be >= 1", ErrInvalidConfig)
	}
	if r.checkInterval <= 0 {
		return resolved{}, fmt.Errorf("%w: check_interval must be > 0", ErrInvalidConfig)
	}
	if r.loadAveragePeriod <= 0 {
		return resolved{}, fmt.Errorf("%w: load_average_period must be > 0", ErrInvalidConfig)
	}

	if c.MaxServers != nil {
		r.maxServers = *c.MaxServers
	} else {
		r.maxServers = 3 * r.minServers
	}

	if c.MaxLoad != nil {
		r.maxLoad = *c.MaxLoad
	} else if r.minSpareServers == 0 {
		r.maxLoad = 0.7
	}
	if c.MinLoad != nil {
		r.minLoad = *c.MinLoad
	} else if r.maxLoad > 0 {
		r.minLoad = r.maxLoad / 2
	}

	if c.MaxSpareServers != nil {
		r.maxSpareServers = *c.MaxSpareServers
	} else if r.minSpareServers > 0 {
		v := r.minSpareServers + r.minServers
		if v > r.maxServers {
			v = r.maxServers
		}
		r.maxSpareServers = v
	} else {
		r.maxSpareServers = 0
	}

	if r.minServers > r.maxServers {
		return resolved{}, fmt.Errorf("%w: min_servers must be <= max_servers", ErrInvalidConfig)
	}
	if r.minSpareServers > r.maxSpareServers {
		return resolved{}, fmt.Errorf("%w: min_spare_servers must be <= max_spare_servers", ErrInvalidConfig)
	}
	if r.minSpareServers >= r.maxServers {
		return resolved{}, fmt.Errorf("%w: min_spare_servers must be < max_servers", ErrInvalidConfig)
	}
	if r.maxSpareServers > r.maxServers {
		return resolved{}, fmt.Errorf("%w: max_spare_servers must be <= max_servers", ErrInvalidConfig)
	}
	if r.minLoad < 0 || r.minLoad > 1 {
		return resolved{}, fmt.Errorf("%w: min_load must be in [0,1]", ErrInvalidConfig)
	}
	if r.maxLoad < 0 || r.maxLoad > 1 {
		return resolved{}, fmt.Errorf("%w: max_load must be in [0,1]", ErrInvalidConfig)
	}

	if r.bindModel == ReusePortBind && !reusePortSupported() {
		r.bindModel = DuplicateBind
	}
	if c.listenerProvided {
		r.bindModel = DuplicateBind
	}

	return r, nil
}
