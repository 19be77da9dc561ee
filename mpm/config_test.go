package mpm

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseConfig() Config {
	return Config{
		MinServers:        1,
		LoadAveragePeriod: time.Second,
		CheckInterval:     time.Second,
	}
}

func TestConfig_ResolveDefaults(t *testing.T) {
	cfg := baseConfig()
	cfg.MinServers = 2

	r, err := cfg.resolve()
	require.NoError(t, err)
	assert.Equal(t, 2, r.minServers)
	assert.Equal(t, 6, r.maxServers) // 3 * min_servers
	assert.Equal(t, 0.7, r.maxLoad)  // default iff min_spare_servers == 0
	assert.Equal(t, 0.35, r.minLoad) // max_load / 2
	assert.Equal(t, 0, r.maxSpareServers)
}

func TestConfig_ResolveSpareDefaults(t *testing.T) {
	cfg := baseConfig()
	cfg.MinSpareServers = 2

	r, err := cfg.resolve()
	require.NoError(t, err)
	assert.Equal(t, 3, r.maxSpareServers) // min(min_spare+min_servers, max_servers) = min(3, 3)
	assert.Equal(t, 0.0, r.maxLoad)       // min_spare_servers > 0, no implicit default
}

func TestConfig_ResolveExplicitOverridesDefaults(t *testing.T) {
	cfg := baseConfig()
	maxServers := 10
	maxLoad := 0.5
	cfg.MaxServers = &maxServers
	cfg.MaxLoad = &maxLoad

	r, err := cfg.resolve()
	require.NoError(t, err)
	assert.Equal(t, 10, r.maxServers)
	assert.Equal(t, 0.5, r.maxLoad)
	assert.Equal(t, 0.25, r.minLoad)
}

func TestConfig_ResolveInvalid(t *testing.T) {
	cases := map[string]Config{
		"min servers zero": {
			MinServers: 0, LoadAveragePeriod: time.Second, CheckInterval: time.Second,
		},
		"no check interval": {
			MinServers: 1, LoadAveragePeriod: time.Second,
		},
		"no load average period": {
			MinServers: 1, CheckInterval: time.Second,
		},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := cfg.resolve()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig))
		})
	}
}

func TestConfig_ResolveMinGreaterThanMax(t *testing.T) {
	cfg := baseConfig()
	cfg.MinServers = 5
	max := 3
	cfg.MaxServers = &max

	_, err := cfg.resolve()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
}

func TestConfig_ResolveMinSpareMustBeLessThanMaxServers(t *testing.T) {
	cfg := baseConfig()
	cfg.MinServers = 2
	max := 2
	cfg.MaxServers = &max
	cfg.MinSpareServers = 2

	_, err := cfg.resolve()
	require.Error(t, err)
}

func TestConfig_ReusePortDegradesWhenUnsupported(t *testing.T) {
	old := reusePortSupported
	defer func() { reusePortSupported = old }()
	reusePortSupported = func() bool { return false }

	cfg := baseConfig()
	cfg.BindModel = ReusePortBind

	r, err := cfg.resolve()
	require.NoError(t, err)
	assert.Equal(t, DuplicateBind, r.bindModel)
}

func TestConfig_ListenerProvidedForcesDuplicate(t *testing.T) {
	old := reusePortSupported
	defer func() { reusePortSupported = old }()
	reusePortSupported = func() bool { return true }

	cfg := baseConfig()
	cfg.BindModel = ReusePortBind
	cfg.listenerProvided = true

	r, err := cfg.resolve()
	require.NoError(t, err)
	assert.Equal(t, DuplicateBind, r.bindModel)
}

func TestWorkerModel_String(t *testing.T) {
	assert.Equal(t, "forked", ForkedModel.String())
	assert.Equal(t, "threaded", ThreadedModel.String())
}

func TestBindModel_String(t *testing.T) {
	assert.Equal(t, "duplicate", DuplicateBind.String())
	assert.Equal(t, "reuseport", ReusePortBind.String())
}
