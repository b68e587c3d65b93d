package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradectl/engine"
	"tradectl/store"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	candidates, err := cfg.Engine.EngineCandidates()
	require.NoError(t, err)
	kinds := make([]engine.TransportKind, 0, len(candidates))
	for _, c := range candidates {
		kinds = append(kinds, c.Kind)
	}
	assert.Equal(t, []engine.TransportKind{engine.Embedded, engine.RelaySocket, engine.DirectProbe, engine.Simulated}, kinds)
	assert.Equal(t, ":6381", cfg.Relay.ListenAddr)
	assert.Equal(t, "/redis", cfg.Relay.Path)
	assert.Equal(t, 6380, cfg.Relay.Store.Port)
}

func TestLoadExpandsEnvAndOverlaysDefaults(t *testing.T) {
	t.Setenv("TEST_RELAY_SECRET", "s3cret")
	path := writeFile(t, "tradectl.yaml", `
engine:
  candidates:
    - kind: qml
    - kind: relay
      address: relay.local:7000
      credential: ${TEST_RELAY_SECRET}
      probe_timeout: 750ms
      max_attempts: 2
    - kind: simulation
  simulated_delay: 100ms
relay:
  store:
    driver: sqlite
    sqlite_path: /tmp/relay.db
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	candidates, err := cfg.Engine.EngineCandidates()
	require.NoError(t, err)
	require.Len(t, candidates, 3)
	assert.Equal(t, engine.Embedded, candidates[0].Kind)
	assert.Equal(t, engine.Candidate{
		Kind:         engine.RelaySocket,
		Address:      "relay.local:7000",
		Credential:   "s3cret",
		ProbeTimeout: 750 * time.Millisecond,
		MaxAttempts:  2,
	}, candidates[1])
	assert.Equal(t, 100*time.Millisecond, cfg.Engine.SimulatedDelay.Std())
	assert.Equal(t, 5*time.Second, cfg.Engine.RequestTimeout.Std())
	assert.Equal(t, store.DriverSQLite, cfg.Relay.Store.Driver)
	assert.Equal(t, ":6381", cfg.Relay.ListenAddr)
}

func TestEnvironmentWins(t *testing.T) {
	t.Setenv("RELAY_LISTEN_ADDR", ":9999")
	t.Setenv("STORE_PORT", "6390")
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("RELAY_TOKEN", "tok")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Relay.ListenAddr)
	assert.Equal(t, 6390, cfg.Relay.Store.Port)
	assert.Equal(t, store.DriverMemory, cfg.Relay.Store.Driver)
	assert.Equal(t, "tok", cfg.Relay.Token)
}

func TestInvalidPortFallsBack(t *testing.T) {
	t.Setenv("STORE_PORT", "not-a-port")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 6380, cfg.Relay.Store.Port)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"unknown kind":     func(c *Config) { c.Engine.Candidates = []CandidateConfig{{Kind: "carrier-pigeon"}} },
		"empty kind":       func(c *Config) { c.Engine.Candidates = []CandidateConfig{{Kind: ""}} },
		"no candidates":    func(c *Config) { c.Engine.Candidates = nil },
		"relay no address": func(c *Config) { c.Engine.Candidates = []CandidateConfig{{Kind: "relay"}} },
		"negative attempt": func(c *Config) { c.Engine.Candidates = []CandidateConfig{{Kind: "simulated", MaxAttempts: -1}} },
		"relative path":    func(c *Config) { c.Relay.Path = "redis" },
		"unknown driver":   func(c *Config) { c.Relay.Store.Driver = "etcd" },
		"sqlite no path":   func(c *Config) { c.Relay.Store.Driver = store.DriverSQLite },
		"bad port":         func(c *Config) { c.Relay.Store.Port = 70000 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestBadDurationFailsLoad(t *testing.T) {
	path := writeFile(t, "bad.yaml", "engine:\n  status_timeout: soon\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadDotEnvIgnoresMissingFile(t *testing.T) {
	require.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")))

	path := writeFile(t, ".env", "TRADECTL_DOTENV_PROBE=loaded\n")
	t.Setenv("TRADECTL_DOTENV_PROBE", "")
	require.NoError(t, os.Unsetenv("TRADECTL_DOTENV_PROBE"))
	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "loaded", os.Getenv("TRADECTL_DOTENV_PROBE"))
}

func TestStoreOptions(t *testing.T) {
	opts := Default().Relay.Store.Options()
	assert.Equal(t, "localhost:6380", opts.Addr())
	assert.Equal(t, 2*time.Second, opts.DialTimeout)
}
