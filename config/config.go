// Package config loads engine and relay settings from YAML, .env files and
// the environment, in that order of precedence (environment wins).
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"tradectl/engine"
	"tradectl/store"
)

const (
	defaultListenAddr = ":6381"
	defaultRelayPath  = "/redis"
	defaultStoreHost  = "localhost"
	defaultStorePort  = 6380
)

// Duration decodes YAML values like "2s" or "500ms".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var text string
	if err := node.Decode(&text); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the whole file.
type Config struct {
	Engine EngineConfig `yaml:"engine"`
	Relay  RelayConfig  `yaml:"relay"`
}

// CandidateConfig is one transport in preference order.
type CandidateConfig struct {
	Kind         string   `yaml:"kind"`
	Address      string   `yaml:"address"`
	Credential   string   `yaml:"credential"`
	ProbeTimeout Duration `yaml:"probe_timeout"`
	MaxAttempts  int      `yaml:"max_attempts"`
}

type EngineConfig struct {
	Candidates      []CandidateConfig `yaml:"candidates"`
	RelayPath       string            `yaml:"relay_path"`
	RequestTimeout  Duration          `yaml:"request_timeout"`
	StatusTimeout   Duration          `yaml:"status_timeout"`
	SimulatedDelay  Duration          `yaml:"simulated_delay"`
	MonitorInterval Duration          `yaml:"monitor_interval"`
	StrictRefusal   bool              `yaml:"strict_refusal"`
}

type StoreConfig struct {
	Driver      string   `yaml:"driver"`
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	Password    string   `yaml:"password"` //nolint:gosec // configuration field
	DB          int      `yaml:"db"`
	SQLitePath  string   `yaml:"sqlite_path"`
	DialTimeout Duration `yaml:"dial_timeout"`
}

type RelayConfig struct {
	ListenAddr   string      `yaml:"listen_addr"`
	Path         string      `yaml:"path"`
	Token        string      `yaml:"token"`
	StoreTimeout Duration    `yaml:"store_timeout"`
	Store        StoreConfig `yaml:"store"`
}

// Default mirrors the dashboard's shipped ports: relay on 6381, store on 6380.
func Default() Config {
	return Config{
		Engine: EngineConfig{
			Candidates: []CandidateConfig{
				{Kind: "embedded", MaxAttempts: 1},
				{Kind: "relay", Address: "localhost:6381", ProbeTimeout: Duration(2 * time.Second), MaxAttempts: 3},
				{Kind: "direct", Address: "localhost:6380", ProbeTimeout: Duration(2 * time.Second), MaxAttempts: 3},
				{Kind: "simulated"},
			},
			RelayPath:       defaultRelayPath,
			RequestTimeout:  Duration(5 * time.Second),
			StatusTimeout:   Duration(3 * time.Second),
			SimulatedDelay:  Duration(500 * time.Millisecond),
			MonitorInterval: Duration(10 * time.Second),
		},
		Relay: RelayConfig{
			ListenAddr:   defaultListenAddr,
			Path:         defaultRelayPath,
			StoreTimeout: Duration(3 * time.Second),
			Store: StoreConfig{
				Driver:      store.DriverRedis,
				Host:        defaultStoreHost,
				Port:        defaultStorePort,
				DialTimeout: Duration(2 * time.Second),
			},
		},
	}
}

// Load starts from Default, overlays the YAML file at path (if any) and then
// the environment. ${VAR} references in the file are expanded first.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // operator-provided path
		if err != nil {
			return Config{}, fmt.Errorf("config: load: %w", err)
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.ApplyEnv()
	return cfg, nil
}

// LoadDotEnv loads environment variables from path. Missing files are ignored.
func LoadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// ApplyEnv overrides fields from the relay's environment variables.
func (c *Config) ApplyEnv() {
	c.Relay.ListenAddr = getEnv("RELAY_LISTEN_ADDR", c.Relay.ListenAddr)
	c.Relay.Path = getEnv("RELAY_PATH", c.Relay.Path)
	c.Relay.Token = getEnv("RELAY_TOKEN", c.Relay.Token)
	c.Relay.Store.Driver = getEnv("STORE_DRIVER", c.Relay.Store.Driver)
	c.Relay.Store.Host = getEnv("STORE_HOST", c.Relay.Store.Host)
	c.Relay.Store.Port = int(parseIntEnv("STORE_PORT", int64(c.Relay.Store.Port)))
	c.Relay.Store.Password = getEnv("STORE_PASSWORD", c.Relay.Store.Password)
	c.Relay.Store.SQLitePath = getEnv("STORE_SQLITE_PATH", c.Relay.Store.SQLitePath)
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	if _, err := c.Engine.EngineCandidates(); err != nil {
		return err
	}
	if !strings.HasPrefix(c.Relay.Path, "/") {
		return fmt.Errorf("config: relay path %q must start with /", c.Relay.Path)
	}
	switch c.Relay.Store.Driver {
	case store.DriverRedis:
		if c.Relay.Store.Port <= 0 || c.Relay.Store.Port > 65535 {
			return fmt.Errorf("config: store port %d out of range", c.Relay.Store.Port)
		}
	case store.DriverSQLite:
		if c.Relay.Store.SQLitePath == "" {
			return errors.New("config: sqlite store requires sqlite_path")
		}
	case store.DriverMemory:
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Relay.Store.Driver)
	}
	return nil
}

// EngineCandidates converts the configured list into engine candidates.
func (e EngineConfig) EngineCandidates() ([]engine.Candidate, error) {
	if len(e.Candidates) == 0 {
		return nil, errors.New("config: at least one candidate is required")
	}
	out := make([]engine.Candidate, 0, len(e.Candidates))
	for i, c := range e.Candidates {
		kind, err := engine.ParseTransportKind(c.Kind)
		if err != nil || kind == engine.NoTransport {
			return nil, fmt.Errorf("config: candidate %d: unknown kind %q", i, c.Kind)
		}
		if c.MaxAttempts < 0 {
			return nil, fmt.Errorf("config: candidate %d: max_attempts must not be negative", i)
		}
		if (kind == engine.RelaySocket || kind == engine.DirectProbe) && c.Address == "" {
			return nil, fmt.Errorf("config: candidate %d: %s requires an address", i, kind)
		}
		out = append(out, engine.Candidate{
			Kind:         kind,
			Address:      c.Address,
			Credential:   c.Credential,
			ProbeTimeout: c.ProbeTimeout.Std(),
			MaxAttempts:  c.MaxAttempts,
		})
	}
	return out, nil
}

// EngineOptions builds engine.Options; the embedded client is supplied by the
// host process.
func (e EngineConfig) EngineOptions(embedded engine.EmbeddedClient, logger *log.Logger) (engine.Options, error) {
	candidates, err := e.EngineCandidates()
	if err != nil {
		return engine.Options{}, err
	}
	return engine.Options{
		Candidates: candidates,
		Prober: &engine.NetworkProber{
			Embedded:      embedded,
			RelayPath:     e.RelayPath,
			StrictRefusal: e.StrictRefusal,
			Logger:        logger,
		},
		Embedded:       embedded,
		RelayPath:      e.RelayPath,
		RequestTimeout: e.RequestTimeout.Std(),
		StatusTimeout:  e.StatusTimeout.Std(),
		SimulatedDelay: e.SimulatedDelay.Std(),
		Logger:         logger,
	}, nil
}

func (s StoreConfig) Options() store.Options {
	return store.Options{
		Driver:      s.Driver,
		Host:        s.Host,
		Port:        s.Port,
		Password:    s.Password,
		DB:          s.DB,
		SQLitePath:  s.SQLitePath,
		DialTimeout: s.DialTimeout.Std(),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseIntEnv(key string, defaultValue int64) int64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		log.Printf("invalid %s value %s: %v, falling back to %d", key, value, err, defaultValue)
		return defaultValue
	}
	return parsed
}
