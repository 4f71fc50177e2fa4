package cfg

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/acharapko/flease/acceptor"
	"github.com/acharapko/flease/idservice"
	"github.com/acharapko/flease/log"
)

var configFile = flag.String("config", "config.json", "Configuration file for flease node. Defaults to config.json.")

// Config holds every setting of a flease node. Durations are milliseconds in
// the json file.
type Config struct {
	Addrs map[idservice.ID]string `json:"-"`

	// Flease
	MessageTimeout     int64  `json:"message_timeout"`
	CellTimeout        int64  `json:"cell_timeout"`
	RestartWait        int64  `json:"restart_wait"`
	LeaseTimeout       int64  `json:"lease_timeout"`
	DMax               int64  `json:"dmax"`
	LockfileDir        string `json:"lockfile_dir"`
	Identity           string `json:"identity"`
	DebugPrintMessages bool   `json:"debug_print_messages"`
	StatsInterval      int64  `json:"stats_interval"`

	// Network
	Codec          string `json:"codec"`
	ChanBufferSize int    `json:"chan_buffer_size"`

	RawAddrs map[string]string `json:"address"`

	Benchmark Bconfig `json:"benchmark"`
}

// Bconfig holds the lease workload settings of the benchmark client
type Bconfig struct {
	// T is the run time in seconds, N acquisitions are run when it is 0
	T int `json:"t"`
	N int `json:"n"`
	// K cells named by index starting at Min
	K   int `json:"k"`
	Min int `json:"min"`
	// Concurrency is the number of closed loop workers, each its own proposer
	Concurrency int `json:"concurrency"`
	// Lease is the requested lease length in ms
	Lease int64 `json:"lease"`
	// Throttle limits acquisitions per second over all workers, 0 is unlimited
	Throttle    int  `json:"throttle"`
	SafetyCheck bool `json:"safety_check"`

	// Distribution is one of order, uniform, conflict or zipfan
	Distribution string `json:"distribution"`
	// Conflicts is the percentage of acquisitions on cell Min
	Conflicts int     `json:"conflicts"`
	ZipfianS  float64 `json:"zipfian_s"`
	ZipfianV  float64 `json:"zipfian_v"`
}

// DefaultBConfig is a short uniform run over 100 cells
func DefaultBConfig() Bconfig {
	return Bconfig{
		T:            10,
		K:            100,
		Concurrency:  1,
		Lease:        1000,
		SafetyCheck:  true,
		Distribution: "uniform",
		Conflicts:    100,
		ZipfianS:     2,
		ZipfianV:     1,
	}
}

var (
	config     *Config
	configOnce sync.Once
)

// GetConfig returns the process wide configuration
func GetConfig() *Config {
	configOnce.Do(func() {
		config = MakeDefaultConfig()
	})
	return config
}

// MakeDefaultConfig returns a config with conservative timeouts and no peers
func MakeDefaultConfig() *Config {
	c := &Config{
		MessageTimeout: 1000,
		LeaseTimeout:   15000,
		DMax:           500,
		LockfileDir:    os.TempDir(),
		StatsInterval:  0,
		Codec:          "gob",
		ChanBufferSize: 1024,
		Addrs:          make(map[idservice.ID]string),
		RawAddrs:       make(map[string]string),
		Benchmark:      DefaultBConfig(),
	}
	c.fillDerived()
	return c
}

// fillDerived sets timeouts that depend on lease length and skew when the
// file left them at zero.
func (c *Config) fillDerived() {
	if c.CellTimeout == 0 {
		c.CellTimeout = 2 * (c.LeaseTimeout + c.DMax)
	}
	if c.RestartWait == 0 {
		c.RestartWait = c.LeaseTimeout + c.DMax + c.MessageTimeout
	}
}

// Load reads the json file named by -config into the config
func (c *Config) Load() {
	if err := c.LoadFile(*configFile); err != nil {
		log.Fatalf("cannot load config %s: %v", *configFile, err)
	}
}

// LoadFile reads a json config from path, validates it and parses addresses
func (c *Config) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// derived fields are recomputed unless the file sets them
	c.CellTimeout, c.RestartWait = 0, 0
	if err := json.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	c.fillDerived()

	c.Addrs = make(map[idservice.ID]string, len(c.RawAddrs))
	for s, addr := range c.RawAddrs {
		id, err := idservice.ParseID(s)
		if err != nil {
			return err
		}
		c.Addrs[id] = addr
	}
	return c.Validate()
}

// Save writes the config as json
func (c *Config) Save(path string) error {
	c.RawAddrs = make(map[string]string, len(c.Addrs))
	for id, addr := range c.Addrs {
		c.RawAddrs[id.String()] = addr
	}
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0644)
}

var ErrConfig = errors.New("invalid configuration")

// Validate checks the timing relations the acceptor depends on. An idle
// cell may only be recycled once no ballot issued before it went idle can
// still be in flight.
func (c *Config) Validate() error {
	switch {
	case c.MessageTimeout <= 0:
		return fmt.Errorf("%w: message_timeout must be positive", ErrConfig)
	case c.LeaseTimeout <= 0:
		return fmt.Errorf("%w: lease_timeout must be positive", ErrConfig)
	case c.DMax < 0:
		return fmt.Errorf("%w: dmax must not be negative", ErrConfig)
	case c.RestartWait <= 0:
		return fmt.Errorf("%w: restart_wait must be positive", ErrConfig)
	case c.CellTimeout <= c.LeaseTimeout+c.DMax:
		return fmt.Errorf("%w: cell_timeout %d must exceed lease_timeout+dmax %d",
			ErrConfig, c.CellTimeout, c.LeaseTimeout+c.DMax)
	case c.StatsInterval < 0:
		return fmt.Errorf("%w: stats_interval must not be negative", ErrConfig)
	case c.Benchmark.K <= 0 || c.Benchmark.Concurrency <= 0 || c.Benchmark.Lease <= 0:
		return fmt.Errorf("%w: benchmark needs cells, workers and a lease length", ErrConfig)
	}
	switch c.Codec {
	case "gob", "json", "proto":
	default:
		return fmt.Errorf("%w: unknown codec %q", ErrConfig, c.Codec)
	}
	return nil
}

// IdentityFor returns the configured identity or the node id
func (c *Config) IdentityFor(id idservice.ID) string {
	if c.Identity != "" {
		return c.Identity
	}
	return id.String()
}

// AcceptorConfig projects the acceptor settings of node id
func (c *Config) AcceptorConfig(id idservice.ID) acceptor.Config {
	return acceptor.Config{
		Identity:           c.IdentityFor(id),
		LockfileDir:        c.LockfileDir,
		MessageTimeout:     c.MessageTimeoutDuration(),
		CellTimeout:        c.CellTimeoutDuration(),
		RestartWait:        c.RestartWaitDuration(),
		DebugPrintMessages: c.DebugPrintMessages,
	}
}

func ms(v int64) time.Duration {
	return time.Duration(v) * time.Millisecond
}

func (c *Config) MessageTimeoutDuration() time.Duration { return ms(c.MessageTimeout) }
func (c *Config) CellTimeoutDuration() time.Duration    { return ms(c.CellTimeout) }
func (c *Config) RestartWaitDuration() time.Duration    { return ms(c.RestartWait) }
func (c *Config) LeaseTimeoutDuration() time.Duration   { return ms(c.LeaseTimeout) }
func (c *Config) DMaxDuration() time.Duration           { return ms(c.DMax) }
func (c *Config) StatsIntervalDuration() time.Duration  { return ms(c.StatsInterval) }
