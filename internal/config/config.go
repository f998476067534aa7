// Package config loads the hub's configuration from serp.yaml (or
// SERP_*-prefixed environment variables) and supports live reload of the
// knobs that are safe to change without a restart.
package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/serphub/serp-relay/internal/relaylog"
)

// Config holds all hub configuration.
type Config struct {
	// SerpPort is the TCP port clients connect to for the SERP wire
	// protocol (§6 SERP_PORT).
	SerpPort int `mapstructure:"serp_port"`

	// IDAllocRetries is the number of random draws attempted before a new
	// connection is dropped for ID-space exhaustion (§3, default 10).
	IDAllocRetries int `mapstructure:"id_alloc_retries"`

	// RejectDuplicateAddr silently refuses a new connection whose peer
	// address matches an already-connected client, per §4.3. Exposed as a
	// policy toggle rather than a hard rule per §9's design note, since it
	// is a weak safeguard behind NAT.
	RejectDuplicateAddr bool `mapstructure:"reject_duplicate_addr"`

	// AcceptPollTimeout bounds how long the main thread blocks accepting a
	// new connection before re-checking for shutdown (§5a, ~5s).
	AcceptPollTimeout time.Duration `mapstructure:"accept_poll_timeout"`

	// ReceivePollTimeout bounds how long a session's receiver loop blocks
	// reading its socket before re-checking liveness (§5b, ~1s).
	ReceivePollTimeout time.Duration `mapstructure:"receive_poll_timeout"`

	// ReaperInterval is how often the main loop sweeps the disconnected
	// set for sessions whose receiver has finished (§4.3 Reaper).
	ReaperInterval time.Duration `mapstructure:"reaper_interval"`

	// MaxConnections caps concurrently registered sessions; 0 means
	// unlimited. An operational safety valve, not a protocol feature.
	MaxConnections int `mapstructure:"max_connections"`

	// LogFile is loaded from log_file (or SERP_LOG_FILE). cmd/serp-server
	// does not read this field: it reads the SERP_LOG_FILE environment
	// variable directly, so a log_file value in serp.yaml has no effect
	// there. The daemonized start path does not set it either; it redirects
	// the child's stdout and stderr to logs/log.txt instead.
	LogFile string `mapstructure:"log_file"`

	// AdminEnabled toggles the operator HTTP/WebSocket surface.
	AdminEnabled bool `mapstructure:"admin_enabled"`
	// AdminPort is the listening port for the operator surface. It is a
	// distinct listener from SerpPort; SERP clients never see it.
	AdminPort int `mapstructure:"admin_port"`
}

func defaults() Config {
	return Config{
		SerpPort:            6667,
		IDAllocRetries:      10,
		RejectDuplicateAddr: true,
		AcceptPollTimeout:   5 * time.Second,
		ReceivePollTimeout:  time.Second,
		ReaperInterval:      time.Second,
		MaxConnections:      0,
		LogFile:             "",
		AdminEnabled:        true,
		AdminPort:           6668,
	}
}

// Manager holds the current Config and applies hot-reloaded changes to the
// subset of fields that are safe to swap in place: AdminEnabled,
// IDAllocRetries, RejectDuplicateAddr, MaxConnections. Structural fields
// (the two listen ports) only take effect on the next restart, matching
// the teacher's own pattern of an advertised address that only changes
// "effective on next reconnect" (internal/relay/client.go,
// UpdateAdvertisedAddr).
type Manager struct {
	mu  sync.RWMutex
	cfg Config
}

// Load reads configuration from path (a directory to search, or "" for
// the working directory) plus SERP_*-prefixed environment variables, and
// starts watching the config file for live reload of the hot-reloadable
// fields.
func Load(path string) (*Manager, error) {
	v := viper.New()
	v.SetConfigName("serp")
	v.SetConfigType("yaml")
	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")
	v.SetEnvPrefix("SERP")
	v.AutomaticEnv()

	d := defaults()
	v.SetDefault("serp_port", d.SerpPort)
	v.SetDefault("id_alloc_retries", d.IDAllocRetries)
	v.SetDefault("reject_duplicate_addr", d.RejectDuplicateAddr)
	v.SetDefault("accept_poll_timeout", d.AcceptPollTimeout)
	v.SetDefault("receive_poll_timeout", d.ReceivePollTimeout)
	v.SetDefault("reaper_interval", d.ReaperInterval)
	v.SetDefault("max_connections", d.MaxConnections)
	v.SetDefault("log_file", d.LogFile)
	v.SetDefault("admin_enabled", d.AdminEnabled)
	v.SetDefault("admin_port", d.AdminPort)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: reading serp.yaml: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	m := &Manager{cfg: cfg}

	v.OnConfigChange(func(e fsnotify.Event) {
		var updated Config
		if err := v.Unmarshal(&updated); err != nil {
			relaylog.Config("reload of %s failed: %v", e.Name, err)
			return
		}
		m.applyHotReload(updated)
	})
	v.WatchConfig()

	return m, nil
}

// applyHotReload swaps in the fields that are safe to change live and logs
// what changed.
func (m *Manager) applyHotReload(updated Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.AdminEnabled != updated.AdminEnabled {
		relaylog.Config("admin_enabled: %v -> %v", m.cfg.AdminEnabled, updated.AdminEnabled)
	}
	if m.cfg.IDAllocRetries != updated.IDAllocRetries {
		relaylog.Config("id_alloc_retries: %d -> %d", m.cfg.IDAllocRetries, updated.IDAllocRetries)
	}
	if m.cfg.RejectDuplicateAddr != updated.RejectDuplicateAddr {
		relaylog.Config("reject_duplicate_addr: %v -> %v", m.cfg.RejectDuplicateAddr, updated.RejectDuplicateAddr)
	}
	if m.cfg.MaxConnections != updated.MaxConnections {
		relaylog.Config("max_connections: %d -> %d", m.cfg.MaxConnections, updated.MaxConnections)
	}

	m.cfg.AdminEnabled = updated.AdminEnabled
	m.cfg.IDAllocRetries = updated.IDAllocRetries
	m.cfg.RejectDuplicateAddr = updated.RejectDuplicateAddr
	m.cfg.MaxConnections = updated.MaxConnections
}

// Get returns a snapshot of the current configuration.
func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}
