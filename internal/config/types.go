package config

import (
	"strings"
	"time"

	logx "statusmon/pkg/logx"
)

type Config struct {
	Node    NodeConfig     `json:"node"`
	PubSub  PubSubConfig   `json:"pubsub"`
	Logging LoggingConfig  `json:"logging"`
	Storage *StorageConfig `json:"storage,omitempty"`
	Server  ServerConfig   `json:"server"`
	Peers   []PeerConfig   `json:"peers,omitempty"`
}

// NodeConfig names this node and its monitor defaults.
//
//	node:
//	  name: plc-gateway
//	  channels: [status]
//	  late_threshold: 10s
type NodeConfig struct {
	Name string `json:"name"`
	// Channels used when a mutation names none. Default: [name].
	Channels []string `json:"channels,omitempty"`
	// LateThreshold is a Go duration string. Default "10s". Hot reloadable.
	LateThreshold string `json:"late_threshold,omitempty"`
	// StatusInterval is how often supervisor stats are written under
	// <name>.runtime. "0s" disables it. Default "30s".
	StatusInterval string `json:"status_interval,omitempty"`
}

// PubSubConfig controls the broadcaster.
type PubSubConfig struct {
	Workers         int    `json:"workers,omitempty"`    // default 4
	QueueSize       int    `json:"queue_size,omitempty"` // default 1024
	FailureLimit    string `json:"failure_limit,omitempty"`
	DeliveryTimeout string `json:"delivery_timeout,omitempty"`
	// Aggregates maps an aggregate channel to its constituents.
	Aggregates map[string][]string `json:"aggregates,omitempty"`
}

type LoggingConfig struct {
	Level   string         `json:"level"`
	Console bool           `json:"console"`
	File    LoggingFile    `json:"file"`
	Monitor LoggingMonitor `json:"monitor"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingMonitor ships log lines into the status tree at Path, published
// on Channels. Sink, when set, is subscribed to those channels.
type LoggingMonitor struct {
	Enabled     bool     `json:"enabled"`
	MinLevel    string   `json:"min_level,omitempty"`
	RatePerSec  int      `json:"rate_per_sec,omitempty"`
	Path        string   `json:"path,omitempty"`
	Channels    []string `json:"channels,omitempty"`
	Sink        string   `json:"sink,omitempty"`
	BufferLimit int      `json:"buffer_limit,omitempty"`
	Interval    string   `json:"interval,omitempty"`
}

// StorageConfig controls tree persistence.
//
//	storage:
//	  driver: sqlite        # file | sqlite | badger | none
//	  path: ./statusmon.db
//	  checkpoint: "@every 1m"
//	  restore_on_start: true
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	// Checkpoint is a cron spec (robfig/cron, seconds optional). Empty
	// means save only on shutdown.
	Checkpoint     string `json:"checkpoint,omitempty"`
	RestoreOnStart bool   `json:"restore_on_start,omitempty"`
}

// ServerConfig controls the node's HTTP listener.
//
// A non-loopback Addr is refused unless AllowInsecure is set; the listener
// has no authentication.
type ServerConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`         // default "127.0.0.1:7070"
	WSPath        string `json:"ws_path,omitempty"`      // default "/ws"
	MetricsPath   string `json:"metrics_path,omitempty"` // default "/metrics"
	StatusPath    string `json:"status_path,omitempty"`  // default "/status"
	Pprof         bool   `json:"pprof,omitempty"`
	PprofPrefix   string `json:"pprof_prefix,omitempty"` // default "/debug/pprof/"
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}

// PeerConfig is an outbound link. Subscribe lists the channels this node
// wants from the peer.
type PeerConfig struct {
	URL       string   `json:"url"`
	Subscribe []string `json:"subscribe,omitempty"`
}

// LateThreshold returns the parsed node.late_threshold.
func (c *Config) LateThreshold() (time.Duration, error) {
	return c.Duration("node.late_threshold")
}

// NodeChannels returns the default channels, falling back to the node name.
func (c *Config) NodeChannels() []string {
	if len(c.Node.Channels) > 0 {
		return c.Node.Channels
	}
	return []string{c.Node.Name}
}

// MonitorPath returns where log lines land in the tree.
func (c *Config) MonitorPath() string {
	if p := strings.TrimSpace(c.Logging.Monitor.Path); p != "" {
		return p
	}
	return c.Node.Name + ".log"
}

// Logx maps the logging section onto logx.Config.
func (l LoggingConfig) Logx() logx.Config {
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled: l.File.Enabled,
			Path:    l.File.Path,
		},
		Monitor: logx.MonitorConfig{
			Enabled:    l.Monitor.Enabled,
			MinLevel:   l.Monitor.MinLevel,
			RatePerSec: l.Monitor.RatePerSec,
		},
	}
}
