package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
node:
  name: gw1
  channels: [status, alerts]
  late_threshold: 5s
pubsub:
  workers: 2
  aggregates:
    all: [status, alerts]
logging:
  level: debug
  console: true
  monitor:
    enabled: true
    min_level: warn
    channels: [logs]
    sink: viewer
storage:
  driver: sqlite
  path: ./gw1.db
  checkpoint: "@every 1m"
  restore_on_start: true
server:
  enabled: true
  addr: 127.0.0.1:7070
peers:
  - url: ws://hub:7070/ws
    subscribe: [status]
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "cfg.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Node.Name != "gw1" || !reflect.DeepEqual(cfg.NodeChannels(), []string{"status", "alerts"}) {
		t.Fatalf("node = %+v", cfg.Node)
	}
	if d, _ := cfg.LateThreshold(); d != 5*time.Second {
		t.Fatalf("LateThreshold = %v", d)
	}
	if cfg.MonitorPath() != "gw1.log" {
		t.Fatalf("MonitorPath = %q", cfg.MonitorPath())
	}
	sc, enabled, err := cfg.StorageBackend()
	if err != nil || !enabled || sc.Driver != "sqlite" || sc.BusyTimeout != time.Second {
		t.Fatalf("StorageBackend = %+v, %v, %v", sc, enabled, err)
	}
	if lc := cfg.Logging.Logx(); !lc.Monitor.Enabled || lc.Monitor.MinLevel != "warn" {
		t.Fatalf("Logx = %+v", lc)
	}
	if m.Get() != cfg {
		t.Fatal("Load did not commit")
	}
}

func TestLoadJSONDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("cfg.json", []byte(`{"node":{"name":"solo"}}`))
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if !reflect.DeepEqual(cfg.NodeChannels(), []string{"solo"}) {
		t.Fatalf("NodeChannels = %v", cfg.NodeChannels())
	}
	if d, _ := cfg.LateThreshold(); d != 10*time.Second {
		t.Fatalf("LateThreshold = %v", d)
	}
	if _, enabled, _ := cfg.StorageBackend(); enabled {
		t.Fatal("storage enabled without a section")
	}
}

func TestDecodeRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{name: "unknown field", doc: `{"node":{"name":"a"},"telegram":{}}`, want: "unknown field"},
		{name: "trailing data", doc: `{"node":{"name":"a"}}{}`, want: "trailing data"},
		{name: "missing name", doc: `{}`, want: "node.name is required"},
		{name: "dotted name", doc: `{"node":{"name":"a.b"}}`, want: "must not contain"},
		{name: "bad duration", doc: `{"node":{"name":"a","late_threshold":"soon"}}`, want: "node.late_threshold"},
		{name: "bad driver", doc: `{"node":{"name":"a"},"storage":{"driver":"mongo"}}`, want: "unknown storage.driver"},
		{name: "sqlite without path", doc: `{"node":{"name":"a"},"storage":{"driver":"sqlite"}}`, want: "storage.path is required"},
		{name: "bad cron", doc: `{"node":{"name":"a"},"storage":{"driver":"file","path":"x","checkpoint":"every so often"}}`, want: "storage.checkpoint"},
		{name: "bad peer scheme", doc: `{"node":{"name":"a"},"peers":[{"url":"http://x/ws"}]}`, want: "scheme must be ws"},
		{name: "self aggregate", doc: `{"node":{"name":"a"},"pubsub":{"aggregates":{"x":["x"]}}}`, want: "contains itself"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode("cfg.json", []byte(tt.doc))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestDurationDefaultsAndZero(t *testing.T) {
	t.Parallel()
	cfg := &Config{
		Node:    NodeConfig{Name: "a", StatusInterval: "0s", LateThreshold: "0s"},
		Logging: LoggingConfig{Monitor: LoggingMonitor{Interval: " 1s "}},
		Storage: &StorageConfig{Driver: "sqlite", Path: "x.db"},
	}
	tests := []struct {
		path string
		want time.Duration
	}{
		{path: "node.late_threshold", want: 10 * time.Second},
		{path: "node.status_interval", want: 0},
		{path: "logging.monitor.interval", want: time.Second},
		{path: "server.read_timeout", want: 15 * time.Second},
		{path: "storage.busy_timeout", want: time.Second},
		{path: "pubsub.failure_limit", want: 0},
	}
	for _, tt := range tests {
		got, err := cfg.Duration(tt.path)
		if err != nil || got != tt.want {
			t.Fatalf("Duration(%s) = %v, %v; want %v", tt.path, got, err, tt.want)
		}
	}

	cfg.Node.StatusInterval = ""
	if got, _ := cfg.Duration("node.status_interval"); got != 30*time.Second {
		t.Fatalf("empty status_interval = %v, want 30s", got)
	}
	cfg.Server.IdleTimeout = "-1s"
	if _, err := cfg.Duration("server.idle_timeout"); !errors.Is(err, ErrDuration) || !strings.Contains(err.Error(), "server.idle_timeout") {
		t.Fatalf("negative idle_timeout err = %v", err)
	}
	if _, err := cfg.Duration("node.nothing"); !errors.Is(err, ErrDuration) {
		t.Fatalf("unknown setting err = %v", err)
	}
	if err := cfg.Validate(); !errors.Is(err, ErrDuration) {
		t.Fatalf("Validate err = %v, want ErrDuration", err)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	a, _ := Decode("a.yaml", []byte(sampleYAML))
	b, _ := Decode("b.yaml", []byte(sampleYAML))
	if sections, _ := SummarizeConfigChange(a, b); len(sections) != 0 {
		t.Fatalf("identical configs differ in %v", sections)
	}
	b.Logging.Level = "info"
	b.Server.Pprof = true
	b.Storage.Checkpoint = "@hourly"
	sections, attrs := SummarizeConfigChange(a, b)
	if !reflect.DeepEqual(sections, []string{"logging", "server", "storage"}) {
		t.Fatalf("sections = %v", sections)
	}
	if len(attrs) == 0 {
		t.Fatal("no attrs")
	}
	if got := RestartRequired(sections); !reflect.DeepEqual(got, []string{"server", "storage"}) {
		t.Fatalf("RestartRequired = %v", got)
	}
}

func TestWatchPublishesChanges(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "cfg.yaml", sampleYAML)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load error: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	updated := strings.Replace(sampleYAML, "level: debug", "level: warn", 1)
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case cfg := <-sub:
			if cfg.Logging.Level != "warn" {
				t.Fatalf("published level = %q", cfg.Logging.Level)
			}
			if m.Get() != cfg {
				t.Fatal("published config not committed")
			}
			return
		case <-tick.C:
			// The watcher may not be registered yet; keep touching the file.
			if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
				t.Fatalf("rewrite: %v", err)
			}
		case <-deadline:
			t.Fatal("no config published after file change")
		}
	}
}

func TestWatchSkipsInvalidConfig(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "cfg.json", `{"node":{"name":"a"}}`)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load error: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)
	if err := os.WriteFile(path, []byte(`{"node":{}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	m.reload(context.Background())
	select {
	case cfg := <-sub:
		t.Fatalf("invalid config published: %+v", cfg)
	default:
	}
	if m.Get().Node.Name != "a" {
		t.Fatal("invalid config committed")
	}
}
