package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"statusmon/internal/monitor"
	"statusmon/internal/value"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	p := filepath.Join(dir, "statusmon.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func startApp(t *testing.T, cfgPath string) *App {
	t.Helper()
	a, err := New(cfgPath)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	return a
}

func stopApp(t *testing.T, a *App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopAppStop); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
}

func TestStopSavesAndStartRestores(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := writeConfig(t, dir, fmt.Sprintf(`
node:
  name: gw
  status_interval: 0s
logging:
  level: error
storage:
  driver: file
  path: %s
  restore_on_start: true
`, filepath.Join(dir, "tree.json")))

	a := startApp(t, cfg)
	if err := a.Monitor().Update(context.Background(), "plc", value.Must(map[string]any{"temp": 21.5, "mode": "auto"})); err != nil {
		t.Fatalf("Update error: %v", err)
	}
	stopApp(t, a)

	b := startApp(t, cfg)
	defer stopApp(t, b)
	v, err := b.Monitor().Get(context.Background(), "plc.mode", monitor.NoWait())
	if err != nil || !v.Equal(value.String("auto")) {
		t.Fatalf("restored plc.mode = %v, %v", v, err)
	}
}

func TestStatusLoopPublishesRuntime(t *testing.T) {
	t.Parallel()
	cfg := writeConfig(t, t.TempDir(), `
node:
  name: gw
  status_interval: 20ms
logging:
  level: error
`)
	a := startApp(t, cfg)
	defer stopApp(t, a)

	v, err := a.Monitor().Get(context.Background(), "gw.runtime.app.active", monitor.Timeout(5*time.Second))
	if err != nil {
		t.Fatalf("Get runtime error: %v", err)
	}
	if n, ok := v.AsInt(); !ok || n <= 0 {
		t.Fatalf("active loops = %v", v)
	}
}

func TestNewRejectsAggregateCycle(t *testing.T) {
	t.Parallel()
	cfg := writeConfig(t, t.TempDir(), `
node:
  name: gw
logging:
  level: error
pubsub:
  aggregates:
    a: [b]
    b: [a]
`)
	if _, err := New(cfg); err == nil || !strings.Contains(err.Error(), "pubsub.aggregates") {
		t.Fatalf("New err = %v, want aggregate error", err)
	}
}

func TestPeersConvergeOverWebsocket(t *testing.T) {
	t.Parallel()
	hubCfg := writeConfig(t, t.TempDir(), `
node:
  name: hub
  status_interval: 0s
logging:
  level: error
server:
  enabled: true
  addr: 127.0.0.1:0
`)
	hub := startApp(t, hubCfg)
	defer stopApp(t, hub)

	deadline := time.Now().Add(5 * time.Second)
	for hub.HTTPAddr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("hub never started listening")
		}
		time.Sleep(5 * time.Millisecond)
	}

	edgeCfg := writeConfig(t, t.TempDir(), fmt.Sprintf(`
node:
  name: edge
  status_interval: 0s
logging:
  level: error
peers:
  - url: ws://%s/ws
    subscribe: [hub]
`, hub.HTTPAddr()))
	edge := startApp(t, edgeCfg)
	defer stopApp(t, edge)

	for len(hub.Broker().Subscribers("hub")) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("edge never subscribed to the hub")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := hub.Monitor().Update(context.Background(), "dome.az", value.Float(90)); err != nil {
		t.Fatalf("hub Update error: %v", err)
	}
	v, err := edge.Monitor().Get(context.Background(), "dome.az", monitor.Timeout(5*time.Second))
	if err != nil || !v.Equal(value.Float(90)) {
		t.Fatalf("edge dome.az = %v, %v", v, err)
	}
}
