package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"statusmon/internal/app"
	"statusmon/internal/value"
)

// execute runs the root command with args and returns captured stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "statusmon.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return p
}

func TestValidateValidConfig(t *testing.T) {
	cfg := writeConfig(t, `
node:
  name: gw
  channels: [status]
storage:
  driver: sqlite
  path: ./gw.db
peers:
  - url: ws://hub:7070/ws
`)
	out, err := execute(t, "validate", "-c", cfg)
	if err != nil {
		t.Fatalf("validate error = %v", err)
	}
	for _, phrase := range []string{"Config is valid!", "Node:     gw", "Storage:  sqlite (./gw.db)", "Peers:    1"} {
		if !strings.Contains(out, phrase) {
			t.Errorf("output missing %q\nGot: %s", phrase, out)
		}
	}
}

func TestValidateInvalidConfig(t *testing.T) {
	cfg := writeConfig(t, `
node:
  name: gw.bad
peers:
  - url: http://hub:7070/ws
`)
	_, err := execute(t, "validate", "-c", cfg)
	if err == nil {
		t.Fatal("expected an error")
	}
	for _, want := range []string{"node.name", "peers[0].url"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil || !strings.HasPrefix(out, "statusmon dev") {
		t.Fatalf("version = %q, %v", out, err)
	}
}

func TestWaitPrintsValuesFromPeer(t *testing.T) {
	hub, err := app.New(writeConfig(t, `
node:
  name: hub
  status_interval: 0s
logging:
  level: error
server:
  enabled: true
  addr: 127.0.0.1:0
`))
	if err != nil {
		t.Fatalf("app.New error: %v", err)
	}
	if err := hub.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = hub.Stop(ctx, app.StopAppStop)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for hub.HTTPAddr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("hub never started listening")
		}
		time.Sleep(5 * time.Millisecond)
	}

	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)
	go func() {
		var out bytes.Buffer
		rootCmd.SetOut(&out)
		rootCmd.SetErr(&bytes.Buffer{})
		rootCmd.SetArgs([]string{"wait", "--peer", fmt.Sprintf("ws://%s/ws", hub.HTTPAddr()),
			"--channel", "hub", "--timeout", "10s", "--name", "waiter", "--any=false", "plc.temp"})
		err := rootCmd.Execute()
		done <- result{out.String(), err}
	}()

	for len(hub.Broker().Subscribers("hub")) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("waiter never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := hub.Monitor().Update(context.Background(), "plc.temp", value.Float(21.5)); err != nil {
		t.Fatalf("Update error: %v", err)
	}

	r := <-done
	if r.err != nil {
		t.Fatalf("wait error: %v", r.err)
	}
	var got map[string]value.Value
	if err := json.Unmarshal([]byte(r.out), &got); err != nil {
		t.Fatalf("output %q: %v", r.out, err)
	}
	if !got["plc.temp"].Equal(value.Float(21.5)) {
		t.Fatalf("plc.temp = %v", got["plc.temp"])
	}
}
