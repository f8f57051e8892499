package monitor

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestBatcherFlushesPreviousBufferWhenFull(t *testing.T) {
	t.Parallel()
	now := time.Unix(1000, 0)
	b := NewBatcher(10, time.Hour, now)

	if _, ok := b.Add("abcd", now); ok { // 5 bytes
		t.Fatal("unexpected flush")
	}
	if _, ok := b.Add("efgh", now); ok { // 10 bytes, exactly at limit
		t.Fatal("unexpected flush at limit")
	}
	out, ok := b.Add("ij", now)
	if !ok || out != "abcd\nefgh\n" {
		t.Fatalf("Add overflow = %q, %v", out, ok)
	}
	if b.Pending() != 3 {
		t.Fatalf("Pending = %d, want 3", b.Pending())
	}
}

func TestBatcherDueOnInterval(t *testing.T) {
	t.Parallel()
	now := time.Unix(1000, 0)
	b := NewBatcher(1000, 250*time.Millisecond, now)
	if b.Due(now.Add(time.Second)) {
		t.Fatal("empty batcher must never be due")
	}
	b.Add("x", now)
	if b.Due(now.Add(100 * time.Millisecond)) {
		t.Fatal("due before interval")
	}
	if !b.Due(now.Add(250 * time.Millisecond)) {
		t.Fatal("not due after interval")
	}
	out, ok := b.Flush(now.Add(250 * time.Millisecond))
	if !ok || out != "x\n" {
		t.Fatalf("Flush = %q, %v", out, ok)
	}
	if _, ok := b.Flush(now); ok {
		t.Fatal("second flush should be empty")
	}
}

func TestCleanStripsNonPrintable(t *testing.T) {
	t.Parallel()
	if got := clean("a\x00b\nc\td\x1b[0m"); got != "abc\td[0m" {
		t.Fatalf("clean = %q", got)
	}
}

type lockedBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.Write(p)
}

func (l *lockedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.String()
}

func TestHandlerPublishesIntoTree(t *testing.T) {
	t.Parallel()
	mm := NewMinimon("node1", nil)
	h := NewHandler(HandlerConfig{Path: "node1.log", Interval: 10 * time.Millisecond})
	if err := mm.AttachLogSink(nil, h, "", nil); err != nil {
		t.Fatalf("AttachLogSink error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.Run(ctx)
		close(done)
	}()

	_, _ = h.Write([]byte(`{"level":"info","message":"hello","k":1}` + "\n"))
	v, err := mm.Get(context.Background(), "node1.log.msgstr", Timeout(2*time.Second))
	if err != nil {
		t.Fatalf("Get msgstr error: %v", err)
	}
	s, _ := v.AsString()
	if !strings.Contains(s, "INFO hello k=1") || !strings.HasSuffix(s, "\n") {
		t.Fatalf("msgstr = %q", s)
	}
	if _, err := mm.Get(context.Background(), "node1.log.msgtime", NoWait()); err != nil {
		t.Fatalf("msgtime missing: %v", err)
	}
	cancel()
	<-done
}

func TestHandlerFlushesOnShutdown(t *testing.T) {
	t.Parallel()
	mm := NewMinimon("node1", nil)
	h := NewHandler(HandlerConfig{Path: "log", Interval: time.Hour})
	h.SetMonitor(mm.Monitor)

	h.Emit("last words")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := h.Run(ctx); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	v, err := mm.Get(context.Background(), "log.msgstr", NoWait())
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if s, _ := v.AsString(); s != "last words\n" {
		t.Fatalf("msgstr = %q", s)
	}
}

func TestHandlerWithoutMonitorWritesStderr(t *testing.T) {
	t.Parallel()
	errOut := &lockedBuffer{}
	h := NewHandler(HandlerConfig{Stderr: errOut, Interval: time.Hour})

	_, _ = h.Write([]byte("not json\n"))
	if errOut.String() != "not json\n" {
		t.Fatalf("stderr = %q", errOut.String())
	}

	h.Emit("queued")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = h.Run(ctx)
	if !strings.HasSuffix(errOut.String(), "queued\n") {
		t.Fatalf("stderr = %q", errOut.String())
	}
}

func TestHandlerEmitDropsWhenFull(t *testing.T) {
	t.Parallel()
	h := NewHandler(HandlerConfig{QueueSize: 1})
	if !h.Emit("one") {
		t.Fatal("first Emit dropped")
	}
	if h.Emit("two") {
		t.Fatal("second Emit should drop")
	}
	if h.Dropped() != 1 {
		t.Fatalf("Dropped = %d", h.Dropped())
	}
}
