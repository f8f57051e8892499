package monitor

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	logx "statusmon/pkg/logx"
)

type HandlerConfig struct {
	// Path is where batches are written: {msgstr, msgtime} under Path.
	Path string
	// Channels to publish on; empty means the monitor's defaults.
	Channels    []string
	BufferLimit int
	Interval    time.Duration
	QueueSize   int
	// Stderr receives lines that cannot go through the monitor.
	Stderr io.Writer
}

// Handler is a log sink that batches lines and publishes them into the
// status tree through a Monitor.
type Handler struct {
	cfg   HandlerConfig
	queue chan string

	mu  sync.Mutex
	mon *Monitor

	dropped atomic.Uint64
	now     func() time.Time
}

func NewHandler(cfg HandlerConfig) *Handler {
	if strings.TrimSpace(cfg.Path) == "" {
		cfg.Path = "log"
	}
	if cfg.BufferLimit <= 0 {
		cfg.BufferLimit = DefaultBufferLimit
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultFlushInterval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	return &Handler{
		cfg:   cfg,
		queue: make(chan string, cfg.QueueSize),
		now:   time.Now,
	}
}

func (h *Handler) SetMonitor(m *Monitor) {
	h.mu.Lock()
	h.mon = m
	h.mu.Unlock()
}

func (h *Handler) monitor() *Monitor {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mon
}

func (h *Handler) Path() string { return h.cfg.Path }

// Channels returns the channels batches are published on.
func (h *Handler) Channels() []string {
	if len(h.cfg.Channels) > 0 {
		return append([]string(nil), h.cfg.Channels...)
	}
	if m := h.monitor(); m != nil {
		return m.Channels()
	}
	return nil
}

func (h *Handler) Dropped() uint64 { return h.dropped.Load() }

// Emit queues line without blocking. It returns false if the queue was
// full and the line was dropped.
func (h *Handler) Emit(line string) bool {
	select {
	case h.queue <- line:
		return true
	default:
		h.dropped.Add(1)
		logDroppedTotal.Inc()
		return false
	}
}

// Write accepts one zerolog JSON event and queues it as a readable line.
// Input that cannot be formatted is copied to stderr instead.
func (h *Handler) Write(p []byte) (int, error) {
	line, err := logx.FormatLine(p)
	if err != nil {
		_, _ = h.cfg.Stderr.Write(p)
		return len(p), nil
	}
	h.Emit(line)
	return len(p), nil
}

// Run drains the queue until ctx is done, publishing a batch whenever the
// buffer fills up or the interval passes. Pending lines are flushed once
// more on the way out.
func (h *Handler) Run(ctx context.Context) error {
	b := NewBatcher(h.cfg.BufferLimit, h.cfg.Interval, h.now())
	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.drain(ctx, b)
			return nil
		case line := <-h.queue:
			now := h.now()
			if text, ok := b.Add(clean(line), now); ok {
				h.publish(ctx, text)
			}
			if b.Due(now) {
				if text, ok := b.Flush(now); ok {
					h.publish(ctx, text)
				}
			}
		case <-ticker.C:
			now := h.now()
			if b.Due(now) {
				if text, ok := b.Flush(now); ok {
					h.publish(ctx, text)
				}
			}
		}
	}
}

// drain publishes whatever is still queued or buffered at shutdown.
func (h *Handler) drain(ctx context.Context, b *Batcher) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	for {
		select {
		case line := <-h.queue:
			if text, ok := b.Add(clean(line), h.now()); ok {
				h.publish(fctx, text)
			}
		default:
			if text, ok := b.Flush(h.now()); ok {
				h.publish(fctx, text)
			}
			return
		}
	}
}

func (h *Handler) publish(ctx context.Context, text string) {
	m := h.monitor()
	if m == nil {
		_, _ = io.WriteString(h.cfg.Stderr, text)
		return
	}
	err := m.SetValues(ctx, h.cfg.Channels, h.cfg.Path, map[string]any{
		"msgstr":  text,
		"msgtime": unixSeconds(h.now()),
	})
	if err != nil {
		fmt.Fprintf(h.cfg.Stderr, "monitor log sink: publish %s: %v\n", h.cfg.Path, err)
		return
	}
	logFlushesTotal.Inc()
}

// clean drops non-printable characters (newlines included) from line.
func clean(line string) string {
	return strings.Map(func(r rune) rune {
		if r == '\t' || unicode.IsPrint(r) {
			return r
		}
		return -1
	}, line)
}
