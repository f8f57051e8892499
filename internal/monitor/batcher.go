package monitor

import (
	"strings"
	"time"
)

const (
	DefaultBufferLimit   = 50000
	DefaultFlushInterval = 250 * time.Millisecond
)

// Batcher accumulates log lines and decides when a batch is due.
// It is not safe for concurrent use.
type Batcher struct {
	limit     int
	interval  time.Duration
	lines     []string
	size      int
	lastFlush time.Time
}

func NewBatcher(limit int, interval time.Duration, now time.Time) *Batcher {
	if limit <= 0 {
		limit = DefaultBufferLimit
	}
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	return &Batcher{limit: limit, interval: interval, lastFlush: now}
}

// Add appends line. If line would push the buffer past the limit, the
// buffer collected so far is returned for publishing first and line starts
// the next batch.
func (b *Batcher) Add(line string, now time.Time) (string, bool) {
	n := len(line) + 1
	var out string
	var ok bool
	if b.size > 0 && b.size+n > b.limit {
		out, ok = b.Flush(now)
	}
	b.lines = append(b.lines, line)
	b.size += n
	return out, ok
}

// Due reports whether the buffer should be flushed: it is full, or it is
// non-empty and the interval has passed since the last flush.
func (b *Batcher) Due(now time.Time) bool {
	if b.size == 0 {
		return false
	}
	return b.size >= b.limit || now.Sub(b.lastFlush) >= b.interval
}

// Flush empties the buffer. ok is false when there was nothing to flush.
func (b *Batcher) Flush(now time.Time) (string, bool) {
	b.lastFlush = now
	if len(b.lines) == 0 {
		return "", false
	}
	text := strings.Join(b.lines, "\n") + "\n"
	b.lines = b.lines[:0]
	b.size = 0
	return text, true
}

func (b *Batcher) Pending() int { return b.size }
