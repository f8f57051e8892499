// Package monitor keeps a node's status tree in sync with its peers.
//
// Local mutations are applied first and then handed to a Transport for
// fanout. Remote mutations arrive through RemoteUpdate, are checked for
// echoes and lateness, applied, and forwarded on. Minimon adds blocking
// reads on top, and Handler ships log text through the same path.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync/atomic"
	"time"

	"statusmon/internal/pathstore"
	"statusmon/internal/storage"
	"statusmon/internal/value"
	logx "statusmon/pkg/logx"
)

const DefaultLateThreshold = 10 * time.Second

// Transport carries mutation records between nodes.
type Transport interface {
	// Notify publishes a locally originated payload on channels.
	Notify(ctx context.Context, payload value.Value, channels []string) error
	// Forward passes on a payload received from names.
	Forward(ctx context.Context, payload value.Value, names, channels []string) error
	Subscribe(subscriber string, channels []string) error
}

// LogSinkHost accepts the writer that receives log events (logx.Service).
type LogSinkHost interface {
	SetMonitorSink(w io.Writer)
}

// Runner starts named background loops (supervisor.Supervisor).
type Runner interface {
	Go(name string, fn func(ctx context.Context) error)
}

type Monitor struct {
	name     string
	tr       Transport
	store    *pathstore.Store
	log      logx.Logger
	channels []string
	now      func() time.Time

	late atomic.Int64 // time.Duration

	// applied runs under the store lock after every successful mutation.
	applied func(path string, v value.Value)
}

type Option func(*Monitor)

func WithLogger(log logx.Logger) Option {
	return func(m *Monitor) { m.log = log }
}

// WithBackend attaches a persistence backend to the monitor's store.
func WithBackend(b storage.Backend) Option {
	return func(m *Monitor) { m.store.SetBackend(b) }
}

// WithStore replaces the monitor's store. Options after it apply to the new store.
func WithStore(s *pathstore.Store) Option {
	return func(m *Monitor) {
		if s != nil {
			m.store = s
		}
	}
}

func WithLateThreshold(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.late.Store(int64(d))
		}
	}
}

// WithChannels sets the channels used when a mutation names none.
func WithChannels(channels ...string) Option {
	return func(m *Monitor) {
		if len(channels) > 0 {
			m.channels = append([]string(nil), channels...)
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// New creates a monitor named name. tr may be nil for a local-only node.
func New(name string, tr Transport, opts ...Option) *Monitor {
	m := &Monitor{
		name:     name,
		tr:       tr,
		store:    pathstore.NewStore(nil),
		channels: []string{name},
		now:      time.Now,
	}
	m.late.Store(int64(DefaultLateThreshold))
	for _, o := range opts {
		o(m)
	}
	if m.log.IsZero() {
		m.log = logx.Nop()
	}
	m.log = m.log.With(logx.Component("monitor"), logx.String("node", name))
	return m
}

func (m *Monitor) Name() string { return m.name }

// Channels returns the default channels.
func (m *Monitor) Channels() []string { return append([]string(nil), m.channels...) }

func (m *Monitor) Store() *pathstore.Store { return m.store }

func (m *Monitor) LateThreshold() time.Duration { return time.Duration(m.late.Load()) }

// SetLateThreshold changes the late delivery threshold; d <= 0 restores the default.
func (m *Monitor) SetLateThreshold(d time.Duration) {
	if d <= 0 {
		d = DefaultLateThreshold
	}
	m.late.Store(int64(d))
}

// Update writes v at path locally, then notifies channels (the default
// channels when none are given). A transport failure is returned wrapped in
// ErrBroadcast; the local write stays.
func (m *Monitor) Update(ctx context.Context, path string, v value.Value, channels ...string) error {
	now := m.now()
	m.store.Lock()
	err := m.setLocked(path, v)
	m.store.Unlock()
	if err != nil {
		return err
	}
	mutationsTotal.WithLabelValues("local", kindUpdate).Inc()
	return m.notify(ctx, updateRecord(path, v, now), channels)
}

// Delete removes path locally, then notifies channels. A missing path is
// reported as ErrNotFound and nothing is broadcast.
func (m *Monitor) Delete(ctx context.Context, path string, channels ...string) error {
	now := m.now()
	m.store.Lock()
	err := m.store.Tree().Delete(path)
	m.store.Unlock()
	if err != nil {
		return err
	}
	mutationsTotal.WithLabelValues("local", kindDelete).Inc()
	return m.notify(ctx, deleteRecord(path, now), channels)
}

// SetValues merges values into the branch at path.
func (m *Monitor) SetValues(ctx context.Context, channels []string, path string, values map[string]any) error {
	v, err := value.FromAny(values)
	if err != nil {
		return err
	}
	return m.Update(ctx, path, v, channels...)
}

func (m *Monitor) setLocked(path string, v value.Value) error {
	if err := m.store.Tree().Set(path, v); err != nil {
		return err
	}
	if m.applied != nil {
		m.applied(path, v)
	}
	return nil
}

func (m *Monitor) notify(ctx context.Context, payload value.Value, channels []string) error {
	if m.tr == nil {
		return nil
	}
	if len(channels) == 0 {
		channels = m.channels
	}
	if err := m.tr.Notify(ctx, payload, channels); err != nil {
		broadcastErrorsTotal.Inc()
		m.log.Warn("notify failed", logx.Channels(channels), logx.Err(err), logx.Local())
		return fmt.Errorf("%w: %w", ErrBroadcast, err)
	}
	return nil
}

// RemoteUpdate applies a payload received from a peer. names lists the
// nodes the payload already passed through, originator first.
func (m *Monitor) RemoteUpdate(ctx context.Context, payload value.Value, names, channels []string) error {
	rec, err := decodeRecord(payload)
	if err != nil {
		rejectedTotal.WithLabelValues("malformed").Inc()
		m.log.Warn("dropping malformed payload", logx.Any("from", names), logx.Err(err), logx.Local())
		return err
	}
	if slices.Contains(names, m.name) {
		echoSuppressedTotal.Inc()
		return nil
	}

	if !rec.sentAt.IsZero() {
		m.checkLag(rec, names)
	}

	switch rec.kind {
	case kindUpdate:
		m.store.Lock()
		err = m.setLocked(rec.path, rec.value)
		m.store.Unlock()
		if err != nil {
			rejectedTotal.WithLabelValues("apply").Inc()
			return fmt.Errorf("remote update %s: %w", rec.path, err)
		}
	case kindDelete:
		m.store.Lock()
		err = m.store.Tree().Delete(rec.path)
		m.store.Unlock()
		if err != nil && !errors.Is(err, pathstore.ErrNotFound) {
			rejectedTotal.WithLabelValues("apply").Inc()
			return fmt.Errorf("remote delete %s: %w", rec.path, err)
		}
	default:
		rejectedTotal.WithLabelValues("kind").Inc()
		return fmt.Errorf("%w: %q", ErrUnrecognizedMessageKind, rec.kind)
	}
	mutationsTotal.WithLabelValues("remote", rec.kind).Inc()

	if m.tr == nil {
		return nil
	}
	if err := m.tr.Forward(ctx, payload, names, channels); err != nil {
		broadcastErrorsTotal.Inc()
		m.log.Warn("forward failed", logx.Channels(channels), logx.Err(err), logx.Local())
		return fmt.Errorf("%w: %w", ErrBroadcast, err)
	}
	return nil
}

// checkLag warns about every delivery older than the late threshold. Late
// payloads are still applied.
func (m *Monitor) checkLag(rec record, names []string) {
	lag := m.now().Sub(rec.sentAt)
	if lag > 0 {
		deliveryLag.Observe(lag.Seconds())
	}
	threshold := m.LateThreshold()
	if lag <= threshold {
		return
	}
	lateDeliveriesTotal.Inc()
	m.log.Warn("late delivery",
		logx.Path(rec.path),
		logx.Duration("lag", lag),
		logx.Duration("threshold", threshold),
		logx.Any("from", names),
	)
}

func (m *Monitor) Get(path string) (value.Value, error) { return m.store.Get(path) }

func (m *Monitor) Subtree(path string) (value.Value, error) { return m.store.Subtree(path) }

func (m *Monitor) Flat(path string) (map[string]value.Value, error) { return m.store.Flat(path) }

func (m *Monitor) Items(path string) (map[string]value.Value, error) { return m.store.Items(path) }

func (m *Monitor) Keys(path string) ([]string, error) { return m.store.Keys(path) }

func (m *Monitor) LeafPaths(path string) ([]string, error) { return m.store.LeafPaths(path) }

func (m *Monitor) Has(path string) bool { return m.store.Has(path) }

func (m *Monitor) IsLeaf(path string) (bool, error) { return m.store.IsLeaf(path) }

// GetNoWait returns the value at prefix.key, if present.
func (m *Monitor) GetNoWait(prefix, key string) (value.Value, bool) {
	v, err := m.store.Get(pathstore.Join(prefix, key))
	if err != nil {
		return value.Value{}, false
	}
	return v, true
}

func (m *Monitor) Save(ctx context.Context) error { return m.store.Save(ctx) }

// Restore replaces the tree with the last saved snapshot. Waiters for any
// restored path are released.
func (m *Monitor) Restore(ctx context.Context) error {
	if err := m.store.Restore(ctx); err != nil {
		return err
	}
	m.store.Lock()
	if m.applied != nil {
		m.applied("", m.store.Tree().Snapshot())
	}
	m.store.Unlock()
	return nil
}

// AttachLogSink routes log events from host into h, subscribes sinkName to
// h's channels and starts h's flush loop on run.
func (m *Monitor) AttachLogSink(host LogSinkHost, h *Handler, sinkName string, run Runner) error {
	h.SetMonitor(m)
	if m.tr != nil && sinkName != "" {
		if err := m.tr.Subscribe(sinkName, h.Channels()); err != nil {
			return fmt.Errorf("subscribe %s: %w", sinkName, err)
		}
	}
	if host != nil {
		host.SetMonitorSink(h)
	}
	if run != nil {
		run.Go("monitor.logsink", h.Run)
	}
	return nil
}
