package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"statusmon/internal/pathstore"
	"statusmon/internal/value"
)

// Minimon is a Monitor whose reads can block until data arrives.
type Minimon struct {
	*Monitor
	waits *waitRegistry
}

func NewMinimon(name string, tr Transport, opts ...Option) *Minimon {
	mm := &Minimon{Monitor: New(name, tr, opts...), waits: newWaitRegistry()}
	mm.Monitor.applied = func(path string, v value.Value) {
		mm.waits.releaseValue(path, v)
	}
	return mm
}

type getOptions struct {
	noWait   bool
	timeout  time.Duration
	deadline time.Time
	events   []*Event
}

type GetOption func(*getOptions)

// NoWait makes a read return ErrNotFound instead of blocking.
func NoWait() GetOption { return func(o *getOptions) { o.noWait = true } }

// Timeout bounds a blocking read; d <= 0 waits without a time limit.
func Timeout(d time.Duration) GetOption { return func(o *getOptions) { o.timeout = d } }

// CancelOn aborts a blocking read with ErrCancelled once any event is set.
func CancelOn(events ...*Event) GetOption {
	return func(o *getOptions) { o.events = append(o.events, events...) }
}

func collect(opts []GetOption) getOptions {
	var o getOptions
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	if o.timeout > 0 {
		o.deadline = time.Now().Add(o.timeout)
	}
	return o
}

// Get returns the value at path, waiting for it if needed.
func (mm *Minimon) Get(ctx context.Context, path string, opts ...GetOption) (value.Value, error) {
	o := collect(opts)
	if o.noWait {
		return mm.Monitor.Get(path)
	}
	res, err := mm.getAny(ctx, []string{path}, o)
	if err != nil {
		return value.Value{}, err
	}
	return res[path], nil
}

// GetAny waits until at least one of paths has a value and returns a
// single-entry map for the first of them, in request order.
func (mm *Minimon) GetAny(ctx context.Context, paths []string, opts ...GetOption) (map[string]value.Value, error) {
	o := collect(opts)
	if o.noWait {
		mm.store.Lock()
		defer mm.store.Unlock()
		if res := mm.firstPresentLocked(paths); res != nil {
			return res, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrNotFound, paths)
	}
	return mm.getAny(ctx, paths, o)
}

// GetAll waits until every path has a value. The timeout covers the whole
// call. On error the values collected so far are returned with it.
func (mm *Minimon) GetAll(ctx context.Context, paths []string, opts ...GetOption) (map[string]value.Value, error) {
	o := collect(opts)
	out := make(map[string]value.Value, len(paths))
	remaining := append([]string(nil), paths...)
	for len(remaining) > 0 {
		var (
			res map[string]value.Value
			err error
		)
		if o.noWait {
			res, err = mm.GetAny(ctx, remaining, NoWait())
		} else {
			res, err = mm.getAny(ctx, remaining, o)
		}
		if err != nil {
			return out, err
		}
		next := remaining[:0]
		for _, p := range remaining {
			if v, ok := res[p]; ok {
				out[p] = v
				continue
			}
			next = append(next, p)
		}
		remaining = next
	}
	return out, nil
}

// ReleaseAll wakes every blocked read; they return ErrCancelled.
func (mm *Minimon) ReleaseAll() int {
	mm.store.Lock()
	defer mm.store.Unlock()
	return mm.waits.releaseAll()
}

// Waiting returns the number of reads blocked on path.
func (mm *Minimon) Waiting(path string) int {
	mm.store.Lock()
	defer mm.store.Unlock()
	return mm.waits.count(path)
}

func (mm *Minimon) firstPresentLocked(paths []string) map[string]value.Value {
	t := mm.store.Tree()
	for _, p := range paths {
		if v, err := t.Get(p); err == nil {
			return map[string]value.Value{p: v}
		}
	}
	return nil
}

func (mm *Minimon) getAny(ctx context.Context, paths []string, o getOptions) (map[string]value.Value, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: no paths", pathstore.ErrInvalidPath)
	}
	for _, p := range paths {
		if _, err := pathstore.Split(p); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	for _, ev := range o.events {
		if ev == nil {
			continue
		}
		go func(ev *Event) {
			select {
			case <-ev.Done():
				cancel(ErrCancelled)
			case <-ctx.Done():
			}
		}(ev)
	}

	var timeout <-chan time.Time
	if !o.deadline.IsZero() {
		t := time.NewTimer(time.Until(o.deadline))
		defer t.Stop()
		timeout = t.C
	}

	waitersGauge.Inc()
	defer waitersGauge.Dec()

	for {
		mm.store.Lock()
		if res := mm.firstPresentLocked(paths); res != nil {
			mm.store.Unlock()
			waitResultsTotal.WithLabelValues("ok").Inc()
			return res, nil
		}
		if err := waitError(ctx, o.deadline); err != nil {
			mm.store.Unlock()
			return nil, err
		}
		w := newWaiter()
		mm.waits.register(paths, w)
		mm.store.Unlock()

		select {
		case <-w.done:
			mm.store.Lock()
			mm.waits.remove(paths, w)
			arrived := w.arrived
			mm.store.Unlock()
			if !arrived {
				waitResultsTotal.WithLabelValues("cancelled").Inc()
				return nil, ErrCancelled
			}
			// Data arrived on one of our paths; loop to read it. If it was
			// deleted again in between we simply wait once more.
		case <-timeout:
			mm.leave(paths, w)
			waitResultsTotal.WithLabelValues("timeout").Inc()
			return nil, ErrTimeout
		case <-ctx.Done():
			mm.leave(paths, w)
			return nil, waitError(ctx, o.deadline)
		}
	}
}

func (mm *Minimon) leave(paths []string, w *waiter) {
	mm.store.Lock()
	mm.waits.remove(paths, w)
	w.closed = true
	mm.store.Unlock()
}

// waitError maps the state of ctx and deadline to ErrTimeout or
// ErrCancelled; nil means keep waiting.
func waitError(ctx context.Context, deadline time.Time) error {
	if !deadline.IsZero() && !time.Now().Before(deadline) {
		waitResultsTotal.WithLabelValues("timeout").Inc()
		return ErrTimeout
	}
	if ctx.Err() == nil {
		return nil
	}
	cause := context.Cause(ctx)
	if errors.Is(cause, context.DeadlineExceeded) {
		waitResultsTotal.WithLabelValues("timeout").Inc()
		return ErrTimeout
	}
	waitResultsTotal.WithLabelValues("cancelled").Inc()
	if errors.Is(cause, ErrCancelled) {
		return ErrCancelled
	}
	return fmt.Errorf("%w: %w", ErrCancelled, cause)
}
