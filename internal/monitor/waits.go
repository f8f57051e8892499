package monitor

import (
	"strings"

	"statusmon/internal/pathstore"
	"statusmon/internal/value"
)

// waiter is one blocked read. It may be registered on several paths; the
// first release wins and later ones are no-ops.
type waiter struct {
	done    chan struct{}
	arrived bool
	closed  bool
}

func newWaiter() *waiter { return &waiter{done: make(chan struct{})} }

func (w *waiter) wake(arrived bool) bool {
	if w.closed {
		return false
	}
	w.arrived = arrived
	w.closed = true
	close(w.done)
	return true
}

// waitRegistry maps paths to waiters. All methods require the store lock.
type waitRegistry struct {
	paths map[string][]*waiter
}

func newWaitRegistry() *waitRegistry {
	return &waitRegistry{paths: map[string][]*waiter{}}
}

func (r *waitRegistry) register(paths []string, w *waiter) {
	for _, p := range paths {
		r.paths[p] = append(r.paths[p], w)
	}
}

// remove drops w from paths; used by waiters leaving on timeout or cancel.
func (r *waitRegistry) remove(paths []string, w *waiter) {
	for _, p := range paths {
		list := r.paths[p]
		out := list[:0]
		for _, x := range list {
			if x != w {
				out = append(out, x)
			}
		}
		if len(out) == 0 {
			delete(r.paths, p)
		} else {
			r.paths[p] = out
		}
	}
}

// release wakes every waiter on path and returns how many were woken by
// this call.
func (r *waitRegistry) release(path string, arrived bool) int {
	list, ok := r.paths[path]
	if !ok {
		return 0
	}
	delete(r.paths, path)
	n := 0
	for _, w := range list {
		if w.wake(arrived) {
			n++
		}
	}
	return n
}

// releaseValue wakes waiters that v written at path satisfies: path itself,
// every ancestor of path, and for maps every key below it.
func (r *waitRegistry) releaseValue(path string, v value.Value) int {
	if len(r.paths) == 0 {
		return 0
	}
	n := r.releaseBelow(path, v)
	for p := path; p != ""; {
		i := strings.LastIndex(p, pathstore.Sep)
		if i < 0 {
			p = ""
		} else {
			p = p[:i]
		}
		n += r.release(p, true)
	}
	return n
}

func (r *waitRegistry) releaseBelow(path string, v value.Value) int {
	n := 0
	v.Range(func(k string, e value.Value) bool {
		n += r.releaseBelow(pathstore.Join(path, k), e)
		return true
	})
	return n + r.release(path, true)
}

func (r *waitRegistry) releaseAll() int {
	n := 0
	for p := range r.paths {
		n += r.release(p, false)
	}
	return n
}

func (r *waitRegistry) count(path string) int {
	return len(r.paths[path])
}
