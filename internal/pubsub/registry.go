package pubsub

import (
	"sort"
	"sync"
)

// Registry is an in-process Directory. Nodes running in the same process
// register their broadcasters (or any Receiver) under their names.
type Registry struct {
	mu    sync.RWMutex
	seq   uint64
	nodes map[string]binding
}

type binding struct {
	recv Receiver
	gen  uint64
}

func NewRegistry() *Registry {
	return &Registry{nodes: map[string]binding{}}
}

// Register binds name to recv, replacing any previous binding. The returned
// func removes the binding only if it has not been replaced since, so a
// stale link closing late does not evict its successor.
func (r *Registry) Register(name string, recv Receiver) (unregister func()) {
	r.mu.Lock()
	r.seq++
	gen := r.seq
	r.nodes[name] = binding{recv: recv, gen: gen}
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if cur, ok := r.nodes[name]; ok && cur.gen == gen {
			delete(r.nodes, name)
		}
	}
}

func (r *Registry) Lookup(name string) (Receiver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.nodes[name]
	return b.recv, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.nodes))
	for n := range r.nodes {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
