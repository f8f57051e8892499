// Package eventbus carries node lifecycle notices (peer links, dropped
// subscribers, config reloads) from the components that notice them to the
// ones that report them.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types.
const (
	PeerUp            = "peer.up"
	PeerDown          = "peer.down"
	SubscriberAdded   = "subscriber.added"
	SubscriberDropped = "subscriber.dropped"
	ConfigReloaded    = "config.reloaded"
	CheckpointWritten = "checkpoint.written"
	CheckpointFailed  = "checkpoint.failed"
)

// Event is a small notice. Publish never blocks; slow subscribers lose
// events.
type Event struct {
	Type string
	Time time.Time
	// Name is the peer, subscriber or file the event is about.
	Name string
	Err  error
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Nop returns a bus that discards everything.
func Nop() Bus { return nopBus{} }

type nopBus struct{}

func (nopBus) Publish(Event) {}

func (nopBus) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	return ch, func() {}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// A concurrent unsubscribe may close ch under us.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
