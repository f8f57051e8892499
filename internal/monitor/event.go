package monitor

import "sync"

// Event is a one-shot flag that can be waited on. Set is idempotent.
type Event struct {
	once sync.Once
	ch   chan struct{}
}

func NewEvent() *Event {
	return &Event{ch: make(chan struct{})}
}

func (e *Event) Set() {
	e.once.Do(func() { close(e.ch) })
}

func (e *Event) IsSet() bool {
	select {
	case <-e.ch:
		return true
	default:
		return false
	}
}

// Done is closed once Set has been called.
func (e *Event) Done() <-chan struct{} { return e.ch }
