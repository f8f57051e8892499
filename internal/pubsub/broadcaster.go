// Package pubsub fans mutation payloads out to subscribers by channel.
//
// Channels are plain names. An aggregate is a channel that stands for a set
// of other channels: a subscriber of the aggregate receives everything
// published on any constituent. Every delivery carries the list of nodes
// the payload has passed through; those nodes are never delivered to.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"statusmon/internal/eventbus"
	"statusmon/internal/value"
	logx "statusmon/pkg/logx"
)

var (
	ErrStopped       = errors.New("pubsub: broadcaster stopped")
	ErrQueueFull     = errors.New("pubsub: delivery queue full")
	ErrNoLocal       = errors.New("pubsub: no local receiver")
	ErrUnknownTarget = errors.New("pubsub: subscriber cannot be resolved")
	ErrBadAggregate  = errors.New("pubsub: invalid aggregate")
)

// Receiver accepts payloads delivered to a subscriber.
type Receiver interface {
	RemoteUpdate(ctx context.Context, payload value.Value, names, channels []string) error
}

type ReceiverFunc func(ctx context.Context, payload value.Value, names, channels []string) error

func (f ReceiverFunc) RemoteUpdate(ctx context.Context, payload value.Value, names, channels []string) error {
	return f(ctx, payload, names, channels)
}

// Directory resolves subscriber names to receivers at delivery time.
type Directory interface {
	Lookup(name string) (Receiver, bool)
}

type Options struct {
	Name      string
	Directory Directory
	Workers   int
	QueueSize int
	// FailureLimit is how long a subscriber may fail continuously before it
	// is dropped. Sticky subscribers are never dropped.
	FailureLimit    time.Duration
	DeliveryTimeout time.Duration
	Logger          logx.Logger
	Bus             eventbus.Bus
}

type SubscribeOptions struct {
	Sticky bool
}

type subscriber struct {
	name         string
	channels     map[string]struct{}
	recv         Receiver
	sticky       bool
	failingSince time.Time
}

type delivery struct {
	sub      string
	payload  value.Value
	names    []string
	channels []string
}

type Broadcaster struct {
	name string
	dir  Directory
	log  logx.Logger
	bus  eventbus.Bus

	failureLimit    time.Duration
	deliveryTimeout time.Duration

	mu         sync.RWMutex
	channels   map[string]struct{}
	aggregates map[string]map[string]struct{}
	subs       map[string]*subscriber
	local      Receiver

	queues  []chan delivery
	runMu   sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(opts Options) *Broadcaster {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.FailureLimit <= 0 {
		opts.FailureLimit = 60 * time.Second
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = 10 * time.Second
	}
	if opts.Logger.IsZero() {
		opts.Logger = logx.Nop()
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.Nop()
	}
	b := &Broadcaster{
		name:            opts.Name,
		dir:             opts.Directory,
		log:             opts.Logger.With(logx.Component("pubsub"), logx.String("node", opts.Name)),
		bus:             opts.Bus,
		failureLimit:    opts.FailureLimit,
		deliveryTimeout: opts.DeliveryTimeout,
		channels:        map[string]struct{}{},
		aggregates:      map[string]map[string]struct{}{},
		subs:            map[string]*subscriber{},
		queues:          make([]chan delivery, opts.Workers),
	}
	per := opts.QueueSize / opts.Workers
	if per < 1 {
		per = 1
	}
	for i := range b.queues {
		b.queues[i] = make(chan delivery, per)
	}
	return b
}

func (b *Broadcaster) Name() string { return b.name }

// SetLocal sets the receiver that RemoteUpdate hands inbound payloads to.
func (b *Broadcaster) SetLocal(r Receiver) {
	b.mu.Lock()
	b.local = r
	b.mu.Unlock()
}

// ---- channels & aggregates ----

func (b *Broadcaster) AddChannels(names ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, n := range names {
		if n != "" {
			b.channels[n] = struct{}{}
		}
	}
}

// Channels lists every known channel, aggregates included, sorted.
func (b *Broadcaster) Channels() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return sortedSet(b.channels)
}

// Aggregate makes name stand for constituents (in addition to any it
// already had). Cycles are rejected.
func (b *Broadcaster) Aggregate(name string, constituents ...string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrBadAggregate)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range constituents {
		if c == name || b.reachesLocked(c, name) {
			return fmt.Errorf("%w: %s -> %s would form a cycle", ErrBadAggregate, name, c)
		}
	}
	set := b.aggregates[name]
	if set == nil {
		set = map[string]struct{}{}
		b.aggregates[name] = set
	}
	b.channels[name] = struct{}{}
	for _, c := range constituents {
		set[c] = struct{}{}
		b.channels[c] = struct{}{}
	}
	return nil
}

// Deaggregate removes constituents from name. With no constituents the
// aggregate is dissolved entirely.
func (b *Broadcaster) Deaggregate(name string, constituents ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.aggregates[name]
	if !ok {
		return
	}
	if len(constituents) == 0 {
		delete(b.aggregates, name)
		return
	}
	for _, c := range constituents {
		delete(set, c)
	}
	if len(set) == 0 {
		delete(b.aggregates, name)
	}
}

// Constituents returns the direct constituents of an aggregate, sorted.
func (b *Broadcaster) Constituents(name string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return sortedSet(b.aggregates[name])
}

// reachesLocked reports whether aggregate from contains to, directly or
// through nested aggregates.
func (b *Broadcaster) reachesLocked(from, to string) bool {
	seen := map[string]bool{}
	var walk func(n string) bool
	walk = func(n string) bool {
		if seen[n] {
			return false
		}
		seen[n] = true
		for c := range b.aggregates[n] {
			if c == to || walk(c) {
				return true
			}
		}
		return false
	}
	return walk(from)
}

// expandLocked returns channels plus every aggregate that contains any of
// them, transitively.
func (b *Broadcaster) expandLocked(channels []string) map[string]struct{} {
	out := make(map[string]struct{}, len(channels))
	for _, c := range channels {
		out[c] = struct{}{}
	}
	for changed := true; changed; {
		changed = false
		for agg, set := range b.aggregates {
			if _, ok := out[agg]; ok {
				continue
			}
			for c := range set {
				if _, ok := out[c]; ok {
					out[agg] = struct{}{}
					changed = true
					break
				}
			}
		}
	}
	return out
}

// ---- subscribers ----

// Subscribe adds channels to the subscriber name, whose receiver is found
// through the Directory when payloads are delivered.
func (b *Broadcaster) Subscribe(name string, channels []string) error {
	return b.subscribe(name, nil, channels, SubscribeOptions{})
}

// SubscribeWith is Subscribe with options.
func (b *Broadcaster) SubscribeWith(name string, channels []string, opts SubscribeOptions) error {
	return b.subscribe(name, nil, channels, opts)
}

// SubscribeReceiver subscribes name with a fixed receiver.
func (b *Broadcaster) SubscribeReceiver(name string, r Receiver, channels []string, opts SubscribeOptions) error {
	if r == nil {
		return fmt.Errorf("pubsub: nil receiver for %s", name)
	}
	return b.subscribe(name, r, channels, opts)
}

// SubscribeFunc subscribes fn under a generated name, which is returned for
// Unsubscribe / RemoveSubscriber.
func (b *Broadcaster) SubscribeFunc(fn ReceiverFunc, channels ...string) (string, error) {
	name := "fn-" + uuid.NewString()
	if err := b.subscribe(name, fn, channels, SubscribeOptions{Sticky: true}); err != nil {
		return "", err
	}
	return name, nil
}

func (b *Broadcaster) subscribe(name string, r Receiver, channels []string, opts SubscribeOptions) error {
	if name == "" {
		return errors.New("pubsub: empty subscriber name")
	}
	if len(channels) == 0 {
		return fmt.Errorf("pubsub: %s: no channels", name)
	}
	b.mu.Lock()
	s, existed := b.subs[name]
	if !existed {
		s = &subscriber{name: name, channels: map[string]struct{}{}}
		b.subs[name] = s
	}
	if r != nil {
		s.recv = r
	}
	s.sticky = s.sticky || opts.Sticky
	for _, c := range channels {
		if c == "" {
			continue
		}
		s.channels[c] = struct{}{}
		b.channels[c] = struct{}{}
	}
	b.mu.Unlock()

	if !existed {
		b.log.Debug("subscriber added", logx.String("subscriber", name), logx.Channels(channels))
		b.bus.Publish(eventbus.Event{Type: eventbus.SubscriberAdded, Name: name})
	}
	return nil
}

// Unsubscribe removes channels from name. A subscriber left without
// channels is removed.
func (b *Broadcaster) Unsubscribe(name string, channels []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.subs[name]
	if !ok {
		return
	}
	for _, c := range channels {
		delete(s.channels, c)
	}
	if len(s.channels) == 0 {
		delete(b.subs, name)
	}
}

func (b *Broadcaster) RemoveSubscriber(name string) bool {
	b.mu.Lock()
	_, ok := b.subs[name]
	delete(b.subs, name)
	b.mu.Unlock()
	return ok
}

// RemoveSubscriberIf removes name only while r is still its receiver, so a
// connection closing late cannot drop the subscription of its replacement.
// r must be comparable.
func (b *Broadcaster) RemoveSubscriberIf(name string, r Receiver) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.subs[name]
	if !ok || s.recv != r {
		return false
	}
	delete(b.subs, name)
	return true
}

// Subscribers lists the subscribers of channel (directly, not through
// aggregates), sorted. An empty channel lists everyone.
func (b *Broadcaster) Subscribers(channel string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []string
	for name, s := range b.subs {
		if channel == "" {
			out = append(out, name)
			continue
		}
		if _, ok := s.channels[channel]; ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// targetsLocked computes who receives a payload on channels, excluding
// this node and every name in skip.
func (b *Broadcaster) targetsLocked(channels []string, skip []string) []string {
	expanded := b.expandLocked(channels)
	excluded := make(map[string]struct{}, len(skip)+1)
	excluded[b.name] = struct{}{}
	for _, n := range skip {
		excluded[n] = struct{}{}
	}
	var out []string
	for name, s := range b.subs {
		if _, ok := excluded[name]; ok {
			continue
		}
		for c := range s.channels {
			if _, ok := expanded[c]; ok {
				out = append(out, name)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// ---- publishing ----

// Notify publishes a payload originated by this node.
func (b *Broadcaster) Notify(ctx context.Context, payload value.Value, channels []string) error {
	return b.Forward(ctx, payload, nil, channels)
}

// Forward queues payload for every subscriber of channels that is not in
// names. This node's name is appended to names before delivery. Delivery
// is asynchronous; the error only reports queueing problems.
func (b *Broadcaster) Forward(ctx context.Context, payload value.Value, names, channels []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.runMu.Lock()
	stopped := b.stopped
	b.runMu.Unlock()
	if stopped {
		return ErrStopped
	}

	hops := append([]string(nil), names...)
	if len(hops) == 0 || hops[len(hops)-1] != b.name {
		hops = append(hops, b.name)
	}

	b.mu.RLock()
	targets := b.targetsLocked(channels, hops)
	b.mu.RUnlock()

	var dropped []string
	for _, t := range targets {
		d := delivery{sub: t, payload: payload, names: hops, channels: channels}
		select {
		case b.queues[shard(t, len(b.queues))] <- d:
		default:
			deliveriesTotal.WithLabelValues("queue_full").Inc()
			dropped = append(dropped, t)
		}
	}
	if len(dropped) > 0 {
		return fmt.Errorf("%w: %v", ErrQueueFull, dropped)
	}
	return nil
}

// RemoteUpdate hands an inbound payload to the local receiver.
func (b *Broadcaster) RemoteUpdate(ctx context.Context, payload value.Value, names, channels []string) error {
	b.mu.RLock()
	local := b.local
	b.mu.RUnlock()
	if local == nil {
		return ErrNoLocal
	}
	return local.RemoteUpdate(ctx, payload, names, channels)
}

// ---- delivery workers ----

// Start launches the delivery workers. They run until ctx is done or Stop
// is called.
func (b *Broadcaster) Start(ctx context.Context) error {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if b.stopped {
		return ErrStopped
	}
	if b.started {
		return nil
	}
	b.started = true
	ctx, b.cancel = context.WithCancel(ctx)
	for _, q := range b.queues {
		b.wg.Add(1)
		go func(q chan delivery) {
			defer b.wg.Done()
			b.worker(ctx, q)
		}(q)
	}
	b.log.Debug("delivery workers started", logx.Int("workers", len(b.queues)))
	return nil
}

// Stop halts the workers. Queued deliveries are discarded.
func (b *Broadcaster) Stop() {
	b.runMu.Lock()
	b.stopped = true
	cancel := b.cancel
	b.runMu.Unlock()
	if cancel != nil {
		cancel()
	}
	b.wg.Wait()
}

func (b *Broadcaster) worker(ctx context.Context, q chan delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-q:
			b.deliver(ctx, d)
		}
	}
}

func (b *Broadcaster) deliver(ctx context.Context, d delivery) {
	b.mu.RLock()
	s, ok := b.subs[d.sub]
	var recv Receiver
	if ok {
		recv = s.recv
	}
	b.mu.RUnlock()
	if !ok {
		return
	}

	var err error
	if recv == nil && b.dir != nil {
		recv, _ = b.dir.Lookup(d.sub)
	}
	if recv == nil {
		err = fmt.Errorf("%w: %s", ErrUnknownTarget, d.sub)
	} else {
		dctx, cancel := context.WithTimeout(ctx, b.deliveryTimeout)
		err = recv.RemoteUpdate(dctx, d.payload, d.names, d.channels)
		cancel()
	}
	b.noteResult(d.sub, err)
}

// noteResult tracks continuous failure and drops a subscriber that keeps
// failing past the limit.
func (b *Broadcaster) noteResult(name string, err error) {
	now := time.Now()
	b.mu.Lock()
	s, ok := b.subs[name]
	if !ok {
		b.mu.Unlock()
		return
	}
	if err == nil {
		s.failingSince = time.Time{}
		b.mu.Unlock()
		deliveriesTotal.WithLabelValues("ok").Inc()
		return
	}
	deliveriesTotal.WithLabelValues("error").Inc()
	if s.failingSince.IsZero() {
		s.failingSince = now
	}
	drop := !s.sticky && now.Sub(s.failingSince) > b.failureLimit
	if drop {
		delete(b.subs, name)
	}
	b.mu.Unlock()

	if drop {
		droppedSubscribersTotal.Inc()
		b.log.Warn("dropping failing subscriber", logx.String("subscriber", name), logx.Err(err), logx.Local())
		b.bus.Publish(eventbus.Event{Type: eventbus.SubscriberDropped, Name: name, Err: err})
		return
	}
	b.log.Debug("delivery failed", logx.String("subscriber", name), logx.Err(err), logx.Local())
}

func shard(name string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return int(h.Sum32() % uint32(n))
}

func sortedSet(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
