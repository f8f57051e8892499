// Package wslink connects broadcasters in different processes over
// websockets.
//
// Both ends of a connection run the same Link. After the hello exchange
// either side may subscribe to channels on the other; the other side then
// delivers matching payloads as update frames, and the receiving side
// hands them to its broadcaster's RemoteUpdate.
package wslink

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"statusmon/internal/eventbus"
	"statusmon/internal/pubsub"
	"statusmon/internal/value"
	logx "statusmon/pkg/logx"
)

const (
	readBufferSize   = 1024
	writeBufferSize  = 1024
	defaultWriteWait = 10 * time.Second
	defaultPing      = 30 * time.Second
	defaultHandshake = 5 * time.Second
	maxFrameBytes    = 8 << 20
)

var (
	ErrClosed    = errors.New("wslink: link closed")
	ErrHandshake = errors.New("wslink: handshake failed")
)

// Node is the local side a link serves: normally a *pubsub.Broadcaster.
type Node interface {
	pubsub.Receiver
	Name() string
	SubscribeReceiver(name string, r pubsub.Receiver, channels []string, opts pubsub.SubscribeOptions) error
	Unsubscribe(name string, channels []string)
	RemoveSubscriberIf(name string, r pubsub.Receiver) bool
}

type Options struct {
	Logger       logx.Logger
	Bus          eventbus.Bus
	WriteTimeout time.Duration
	PingInterval time.Duration
	// HandshakeTimeout bounds the hello exchange.
	HandshakeTimeout time.Duration
	// Registry, when set, gets the link registered under the peer's name
	// for as long as the link is up.
	Registry *pubsub.Registry
	// Subscribe is sent to the peer right after the handshake.
	Subscribe []string
}

func (o *Options) defaults() {
	if o.Logger.IsZero() {
		o.Logger = logx.Nop()
	}
	if o.Bus == nil {
		o.Bus = eventbus.Nop()
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteWait
	}
	if o.PingInterval <= 0 {
		o.PingInterval = defaultPing
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshake
	}
}

// Link is one websocket connection to a peer. It is the pubsub.Receiver
// the local broadcaster delivers the peer's subscriptions to.
type Link struct {
	conn *websocket.Conn
	node Node
	peer string
	opts Options
	log  logx.Logger

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

func newLink(conn *websocket.Conn, node Node, opts Options) *Link {
	conn.SetReadLimit(maxFrameBytes)
	return &Link{
		conn:   conn,
		node:   node,
		opts:   opts,
		log:    opts.Logger.With(logx.Component("wslink"), logx.String("node", node.Name())),
		closed: make(chan struct{}),
	}
}

// Peer is the remote node's name, known after the handshake.
func (l *Link) Peer() string { return l.peer }

// Done is closed once the link is shut down.
func (l *Link) Done() <-chan struct{} { return l.closed }

func (l *Link) handshake() error {
	if err := l.write(Frame{Op: OpHello, Name: l.node.Name()}); err != nil {
		return fmt.Errorf("%w: send hello: %w", ErrHandshake, err)
	}
	_ = l.conn.SetReadDeadline(time.Now().Add(l.opts.HandshakeTimeout))
	var f Frame
	if err := l.conn.ReadJSON(&f); err != nil {
		return fmt.Errorf("%w: read hello: %w", ErrHandshake, err)
	}
	_ = l.conn.SetReadDeadline(time.Time{})
	name := strings.TrimSpace(f.Name)
	if f.Op != OpHello || name == "" {
		return fmt.Errorf("%w: expected hello, got %q", ErrHandshake, f.Op)
	}
	if name == l.node.Name() {
		return fmt.Errorf("%w: peer uses our own name %q", ErrHandshake, name)
	}
	l.peer = name
	l.log = l.log.With(logx.String("peer", name))
	return nil
}

// Subscribe asks the peer to deliver channels to this node.
func (l *Link) Subscribe(channels ...string) error {
	if len(channels) == 0 {
		return nil
	}
	return l.write(Frame{Op: OpSubscribe, Channels: channels})
}

func (l *Link) Unsubscribe(channels ...string) error {
	if len(channels) == 0 {
		return nil
	}
	return l.write(Frame{Op: OpUnsubscribe, Channels: channels})
}

// RemoteUpdate sends a delivery to the peer.
func (l *Link) RemoteUpdate(_ context.Context, payload value.Value, names, channels []string) error {
	return l.write(Frame{Op: OpUpdate, Names: names, Channels: channels, Payload: payload})
}

func (l *Link) write(f Frame) error {
	select {
	case <-l.closed:
		return ErrClosed
	default:
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if err := l.conn.SetWriteDeadline(time.Now().Add(l.opts.WriteTimeout)); err != nil {
		return err
	}
	return l.conn.WriteJSON(f)
}

// Close shuts the link down. Safe to call more than once.
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		deadline := time.Now().Add(time.Second)
		l.writeMu.Lock()
		_ = l.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		l.writeMu.Unlock()
		err = l.conn.Close()
		close(l.closed)
	})
	return err
}

// Run serves the link until ctx is done or the connection drops. When Run
// returns the peer is unsubscribed, unless a newer link took over its name.
func (l *Link) Run(ctx context.Context) error {
	var unregister func()
	if l.opts.Registry != nil {
		unregister = l.opts.Registry.Register(l.peer, l)
	}
	l.opts.Bus.Publish(eventbus.Event{Type: eventbus.PeerUp, Name: l.peer})
	l.log.Info("peer link up")

	defer func() {
		l.node.RemoveSubscriberIf(l.peer, l)
		if unregister != nil {
			unregister()
		}
		_ = l.Close()
		l.opts.Bus.Publish(eventbus.Event{Type: eventbus.PeerDown, Name: l.peer})
		l.log.Info("peer link down")
	}()

	if err := l.Subscribe(l.opts.Subscribe...); err != nil {
		return fmt.Errorf("subscribe %v: %w", l.opts.Subscribe, err)
	}

	stop := make(chan struct{})
	defer close(stop)
	go l.keepalive(ctx, stop)

	pongWait := 2 * l.opts.PingInterval
	_ = l.conn.SetReadDeadline(time.Now().Add(pongWait))
	l.conn.SetPongHandler(func(string) error {
		return l.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f Frame
		if err := l.conn.ReadJSON(&f); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			select {
			case <-l.closed:
				return nil
			default:
			}
			return fmt.Errorf("read %s: %w", l.peer, err)
		}
		_ = l.conn.SetReadDeadline(time.Now().Add(pongWait))
		l.handle(ctx, f)
	}
}

func (l *Link) handle(ctx context.Context, f Frame) {
	switch f.Op {
	case OpUpdate:
		if err := l.node.RemoteUpdate(ctx, f.Payload, f.Names, f.Channels); err != nil {
			l.log.Debug("inbound update rejected", logx.Err(err), logx.Local())
		}
	case OpSubscribe:
		if err := l.node.SubscribeReceiver(l.peer, l, f.Channels, pubsub.SubscribeOptions{}); err != nil {
			l.log.Warn("subscribe rejected", logx.Channels(f.Channels), logx.Err(err))
			return
		}
		l.log.Debug("peer subscribed", logx.Channels(f.Channels))
	case OpUnsubscribe:
		l.node.Unsubscribe(l.peer, f.Channels)
	case OpHello:
	default:
		l.log.Debug("unknown frame op", logx.String("op", f.Op), logx.Local())
	}
}

// keepalive pings the peer and closes the link when ctx ends.
func (l *Link) keepalive(ctx context.Context, stop <-chan struct{}) {
	t := time.NewTicker(l.opts.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			_ = l.Close()
			return
		case <-t.C:
			l.writeMu.Lock()
			err := l.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(l.opts.WriteTimeout))
			l.writeMu.Unlock()
			if err != nil {
				_ = l.Close()
				return
			}
		}
	}
}

// Handler accepts peer links for node.
func Handler(node Node, opts Options) http.Handler {
	opts.defaults()
	upgrader := websocket.Upgrader{
		ReadBufferSize:  readBufferSize,
		WriteBufferSize: writeBufferSize,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			opts.Logger.Warn("websocket upgrade failed",
				logx.String("remote_addr", r.RemoteAddr), logx.Err(err))
			return
		}
		l := newLink(conn, node, opts)
		if err := l.handshake(); err != nil {
			l.log.Warn("peer handshake failed", logx.String("remote_addr", r.RemoteAddr), logx.Err(err))
			_ = l.Close()
			return
		}
		if err := l.Run(r.Context()); err != nil {
			l.log.Warn("peer link failed", logx.Err(err))
		}
	})
}

// Dial connects node to the peer at url and completes the handshake. The
// caller runs the returned link with Run.
func Dial(ctx context.Context, url string, node Node, opts Options) (*Link, error) {
	opts.defaults()
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = opts.HandshakeTimeout
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	l := newLink(conn, node, opts)
	if err := l.handshake(); err != nil {
		_ = l.Close()
		return nil, err
	}
	return l, nil
}
