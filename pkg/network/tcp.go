package network

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/tangledbytes/go-vrkv/pkg/message"
)

const (
	defaultDialTimeout = 2 * time.Second
	defaultSendBuffer  = 1024
)

// ErrStarted is returned when Start is called twice.
var ErrStarted = errors.New("transport already started")

// TCPConfig configures a TCP transport.
type TCPConfig struct {
	// Self is the identity announced on every outbound connection.
	Self message.Peer
	// Listen is the address to accept connections on. Clients leave it
	// empty.
	Listen string
	// Replicas maps replica numbers to dialable addresses.
	Replicas map[uint64]string

	DialTimeout time.Duration
	// SendBuffer is the per-connection queue length. Messages sent to a
	// full queue are dropped.
	SendBuffer int

	Logger *slog.Logger
}

// TCP is a Router over newline delimited JSON streams. Every
// connection starts with a Hello naming the dialer, after which
// messages flow in both directions. Replicas dial each other lazily on
// first send; clients dial replicas and receive their replies on the
// same connection.
type TCP struct {
	cfg    TCPConfig
	logger *slog.Logger

	handler  Handler
	listener net.Listener

	// replicas holds the outbound connection per replica number.
	replicas *xsync.MapOf[uint64, *conn]
	// clients holds the inbound connection per client id.
	clients *xsync.MapOf[uint64, *conn]

	closing chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
}

func NewTCP(cfg TCPConfig) *TCP {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &TCP{
		cfg:      cfg,
		logger:   cfg.Logger.With("transport", cfg.Self.String()),
		replicas: xsync.NewMapOf[uint64, *conn](),
		clients:  xsync.NewMapOf[uint64, *conn](),
		closing:  make(chan struct{}),
	}
}

// Start binds the listener (if configured) and begins delivering to h.
// It must be called before any send.
func (t *TCP) Start(h Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started {
		return ErrStarted
	}
	t.handler = h

	if t.cfg.Listen != "" {
		l, err := net.Listen("tcp", t.cfg.Listen)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", t.cfg.Listen, err)
		}

		t.listener = l
		t.logger.Info("transport listening", "addr", l.Addr().String())

		t.wg.Add(1)
		go t.acceptLoop()
	}

	t.started = true
	return nil
}

// Addr returns the bound listen address, nil for clients.
func (t *TCP) Addr() net.Addr {
	if t.listener == nil {
		return nil
	}

	return t.listener.Addr()
}

// Close stops accepting, closes every connection and waits for the
// transport goroutines to exit.
func (t *TCP) Close() error {
	var err error
	t.once.Do(func() {
		close(t.closing)

		if t.listener != nil {
			err = t.listener.Close()
		}

		t.replicas.Range(func(_ uint64, c *conn) bool {
			c.close()
			return true
		})
		t.clients.Range(func(_ uint64, c *conn) bool {
			c.close()
			return true
		})
	})

	t.wg.Wait()
	return err
}

func (t *TCP) SendToReplica(id uint64, m message.Message) {
	if t.isClosing() {
		return
	}

	c, loaded := t.replicas.LoadOrCompute(id, func() *conn {
		return newConn(message.Replica(id), t.cfg.SendBuffer)
	})
	if !loaded {
		t.wg.Add(1)
		go t.dial(c)
	}

	if !c.send(m) {
		t.logger.Debug("dropped message to replica", "replica", id, "type", m.Type)
	}
}

func (t *TCP) SendToClient(id uint64, m message.Message) {
	c, ok := t.clients.Load(id)
	if !ok {
		t.logger.Debug("no connection to client", "client", id, "type", m.Type)
		return
	}

	if !c.send(m) {
		t.logger.Debug("dropped message to client", "client", id, "type", m.Type)
	}
}

func (t *TCP) dial(c *conn) {
	defer t.wg.Done()

	id := c.peer.ID
	addr, ok := t.cfg.Replicas[id]
	if !ok {
		t.logger.Error("no address for replica", "replica", id)
		t.dropReplica(c, false)
		return
	}

	nc, err := net.DialTimeout("tcp", addr, t.cfg.DialTimeout)
	if err != nil {
		t.logger.Debug("failed to dial replica", "replica", id, "addr", addr, "err", err)
		t.dropReplica(c, true)
		return
	}

	// The hello jumps the queue: it must be the first message on the
	// stream.
	w := bufio.NewWriter(nc)
	if err := message.NewEncoder(w).Encode(message.New(message.Hello{Peer: t.cfg.Self})); err != nil || w.Flush() != nil {
		t.logger.Debug("failed to send hello", "replica", id, "err", err)
		_ = nc.Close()
		t.dropReplica(c, true)
		return
	}

	c.attach(nc)
	t.logger.Debug("connected to replica", "replica", id, "addr", addr)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		c.writeLoop(t.logger)
	}()

	t.readLoop(c.peer, message.NewDecoder(nc))
	c.close()
	t.dropReplica(c, true)
}

// dropReplica forgets c so that the next send dials again.
func (t *TCP) dropReplica(c *conn, notify bool) {
	c.close()
	t.replicas.Compute(c.peer.ID, func(old *conn, loaded bool) (*conn, bool) {
		return old, loaded && old == c
	})

	if notify && !t.isClosing() && t.handler != nil {
		t.handler.PeerDisconnected(c.peer.ID)
	}
}

func (t *TCP) acceptLoop() {
	defer t.wg.Done()

	for {
		nc, err := t.listener.Accept()
		if err != nil {
			if t.isClosing() {
				return
			}

			t.logger.Debug("failed to accept a connection", "err", err)
			continue
		}

		t.wg.Add(1)
		go t.serveInbound(nc)
	}
}

func (t *TCP) serveInbound(nc net.Conn) {
	defer t.wg.Done()
	defer nc.Close()

	dec := message.NewDecoder(nc)
	first, err := dec.Decode()
	if err != nil {
		t.logger.Debug("failed to read hello", "remote", nc.RemoteAddr().String(), "err", err)
		return
	}

	hello, ok := first.Content.(message.Hello)
	if !ok {
		t.logger.Warn("connection did not start with hello", "remote", nc.RemoteAddr().String(), "type", first.Type)
		return
	}

	peer := hello.Peer
	t.logger.Debug("accepted connection", "peer", peer, "remote", nc.RemoteAddr().String())

	if peer.Kind == message.PeerClient {
		c := newConn(peer, t.cfg.SendBuffer)
		c.attach(nc)
		if old, loaded := t.clients.LoadAndStore(peer.ID, c); loaded {
			old.close()
		}

		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			c.writeLoop(t.logger)
		}()

		t.readLoop(peer, dec)

		c.close()
		t.clients.Compute(peer.ID, func(old *conn, loaded bool) (*conn, bool) {
			return old, loaded && old == c
		})
		return
	}

	t.readLoop(peer, dec)
	if !t.isClosing() {
		t.handler.PeerDisconnected(peer.ID)
	}
}

func (t *TCP) readLoop(peer message.Peer, dec *message.Decoder) {
	for {
		m, err := dec.Decode()
		if err != nil {
			if !t.isClosing() {
				t.logger.Debug("connection closed", "peer", peer, "err", err)
			}
			return
		}

		if m.Type == message.TypeHello {
			continue
		}

		t.handler.Deliver(message.Envelope{From: peer, Message: m})
	}
}

func (t *TCP) isClosing() bool {
	select {
	case <-t.closing:
		return true
	default:
		return false
	}
}

// conn is one stream plus the queue feeding its writer goroutine.
type conn struct {
	peer message.Peer
	out  chan message.Message

	mu     sync.Mutex
	nc     net.Conn
	done   chan struct{}
	closed bool
}

func newConn(peer message.Peer, buffer int) *conn {
	return &conn{
		peer: peer,
		out:  make(chan message.Message, buffer),
		done: make(chan struct{}),
	}
}

func (c *conn) attach(nc net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		_ = nc.Close()
		return
	}
	c.nc = nc
}

func (c *conn) send(m message.Message) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.out <- m:
		return true
	default:
		return false
	}
}

func (c *conn) writeLoop(logger *slog.Logger) {
	c.mu.Lock()
	nc := c.nc
	c.mu.Unlock()
	if nc == nil {
		return
	}

	w := bufio.NewWriter(nc)
	enc := message.NewEncoder(w)
	for {
		select {
		case <-c.done:
			return
		case m := <-c.out:
			if err := enc.Encode(m); err != nil {
				logger.Debug("failed to encode message", "peer", c.peer, "type", m.Type, "err", err)
				c.close()
				return
			}

			// Coalesce whatever is already queued into one flush.
			for drained := false; !drained; {
				select {
				case m := <-c.out:
					if err := enc.Encode(m); err != nil {
						logger.Debug("failed to encode message", "peer", c.peer, "type", m.Type, "err", err)
						c.close()
						return
					}
				default:
					drained = true
				}
			}

			if err := w.Flush(); err != nil {
				logger.Debug("failed to write", "peer", c.peer, "err", err)
				c.close()
				return
			}
		}
	}
}

func (c *conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	c.closed = true
	close(c.done)
	if c.nc != nil {
		_ = c.nc.Close()
	}
}

var _ Router = (*TCP)(nil)
