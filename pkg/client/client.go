package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tangledbytes/go-vrkv/pkg/clock"
	"github.com/tangledbytes/go-vrkv/pkg/kv"
	"github.com/tangledbytes/go-vrkv/pkg/message"
	"github.com/tangledbytes/go-vrkv/pkg/network"
	"github.com/tangledbytes/go-vrkv/pkg/queue"
)

const DefaultRequestTimeout = 2 * time.Second

var (
	// ErrInvalidConfig is returned by New for an unusable Config.
	ErrInvalidConfig = errors.New("invalid client config")
	// ErrTimeout is returned by Do when the context expires before the
	// cluster replied.
	ErrTimeout = errors.New("request timed out")
	// ErrBusy is returned by Do while earlier submissions are
	// outstanding.
	ErrBusy = errors.New("client has outstanding requests")
)

type State struct {
	// ID is the unique ID of the client.
	ID uint64

	// RequestNumber is the number of the latest request issued. It
	// increases by one per operation and is kept across retries.
	RequestNumber uint64

	// Members is the number of replicas in the cluster.
	Members uint64

	// LastKnownView is the latest view seen in a reply. The client
	// sends to the primary of that view first.
	LastKnownView uint64
}

// Result is the reply to one submitted operation.
type Result struct {
	RequestNumber uint64
	View          uint64
	Value         string
}

type eventKind int

const (
	eventSubmit eventKind = iota
	eventReply
	eventDisconnect
)

type event struct {
	kind  eventKind
	op    kv.Operation
	reply message.Reply
	peer  uint64
}

type pendingRequest struct {
	request message.Request
	// target is the replica the request was last sent to alone.
	target    uint64
	broadcast bool
}

type Internal struct {
	// sq holds the events queued by Submit, Deliver and PeerDisconnected.
	sq *queue.Queue[event]
	// waiting holds the operations submitted while a request is pending.
	waiting *queue.Queue[kv.Operation]
	results *queue.Queue[Result]

	pending *pendingRequest
	timer   *clock.Timer
}

// Client represents a single client of the cluster. It keeps at most one
// request outstanding; operations submitted meanwhile wait their turn.
type Client struct {
	state    State
	internal Internal
	router   network.Router
	clock    clock.Clock
	logger   *slog.Logger
}

type Config struct {
	ID uint64
	// Members is the number of replicas in the cluster.
	Members uint64
	Router  network.Router
	// Clock defaults to the real clock.
	Clock          clock.Clock
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// New creates a new client.
func New(cfg Config) (*Client, error) {
	if cfg.Members == 0 {
		return nil, fmt.Errorf("%w: no members", ErrInvalidConfig)
	}
	if cfg.Router == nil {
		return nil, fmt.Errorf("%w: router is required", ErrInvalidConfig)
	}

	if cfg.Clock == nil {
		cfg.Clock = clock.NewReal()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Client{
		state: State{
			ID:      cfg.ID,
			Members: cfg.Members,
		},
		internal: Internal{
			sq:      queue.New[event](),
			waiting: queue.New[kv.Operation](),
			results: queue.New[Result](),
			timer:   clock.NewTimer(cfg.Clock, cfg.RequestTimeout),
		},
		router: cfg.Router,
		clock:  cfg.Clock,
		logger: cfg.Logger.With("client", cfg.ID),
	}, nil
}

// Submit queues op for the cluster. Safe from any goroutine.
func (c *Client) Submit(op kv.Operation) {
	c.internal.sq.Push(event{kind: eventSubmit, op: op})
}

// Deliver hands an inbound message to the client. Safe from any
// goroutine.
func (c *Client) Deliver(env message.Envelope) {
	reply, ok := env.Message.Content.(message.Reply)
	if !ok {
		c.logger.Warn("client received an unexpected message", "from", env.From, "type", env.Message.Type)
		return
	}

	c.internal.sq.Push(event{kind: eventReply, reply: reply})
}

// PeerDisconnected reports that the connection to replica id dropped.
func (c *Client) PeerDisconnected(id uint64) {
	c.internal.sq.Push(event{kind: eventDisconnect, peer: id})
}

// CheckResult pops the next available result.
func (c *Client) CheckResult() (Result, bool) {
	return c.internal.results.Pop()
}

// Pending reports whether a request is waiting for its reply.
func (c *Client) Pending() bool {
	return c.internal.pending != nil
}

func (c *Client) State() State {
	return c.state
}

// Step processes the queued events and retries a request that went
// unanswered for too long. It must be called from a single goroutine.
func (c *Client) Step() {
	for {
		ev, ok := c.internal.sq.Pop()
		if !ok {
			break
		}

		switch ev.kind {
		case eventSubmit:
			c.internal.waiting.Push(ev.op)
		case eventReply:
			c.onReply(ev.reply)
		case eventDisconnect:
			c.onDisconnect(ev.peer)
		}
	}

	if c.internal.pending == nil {
		if op, ok := c.internal.waiting.Pop(); ok {
			c.onRequest(op)
		}
	}

	if c.internal.pending != nil && c.internal.timer.Done() {
		c.logger.Debug("client timed out waiting for a reply", "request", c.state.RequestNumber)
		c.sendPending(true)
	}
}

// Do submits op and blocks until its result arrives or ctx is done.
// It drives the client itself and must not be mixed with another
// goroutine calling Step.
func (c *Client) Do(ctx context.Context, op kv.Operation) (string, error) {
	if err := op.Validate(); err != nil {
		return "", err
	}

	c.Step()
	if c.internal.pending != nil || !c.internal.waiting.Empty() {
		return "", ErrBusy
	}

	c.Submit(op)
	want := c.state.RequestNumber + 1

	interval := max(c.internal.timer.Timeout()/10, 10*time.Millisecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		c.Step()

		for {
			res, ok := c.CheckResult()
			if !ok {
				break
			}
			if res.RequestNumber == want {
				return res.Value, nil
			}
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return "", fmt.Errorf("%w: %s", ErrTimeout, op)
			}
			return "", ctx.Err()
		case <-c.internal.sq.Ready():
		case <-ticker.C:
		}
	}
}

func (c *Client) onRequest(op kv.Operation) {
	c.state.RequestNumber++

	c.internal.pending = &pendingRequest{
		request: message.Request{
			Operation:     op,
			ClientID:      c.state.ID,
			RequestNumber: c.state.RequestNumber,
		},
	}

	c.logger.Debug("client sending request", "request", c.state.RequestNumber, "operation", op.String())
	c.sendPending(false)
}

func (c *Client) onReply(reply message.Reply) {
	p := c.internal.pending
	if p == nil || reply.RequestNumber != p.request.RequestNumber {
		c.logger.Debug("client dropping unexpected reply", "request", reply.RequestNumber)
		return
	}

	c.logger.Debug("client received reply", "request", reply.RequestNumber, "view", reply.View)

	c.internal.pending = nil
	c.internal.timer.Stop()
	c.state.LastKnownView = max(c.state.LastKnownView, reply.View)
	c.internal.results.Push(Result{
		RequestNumber: reply.RequestNumber,
		View:          reply.View,
		Value:         reply.Result,
	})
}

// onDisconnect retries right away when the replica holding our request
// goes away.
func (c *Client) onDisconnect(id uint64) {
	p := c.internal.pending
	if p == nil || p.broadcast || p.target != id {
		return
	}

	c.logger.Debug("client lost the replica holding its request", "replica", id)
	c.sendPending(true)
}

// sendPending sends the outstanding request to the presumed primary or,
// when broadcast is set, to every replica. Backups drop it; whoever is
// primary replies.
func (c *Client) sendPending(broadcast bool) {
	p := c.internal.pending
	m := message.New(p.request)

	p.broadcast = broadcast
	if broadcast {
		for id := uint64(0); id < c.state.Members; id++ {
			c.router.SendToReplica(id, m)
		}
	} else {
		p.target = c.potentialPrimary()
		c.router.SendToReplica(p.target, m)
	}

	c.internal.timer.Reset()
}

func (c *Client) potentialPrimary() uint64 {
	return c.state.LastKnownView % c.state.Members
}

var _ network.Handler = (*Client)(nil)
