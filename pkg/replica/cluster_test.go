package replica

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/stretchr/testify/require"

	"github.com/tangledbytes/go-vrkv/pkg/clock"
	"github.com/tangledbytes/go-vrkv/pkg/config"
	"github.com/tangledbytes/go-vrkv/pkg/kv"
	"github.com/tangledbytes/go-vrkv/pkg/message"
	"github.com/tangledbytes/go-vrkv/pkg/network"
)

const (
	testHeartbeat  = 100 * time.Millisecond
	testViewChange = 400 * time.Millisecond
	testRecovery   = 200 * time.Millisecond
)

// inbox collects what the memory network delivers to a client.
type inbox struct {
	replies []message.Reply
}

func (i *inbox) Deliver(env message.Envelope) {
	if r, ok := env.Message.Content.(message.Reply); ok {
		i.replies = append(i.replies, r)
	}
}

func (i *inbox) PeerDisconnected(uint64) {}

func (i *inbox) results() []string {
	out := make([]string, 0, len(i.replies))
	for _, r := range i.replies {
		out = append(out, r.Result)
	}

	return out
}

// cluster drives n replicas over a memory network from the test
// goroutine.
type cluster struct {
	t        *testing.T
	net      *network.Memory
	clock    *clock.Virtual
	replicas []*Replica
	stores   []*kv.Store
	metrics  []*metrics.Set
	clients  map[uint64]*inbox
}

func newCluster(t *testing.T, n int) *cluster {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	members := make([]config.Member, n)
	for i := range members {
		members[i] = config.Member{ID: uint64(i), Host: "127.0.0.1", Port: 7000 + i}
	}

	c := &cluster{
		t:       t,
		net:     network.NewMemory(logger),
		clock:   clock.NewVirtual(),
		clients: make(map[uint64]*inbox),
	}

	for i := range members {
		id := uint64(i)
		store := kv.NewStore()
		set := metrics.NewSet()

		r, err := New(Config{
			ID:                id,
			Members:           members,
			Router:            c.net.Node(message.Replica(id)),
			StateMachine:      store,
			Clock:             c.clock,
			HeartbeatTimeout:  testHeartbeat,
			ViewChangeTimeout: testViewChange,
			RecoveryTimeout:   testRecovery,
			Seed:              42,
			Metrics:           set,
			Logger:            logger,
		})
		require.NoError(t, err)

		c.net.Register(message.Replica(id), r)
		c.replicas = append(c.replicas, r)
		c.stores = append(c.stores, store)
		c.metrics = append(c.metrics, set)
	}

	return c
}

func (c *cluster) client(id uint64) *inbox {
	if in, ok := c.clients[id]; ok {
		return in
	}

	in := &inbox{}
	c.clients[id] = in
	c.net.Register(message.Client(id), in)
	return in
}

// send queues a request from client to replica to. Nothing moves until
// settle.
func (c *cluster) send(to, client, rn uint64, op kv.Operation) {
	c.client(client)
	c.net.Node(message.Client(client)).SendToReplica(to, message.New(message.Request{
		Operation:     op,
		ClientID:      client,
		RequestNumber: rn,
	}))
}

// settle runs replicas and network until nothing is left to do.
func (c *cluster) settle() {
	for {
		progressed := false
		for _, r := range c.replicas {
			for r.Step() {
				progressed = true
			}
		}

		if c.net.DeliverAll() > 0 {
			progressed = true
		}

		if !progressed {
			return
		}
	}
}

// advance moves time forward by d and lets every replica check its
// timers.
func (c *cluster) advance(d time.Duration) {
	c.clock.Advance(d)
	for _, r := range c.replicas {
		r.Tick()
	}

	c.settle()
}

func (c *cluster) state(id uint64) State {
	return c.replicas[id].State()
}
