package network

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tangledbytes/go-vrkv/pkg/kv"
	"github.com/tangledbytes/go-vrkv/pkg/message"
)

// recorder is a Handler collecting everything it is given.
type recorder struct {
	mu           sync.Mutex
	envelopes    []message.Envelope
	disconnected []uint64

	delivered chan message.Envelope
	dropped   chan uint64
}

func newRecorder() *recorder {
	return &recorder{
		delivered: make(chan message.Envelope, 64),
		dropped:   make(chan uint64, 64),
	}
}

func (r *recorder) Deliver(env message.Envelope) {
	r.mu.Lock()
	r.envelopes = append(r.envelopes, env)
	r.mu.Unlock()

	r.delivered <- env
}

func (r *recorder) PeerDisconnected(id uint64) {
	r.mu.Lock()
	r.disconnected = append(r.disconnected, id)
	r.mu.Unlock()

	r.dropped <- id
}

func (r *recorder) received() []message.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]message.Envelope(nil), r.envelopes...)
}

func TestMemory_DeliversInOrder(t *testing.T) {
	net := NewMemory(nil)
	a, b := newRecorder(), newRecorder()
	net.Register(message.Replica(0), a)
	net.Register(message.Replica(1), b)

	node := net.Node(message.Replica(0))
	for i := uint64(1); i <= 3; i++ {
		node.SendToReplica(1, message.New(message.Commit{View: 0, CommitNumber: i}))
	}
	require.Equal(t, 3, net.Pending())

	assert.Equal(t, 3, net.DeliverAll())
	got := b.received()
	require.Len(t, got, 3)
	for i, env := range got {
		assert.Equal(t, message.Replica(0), env.From)
		assert.Equal(t, uint64(i+1), env.Message.Content.(message.Commit).CommitNumber)
	}
	assert.Empty(t, a.received())
}

func TestMemory_Isolate(t *testing.T) {
	net := NewMemory(nil)
	a, b, c := newRecorder(), newRecorder(), newRecorder()
	net.Register(message.Replica(0), a)
	net.Register(message.Replica(1), b)
	net.Register(message.Client(9), c)

	// in flight before the partition, lost with it
	net.Node(message.Replica(0)).SendToReplica(1, message.New(message.Commit{CommitNumber: 1}))

	net.Isolate(message.Replica(0))
	assert.Equal(t, []uint64{0}, b.disconnected)
	assert.Empty(t, c.disconnected, "clients are not told about replica disconnects")

	net.Node(message.Replica(1)).SendToReplica(0, message.New(message.PrepareOk{OpNumber: 1}))
	net.DeliverAll()

	assert.Empty(t, a.received())
	assert.Empty(t, b.received())
	assert.Equal(t, 2, net.Dropped())

	net.Heal(message.Replica(0))
	net.Node(message.Replica(1)).SendToReplica(0, message.New(message.PrepareOk{OpNumber: 1}))
	net.DeliverAll()
	assert.Len(t, a.received(), 1)
}

func TestMemory_Filter(t *testing.T) {
	net := NewMemory(nil)
	b := newRecorder()
	net.Register(message.Replica(1), b)

	net.SetFilter(func(from, to message.Peer, m message.Message) bool {
		return m.Type == message.TypePrepare
	})

	node := net.Node(message.Replica(0))
	node.SendToReplica(1, message.New(message.Prepare{OpNumber: 1}))
	node.SendToReplica(1, message.New(message.Commit{CommitNumber: 1}))
	net.DeliverAll()

	got := b.received()
	require.Len(t, got, 1)
	assert.Equal(t, message.TypeCommit, got[0].Message.Type)
}

func waitEnvelope(t *testing.T, ch <-chan message.Envelope) message.Envelope {
	t.Helper()

	select {
	case env := <-ch:
		return env
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a message")
		return message.Envelope{}
	}
}

func TestTCP_ReplicaAndClient(t *testing.T) {
	server := newRecorder()
	srv := NewTCP(TCPConfig{
		Self:   message.Replica(0),
		Listen: "127.0.0.1:0",
	})
	require.NoError(t, srv.Start(server))
	defer srv.Close()

	addr := srv.Addr().String()

	peer := newRecorder()
	backup := NewTCP(TCPConfig{
		Self:     message.Replica(1),
		Replicas: map[uint64]string{0: addr},
	})
	require.NoError(t, backup.Start(peer))

	backup.SendToReplica(0, message.New(message.PrepareOk{View: 0, OpNumber: 4, ReplicaNumber: 1}))
	env := waitEnvelope(t, server.delivered)
	assert.Equal(t, message.Replica(1), env.From)
	assert.Equal(t, message.PrepareOk{View: 0, OpNumber: 4, ReplicaNumber: 1}, env.Message.Content)

	cli := newRecorder()
	client := NewTCP(TCPConfig{
		Self:     message.Client(77),
		Replicas: map[uint64]string{0: addr},
	})
	require.NoError(t, client.Start(cli))
	defer client.Close()

	req := message.Request{Operation: kv.Set("x", "1"), ClientID: 77, RequestNumber: 1}
	client.SendToReplica(0, message.New(req))
	env = waitEnvelope(t, server.delivered)
	assert.Equal(t, message.Client(77), env.From)
	assert.Equal(t, req, env.Message.Content)

	srv.SendToClient(77, message.New(message.Reply{View: 0, RequestNumber: 1, Result: kv.ResultStored}))
	env = waitEnvelope(t, cli.delivered)
	assert.Equal(t, message.Replica(0), env.From)
	assert.Equal(t, kv.ResultStored, env.Message.Content.(message.Reply).Result)

	require.NoError(t, backup.Close())
	select {
	case id := <-server.dropped:
		assert.Equal(t, uint64(1), id)
	case <-time.After(5 * time.Second):
		t.Fatal("server was not told about the closed replica connection")
	}
}

func TestTCP_StartTwice(t *testing.T) {
	tr := NewTCP(TCPConfig{Self: message.Client(1)})
	require.NoError(t, tr.Start(newRecorder()))
	assert.ErrorIs(t, tr.Start(newRecorder()), ErrStarted)
	assert.NoError(t, tr.Close())
}
