package network

import (
	"log/slog"
	"sync"

	"github.com/tangledbytes/go-vrkv/pkg/message"
)

// Filter decides whether a message in flight should be dropped.
type Filter func(from, to message.Peer, m message.Message) bool

type packet struct {
	from, to message.Peer
	data     []byte
}

// Memory is an in-process network delivering messages in a single
// global FIFO order. Nothing moves until the owner calls DeliverNext
// or DeliverAll, which makes it suitable for deterministic tests.
//
// Messages are encoded on send and decoded on delivery so receivers
// never share memory with senders.
type Memory struct {
	mu       sync.Mutex
	handlers map[message.Peer]Handler
	isolated map[message.Peer]struct{}
	filter   Filter
	pending  []packet
	dropped  int

	logger *slog.Logger
}

func NewMemory(logger *slog.Logger) *Memory {
	if logger == nil {
		logger = slog.Default()
	}

	return &Memory{
		handlers: make(map[message.Peer]Handler),
		isolated: make(map[message.Peer]struct{}),
		logger:   logger,
	}
}

// Register attaches the handler receiving everything sent to p.
func (n *Memory) Register(p message.Peer, h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.handlers[p] = h
}

// Node returns the Router used by p to send.
func (n *Memory) Node(p message.Peer) *MemoryNode {
	return &MemoryNode{net: n, self: p}
}

// SetFilter installs f, nil removes it.
func (n *Memory) SetFilter(f Filter) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.filter = f
}

// Isolate cuts p off: everything to or from it is dropped, including
// messages already in flight. Every other registered replica is told
// that p disconnected.
func (n *Memory) Isolate(p message.Peer) {
	n.mu.Lock()
	n.isolated[p] = struct{}{}

	var notify []Handler
	for peer, h := range n.handlers {
		if peer != p && peer.IsReplica() {
			notify = append(notify, h)
		}
	}
	n.mu.Unlock()

	if !p.IsReplica() {
		return
	}
	for _, h := range notify {
		h.PeerDisconnected(p.ID)
	}
}

// Heal reconnects p.
func (n *Memory) Heal(p message.Peer) {
	n.mu.Lock()
	defer n.mu.Unlock()

	delete(n.isolated, p)
}

// Pending returns the number of messages in flight.
func (n *Memory) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()

	return len(n.pending)
}

// Dropped returns how many messages were dropped so far.
func (n *Memory) Dropped() int {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.dropped
}

// DeliverNext hands the oldest message in flight to its receiver and
// reports whether there was one.
func (n *Memory) DeliverNext() bool {
	n.mu.Lock()
	if len(n.pending) == 0 {
		n.mu.Unlock()
		return false
	}

	p := n.pending[0]
	n.pending = n.pending[1:]

	h, ok := n.handlers[p.to]
	if !ok || n.cut(p.from, p.to) {
		n.dropped++
		n.mu.Unlock()
		return true
	}
	n.mu.Unlock()

	m, err := message.Unmarshal(p.data)
	if err != nil {
		n.logger.Error("memory network failed to decode", "from", p.from, "to", p.to, "err", err)
		return true
	}

	h.Deliver(message.Envelope{From: p.from, Message: m})
	return true
}

// DeliverAll delivers until nothing is in flight, including messages
// sent while delivering, and returns the number of deliveries.
func (n *Memory) DeliverAll() int {
	count := 0
	for n.DeliverNext() {
		count++
	}

	return count
}

func (n *Memory) send(from, to message.Peer, m message.Message) {
	data, err := message.Marshal(m)
	if err != nil {
		n.logger.Error("memory network failed to encode", "from", from, "to", to, "err", err)
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.cut(from, to) || (n.filter != nil && n.filter(from, to, m)) {
		n.dropped++
		return
	}

	n.pending = append(n.pending, packet{from: from, to: to, data: data})
}

// cut must be called with mu held.
func (n *Memory) cut(from, to message.Peer) bool {
	_, a := n.isolated[from]
	_, b := n.isolated[to]
	return a || b
}

// MemoryNode is the Router of one peer attached to a Memory network.
type MemoryNode struct {
	net  *Memory
	self message.Peer
}

func (m *MemoryNode) SendToReplica(id uint64, msg message.Message) {
	m.net.send(m.self, message.Replica(id), msg)
}

func (m *MemoryNode) SendToClient(id uint64, msg message.Message) {
	m.net.send(m.self, message.Client(id), msg)
}

var _ Router = (*MemoryNode)(nil)
