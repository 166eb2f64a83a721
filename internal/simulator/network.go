package simulator

import (
	"log/slog"
	"math/rand/v2"

	"github.com/tangledbytes/go-vrkv/internal/simulator/array"
	"github.com/tangledbytes/go-vrkv/internal/simulator/constant"
	"github.com/tangledbytes/go-vrkv/pkg/assert"
	"github.com/tangledbytes/go-vrkv/pkg/message"
	"github.com/tangledbytes/go-vrkv/pkg/network"
)

type packet struct {
	from message.Peer
	data []byte
}

type Route struct {
	data *array.Rand[packet]

	dropPercent float64
}

type Routes struct {
	rng        *rand.Rand
	idxSrcDest map[message.Peer]map[message.Peer]int
	idxSrcAny  map[message.Peer][]*Route

	logger *slog.Logger
}

func NewRoutes(rng *rand.Rand, logger *slog.Logger) *Routes {
	return &Routes{
		rng:        rng,
		idxSrcDest: make(map[message.Peer]map[message.Peer]int),
		idxSrcAny:  make(map[message.Peer][]*Route),

		logger: logger,
	}
}

// AddPacket queues p on the route from src to dest, creating the route
// with its own drop rate on first use. It reports whether the packet
// was queued.
func (r *Routes) AddPacket(src, dest message.Peer, p packet, lossless bool) bool {
	_, ok := r.idxSrcDest[dest]
	if !ok {
		r.idxSrcDest[dest] = make(map[message.Peer]int)
	}

	_, ok = r.idxSrcDest[dest][src]
	if !ok {
		r.idxSrcDest[dest][src] = len(r.idxSrcAny[dest])

		droppercent := r.rng.Float64() * constant.PACKET_DROP_PERCENT
		reorderpercent := r.rng.Float64() * constant.UNORDERED_PACKET_DELIVERY_PERCENT
		r.logger.Debug(
			"new route created",
			"src", src,
			"dest", dest,
			"drop percent", droppercent*100,
			"reorder percent", reorderpercent*100,
		)

		r.idxSrcAny[dest] = append(r.idxSrcAny[dest], &Route{
			data:        array.NewRand[packet](r.rng, reorderpercent, constant.REORDER_WINDOW),
			dropPercent: droppercent,
		})
	}

	route := r.idxSrcAny[dest][r.idxSrcDest[dest][src]]
	if route.data.Len() >= constant.MAX_PACKET_INQUEUE {
		return false
	}

	if !lossless && r.rng.Float64() <= route.dropPercent {
		return false
	}

	route.data.Push(p)
	return true
}

// Pop takes the next packet for dest from one of its routes, picked at
// random.
func (r *Routes) Pop(dest message.Peer) (packet, bool) {
	routes := r.idxSrcAny[dest]
	if len(routes) == 0 {
		return packet{}, false
	}

	// Start at a random route and take the first one holding a packet.
	start := r.rng.IntN(len(routes))
	for i := range routes {
		if p, ok := routes[(start+i)%len(routes)].data.Pop(); ok {
			return p, true
		}
	}

	return packet{}, false
}

// Reordered returns how many packets overtook an older one on their
// route.
func (r *Routes) Reordered() int {
	n := 0
	for _, routes := range r.idxSrcAny {
		for _, route := range routes {
			n += route.data.Reordered()
		}
	}

	return n
}

func (r *Routes) Len() int {
	n := 0
	for _, routes := range r.idxSrcAny {
		for _, route := range routes {
			n += route.data.Len()
		}
	}

	return n
}

// SimulatedNetworkWorld is an awful name but can't think of anything better
type SimulatedNetworkWorld struct {
	routes *Routes
	rng    *rand.Rand

	isolated map[message.Peer]struct{}
	lossless bool

	sent    int
	dropped int

	logger *slog.Logger
}

func NewSimulatedNetworkWorld(rng *rand.Rand, logger *slog.Logger) *SimulatedNetworkWorld {
	return &SimulatedNetworkWorld{
		routes:   NewRoutes(rng, logger),
		rng:      rng,
		isolated: make(map[message.Peer]struct{}),

		logger: logger,
	}
}

// Node returns the Router of the given peer. It can be called multiple
// times for the same peer.
func (snw *SimulatedNetworkWorld) Node(p message.Peer) *SimulatedNetworkNode {
	return &SimulatedNetworkNode{
		world: snw,
		self:  p,
	}
}

// Isolate drops everything sent to or from p until Heal.
func (snw *SimulatedNetworkWorld) Isolate(p message.Peer) {
	snw.isolated[p] = struct{}{}
}

func (snw *SimulatedNetworkWorld) Heal(p message.Peer) {
	delete(snw.isolated, p)
}

// SetLossless turns the random drops of every route off or back on.
func (snw *SimulatedNetworkWorld) SetLossless(lossless bool) {
	snw.lossless = lossless
}

// Recv returns the next message for dest, if any.
func (snw *SimulatedNetworkWorld) Recv(dest message.Peer) (message.Envelope, bool) {
	for {
		p, ok := snw.routes.Pop(dest)
		if !ok {
			return message.Envelope{}, false
		}

		// Partitions also cut what was already on the wire.
		if snw.cut(p.from, dest) {
			snw.dropped++
			continue
		}

		m, err := message.Unmarshal(p.data)
		assert.Assert(err == nil, "simulated network failed to decode: %v", err)

		return message.Envelope{From: p.from, Message: m}, true
	}
}

// Pending returns the number of packets on the wire.
func (snw *SimulatedNetworkWorld) Pending() int {
	return snw.routes.Len()
}

func (snw *SimulatedNetworkWorld) send(from, to message.Peer, m message.Message) {
	data, err := message.Marshal(m)
	assert.Assert(err == nil, "simulated network failed to encode: %v", err)

	snw.sent++
	if snw.cut(from, to) || !snw.routes.AddPacket(from, to, packet{from: from, data: data}, snw.lossless) {
		snw.dropped++
	}
}

func (snw *SimulatedNetworkWorld) cut(from, to message.Peer) bool {
	_, a := snw.isolated[from]
	_, b := snw.isolated[to]
	return a || b
}

type SimulatedNetworkNode struct {
	world *SimulatedNetworkWorld
	self  message.Peer
}

func (n *SimulatedNetworkNode) SendToReplica(id uint64, m message.Message) {
	n.world.send(n.self, message.Replica(id), m)
}

func (n *SimulatedNetworkNode) SendToClient(id uint64, m message.Message) {
	n.world.send(n.self, message.Client(id), m)
}

var _ network.Router = (*SimulatedNetworkNode)(nil)
