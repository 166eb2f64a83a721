package network

import "github.com/tangledbytes/go-vrkv/pkg/message"

// Router is the outbound half of a transport. Sends are best effort
// and never block the caller: a message that cannot be delivered is
// dropped.
type Router interface {
	SendToReplica(id uint64, m message.Message)
	SendToClient(id uint64, m message.Message)
}

// Handler is the inbound half, implemented by replicas and clients.
// Both methods are called from transport goroutines and must only
// hand the event over to the owner's event loop.
type Handler interface {
	Deliver(env message.Envelope)
	// PeerDisconnected reports that the connection to replica id was
	// lost.
	PeerDisconnected(id uint64)
}
