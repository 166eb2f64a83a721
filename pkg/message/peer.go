package message

import "fmt"

// PeerKind tells replicas and clients apart.
type PeerKind uint8

const (
	PeerReplica PeerKind = iota + 1
	PeerClient
)

// Peer is the stable identity of the other end of a connection. It
// survives reconnects: a replica is always its replica number and a
// client its client id.
type Peer struct {
	Kind PeerKind `json:"kind"`
	ID   uint64   `json:"id,string"`
}

func Replica(id uint64) Peer {
	return Peer{Kind: PeerReplica, ID: id}
}

func Client(id uint64) Peer {
	return Peer{Kind: PeerClient, ID: id}
}

func (p Peer) IsReplica() bool {
	return p.Kind == PeerReplica
}

func (p Peer) String() string {
	switch p.Kind {
	case PeerReplica:
		return fmt.Sprintf("replica-%d", p.ID)
	case PeerClient:
		return fmt.Sprintf("client-%d", p.ID)
	default:
		return fmt.Sprintf("unknown-%d", p.ID)
	}
}

// Envelope is a decoded message together with the identity of the peer
// it arrived from.
type Envelope struct {
	From    Peer
	Message Message
}

func NewEnvelope(from Peer, c Content) Envelope {
	return Envelope{From: from, Message: New(c)}
}
