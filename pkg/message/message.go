package message

import (
	"fmt"

	"github.com/tangledbytes/go-vrkv/pkg/kv"
	"github.com/tangledbytes/go-vrkv/pkg/log"
)

// Type is the wire discriminator of a message.
type Type string

const (
	TypeRequest          Type = "request"
	TypePrepare          Type = "prepare"
	TypePrepareOk        Type = "prepare_ok"
	TypeCommit           Type = "commit"
	TypeStartViewChange  Type = "start_view_change"
	TypeDoViewChange     Type = "do_view_change"
	TypeStartView        Type = "start_view"
	TypeRecovery         Type = "recovery"
	TypeRecoveryResponse Type = "recovery_response"
	TypeReply            Type = "reply"

	// TypeHello is exchanged by the transport only, it names the sender
	// of a freshly opened connection.
	TypeHello Type = "hello"
)

// Content is implemented by every message variant.
type Content interface {
	Type() Type
}

// Message is the tagged union exchanged between replicas and clients.
// Content always holds the value type matching Type.
type Message struct {
	Type    Type    `json:"type"`
	Content Content `json:"content"`
}

// New wraps a content value into a Message.
func New(c Content) Message {
	return Message{Type: c.Type(), Content: c}
}

func (m Message) String() string {
	return fmt.Sprintf("%s%+v", m.Type, m.Content)
}

type Request struct {
	Operation     kv.Operation `json:"operation"`
	ClientID      uint64       `json:"client_id,string"`
	RequestNumber uint64       `json:"request_number,string"`
}

// Entry converts the request to its log representation.
func (r Request) Entry() log.Entry {
	return log.Entry{
		Operation:     r.Operation,
		ClientID:      r.ClientID,
		RequestNumber: r.RequestNumber,
	}
}

// RequestFromEntry is the inverse of Request.Entry.
func RequestFromEntry(e log.Entry) Request {
	return Request{
		Operation:     e.Operation,
		ClientID:      e.ClientID,
		RequestNumber: e.RequestNumber,
	}
}

type Prepare struct {
	Request      Request `json:"request"`
	View         uint64  `json:"view,string"`
	OpNumber     uint64  `json:"op_number,string"`
	CommitNumber uint64  `json:"commit_number,string"`
}

type PrepareOk struct {
	View          uint64 `json:"view,string"`
	OpNumber      uint64 `json:"op_number,string"`
	ReplicaNumber uint64 `json:"replica_number,string"`
}

type Commit struct {
	View         uint64 `json:"view,string"`
	CommitNumber uint64 `json:"commit_number,string"`
}

type StartViewChange struct {
	View          uint64 `json:"view,string"`
	ReplicaNumber uint64 `json:"replica_number,string"`
}

type DoViewChange struct {
	View           uint64  `json:"view,string"`
	LastNormalView uint64  `json:"last_normal_view,string"`
	OpNumber       uint64  `json:"op_number,string"`
	CommitNumber   uint64  `json:"commit_number,string"`
	ReplicaNumber  uint64  `json:"replica_number,string"`
	Log            log.Log `json:"log"`
}

type StartView struct {
	View         uint64  `json:"view,string"`
	OpNumber     uint64  `json:"op_number,string"`
	CommitNumber uint64  `json:"commit_number,string"`
	Log          log.Log `json:"log"`
}

type Recovery struct {
	ReplicaNumber uint64 `json:"replica_number,string"`
	Nonce         uint64 `json:"nonce,string"`
}

// RecoveryResponse carries a Log only when sent by the primary; the
// numbers of a non-primary response are zero.
type RecoveryResponse struct {
	View         uint64   `json:"view,string"`
	OpNumber     uint64   `json:"op_number,string"`
	CommitNumber uint64   `json:"commit_number,string"`
	Nonce        uint64   `json:"nonce,string"`
	Log          *log.Log `json:"log"`
}

type Reply struct {
	View          uint64 `json:"view,string"`
	RequestNumber uint64 `json:"request_number,string"`
	Result        string `json:"result"`
}

type Hello struct {
	Peer Peer `json:"peer"`
}

func (Request) Type() Type          { return TypeRequest }
func (Prepare) Type() Type          { return TypePrepare }
func (PrepareOk) Type() Type        { return TypePrepareOk }
func (Commit) Type() Type           { return TypeCommit }
func (StartViewChange) Type() Type  { return TypeStartViewChange }
func (DoViewChange) Type() Type     { return TypeDoViewChange }
func (StartView) Type() Type        { return TypeStartView }
func (Recovery) Type() Type         { return TypeRecovery }
func (RecoveryResponse) Type() Type { return TypeRecoveryResponse }
func (Reply) Type() Type            { return TypeReply }
func (Hello) Type() Type            { return TypeHello }
