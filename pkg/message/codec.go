package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrInvalidType is returned when a message with an unknown type
// discriminator is decoded.
var ErrInvalidType = errors.New("invalid message type")

type wireMessage struct {
	Type    Type            `json:"type"`
	Content json.RawMessage `json:"content"`
}

// Encoder writes newline-delimited JSON messages.
type Encoder struct {
	enc *json.Encoder
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{enc: json.NewEncoder(w)}
}

func (e *Encoder) Encode(m Message) error {
	if m.Content == nil || m.Content.Type() != m.Type {
		return fmt.Errorf("%w: content does not match %q", ErrInvalidType, m.Type)
	}

	return e.enc.Encode(m)
}

// Decoder reads the messages written by an Encoder. A Decoder buffers,
// so one must be kept per stream.
type Decoder struct {
	dec *json.Decoder
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{dec: json.NewDecoder(r)}
}

func (d *Decoder) Decode() (Message, error) {
	var wire wireMessage
	if err := d.dec.Decode(&wire); err != nil {
		return Message{}, err
	}

	return decodeContent(wire)
}

// Unmarshal decodes a single message.
func Unmarshal(data []byte) (Message, error) {
	var wire wireMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		return Message{}, err
	}

	return decodeContent(wire)
}

// Marshal encodes a single message without a trailing newline.
func Marshal(m Message) ([]byte, error) {
	if m.Content == nil || m.Content.Type() != m.Type {
		return nil, fmt.Errorf("%w: content does not match %q", ErrInvalidType, m.Type)
	}

	return json.Marshal(m)
}

func decodeContent(wire wireMessage) (Message, error) {
	var (
		c   Content
		err error
	)

	switch wire.Type {
	case TypeRequest:
		c, err = unmarshal[Request](wire.Content)
	case TypePrepare:
		c, err = unmarshal[Prepare](wire.Content)
	case TypePrepareOk:
		c, err = unmarshal[PrepareOk](wire.Content)
	case TypeCommit:
		c, err = unmarshal[Commit](wire.Content)
	case TypeStartViewChange:
		c, err = unmarshal[StartViewChange](wire.Content)
	case TypeDoViewChange:
		c, err = unmarshal[DoViewChange](wire.Content)
	case TypeStartView:
		c, err = unmarshal[StartView](wire.Content)
	case TypeRecovery:
		c, err = unmarshal[Recovery](wire.Content)
	case TypeRecoveryResponse:
		c, err = unmarshal[RecoveryResponse](wire.Content)
	case TypeReply:
		c, err = unmarshal[Reply](wire.Content)
	case TypeHello:
		c, err = unmarshal[Hello](wire.Content)
	default:
		return Message{}, fmt.Errorf("%w: %q", ErrInvalidType, wire.Type)
	}

	if err != nil {
		return Message{}, fmt.Errorf("decode %s: %w", wire.Type, err)
	}

	return Message{Type: wire.Type, Content: c}, nil
}

func unmarshal[T Content](data []byte) (T, error) {
	var t T
	if len(data) == 0 {
		return t, errors.New("missing content")
	}

	err := json.Unmarshal(data, &t)
	return t, err
}
