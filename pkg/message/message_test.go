package message

import (
	"bytes"
	"encoding/json"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tangledbytes/go-vrkv/pkg/kv"
	"github.com/tangledbytes/go-vrkv/pkg/log"
)

func TestDecoder_Decode(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Message
		wantErr bool
	}{
		{
			name:    "invalid JSON",
			input:   `{"type":"request","content":{`,
			wantErr: true,
		},
		{
			name:  "request",
			input: `{"type":"request","content":{"operation":{"type":"set","key":"x","value":"1"},"client_id":"10","request_number":"1"}}`,
			want: New(Request{
				Operation:     kv.Set("x", "1"),
				ClientID:      10,
				RequestNumber: 1,
			}),
		},
		{
			name:  "request with newline terminator",
			input: `{"type":"request","content":{"operation":{"type":"get","key":"x"},"client_id":"10","request_number":"2"}}` + "\n",
			want: New(Request{
				Operation:     kv.Get("x"),
				ClientID:      10,
				RequestNumber: 2,
			}),
		},
		{
			name:  "max uint64",
			input: `{"type":"reply","content":{"view":"18446744073709551615","request_number":"1","result":"STORED"}}`,
			want: New(Reply{
				View:          math.MaxUint64,
				RequestNumber: 1,
				Result:        kv.ResultStored,
			}),
		},
		{
			name:  "recovery response without log",
			input: `{"type":"recovery_response","content":{"view":"0","op_number":"0","commit_number":"0","nonce":"42","log":null}}`,
			want:  New(RecoveryResponse{Nonce: 42}),
		},
		{
			name:    "unknown type",
			input:   `{"type":"gossip","content":{}}`,
			wantErr: true,
		},
		{
			name:    "missing content",
			input:   `{"type":"commit"}`,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewDecoder(strings.NewReader(tt.input)).Decode()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecoder_UnknownTypeIsSentinel(t *testing.T) {
	_, err := Unmarshal([]byte(`{"type":"gossip","content":{}}`))
	assert.ErrorIs(t, err, ErrInvalidType)
}

func TestEncoder_Stream(t *testing.T) {
	l := log.New()
	l.Append(log.Entry{Operation: kv.Set("x", "1"), ClientID: 3, RequestNumber: 1})
	l.Append(log.Entry{Operation: kv.Delete("y"), ClientID: 4, RequestNumber: 9})

	msgs := []Message{
		New(Prepare{Request: RequestFromEntry(l.At(2)), View: 1, OpNumber: 2, CommitNumber: 1}),
		New(PrepareOk{View: 1, OpNumber: 2, ReplicaNumber: 2}),
		New(Commit{View: 1, CommitNumber: 2}),
		New(StartViewChange{View: 2, ReplicaNumber: 1}),
		New(DoViewChange{View: 2, LastNormalView: 1, OpNumber: 2, CommitNumber: 1, ReplicaNumber: 1, Log: l}),
		New(StartView{View: 2, OpNumber: 2, CommitNumber: 2, Log: l}),
		New(Recovery{ReplicaNumber: 0, Nonce: 77}),
		New(RecoveryResponse{View: 2, OpNumber: 2, CommitNumber: 2, Nonce: 77, Log: &l}),
		New(Hello{Peer: Client(12)}),
	}

	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	for _, m := range msgs {
		require.NoError(t, enc.Encode(m))
	}

	dec := NewDecoder(&buf)
	for _, want := range msgs {
		got, err := dec.Decode()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestEncoder_RejectsMismatchedType(t *testing.T) {
	err := NewEncoder(&bytes.Buffer{}).Encode(Message{Type: TypeCommit, Content: PrepareOk{}})
	assert.ErrorIs(t, err, ErrInvalidType)

	_, err = Marshal(Message{Type: TypeReply})
	assert.ErrorIs(t, err, ErrInvalidType)
}

func TestMessage_LogWireShape(t *testing.T) {
	l := log.New()
	l.Append(log.Entry{Operation: kv.Get("k"), ClientID: 1, RequestNumber: 1})

	data, err := Marshal(New(StartView{View: 1, OpNumber: 1, CommitNumber: 1, Log: l}))
	require.NoError(t, err)

	var raw struct {
		Type    string `json:"type"`
		Content struct {
			Log map[string]json.RawMessage `json:"log"`
		} `json:"content"`
	}
	require.NoError(t, json.Unmarshal(data, &raw))

	assert.Equal(t, "start_view", raw.Type)
	assert.Contains(t, raw.Content.Log, "1")
}
