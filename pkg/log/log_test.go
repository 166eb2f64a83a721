package log

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tangledbytes/go-vrkv/pkg/kv"
)

func TestLog_Append(t *testing.T) {
	l := New()
	assert.Equal(t, uint64(0), l.Len())

	op := l.Append(Entry{Operation: kv.Set("x", "1"), ClientID: 7, RequestNumber: 1})
	assert.Equal(t, uint64(1), op)

	op = l.Append(Entry{Operation: kv.Get("x"), ClientID: 7, RequestNumber: 2})
	assert.Equal(t, uint64(2), op)

	assert.Equal(t, kv.Set("x", "1"), l.At(1).Operation)
	assert.Equal(t, uint64(2), l.At(2).RequestNumber)
}

func TestLog_AtOutOfRange(t *testing.T) {
	l := New()
	l.Append(Entry{Operation: kv.Get("x")})

	assert.Panics(t, func() { l.At(0) })
	assert.Panics(t, func() { l.At(2) })
}

func TestLog_Clone(t *testing.T) {
	l := New()
	l.Append(Entry{Operation: kv.Get("x"), ClientID: 1, RequestNumber: 1})

	c := l.Clone()
	c.Append(Entry{Operation: kv.Get("y")})
	c[0].ClientID = 99

	assert.Equal(t, uint64(1), l.Len())
	assert.Equal(t, uint64(1), l.At(1).ClientID)
}

func TestLog_JSONShape(t *testing.T) {
	l := New()
	l.Append(Entry{Operation: kv.Set("x", "1"), ClientID: 7, RequestNumber: 1})
	l.Append(Entry{Operation: kv.Delete("x"), ClientID: 8, RequestNumber: 3})

	data, err := json.Marshal(l)
	require.NoError(t, err)

	var raw map[string]map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Len(t, raw, 2)
	assert.Equal(t, "7", raw["1"]["client_id"])
	assert.Equal(t, "3", raw["2"]["request_number"])

	var decoded Log
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, l, decoded)
}

func TestLog_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantLen uint64
		wantErr bool
	}{
		{name: "empty object", data: `{}`, wantLen: 0},
		{name: "out of order keys", data: `{"2":{"operation":{"type":"get","key":"b"}},"1":{"operation":{"type":"get","key":"a"}}}`, wantLen: 2},
		{name: "gap", data: `{"1":{},"3":{}}`, wantErr: true},
		{name: "zero slot", data: `{"0":{}}`, wantErr: true},
		{name: "non numeric key", data: `{"one":{}}`, wantErr: true},
		{name: "same slot twice", data: `{"1":{"operation":{"type":"get","key":"a"}},"01":{"operation":{"type":"get","key":"b"}}}`, wantErr: true},
		{name: "leading zero", data: `{"01":{}}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var l Log
			err := json.Unmarshal([]byte(tt.data), &l)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedLog)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantLen, l.Len())
		})
	}
}

func TestLog_UnmarshalJSON_NotAnObject(t *testing.T) {
	var l Log
	assert.Error(t, json.Unmarshal([]byte(`[1,2]`), &l))
}
