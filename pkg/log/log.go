package log

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/tangledbytes/go-vrkv/pkg/assert"
	"github.com/tangledbytes/go-vrkv/pkg/kv"
)

// ErrMalformedLog is returned when a decoded log does not describe
// the contiguous slots 1..n.
var ErrMalformedLog = errors.New("malformed log")

// Entry is the client request occupying one slot of the log.
type Entry struct {
	Operation     kv.Operation `json:"operation"`
	ClientID      uint64       `json:"client_id,string"`
	RequestNumber uint64       `json:"request_number,string"`
}

// Log is the operation log of a replica. Op-numbers are 1-indexed:
// slot n lives at index n-1.
type Log []Entry

func New() Log {
	return make(Log, 0)
}

// Len returns the highest occupied op-number.
func (l Log) Len() uint64 {
	return uint64(len(l))
}

// Append writes e into the next slot and returns its op-number.
func (l *Log) Append(e Entry) uint64 {
	*l = append(*l, e)
	return uint64(len(*l))
}

// At returns the entry in slot op.
func (l Log) At(op uint64) Entry {
	assert.Assert(op >= 1 && op <= l.Len(), "op %d out of range [1, %d]", op, l.Len())
	return l[op-1]
}

// Clone returns a copy that shares nothing with l.
func (l Log) Clone() Log {
	c := make(Log, len(l))
	copy(c, l)
	return c
}

// MarshalJSON encodes the log as an object keyed by op-number.
func (l Log) MarshalJSON() ([]byte, error) {
	m := make(map[string]Entry, len(l))
	for i, e := range l {
		m[strconv.Itoa(i+1)] = e
	}

	return json.Marshal(m)
}

func (l *Log) UnmarshalJSON(data []byte) error {
	var m map[string]Entry
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}

	decoded := make(Log, len(m))
	filled := make([]bool, len(m))
	for k, e := range m {
		op, err := strconv.ParseUint(k, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: op-number %q: %w", ErrMalformedLog, k, err)
		}
		// "01" and "1" would otherwise land in the same slot and leave
		// another one empty.
		if strconv.FormatUint(op, 10) != k {
			return fmt.Errorf("%w: op-number %q is not in canonical form", ErrMalformedLog, k)
		}
		if op == 0 || op > uint64(len(m)) {
			return fmt.Errorf("%w: op-number %d outside 1..%d", ErrMalformedLog, op, len(m))
		}
		if filled[op-1] {
			return fmt.Errorf("%w: op-number %d given twice", ErrMalformedLog, op)
		}

		decoded[op-1] = e
		filled[op-1] = true
	}

	*l = decoded
	return nil
}
