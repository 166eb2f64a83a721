package kv

import (
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"
)

// Results produced by the state machine.
const (
	ResultStored   = "STORED"
	ResultDeleted  = "DELETED"
	ResultNotFound = "NOT_FOUND"
)

// StateMachine is the upcall target of a replica. Apply is invoked
// for committed operations only, strictly in op-number order, from a
// single goroutine.
type StateMachine interface {
	Apply(op Operation) string
	// Reset drops all state, used when a replica restarts and rebuilds
	// itself through recovery.
	Reset()
}

// Store is an in-memory StateMachine. Writes come from the replica
// worker only; reads through Lookup, Len and Range are safe from any
// goroutine.
type Store struct {
	data *xsync.MapOf[string, string]
}

func NewStore() *Store {
	return &Store{
		data: xsync.NewMapOf[string, string](),
	}
}

func (s *Store) Apply(op Operation) string {
	switch op.Kind {
	case KindGet:
		v, ok := s.data.Load(op.Key)
		if !ok {
			return ResultNotFound
		}
		return Value(op.Key, v)
	case KindSet:
		s.data.Store(op.Key, op.Value)
		return ResultStored
	case KindDelete:
		if _, ok := s.data.LoadAndDelete(op.Key); !ok {
			return ResultNotFound
		}
		return ResultDeleted
	default:
		return ResultNotFound
	}
}

func (s *Store) Reset() {
	s.data.Clear()
}

// Lookup reads a key without going through the log.
func (s *Store) Lookup(key string) (string, bool) {
	return s.data.Load(key)
}

func (s *Store) Len() int {
	return s.data.Size()
}

// Range calls f for every key until f returns false.
func (s *Store) Range(f func(key, value string) bool) {
	s.data.Range(f)
}

// Value formats the result of a successful get.
func Value(key, value string) string {
	return fmt.Sprintf("VALUE %s %s", key, value)
}

var _ StateMachine = (*Store)(nil)
