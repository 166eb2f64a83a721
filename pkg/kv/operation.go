package kv

import (
	"errors"
	"fmt"
	"strings"
)

// Kind discriminates the operation variants.
type Kind string

const (
	KindGet    Kind = "get"
	KindSet    Kind = "set"
	KindDelete Kind = "delete"
)

// ErrInvalidOperation is returned when an operation cannot be parsed
// or carries the wrong arguments for its kind.
var ErrInvalidOperation = errors.New("invalid operation")

// Operation is a single key-value command. Value is only meaningful
// for KindSet.
type Operation struct {
	Kind  Kind   `json:"type"`
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

func Get(key string) Operation {
	return Operation{Kind: KindGet, Key: key}
}

func Set(key, value string) Operation {
	return Operation{Kind: KindSet, Key: key, Value: value}
}

func Delete(key string) Operation {
	return Operation{Kind: KindDelete, Key: key}
}

// Validate checks that the operation is well formed.
func (o Operation) Validate() error {
	if o.Key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidOperation)
	}

	switch o.Kind {
	case KindGet, KindDelete, KindSet:
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, o.Kind)
	}
}

// String renders the operation in its text form, the inverse of Parse.
func (o Operation) String() string {
	if o.Kind == KindSet {
		return fmt.Sprintf("%s %s %s", o.Kind, o.Key, o.Value)
	}

	return fmt.Sprintf("%s %s", o.Kind, o.Key)
}

// Parse reads the text form of an operation:
//
//	get <key>
//	set <key> <value>
//	delete <key>
//
// The command word is case insensitive. Everything after the key of a
// set command, spaces included, is the value.
func Parse(line string) (Operation, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return Operation{}, fmt.Errorf("%w: %q", ErrInvalidOperation, line)
	}

	switch Kind(strings.ToLower(fields[0])) {
	case KindGet:
		if len(fields) != 2 {
			return Operation{}, fmt.Errorf("%w: get takes exactly one key", ErrInvalidOperation)
		}
		return Get(fields[1]), nil
	case KindDelete:
		if len(fields) != 2 {
			return Operation{}, fmt.Errorf("%w: delete takes exactly one key", ErrInvalidOperation)
		}
		return Delete(fields[1]), nil
	case KindSet:
		if len(fields) < 3 {
			return Operation{}, fmt.Errorf("%w: set needs a key and a value", ErrInvalidOperation)
		}

		rest := strings.TrimSpace(line)
		rest = strings.TrimSpace(rest[len(fields[0]):])
		rest = strings.TrimSpace(rest[len(fields[1]):])
		return Set(fields[1], rest), nil
	default:
		return Operation{}, fmt.Errorf("%w: unknown command %q", ErrInvalidOperation, fields[0])
	}
}
