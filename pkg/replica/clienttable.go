package replica

import "github.com/tangledbytes/go-vrkv/pkg/log"

// ClientEntry is the latest request accepted from a client.
type ClientEntry struct {
	// RequestNumber is the highest request number accepted.
	RequestNumber uint64
	// Processing is set while the request is in the log but not yet
	// executed.
	Processing bool
	// Result is the reply of the request once executed.
	Result string
}

// ClientTable deduplicates client requests by client id.
type ClientTable map[uint64]ClientEntry

func (t ClientTable) Lookup(client uint64) (ClientEntry, bool) {
	e, ok := t[client]
	return e, ok
}

// Begin records that request rn of client entered the log.
func (t ClientTable) Begin(client, rn uint64) {
	t[client] = ClientEntry{RequestNumber: rn, Processing: true}
}

// Complete stores the result of request rn. Results of requests the
// client has since moved past are not kept.
func (t ClientTable) Complete(client, rn uint64, result string) {
	e, ok := t[client]
	if ok && e.RequestNumber != rn {
		return
	}

	t[client] = ClientEntry{RequestNumber: rn, Result: result}
}

func (t ClientTable) Clone() ClientTable {
	c := make(ClientTable, len(t))
	for k, v := range t {
		c[k] = v
	}

	return c
}

// rebuildClientTable derives the client table from an adopted log.
// Slots up to executed have already run on this replica, so their
// cached results in old are kept when they belong to the same request.
// Slots after executed are in flight until executed again.
func rebuildClientTable(old ClientTable, l log.Log, executed uint64) ClientTable {
	t := make(ClientTable)

	for op := uint64(1); op <= l.Len(); op++ {
		e := l.At(op)

		entry := ClientEntry{
			RequestNumber: e.RequestNumber,
			Processing:    op > executed,
		}
		if prev, ok := old[e.ClientID]; ok && !entry.Processing && !prev.Processing && prev.RequestNumber == e.RequestNumber {
			entry.Result = prev.Result
		}

		t[e.ClientID] = entry
	}

	return t
}
