package replica

// ballots maps an uncommitted op-number to the backups that acknowledged
// its Prepare. The primary counts itself implicitly.
type ballots map[uint64]map[uint64]struct{}

func (b ballots) open(op uint64) {
	b[op] = make(map[uint64]struct{})
}

// ack records a PrepareOk and reports whether a ballot was open for op.
func (b ballots) ack(op, replica uint64) bool {
	votes, ok := b[op]
	if !ok {
		return false
	}

	votes[replica] = struct{}{}
	return true
}

func (b ballots) count(op uint64) int {
	return len(b[op])
}

func (b ballots) close(op uint64) {
	delete(b, op)
}

func (b ballots) reset() {
	clear(b)
}
