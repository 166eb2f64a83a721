package replica

import (
	"github.com/tangledbytes/go-vrkv/pkg/message"
)

// onRequest handles a request from a client. This is equivalent to
// <Request op, c, s> in the VR-revisited paper.
func (r *Replica) onRequest(from message.Peer, req message.Request) {
	if r.state.Status != StatusNormal {
		r.drop(message.TypeRequest, from, "not in normal status", "status", r.state.Status)
		return
	}

	// Only the primary orders requests. A client talking to a backup
	// has a stale view and will retry elsewhere once it times out.
	if !r.isPrimary() {
		r.drop(message.TypeRequest, from, "not primary", "primary", r.primary())
		return
	}

	if err := req.Operation.Validate(); err != nil {
		r.drop(message.TypeRequest, from, err.Error())
		return
	}

	if entry, ok := r.state.ClientTable.Lookup(req.ClientID); ok {
		if req.RequestNumber < entry.RequestNumber {
			r.drop(message.TypeRequest, from, "stale request",
				"client", req.ClientID, "request", req.RequestNumber, "latest", entry.RequestNumber)
			return
		}

		if req.RequestNumber == entry.RequestNumber {
			if entry.Processing {
				r.drop(message.TypeRequest, from, "request in flight", "client", req.ClientID, "request", req.RequestNumber)
				return
			}

			r.logger.Debug("resending cached reply", "client", req.ClientID, "request", req.RequestNumber)
			r.sendReply(req.ClientID, req.RequestNumber, entry.Result)
			return
		}
	}

	// 1. Assign the next slot.
	r.state.OpNumber = r.state.Log.Append(req.Entry())
	// 2. Remember the request as in flight.
	r.state.ClientTable.Begin(req.ClientID, req.RequestNumber)
	// 3. Open its ballot and replicate it.
	r.internal.ballots.open(r.state.OpNumber)
	r.broadcast(message.Prepare{
		Request:      req,
		View:         r.state.ViewNumber,
		OpNumber:     r.state.OpNumber,
		CommitNumber: r.state.CommitNumber,
	})
	r.internal.heartbeatTimer.Reset()
	r.metrics.requests.Inc()

	r.logger.Debug("prepared request", "op", r.state.OpNumber, "client", req.ClientID, "request", req.RequestNumber)

	// A single replica cluster is its own quorum.
	r.commitReady()
}

// onPrepare handles the Prepare sent by the primary to its backups.
func (r *Replica) onPrepare(from message.Peer, p message.Prepare) {
	if r.state.Status == StatusRecovering {
		r.drop(message.TypePrepare, from, "recovering")
		return
	}

	if p.View < r.state.ViewNumber {
		r.drop(message.TypePrepare, from, "old view", "view", p.View, "current", r.state.ViewNumber)
		return
	}

	// Either the cluster moved past our view, or the view we are
	// changing to already started without us.
	if p.View > r.state.ViewNumber || r.state.Status == StatusViewChange {
		r.logger.Info("prepare from a view we missed, recovering", "view", p.View, "current", r.state.ViewNumber)
		r.startRecovery()
		return
	}

	if r.isPrimary() {
		r.drop(message.TypePrepare, from, "primary does not take prepares")
		return
	}

	r.internal.primaryTimer.Reset()

	if p.OpNumber > r.state.OpNumber+1 {
		r.logger.Info("gap in the log, recovering", "op", p.OpNumber, "current", r.state.OpNumber)
		r.startRecovery()
		return
	}

	if p.OpNumber <= r.state.OpNumber {
		// A retransmission. Our ack may have been lost, so send it again.
		r.commitUpTo(p.CommitNumber)
		r.send(r.primary(), message.PrepareOk{
			View:          r.state.ViewNumber,
			OpNumber:      p.OpNumber,
			ReplicaNumber: r.state.ID,
		})
		return
	}

	// Everything the primary committed before this slot is already in
	// our log.
	r.commitUpTo(p.CommitNumber)

	r.state.OpNumber = r.state.Log.Append(p.Request.Entry())
	r.state.ClientTable.Begin(p.Request.ClientID, p.Request.RequestNumber)
	r.metrics.prepares.Inc()

	r.send(r.primary(), message.PrepareOk{
		View:          r.state.ViewNumber,
		OpNumber:      r.state.OpNumber,
		ReplicaNumber: r.state.ID,
	})
}

// onPrepareOk collects acknowledgements on the primary.
func (r *Replica) onPrepareOk(from message.Peer, ok message.PrepareOk) {
	if r.state.Status != StatusNormal {
		r.drop(message.TypePrepareOk, from, "not in normal status", "status", r.state.Status)
		return
	}

	if ok.View != r.state.ViewNumber {
		r.drop(message.TypePrepareOk, from, "other view", "view", ok.View, "current", r.state.ViewNumber)
		return
	}

	if !r.isPrimary() {
		r.drop(message.TypePrepareOk, from, "not primary")
		return
	}

	if ok.OpNumber <= r.state.CommitNumber {
		r.drop(message.TypePrepareOk, from, "already committed", "op", ok.OpNumber)
		return
	}

	if ok.OpNumber > r.state.OpNumber {
		r.drop(message.TypePrepareOk, from, "op not assigned", "op", ok.OpNumber, "current", r.state.OpNumber)
		return
	}

	if !r.isMember(ok.ReplicaNumber) {
		r.drop(message.TypePrepareOk, from, "not a backup", "replica", ok.ReplicaNumber)
		return
	}

	// Backups take prepares in order, so an ack for op covers every
	// slot before it.
	for op := r.state.CommitNumber + 1; op <= ok.OpNumber; op++ {
		r.internal.ballots.ack(op, ok.ReplicaNumber)
	}

	r.commitReady()
}

// commitReady executes, in order, every slot whose ballot reached a
// quorum and tells the backups about it.
func (r *Replica) commitReady() {
	quorum := int(r.n() / 2)

	committed := false
	for r.state.CommitNumber < r.state.OpNumber {
		next := r.state.CommitNumber + 1
		if r.internal.ballots.count(next) < quorum {
			break
		}

		r.execute(next, true)
		r.internal.ballots.close(next)
		committed = true
	}

	if committed {
		r.broadcast(message.Commit{View: r.state.ViewNumber, CommitNumber: r.state.CommitNumber})
		r.internal.heartbeatTimer.Reset()
	}
}

// resendPrepares broadcasts again every slot still waiting for its
// quorum.
func (r *Replica) resendPrepares() {
	for op := r.state.CommitNumber + 1; op <= r.state.OpNumber; op++ {
		r.broadcast(message.Prepare{
			Request:      message.RequestFromEntry(r.state.Log.At(op)),
			View:         r.state.ViewNumber,
			OpNumber:     op,
			CommitNumber: r.state.CommitNumber,
		})
	}
}

// onCommit handles the Commit sent by the primary, either right after
// a slot committed or as an idle heartbeat.
func (r *Replica) onCommit(from message.Peer, c message.Commit) {
	if r.state.Status == StatusRecovering {
		r.drop(message.TypeCommit, from, "recovering")
		return
	}

	if c.View < r.state.ViewNumber {
		r.drop(message.TypeCommit, from, "old view", "view", c.View, "current", r.state.ViewNumber)
		return
	}

	// Either the cluster moved past our view, or the view we are
	// changing to already started without us.
	if c.View > r.state.ViewNumber || r.state.Status == StatusViewChange {
		r.logger.Info("commit from a view we missed, recovering", "view", c.View, "current", r.state.ViewNumber)
		r.startRecovery()
		return
	}

	if r.isPrimary() {
		r.drop(message.TypeCommit, from, "primary does not take commits")
		return
	}

	r.internal.primaryTimer.Reset()

	if c.CommitNumber <= r.state.CommitNumber {
		return
	}

	r.commitUpTo(c.CommitNumber)

	if r.state.CommitNumber < c.CommitNumber {
		r.logger.Info("missing committed entries, recovering", "commit", c.CommitNumber, "op", r.state.OpNumber)
		r.startRecovery()
	}
}

// commitUpTo executes the slots after the commit number up to commit,
// bounded by what the log holds.
func (r *Replica) commitUpTo(commit uint64) {
	for r.state.CommitNumber < commit && r.state.CommitNumber < r.state.OpNumber {
		r.execute(r.state.CommitNumber+1, false)
	}
}

// execute applies slot op to the state machine. It must be the slot
// right after the commit number.
func (r *Replica) execute(op uint64, reply bool) {
	entry := r.state.Log.At(op)

	result := r.sm.Apply(entry.Operation)
	r.state.CommitNumber = op
	r.state.ClientTable.Complete(entry.ClientID, entry.RequestNumber, result)
	r.metrics.commits.Inc()

	r.logger.Debug("executed", "op", op, "operation", entry.Operation.String(), "result", result)

	if reply {
		r.sendReply(entry.ClientID, entry.RequestNumber, result)
	}
}

func (r *Replica) sendReply(client, rn uint64, result string) {
	r.router.SendToClient(client, message.New(message.Reply{
		View:          r.state.ViewNumber,
		RequestNumber: rn,
		Result:        result,
	}))
}
