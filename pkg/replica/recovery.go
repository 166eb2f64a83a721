package replica

import (
	"github.com/tangledbytes/go-vrkv/pkg/message"
)

// startRecovery abandons the current state and asks the other replicas
// for theirs. The replica takes no part in the protocol until a quorum,
// the primary of the latest view included, has answered.
func (r *Replica) startRecovery() {
	if r.state.Status == StatusRecovering {
		return
	}

	r.logger.Info("starting recovery", "view", r.state.ViewNumber, "op", r.state.OpNumber, "commit", r.state.CommitNumber)

	r.state.Status = StatusRecovering
	r.resetViewChange()
	r.internal.ballots.reset()
	r.internal.primaryResponse = nil
	clear(r.internal.recoveryResponses)
	r.stopTimers()
	r.metrics.recoveries.Inc()

	if r.n() == 1 {
		// Nobody to ask. A lone replica owns the only copy of history.
		r.enterNormal()
		return
	}

	r.sendRecovery()
}

// sendRecovery broadcasts a Recovery under a fresh nonce, discarding
// the responses to any earlier one.
func (r *Replica) sendRecovery() {
	r.internal.recoveryNonce = r.rng.Uint64() ^ uint64(r.clock.Now())
	r.internal.primaryResponse = nil
	clear(r.internal.recoveryResponses)
	r.internal.recoveryTimer.Reset()

	r.broadcast(message.Recovery{ReplicaNumber: r.state.ID, Nonce: r.internal.recoveryNonce})
}

func (r *Replica) onRecovery(from message.Peer, rec message.Recovery) {
	// A replica catching up still holds everything it knew about its
	// view and vouches for it like a backup. Otherwise two lagging
	// backups would wait on each other forever.
	lagging := r.state.Status == StatusRecovering && !r.internal.wiped
	if r.state.Status != StatusNormal && !lagging {
		r.drop(message.TypeRecovery, from, "not in normal status", "status", r.state.Status)
		return
	}

	if !r.isMember(rec.ReplicaNumber) {
		r.drop(message.TypeRecovery, from, "not a member", "replica", rec.ReplicaNumber)
		return
	}

	resp := message.RecoveryResponse{
		View:  r.state.ViewNumber,
		Nonce: rec.Nonce,
	}

	// Only the primary ships its log; the backups merely vouch for the
	// view.
	if r.state.Status == StatusNormal && r.isPrimary() {
		l := r.state.Log.Clone()
		resp.Log = &l
		resp.OpNumber = r.state.OpNumber
		resp.CommitNumber = r.state.CommitNumber
	}

	r.send(rec.ReplicaNumber, resp)
}

func (r *Replica) onRecoveryResponse(from message.Peer, resp message.RecoveryResponse) {
	if r.state.Status != StatusRecovering {
		r.drop(message.TypeRecoveryResponse, from, "not recovering")
		return
	}

	if resp.Nonce != r.internal.recoveryNonce {
		r.drop(message.TypeRecoveryResponse, from, "nonce mismatch")
		return
	}

	if !from.IsReplica() || !r.isMember(from.ID) {
		r.drop(message.TypeRecoveryResponse, from, "not a member")
		return
	}

	if resp.Log != nil {
		if from.ID != r.primaryForView(resp.View) {
			r.drop(message.TypeRecoveryResponse, from, "log from a backup", "view", resp.View)
			return
		}

		if resp.OpNumber != resp.Log.Len() || resp.CommitNumber > resp.OpNumber {
			r.drop(message.TypeRecoveryResponse, from, "inconsistent log", "op", resp.OpNumber, "len", resp.Log.Len())
			return
		}

		if p := r.internal.primaryResponse; p == nil || resp.View >= p.View {
			r.internal.primaryResponse = &resp
		}
	}

	r.internal.recoveryResponses[from.ID] = resp.View

	if uint64(len(r.internal.recoveryResponses)) < r.n()/2+1 {
		return
	}

	p := r.internal.primaryResponse
	if p == nil {
		return
	}

	// A backup vouching for a newer view means the primary response we
	// hold is stale. Wait for the primary of that view.
	for _, view := range r.internal.recoveryResponses {
		if view > p.View {
			return
		}
	}

	r.completeRecovery(*p)
}

func (r *Replica) completeRecovery(p message.RecoveryResponse) {
	r.logger.Info("recovered", "view", p.View, "op", p.OpNumber, "commit", p.CommitNumber)

	r.state.ViewNumber = p.View
	r.adopt(*p.Log, p.CommitNumber)
	r.enterNormal()
	r.sendPrepareOks()
}
