package replica

import (
	"slices"

	"github.com/tangledbytes/go-vrkv/pkg/message"
)

// startViewChange moves the replica to newView and asks the others to
// follow.
func (r *Replica) startViewChange(newView uint64) {
	if r.state.Status == StatusRecovering || newView <= r.state.ViewNumber {
		return
	}

	if r.state.Status == StatusNormal {
		r.state.LastNormalView = r.state.ViewNumber
	}

	r.logger.Info("starting view change", "view", newView, "from", r.state.ViewNumber, "primary", r.primaryForView(newView))

	r.state.ViewNumber = newView
	r.state.Status = StatusViewChange
	r.resetViewChange()
	r.internal.ballots.reset()

	r.internal.heartbeatTimer.Stop()
	r.internal.primaryTimer.Stop()
	r.internal.viewChangeTimer.Reset()
	r.metrics.viewChanges.Inc()

	r.broadcast(message.StartViewChange{View: newView, ReplicaNumber: r.state.ID})

	// With three replicas a single peer's StartViewChange is a quorum,
	// which may already be in hand.
	r.checkStartViewChangeQuorum()
}

func (r *Replica) resetViewChange() {
	clear(r.internal.startViewChanges)
	clear(r.internal.doViewChanges)
	r.internal.doViewChangeSent = false
}

func (r *Replica) onStartViewChange(from message.Peer, svc message.StartViewChange) {
	if r.state.Status == StatusRecovering {
		r.drop(message.TypeStartViewChange, from, "recovering")
		return
	}

	if svc.View < r.state.ViewNumber {
		r.drop(message.TypeStartViewChange, from, "old view", "view", svc.View, "current", r.state.ViewNumber)
		return
	}

	if svc.View == r.state.ViewNumber && r.state.Status == StatusNormal {
		r.drop(message.TypeStartViewChange, from, "view already started", "view", svc.View)
		return
	}

	if !r.isMember(svc.ReplicaNumber) {
		r.drop(message.TypeStartViewChange, from, "not a member", "replica", svc.ReplicaNumber)
		return
	}

	if svc.View > r.state.ViewNumber {
		r.startViewChange(svc.View)
	}

	r.internal.startViewChanges[svc.ReplicaNumber] = struct{}{}
	r.checkStartViewChangeQuorum()
}

// checkStartViewChangeQuorum sends the DoViewChange to the new primary
// once f other replicas agreed on the view.
func (r *Replica) checkStartViewChangeQuorum() {
	if r.state.Status != StatusViewChange || r.internal.doViewChangeSent {
		return
	}

	if uint64(len(r.internal.startViewChanges)) < r.n()/2 {
		return
	}

	r.internal.doViewChangeSent = true

	dvc := message.DoViewChange{
		View:           r.state.ViewNumber,
		LastNormalView: r.state.LastNormalView,
		OpNumber:       r.state.OpNumber,
		CommitNumber:   r.state.CommitNumber,
		ReplicaNumber:  r.state.ID,
		Log:            r.state.Log.Clone(),
	}

	target := r.primary()
	r.logger.Debug("sending do view change", "view", dvc.View, "to", target, "op", dvc.OpNumber)

	if target == r.state.ID {
		r.onDoViewChange(message.Replica(r.state.ID), dvc)
		return
	}

	r.send(target, dvc)
}

func (r *Replica) onDoViewChange(from message.Peer, dvc message.DoViewChange) {
	if r.state.Status == StatusRecovering {
		r.drop(message.TypeDoViewChange, from, "recovering")
		return
	}

	if dvc.View < r.state.ViewNumber {
		r.drop(message.TypeDoViewChange, from, "old view", "view", dvc.View, "current", r.state.ViewNumber)
		return
	}

	if dvc.View == r.state.ViewNumber && r.state.Status == StatusNormal {
		r.drop(message.TypeDoViewChange, from, "view already started", "view", dvc.View)
		return
	}

	if r.primaryForView(dvc.View) != r.state.ID {
		r.drop(message.TypeDoViewChange, from, "not the new primary", "view", dvc.View)
		return
	}

	if dvc.ReplicaNumber >= r.n() {
		r.drop(message.TypeDoViewChange, from, "not a member", "replica", dvc.ReplicaNumber)
		return
	}

	if dvc.OpNumber != dvc.Log.Len() || dvc.CommitNumber > dvc.OpNumber {
		r.drop(message.TypeDoViewChange, from, "inconsistent log", "op", dvc.OpNumber, "len", dvc.Log.Len())
		return
	}

	// A DoViewChange for a later view means a quorum moved on without
	// us.
	if dvc.View > r.state.ViewNumber {
		r.startViewChange(dvc.View)
	}

	r.internal.doViewChanges[dvc.ReplicaNumber] = dvc

	if uint64(len(r.internal.doViewChanges)) >= r.n()/2+1 {
		r.finishViewChange()
	}
}

// finishViewChange installs the most up to date log among the collected
// DoViewChange messages and starts the new view as its primary.
func (r *Replica) finishViewChange() {
	ids := make([]uint64, 0, len(r.internal.doViewChanges))
	for id := range r.internal.doViewChanges {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	var best message.DoViewChange
	commit := r.state.CommitNumber
	for i, id := range ids {
		dvc := r.internal.doViewChanges[id]
		if i == 0 || dvc.LastNormalView > best.LastNormalView ||
			(dvc.LastNormalView == best.LastNormalView && dvc.OpNumber > best.OpNumber) {
			best = dvc
		}

		commit = max(commit, dvc.CommitNumber)
	}

	r.logger.Info("completing view change",
		"view", r.state.ViewNumber, "log_from", best.ReplicaNumber, "op", best.OpNumber, "commit", commit)

	r.adopt(best.Log, commit)
	r.enterNormal()

	// Slots past the commit number were prepared in an earlier view;
	// the backups acknowledge them again after StartView.
	for op := r.state.CommitNumber + 1; op <= r.state.OpNumber; op++ {
		r.internal.ballots.open(op)
	}

	r.broadcast(message.StartView{
		View:         r.state.ViewNumber,
		OpNumber:     r.state.OpNumber,
		CommitNumber: r.state.CommitNumber,
		Log:          r.state.Log.Clone(),
	})
}

func (r *Replica) onStartView(from message.Peer, sv message.StartView) {
	if r.state.Status == StatusRecovering {
		r.drop(message.TypeStartView, from, "recovering")
		return
	}

	if sv.View < r.state.ViewNumber {
		r.drop(message.TypeStartView, from, "old view", "view", sv.View, "current", r.state.ViewNumber)
		return
	}

	if sv.View == r.state.ViewNumber && r.state.Status == StatusNormal {
		r.drop(message.TypeStartView, from, "view already started", "view", sv.View)
		return
	}

	if r.primaryForView(sv.View) == r.state.ID {
		r.drop(message.TypeStartView, from, "own view", "view", sv.View)
		return
	}

	if sv.OpNumber != sv.Log.Len() || sv.CommitNumber > sv.OpNumber {
		r.drop(message.TypeStartView, from, "inconsistent log", "op", sv.OpNumber, "len", sv.Log.Len())
		return
	}

	r.logger.Info("entering view", "view", sv.View, "primary", r.primaryForView(sv.View), "op", sv.OpNumber)

	r.state.ViewNumber = sv.View
	r.adopt(sv.Log, sv.CommitNumber)
	r.enterNormal()
	r.sendPrepareOks()
}

// sendPrepareOks acknowledges the uncommitted slots to the primary of
// the view just entered. One ack for the last slot covers all of them.
func (r *Replica) sendPrepareOks() {
	if r.isPrimary() || r.state.CommitNumber == r.state.OpNumber {
		return
	}

	r.send(r.primary(), message.PrepareOk{
		View:          r.state.ViewNumber,
		OpNumber:      r.state.OpNumber,
		ReplicaNumber: r.state.ID,
	})
}
