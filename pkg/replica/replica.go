package replica

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"

	"github.com/tangledbytes/go-vrkv/pkg/assert"
	"github.com/tangledbytes/go-vrkv/pkg/clock"
	"github.com/tangledbytes/go-vrkv/pkg/config"
	"github.com/tangledbytes/go-vrkv/pkg/kv"
	"github.com/tangledbytes/go-vrkv/pkg/log"
	"github.com/tangledbytes/go-vrkv/pkg/message"
	"github.com/tangledbytes/go-vrkv/pkg/network"
	"github.com/tangledbytes/go-vrkv/pkg/queue"
)

const (
	DefaultHeartbeatTimeout  = 500 * time.Millisecond
	DefaultViewChangeTimeout = 2 * time.Second
	DefaultRecoveryTimeout   = time.Second
)

var (
	// ErrInvalidConfig is returned by New for an unusable Config.
	ErrInvalidConfig = errors.New("invalid replica config")
	// ErrRunning is returned by Run when the event loop is already
	// running.
	ErrRunning = errors.New("replica is already running")
)

type Status int

const (
	// StatusNormal is the status of a replica taking part in the normal
	// protocol, as primary or as backup.
	StatusNormal Status = iota

	// StatusViewChange is the status of a replica negotiating a new
	// primary.
	StatusViewChange

	// StatusRecovering is the status of a replica rebuilding its state
	// from the others after a restart or after noticing it fell behind.
	StatusRecovering
)

func (s Status) String() string {
	switch s {
	case StatusNormal:
		return "normal"
	case StatusViewChange:
		return "view-change"
	case StatusRecovering:
		return "recovering"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// State represents the protocol state of a single replica, primary or
// backup.
type State struct {
	// ID is the replica number, the index of the replica in Members.
	ID uint64

	// ViewNumber is the current view. The primary of view v is
	// Members[v mod len(Members)].
	ViewNumber uint64

	// OpNumber is the highest slot assigned in the log.
	OpNumber uint64

	// CommitNumber is the highest slot executed on the state machine.
	// It never exceeds OpNumber.
	CommitNumber uint64

	// LastNormalView is the last view in which the replica had status
	// normal.
	LastNormalView uint64

	Status  Status
	Members []config.Member

	// Log holds the requests in op-number order.
	Log log.Log

	// ClientTable holds the latest request seen from every client.
	ClientTable ClientTable
}

// Snapshot is the subset of State published for other goroutines.
type Snapshot struct {
	ID           uint64
	View         uint64
	OpNumber     uint64
	CommitNumber uint64
	Primary      uint64
	Status       Status
}

type eventKind int

const (
	eventMessage eventKind = iota
	eventDisconnect
	eventTick
	eventRestart
)

type event struct {
	kind eventKind
	env  message.Envelope
	peer uint64
}

type Internal struct {
	// ballots tracks the PrepareOks of every uncommitted slot. Only the
	// primary uses it.
	ballots ballots

	// startViewChanges holds the replicas that sent a StartViewChange
	// for the current view.
	startViewChanges map[uint64]struct{}
	// doViewChangeSent is set once this replica sent its DoViewChange
	// for the current view.
	doViewChangeSent bool
	// doViewChanges holds the DoViewChange messages received for the
	// current view, by replica number. Only the new primary fills it.
	doViewChanges map[uint64]message.DoViewChange

	// recoveryNonce identifies the outstanding Recovery broadcast.
	recoveryNonce uint64
	// recoveryResponses holds the view reported by every replica that
	// answered recoveryNonce.
	recoveryResponses map[uint64]uint64
	// primaryResponse is the highest view response carrying a log.
	primaryResponse *message.RecoveryResponse
	// wiped is set from a restart until the next normal status. A wiped
	// replica knows nothing and must not answer Recovery.
	wiped bool

	// heartbeatTimer fires when the primary has been idle long enough
	// to owe its backups a Commit.
	heartbeatTimer *clock.Timer
	// primaryTimer fires when a backup has not heard from its primary
	// for too long.
	primaryTimer *clock.Timer
	// viewChangeTimer fires when a view change stalls.
	viewChangeTimer *clock.Timer
	// recoveryTimer fires when a Recovery broadcast went unanswered.
	recoveryTimer *clock.Timer

	// sq is the submission queue. Everything the replica does is driven
	// by the events popped from it.
	sq *queue.Queue[event]

	running atomic.Bool
}

type Replica struct {
	// state holds all the protocol state of the replica.
	state   State
	router  network.Router
	sm      kv.StateMachine
	clock   clock.Clock
	rng     *rand.Rand
	logger  *slog.Logger
	metrics *replicaMetrics

	snapshot atomic.Pointer[Snapshot]

	internal Internal
}

type Config struct {
	ID      uint64
	Members []config.Member

	Router       network.Router
	StateMachine kv.StateMachine
	// Clock defaults to the real clock.
	Clock clock.Clock

	HeartbeatTimeout  time.Duration
	ViewChangeTimeout time.Duration
	RecoveryTimeout   time.Duration

	// Recovering makes the replica start with a recovery instead of
	// joining view 0 as a fresh member.
	Recovering bool

	// Seed feeds the recovery nonce generator. Zero seeds from the wall
	// clock.
	Seed uint64

	// Metrics receives the replica metrics. A private set is used when
	// nil.
	Metrics *metrics.Set
	Logger  *slog.Logger
}

func New(cfg Config) (*Replica, error) {
	if err := config.ValidateMembers(cfg.Members); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if cfg.ID >= uint64(len(cfg.Members)) {
		return nil, fmt.Errorf("%w: replica %d is not a member", ErrInvalidConfig, cfg.ID)
	}
	if cfg.Router == nil || cfg.StateMachine == nil {
		return nil, fmt.Errorf("%w: router and state machine are required", ErrInvalidConfig)
	}

	if cfg.Clock == nil {
		cfg.Clock = clock.NewReal()
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if cfg.ViewChangeTimeout <= 0 {
		cfg.ViewChangeTimeout = DefaultViewChangeTimeout
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if cfg.Seed == 0 {
		cfg.Seed = uint64(time.Now().UnixNano())
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewSet()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	members := slices.Clone(cfg.Members)
	slices.SortFunc(members, func(a, b config.Member) int {
		return cmp.Compare(a.ID, b.ID)
	})

	r := &Replica{
		state: State{
			ID:          cfg.ID,
			Status:      StatusNormal,
			Members:     members,
			Log:         log.New(),
			ClientTable: make(ClientTable),
		},
		router: cfg.Router,
		sm:     cfg.StateMachine,
		clock:  cfg.Clock,
		rng:    rand.New(rand.NewPCG(cfg.Seed, cfg.ID)),
		logger: cfg.Logger.With("replica", cfg.ID),
		internal: Internal{
			ballots:           make(ballots),
			startViewChanges:  make(map[uint64]struct{}),
			doViewChanges:     make(map[uint64]message.DoViewChange),
			recoveryResponses: make(map[uint64]uint64),
			sq:                queue.New[event](),

			heartbeatTimer:  clock.NewTimer(cfg.Clock, cfg.HeartbeatTimeout),
			primaryTimer:    clock.NewTimer(cfg.Clock, cfg.ViewChangeTimeout),
			viewChangeTimer: clock.NewTimer(cfg.Clock, cfg.ViewChangeTimeout),
			recoveryTimer:   clock.NewTimer(cfg.Clock, cfg.RecoveryTimeout),
		},
	}
	r.metrics = newReplicaMetrics(cfg.Metrics, cfg.ID, r.Snapshot)

	r.armNormalTimers()
	r.publish()

	if cfg.Recovering {
		r.internal.sq.Push(event{kind: eventRestart})
	}

	return r, nil
}

// Deliver hands an inbound message to the replica. It is safe to call
// from any goroutine; the message is processed by the event loop.
func (r *Replica) Deliver(env message.Envelope) {
	r.internal.sq.Push(event{kind: eventMessage, env: env})
}

// PeerDisconnected reports that the connection to replica id dropped.
func (r *Replica) PeerDisconnected(id uint64) {
	r.internal.sq.Push(event{kind: eventDisconnect, peer: id})
}

// Tick asks the event loop to check the timers.
func (r *Replica) Tick() {
	r.internal.sq.Push(event{kind: eventTick})
}

// Restart wipes the replica, state machine included, and makes it
// rejoin the cluster through recovery.
func (r *Replica) Restart() {
	r.internal.sq.Push(event{kind: eventRestart})
}

// Step processes a single queued event and reports whether there was
// one. It is meant for drivers owning the replica's only thread, such
// as tests and the simulator, and must not be mixed with Run.
func (r *Replica) Step() bool {
	assert.Assert(!r.internal.running.Load(), "Step called while Run is active")

	ev, ok := r.internal.sq.Pop()
	if !ok {
		return false
	}

	r.process(ev)
	return true
}

// Run is the event loop. It processes events as they are queued and
// checks the timers every tickInterval until ctx is done.
func (r *Replica) Run(ctx context.Context, tickInterval time.Duration) error {
	if !r.internal.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer r.internal.running.Store(false)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	r.logger.Info("replica running", "members", len(r.state.Members), "status", r.state.Status)

	for {
		select {
		case <-ctx.Done():
			r.stopTimers()
			r.logger.Info("replica stopped", "view", r.state.ViewNumber, "commit", r.state.CommitNumber)
			return nil
		case <-ticker.C:
			r.process(event{kind: eventTick})
		case <-r.internal.sq.Ready():
			for {
				ev, ok := r.internal.sq.Pop()
				if !ok {
					break
				}
				r.process(ev)
			}
		}
	}
}

// State returns a deep copy of the protocol state. Only call it from
// the goroutine driving Step.
func (r *Replica) State() State {
	s := r.state
	s.Members = slices.Clone(r.state.Members)
	s.Log = r.state.Log.Clone()
	s.ClientTable = r.state.ClientTable.Clone()
	return s
}

// Snapshot returns the latest published numbers. Safe from any
// goroutine.
func (r *Replica) Snapshot() Snapshot {
	s := r.snapshot.Load()
	if s == nil {
		return Snapshot{}
	}

	return *s
}

func (r *Replica) process(ev event) {
	switch ev.kind {
	case eventMessage:
		r.dispatch(ev.env)
	case eventDisconnect:
		r.onPeerDisconnected(ev.peer)
	case eventTick:
		r.onTimerTick()
	case eventRestart:
		r.restart()
	}

	assert.Assert(r.state.CommitNumber <= r.state.OpNumber, "commit %d above op %d", r.state.CommitNumber, r.state.OpNumber)
	assert.Assert(r.state.OpNumber == r.state.Log.Len(), "op %d but log holds %d", r.state.OpNumber, r.state.Log.Len())

	r.publish()
}

func (r *Replica) dispatch(env message.Envelope) {
	from := env.From

	switch m := env.Message.Content.(type) {
	case message.Request:
		r.onRequest(from, m)
	case message.Prepare:
		r.onPrepare(from, m)
	case message.PrepareOk:
		r.onPrepareOk(from, m)
	case message.Commit:
		r.onCommit(from, m)
	case message.StartViewChange:
		r.onStartViewChange(from, m)
	case message.DoViewChange:
		r.onDoViewChange(from, m)
	case message.StartView:
		r.onStartView(from, m)
	case message.Recovery:
		r.onRecovery(from, m)
	case message.RecoveryResponse:
		r.onRecoveryResponse(from, m)
	default:
		r.logger.Warn("replica received an unexpected message", "from", from, "type", env.Message.Type)
	}
}

// onPeerDisconnected starts a view change when the lost peer is the
// primary of the current view.
func (r *Replica) onPeerDisconnected(id uint64) {
	if r.state.Status != StatusNormal || id == r.state.ID || id != r.primary() {
		return
	}

	r.logger.Info("lost connection to primary", "primary", id, "view", r.state.ViewNumber)
	r.startViewChange(r.state.ViewNumber + 1)
}

func (r *Replica) onTimerTick() {
	switch r.state.Status {
	case StatusNormal:
		if r.isPrimary() {
			if r.internal.heartbeatTimer.Done() {
				if r.state.CommitNumber < r.state.OpNumber {
					r.logger.Debug("resending uncommitted prepares", "commit", r.state.CommitNumber, "op", r.state.OpNumber)
					r.resendPrepares()
				}

				r.logger.Debug("primary idle, sending commit", "commit", r.state.CommitNumber)
				r.broadcast(message.Commit{View: r.state.ViewNumber, CommitNumber: r.state.CommitNumber})
				r.internal.heartbeatTimer.Reset()
			}
			return
		}

		if r.internal.primaryTimer.Done() {
			r.logger.Info("primary silent, starting view change", "primary", r.primary(), "view", r.state.ViewNumber)
			r.startViewChange(r.state.ViewNumber + 1)
		}
	case StatusViewChange:
		if r.internal.viewChangeTimer.Done() {
			r.logger.Info("view change stalled, moving to next view", "view", r.state.ViewNumber)
			r.startViewChange(r.state.ViewNumber + 1)
		}
	case StatusRecovering:
		if r.internal.recoveryTimer.Done() {
			r.logger.Info("recovery unanswered, retrying")
			r.sendRecovery()
		}
	}
}

func (r *Replica) restart() {
	r.logger.Info("restarting replica", "view", r.state.ViewNumber, "op", r.state.OpNumber)

	r.state = State{
		ID:          r.state.ID,
		Status:      StatusNormal,
		Members:     r.state.Members,
		Log:         log.New(),
		ClientTable: make(ClientTable),
	}
	r.sm.Reset()
	r.resetViewChange()
	r.internal.ballots.reset()
	r.internal.wiped = true
	r.stopTimers()

	r.startRecovery()
}

// enterNormal makes the replica a primary or backup of the current
// view.
func (r *Replica) enterNormal() {
	r.state.Status = StatusNormal
	r.state.LastNormalView = r.state.ViewNumber

	r.resetViewChange()
	r.internal.ballots.reset()
	r.internal.primaryResponse = nil
	r.internal.wiped = false
	clear(r.internal.recoveryResponses)

	r.stopTimers()
	r.armNormalTimers()
}

// adopt replaces the log with l and executes it up to commit. The
// client table is rebuilt from l so that only requests present in the
// adopted history are considered seen.
func (r *Replica) adopt(l log.Log, commit uint64) {
	executed := r.state.CommitNumber
	if executed > l.Len() {
		// Our state machine ran ahead of the adopted history, which only
		// happens if this replica was wiped without going through
		// restart. Replay from scratch.
		r.logger.Warn("executed state ahead of adopted log, replaying", "executed", executed, "op", l.Len())
		r.sm.Reset()
		r.state.CommitNumber = 0
		executed = 0
	}

	r.state.Log = l.Clone()
	r.state.OpNumber = r.state.Log.Len()
	r.state.ClientTable = rebuildClientTable(r.state.ClientTable, r.state.Log, executed)

	r.commitUpTo(min(commit, r.state.OpNumber))
}

func (r *Replica) armNormalTimers() {
	if r.isPrimary() {
		r.internal.heartbeatTimer.Reset()
		return
	}

	r.internal.primaryTimer.Reset()
}

func (r *Replica) stopTimers() {
	r.internal.heartbeatTimer.Stop()
	r.internal.primaryTimer.Stop()
	r.internal.viewChangeTimer.Stop()
	r.internal.recoveryTimer.Stop()
}

func (r *Replica) publish() {
	r.snapshot.Store(&Snapshot{
		ID:           r.state.ID,
		View:         r.state.ViewNumber,
		OpNumber:     r.state.OpNumber,
		CommitNumber: r.state.CommitNumber,
		Primary:      r.primary(),
		Status:       r.state.Status,
	})
}

func (r *Replica) n() uint64 {
	return uint64(len(r.state.Members))
}

func (r *Replica) primaryForView(view uint64) uint64 {
	return r.state.Members[view%r.n()].ID
}

func (r *Replica) primary() uint64 {
	return r.primaryForView(r.state.ViewNumber)
}

func (r *Replica) isPrimary() bool {
	return r.primary() == r.state.ID
}

// isMember reports whether id is another replica of the configuration.
func (r *Replica) isMember(id uint64) bool {
	return id < r.n() && id != r.state.ID
}

// broadcast sends c to every other replica.
func (r *Replica) broadcast(c message.Content) {
	m := message.New(c)
	for _, member := range r.state.Members {
		if member.ID == r.state.ID {
			continue
		}

		r.router.SendToReplica(member.ID, m)
	}
}

func (r *Replica) send(to uint64, c message.Content) {
	r.router.SendToReplica(to, message.New(c))
}

func (r *Replica) drop(t message.Type, from message.Peer, reason string, args ...any) {
	r.metrics.dropped.Inc()
	r.logger.Debug("dropping message", append([]any{"type", t, "from", from, "reason", reason}, args...)...)
}
