package simulator

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"math/rand/v2"
	"time"

	"github.com/tangledbytes/go-vrkv/internal/simulator/constant"
	"github.com/tangledbytes/go-vrkv/pkg/client"
	"github.com/tangledbytes/go-vrkv/pkg/clock"
	"github.com/tangledbytes/go-vrkv/pkg/config"
	"github.com/tangledbytes/go-vrkv/pkg/kv"
	"github.com/tangledbytes/go-vrkv/pkg/message"
	"github.com/tangledbytes/go-vrkv/pkg/replica"
	"github.com/tangledbytes/go-vrkv/pkg/utils"
)

const (
	defaultMaxIterations = 2_000_000
	quiesceIterations    = 200_000
	safetyCheckEvery     = 64
)

var (
	// ErrSafety is returned when replicas disagree on committed state or
	// a client sees a result the sequential model does not allow.
	ErrSafety = errors.New("safety violation")
	// ErrLiveness is returned when the simulation does not finish within
	// its iteration budget.
	ErrLiveness = errors.New("simulation made no progress")
)

type Config struct {
	Seed uint64

	// Replicas, Clients and Requests are drawn from the seed when zero.
	Replicas int
	Clients  int
	Requests int

	MaxIterations int

	// Logger receives the simulator's own progress. The replicas and
	// clients log to ReplicaLogger, which discards by default.
	Logger        *slog.Logger
	ReplicaLogger *slog.Logger
}

// Report summarizes a finished simulation.
type Report struct {
	Seed       uint64
	Replicas   int
	Clients    int
	Requests   int
	Iterations int
	// Elapsed is the virtual time the run took.
	Elapsed   time.Duration
	View      uint64
	Commit    uint64
	Faults    int
	Sent      int
	Dropped   int
	Reordered int
}

func (r Report) String() string {
	return fmt.Sprintf(
		"seed=%d replicas=%d clients=%d requests=%d iterations=%d elapsed=%s view=%d commit=%d faults=%d sent=%d dropped=%d reordered=%d",
		r.Seed, r.Replicas, r.Clients, r.Requests, r.Iterations, r.Elapsed, r.View, r.Commit, r.Faults, r.Sent, r.Dropped, r.Reordered,
	)
}

type faultKind int

const (
	faultIsolate faultKind = iota
	faultRestart
)

type fault struct {
	kind    faultKind
	replica uint64
	until   time.Duration
}

// expectation is what the sequential model predicts for one client.
type expectation struct {
	op   kv.Operation
	want string
}

type Simulator struct {
	cfg  Config
	rng  *rand.Rand
	seed uint64

	net   *SimulatedNetworkWorld
	clock *clock.Virtual

	replicas []*replica.Replica
	stores   []*kv.Store
	clients  []*client.Client

	// models hold the keys of every client; keys are private to their
	// client, so each model evolves in submission order.
	models   []map[string]string
	expected [][]expectation

	fault  *fault
	faults int

	sentReq      int
	processedReq int
	iterations   int

	logger *slog.Logger
}

func New(cfg Config) (*Simulator, error) {
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed>>32|1))

	if cfg.Replicas == 0 {
		cfg.Replicas = 3 + 2*rng.IntN(2)
	}
	if cfg.Clients == 0 {
		cfg.Clients = utils.RandomIntRange(rng, 1, 9)
	}
	if cfg.Requests == 0 {
		cfg.Requests = utils.RandomIntRange(rng, 100, 500)
	}
	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ReplicaLogger == nil {
		cfg.ReplicaLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if cfg.Replicas < 1 || cfg.Clients < 1 || cfg.Requests < 1 {
		return nil, fmt.Errorf("invalid simulation: %d replicas, %d clients, %d requests", cfg.Replicas, cfg.Clients, cfg.Requests)
	}

	s := &Simulator{
		cfg:   cfg,
		rng:   rng,
		seed:  cfg.Seed,
		net:   NewSimulatedNetworkWorld(rng, cfg.ReplicaLogger),
		clock: clock.NewVirtual(),

		logger: cfg.Logger,
	}

	if err := s.initializeReplicas(cfg.Replicas); err != nil {
		return nil, err
	}
	if err := s.initializeClients(cfg.Clients); err != nil {
		return nil, err
	}

	return s, nil
}

// Simulate runs the workload to completion under random message loss,
// reordering, partitions and restarts, then lets the cluster settle and
// checks that every replica ended with the same history and store.
func (s *Simulator) Simulate() (Report, error) {
	s.logger.Info(
		"Simulation starting",
		"seed", s.seed,
		"replica_count", s.cfg.Replicas,
		"client_count", s.cfg.Clients,
		"request_count", s.cfg.Requests,
	)

	for s.processedReq < s.cfg.Requests {
		if s.iterations >= s.cfg.MaxIterations {
			return s.report(), fmt.Errorf("%w: %d of %d requests processed after %d iterations",
				ErrLiveness, s.processedReq, s.cfg.Requests, s.iterations)
		}

		if err := s.iterate(true); err != nil {
			return s.report(), err
		}
	}

	if err := s.quiesce(); err != nil {
		return s.report(), err
	}

	if err := s.verifyClusterState(); err != nil {
		return s.report(), err
	}

	report := s.report()
	s.logger.Info("Simulation complete", "report", report.String())

	return report, nil
}

func (s *Simulator) iterate(faults bool) error {
	s.iterations++

	s.runNetwork()
	s.runReplicas()
	if err := s.runClients(); err != nil {
		return err
	}
	s.simulateRequests()

	if faults {
		s.simulateFaults()
	}

	s.clock.Advance(utils.RandomDurationRange(s.rng, constant.MIN_TICK, constant.MAX_TICK))
	for _, r := range s.replicas {
		r.Tick()
	}

	if s.iterations%safetyCheckEvery == 0 {
		return s.checkCommittedPrefixes()
	}

	return nil
}

func (s *Simulator) runNetwork() {
	for i, r := range s.replicas {
		// Receive a random number of messages. Hopefully simulates
		// powerful hardware for some replicas while weaker for others.
		for n := s.rng.IntN(10) + 1; n > 0; n-- {
			env, ok := s.net.Recv(message.Replica(uint64(i)))
			if !ok {
				break
			}
			r.Deliver(env)
		}
	}

	for i, c := range s.clients {
		for n := s.rng.IntN(4) + 1; n > 0; n-- {
			env, ok := s.net.Recv(message.Client(uint64(i)))
			if !ok {
				break
			}
			c.Deliver(env)
		}
	}
}

func (s *Simulator) runReplicas() {
	for _, r := range s.replicas {
		for r.Step() {
		}
	}
}

func (s *Simulator) runClients() error {
	for i, c := range s.clients {
		c.Step()

		for {
			res, ok := c.CheckResult()
			if !ok {
				break
			}

			if len(s.expected[i]) == 0 {
				return fmt.Errorf("%w: client %d got unexpected result %q", ErrSafety, i, res.Value)
			}

			exp := s.expected[i][0]
			s.expected[i] = s.expected[i][1:]
			if res.Value != exp.want {
				return fmt.Errorf("%w: client %d request %d (%s) returned %q, want %q",
					ErrSafety, i, res.RequestNumber, exp.op, res.Value, exp.want)
			}

			s.processedReq++
		}
	}

	return nil
}

func (s *Simulator) simulateRequests() {
	if s.sentReq >= s.cfg.Requests {
		return
	}

	reqbatch := min(s.rng.IntN(3), s.cfg.Requests-s.sentReq)
	for i := 0; i < reqbatch; i++ {
		id := s.rng.IntN(len(s.clients))

		op := s.randomOperation(id)
		s.expected[id] = append(s.expected[id], expectation{op: op, want: s.applyModel(id, op)})
		s.clients[id].Submit(op)
		s.sentReq++
	}
}

func (s *Simulator) randomOperation(client int) kv.Operation {
	key := fmt.Sprintf("c%d-k%d", client, s.rng.IntN(4))

	switch s.rng.IntN(3) {
	case 0:
		return kv.Set(key, utils.RandomString(s.rng))
	case 1:
		return kv.Get(key)
	default:
		return kv.Delete(key)
	}
}

func (s *Simulator) applyModel(client int, op kv.Operation) string {
	model := s.models[client]

	switch op.Kind {
	case kv.KindSet:
		model[op.Key] = op.Value
		return kv.ResultStored
	case kv.KindGet:
		if v, ok := model[op.Key]; ok {
			return kv.Value(op.Key, v)
		}
		return kv.ResultNotFound
	default:
		if _, ok := model[op.Key]; ok {
			delete(model, op.Key)
			return kv.ResultDeleted
		}
		return kv.ResultNotFound
	}
}

// simulateFaults keeps at most one fault active, and only starts one
// while the whole cluster is healthy, so that at most f replicas are
// ever faulty.
func (s *Simulator) simulateFaults() {
	if len(s.replicas) < 3 {
		return
	}

	if f := s.fault; f != nil {
		switch f.kind {
		case faultIsolate:
			if s.clock.Now() >= f.until {
				s.logger.Debug("healing replica", "replica", f.replica)
				s.net.Heal(message.Replica(f.replica))
				s.fault = nil
			}
		case faultRestart:
			if s.replicas[f.replica].Snapshot().Status == replica.StatusNormal {
				s.fault = nil
			}
		}
		return
	}

	if s.rng.Float64() > constant.FAULT_PERCENT || !s.healthy() {
		return
	}

	id := uint64(s.rng.IntN(len(s.replicas)))
	s.faults++

	if s.rng.IntN(2) == 0 {
		s.logger.Debug("isolating replica", "replica", id)
		s.net.Isolate(message.Replica(id))
		s.fault = &fault{
			kind:    faultIsolate,
			replica: id,
			until:   s.clock.Now() + utils.RandomDurationRange(s.rng, constant.MIN_FAULT, constant.MAX_FAULT),
		}
		return
	}

	s.logger.Debug("restarting replica", "replica", id)
	s.replicas[id].Restart()
	s.fault = &fault{kind: faultRestart, replica: id}
}

// healthy reports whether every replica is normal in the same view.
func (s *Simulator) healthy() bool {
	view := s.replicas[0].Snapshot().View
	for _, r := range s.replicas {
		snap := r.Snapshot()
		if snap.Status != replica.StatusNormal || snap.View != view {
			return false
		}
	}

	return true
}

// converged reports whether every replica is normal in the same view
// and has committed the same full log.
func (s *Simulator) converged() bool {
	if !s.healthy() {
		return false
	}

	first := s.replicas[0].Snapshot()
	for _, r := range s.replicas {
		snap := r.Snapshot()
		if snap.OpNumber != first.OpNumber || snap.CommitNumber != snap.OpNumber {
			return false
		}
	}

	return true
}

// quiesce ends every fault and runs without message loss until the
// replicas converge.
func (s *Simulator) quiesce() error {
	s.fault = nil
	for i := range s.replicas {
		s.net.Heal(message.Replica(uint64(i)))
	}
	s.net.SetLossless(true)

	for i := 0; i < quiesceIterations; i++ {
		if s.converged() {
			return nil
		}

		if err := s.iterate(false); err != nil {
			return err
		}
	}

	return fmt.Errorf("%w: replicas did not converge", ErrLiveness)
}

// checkCommittedPrefixes verifies that no two replicas executed a
// different request for the same slot.
func (s *Simulator) checkCommittedPrefixes() error {
	var (
		longest replica.State
		found   bool
	)

	states := make([]replica.State, len(s.replicas))
	for i, r := range s.replicas {
		states[i] = r.State()
		if !found || states[i].CommitNumber > longest.CommitNumber {
			longest = states[i]
			found = true
		}
	}

	for _, st := range states {
		for op := uint64(1); op <= st.CommitNumber; op++ {
			if st.Log.At(op) != longest.Log.At(op) {
				return fmt.Errorf("%w: replicas %d and %d committed different requests at op %d",
					ErrSafety, st.ID, longest.ID, op)
			}
		}
	}

	return nil
}

func (s *Simulator) verifyClusterState() error {
	if err := s.checkCommittedPrefixes(); err != nil {
		return err
	}

	want := make(map[string]string)
	for _, model := range s.models {
		maps.Copy(want, model)
	}

	for i, store := range s.stores {
		got := make(map[string]string, store.Len())
		store.Range(func(k, v string) bool {
			got[k] = v
			return true
		})

		if !maps.Equal(got, want) {
			return fmt.Errorf("%w: replica %d store holds %d keys, model holds %d",
				ErrSafety, i, len(got), len(want))
		}
	}

	for i, exp := range s.expected {
		if len(exp) != 0 {
			return fmt.Errorf("%w: client %d has %d unanswered requests", ErrLiveness, i, len(exp))
		}
	}

	return nil
}

func (s *Simulator) report() Report {
	snap := s.replicas[0].Snapshot()

	return Report{
		Seed:       s.seed,
		Replicas:   s.cfg.Replicas,
		Clients:    s.cfg.Clients,
		Requests:   s.cfg.Requests,
		Iterations: s.iterations,
		Elapsed:    s.clock.Now(),
		View:       snap.View,
		Commit:     snap.CommitNumber,
		Faults:     s.faults,
		Sent:       s.net.sent,
		Dropped:    s.net.dropped,
		Reordered:  s.net.routes.Reordered(),
	}
}

func (s *Simulator) initializeClients(count int) error {
	for i := 0; i < count; i++ {
		id := uint64(i)
		c, err := client.New(client.Config{
			ID:             id,
			Members:        uint64(len(s.replicas)),
			Router:         s.net.Node(message.Client(id)),
			Clock:          s.clock,
			RequestTimeout: constant.REQUEST_TIMEOUT,
			Logger:         s.cfg.ReplicaLogger,
		})
		if err != nil {
			return err
		}

		s.clients = append(s.clients, c)
		s.models = append(s.models, make(map[string]string))
		s.expected = append(s.expected, nil)
	}

	return nil
}

func (s *Simulator) initializeReplicas(count int) error {
	members := make([]config.Member, count)
	for i := range members {
		members[i] = config.Member{ID: uint64(i), Host: "127.0.0.1", Port: 10000 + i}
	}

	for i := 0; i < count; i++ {
		id := uint64(i)
		store := kv.NewStore()

		r, err := replica.New(replica.Config{
			ID:                id,
			Members:           members,
			Router:            s.net.Node(message.Replica(id)),
			StateMachine:      store,
			Clock:             s.clock,
			HeartbeatTimeout:  constant.HEARTBEAT_TIMEOUT,
			ViewChangeTimeout: constant.VIEW_CHANGE_TIMEOUT,
			RecoveryTimeout:   constant.RECOVERY_TIMEOUT,
			Seed:              s.seed + id + 1,
			Logger:            s.cfg.ReplicaLogger,
		})
		if err != nil {
			return err
		}

		s.replicas = append(s.replicas, r)
		s.stores = append(s.stores, store)
	}

	return nil
}
