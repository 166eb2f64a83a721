package simulator

import (
	"io"
	"log/slog"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tangledbytes/go-vrkv/pkg/message"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSimulate(t *testing.T) {
	tests := []struct {
		name     string
		seed     uint64
		replicas int
		clients  int
	}{
		{name: "single replica", seed: 1, replicas: 1, clients: 2},
		{name: "three replicas", seed: 2, replicas: 3, clients: 3},
		{name: "five replicas", seed: 3, replicas: 5, clients: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim, err := New(Config{
				Seed:     tt.seed,
				Replicas: tt.replicas,
				Clients:  tt.clients,
				Requests: 40,
				Logger:   discard(),
			})
			require.NoError(t, err)

			report, err := sim.Simulate()
			require.NoError(t, err, report.String())

			assert.Equal(t, 40, report.Requests)
			assert.Equal(t, uint64(40), report.Commit)
			assert.Positive(t, report.Sent)
		})
	}
}

func TestNew_DrawsMissingSizes(t *testing.T) {
	sim, err := New(Config{Seed: 9, Logger: discard()})
	require.NoError(t, err)

	assert.Contains(t, []int{3, 5}, sim.cfg.Replicas)
	assert.GreaterOrEqual(t, sim.cfg.Clients, 1)
	assert.GreaterOrEqual(t, sim.cfg.Requests, 100)
	assert.Len(t, sim.replicas, sim.cfg.Replicas)
	assert.Len(t, sim.clients, sim.cfg.Clients)

	// The same seed draws the same simulation.
	again, err := New(Config{Seed: 9, Logger: discard()})
	require.NoError(t, err)
	assert.Equal(t, sim.cfg.Replicas, again.cfg.Replicas)
	assert.Equal(t, sim.cfg.Clients, again.cfg.Clients)
	assert.Equal(t, sim.cfg.Requests, again.cfg.Requests)
}

func TestNew_Invalid(t *testing.T) {
	_, err := New(Config{Replicas: -1, Logger: discard()})
	assert.Error(t, err)
}

func TestSimulatedNetwork(t *testing.T) {
	world := NewSimulatedNetworkWorld(rand.New(rand.NewPCG(1, 1)), discard())
	world.SetLossless(true)

	a := world.Node(message.Replica(0))
	commit := message.New(message.Commit{View: 1, CommitNumber: 2})

	a.SendToReplica(1, commit)
	env, ok := world.Recv(message.Replica(1))
	require.True(t, ok)
	assert.Equal(t, message.Replica(0), env.From)
	assert.Equal(t, commit, env.Message)

	_, ok = world.Recv(message.Replica(1))
	assert.False(t, ok)

	// Packets already on the wire are lost when a partition starts.
	a.SendToReplica(1, commit)
	world.Isolate(message.Replica(1))
	_, ok = world.Recv(message.Replica(1))
	assert.False(t, ok)

	a.SendToReplica(1, commit)
	assert.Zero(t, world.Pending())
	assert.Equal(t, 2, world.dropped)

	world.Heal(message.Replica(1))
	a.SendToClient(4, commit)
	_, ok = world.Recv(message.Client(4))
	assert.True(t, ok)
	assert.Equal(t, 4, world.sent)
}
