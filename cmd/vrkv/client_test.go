package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tangledbytes/go-vrkv/pkg/client"
	"github.com/tangledbytes/go-vrkv/pkg/kv"
	"github.com/tangledbytes/go-vrkv/pkg/message"
)

// storeRouter plays a single replica that applies every request to a
// store and answers right away.
type storeRouter struct {
	client *client.Client
	store  *kv.Store
}

func (s *storeRouter) SendToReplica(id uint64, m message.Message) {
	req, ok := m.Content.(message.Request)
	if !ok {
		return
	}

	s.client.Deliver(message.NewEnvelope(message.Replica(id), message.Reply{
		RequestNumber: req.RequestNumber,
		Result:        s.store.Apply(req.Operation),
	}))
}

func (s *storeRouter) SendToClient(uint64, message.Message) {}

func TestConsole(t *testing.T) {
	router := &storeRouter{store: kv.NewStore()}
	c, err := client.New(client.Config{
		ID:      7,
		Members: 1,
		Router:  router,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	router.client = c

	in := strings.NewReader(strings.Join([]string{
		"set greeting hello world",
		"",
		"GET greeting",
		"bogus",
		"delete greeting",
		"get greeting",
		"quit",
		"get never-sent",
	}, "\n"))
	var out bytes.Buffer

	err = console(context.Background(), c, in, &out, time.Second)
	require.NoError(t, err)

	got := out.String()
	assert.Contains(t, got, kv.ResultStored)
	assert.Contains(t, got, kv.Value("greeting", "hello world"))
	assert.Contains(t, got, "error:")
	assert.Contains(t, got, kv.ResultDeleted)
	assert.Contains(t, got, kv.ResultNotFound)
	assert.Equal(t, uint64(4), c.State().RequestNumber)
}

func TestConsole_EOF(t *testing.T) {
	c, err := client.New(client.Config{ID: 1, Members: 1, Router: &storeRouter{}})
	require.NoError(t, err)

	var out bytes.Buffer
	assert.NoError(t, console(context.Background(), c, strings.NewReader(""), &out, time.Second))
	assert.True(t, strings.HasPrefix(out.String(), "vrkv> "))
}
