package config

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMembers(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []Member
		wantErr bool
	}{
		{
			name:  "explicit ids out of order",
			input: "1=127.0.0.1:7001, 0=127.0.0.1:7000,2=localhost:7002",
			want: []Member{
				{ID: 0, Host: "127.0.0.1", Port: 7000},
				{ID: 1, Host: "127.0.0.1", Port: 7001},
				{ID: 2, Host: "localhost", Port: 7002},
			},
		},
		{
			name:  "positional",
			input: "a:1,b:2,c:3",
			want: []Member{
				{ID: 0, Host: "a", Port: 1},
				{ID: 1, Host: "b", Port: 2},
				{ID: 2, Host: "c", Port: 3},
			},
		},
		{
			name:  "empty host binds all interfaces",
			input: "0=:7000",
			want:  []Member{{ID: 0, Host: "0.0.0.0", Port: 7000}},
		},
		{name: "empty", input: "", wantErr: true},
		{name: "gap in ids", input: "0=a:1,2=b:2", wantErr: true},
		{name: "duplicate ids", input: "0=a:1,0=b:2", wantErr: true},
		{name: "bad port", input: "0=a:http", wantErr: true},
		{name: "port out of range", input: "0=a:70000", wantErr: true},
		{name: "missing port", input: "0=a", wantErr: true},
		{name: "bad id", input: "x=a:1", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMembers(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMember_Address(t *testing.T) {
	m := Member{ID: 3, Host: "::1", Port: 9000}
	assert.Equal(t, "[::1]:9000", m.Address())
	assert.Equal(t, "3=[::1]:9000", m.String())
}

func validServerConfig(t *testing.T) ServerConfig {
	members, err := ParseMembers("127.0.0.1:7000,127.0.0.1:7001,127.0.0.1:7002")
	require.NoError(t, err)

	return ServerConfig{
		ID:                1,
		Members:           members,
		HeartbeatTimeout:  100 * time.Millisecond,
		ViewChangeTimeout: time.Second,
		RecoveryTimeout:   time.Second,
		TickInterval:      10 * time.Millisecond,
		Log:               LogConfig{Level: "info", Format: "text"},
	}
}

func TestServerConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *ServerConfig)
		wantErr bool
	}{
		{name: "valid", mutate: func(c *ServerConfig) {}},
		{name: "id not a member", mutate: func(c *ServerConfig) { c.ID = 3 }, wantErr: true},
		{name: "zero tick", mutate: func(c *ServerConfig) { c.TickInterval = 0 }, wantErr: true},
		{name: "view change not above heartbeat", mutate: func(c *ServerConfig) { c.ViewChangeTimeout = c.HeartbeatTimeout }, wantErr: true},
		{name: "bad log level", mutate: func(c *ServerConfig) { c.Log.Level = "loud" }, wantErr: true},
		{name: "bad log format", mutate: func(c *ServerConfig) { c.Log.Format = "xml" }, wantErr: true},
		{name: "no members", mutate: func(c *ServerConfig) { c.Members = nil }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validServerConfig(t)
			tt.mutate(&c)

			err := c.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestServerConfig_ListenAddress(t *testing.T) {
	c := validServerConfig(t)
	assert.Equal(t, "127.0.0.1:7001", c.ListenAddress())

	c.Listen = "0.0.0.0:7001"
	assert.Equal(t, "0.0.0.0:7001", c.ListenAddress())
}

func TestServerConfig_String(t *testing.T) {
	c := validServerConfig(t)
	out := c.String()

	assert.Contains(t, out, "REPLICA")
	assert.Contains(t, out, "Replica 2")
	assert.Contains(t, out, "127.0.0.1:7002")
	assert.Contains(t, out, "disabled")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(LogConfig{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.True(t, strings.HasPrefix(out, "{"), "expected JSON output, got %q", out)
	assert.Contains(t, out, `"k":"v"`)

	_, err = NewLogger(LogConfig{Level: "verbose"}, &buf)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
