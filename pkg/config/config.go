package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// --------------------------------------------------------------------------
// Replica server configuration
// --------------------------------------------------------------------------

// ServerConfig holds everything needed to run one replica.
type ServerConfig struct {
	// ID is the replica number of this process.
	ID uint64
	// Members is the full configuration, identical on every replica.
	Members []Member
	// Listen overrides the address the replica binds to. Defaults to the
	// address of its own member entry.
	Listen string

	// HeartbeatTimeout is how long an idle primary waits before sending
	// a Commit to its backups.
	HeartbeatTimeout time.Duration
	// ViewChangeTimeout is how long a backup tolerates silence from the
	// primary, and how long a view change may stall before moving on.
	ViewChangeTimeout time.Duration
	// RecoveryTimeout is the interval between Recovery rebroadcasts.
	RecoveryTimeout time.Duration
	// TickInterval is how often the timers are polled.
	TickInterval time.Duration

	// Recover starts the replica in recovery instead of as a fresh
	// member, used when restarting a node of a running cluster.
	Recover bool

	// MetricsListen is the address of the Prometheus endpoint, empty
	// disables it.
	MetricsListen string

	Log LogConfig
}

// Self returns the member entry of this replica.
func (c *ServerConfig) Self() Member {
	return c.Members[c.ID]
}

// ListenAddress is the address the transport binds to.
func (c *ServerConfig) ListenAddress() string {
	if c.Listen != "" {
		return c.Listen
	}

	return c.Self().Address()
}

func (c *ServerConfig) Validate() error {
	if err := ValidateMembers(c.Members); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.ID >= uint64(len(c.Members)) {
		return fmt.Errorf("%w: id %d is not a member", ErrInvalidConfig, c.ID)
	}
	if c.HeartbeatTimeout <= 0 || c.ViewChangeTimeout <= 0 || c.RecoveryTimeout <= 0 || c.TickInterval <= 0 {
		return fmt.Errorf("%w: timeouts and tick interval must be positive", ErrInvalidConfig)
	}
	if c.ViewChangeTimeout <= c.HeartbeatTimeout {
		return fmt.Errorf("%w: view change timeout (%s) must exceed heartbeat timeout (%s)",
			ErrInvalidConfig, c.ViewChangeTimeout, c.HeartbeatTimeout)
	}

	return c.Log.Validate()
}

// String returns a formatted representation of the configuration.
func (c *ServerConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Replica")
	addField("Replica Number", strconv.FormatUint(c.ID, 10))
	addField("Listen", c.ListenAddress())
	addField("Start In Recovery", strconv.FormatBool(c.Recover))

	addSection("Timers")
	addField("Heartbeat Timeout", c.HeartbeatTimeout.String())
	addField("View Change Timeout", c.ViewChangeTimeout.String())
	addField("Recovery Timeout", c.RecoveryTimeout.String())
	addField("Tick Interval", c.TickInterval.String())

	addSection("Observability")
	addField("Log Level", c.Log.Level)
	addField("Log Format", c.Log.Format)
	if c.MetricsListen == "" {
		addField("Metrics", "disabled")
	} else {
		addField("Metrics", c.MetricsListen)
	}

	addSection("Configuration")
	for _, m := range c.Members {
		addField(fmt.Sprintf("Replica %d", m.ID), m.Address())
	}

	return sb.String()
}

// --------------------------------------------------------------------------
// Client configuration
// --------------------------------------------------------------------------

type ClientConfig struct {
	ClientID       uint64
	Members        []Member
	RequestTimeout time.Duration

	Log LogConfig
}

func (c *ClientConfig) Validate() error {
	if err := ValidateMembers(c.Members); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("%w: request timeout must be positive", ErrInvalidConfig)
	}

	return c.Log.Validate()
}

func (c *ClientConfig) String() string {
	var sb strings.Builder

	sb.WriteString("\nCLIENT\n")
	sb.WriteString(fmt.Sprintf("  %-22s: %d\n", "Client ID", c.ClientID))
	sb.WriteString(fmt.Sprintf("  %-22s: %s\n", "Request Timeout", c.RequestTimeout))
	for _, m := range c.Members {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", fmt.Sprintf("Replica %d", m.ID), m.Address()))
	}

	return sb.String()
}
