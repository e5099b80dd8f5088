package raft

import (
	"fmt"
	"time"

	"github.com/ClickHouse/nuraft-go/toml"
)

const (
	// DefaultClientReqTimeout is the default time a blocking client request
	// waits for the commit thread before returning ResultTimeout.
	DefaultClientReqTimeout = 3000 * time.Millisecond

	// DefaultHeartbeatInterval is the default leader heartbeat interval.
	// It also caps the per-peer reconnection backoff.
	DefaultHeartbeatInterval = 500 * time.Millisecond

	// DefaultRPCFailureBackoff is the default cap applied when a peer slows
	// down its heartbeat after RPC failures. A value below the heartbeat
	// interval is raised to the heartbeat interval, so with the defaults
	// the cap is DefaultHeartbeatInterval.
	DefaultRPCFailureBackoff = 50 * time.Millisecond

	// DefaultResponseLimit is the default number of stale RPC responses
	// logged per peer before warnings are suppressed.
	DefaultResponseLimit = 20

	// DefaultMaxAppendSize is the default maximum number of log entries
	// shipped in a single append_entries request.
	DefaultMaxAppendSize = 100
)

// LockingMethod selects how the client request path is serialized against
// the server core.
type LockingMethod int

const (
	// DualMutex serializes client requests on a dedicated lock so that
	// election and heartbeat handling proceed concurrently with log append.
	DualMutex LockingMethod = iota

	// SingleMutex protects all server state, including the client request
	// path, with the one server core lock.
	SingleMutex
)

// UnmarshalText parses a TOML value into a locking method.
func (m *LockingMethod) UnmarshalText(text []byte) error {
	switch s := string(text); s {
	case "dual-mutex", "":
		*m = DualMutex
	case "single-mutex":
		*m = SingleMutex
	default:
		return fmt.Errorf("unknown locking method: %q", s)
	}
	return nil
}

// String returns the name of the locking method.
func (m LockingMethod) String() string {
	if m == SingleMutex {
		return "single-mutex"
	}
	return "dual-mutex"
}

// ReturnMethod selects how a synchronously replicated client request is
// returned to the caller.
type ReturnMethod int

const (
	// Blocking attaches a callback that waits for the commit thread up to
	// the client request timeout.
	Blocking ReturnMethod = iota

	// AsyncHandler attaches a command result that the commit thread
	// fulfills later.
	AsyncHandler
)

// UnmarshalText parses a TOML value into a return method.
func (m *ReturnMethod) UnmarshalText(text []byte) error {
	switch s := string(text); s {
	case "blocking", "":
		*m = Blocking
	case "async-handler":
		*m = AsyncHandler
	default:
		return fmt.Errorf("unknown return method: %q", s)
	}
	return nil
}

// String returns the name of the return method.
func (m ReturnMethod) String() string {
	if m == AsyncHandler {
		return "async-handler"
	}
	return "blocking"
}

// Config represents the tunable parameters of a server.
type Config struct {
	LockingMethod LockingMethod `toml:"locking-method"`
	ReturnMethod  ReturnMethod  `toml:"return-method"`

	// UseBGThreadForUrgentCommit moves the append_entries fan-out triggered
	// by a client write off the caller thread.
	UseBGThreadForUrgentCommit bool `toml:"use-bg-thread-for-urgent-commit"`

	ClientReqTimeout  toml.Duration `toml:"client-request-timeout"`
	HeartbeatInterval toml.Duration `toml:"heartbeat-interval"`
	RPCFailureBackoff toml.Duration `toml:"rpc-failure-backoff"`

	ResponseLimit int `toml:"response-limit"`
	MaxAppendSize int `toml:"max-append-size"`
}

// NewConfig returns a new instance of Config with defaults.
func NewConfig() Config {
	return Config{
		LockingMethod:              DualMutex,
		ReturnMethod:               Blocking,
		UseBGThreadForUrgentCommit: false,
		ClientReqTimeout:           toml.Duration(DefaultClientReqTimeout),
		HeartbeatInterval:          toml.Duration(DefaultHeartbeatInterval),
		RPCFailureBackoff:          toml.Duration(DefaultRPCFailureBackoff),
		ResponseLimit:              DefaultResponseLimit,
		MaxAppendSize:              DefaultMaxAppendSize,
	}
}

// Validate returns an error if the config is invalid.
func (c Config) Validate() error {
	if c.ClientReqTimeout <= 0 {
		return fmt.Errorf("client-request-timeout must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat-interval must be positive")
	}
	if c.RPCFailureBackoff < 0 {
		return fmt.Errorf("rpc-failure-backoff must be non-negative")
	}
	if c.ResponseLimit <= 0 {
		return fmt.Errorf("response-limit must be positive")
	}
	if c.MaxAppendSize <= 0 {
		return fmt.Errorf("max-append-size must be positive")
	}
	return nil
}

// ServerConfig describes a single member of the cluster.
type ServerConfig struct {
	ID       uint64 `toml:"id"`
	Endpoint string `toml:"endpoint"`
	Priority int    `toml:"priority"`
}

// ClusterConfig is the active cluster configuration the leader replicates
// under.
type ClusterConfig struct {
	LogIdx  uint64
	Servers []*ServerConfig

	// AsyncReplication makes client requests return as soon as entries are
	// appended and pre-committed locally, without a commit waiter.
	AsyncReplication bool
}

// Server returns the config of the server with the given id, or nil.
func (c *ClusterConfig) Server(id uint64) *ServerConfig {
	for _, s := range c.Servers {
		if s.ID == id {
			return s
		}
	}
	return nil
}
