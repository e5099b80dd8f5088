package raft

import (
	"sync/atomic"
	"time"
)

// Process-wide debugging hooks. These exist solely for deterministic testing
// of race conditions and are shared by every server in the process.
var debugOptions struct {
	handleClientRequestSleep atomic.Int64 // nanoseconds
	disableReconnectBackoff  atomic.Bool
}

// SetHandleClientRequestSleep makes every client request handler sleep for d
// after appending its batch, widening the window between log append and
// commit-waiter registration. Zero disables the sleep.
func SetHandleClientRequestSleep(d time.Duration) {
	debugOptions.handleClientRequestSleep.Store(int64(d))
}

// SetDisableReconnectBackoff disables the exponential reconnection backoff
// so tests can force immediate reconnect attempts.
func SetDisableReconnectBackoff(v bool) {
	debugOptions.disableReconnectBackoff.Store(v)
}
