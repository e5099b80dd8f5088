package raft

import (
	"sync"
	"sync/atomic"
)

// RPCHandler receives the response of an asynchronous send, or the error
// that terminated it. Exactly one of resp and err is non-nil.
type RPCHandler func(resp *Response, err error)

// RPCClient is one connection instance to a peer. Every instance carries a
// unique generation id; responses are matched against the id that was
// active at send time so that a reset connection never mutates the state
// of its successor.
type RPCClient interface {
	// ID returns the connection's generation id.
	ID() uint64

	// Send transmits the request and later invokes handler exactly once
	// from a transport thread.
	Send(req *Request, handler RPCHandler)
}

// RPCClientFactory creates RPC client instances. Implementations must stamp
// each client with a fresh generation id (see NewClientID).
type RPCClientFactory interface {
	CreateClient(endpoint string) (RPCClient, error)
}

var clientIDCounter atomic.Uint64

// NewClientID returns a process-unique generation id for an RPC client.
func NewClientID() uint64 { return clientIDCounter.Add(1) }

// pendingResult delivers the outcome of one in-flight RPC to its handler
// exactly once, no matter how many paths race to complete it.
type pendingResult struct {
	handler RPCHandler
	once    sync.Once
}

func newPendingResult(handler RPCHandler) *pendingResult {
	return &pendingResult{handler: handler}
}

func (p *pendingResult) setResult(resp *Response, err error) {
	p.once.Do(func() {
		if p.handler != nil {
			p.handler(resp, err)
		}
	})
}
