package raft

import "sync"

// CommandResult is the asynchronous result of a client request in
// async-handler mode. The client handler accepts it; the commit thread
// fulfills it later with the commit result or an error.
type CommandResult struct {
	mu       sync.Mutex
	done     chan struct{}
	accepted bool
	result   []byte
	err      error
	code     ResultCode
	handler  func(result []byte, err error, code ResultCode)
}

// NewCommandResult returns an unfulfilled command result.
func NewCommandResult() *CommandResult {
	return &CommandResult{done: make(chan struct{}), code: ResultTimeout}
}

// Accept marks the command accepted by the leader.
func (r *CommandResult) Accept() {
	r.mu.Lock()
	r.accepted = true
	r.mu.Unlock()
}

// Accepted returns true once the leader has accepted the command.
func (r *CommandResult) Accepted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.accepted
}

// When registers a handler invoked exactly once when the result is set.
// If the result is already set the handler is invoked inline.
func (r *CommandResult) When(h func(result []byte, err error, code ResultCode)) {
	r.mu.Lock()
	select {
	case <-r.done:
		result, err, code := r.result, r.err, r.code
		r.mu.Unlock()
		h(result, err, code)
		return
	default:
	}
	r.handler = h
	r.mu.Unlock()
}

// SetResult fulfills the command result and wakes any waiter.
// Setting a result twice is a no-op.
func (r *CommandResult) SetResult(result []byte, err error, code ResultCode) {
	r.mu.Lock()
	select {
	case <-r.done:
		r.mu.Unlock()
		return
	default:
	}
	r.result, r.err, r.code = result, err, code
	h := r.handler
	r.handler = nil
	close(r.done)
	r.mu.Unlock()

	// The handler may re-enter the server; never run it under the lock.
	if h != nil {
		h(result, err, code)
	}
}

// Get blocks until the result is set and returns it.
func (r *CommandResult) Get() ([]byte, error, ResultCode) {
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result, r.err, r.code
}
