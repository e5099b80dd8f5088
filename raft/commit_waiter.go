package raft

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// commitWaiter bridges one blocked (or async) client request and the commit
// thread, keyed by the request's last assigned log index.
//
// The waiter is owned by the registry and shared by reference with the
// client-response callback and the commit thread. Its result code starts at
// ResultTimeout; that sentinel is the handshake telling the commit thread
// whether the client callback already gave up on it. Exactly one of
// {client callback, commit thread, drop-all} removes it from the registry.
type commitWaiter struct {
	idx      uint64
	result   ResultCode
	retValue []byte
	since    time.Time

	awaiterC    chan struct{}
	awaiterOnce sync.Once

	callbackInvoked bool

	// asyncResult exists only in async-handler mode, created lazily by the
	// client handler.
	asyncResult *CommandResult
}

func newCommitWaiter(idx uint64, now time.Time) *commitWaiter {
	return &commitWaiter{
		idx:      idx,
		result:   ResultTimeout,
		since:    now,
		awaiterC: make(chan struct{}),
	}
}

// fire wakes the blocked client callback. Firing twice is a no-op.
func (w *commitWaiter) fire() {
	w.awaiterOnce.Do(func() { close(w.awaiterC) })
}

// NotifyCommit resolves the waiter for idx with the commit outcome.
// Invoked by the commit thread, in log-index order.
//
// If no waiter exists yet the commit thread was faster than the client
// handler; a pre-resolved waiter is installed for the handler to adopt.
// If the client callback has already timed out and returned, the commit
// thread is the last holder and removes the waiter.
func (s *Server) NotifyCommit(idx uint64, ret []byte, commitErr error, code ResultCode) {
	if s.ctx.Params().ReturnMethod == AsyncHandler {
		s.notifyCommitAsync(idx, ret, commitErr, code)
		return
	}

	s.commitRetElemsMu.Lock()
	defer s.commitRetElemsMu.Unlock()

	w, ok := s.commitRetElems[idx]
	if !ok {
		// Commit thread was faster than the client handler.
		w = newCommitWaiter(idx, s.clock.Now())
		s.commitRetElems[idx] = w
		s.logger.Debug("pre-installed commit waiter", zap.Uint64("log_idx", idx))
	}
	w.retValue = ret
	w.result = code
	w.fire()

	if w.callbackInvoked {
		// Client timed out and abandoned the waiter; we are the last holder.
		delete(s.commitRetElems, idx)
		s.logger.Debug("removed abandoned commit waiter", zap.Uint64("log_idx", idx))
	}
}

func (s *Server) notifyCommitAsync(idx uint64, ret []byte, commitErr error, code ResultCode) {
	var ar *CommandResult

	s.commitRetElemsMu.Lock()
	w, ok := s.commitRetElems[idx]
	if !ok {
		// Commit thread was faster; park the outcome for the handler.
		w = newCommitWaiter(idx, s.clock.Now())
		s.commitRetElems[idx] = w
	}
	w.retValue = ret
	w.result = code
	w.fire()
	if w.asyncResult != nil {
		ar = w.asyncResult
		delete(s.commitRetElems, idx)
	}
	s.commitRetElemsMu.Unlock()

	// The handler may re-enter the server; never fulfill under the lock.
	if ar != nil {
		ar.SetResult(ret, commitErr, code)
	}
}

// NumPendingCommitResults returns the number of registered commit waiters.
func (s *Server) NumPendingCommitResults() int {
	s.commitRetElemsMu.Lock()
	defer s.commitRetElemsMu.Unlock()
	return len(s.commitRetElems)
}

// DropAllPendingCommitResults cancels every outstanding client request.
// Called on loss of leadership or shutdown. Calling it twice is equivalent
// to calling it once.
func (s *Server) DropAllPendingCommitResults() {
	if s.ctx.Params().ReturnMethod == Blocking {
		// Blocking mode: wake every blocked callback with CANCELLED.
		s.commitRetElemsMu.Lock()
		minIdx, maxIdx := uint64(0), uint64(0)
		for _, w := range s.commitRetElems {
			w.retValue = nil
			w.result = ResultCancelled
			w.fire()
			if minIdx == 0 || w.idx < minIdx {
				minIdx = w.idx
			}
			if w.idx > maxIdx {
				maxIdx = w.idx
			}
		}
		if n := len(s.commitRetElems); n > 0 {
			s.logger.Warn("cancelled blocking client requests",
				zap.Int("count", n),
				zap.Uint64("min_log_idx", minIdx),
				zap.Uint64("max_log_idx", maxIdx))
		}
		s.commitRetElems = make(map[uint64]*commitWaiter)
		s.commitRetElemsMu.Unlock()
		return
	}

	// Async-handler mode: snapshot under the lock, then fulfill outside it
	// because the handlers may re-enter the server.
	var elems []*commitWaiter
	s.commitRetElemsMu.Lock()
	for _, w := range s.commitRetElems {
		elems = append(elems, w)
	}
	s.commitRetElems = make(map[uint64]*commitWaiter)
	s.commitRetElemsMu.Unlock()

	for _, w := range elems {
		s.logger.Warn("cancelled non-blocking client request",
			zap.Uint64("log_idx", w.idx))
		if w.asyncResult != nil {
			w.asyncResult.SetResult(nil, ErrRequestCancelled, ResultCancelled)
		}
	}
}
