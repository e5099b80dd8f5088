package raft

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// HandleLeaderStatusRequest serves a lightweight read of the current term
// and state machine commit index. The payload is 16 bytes: the 8-byte term
// followed by the 8-byte commit index, big-endian. If the server is not
// leader, or writes are paused, the response carries NOT_LEADER and no
// payload.
func (s *Server) HandleLeaderStatusRequest(req *Request) *Response {
	leaderStatus := func(view stateView) *Response {
		resp := NewResponse(view.term, LeaderStatusResponse, s.id, req.Src)
		if view.role != Leader || view.paused {
			resp.Result = ResultNotLeader
			return resp
		}

		ctx := make([]byte, 16)
		binary.BigEndian.PutUint64(ctx[0:8], view.term)
		binary.BigEndian.PutUint64(ctx[8:16], s.smCommitIndex.Load())
		resp.Ctx = ctx
		resp.Accept(s.logStore.NextSlot())
		return resp
	}

	switch s.ctx.Params().LockingMethod {
	case SingleMutex:
		s.mu.Lock()
		defer s.mu.Unlock()
		return leaderStatus(s.stateViewLocked())
	default:
		s.cliMu.Lock()
		defer s.cliMu.Unlock()
		return leaderStatus(s.stateView())
	}
}

// HandleClientRequest appends the request's entries to the log, pre-commits
// them on the state machine and triggers an urgent append_entries fan-out.
//
// The returned response depends on the replication mode: under synchronous
// replication it carries a deferred-resolution callback (blocking mode) or
// an async command result; under async replication it returns immediately
// with the pre-commit buffer. A nil response with a nil error means a user
// callback aborted the request and no reply shall be sent.
func (s *Server) HandleClientRequest(req *Request, ext *RequestExtParams) (*Response, error) {
	// One timestamp per request; every entry of the batch gets it.
	timestampUS := uint64(s.clock.Now().UnixMicro())

	var resp *Response
	var err error
	switch s.ctx.Params().LockingMethod {
	case SingleMutex:
		s.mu.Lock()
		resp, err = s.handleClientRequestView(req, ext, timestampUS, s.stateViewLocked())
		s.mu.Unlock()
	default:
		s.cliMu.Lock()
		resp, err = s.handleClientRequestView(req, ext, timestampUS, s.stateView())
		s.cliMu.Unlock()
	}
	if err != nil {
		return nil, err
	}
	if resp != nil && (resp.Result == ResultNotLeader || resp.Result == ResultTermMismatch) {
		// Short-circuited: nothing was appended, nothing to replicate.
		return resp, nil
	}

	// Urgent commit, so that the commit will not depend on the heartbeat.
	s.requestAppendEntriesForAll()

	return resp, nil
}

// stateView is a consistent snapshot of the mutable server identity fields,
// taken once per request so the handler body never re-enters the core lock.
type stateView struct {
	role     Role
	term     uint64
	paused   bool
	leaderID uint64
	config   *ClusterConfig
}

func (s *Server) stateView() stateView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateViewLocked()
}

// stateViewLocked reads the view fields. Callers must hold mu.
func (s *Server) stateViewLocked() stateView {
	return stateView{
		role:     s.role,
		term:     s.currentTerm,
		paused:   s.writePaused,
		leaderID: s.leaderID,
		config:   s.clusterConfig,
	}
}

func (s *Server) handleClientRequestView(req *Request, ext *RequestExtParams,
	timestampUS uint64, view stateView) (*Response, error) {

	curTerm, leaderID := view.term, view.leaderID

	resp := NewResponse(curTerm, AppendEntriesResponse, s.id, leaderID)
	if view.role != Leader || view.paused {
		resp.Result = ResultNotLeader
		s.metrics.observeClientRequest(ResultNotLeader)
		return resp, nil
	}

	if ext != nil && ext.ExpectedTerm != 0 && ext.ExpectedTerm != curTerm {
		resp.Result = ResultTermMismatch
		s.metrics.observeClientRequest(ResultTermMismatch)
		return resp, nil
	}

	var lastIdx uint64
	var retValue []byte

	for _, entry := range req.Entries {
		// Force the entry's term to the current term.
		entry.Term = curTerm
		entry.Timestamp = timestampUS

		param := &CallbackParam{ServerID: s.id, LeaderID: leaderID, Ctx: entry}
		if s.ctx.callCallback(PreAppendLogLeader, param) == CallbackReturnNull {
			return nil, nil
		}

		// Reassert the term: the callback receives the entry and may have
		// rewritten it. The stored term is authoritative.
		entry.Term = curTerm

		nextSlot, err := s.logStore.StoreLogEntry(entry)
		if err != nil {
			s.logger.Error("failed to append entry", zap.Error(err))
			s.tryUpdatePrecommitIndex(lastIdx)

			if s.ctx.callCallback(AppendLogFailed, param) == CallbackReturnNull {
				return nil, nil
			}
			return nil, errors.Wrap(err, "append log entry")
		}
		s.logger.Debug("append",
			zap.Uint64("log_idx", nextSlot),
			zap.Uint64("timestamp", timestampUS))

		lastIdx = nextSlot

		retValue, err = s.sm.PreCommitExt(lastIdx, entry.Data)
		if err != nil {
			return nil, errors.Wrap(err, "state machine pre-commit")
		}

		if ext != nil && ext.AfterPrecommit != nil {
			ext.AfterPrecommit(RequestExtCallbackParams{
				LogIdx:  lastIdx,
				LogTerm: curTerm,
				Context: ext.Context,
			})
		}
	}

	numEntries := uint64(len(req.Entries))
	if numEntries > 0 {
		if err := s.logStore.EndOfAppendBatch(lastIdx-numEntries+1, numEntries); err != nil {
			return nil, errors.Wrap(err, "end of append batch")
		}
	}
	s.tryUpdatePrecommitIndex(lastIdx)
	respIdx := s.logStore.NextSlot()

	// Finished appending logs and pre-commit of itself.
	param := &CallbackParam{ServerID: s.id, LeaderID: leaderID, Ctx: lastIdx}
	if s.ctx.callCallback(AppendLogs, param) == CallbackReturnNull {
		return nil, nil
	}

	if d := time.Duration(debugOptions.handleClientRequestSleep.Load()); d > 0 {
		// Test hook widening the window before waiter registration.
		s.clock.Sleep(d)
	}

	if !view.config.AsyncReplication {
		// Sync replication: register a commit waiter for lastIdx, unless
		// the batch was empty and nothing will ever commit for it.
		if numEntries > 0 {
			s.registerCommitWaiter(resp, lastIdx)
		}
	} else {
		// Async replication: immediately return the pre-commit result.
		s.logger.Debug("asynchronously replicated",
			zap.Uint64("log_idx", lastIdx),
			zap.Int("ret_size", len(retValue)))
		resp.Ctx = retValue
	}

	resp.Accept(respIdx)
	if !resp.HasCallback() {
		// Blocking responses are counted by the callback with their final
		// result code.
		s.metrics.observeClientRequest(ResultOK)
	}
	return resp, nil
}

// registerCommitWaiter inserts (or adopts) the commit waiter for lastIdx
// and attaches the mode-appropriate resolution callback to resp.
func (s *Server) registerCommitWaiter(resp *Response, lastIdx uint64) {
	var fulfill *CommandResult
	var fulfillRet []byte
	var fulfillCode ResultCode

	s.commitRetElemsMu.Lock()
	elem, ok := s.commitRetElems[lastIdx]
	if ok {
		// Commit thread was faster than this thread.
		s.logger.Debug("commit thread was faster than this thread",
			zap.Uint64("log_idx", lastIdx))
	} else {
		elem = newCommitWaiter(lastIdx, s.clock.Now())
		s.commitRetElems[lastIdx] = elem
	}

	switch s.ctx.Params().ReturnMethod {
	case AsyncHandler:
		// Async handler: create and attach the command result; the commit
		// thread fulfills it later.
		if elem.asyncResult == nil {
			elem.asyncResult = NewCommandResult()
		}
		if elem.result != ResultTimeout {
			// Already resolved by the commit thread; fulfill after unlock
			// and take over removal.
			fulfill = elem.asyncResult
			fulfillRet, fulfillCode = elem.retValue, elem.result
			delete(s.commitRetElems, lastIdx)
		}
		asyncResult := elem.asyncResult
		resp.SetAsyncCallback(func() *CommandResult {
			asyncResult.Accept()
			return asyncResult
		})

	default:
		// Blocking call: the callback waits for the commit thread up to the
		// client request timeout.
		resp.SetCallback(func(r *Response) *Response {
			return s.handleClientRequestCallback(elem, r)
		})
	}
	s.commitRetElemsMu.Unlock()

	if fulfill != nil {
		fulfill.SetResult(fulfillRet, nil, fulfillCode)
	}
}

// handleClientRequestCallback runs on the response-sending thread in
// blocking mode. It waits for the commit thread up to the client request
// timeout, then reads out the waiter's result.
//
// If the wait timed out, the waiter stays in the registry and the commit
// thread removes it later; removing it here would race the commit thread
// into a double-free of the same slot.
func (s *Server) handleClientRequestCallback(elem *commitWaiter, resp *Response) *Response {
	timeout := time.Duration(s.ctx.Params().ClientReqTimeout)
	s.logger.Debug("commit waiter sleep", zap.Uint64("log_idx", elem.idx))

	timer := s.clock.Timer(timeout)
	select {
	case <-elem.awaiterC:
		timer.Stop()
	case <-timer.C:
	}

	var (
		idx     uint64
		elapsed time.Duration
		ret     []byte
		code    ResultCode
	)
	s.commitRetElemsMu.Lock()
	idx = elem.idx
	elapsed = s.clock.Now().Sub(elem.since)
	ret = elem.retValue
	code = elem.result
	elem.callbackInvoked = true
	if code != ResultTimeout {
		delete(s.commitRetElems, idx)
	} else {
		s.logger.Debug("client timeout, leave commit thread to remove the waiter",
			zap.Uint64("log_idx", idx))
	}
	remaining := len(s.commitRetElems)
	s.commitRetElemsMu.Unlock()

	if code == ResultOK {
		s.logger.Debug("commit waiter wake up",
			zap.Uint64("log_idx", idx),
			zap.Duration("elapsed", elapsed),
			zap.Int("remaining", remaining))
	} else {
		// Null return value, most likely timeout.
		s.logger.Warn("commit waiter wake up without ok",
			zap.Uint64("log_idx", idx),
			zap.Duration("elapsed", elapsed),
			zap.String("result", code.String()))
		if s.checkLeadershipValidity() {
			s.logger.Info("leadership is still valid")
		} else {
			s.logger.Error("leadership is invalid")
		}
	}

	resp.Ctx = ret
	resp.Result = code
	s.metrics.observeClientRequest(code)
	return resp
}
