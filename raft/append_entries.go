package raft

import "go.uber.org/zap"

// requestAppendEntriesForAll triggers an append_entries fan-out to every
// peer immediately, bypassing the heartbeat schedule. Three paths, selected
// by configuration: the process-wide coordinator, the server's own
// background goroutine, or inline on the caller thread under the core lock.
func (s *Server) requestAppendEntriesForAll() {
	if s.ctx.Params().UseBGThreadForUrgentCommit {
		if s.globalMgr != nil {
			s.logger.Debug("found global thread pool")
			s.globalMgr.RequestAppend(s)
			return
		}

		s.mu.Lock()
		opened := s.opened
		s.mu.Unlock()
		if opened {
			// Coalesce with any signal already pending.
			select {
			case s.bgAppendC <- struct{}{}:
			default:
			}
			return
		}
		// Fall through to the inline path when the server is not open.
	}

	// Directly generate requests on the caller thread.
	s.mu.Lock()
	s.requestAppendEntries()
	s.mu.Unlock()
}

// requestAppendEntries fans append_entries out to all peers.
// Callers must hold mu.
func (s *Server) requestAppendEntries() {
	for _, p := range s.peers {
		s.sendAppendEntriesToPeer(p)
	}
}

// sendAppendEntriesToPeer ships the peer's next slice of the log, claiming
// the peer's pipeline slot first. Returns false if the peer was busy or
// abandoned, or if its request could not be built. When no connection can
// be created, SendReq releases the slot without sending and this still
// returns true. Callers must hold mu.
func (s *Server) sendAppendEntriesToPeer(p *Peer) bool {
	if p.Abandoned() {
		return false
	}
	if !p.MakeBusy() {
		s.logger.Debug("peer is busy, skip the request",
			zap.Uint64("peer", p.Config().ID))
		return false
	}

	// The previous connection may have been dropped by a failed RPC;
	// the next append creates a new one, subject to backoff.
	if p.GenerationID() == 0 {
		p.RecreateRPC(s.ctx)
	}

	req := s.createAppendEntriesReq(p)
	if req == nil {
		p.SetFree()
		return false
	}

	p.SendReq(req, func(resp *Response, err error) {
		s.handleAppendEntriesResp(p, req, resp, err)
	}, false)
	return true
}

// createAppendEntriesReq builds the append_entries request for a peer from
// its next log index. An up-to-date peer gets an empty (heartbeat-shaped)
// request. Callers must hold mu.
func (s *Server) createAppendEntriesReq(p *Peer) *Request {
	startIdx := p.NextLogIdx()
	nextSlot := s.logStore.NextSlot()
	if startIdx == 0 || startIdx > nextSlot {
		startIdx = nextSlot
	}

	endIdx := nextSlot
	if max := uint64(s.ctx.Params().MaxAppendSize); endIdx > startIdx+max {
		endIdx = startIdx + max
	}

	var entries []*LogEntry
	if startIdx < endIdx {
		var err error
		entries, err = s.logStore.LogEntries(startIdx, endIdx)
		if err != nil {
			s.logger.Error("failed to read log entries for append",
				zap.Uint64("peer", p.Config().ID),
				zap.Uint64("start", startIdx),
				zap.Uint64("end", endIdx),
				zap.Error(err))
			return nil
		}
	}

	return &Request{
		Type:         AppendEntriesRequest,
		Src:          s.id,
		Dst:          p.Config().ID,
		Term:         s.currentTerm,
		LastLogIndex: startIdx - 1,
		LastLogTerm:  s.logStore.TermAt(startIdx - 1),
		CommitIndex:  s.smCommitIndex.Load(),
		Entries:      entries,
	}
}

// handleAppendEntriesResp performs the leader-side bookkeeping for one
// append_entries response and then hands it to the external commit module
// via OnPeerResponse.
func (s *Server) handleAppendEntriesResp(p *Peer, req *Request, resp *Response, err error) {
	if err != nil {
		s.logger.Warn("append_entries failed",
			zap.Uint64("peer", p.Config().ID), zap.Error(err))
	} else if resp.Accepted {
		p.SetNextLogIdx(resp.NextIdx)
	} else if resp.NextIdx > 0 {
		// Follower log diverges; back up to its hint.
		p.SetNextLogIdx(resp.NextIdx)
	}

	if h := s.onPeerResponse(); h != nil {
		h(p, resp, err)
	}
}

// OnPeerResponse registers the external commit module's entry point for
// peer responses. It is invoked after per-peer bookkeeping, off the
// server's locks.
func (s *Server) OnPeerResponse(h func(p *Peer, resp *Response, err error)) {
	s.mu.Lock()
	s.peerRespHandler = h
	s.mu.Unlock()
}

func (s *Server) onPeerResponse() func(p *Peer, resp *Response, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerRespHandler
}
