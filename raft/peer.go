package raft

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Peer dispatches RPCs to one cluster member. It owns the member's RPC
// client handle and enforces at most one pipelined RPC per releasable
// message class via the busy flag.
//
// The handle is replaced on failure; every handle carries a generation id
// and responses are matched against the id captured at send time, so a
// response from a reset connection can never mutate the state of its
// successor.
type Peer struct {
	config  *ServerConfig
	logger  *zap.Logger
	clock   clock.Clock
	metrics *Metrics

	hbInterval    time.Duration
	maxHBInterval time.Duration
	responseLimit int32

	// rpcMu protects the client handle and the reconnection backoff.
	// It is never held across user callbacks or any higher-level lock.
	rpcMu         sync.Mutex
	rpc           RPCClient
	reconnBackoff *backoffTimer

	// mu protects heartbeat pacing. Never held across an RPC send.
	mu                sync.Mutex
	currentHBInterval time.Duration
	hbTask            *clock.Timer

	busy       atomic.Bool
	manualFree atomic.Bool
	abandoned  atomic.Bool

	bytesInFlight      atomic.Int64
	staleResponses     atomic.Int32
	lastStreamedLogIdx atomic.Uint64
	snapshotSync       atomic.Bool
	nextLogIdx         atomic.Uint64
	lastActive         atomic.Int64 // nanoseconds since epoch
}

// NewPeer returns a dispatcher for the given cluster member.
func NewPeer(config *ServerConfig, params Config, c clock.Clock, log *zap.Logger) *Peer {
	hb := time.Duration(params.HeartbeatInterval)
	maxHB := time.Duration(params.RPCFailureBackoff)
	if maxHB < hb {
		maxHB = hb
	}
	p := &Peer{
		config:            config,
		logger:            log.With(zap.Uint64("peer", config.ID)),
		clock:             c,
		hbInterval:        hb,
		maxHBInterval:     maxHB,
		responseLimit:     int32(params.ResponseLimit),
		reconnBackoff:     newBackoffTimer(c, 0),
		currentHBInterval: hb,
	}
	p.nextLogIdx.Store(1)
	p.lastActive.Store(c.Now().UnixNano())
	return p
}

// WithMetrics sets the metrics sink on p.
func (p *Peer) WithMetrics(m *Metrics) { p.metrics = m }

// Config returns the cluster member config of the peer.
func (p *Peer) Config() *ServerConfig { return p.config }

// MakeBusy attempts to claim the peer's single RPC pipeline slot.
func (p *Peer) MakeBusy() bool {
	if !p.busy.CompareAndSwap(false, true) {
		return false
	}
	p.manualFree.Store(false)
	return true
}

// SetFree releases the RPC pipeline slot.
func (p *Peer) SetFree() { p.busy.Store(false) }

// IsBusy returns true while an RPC of a releasable class is outstanding.
func (p *Peer) IsBusy() bool { return p.busy.Load() }

// setManualFree marks that the slot was released by a reconnect rather than
// by a response.
func (p *Peer) setManualFree() { p.manualFree.Store(true) }

// ManualFree returns true if the slot was last released by a reconnect.
func (p *Peer) ManualFree() bool { return p.manualFree.Load() }

// Abandoned returns true once the peer has been shut down.
func (p *Peer) Abandoned() bool { return p.abandoned.Load() }

// NextLogIdx returns the next log index to ship to the peer.
func (p *Peer) NextLogIdx() uint64 { return p.nextLogIdx.Load() }

// SetNextLogIdx sets the next log index to ship to the peer.
func (p *Peer) SetNextLogIdx(idx uint64) { p.nextLogIdx.Store(idx) }

// BytesInFlight returns the unacknowledged append_entries payload bytes on
// the current connection generation.
func (p *Peer) BytesInFlight() int64 { return p.bytesInFlight.Load() }

func (p *Peer) bytesInFlightAdd(n uint64) {
	v := p.bytesInFlight.Add(int64(n))
	p.metrics.setBytesInFlight(p.config.ID, v)
}

func (p *Peer) bytesInFlightSub(n uint64) {
	v := p.bytesInFlight.Add(-int64(n))
	if v < 0 {
		p.logger.Warn("negative bytes in flight", zap.Int64("bytes", v))
		p.bytesInFlight.Store(0)
		v = 0
	}
	p.metrics.setBytesInFlight(p.config.ID, v)
}

func (p *Peer) resetBytesInFlight() {
	p.bytesInFlight.Store(0)
	p.metrics.setBytesInFlight(p.config.ID, 0)
}

func (p *Peer) incStaleResponses() int32 { return p.staleResponses.Add(1) }
func (p *Peer) resetStaleResponses()     { p.staleResponses.Store(0) }

// StaleResponses returns the mismatched-generation response count since the
// last matched response.
func (p *Peer) StaleResponses() int32 { return p.staleResponses.Load() }

// resetActiveTimer records connection activity. Responses, explicit
// failures and reconnection attempts all count.
func (p *Peer) resetActiveTimer() { p.lastActive.Store(p.clock.Now().UnixNano()) }

// LastActive returns the time of the last observed connection activity.
func (p *Peer) LastActive() time.Time { return time.Unix(0, p.lastActive.Load()) }

// LastStreamedLogIdx returns the last log index sent in streaming mode,
// or zero when streaming is inactive.
func (p *Peer) LastStreamedLogIdx() uint64 { return p.lastStreamedLogIdx.Load() }

// SetLastStreamedLogIdx records streaming progress.
func (p *Peer) SetLastStreamedLogIdx(idx uint64) { p.lastStreamedLogIdx.Store(idx) }

func (p *Peer) resetStream() { p.lastStreamedLogIdx.Store(0) }

// SnapshotSyncNeeded returns true if the peer requires snapshot transfer.
func (p *Peer) SnapshotSyncNeeded() bool { return p.snapshotSync.Load() }

// SetSnapshotSyncNeeded sets the snapshot transfer flag.
func (p *Peer) SetSnapshotSyncNeeded(v bool) { p.snapshotSync.Store(v) }

// resumeHBSpeed restores the heartbeat interval after a successful response.
func (p *Peer) resumeHBSpeed() {
	p.mu.Lock()
	p.currentHBInterval = p.hbInterval
	p.mu.Unlock()
}

// slowDownHB doubles the heartbeat interval after a failure, up to the
// failure backoff cap.
func (p *Peer) slowDownHB() {
	p.mu.Lock()
	p.currentHBInterval *= 2
	if p.currentHBInterval > p.maxHBInterval {
		p.currentHBInterval = p.maxHBInterval
	}
	p.mu.Unlock()
}

// CurrentHBInterval returns the paced heartbeat interval.
func (p *Peer) CurrentHBInterval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentHBInterval
}

// GenerationID returns the generation id of the current client handle, or
// zero if no handle exists.
func (p *Peer) GenerationID() uint64 {
	p.rpcMu.Lock()
	defer p.rpcMu.Unlock()
	if p.rpc == nil {
		return 0
	}
	return p.rpc.ID()
}

// ReconnBackoff returns the current reconnection backoff duration.
func (p *Peer) ReconnBackoff() time.Duration { return p.reconnBackoff.Duration() }

// SendReq transmits req on the current client handle. The handler is
// invoked at most once, from a transport thread, with the response or
// error. If no handle exists the send is silently abandoned and the busy
// flag released; the caller will retry after reconnect. The handler is not
// invoked in that case, nor when the peer is abandoned, nor when a success
// response arrives on a connection that has since been replaced.
func (p *Peer) SendReq(req *Request, handler RPCHandler, streaming bool) {
	if p.abandoned.Load() {
		p.logger.Error("peer has been shut down, cannot send request")
		p.SetFree()
		return
	}

	if req != nil {
		p.logger.Debug("send req",
			zap.Uint64("src", req.Src),
			zap.Uint64("dst", req.Dst),
			zap.String("type", req.Type.String()))
	}

	pending := newPendingResult(handler)
	var rpcLocal RPCClient
	p.rpcMu.Lock()
	if p.rpc == nil {
		p.rpcMu.Unlock()
		// Nothing will be sent, immediately free it to serve the next
		// operation.
		p.SetFree()
		return
	}
	rpcLocal = p.rpc
	p.rpcMu.Unlock()

	var reqSizeBytes uint64
	if req.Type == AppendEntriesRequest {
		reqSizeBytes = req.PayloadSize()
	}

	p.bytesInFlightAdd(reqSizeBytes)
	rpcLocal.Send(req, func(resp *Response, err error) {
		p.handleRPCResult(rpcLocal, req, pending, streaming, reqSizeBytes, resp, err)
	})
}

// handleRPCResult processes the outcome of one in-flight RPC. The captured
// rpcLocal identifies the connection generation the request was sent on;
// state owned by a newer generation is never touched.
func (p *Peer) handleRPCResult(rpcLocal RPCClient, req *Request, pending *pendingResult,
	streaming bool, reqSizeBytes uint64, resp *Response, err error) {

	if p.abandoned.Load() {
		p.logger.Info("peer has been shut down, ignore response")
		return
	}

	if req != nil {
		p.logger.Debug("resp of req",
			zap.Uint64("src", req.Src),
			zap.Uint64("dst", req.Dst),
			zap.String("type", req.Type.String()),
			zap.Error(err))
	}

	if err == nil {
		// Succeeded.
		p.rpcMu.Lock()
		// Freeing the busy flag must be done only if the handle has not
		// been replaced since the send; otherwise the flag belongs to a
		// different connection now.
		var curID, givenID uint64
		if p.rpc != nil {
			curID = p.rpc.ID()
		}
		if rpcLocal != nil {
			givenID = rpcLocal.ID()
		}
		if curID != givenID {
			p.noteStaleResponse(curID, givenID)
			p.rpcMu.Unlock()
			return
		}
		p.resetStaleResponses()
		p.bytesInFlightSub(reqSizeBytes)
		p.trySetFree(req.Type, streaming)
		p.rpcMu.Unlock()

		p.resetActiveTimer()
		p.resumeHBSpeed()

		resp.SetPeer(p)
		pending.setResult(resp, nil)

		p.reconnBackoff.Reset()
		p.reconnBackoff.SetDuration(time.Millisecond)
		return
	}

	// Failed. An explicit failure is still activity on that connection.
	p.resetActiveTimer()
	p.slowDownHB()
	pending.setResult(nil, err)

	// Destroy this connection; the socket must not be reused. The next
	// append operation will create a new one.
	p.rpcMu.Lock()
	defer p.rpcMu.Unlock()

	var curID, givenID uint64
	if p.rpc != nil {
		curID = p.rpc.ID()
	}
	if rpcLocal != nil {
		givenID = rpcLocal.ID()
	}
	if curID != givenID {
		// The handle has been reset before this request returned an error.
		// Those two are different instances and the new one must be left
		// alone. In streaming mode there can be a burst of these at once,
		// hence the rate limit.
		p.noteStaleResponse(curID, givenID)
		return
	}

	p.rpc = nil
	if idx := p.LastStreamedLogIdx(); idx != 0 {
		p.logger.Info("stop stream mode", zap.Uint64("last_streamed_log_idx", idx))
	}
	p.resetStream()
	p.resetStaleResponses()
	p.resetBytesInFlight()
	p.trySetFree(req.Type, streaming)

	// On disconnection, clear the snapshot sync flag. The first request on
	// the next connection re-evaluates it.
	p.SetSnapshotSyncNeeded(false)
}

// noteStaleResponse counts a mismatched-generation response and logs it,
// rate-limited so connection flapping cannot storm the log.
// Callers must hold rpcMu.
func (p *Peer) noteStaleResponse(curID, givenID uint64) {
	stale := p.incStaleResponses()
	p.metrics.observeStaleResponse(p.config.ID)
	if stale < p.responseLimit {
		p.logger.Warn("got stale RPC response, ignoring it",
			zap.Uint64("current_rpc_id", curID),
			zap.Uint64("response_rpc_id", givenID),
			zap.Int32("stale_responses", stale))
	} else if stale == p.responseLimit {
		p.logger.Warn("too many stale RPC responses, suppressing further warnings")
	}
}

// trySetFree releases the busy flag for message classes whose pipeline slot
// is returned on response. Streaming append_entries keeps the slot busy
// across multiple logical sends.
func (p *Peer) trySetFree(typ MsgType, streaming bool) {
	switch typ {
	case InstallSnapshotRequest,
		RequestVoteRequest,
		PreVoteRequest,
		LeaveClusterRequest,
		CustomNotificationRequest,
		ReconnectRequest,
		PriorityChangeRequest:
		p.SetFree()
	case AppendEntriesRequest:
		if !streaming {
			p.SetFree()
		}
	}
}

// RecreateRPC replaces the peer's client handle with a fresh connection,
// subject to the exponential reconnection backoff (1ms doubling up to the
// heartbeat interval). Returns true if a new handle was created.
func (p *Peer) RecreateRPC(ctx *Context) bool {
	if p.abandoned.Load() {
		p.logger.Debug("peer is abandoned")
		return false
	}

	factory := ctx.ClientFactory()
	if factory == nil {
		p.logger.Debug("client factory is empty")
		return false
	}

	p.rpcMu.Lock()
	defer p.rpcMu.Unlock()

	backoffDisabled := debugOptions.disableReconnectBackoff.Load()
	if !backoffDisabled && !p.reconnBackoff.Timeout() {
		p.logger.Debug("skip reconnect this time",
			zap.Duration("backoff", p.reconnBackoff.Duration()))
		return false
	}

	p.reconnBackoff.Reset()
	newDuration := p.reconnBackoff.Duration() * 2
	if newDuration > p.hbInterval {
		newDuration = p.hbInterval
	}
	if newDuration == 0 {
		newDuration = time.Millisecond
	}
	p.reconnBackoff.SetDuration(newDuration)

	rpc, err := factory.CreateClient(p.config.Endpoint)
	if err != nil {
		p.logger.Warn("failed to create RPC client",
			zap.String("endpoint", p.config.Endpoint), zap.Error(err))
		return false
	}
	p.rpc = rpc
	p.metrics.observeReconnect(p.config.ID)
	p.logger.Debug("reconnect peer",
		zap.Uint64("rpc_id", rpc.ID()),
		zap.String("endpoint", p.config.Endpoint))

	// A reconnection attempt counts as activity.
	p.resetActiveTimer()

	p.resetStream()
	p.resetBytesInFlight()
	p.SetFree()
	p.setManualFree()
	return true
}

// Shutdown abandons the peer. All subsequent sends and response callbacks
// short-circuit.
func (p *Peer) Shutdown() {
	// The flag must be set first to block all incoming requests.
	p.abandoned.Store(true)

	p.rpcMu.Lock()
	p.rpc = nil
	p.rpcMu.Unlock()

	p.mu.Lock()
	if p.hbTask != nil {
		p.hbTask.Stop()
		p.hbTask = nil
	}
	p.mu.Unlock()
}
