package raft

import (
	"encoding/binary"
	"io"
)

// MsgType identifies the class of a request or response message.
type MsgType int

const (
	RequestVoteRequest MsgType = iota + 1
	RequestVoteResponse
	AppendEntriesRequest
	AppendEntriesResponse
	ClientRequestMsg
	InstallSnapshotRequest
	InstallSnapshotResponse
	PreVoteRequest
	PreVoteResponse
	LeaveClusterRequest
	LeaveClusterResponse
	CustomNotificationRequest
	CustomNotificationResponse
	ReconnectRequest
	ReconnectResponse
	PriorityChangeRequest
	PriorityChangeResponse
	LeaderStatusRequest
	LeaderStatusResponse
)

// String returns the name of the message type.
func (t MsgType) String() string {
	switch t {
	case RequestVoteRequest:
		return "request_vote_request"
	case RequestVoteResponse:
		return "request_vote_response"
	case AppendEntriesRequest:
		return "append_entries_request"
	case AppendEntriesResponse:
		return "append_entries_response"
	case ClientRequestMsg:
		return "client_request"
	case InstallSnapshotRequest:
		return "install_snapshot_request"
	case InstallSnapshotResponse:
		return "install_snapshot_response"
	case PreVoteRequest:
		return "pre_vote_request"
	case PreVoteResponse:
		return "pre_vote_response"
	case LeaveClusterRequest:
		return "leave_cluster_request"
	case LeaveClusterResponse:
		return "leave_cluster_response"
	case CustomNotificationRequest:
		return "custom_notification_request"
	case CustomNotificationResponse:
		return "custom_notification_response"
	case ReconnectRequest:
		return "reconnect_request"
	case ReconnectResponse:
		return "reconnect_response"
	case PriorityChangeRequest:
		return "priority_change_request"
	case PriorityChangeResponse:
		return "priority_change_response"
	case LeaderStatusRequest:
		return "leader_status_request"
	case LeaderStatusResponse:
		return "leader_status_response"
	}
	return "unknown"
}

// ResultCode is the outcome of a client-visible operation.
type ResultCode int

const (
	ResultOK           ResultCode = 0
	ResultCancelled    ResultCode = -1
	ResultTimeout      ResultCode = -2
	ResultNotLeader    ResultCode = -3
	ResultBadRequest   ResultCode = -4
	ResultTermMismatch ResultCode = -5
)

// String returns the name of the result code.
func (c ResultCode) String() string {
	switch c {
	case ResultOK:
		return "ok"
	case ResultCancelled:
		return "cancelled"
	case ResultTimeout:
		return "timeout"
	case ResultNotLeader:
		return "not_leader"
	case ResultBadRequest:
		return "bad_request"
	case ResultTermMismatch:
		return "term_mismatch"
	}
	return "unknown"
}

// LogEntryType serves as an internal marker for log entries.
// Non-application entry types are handled by the library itself.
type LogEntryType uint8

const (
	LogEntryApp LogEntryType = iota
	LogEntryConfig
	LogEntryClusterServer
	LogEntryLogPack
	LogEntrySnapshotSyncRequest
	LogEntryCustom
)

const logEntryHeaderSize = 8 + 8 + 8 // sz|type + term + timestamp

// LogEntry represents a single record within the replicated log.
// The log index is assigned by the log store when the entry is stored;
// the entry itself is immutable afterwards.
type LogEntry struct {
	Term      uint64
	Timestamp uint64 // microseconds since epoch, stamped by the leader
	Type      LogEntryType
	Data      []byte
}

// EncodedHeader returns the encoded header for the entry.
func (e *LogEntry) EncodedHeader() []byte {
	var b [logEntryHeaderSize]byte
	binary.BigEndian.PutUint64(b[0:8], (uint64(e.Type)<<56)|uint64(len(e.Data)))
	binary.BigEndian.PutUint64(b[8:16], e.Term)
	binary.BigEndian.PutUint64(b[16:24], e.Timestamp)
	return b[:]
}

// LogEntryEncoder encodes entries to a writer.
type LogEntryEncoder struct {
	w io.Writer
}

// NewLogEntryEncoder returns a new instance of LogEntryEncoder that
// will encode to a writer.
func NewLogEntryEncoder(w io.Writer) *LogEntryEncoder {
	return &LogEntryEncoder{w: w}
}

// Encode writes a log entry to the encoder's writer.
func (enc *LogEntryEncoder) Encode(e *LogEntry) error {
	if len(e.Data) > MaxLogEntrySize {
		return ErrLogEntryTooLarge
	}
	if _, err := enc.w.Write(e.EncodedHeader()); err != nil {
		return err
	}
	if _, err := enc.w.Write(e.Data); err != nil {
		return err
	}
	return nil
}

// LogEntryDecoder decodes entries from a reader.
type LogEntryDecoder struct {
	r io.Reader
}

// NewLogEntryDecoder returns a new instance of LogEntryDecoder that
// will decode from a reader.
func NewLogEntryDecoder(r io.Reader) *LogEntryDecoder {
	return &LogEntryDecoder{r: r}
}

// Decode reads a log entry from the decoder's reader.
func (dec *LogEntryDecoder) Decode(e *LogEntry) error {
	var b [logEntryHeaderSize]byte
	if _, err := io.ReadFull(dec.r, b[:]); err != nil {
		return err
	}
	sz := binary.BigEndian.Uint64(b[0:8])
	e.Type, sz = LogEntryType(sz>>56), sz&0x00FFFFFFFFFFFFFF
	e.Term = binary.BigEndian.Uint64(b[8:16])
	e.Timestamp = binary.BigEndian.Uint64(b[16:24])

	data := make([]byte, sz)
	if _, err := io.ReadFull(dec.r, data); err != nil {
		return err
	}
	e.Data = data
	return nil
}

// Request represents the arguments of an RPC or client request.
type Request struct {
	Type MsgType
	Src  uint64
	Dst  uint64
	Term uint64

	LastLogTerm  uint64
	LastLogIndex uint64
	CommitIndex  uint64

	Entries []*LogEntry
}

// PayloadSize returns the total size of the log entry payloads carried by
// the request. Used by the peer dispatcher for bytes-in-flight accounting.
func (r *Request) PayloadSize() uint64 {
	var n uint64
	for _, e := range r.Entries {
		n += uint64(len(e.Data))
	}
	return n
}

// Response represents the result of an RPC or client request.
type Response struct {
	Type     MsgType
	Src      uint64
	Dst      uint64
	Term     uint64
	NextIdx  uint64
	Accepted bool
	Result   ResultCode
	Ctx      []byte

	peer    *Peer
	cb      func(*Response) *Response
	asyncCb func() *CommandResult
}

// NewResponse returns a response of the given type addressed from src to dst.
func NewResponse(term uint64, typ MsgType, src, dst uint64) *Response {
	return &Response{Type: typ, Src: src, Dst: dst, Term: term}
}

// Accept marks the response accepted with the next expected log index.
func (r *Response) Accept(nextIdx uint64) {
	r.Accepted = true
	r.NextIdx = nextIdx
}

// SetPeer records the peer a response was received from.
func (r *Response) SetPeer(p *Peer) { r.peer = p }

// Peer returns the peer a response was received from, if any.
func (r *Response) Peer() *Peer { return r.peer }

// SetCallback attaches a deferred-resolution callback to the response.
// The response-sending thread must invoke it via CallCallback before
// serializing the response.
func (r *Response) SetCallback(cb func(*Response) *Response) { r.cb = cb }

// HasCallback returns true if a deferred-resolution callback is attached.
func (r *Response) HasCallback() bool { return r.cb != nil }

// CallCallback invokes the attached callback and returns the final response.
func (r *Response) CallCallback() *Response {
	if r.cb == nil {
		return r
	}
	return r.cb(r)
}

// SetAsyncCallback attaches an async-handler callback to the response.
func (r *Response) SetAsyncCallback(cb func() *CommandResult) { r.asyncCb = cb }

// HasAsyncCallback returns true if an async-handler callback is attached.
func (r *Response) HasAsyncCallback() bool { return r.asyncCb != nil }

// CallAsyncCallback invokes the attached async callback, returning the
// command result that the commit thread will later fulfill.
func (r *Response) CallAsyncCallback() *CommandResult {
	if r.asyncCb == nil {
		return nil
	}
	return r.asyncCb()
}

// RequestExtParams carries optional extension parameters of a client request.
type RequestExtParams struct {
	// ExpectedTerm, if nonzero, must match the server's current term or the
	// request is rejected with ResultTermMismatch.
	ExpectedTerm uint64

	// AfterPrecommit is invoked after each entry passes state machine
	// pre-commit, with the assigned log index and term.
	AfterPrecommit func(RequestExtCallbackParams)

	// Context is an opaque value passed through to AfterPrecommit.
	Context interface{}
}

// RequestExtCallbackParams is the parameter bundle of AfterPrecommit.
type RequestExtCallbackParams struct {
	LogIdx  uint64
	LogTerm uint64
	Context interface{}
}
