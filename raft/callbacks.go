package raft

// CallbackType identifies the event a user callback is invoked for.
type CallbackType int

const (
	// PreAppendLogLeader fires on the leader for each entry of a client
	// request before the entry is stored. Ctx is the *LogEntry.
	PreAppendLogLeader CallbackType = iota + 1

	// AppendLogFailed fires when the log store rejects an entry.
	// Ctx is the *LogEntry that failed to store.
	AppendLogFailed

	// AppendLogs fires once after the whole batch of a client request has
	// been appended and pre-committed. Ctx is the last assigned log index.
	AppendLogs
)

// CallbackReturn is the verdict of a user callback.
type CallbackReturn int

const (
	// CallbackOK continues normal processing.
	CallbackOK CallbackReturn = iota

	// CallbackReturnNull aborts the request; the handler returns a nil
	// response, signalling that no reply shall be sent.
	CallbackReturnNull
)

// CallbackParam is the parameter bundle passed to user callbacks.
type CallbackParam struct {
	ServerID uint64
	LeaderID uint64
	Ctx      interface{}
}

// CallbackFunc is the user callback hook. A nil hook behaves as CallbackOK.
type CallbackFunc func(typ CallbackType, param *CallbackParam) CallbackReturn
