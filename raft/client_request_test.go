package raft_test

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/ClickHouse/nuraft-go/raft"
	"github.com/ClickHouse/nuraft-go/toml"
)

// echoStateMachine returns the entry payload as the pre-commit buffer.
type echoStateMachine struct{}

func (echoStateMachine) PreCommitExt(logIndex uint64, data []byte) ([]byte, error) {
	return data, nil
}

// failingStore wraps a LogStore and fails the nth StoreLogEntry call.
type failingStore struct {
	raft.LogStore
	failOn int // 1-based call number to fail on
	calls  int
}

func (s *failingStore) StoreLogEntry(e *raft.LogEntry) (uint64, error) {
	s.calls++
	if s.calls == s.failOn {
		return 0, errors.New("disk full")
	}
	return s.LogStore.StoreLogEntry(e)
}

type testServer struct {
	srv     *raft.Server
	store   *raft.MemLogStore
	factory *manualFactory
}

func newTestServer(cfg raft.Config, c clock.Clock, cb raft.CallbackFunc) *testServer {
	factory := &manualFactory{}
	store := raft.NewMemLogStore()
	srv := raft.NewServer(1, raft.NewContext(cfg, factory, cb), store, echoStateMachine{})
	if c != nil {
		srv.WithClock(c)
	}
	return &testServer{srv: srv, store: store, factory: factory}
}

func (ts *testServer) becomeLeader(term uint64) {
	ts.srv.SetClusterConfig(&raft.ClusterConfig{
		Servers: []*raft.ServerConfig{{ID: 1, Endpoint: "test://1"}},
	})
	ts.srv.BecomeLeader(term)
}

func clientReq(payloads ...[]byte) *raft.Request {
	req := &raft.Request{Type: raft.ClientRequestMsg, Src: 0, Dst: 1}
	for _, p := range payloads {
		req.Entries = append(req.Entries, &raft.LogEntry{Type: raft.LogEntryApp, Data: p})
	}
	return req
}

// Ensure a non-leader rejects client requests without touching the log.
func TestServer_HandleClientRequest_NotLeader(t *testing.T) {
	ts := newTestServer(raft.NewConfig(), nil, nil)

	resp, err := ts.srv.HandleClientRequest(clientReq([]byte("hi")), nil)
	if err != nil {
		t.Fatal(err)
	}
	if got, exp := resp.Result, raft.ResultNotLeader; got != exp {
		t.Fatalf("unexpected result: got %v, exp %v", got, exp)
	}
	if got, exp := resp.Type, raft.AppendEntriesResponse; got != exp {
		t.Fatalf("unexpected response type: got %v, exp %v", got, exp)
	}
	if got, exp := ts.store.NextSlot(), uint64(1); got != exp {
		t.Fatalf("log mutated: next slot got %d, exp %d", got, exp)
	}
	if got := ts.srv.NumPendingCommitResults(); got != 0 {
		t.Fatalf("unexpected waiters: got %d, exp 0", got)
	}
}

// Ensure a paused leader refuses writes.
func TestServer_HandleClientRequest_WritePaused(t *testing.T) {
	ts := newTestServer(raft.NewConfig(), nil, nil)
	ts.becomeLeader(1)
	ts.srv.PauseWrites(true)

	resp, err := ts.srv.HandleClientRequest(clientReq([]byte("hi")), nil)
	if err != nil {
		t.Fatal(err)
	}
	if got, exp := resp.Result, raft.ResultNotLeader; got != exp {
		t.Fatalf("unexpected result: got %v, exp %v", got, exp)
	}
}

// Ensure an expected-term mismatch rejects the request with no log
// mutation, no waiter, and no fan-out.
func TestServer_HandleClientRequest_TermMismatch(t *testing.T) {
	ts := newTestServer(raft.NewConfig(), nil, nil)
	ts.srv.SetClusterConfig(&raft.ClusterConfig{
		Servers: []*raft.ServerConfig{
			{ID: 1, Endpoint: "test://1"},
			{ID: 2, Endpoint: "test://2"},
		},
	})
	ts.srv.BecomeLeader(7)

	resp, err := ts.srv.HandleClientRequest(clientReq([]byte("hi")),
		&raft.RequestExtParams{ExpectedTerm: 6})
	if err != nil {
		t.Fatal(err)
	}
	if got, exp := resp.Result, raft.ResultTermMismatch; got != exp {
		t.Fatalf("unexpected result: got %v, exp %v", got, exp)
	}
	if got, exp := ts.store.NextSlot(), uint64(1); got != exp {
		t.Fatalf("log mutated: next slot got %d, exp %d", got, exp)
	}
	if got := ts.srv.NumPendingCommitResults(); got != 0 {
		t.Fatalf("unexpected waiters: got %d, exp 0", got)
	}
	if ts.factory.numClients() != 0 {
		t.Fatal("fan-out triggered for a rejected request")
	}

	// The matching expected term proceeds.
	resp, err = ts.srv.HandleClientRequest(clientReq([]byte("hi")),
		&raft.RequestExtParams{ExpectedTerm: 7})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Accepted {
		t.Fatal("request with matching expected term not accepted")
	}
}

// Ensure the happy path in blocking mode: the handler registers a waiter,
// the commit thread resolves it, and the client callback returns the commit
// result.
func TestServer_HandleClientRequest_BlockingHappyPath(t *testing.T) {
	ts := newTestServer(raft.NewConfig(), nil, nil)
	ts.becomeLeader(3)

	// Pre-fill the log so the batch lands at index 10.
	for i := 0; i < 9; i++ {
		if _, err := ts.store.StoreLogEntry(&raft.LogEntry{Term: 3}); err != nil {
			t.Fatal(err)
		}
	}

	resp, err := ts.srv.HandleClientRequest(clientReq([]byte("abcd")), nil)
	if err != nil {
		t.Fatal(err)
	}
	require.True(t, resp.Accepted)
	require.Equal(t, uint64(11), resp.NextIdx)
	require.True(t, resp.HasCallback())
	require.Equal(t, 1, ts.srv.NumPendingCommitResults())

	// The commit thread resolves index 10.
	ts.srv.NotifyCommit(10, []byte("hi"), nil, raft.ResultOK)

	final := resp.CallCallback()
	require.Equal(t, raft.ResultOK, final.Result)
	require.Equal(t, []byte("hi"), final.Ctx)
	require.Equal(t, 0, ts.srv.NumPendingCommitResults())
}

// Ensure a blocked client returns TIMEOUT after the configured timeout and
// leaves the waiter for the commit thread to remove.
func TestServer_HandleClientRequest_Timeout(t *testing.T) {
	mock := clock.NewMock()
	cfg := raft.NewConfig()
	cfg.ClientReqTimeout = toml.Duration(50 * time.Millisecond)
	ts := newTestServer(cfg, mock, nil)
	ts.becomeLeader(1)

	resp, err := ts.srv.HandleClientRequest(clientReq([]byte("x")), nil)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan *raft.Response, 1)
	go func() { done <- resp.CallCallback() }()

	// Let the callback reach its timed wait, then expire it.
	time.Sleep(50 * time.Millisecond)
	mock.Add(50 * time.Millisecond)

	select {
	case final := <-done:
		if got, exp := final.Result, raft.ResultTimeout; got != exp {
			t.Fatalf("unexpected result: got %v, exp %v", got, exp)
		}
		if final.Ctx != nil {
			t.Fatalf("unexpected buffer on timeout: %q", final.Ctx)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("callback did not return after timeout")
	}

	// The waiter stays behind for the commit thread.
	if got := ts.srv.NumPendingCommitResults(); got != 1 {
		t.Fatalf("unexpected waiters: got %d, exp 1", got)
	}
	ts.srv.NotifyCommit(1, []byte("late"), nil, raft.ResultOK)
	if got := ts.srv.NumPendingCommitResults(); got != 0 {
		t.Fatalf("commit thread did not clean up: got %d waiters", got)
	}
}

// Ensure loss of leadership mid-wait unblocks the client with CANCELLED.
func TestServer_HandleClientRequest_CancelOnLeadershipLoss(t *testing.T) {
	ts := newTestServer(raft.NewConfig(), nil, nil)
	ts.becomeLeader(1)

	resp, err := ts.srv.HandleClientRequest(clientReq([]byte("x")), nil)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan *raft.Response, 1)
	go func() { done <- resp.CallCallback() }()

	time.Sleep(20 * time.Millisecond)
	ts.srv.BecomeFollower(2, 2)

	select {
	case final := <-done:
		if got, exp := final.Result, raft.ResultCancelled; got != exp {
			t.Fatalf("unexpected result: got %v, exp %v", got, exp)
		}
		if final.Ctx != nil {
			t.Fatalf("unexpected buffer on cancel: %q", final.Ctx)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("callback did not unblock on leadership loss")
	}
	if got := ts.srv.NumPendingCommitResults(); got != 0 {
		t.Fatalf("unexpected waiters after drop: got %d", got)
	}
}

// Ensure dropping all pending commit results twice is the same as once.
func TestServer_DropAllPendingCommitResults_Idempotent(t *testing.T) {
	ts := newTestServer(raft.NewConfig(), nil, nil)
	ts.becomeLeader(1)

	resp, err := ts.srv.HandleClientRequest(clientReq([]byte("x")), nil)
	if err != nil {
		t.Fatal(err)
	}

	ts.srv.DropAllPendingCommitResults()
	ts.srv.DropAllPendingCommitResults()

	final := resp.CallCallback()
	if got, exp := final.Result, raft.ResultCancelled; got != exp {
		t.Fatalf("unexpected result: got %v, exp %v", got, exp)
	}
	if got := ts.srv.NumPendingCommitResults(); got != 0 {
		t.Fatalf("unexpected waiters: got %d", got)
	}
}

// Ensure an empty client request is accepted at the next slot, creates no
// waiter, and still triggers the fan-out.
func TestServer_HandleClientRequest_EmptyBatch(t *testing.T) {
	ts := newTestServer(raft.NewConfig(), nil, nil)
	ts.srv.SetClusterConfig(&raft.ClusterConfig{
		Servers: []*raft.ServerConfig{
			{ID: 1, Endpoint: "test://1"},
			{ID: 2, Endpoint: "test://2"},
		},
	})
	ts.srv.BecomeLeader(1)

	resp, err := ts.srv.HandleClientRequest(clientReq(), nil)
	if err != nil {
		t.Fatal(err)
	}
	require.True(t, resp.Accepted)
	require.Equal(t, raft.ResultOK, resp.Result)
	require.Equal(t, ts.store.NextSlot(), resp.NextIdx)
	require.False(t, resp.HasCallback())
	require.Equal(t, 0, ts.srv.NumPendingCommitResults())

	// The fan-out reached the peer.
	require.Equal(t, 1, ts.factory.numClients())
	require.Equal(t, 1, ts.factory.client(t, 0).numSends())
}

// Ensure async replication returns the pre-commit buffer immediately with
// no waiter.
func TestServer_HandleClientRequest_AsyncReplication(t *testing.T) {
	ts := newTestServer(raft.NewConfig(), nil, nil)
	ts.srv.SetClusterConfig(&raft.ClusterConfig{
		Servers:          []*raft.ServerConfig{{ID: 1, Endpoint: "test://1"}},
		AsyncReplication: true,
	})
	ts.srv.BecomeLeader(1)

	resp, err := ts.srv.HandleClientRequest(clientReq([]byte("payload")), nil)
	if err != nil {
		t.Fatal(err)
	}
	require.True(t, resp.Accepted)
	require.False(t, resp.HasCallback())
	require.Equal(t, []byte("payload"), resp.Ctx)
	require.Equal(t, 0, ts.srv.NumPendingCommitResults())
}

// Ensure async-handler mode returns an accepted command result that the
// commit thread fulfills later.
func TestServer_HandleClientRequest_AsyncHandler(t *testing.T) {
	cfg := raft.NewConfig()
	cfg.ReturnMethod = raft.AsyncHandler
	ts := newTestServer(cfg, nil, nil)
	ts.becomeLeader(1)

	resp, err := ts.srv.HandleClientRequest(clientReq([]byte("x")), nil)
	if err != nil {
		t.Fatal(err)
	}
	require.True(t, resp.HasAsyncCallback())

	ar := resp.CallAsyncCallback()
	require.NotNil(t, ar)
	require.True(t, ar.Accepted())

	ts.srv.NotifyCommit(1, []byte("done"), nil, raft.ResultOK)

	result, cmdErr, code := ar.Get()
	require.NoError(t, cmdErr)
	require.Equal(t, raft.ResultOK, code)
	require.Equal(t, []byte("done"), result)
	require.Equal(t, 0, ts.srv.NumPendingCommitResults())
}

// Ensure async-handler cancellation fulfills outstanding results with
// CANCELLED outside the registry lock.
func TestServer_DropAllPendingCommitResults_AsyncHandler(t *testing.T) {
	cfg := raft.NewConfig()
	cfg.ReturnMethod = raft.AsyncHandler
	ts := newTestServer(cfg, nil, nil)
	ts.becomeLeader(1)

	resp, err := ts.srv.HandleClientRequest(clientReq([]byte("x")), nil)
	if err != nil {
		t.Fatal(err)
	}
	ar := resp.CallAsyncCallback()

	// The handler may re-enter the server; this must not deadlock.
	reentered := make(chan struct{}, 1)
	ar.When(func(result []byte, cmdErr error, code raft.ResultCode) {
		_ = ts.srv.NumPendingCommitResults()
		reentered <- struct{}{}
	})

	ts.srv.DropAllPendingCommitResults()

	select {
	case <-reentered:
	case <-time.After(2 * time.Second):
		t.Fatal("async handler not invoked on drop")
	}
	result, cmdErr, code := ar.Get()
	require.Nil(t, result)
	require.ErrorIs(t, cmdErr, raft.ErrRequestCancelled)
	require.Equal(t, raft.ResultCancelled, code)
}

// Ensure indices assigned to one batch are contiguous and every entry is
// stamped with the current term and a single request timestamp.
func TestServer_HandleClientRequest_BatchIndices(t *testing.T) {
	ts := newTestServer(raft.NewConfig(), nil, nil)
	ts.becomeLeader(5)

	var indices []uint64
	var terms []uint64
	ext := &raft.RequestExtParams{
		AfterPrecommit: func(p raft.RequestExtCallbackParams) {
			indices = append(indices, p.LogIdx)
			terms = append(terms, p.LogTerm)
		},
	}

	resp, err := ts.srv.HandleClientRequest(
		clientReq([]byte("a"), []byte("b"), []byte("c"), []byte("d")), ext)
	if err != nil {
		t.Fatal(err)
	}
	require.True(t, resp.Accepted)

	require.Equal(t, []uint64{1, 2, 3, 4}, indices)
	for _, term := range terms {
		require.Equal(t, uint64(5), term)
	}

	entries, err := ts.store.LogEntries(1, 5)
	require.NoError(t, err)
	ts0 := entries[0].Timestamp
	require.NotZero(t, ts0)
	for _, e := range entries {
		require.Equal(t, uint64(5), e.Term)
		require.Equal(t, ts0, e.Timestamp)
	}
}

// Ensure PreAppendLogLeader can abort the request before anything is stored.
func TestServer_HandleClientRequest_PreAppendReturnNull(t *testing.T) {
	cb := func(typ raft.CallbackType, p *raft.CallbackParam) raft.CallbackReturn {
		if typ == raft.PreAppendLogLeader {
			return raft.CallbackReturnNull
		}
		return raft.CallbackOK
	}
	ts := newTestServer(raft.NewConfig(), nil, cb)
	ts.becomeLeader(1)

	resp, err := ts.srv.HandleClientRequest(clientReq([]byte("x")), nil)
	require.NoError(t, err)
	require.Nil(t, resp)
	require.Equal(t, uint64(1), ts.store.NextSlot())
}

// Ensure AppendLogs can suppress the response after the batch is stored.
func TestServer_HandleClientRequest_AppendLogsReturnNull(t *testing.T) {
	cb := func(typ raft.CallbackType, p *raft.CallbackParam) raft.CallbackReturn {
		if typ == raft.AppendLogs {
			return raft.CallbackReturnNull
		}
		return raft.CallbackOK
	}
	ts := newTestServer(raft.NewConfig(), nil, cb)
	ts.becomeLeader(1)

	resp, err := ts.srv.HandleClientRequest(clientReq([]byte("x")), nil)
	require.NoError(t, err)
	require.Nil(t, resp)

	// The entries were stored before the callback fired.
	require.Equal(t, uint64(2), ts.store.NextSlot())
}

// Ensure a log store failure reports AppendLogFailed, advances the
// precommit index to the last stored entry and propagates the error.
func TestServer_HandleClientRequest_StoreFailure(t *testing.T) {
	var failedCb bool
	cb := func(typ raft.CallbackType, p *raft.CallbackParam) raft.CallbackReturn {
		if typ == raft.AppendLogFailed {
			failedCb = true
		}
		return raft.CallbackOK
	}

	factory := &manualFactory{}
	store := &failingStore{LogStore: raft.NewMemLogStore(), failOn: 2}
	srv := raft.NewServer(1, raft.NewContext(raft.NewConfig(), factory, cb), store, echoStateMachine{})
	srv.SetClusterConfig(&raft.ClusterConfig{
		Servers: []*raft.ServerConfig{{ID: 1, Endpoint: "test://1"}},
	})
	srv.BecomeLeader(1)

	_, err := srv.HandleClientRequest(clientReq([]byte("a"), []byte("b")), nil)
	require.Error(t, err)
	require.True(t, failedCb, "AppendLogFailed callback not invoked")
	require.Equal(t, uint64(1), srv.PrecommitIndex())
	require.Equal(t, 0, srv.NumPendingCommitResults())
}

// Ensure the test sleep hook is a no-op at zero.
func TestServer_HandleClientRequest_NoSleepByDefault(t *testing.T) {
	raft.SetHandleClientRequestSleep(0)
	ts := newTestServer(raft.NewConfig(), nil, nil)
	ts.becomeLeader(1)

	start := time.Now()
	if _, err := ts.srv.HandleClientRequest(clientReq([]byte("x")), nil); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("handler slept unexpectedly: %v", elapsed)
	}
}

// Ensure the commit thread winning the race against the client handler
// still resolves the request exactly once.
func TestServer_NotifyCommit_CommitThreadFaster(t *testing.T) {
	raft.SetHandleClientRequestSleep(30 * time.Millisecond)
	defer raft.SetHandleClientRequestSleep(0)

	ts := newTestServer(raft.NewConfig(), nil, nil)
	ts.becomeLeader(1)

	// Play the commit thread: resolve index 1 while the handler is inside
	// its post-append sleep, before the waiter is registered.
	go func() {
		time.Sleep(10 * time.Millisecond)
		ts.srv.NotifyCommit(1, []byte("hi"), nil, raft.ResultOK)
	}()

	resp, err := ts.srv.HandleClientRequest(clientReq([]byte("x")), nil)
	require.NoError(t, err)

	final := resp.CallCallback()
	require.Equal(t, raft.ResultOK, final.Result)
	require.Equal(t, []byte("hi"), final.Ctx)
	require.Equal(t, 0, ts.srv.NumPendingCommitResults())
}

// Ensure the leader status payload decodes to the current term and state
// machine commit index.
func TestServer_HandleLeaderStatusRequest(t *testing.T) {
	ts := newTestServer(raft.NewConfig(), nil, nil)

	req := &raft.Request{Type: raft.LeaderStatusRequest, Src: 9, Dst: 1}

	// Not leader yet.
	resp := ts.srv.HandleLeaderStatusRequest(req)
	if got, exp := resp.Result, raft.ResultNotLeader; got != exp {
		t.Fatalf("unexpected result: got %v, exp %v", got, exp)
	}
	if resp.Ctx != nil {
		t.Fatal("unexpected payload on not-leader response")
	}

	ts.becomeLeader(12)
	ts.srv.SetSMCommitIndex(34)

	resp = ts.srv.HandleLeaderStatusRequest(req)
	if got, exp := resp.Result, raft.ResultOK; got != exp {
		t.Fatalf("unexpected result: got %v, exp %v", got, exp)
	}
	if got, exp := len(resp.Ctx), 16; got != exp {
		t.Fatalf("unexpected payload length: got %d, exp %d", got, exp)
	}
	if got, exp := binary.BigEndian.Uint64(resp.Ctx[0:8]), uint64(12); got != exp {
		t.Fatalf("unexpected term: got %d, exp %d", got, exp)
	}
	if got, exp := binary.BigEndian.Uint64(resp.Ctx[8:16]), uint64(34); got != exp {
		t.Fatalf("unexpected commit index: got %d, exp %d", got, exp)
	}

	// A paused leader reports not-leader.
	ts.srv.PauseWrites(true)
	resp = ts.srv.HandleLeaderStatusRequest(req)
	if got, exp := resp.Result, raft.ResultNotLeader; got != exp {
		t.Fatalf("unexpected result: got %v, exp %v", got, exp)
	}
}

// Ensure the single-mutex locking method serves the same request path.
func TestServer_HandleClientRequest_SingleMutex(t *testing.T) {
	cfg := raft.NewConfig()
	cfg.LockingMethod = raft.SingleMutex
	ts := newTestServer(cfg, nil, nil)
	ts.becomeLeader(1)

	resp, err := ts.srv.HandleClientRequest(clientReq([]byte("x")), nil)
	require.NoError(t, err)
	require.True(t, resp.Accepted)

	ts.srv.NotifyCommit(1, []byte("ok"), nil, raft.ResultOK)
	final := resp.CallCallback()
	require.Equal(t, raft.ResultOK, final.Result)

	status := ts.srv.HandleLeaderStatusRequest(&raft.Request{Type: raft.LeaderStatusRequest})
	require.Equal(t, raft.ResultOK, status.Result)
}
