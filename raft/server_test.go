package raft_test

import (
	"testing"
	"time"

	"github.com/ClickHouse/nuraft-go/raft"
)

// Ensure the server cannot be opened twice and Close cancels pending work.
func TestServer_OpenClose(t *testing.T) {
	ts := newTestServer(raft.NewConfig(), nil, nil)

	if err := ts.srv.Open(); err != nil {
		t.Fatal(err)
	}
	if err := ts.srv.Open(); err != raft.ErrAlreadyOpen {
		t.Fatalf("unexpected error: got %v, exp %v", err, raft.ErrAlreadyOpen)
	}

	ts.becomeLeader(1)
	resp, err := ts.srv.HandleClientRequest(clientReq([]byte("x")), nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := ts.srv.Close(); err != nil {
		t.Fatal(err)
	}
	if err := ts.srv.Close(); err != raft.ErrClosed {
		t.Fatalf("unexpected error: got %v, exp %v", err, raft.ErrClosed)
	}

	final := resp.CallCallback()
	if got, exp := final.Result, raft.ResultCancelled; got != exp {
		t.Fatalf("unexpected result: got %v, exp %v", got, exp)
	}
}

// Ensure the dedicated background goroutine serves the urgent commit when
// no global manager is attached.
func TestServer_UrgentCommit_BackgroundThread(t *testing.T) {
	cfg := raft.NewConfig()
	cfg.UseBGThreadForUrgentCommit = true
	ts := newTestServer(cfg, nil, nil)

	if err := ts.srv.Open(); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = ts.srv.Close() }()

	ts.srv.SetClusterConfig(&raft.ClusterConfig{
		Servers: []*raft.ServerConfig{
			{ID: 1, Endpoint: "test://1"},
			{ID: 2, Endpoint: "test://2"},
		},
		AsyncReplication: true,
	})
	ts.srv.BecomeLeader(1)

	resp, err := ts.srv.HandleClientRequest(clientReq([]byte("x")), nil)
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Accepted {
		t.Fatal("request not accepted")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if ts.factory.numClients() > 0 && ts.factory.client(t, 0).numSends() > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("background fan-out never reached the peer")
		}
		time.Sleep(time.Millisecond)
	}
}

// Ensure members removed from the cluster config are shut down.
func TestServer_SetClusterConfig_RemovesPeers(t *testing.T) {
	ts := newTestServer(raft.NewConfig(), nil, nil)
	ts.srv.SetClusterConfig(&raft.ClusterConfig{
		Servers: []*raft.ServerConfig{
			{ID: 1, Endpoint: "test://1"},
			{ID: 2, Endpoint: "test://2"},
			{ID: 3, Endpoint: "test://3"},
		},
	})

	p2 := ts.srv.Peer(2)
	if p2 == nil {
		t.Fatal("peer 2 not created")
	}

	ts.srv.SetClusterConfig(&raft.ClusterConfig{
		Servers: []*raft.ServerConfig{
			{ID: 1, Endpoint: "test://1"},
			{ID: 3, Endpoint: "test://3"},
		},
	})
	if ts.srv.Peer(2) != nil {
		t.Fatal("peer 2 not removed")
	}
	if !p2.Abandoned() {
		t.Fatal("removed peer not shut down")
	}
	if ts.srv.Peer(3) == nil {
		t.Fatal("peer 3 missing")
	}
}

// Ensure the precommit index only moves forward.
func TestServer_PrecommitIndex_Monotonic(t *testing.T) {
	ts := newTestServer(raft.NewConfig(), nil, nil)
	ts.becomeLeader(1)

	if _, err := ts.srv.HandleClientRequest(clientReq([]byte("a"), []byte("b")), nil); err != nil {
		t.Fatal(err)
	}
	if got, exp := ts.srv.PrecommitIndex(), uint64(2); got != exp {
		t.Fatalf("unexpected precommit index: got %d, exp %d", got, exp)
	}

	// An empty batch must not move it backwards.
	if _, err := ts.srv.HandleClientRequest(clientReq(), nil); err != nil {
		t.Fatal(err)
	}
	if got, exp := ts.srv.PrecommitIndex(), uint64(2); got != exp {
		t.Fatalf("precommit index moved backwards: got %d, exp %d", got, exp)
	}
}
