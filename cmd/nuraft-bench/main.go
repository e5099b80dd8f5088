// Command nuraft-bench drives client requests through the leader-side
// request pipeline against loopback peers that acknowledge immediately.
// It exists to exercise the full pipeline end to end and to measure the
// local append + pre-commit + fan-out path.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/ClickHouse/nuraft-go/logger"
	"github.com/ClickHouse/nuraft-go/raft"
)

type config struct {
	Raft    raft.Config   `toml:"raft"`
	Logging logger.Config `toml:"logging"`
}

func newConfig() config {
	return config{
		Raft:    raft.NewConfig(),
		Logging: logger.NewConfig(),
	}
}

// loopbackClient acknowledges every request as fully replicated.
type loopbackClient struct {
	id uint64
}

func (c *loopbackClient) ID() uint64 { return c.id }

func (c *loopbackClient) Send(req *raft.Request, handler raft.RPCHandler) {
	go func() {
		resp := raft.NewResponse(req.Term, raft.AppendEntriesResponse, req.Dst, req.Src)
		resp.Accept(req.LastLogIndex + uint64(len(req.Entries)) + 1)
		handler(resp, nil)
	}()
}

type loopbackFactory struct{}

func (loopbackFactory) CreateClient(endpoint string) (raft.RPCClient, error) {
	return &loopbackClient{id: raft.NewClientID()}, nil
}

// benchStateMachine echoes the payload back as the pre-commit result.
type benchStateMachine struct{}

func (benchStateMachine) PreCommitExt(logIndex uint64, data []byte) ([]byte, error) {
	return data, nil
}

func main() {
	var (
		configPath = flag.String("config", "", "path to toml config file")
		n          = flag.Int("n", 100000, "number of client requests")
		peers      = flag.Int("peers", 2, "number of loopback peers")
		payload    = flag.Int("payload", 64, "payload size in bytes")
	)
	flag.Parse()

	c := newConfig()
	if *configPath != "" {
		if _, err := toml.DecodeFile(*configPath, &c); err != nil {
			fmt.Fprintf(os.Stderr, "decode config: %v\n", err)
			os.Exit(1)
		}
	}
	if err := c.Raft.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewWithConfig(c.Logging, os.Stderr)
	defer func() { _ = log.Sync() }()

	ctx := raft.NewContext(c.Raft, loopbackFactory{}, nil)
	srv := raft.NewServer(1, ctx, raft.NewMemLogStore(), benchStateMachine{})
	srv.WithLogger(log)
	srv.WithMetrics(raft.NewMetrics())
	if err := srv.Open(); err != nil {
		fmt.Fprintf(os.Stderr, "open server: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = srv.Close() }()

	servers := []*raft.ServerConfig{{ID: 1, Endpoint: "loopback://1"}}
	for i := 0; i < *peers; i++ {
		id := uint64(i + 2)
		servers = append(servers, &raft.ServerConfig{
			ID:       id,
			Endpoint: fmt.Sprintf("loopback://%d", id),
		})
	}
	srv.SetClusterConfig(&raft.ClusterConfig{
		Servers: servers,

		// The bench measures the local pipeline; replication acks are
		// instantaneous, so async replication keeps the driver simple.
		AsyncReplication: true,
	})
	srv.BecomeLeader(1)

	data := make([]byte, *payload)
	start := time.Now()
	for i := 0; i < *n; i++ {
		req := &raft.Request{
			Type:    raft.ClientRequestMsg,
			Src:     0,
			Dst:     1,
			Entries: []*raft.LogEntry{{Type: raft.LogEntryApp, Data: data}},
		}
		resp, err := srv.HandleClientRequest(req, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "request %d: %v\n", i, err)
			os.Exit(1)
		}
		if resp == nil || !resp.Accepted {
			fmt.Fprintf(os.Stderr, "request %d not accepted\n", i)
			os.Exit(1)
		}
	}
	elapsed := time.Since(start)

	fmt.Printf("appended %d entries in %v (%.0f req/s)\n",
		*n, elapsed, float64(*n)/elapsed.Seconds())
}
