package raft

import (
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Role represents whether the server is a follower, candidate, or leader.
type Role int

const (
	Follower Role = iota
	Candidate
	Leader
)

// String returns the name of the role.
func (r Role) String() string {
	switch r {
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	}
	return "follower"
}

// Context bundles the collaborators shared by the server and its peers.
type Context struct {
	mu            sync.Mutex
	clientFactory RPCClientFactory
	params        Config
	callbacks     CallbackFunc
}

// NewContext returns a context carrying the given parameters.
func NewContext(params Config, factory RPCClientFactory, callbacks CallbackFunc) *Context {
	return &Context{params: params, clientFactory: factory, callbacks: callbacks}
}

// Params returns the raft parameters.
func (c *Context) Params() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.params
}

// ClientFactory returns the RPC client factory.
func (c *Context) ClientFactory() RPCClientFactory {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientFactory
}

// SetClientFactory replaces the RPC client factory.
func (c *Context) SetClientFactory(f RPCClientFactory) {
	c.mu.Lock()
	c.clientFactory = f
	c.mu.Unlock()
}

// callCallback invokes the user callback hook, treating a nil hook as OK.
func (c *Context) callCallback(typ CallbackType, param *CallbackParam) CallbackReturn {
	c.mu.Lock()
	cb := c.callbacks
	c.mu.Unlock()
	if cb == nil {
		return CallbackOK
	}
	return cb(typ, param)
}

// Server implements the leader-side client request pipeline of a raft
// replication group. Election, commit and snapshot transfer are external
// collaborators; the server exposes the contract they rely on (roles,
// NotifyCommit, the peer dispatchers).
type Server struct {
	id  uint64
	ctx *Context

	// mu is the server core lock. cliMu serializes client requests in
	// dual-mutex mode and is always acquired before mu when both are held.
	mu    sync.Mutex
	cliMu sync.Mutex

	role        Role
	writePaused bool
	leaderID    uint64
	currentTerm uint64

	clusterConfig *ClusterConfig
	peers         map[uint64]*Peer

	precommitIndex atomic.Uint64
	smCommitIndex  atomic.Uint64

	logStore LogStore
	sm       StateMachine

	commitRetElemsMu sync.Mutex
	commitRetElems   map[uint64]*commitWaiter

	globalMgr       *GlobalManager
	peerRespHandler func(p *Peer, resp *Response, err error)

	bgAppendC chan struct{}
	closing   chan struct{}
	wg        sync.WaitGroup
	opened    bool

	// LeadershipCheck, if set, is consulted by the blocking client callback
	// after a non-OK result to verify leadership with the election module.
	LeadershipCheck func() bool

	clock   clock.Clock
	logger  *zap.Logger
	metrics *Metrics
}

// NewServer returns a server with the given identity and collaborators.
func NewServer(id uint64, ctx *Context, store LogStore, sm StateMachine) *Server {
	return &Server{
		id:             id,
		ctx:            ctx,
		clusterConfig:  &ClusterConfig{},
		peers:          make(map[uint64]*Peer),
		logStore:       store,
		sm:             sm,
		commitRetElems: make(map[uint64]*commitWaiter),
		clock:          clock.New(),
		logger:         zap.NewNop(),
	}
}

// WithLogger sets the logger on the server and its future peers.
func (s *Server) WithLogger(log *zap.Logger) {
	s.logger = log.With(zap.String("service", "raft"), zap.Uint64("server", s.id))
}

// WithClock sets the clock used for waits, pacing and backoff.
func (s *Server) WithClock(c clock.Clock) { s.clock = c }

// WithMetrics sets the metrics sink on the server and its future peers.
func (s *Server) WithMetrics(m *Metrics) { s.metrics = m }

// WithGlobalManager attaches a process-wide urgent-commit coordinator.
func (s *Server) WithGlobalManager(mgr *GlobalManager) { s.globalMgr = mgr }

// ID returns the server id.
func (s *Server) ID() uint64 { return s.id }

// Context returns the shared context.
func (s *Server) Context() *Context { return s.ctx }

// Open starts the server's background machinery.
func (s *Server) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened {
		return ErrAlreadyOpen
	}
	s.opened = true
	s.closing = make(chan struct{})
	s.bgAppendC = make(chan struct{}, 1)

	s.wg.Add(1)
	go s.bgAppendLoop()
	return nil
}

// Close stops background machinery, shuts down peers and cancels all
// pending client requests.
func (s *Server) Close() error {
	s.mu.Lock()
	if !s.opened {
		s.mu.Unlock()
		return ErrClosed
	}
	s.opened = false
	close(s.closing)
	peers := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	s.wg.Wait()
	for _, p := range peers {
		p.Shutdown()
	}
	s.DropAllPendingCommitResults()
	return nil
}

// bgAppendLoop serves the dedicated background urgent-commit path.
func (s *Server) bgAppendLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.closing:
			return
		case <-s.bgAppendC:
			s.mu.Lock()
			s.requestAppendEntries()
			s.mu.Unlock()
		}
	}
}

// Role returns the server's current role.
func (s *Server) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// Term returns the server's current term.
func (s *Server) Term() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentTerm
}

// LeaderID returns the id of the known leader.
func (s *Server) LeaderID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leaderID
}

// BecomeLeader transitions the server to leader for the given term.
// Invoked by the election module.
func (s *Server) BecomeLeader(term uint64) {
	s.mu.Lock()
	s.role = Leader
	s.currentTerm = term
	s.leaderID = s.id
	s.writePaused = false
	next := s.logStore.NextSlot()
	for _, p := range s.peers {
		p.SetNextLogIdx(next)
	}
	s.mu.Unlock()
	s.logger.Info("became leader", zap.Uint64("term", term))
}

// BecomeFollower steps the server down and cancels all pending client
// requests. Invoked by the election module.
func (s *Server) BecomeFollower(term, leaderID uint64) {
	s.mu.Lock()
	s.role = Follower
	s.currentTerm = term
	s.leaderID = leaderID
	s.mu.Unlock()
	s.logger.Info("stepped down", zap.Uint64("term", term), zap.Uint64("leader", leaderID))

	s.DropAllPendingCommitResults()
}

// PauseWrites pauses or resumes write handling while retaining leadership.
func (s *Server) PauseWrites(paused bool) {
	s.mu.Lock()
	s.writePaused = paused
	s.mu.Unlock()
}

// SetClusterConfig installs the active cluster configuration and creates
// dispatchers for newly-listed members.
func (s *Server) SetClusterConfig(c *ClusterConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clusterConfig = c

	for _, sc := range c.Servers {
		if sc.ID == s.id {
			continue
		}
		if _, ok := s.peers[sc.ID]; ok {
			continue
		}
		p := NewPeer(sc, s.ctx.Params(), s.clock, s.logger)
		p.WithMetrics(s.metrics)
		s.peers[sc.ID] = p
	}
	for id, p := range s.peers {
		if c.Server(id) == nil {
			p.Shutdown()
			delete(s.peers, id)
		}
	}
}

// Peer returns the dispatcher for the given member id, or nil.
func (s *Server) Peer(id uint64) *Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peers[id]
}

// SMCommitIndex returns the state machine commit index.
func (s *Server) SMCommitIndex() uint64 { return s.smCommitIndex.Load() }

// SetSMCommitIndex records the state machine commit index.
// Invoked by the commit thread.
func (s *Server) SetSMCommitIndex(idx uint64) { s.smCommitIndex.Store(idx) }

// PrecommitIndex returns the highest index passed to state machine
// pre-commit.
func (s *Server) PrecommitIndex() uint64 { return s.precommitIndex.Load() }

// tryUpdatePrecommitIndex advances the precommit index to idx if it is
// ahead of the current value.
func (s *Server) tryUpdatePrecommitIndex(idx uint64) {
	for {
		cur := s.precommitIndex.Load()
		if idx <= cur || s.precommitIndex.CompareAndSwap(cur, idx) {
			return
		}
	}
}

// checkLeadershipValidity verifies leadership with the election module.
func (s *Server) checkLeadershipValidity() bool {
	if s.LeadershipCheck != nil {
		return s.LeadershipCheck()
	}
	return s.Role() == Leader
}
