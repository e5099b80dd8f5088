package raft

import (
	"sync"

	"go.uber.org/zap"
)

// GlobalManager is an optional process-wide coordinator that batches
// urgent-commit fan-out across many raft servers sharing one process.
// Servers enqueue themselves; a fixed pool of workers drains the queue.
// A server already in the queue is not enqueued twice.
type GlobalManager struct {
	logger *zap.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*Server
	queued  map[*Server]struct{}
	closed  bool
	workers int

	wg sync.WaitGroup
}

// NewGlobalManager starts a coordinator with the given worker count.
func NewGlobalManager(workers int, log *zap.Logger) *GlobalManager {
	if workers < 1 {
		workers = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	m := &GlobalManager{
		logger:  log.With(zap.String("service", "raft-global-mgr")),
		queued:  make(map[*Server]struct{}),
		workers: workers,
	}
	m.cond = sync.NewCond(&m.mu)

	m.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go m.worker()
	}
	return m
}

// RequestAppend enqueues a server for append_entries fan-out. Requests for
// a server already waiting are coalesced.
func (m *GlobalManager) RequestAppend(s *Server) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if _, ok := m.queued[s]; ok {
		return
	}
	m.queued[s] = struct{}{}
	m.queue = append(m.queue, s)
	m.cond.Signal()
}

// QueueLen returns the number of servers waiting for fan-out.
func (m *GlobalManager) QueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Close stops the workers. Pending requests are dropped.
func (m *GlobalManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.cond.Broadcast()
	m.mu.Unlock()

	m.wg.Wait()
	return nil
}

func (m *GlobalManager) worker() {
	defer m.wg.Done()
	for {
		m.mu.Lock()
		for len(m.queue) == 0 && !m.closed {
			m.cond.Wait()
		}
		if m.closed {
			m.mu.Unlock()
			return
		}
		s := m.queue[0]
		m.queue = m.queue[1:]
		delete(m.queued, s)
		m.mu.Unlock()

		s.mu.Lock()
		s.requestAppendEntries()
		s.mu.Unlock()
	}
}
