package backend

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// StatusBits tracks a backend server's role/health, the black box the
// routing engine's Target resolution consults (spec.md §4.4 Inputs:
// "current server statuses"). Several bits combine.
type StatusBits uint32

const (
	StatusRunning StatusBits = 1 << iota
	StatusMaster
	StatusSlave
	StatusMaintenance
	StatusDraining
)

func (s StatusBits) Has(bit StatusBits) bool { return s&bit != 0 }

func (s StatusBits) String() string {
	var parts []string
	for _, b := range []struct {
		bit  StatusBits
		name string
	}{
		{StatusRunning, "Running"},
		{StatusMaster, "Master"},
		{StatusSlave, "Slave"},
		{StatusMaintenance, "Maintenance"},
		{StatusDraining, "Draining"},
	} {
		if s.Has(b.bit) {
			parts = append(parts, b.name)
		}
	}
	if len(parts) == 0 {
		return "Down"
	}
	out := parts[0]
	for _, p := range parts[1:] {
		out += ", " + p
	}
	return out
}

// Server is one backend MySQL/MariaDB instance: its dial target, an
// idle connection pool, and its current status bits. Adapted from the
// teacher's pool.TenantPool (internal/pool/pool.go), generalized from
// one pool per tenant to one pool per routing target.
type Server struct {
	Name string
	Addr string

	mu             sync.Mutex
	status         StatusBits
	idle           []*Conn
	active         map[*Conn]struct{}
	total          int
	maxConns       int
	idleTimeout    time.Duration
	maxLifetime    time.Duration
	dialTimeout    time.Duration
	replicationLag time.Duration

	closed bool
	stopCh chan struct{}
}

// NewServer creates a server pool, initially with no status bits set
// (i.e. considered down until the monitor's first tick runs).
func NewServer(name, addr string, maxConns int, idleTimeout, maxLifetime, dialTimeout time.Duration) *Server {
	s := &Server{
		Name:        name,
		Addr:        addr,
		active:      make(map[*Conn]struct{}),
		maxConns:    maxConns,
		idleTimeout: idleTimeout,
		maxLifetime: maxLifetime,
		dialTimeout: dialTimeout,
		stopCh:      make(chan struct{}),
	}
	go s.reapLoop()
	return s
}

// Status returns the server's current status bits.
func (s *Server) Status() StatusBits {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SetStatus is called by the status monitor after each probe tick.
func (s *Server) SetStatus(bits StatusBits) {
	s.mu.Lock()
	s.status = bits
	s.mu.Unlock()
}

// ReplicationLag returns the last-observed slave replication lag,
// consulted by the TargetRlagMax routing hint.
func (s *Server) ReplicationLag() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replicationLag
}

func (s *Server) SetReplicationLag(d time.Duration) {
	s.mu.Lock()
	s.replicationLag = d
	s.mu.Unlock()
}

// Acquire returns an idle connection or dials a new one, up to
// maxConns, mirroring the teacher's TenantPool.Acquire shape without
// its per-tenant authentication handshake (spec.md §1 Non-goal: only
// internal/auth's Ed25519 exchange is implemented end-to-end).
func (s *Server) Acquire(ctx context.Context) (*Conn, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("backend %s: pool closed", s.Name)
	}
	if n := len(s.idle); n > 0 {
		c := s.idle[n-1]
		s.idle = s.idle[:n-1]
		s.active[c] = struct{}{}
		s.mu.Unlock()
		c.MarkActive()
		return c, nil
	}
	if s.maxConns > 0 && s.total >= s.maxConns {
		s.mu.Unlock()
		return nil, fmt.Errorf("backend %s: pool exhausted", s.Name)
	}
	s.total++
	s.mu.Unlock()

	c, err := s.dial(ctx)
	if err != nil {
		s.mu.Lock()
		s.total--
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Lock()
	s.active[c] = struct{}{}
	s.mu.Unlock()
	return c, nil
}

func (s *Server) dial(ctx context.Context) (*Conn, error) {
	d := net.Dialer{Timeout: s.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", s.Addr)
	if err != nil {
		return nil, fmt.Errorf("dialing backend %s (%s): %w", s.Name, s.Addr, err)
	}
	return NewConn(conn, s), nil
}

func (s *Server) returnConn(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, c)
	if s.closed || c.IsExpired(s.maxLifetime) {
		s.total--
		go c.Close()
		return
	}
	c.MarkIdle()
	s.idle = append(s.idle, c)
}

func (s *Server) reapLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.reapIdle()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Server) reapIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.idle[:0]
	for _, c := range s.idle {
		if c.IsIdle(s.idleTimeout) || c.IsExpired(s.maxLifetime) {
			s.total--
			go c.Close()
			continue
		}
		kept = append(kept, c)
	}
	s.idle = kept
}

// Close stops the reaper and closes every pooled connection.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	idle := s.idle
	s.idle = nil
	s.mu.Unlock()

	close(s.stopCh)
	for _, c := range idle {
		c.Close()
	}
}
