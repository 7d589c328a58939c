// Package backend implements minimal backend-server connections and the
// status-bit bookkeeping the routing engine's Target resolution needs
// (RUNNING/MASTER/SLAVE/..., spec.md §4.4 Inputs). It is intentionally
// thin: a production-grade connection pool (warm-up, idle reaping,
// per-dialect authentication) and monitor (replication-lag polling,
// galera/mmm cluster detection) are named Non-goals in spec.md §1; this
// package only proves the routing decisions reach a real backend.
package backend

import (
	"net"
	"sync"
	"time"
)

// ConnState mirrors the teacher's pool.ConnState lifecycle
// (internal/pool/conn.go), generalized from per-tenant to per-backend.
type ConnState int

const (
	ConnIdle ConnState = iota
	ConnActive
	ConnClosed
)

// Conn wraps a raw backend connection with pooling metadata, adapted
// directly from the teacher's pool.PooledConn.
type Conn struct {
	mu        sync.Mutex
	conn      net.Conn
	state     ConnState
	createdAt time.Time
	lastUsed  time.Time
	server    *Server
}

// NewConn wraps conn for pool management against server.
func NewConn(conn net.Conn, server *Server) *Conn {
	now := time.Now()
	return &Conn{conn: conn, state: ConnIdle, createdAt: now, lastUsed: now, server: server}
}

func (c *Conn) Raw() net.Conn { return c.conn }

func (c *Conn) MarkActive() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = ConnActive
	c.lastUsed = time.Now()
}

func (c *Conn) MarkIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = ConnIdle
	c.lastUsed = time.Now()
}

func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) IsExpired(maxLifetime time.Duration) bool {
	if maxLifetime <= 0 {
		return false
	}
	return time.Since(c.createdAt) > maxLifetime
}

func (c *Conn) IsIdle(idleTimeout time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if idleTimeout <= 0 {
		return false
	}
	return c.state == ConnIdle && time.Since(c.lastUsed) > idleTimeout
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = ConnClosed
	return c.conn.Close()
}

// Return releases the connection back to its owning server's idle set.
func (c *Conn) Return() {
	if c.server != nil {
		c.server.returnConn(c)
	}
}
