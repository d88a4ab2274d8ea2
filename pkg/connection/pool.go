// Package connection provides a thread-safe pool of TCP connections keyed by
// remote address. The tcp transport uses it so that the coordinator's
// fan-out to many user nodes reuses connections instead of dialing per message.
package connection

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// ErrPoolClosed is returned by Get after Close.
var ErrPoolClosed = errors.New("connection pool closed")

// DialFunc opens a new connection to address.
type DialFunc func(ctx context.Context, address string) (net.Conn, error)

// PooledConn is a net.Conn borrowed from a pool. Release it with Close
// (healthy, goes back to the pool) or Discard (broken, closed for good).
type PooledConn struct {
	net.Conn
	pool *peerPool
}

// Close returns the connection to the pool without closing the socket.
func (c *PooledConn) Close() error {
	if c.pool == nil {
		return fmt.Errorf("connection is already released")
	}
	c.pool.put(c.Conn)
	c.pool = nil
	return nil
}

// Discard closes the socket and frees its slot in the pool. Use it after an
// I/O error, when the connection state is unknown.
func (c *PooledConn) Discard() error {
	if c.pool == nil {
		return c.Conn.Close()
	}
	p := c.pool
	c.pool = nil
	p.release()
	return c.Conn.Close()
}

// peerPool holds idle connections for a single remote address.
type peerPool struct {
	mu       sync.Mutex
	idle     chan net.Conn
	slots    chan struct{} // one token per open connection
	dial     DialFunc
	address  string
	isClosed bool
}

// ConnectionPoolManager manages one peerPool per remote address.
type ConnectionPoolManager struct {
	mu      sync.RWMutex
	pools   map[string]*peerPool
	maxSize int
	dial    DialFunc
	closed  bool
}

// NewConnectionPoolManager creates a manager allowing maxSize open
// connections per address. timeout bounds each dial.
func NewConnectionPoolManager(maxSize int, timeout time.Duration) *ConnectionPoolManager {
	if maxSize <= 0 {
		maxSize = 1
	}
	dialer := &net.Dialer{Timeout: timeout}
	return &ConnectionPoolManager{
		pools:   make(map[string]*peerPool),
		maxSize: maxSize,
		dial: func(ctx context.Context, address string) (net.Conn, error) {
			return dialer.DialContext(ctx, "tcp", address)
		},
	}
}

// WithDialer replaces the dial function. It must be called before first use.
func (m *ConnectionPoolManager) WithDialer(dial DialFunc) *ConnectionPoolManager {
	m.dial = dial
	return m
}

// Get borrows a connection to address, dialing when no idle connection is
// available and the per-address limit allows it. When the limit is reached
// Get waits for a connection to be released or for ctx to end.
func (m *ConnectionPoolManager) Get(ctx context.Context, address string) (*PooledConn, error) {
	m.mu.RLock()
	pool, ok := m.pools[address]
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, ErrPoolClosed
	}

	if !ok {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrPoolClosed
		}
		pool, ok = m.pools[address]
		if !ok {
			pool = &peerPool{
				idle:    make(chan net.Conn, m.maxSize),
				slots:   make(chan struct{}, m.maxSize),
				dial:    m.dial,
				address: address,
			}
			m.pools[address] = pool
		}
		m.mu.Unlock()
	}

	conn, err := pool.get(ctx)
	if err != nil {
		return nil, err
	}
	return &PooledConn{Conn: conn, pool: pool}, nil
}

func (p *peerPool) get(ctx context.Context) (net.Conn, error) {
	select {
	case conn := <-p.idle:
		return conn, nil
	default:
	}

	select {
	case conn := <-p.idle:
		return conn, nil
	case p.slots <- struct{}{}:
		conn, err := p.dial(ctx, p.address)
		if err != nil {
			<-p.slots
			return nil, fmt.Errorf("dial %s: %w", p.address, err)
		}
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// put returns a healthy connection to the idle set.
func (p *peerPool) put(conn net.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isClosed {
		conn.Close()
		p.release()
		return
	}
	select {
	case p.idle <- conn:
	default:
		conn.Close()
		p.release()
	}
}

func (p *peerPool) release() {
	select {
	case <-p.slots:
	default:
	}
}

// Close shuts down every pool and closes idle connections. Borrowed
// connections are closed when they are released.
func (m *ConnectionPoolManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for _, pool := range m.pools {
		pool.close()
	}
	m.pools = make(map[string]*peerPool)
}

func (p *peerPool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.isClosed = true
	for {
		select {
		case conn := <-p.idle:
			conn.Close()
			p.release()
		default:
			return
		}
	}
}
