// Package tcp is a Transport over plain TCP. Envelopes are written as
// length-prefixed frames on pooled connections; every peer listens on its
// own address and accepts frames from anyone.
package tcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/collagecommit/core/message"
	"github.com/sushant-115/collagecommit/core/transport"
	"github.com/sushant-115/collagecommit/pkg/connection"
)

// Config controls a tcp Transport.
type Config struct {
	NodeID     string
	ListenAddr string
	// Peers maps node identity to its listen address.
	Peers           map[string]string
	DialTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxConnsPerPeer int
	MaxFrameBytes   int
	QueueCapacity   int
}

func (c *Config) setDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 2 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 2 * time.Second
	}
	if c.MaxConnsPerPeer <= 0 {
		c.MaxConnsPerPeer = 2
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = transport.DefaultMaxFrameBytes
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 4096
	}
}

// Transport implements transport.Transport over TCP.
type Transport struct {
	cfg    Config
	logger *zap.Logger
	pool   *connection.ConnectionPoolManager
	ln     net.Listener
	inbox  chan message.Envelope

	closeOnce sync.Once
	quit      chan struct{}
	wg        sync.WaitGroup

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
}

var _ transport.Transport = (*Transport)(nil)

// Listen binds cfg.ListenAddr and starts accepting peers.
func Listen(cfg Config, logger *zap.Logger) (*Transport, error) {
	cfg.setDefaults()
	if cfg.NodeID == "" {
		return nil, errors.New("tcp transport: NodeID is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen tcp %s: %w", cfg.ListenAddr, err)
	}
	t := &Transport{
		cfg:    cfg,
		logger: logger.Named("tcp").With(zap.String("node", cfg.NodeID)),
		pool:   connection.NewConnectionPoolManager(cfg.MaxConnsPerPeer, cfg.DialTimeout),
		ln:     ln,
		inbox:  make(chan message.Envelope, cfg.QueueCapacity),
		quit:   make(chan struct{}),
		conns:  make(map[net.Conn]struct{}),
	}
	t.wg.Add(1)
	go t.acceptLoop()
	t.logger.Info("tcp transport listening", zap.String("addr", ln.Addr().String()))
	return t, nil
}

// Addr is the bound listen address.
func (t *Transport) Addr() net.Addr { return t.ln.Addr() }

func (t *Transport) LocalID() string { return t.cfg.NodeID }

// Send frames payload to peer to. Errors mean the frame was certainly or
// possibly lost; they are never retried here.
func (t *Transport) Send(ctx context.Context, to string, payload []byte) error {
	select {
	case <-t.quit:
		return transport.ErrClosed
	default:
	}
	addr, ok := t.cfg.Peers[to]
	if !ok {
		return fmt.Errorf("%w: %s", transport.ErrUnknownPeer, to)
	}

	conn, err := t.pool.Get(ctx, addr)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(t.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)

	env := message.NewEnvelope(t.cfg.NodeID, to, payload)
	if err := transport.WriteFrame(conn, message.EncodeEnvelope(env)); err != nil {
		conn.Discard()
		return fmt.Errorf("write to %s (%s): %w", to, addr, err)
	}
	_ = conn.SetWriteDeadline(time.Time{})
	return conn.Close()
}

func (t *Transport) Receive(ctx context.Context) (message.Envelope, error) {
	select {
	case env := <-t.inbox:
		return env, nil
	case <-t.quit:
		return message.Envelope{}, transport.ErrClosed
	case <-ctx.Done():
		return message.Envelope{}, ctx.Err()
	}
}

// Close stops accepting, closes every connection and waits for readers.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.quit)
		err = t.ln.Close()
		t.pool.Close()
		t.connsMu.Lock()
		for c := range t.conns {
			c.Close()
		}
		t.connsMu.Unlock()
		t.wg.Wait()
		t.logger.Info("tcp transport closed")
	})
	return err
}

func (t *Transport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			select {
			case <-t.quit:
				return
			default:
			}
			t.logger.Warn("accept failed", zap.Error(err))
			time.Sleep(50 * time.Millisecond)
			continue
		}
		t.connsMu.Lock()
		t.conns[conn] = struct{}{}
		t.connsMu.Unlock()

		t.wg.Add(1)
		go t.readLoop(conn)
	}
}

func (t *Transport) readLoop(conn net.Conn) {
	defer t.wg.Done()
	defer func() {
		t.connsMu.Lock()
		delete(t.conns, conn)
		t.connsMu.Unlock()
		conn.Close()
	}()

	remote := conn.RemoteAddr().String()
	reader := bufio.NewReader(conn)
	for {
		frame, err := transport.ReadFrame(reader, t.cfg.MaxFrameBytes)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				t.logger.Debug("peer stream ended", zap.String("remote", remote), zap.Error(err))
			}
			return
		}
		env, err := message.DecodeEnvelope(frame)
		if err != nil {
			t.logger.Warn("dropping undecodable envelope", zap.String("remote", remote), zap.Error(err))
			continue
		}
		if env.To != t.cfg.NodeID {
			t.logger.Warn("dropping envelope for another node", zap.String("to", env.To), zap.String("from", env.From))
			continue
		}
		select {
		case t.inbox <- env:
		case <-t.quit:
			return
		}
	}
}
