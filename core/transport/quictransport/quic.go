// Package quictransport is a Transport over HTTP/3 (QUIC). Each node runs
// an HTTP/3 server; a Send is a POST whose body is a stream of
// length-prefixed envelope frames.
package quictransport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"go.uber.org/zap"

	"github.com/sushant-115/collagecommit/core/message"
	"github.com/sushant-115/collagecommit/core/transport"
)

// Config controls a QUIC Transport.
type Config struct {
	NodeID     string
	ListenAddr string // UDP host:port
	Peers      map[string]string
	URLPath    string // defaults to /messages

	ServerTLS *tls.Config // required
	ClientTLS *tls.Config // required
	QUIC      *quic.Config

	RequestTimeout time.Duration
	MaxFrameBytes  int
	QueueCapacity  int
}

func (c *Config) setDefaults() {
	if c.URLPath == "" {
		c.URLPath = "/messages"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 3 * time.Second
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = transport.DefaultMaxFrameBytes
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 4096
	}
	if c.QUIC == nil {
		c.QUIC = &quic.Config{MaxIdleTimeout: 30 * time.Second, KeepAlivePeriod: 10 * time.Second}
	}
}

// Transport implements transport.Transport over HTTP/3.
type Transport struct {
	cfg    Config
	logger *zap.Logger

	server *http3.Server
	ln     net.PacketConn
	rt     *http3.Transport
	client *http.Client
	inbox  chan message.Envelope

	closeOnce sync.Once
	quit      chan struct{}
	wg        sync.WaitGroup
}

var _ transport.Transport = (*Transport)(nil)

// Listen binds the UDP socket and starts serving HTTP/3.
func Listen(cfg Config, logger *zap.Logger) (*Transport, error) {
	cfg.setDefaults()
	if cfg.NodeID == "" {
		return nil, errors.New("quic transport: NodeID is required")
	}
	if cfg.ServerTLS == nil || cfg.ClientTLS == nil {
		return nil, errors.New("quic transport: ServerTLS and ClientTLS are required for HTTP/3")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, err := net.ListenPacket("udp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen UDP %s: %w", cfg.ListenAddr, err)
	}

	t := &Transport{
		cfg:    cfg,
		logger: logger.Named("quic").With(zap.String("node", cfg.NodeID)),
		ln:     conn,
		inbox:  make(chan message.Envelope, cfg.QueueCapacity),
		quit:   make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(cfg.URLPath, t.messageHandler)
	t.server = &http3.Server{
		TLSConfig:  cfg.ServerTLS,
		Handler:    mux,
		QUICConfig: cfg.QUIC,
	}
	t.rt = &http3.Transport{TLSClientConfig: cfg.ClientTLS, QUICConfig: cfg.QUIC}
	t.client = &http.Client{Transport: t.rt, Timeout: cfg.RequestTimeout}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := t.server.Serve(conn); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			select {
			case <-t.quit:
			default:
				t.logger.Error("http3 serve error", zap.Error(err))
			}
		}
	}()
	t.logger.Info("quic transport listening", zap.String("addr", conn.LocalAddr().String()), zap.String("path", cfg.URLPath))
	return t, nil
}

// Addr is the bound UDP address.
func (t *Transport) Addr() net.Addr { return t.ln.LocalAddr() }

func (t *Transport) LocalID() string { return t.cfg.NodeID }

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

	var body bytes.Buffer
	env := message.NewEnvelope(t.cfg.NodeID, to, payload)
	if err := transport.WriteFrame(&body, message.EncodeEnvelope(env)); err != nil {
		return err
	}
	url := fmt.Sprintf("https://%s%s", addr, t.cfg.URLPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("post to %s: %w", to, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("post to %s: status %s", to, resp.Status)
	}
	return nil
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

func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.quit)
		_ = t.server.Close()
		_ = t.ln.Close()
		_ = t.rt.Close()
		t.wg.Wait()
		t.logger.Info("quic transport closed")
	})
	return nil
}

// messageHandler reads [4B big-endian len][envelope]... until the client
// finishes the request body.
func (t *Transport) messageHandler(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	remote := req.RemoteAddr
	body := http.MaxBytesReader(w, req.Body, int64(t.cfg.MaxFrameBytes)+4)
	defer body.Close()

	for {
		frame, err := transport.ReadFrame(body, t.cfg.MaxFrameBytes)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.logger.Warn("bad message stream", zap.String("remote", remote), zap.Error(err))
			http.Error(w, "bad stream", http.StatusBadRequest)
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
		case <-req.Context().Done():
			return
		case <-t.quit:
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}
