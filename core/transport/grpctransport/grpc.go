// Package grpctransport is a Transport over gRPC. Each node serves a
// one-method Mailbox service; an envelope is one unary Deliver call whose
// request is a wrapperspb.BytesValue holding the encoded envelope.
package grpctransport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/sushant-115/collagecommit/core/message"
	"github.com/sushant-115/collagecommit/core/transport"
)

const (
	serviceName   = "collagecommit.transport.v1.Mailbox"
	deliverMethod = "/" + serviceName + "/Deliver"
)

// mailboxServer is the handler type registered with grpc.
type mailboxServer interface {
	deliver(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error)
}

var mailboxServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*mailboxServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deliver", Handler: deliverHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "collagecommit/transport/mailbox",
}

func deliverHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(mailboxServer).deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: deliverMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(mailboxServer).deliver(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// Config controls a gRPC Transport.
type Config struct {
	NodeID        string
	ListenAddr    string
	Peers         map[string]string
	CallTimeout   time.Duration
	MaxFrameBytes int
	QueueCapacity int
}

// Transport implements transport.Transport over gRPC.
type Transport struct {
	cfg    Config
	logger *zap.Logger
	server *grpc.Server
	ln     net.Listener
	inbox  chan message.Envelope

	closeOnce sync.Once
	quit      chan struct{}

	clientsMu sync.Mutex
	clients   map[string]*grpc.ClientConn
}

var _ transport.Transport = (*Transport)(nil)

// Listen starts the Mailbox server on cfg.ListenAddr.
func Listen(cfg Config, logger *zap.Logger) (*Transport, error) {
	if cfg.NodeID == "" {
		return nil, errors.New("grpc transport: NodeID is required")
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 2 * time.Second
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = transport.DefaultMaxFrameBytes
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 4096
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen grpc %s: %w", cfg.ListenAddr, err)
	}
	t := &Transport{
		cfg:     cfg,
		logger:  logger.Named("grpc").With(zap.String("node", cfg.NodeID)),
		server:  grpc.NewServer(grpc.MaxRecvMsgSize(cfg.MaxFrameBytes)),
		ln:      ln,
		inbox:   make(chan message.Envelope, cfg.QueueCapacity),
		quit:    make(chan struct{}),
		clients: make(map[string]*grpc.ClientConn),
	}
	t.server.RegisterService(&mailboxServiceDesc, t)

	go func() {
		if err := t.server.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.logger.Error("grpc server stopped", zap.Error(err))
		}
	}()
	t.logger.Info("grpc transport listening", zap.String("addr", ln.Addr().String()))
	return t, nil
}

// Addr is the bound listen address.
func (t *Transport) Addr() net.Addr { return t.ln.Addr() }

func (t *Transport) LocalID() string { return t.cfg.NodeID }

func (t *Transport) deliver(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	env, err := message.DecodeEnvelope(in.GetValue())
	if err != nil {
		t.logger.Warn("dropping undecodable envelope", zap.Error(err))
		return &emptypb.Empty{}, nil
	}
	if env.To != t.cfg.NodeID {
		t.logger.Warn("dropping envelope for another node", zap.String("to", env.To), zap.String("from", env.From))
		return &emptypb.Empty{}, nil
	}
	select {
	case t.inbox <- env:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.quit:
		return nil, transport.ErrClosed
	}
	return &emptypb.Empty{}, nil
}

// client returns the cached connection for peer, creating it lazily.
func (t *Transport) client(peer string) (*grpc.ClientConn, error) {
	t.clientsMu.Lock()
	defer t.clientsMu.Unlock()
	if cc, ok := t.clients[peer]; ok {
		return cc, nil
	}
	addr, ok := t.cfg.Peers[peer]
	if !ok {
		return nil, fmt.Errorf("%w: %s", transport.ErrUnknownPeer, peer)
	}
	cc, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.MaxCallSendMsgSize(t.cfg.MaxFrameBytes)),
	)
	if err != nil {
		return nil, fmt.Errorf("grpc client for %s (%s): %w", peer, addr, err)
	}
	t.clients[peer] = cc
	return cc, nil
}

func (t *Transport) Send(ctx context.Context, to string, payload []byte) error {
	select {
	case <-t.quit:
		return transport.ErrClosed
	default:
	}
	cc, err := t.client(to)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, t.cfg.CallTimeout)
	defer cancel()

	env := message.NewEnvelope(t.cfg.NodeID, to, payload)
	req := &wrapperspb.BytesValue{Value: message.EncodeEnvelope(env)}
	if err := cc.Invoke(ctx, deliverMethod, req, new(emptypb.Empty)); err != nil {
		return fmt.Errorf("deliver to %s: %w", to, err)
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
		t.server.Stop()
		t.clientsMu.Lock()
		for peer, cc := range t.clients {
			if err := cc.Close(); err != nil {
				t.logger.Debug("closing client", zap.String("peer", peer), zap.Error(err))
			}
		}
		t.clients = make(map[string]*grpc.ClientConn)
		t.clientsMu.Unlock()
		t.logger.Info("grpc transport closed")
	})
	return nil
}
