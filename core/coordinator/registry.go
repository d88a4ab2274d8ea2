// Package coordinator owns the set of in-flight collage transactions. The
// Registry is the coordinator's single entry point: it logs intents, starts
// transactions, routes replies to them and rebuilds them from the log after
// a restart.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/sushant-115/collagecommit/core/message"
	"github.com/sushant-115/collagecommit/core/storage"
	"github.com/sushant-115/collagecommit/core/transaction"
	"github.com/sushant-115/collagecommit/core/transport"
	"github.com/sushant-115/collagecommit/core/wal"
	internaltelemetry "github.com/sushant-115/collagecommit/internal/telemetry"
)

// --- Error Definitions ---
var (
	ErrDuplicateTransaction = errors.New("transaction name already used")
	ErrInvalidSource        = transaction.ErrInvalidSource
	ErrInvalidName          = errors.New("invalid artifact name")
	ErrNotRecovered         = errors.New("coordinator has not recovered its log")
	ErrAlreadyRecovered     = errors.New("coordinator already recovered")
	ErrClosed               = errors.New("coordinator closed")
)

// DefaultID is the coordinator's node identity.
const DefaultID = "Server"

// Config holds the coordinator's protocol settings.
type Config struct {
	NodeID      string
	VoteTimeout time.Duration
	AckTimeout  time.Duration
}

// Option configures optional Registry dependencies.
type Option func(*Registry)

func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

func WithMetrics(m *internaltelemetry.CommitMetrics) Option {
	return func(r *Registry) { r.metrics = m }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(r *Registry) { r.tracer = tracer }
}

// WithFatal replaces the durability failure handler (default: logger.Fatal).
func WithFatal(fatal transaction.FatalFunc) Option {
	return func(r *Registry) { r.fatal = fatal }
}

// Registry maps transaction names to live transactions.
type Registry struct {
	cfg       Config
	log       wal.Log
	sender    transport.Sender
	artifacts storage.ArtifactStore
	logger    *zap.Logger
	metrics   *internaltelemetry.CommitMetrics
	tracer    trace.Tracer
	fatal     transaction.FatalFunc

	mu        sync.Mutex
	txns      map[string]*transaction.Transaction
	pending   map[string]struct{} // names whose INTENT is being written
	used      map[string]struct{} // every name with an INTENT in the log
	recovered bool
	closed    bool
}

// NewRegistry builds a Registry. Recover must be called before Submit,
// Dispatch or Serve.
func NewRegistry(cfg Config, log wal.Log, sender transport.Sender, artifacts storage.ArtifactStore, opts ...Option) *Registry {
	if cfg.NodeID == "" {
		cfg.NodeID = DefaultID
	}
	r := &Registry{
		cfg:       cfg,
		log:       log,
		sender:    sender,
		artifacts: artifacts,
		txns:      make(map[string]*transaction.Transaction),
		pending:   make(map[string]struct{}),
		used:      make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	r.logger = r.logger.Named("registry")
	if r.metrics == nil {
		r.metrics = internaltelemetry.NopCommitMetrics()
	}
	if r.tracer == nil {
		r.tracer = nooptrace.NewTracerProvider().Tracer("")
	}
	if r.fatal == nil {
		r.fatal = r.logger.Fatal
	}
	return r
}

func (r *Registry) env() transaction.Env {
	return transaction.Env{
		Log:         r.log,
		Sender:      r.sender,
		Artifacts:   r.artifacts,
		VoteTimeout: r.cfg.VoteTimeout,
		AckTimeout:  r.cfg.AckTimeout,
		Logger:      r.logger,
		Metrics:     r.metrics,
		Fatal:       r.fatal,
		OnDone:      r.retire,
	}
}

// Submit logs the intent to commit name and starts collecting votes. It
// returns once the intent is durable; vote gathering continues in the
// transaction's goroutine.
func (r *Registry) Submit(ctx context.Context, name string, artifact []byte, sources []string) (err error) {
	ctx, span := r.tracer.Start(ctx, "coordinator.Submit", trace.WithAttributes(
		attribute.String("collage.name", name),
		attribute.Int("collage.bytes", len(artifact)),
		attribute.Int("collage.sources", len(sources)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if !wal.ValidField(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if err := storage.ValidateName(name); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidName, err)
	}
	parsed, err := transaction.ParseSources(sources)
	if err != nil {
		return err
	}

	r.mu.Lock()
	switch {
	case r.closed:
		r.mu.Unlock()
		return ErrClosed
	case !r.recovered:
		r.mu.Unlock()
		return ErrNotRecovered
	}
	// Names are never reused, including those of finished transactions.
	_, used := r.used[name]
	_, writing := r.pending[name]
	if used || writing {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateTransaction, name)
	}
	r.pending[name] = struct{}{}
	r.mu.Unlock()

	if err := r.log.Append(wal.Intent(name, transaction.SourceStrings(parsed))); err != nil {
		r.mu.Lock()
		delete(r.pending, name)
		r.mu.Unlock()
		r.fatal("failed to log intent", zap.String("txn", name), zap.Error(err))
		return err
	}

	txn := transaction.New(name, artifact, parsed, r.env())
	r.mu.Lock()
	delete(r.pending, name)
	r.used[name] = struct{}{}
	if r.closed {
		r.mu.Unlock()
		txn.Stop()
		r.logger.Info("collage logged during shutdown, left for recovery", zap.String("txn", name))
		return ErrClosed
	}
	r.txns[name] = txn
	r.mu.Unlock()

	r.metrics.TransactionsSubmitted.Add(ctx, 1)
	r.metrics.ActiveTransactions.Add(ctx, 1)
	r.logger.Info("collage submitted", zap.String("txn", name), zap.Strings("participants", txn.Participants()))
	txn.Start()
	return nil
}

// Dispatch routes a VoteReply or Ack to its transaction. Messages for
// unknown transactions are dropped.
func (r *Registry) Dispatch(ctx context.Context, m message.Message) error {
	r.mu.Lock()
	if !r.recovered {
		r.mu.Unlock()
		return ErrNotRecovered
	}
	txn, ok := r.txns[m.TransactionID]
	r.mu.Unlock()

	switch m.Kind {
	case message.KindVoteReply, message.KindAck:
	default:
		r.logger.Warn("unexpected message kind", zap.Stringer("kind", m.Kind), zap.String("txn", m.TransactionID))
		r.metrics.Violation(ctx, "unexpected_kind")
		return nil
	}
	if !ok {
		r.logger.Debug("message for unknown transaction dropped",
			zap.Stringer("kind", m.Kind), zap.String("txn", m.TransactionID), zap.String("participant", m.Participant))
		r.metrics.Violation(ctx, "unknown_transaction")
		return nil
	}
	if m.Kind == message.KindVoteReply {
		txn.VoteReply(m.Participant, m.Approve)
	} else {
		txn.Ack(m.Participant)
	}
	return nil
}

// Handle decodes payload and dispatches it.
func (r *Registry) Handle(ctx context.Context, payload []byte) error {
	m, err := message.Decode(payload)
	if err != nil {
		r.logger.Warn("undecodable payload dropped", zap.Error(err))
		r.metrics.Violation(ctx, "malformed")
		return nil
	}
	return r.Dispatch(ctx, m)
}

// Serve receives envelopes from tr until ctx is done or tr is closed.
func (r *Registry) Serve(ctx context.Context, tr transport.Transport) error {
	r.mu.Lock()
	recovered := r.recovered
	r.mu.Unlock()
	if !recovered {
		return ErrNotRecovered
	}
	for {
		env, err := tr.Receive(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) {
				return nil
			}
			return err
		}
		m, err := message.Decode(env.Payload)
		if err != nil {
			r.logger.Warn("undecodable payload dropped", zap.String("from", env.From), zap.Error(err))
			r.metrics.Violation(ctx, "malformed")
			continue
		}
		if m.Participant != env.From {
			r.logger.Warn("message names a participant other than its sender",
				zap.String("from", env.From), zap.String("participant", m.Participant), zap.String("envelope", env.ID))
			r.metrics.Violation(ctx, "spoofed_participant")
			continue
		}
		if err := r.Dispatch(ctx, m); err != nil {
			return err
		}
	}
}

// Active returns snapshots of every registered transaction, by name.
func (r *Registry) Active() []transaction.Snapshot {
	r.mu.Lock()
	txns := make([]*transaction.Transaction, 0, len(r.txns))
	for _, txn := range r.txns {
		txns = append(txns, txn)
	}
	r.mu.Unlock()

	snaps := make([]transaction.Snapshot, 0, len(txns))
	for _, txn := range txns {
		snaps = append(snaps, txn.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Name < snaps[j].Name })
	return snaps
}

// Close stops every transaction goroutine. Durable state is untouched, so
// a new Registry over the same log resumes them.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	txns := make([]*transaction.Transaction, 0, len(r.txns))
	for _, txn := range r.txns {
		txns = append(txns, txn)
	}
	r.mu.Unlock()

	for _, txn := range txns {
		txn.Stop()
	}
	r.logger.Info("registry closed", zap.Int("in_flight", len(txns)))
	return nil
}

func (r *Registry) retire(name string) {
	r.mu.Lock()
	_, ok := r.txns[name]
	delete(r.txns, name)
	r.mu.Unlock()
	if ok {
		r.metrics.ActiveTransactions.Add(context.Background(), -1)
		r.logger.Info("transaction retired", zap.String("txn", name))
	}
}
