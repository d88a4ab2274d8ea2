package internaltelemetry

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// CommitMetrics holds the metric instruments of the commit protocol. The
// coordinator records the transaction instruments, user nodes record votes
// and applied decisions.
type CommitMetrics struct {
	TransactionsSubmitted  metric.Int64Counter
	TransactionsCommitted  metric.Int64Counter
	TransactionsAborted    metric.Int64Counter
	DecisionsRetransmitted metric.Int64Counter
	VotesCast              metric.Int64Counter
	DecisionsApplied       metric.Int64Counter
	ProtocolViolations     metric.Int64Counter
	ActiveTransactions     metric.Int64UpDownCounter
	DecisionLatency        metric.Int64Histogram
}

// NewCommitMetrics creates and registers all the commit protocol metrics.
func NewCommitMetrics(meter metric.Meter) (*CommitMetrics, error) {
	var (
		m   CommitMetrics
		err error
	)
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.TransactionsSubmitted, "collagecommit.transactions.submitted", "Collages submitted to the coordinator."},
		{&m.TransactionsCommitted, "collagecommit.transactions.committed", "Transactions decided commit."},
		{&m.TransactionsAborted, "collagecommit.transactions.aborted", "Transactions decided abort."},
		{&m.DecisionsRetransmitted, "collagecommit.decisions.retransmitted", "Decision messages resent after an ack timeout."},
		{&m.VotesCast, "collagecommit.votes.cast", "Votes cast by a user node."},
		{&m.DecisionsApplied, "collagecommit.decisions.applied", "Decisions applied to locked resources."},
		{&m.ProtocolViolations, "collagecommit.protocol.violations", "Messages dropped for naming an unknown transaction or participant."},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit("1"))
		if err != nil {
			return nil, err
		}
	}

	m.ActiveTransactions, err = meter.Int64UpDownCounter(
		"collagecommit.transactions.active",
		metric.WithDescription("Transactions registered at the coordinator."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	m.DecisionLatency, err = meter.Int64Histogram(
		"collagecommit.decision.duration",
		metric.WithDescription("Time from vote fan-out to decision."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// NopCommitMetrics returns instruments backed by a no-op meter.
func NopCommitMetrics() *CommitMetrics {
	m, _ := NewCommitMetrics(noop.NewMeterProvider().Meter(""))
	return m
}

// Decided records a decision and its latency.
func (m *CommitMetrics) Decided(ctx context.Context, commit bool, since time.Time) {
	if commit {
		m.TransactionsCommitted.Add(ctx, 1)
	} else {
		m.TransactionsAborted.Add(ctx, 1)
	}
	if !since.IsZero() {
		m.DecisionLatency.Record(ctx, time.Since(since).Milliseconds())
	}
}

// Voted records one vote cast by a user node.
func (m *CommitMetrics) Voted(ctx context.Context, approve bool, reason string) {
	m.VotesCast.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", strconv.FormatBool(approve)),
		attribute.String("reason", reason),
	))
}

// Applied records a decision applied by a user node.
func (m *CommitMetrics) Applied(ctx context.Context, outcome bool) {
	m.DecisionsApplied.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", strconv.FormatBool(outcome))))
}

// Violation records a dropped message.
func (m *CommitMetrics) Violation(ctx context.Context, reason string) {
	m.ProtocolViolations.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
