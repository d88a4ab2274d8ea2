package coordinator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sushant-115/collagecommit/core/transaction"
	"github.com/sushant-115/collagecommit/core/wal"
)

type replayed struct {
	sources []transaction.Source
	outcome transaction.Outcome
}

// Recover replays the coordinator log and re-drives every transaction that
// had not finished: undecided ones are aborted, decided ones redistribute
// their decision. It must complete before any other operation.
func (r *Registry) Recover(ctx context.Context) error {
	r.mu.Lock()
	if r.recovered {
		r.mu.Unlock()
		return ErrAlreadyRecovered
	}
	r.mu.Unlock()

	records, err := r.log.ReadAll()
	if err != nil {
		return fmt.Errorf("failed to read coordinator log: %w", err)
	}

	var order []string
	state := make(map[string]*replayed)
	seen := make(map[string]struct{})
	for i, rec := range records {
		switch rec.Type {
		case wal.RecordIntent:
			// A second INTENT for a name cannot start a new transaction; its
			// outcome and artifact belong to the first.
			if _, dup := seen[rec.TxnID]; dup {
				r.logger.Warn("duplicate intent in log ignored", zap.String("txn", rec.TxnID), zap.Int("record", i))
				r.metrics.Violation(ctx, "duplicate_intent")
				continue
			}
			seen[rec.TxnID] = struct{}{}
			sources, err := transaction.ParseSources(rec.Items)
			if err != nil {
				return fmt.Errorf("record %d: %w: %w", i, wal.ErrCorruptRecord, err)
			}
			state[rec.TxnID] = &replayed{sources: sources}
			order = append(order, rec.TxnID)
		case wal.RecordDecision:
			st, ok := state[rec.TxnID]
			if !ok {
				r.logger.Warn("decision without intent in log", zap.String("txn", rec.TxnID), zap.Int("record", i))
				continue
			}
			if st.outcome == transaction.OutcomeUndecided {
				st.outcome = transaction.OutcomeOf(rec.Outcome)
			}
		case wal.RecordApplied:
			delete(state, rec.TxnID)
		default:
			return fmt.Errorf("record %d: %w: %s in coordinator log", i, wal.ErrCorruptRecord, rec.Type)
		}
	}

	var resumed []*transaction.Transaction
	r.mu.Lock()
	for name := range seen {
		r.used[name] = struct{}{}
	}
	for _, name := range order {
		st, ok := state[name]
		if _, exists := r.txns[name]; !ok || exists {
			continue
		}
		txn := transaction.New(name, nil, st.sources, r.env())
		if st.outcome != transaction.OutcomeUndecided {
			txn.Restore(st.outcome)
		}
		r.txns[name] = txn
		resumed = append(resumed, txn)
	}
	r.recovered = true
	r.mu.Unlock()

	r.metrics.ActiveTransactions.Add(ctx, int64(len(resumed)))
	r.logger.Info("coordinator log replayed", zap.Int("records", len(records)), zap.Int("in_flight", len(resumed)))
	for _, txn := range resumed {
		txn.Resume()
	}
	return nil
}
