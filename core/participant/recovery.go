package participant

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sushant-115/collagecommit/core/wal"
)

// Recover rebuilds the lock table, the consumed set, the vote memory and
// the decisions that arrived before any vote from the node's log. A committed decision found in the log deletes its
// resources again, covering a crash between logging and deleting.
func (p *Participant) Recover(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.recovered {
		return ErrAlreadyRecovered
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	records, err := p.log.ReadAll()
	if err != nil {
		return fmt.Errorf("failed to read participant log: %w", err)
	}
	for i, rec := range records {
		switch rec.Type {
		case wal.RecordVote:
			p.votes[rec.TxnID] = rec.Outcome
			if rec.Outcome {
				p.lock(rec.TxnID, rec.Items)
			}
		case wal.RecordDecision:
			if _, held := p.locks[rec.TxnID]; held {
				p.apply(rec.TxnID, rec.Outcome)
			} else if _, voted := p.votes[rec.TxnID]; !voted {
				p.unvoted[rec.TxnID] = struct{}{}
			}
		default:
			return fmt.Errorf("record %d: %w: %s in participant log", i, wal.ErrCorruptRecord, rec.Type)
		}
	}
	p.recovered = true
	p.logger.Info("participant log replayed",
		zap.Int("records", len(records)), zap.Int("locked", len(p.locks)), zap.Int("consumed", len(p.consumed)))
	return nil
}
