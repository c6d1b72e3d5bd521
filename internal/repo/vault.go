package repo

import (
	"context"
	"fmt"
	"time"

	"artledger/internal/domain"
	"artledger/internal/events"
)

// Vault persists committed transactions for one node.
type Vault struct {
	Repo   Repo
	Events events.Writer
	Node   string
	Now    func() time.Time
}

func NewVault(r Repo, node string) Vault {
	return Vault{Repo: r, Events: events.Writer{DB: r.DB}, Node: node, Now: time.Now}
}

func (v Vault) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

// Persist stores a notarised transaction and its records with a
// record.committed event, all in one SQL transaction. Persisting the same
// hash twice is a no-op.
func (v Vault) Persist(ctx context.Context, stx domain.SignedTransaction) error {
	tx, err := v.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	inserted, err := v.Repo.InsertTransactionTx(ctx, tx, stx, v.now())
	if err != nil {
		return err
	}
	if !inserted {
		return nil
	}
	for _, out := range stx.Proposal.Outputs {
		if err := v.Events.Append(ctx, tx, events.TypeRecordCommitted, domain.RecordTypeArtSale, out.LinearID, v.Node, events.EventPayload{
			"tx_hash": stx.Hash,
			"title":   out.Title,
			"price":   out.Price.String(),
			"seller":  out.Seller.Name,
			"buyer":   out.Buyer.Name,
		}); err != nil {
			return fmt.Errorf("append event: %w", err)
		}
	}
	return tx.Commit()
}

// Query returns committed records of recordType.
func (v Vault) Query(ctx context.Context, recordType string, f RecordFilter) ([]domain.ArtSale, error) {
	return v.Repo.Query(ctx, recordType, f)
}

// RecordTransition appends a run.transition event for cp.
func (v Vault) RecordTransition(ctx context.Context, cp domain.Checkpoint) error {
	return v.Events.AppendNow(ctx, events.TypeRunTransition, "run", cp.RunID, v.Node, events.EventPayload{
		"role":   string(cp.Role),
		"state":  string(cp.State),
		"reason": cp.Reason,
	})
}
