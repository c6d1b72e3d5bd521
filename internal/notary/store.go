package notary

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"artledger/internal/domain"
)

// MemoryStore keeps consumption state in process.
type MemoryStore struct {
	mu        sync.Mutex
	consumed  map[domain.StateRef]string
	decisions map[string]domain.NotaryDecision
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		consumed:  map[domain.StateRef]string{},
		decisions: map[string]domain.NotaryDecision{},
	}
}

func (m *MemoryStore) Apply(_ context.Context, txHash string, inputs []domain.StateRef, decide DecideFunc) (domain.NotaryDecision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.decisions[txHash]; ok {
		return d, nil
	}
	var conflicts []domain.StateRef
	for _, in := range inputs {
		if by, ok := m.consumed[in]; ok && by != txHash {
			conflicts = append(conflicts, in)
		}
	}
	d := decide(conflicts)
	if d.Accepted() {
		for _, in := range inputs {
			m.consumed[in] = txHash
		}
	}
	m.decisions[txHash] = d
	return d, nil
}

func (m *MemoryStore) Decision(_ context.Context, txHash string) (domain.NotaryDecision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.decisions[txHash]
	if !ok {
		return domain.NotaryDecision{}, domain.ErrNotFound
	}
	return d, nil
}

// SQLStore keeps consumption state in the consumed_states and
// notary_decisions tables. Apply runs in one transaction; the primary key on
// consumed_states rejects a concurrent double consumption.
type SQLStore struct {
	DB  *sql.DB
	Now func() time.Time
}

func (s SQLStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s SQLStore) Apply(ctx context.Context, txHash string, inputs []domain.StateRef, decide DecideFunc) (domain.NotaryDecision, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.NotaryDecision{}, err
	}
	defer tx.Rollback()

	existing, err := scanDecision(tx.QueryRowContext(ctx,
		`SELECT tx_hash,outcome,COALESCE(reason,''),COALESCE(conflicts_json,'[]'),COALESCE(signature,'') FROM notary_decisions WHERE tx_hash=$1`, txHash))
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.NotaryDecision{}, err
	}

	var conflicts []domain.StateRef
	for _, in := range inputs {
		var by string
		err := tx.QueryRowContext(ctx, `SELECT consumed_by FROM consumed_states WHERE tx_hash=$1 AND output_index=$2`, in.TxHash, in.Index).Scan(&by)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return domain.NotaryDecision{}, fmt.Errorf("check input %s: %w", in, err)
		}
		if by != txHash {
			conflicts = append(conflicts, in)
		}
	}
	d := decide(conflicts)
	ts := s.now().UTC().Format(time.RFC3339Nano)
	if d.Accepted() {
		for _, in := range inputs {
			if _, err := tx.ExecContext(ctx, `INSERT INTO consumed_states(tx_hash,output_index,consumed_by,consumed_at) VALUES ($1,$2,$3,$4)`,
				in.TxHash, in.Index, txHash, ts); err != nil {
				return domain.NotaryDecision{}, fmt.Errorf("consume input %s: %w", in, err)
			}
		}
	}
	conflictsJSON, err := json.Marshal(d.Conflicts)
	if err != nil {
		return domain.NotaryDecision{}, err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO notary_decisions(tx_hash,outcome,reason,conflicts_json,signature,decided_at) VALUES ($1,$2,$3,$4,$5,$6)`,
		d.TxHash, string(d.Outcome), nullable(d.Reason), string(conflictsJSON), nullable(d.Signature), ts); err != nil {
		return domain.NotaryDecision{}, fmt.Errorf("record decision: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.NotaryDecision{}, err
	}
	return d, nil
}

func (s SQLStore) Decision(ctx context.Context, txHash string) (domain.NotaryDecision, error) {
	return scanDecision(s.DB.QueryRowContext(ctx,
		`SELECT tx_hash,outcome,COALESCE(reason,''),COALESCE(conflicts_json,'[]'),COALESCE(signature,'') FROM notary_decisions WHERE tx_hash=$1`, txHash))
}

func scanDecision(row *sql.Row) (domain.NotaryDecision, error) {
	var d domain.NotaryDecision
	var outcome, conflictsJSON string
	err := row.Scan(&d.TxHash, &outcome, &d.Reason, &conflictsJSON, &d.Signature)
	if err == sql.ErrNoRows {
		return d, domain.ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.Outcome = domain.Outcome(outcome)
	if err := json.Unmarshal([]byte(conflictsJSON), &d.Conflicts); err != nil {
		return d, fmt.Errorf("decode conflicts: %w", err)
	}
	return d, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
