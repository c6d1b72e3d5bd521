package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"artledger/internal/domain"
)

// Repo is the node's vault: committed transactions, the records they produced,
// run checkpoints and the event log. Queries use $N placeholders so the same
// SQL runs on sqlite and postgres.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = domain.ErrNotFound

// RecordFilter narrows a record query. Empty fields match everything.
type RecordFilter struct {
	Type     string
	LinearID string
	Seller   string
	Buyer    string
	// Party matches records where the party is seller or buyer.
	Party string
	Limit int
}

type query struct {
	clauses []string
	args    []any
}

func (q *query) add(clause string, v any) {
	q.args = append(q.args, v)
	q.clauses = append(q.clauses, strings.ReplaceAll(clause, "?", fmt.Sprintf("$%d", len(q.args))))
}

func (q *query) next(v any) string {
	q.args = append(q.args, v)
	return fmt.Sprintf("$%d", len(q.args))
}

func (q *query) where() string {
	if len(q.clauses) == 0 {
		return ""
	}
	return "WHERE " + strings.Join(q.clauses, " AND ")
}

// tsLayout is fixed width so text ordering matches time ordering.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

const recordColumns = `linear_id,tx_hash,output_index,title,price,description,ts,seller_name,seller_key,buyer_name,buyer_key,contract`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (domain.ArtSale, domain.StateRef, error) {
	var (
		r         domain.ArtSale
		ref       domain.StateRef
		price, ts string
	)
	err := row.Scan(&r.LinearID, &ref.TxHash, &ref.Index, &r.Title, &price, &r.Description, &ts,
		&r.Seller.Name, &r.Seller.PublicKey, &r.Buyer.Name, &r.Buyer.PublicKey, &r.Contract)
	if err == sql.ErrNoRows {
		return r, ref, ErrNotFound
	}
	if err != nil {
		return r, ref, err
	}
	if r.Price, err = decimal.NewFromString(price); err != nil {
		return r, ref, fmt.Errorf("decode price %q: %w", price, err)
	}
	if r.Timestamp, err = time.Parse(tsLayout, ts); err != nil {
		return r, ref, fmt.Errorf("decode timestamp %q: %w", ts, err)
	}
	return r, ref, nil
}

// Query returns committed records of recordType matching f, newest first.
func (r Repo) Query(ctx context.Context, recordType string, f RecordFilter) ([]domain.ArtSale, error) {
	if recordType == "" {
		recordType = f.Type
	}
	if recordType != "" && recordType != domain.RecordTypeArtSale {
		return nil, fmt.Errorf("invalid record type %q", recordType)
	}
	q := &query{}
	if f.LinearID != "" {
		q.add("linear_id=?", f.LinearID)
	}
	if f.Seller != "" {
		q.add("seller_name=?", f.Seller)
	}
	if f.Buyer != "" {
		q.add("buyer_name=?", f.Buyer)
	}
	if f.Party != "" {
		a := q.next(f.Party)
		b := q.next(f.Party)
		q.clauses = append(q.clauses, fmt.Sprintf("(seller_name=%s OR buyer_name=%s)", a, b))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	stmt := fmt.Sprintf(`SELECT %s FROM art_sales %s ORDER BY ts DESC, linear_id LIMIT %s`, recordColumns, q.where(), q.next(limit))
	rows, err := r.DB.QueryContext(ctx, stmt, q.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ArtSale
	for rows.Next() {
		rec, _, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

func (r Repo) GetRecord(ctx context.Context, linearID string) (domain.ArtSale, domain.StateRef, error) {
	return scanRecord(r.DB.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM art_sales WHERE linear_id=$1`, linearID))
}

func (r Repo) GetTransaction(ctx context.Context, hash string) (domain.SignedTransaction, error) {
	var (
		stx                    domain.SignedTransaction
		proposalJSON, sigsJSON string
		notarySig              sql.NullString
	)
	err := r.DB.QueryRowContext(ctx, `SELECT hash,proposal_json,signatures_json,notary_signature FROM transactions WHERE hash=$1`, hash).
		Scan(&stx.Hash, &proposalJSON, &sigsJSON, &notarySig)
	if err == sql.ErrNoRows {
		return stx, ErrNotFound
	}
	if err != nil {
		return stx, err
	}
	if err := json.Unmarshal([]byte(proposalJSON), &stx.Proposal); err != nil {
		return stx, fmt.Errorf("decode proposal: %w", err)
	}
	if err := json.Unmarshal([]byte(sigsJSON), &stx.Signatures); err != nil {
		return stx, fmt.Errorf("decode signatures: %w", err)
	}
	stx.NotarySignature = notarySig.String
	return stx, nil
}

// InsertTransactionTx stores stx and its outputs. It reports false without
// writing anything when the hash is already stored.
func (r Repo) InsertTransactionTx(ctx context.Context, tx *sql.Tx, stx domain.SignedTransaction, committedAt time.Time) (bool, error) {
	var exists int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM transactions WHERE hash=$1`, stx.Hash).Scan(&exists)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, err
	}
	proposalJSON, err := json.Marshal(stx.Proposal)
	if err != nil {
		return false, fmt.Errorf("encode proposal: %w", err)
	}
	sigsJSON, err := json.Marshal(stx.Signatures)
	if err != nil {
		return false, fmt.Errorf("encode signatures: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO transactions(hash,proposal_json,signatures_json,notary_signature,committed_at) VALUES ($1,$2,$3,$4,$5)`,
		stx.Hash, string(proposalJSON), string(sigsJSON), nullable(stx.NotarySignature), committedAt.UTC().Format(tsLayout)); err != nil {
		return false, fmt.Errorf("insert transaction: %w", err)
	}
	for i, out := range stx.Proposal.Outputs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO art_sales(`+recordColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
			out.LinearID, stx.Hash, i, out.Title, out.Price.String(), out.Description, out.Timestamp.UTC().Format(tsLayout),
			out.Seller.Name, out.Seller.PublicKey, out.Buyer.Name, out.Buyer.PublicKey, out.Contract); err != nil {
			return false, fmt.Errorf("insert record %s: %w", out.LinearID, err)
		}
	}
	return true, nil
}

func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, evtType, entityKind, entityID string) ([]domain.Event, error) {
	q := &query{}
	if evtType != "" {
		q.add("type=?", evtType)
	}
	if entityKind != "" {
		q.add("entity_kind=?", entityKind)
	}
	if entityID != "" {
		q.add("entity_id=?", entityID)
	}
	if cursor > 0 {
		q.add("id<?", cursor)
	}
	stmt := fmt.Sprintf(`SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor,payload_json FROM events %s ORDER BY id DESC LIMIT %s`, q.where(), q.next(limit))
	rows, err := r.DB.QueryContext(ctx, stmt, q.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.Actor, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
