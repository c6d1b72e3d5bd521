package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"artledger/internal/domain"
)

// SaveRun upserts the latest checkpoint of a run.
func (r Repo) SaveRun(ctx context.Context, cp domain.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO runs(id,role,state,reason,checkpoint_json,updated_at) VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT(id) DO UPDATE SET role=excluded.role,state=excluded.state,reason=excluded.reason,checkpoint_json=excluded.checkpoint_json,updated_at=excluded.updated_at`,
		cp.RunID, string(cp.Role), string(cp.State), nullable(cp.Reason), string(data), cp.UpdatedAt.UTC().Format(tsLayout))
	return err
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.Checkpoint, error) {
	var data string
	err := r.DB.QueryRowContext(ctx, `SELECT checkpoint_json FROM runs WHERE id=$1`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return domain.Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return domain.Checkpoint{}, err
	}
	var cp domain.Checkpoint
	if err := json.Unmarshal([]byte(data), &cp); err != nil {
		return domain.Checkpoint{}, fmt.Errorf("decode checkpoint: %w", err)
	}
	return cp, nil
}

func (r Repo) DeleteRun(ctx context.Context, id string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM runs WHERE id=$1`, id)
	return err
}

// ListRunIDs returns run ids, most recently updated first.
func (r Repo) ListRunIDs(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM runs ORDER BY updated_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
