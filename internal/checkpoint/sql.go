package checkpoint

import (
	"context"

	"artledger/internal/domain"
	"artledger/internal/repo"
)

// SQLStore keeps checkpoints in the node's runs table.
type SQLStore struct {
	Repo repo.Repo
}

func (s SQLStore) Save(ctx context.Context, cp domain.Checkpoint) error {
	return s.Repo.SaveRun(ctx, cp)
}

func (s SQLStore) Load(ctx context.Context, runID string) (domain.Checkpoint, error) {
	return s.Repo.GetRun(ctx, runID)
}

func (s SQLStore) Delete(ctx context.Context, runID string) error {
	return s.Repo.DeleteRun(ctx, runID)
}

func (s SQLStore) List(ctx context.Context) ([]string, error) {
	return s.Repo.ListRunIDs(ctx)
}
