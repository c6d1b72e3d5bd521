package repo_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"artledger/internal/db"
	"artledger/internal/domain"
	"artledger/internal/migrate"
	"artledger/internal/repo"
)

func openVault(t *testing.T) repo.Vault {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir(), Name: "PartyA"})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	v := repo.NewVault(repo.Repo{DB: conn}, "PartyA")
	v.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return v
}

func sale(id, seller, buyer string, ts time.Time) domain.ArtSale {
	return domain.ArtSale{
		LinearID:    id,
		Title:       "art-" + id,
		Price:       decimal.RequireFromString("100.50"),
		Description: "oil painting",
		Timestamp:   ts,
		Seller:      domain.Party{Name: seller, PublicKey: seller + "-key"},
		Buyer:       domain.Party{Name: buyer, PublicKey: buyer + "-key"},
		Contract:    domain.SellingArtContract,
	}
}

func signed(hash string, out domain.ArtSale) domain.SignedTransaction {
	return domain.SignedTransaction{
		Hash: hash,
		Proposal: domain.Proposal{
			Inputs:  []domain.StateRef{},
			Outputs: []domain.ArtSale{out},
			Command: domain.Command{Kind: domain.CommandCreate, Signers: out.ParticipantKeys()},
		},
		Signatures:      domain.NewSignatureSet(domain.Signature{Signer: out.Seller.Name, PublicKey: out.Seller.PublicKey, Value: "s1"}),
		NotarySignature: "n1",
	}
}

func TestPersistAndQuery(t *testing.T) {
	v := openVault(t)
	ctx := context.Background()
	t0 := time.Date(2023, 5, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, v.Persist(ctx, signed("h1", sale("r1", "PartyA", "PartyB", t0))))
	require.NoError(t, v.Persist(ctx, signed("h2", sale("r2", "PartyB", "PartyA", t0.Add(time.Hour)))))
	require.NoError(t, v.Persist(ctx, signed("h3", sale("r3", "PartyB", "PartyC", t0.Add(2*time.Hour)))))

	all, err := v.Query(ctx, domain.RecordTypeArtSale, repo.RecordFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "r3", all[0].LinearID, "newest first")
	assert.True(t, decimal.RequireFromString("100.5").Equal(all[0].Price))
	assert.True(t, all[2].Timestamp.Equal(t0))

	mine, err := v.Query(ctx, "", repo.RecordFilter{Seller: "PartyA"})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "r1", mine[0].LinearID)

	involving, err := v.Query(ctx, "", repo.RecordFilter{Party: "PartyA"})
	require.NoError(t, err)
	assert.Len(t, involving, 2)

	_, err = v.Query(ctx, "iou", repo.RecordFilter{})
	assert.Error(t, err)

	rec, ref, err := v.Repo.GetRecord(ctx, "r2")
	require.NoError(t, err)
	assert.Equal(t, "PartyB", rec.Seller.Name)
	assert.Equal(t, domain.StateRef{TxHash: "h2", Index: 0}, ref)

	_, _, err = v.Repo.GetRecord(ctx, "missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestPersistIsIdempotent(t *testing.T) {
	v := openVault(t)
	ctx := context.Background()
	stx := signed("h1", sale("r1", "PartyA", "PartyB", time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC)))

	require.NoError(t, v.Persist(ctx, stx))
	require.NoError(t, v.Persist(ctx, stx))

	all, err := v.Query(ctx, domain.RecordTypeArtSale, repo.RecordFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)

	evts, err := v.Repo.LatestEvents(ctx, 10, "record.committed", "", "")
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, "r1", evts[0].EntityID)
	assert.Equal(t, "PartyA", evts[0].Actor)

	got, err := v.Repo.GetTransaction(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, "n1", got.NotarySignature)
	assert.Len(t, got.Signatures, 1)
}

func TestRunsUpsert(t *testing.T) {
	v := openVault(t)
	ctx := context.Background()
	cp := domain.Checkpoint{RunID: "run-1", Role: domain.RoleInitiator, State: domain.StateProposing, UpdatedAt: time.Now()}
	require.NoError(t, v.Repo.SaveRun(ctx, cp))
	cp.State = domain.StateCommitted
	require.NoError(t, v.Repo.SaveRun(ctx, cp))

	got, err := v.Repo.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCommitted, got.State)

	ids, err := v.Repo.ListRunIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"run-1"}, ids)

	require.NoError(t, v.Repo.DeleteRun(ctx, "run-1"))
	_, err = v.Repo.GetRun(ctx, "run-1")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestPersistSkipsKnownHash(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT 1 FROM transactions").WithArgs("h1").
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
	mock.ExpectRollback()

	v := repo.NewVault(repo.Repo{DB: conn}, "PartyA")
	err = v.Persist(context.Background(), signed("h1", sale("r1", "PartyA", "PartyB", time.Now())))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveRunStatement(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectExec("INSERT INTO runs").
		WithArgs("run-1", "responder", "aborted", "session closed", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	r := repo.Repo{DB: conn}
	err = r.SaveRun(context.Background(), domain.Checkpoint{
		RunID: "run-1", Role: domain.RoleResponder, State: domain.StateAborted, Reason: "session closed", UpdatedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
