package builder

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"artledger/internal/domain"
)

// Fields are the user supplied values of a new record.
type Fields struct {
	Title       string
	Price       decimal.Decimal
	Description string
	Timestamp   time.Time
}

// Builder assembles proposals. It never fails: rule checking is the validator's job.
type Builder struct {
	Now   func() time.Time
	NewID func() string
}

func New() Builder {
	return Builder{Now: time.Now, NewID: func() string { return uuid.NewString() }}
}

func (b Builder) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

func (b Builder) newID() string {
	if b.NewID != nil {
		return b.NewID()
	}
	return uuid.NewString()
}

// Build creates a proposal for kind. participants are seller then buyer; the
// required signers are their keys in that order.
func (b Builder) Build(kind domain.CommandKind, participants []domain.Party, notary domain.Party, f Fields) domain.Proposal {
	now := b.now().UTC()
	ts := f.Timestamp
	if ts.IsZero() {
		ts = now
	}
	var seller, buyer domain.Party
	if len(participants) > 0 {
		seller = participants[0]
	}
	if len(participants) > 1 {
		buyer = participants[1]
	}
	record := domain.ArtSale{
		LinearID:    b.newID(),
		Title:       f.Title,
		Price:       f.Price,
		Description: f.Description,
		Timestamp:   ts.UTC(),
		Seller:      seller,
		Buyer:       buyer,
		Contract:    domain.SellingArtContract,
	}
	signers := make([]string, 0, len(participants))
	for _, p := range participants {
		signers = append(signers, p.PublicKey)
	}
	return domain.Proposal{
		Inputs:    []domain.StateRef{},
		Outputs:   []domain.ArtSale{record},
		Command:   domain.Command{Kind: kind, Signers: signers},
		Notary:    notary,
		CreatedAt: now,
	}
}
