package contract_test

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"artledger/internal/builder"
	"artledger/internal/contract"
	"artledger/internal/domain"
)

var (
	now    = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	p1     = domain.Party{Name: "P1", PublicKey: "a1"}
	p2     = domain.Party{Name: "P2", PublicKey: "b2"}
	notary = domain.Party{Name: "Notary", PublicKey: "c3"}
)

func validator() contract.Validator {
	return contract.Validator{Now: func() time.Time { return now }}
}

func build(participants []domain.Party, f builder.Fields) domain.Proposal {
	b := builder.Builder{Now: func() time.Time { return now.Add(-time.Minute) }, NewID: func() string { return "linear-1" }}
	return b.Build(domain.CommandCreate, participants, notary, f)
}

func validFields() builder.Fields {
	return builder.Fields{Title: "art-1", Price: decimal.NewFromInt(100), Description: "oil painting"}
}

func reason(t *testing.T, err error) string {
	t.Helper()
	v, ok := domain.AsViolation(err)
	require.True(t, ok, "expected violation, got %v", err)
	return v.Reason
}

func TestValidProposalAccepted(t *testing.T) {
	p := build([]domain.Party{p1, p2}, validFields())
	assert.NoError(t, validator().Validate(p))
}

func TestSingleConstraintViolations(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(p *domain.Proposal)
		want   string
	}{
		{"unknown command", func(p *domain.Proposal) { p.Command.Kind = "transfer" }, contract.ReasonUnrecognisedCommand},
		{"inputs", func(p *domain.Proposal) { p.Inputs = []domain.StateRef{{TxHash: "x", Index: 0}} }, contract.ReasonNoInputs},
		{"no outputs", func(p *domain.Proposal) { p.Outputs = nil }, contract.ReasonOneOutput},
		{"two outputs", func(p *domain.Proposal) { p.Outputs = append(p.Outputs, p.Outputs[0]) }, contract.ReasonOneOutput},
		{"contract", func(p *domain.Proposal) { p.Outputs[0].Contract = "other" }, contract.ReasonWrongContract},
		{"same participant", func(p *domain.Proposal) {
			p.Outputs[0].Buyer = p1
			p.Command.Signers = []string{p1.PublicKey}
		}, contract.ReasonDistinct},
		{"missing buyer", func(p *domain.Proposal) { p.Outputs[0].Buyer = domain.Party{} }, contract.ReasonUnidentified},
		{"missing signer", func(p *domain.Proposal) { p.Command.Signers = []string{p1.PublicKey} }, contract.ReasonMissingSigner},
		{"extra signer", func(p *domain.Proposal) {
			p.Command.Signers = append(p.Command.Signers, notary.PublicKey)
		}, contract.ReasonExtraSigner},
		{"zero amount", func(p *domain.Proposal) { p.Outputs[0].Price = decimal.Zero }, contract.ReasonAmountPositive},
		{"negative amount", func(p *domain.Proposal) { p.Outputs[0].Price = decimal.NewFromInt(-5) }, contract.ReasonAmountPositive},
		{"empty title", func(p *domain.Proposal) { p.Outputs[0].Title = "  " }, contract.ReasonTitleEmpty},
		{"empty description", func(p *domain.Proposal) { p.Outputs[0].Description = "" }, contract.ReasonDescriptionEmpty},
		{"future timestamp", func(p *domain.Proposal) { p.Outputs[0].Timestamp = now.Add(time.Hour) }, contract.ReasonFutureTimestamp},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := build([]domain.Party{p1, p2}, validFields())
			tc.mutate(&p)
			assert.Equal(t, tc.want, reason(t, validator().Validate(p)))
		})
	}
}

func TestDuplicateParticipantsFromBuilder(t *testing.T) {
	p := build([]domain.Party{p1, p1}, validFields())
	assert.Equal(t, "participants must be distinct", reason(t, validator().Validate(p)))
}

func TestNegativeAmountFromBuilder(t *testing.T) {
	f := validFields()
	f.Price = decimal.NewFromInt(-5)
	p := build([]domain.Party{p1, p2}, f)
	assert.Equal(t, "amount must be positive", reason(t, validator().Validate(p)))
}

func TestValidatorProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("well formed proposals are accepted and re-validation agrees", prop.ForAll(
		func(title, desc string, price int64, ageSeconds int) bool {
			f := builder.Fields{
				Title:       title,
				Price:       decimal.NewFromInt(price),
				Description: desc,
				Timestamp:   now.Add(-time.Duration(ageSeconds) * time.Second),
			}
			p := build([]domain.Party{p1, p2}, f)
			first := validator().Validate(p)
			second := validator().Validate(p)
			return first == nil && second == nil
		},
		gen.Identifier(),
		gen.Identifier(),
		gen.Int64Range(1, 1_000_000_000),
		gen.IntRange(0, 86_400*365),
	))

	properties.Property("non-positive amounts are always rejected for the amount rule", prop.ForAll(
		func(price int64) bool {
			f := validFields()
			f.Price = decimal.NewFromInt(price)
			err := validator().Validate(build([]domain.Party{p1, p2}, f))
			v, ok := domain.AsViolation(err)
			return ok && v.Reason == contract.ReasonAmountPositive
		},
		gen.Int64Range(-1_000_000_000, 0),
	))

	properties.Property("future timestamps are always rejected", prop.ForAll(
		func(aheadSeconds int) bool {
			f := validFields()
			f.Timestamp = now.Add(time.Duration(aheadSeconds) * time.Second)
			err := validator().Validate(build([]domain.Party{p1, p2}, f))
			v, ok := domain.AsViolation(err)
			return ok && v.Reason == contract.ReasonFutureTimestamp
		},
		gen.IntRange(1, 86_400*365),
	))

	properties.TestingRun(t)
}
