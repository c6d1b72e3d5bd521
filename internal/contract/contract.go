// Package contract holds the rules every party applies to a proposal before signing it.
package contract

import (
	"strings"
	"time"

	"artledger/internal/domain"
)

const (
	ReasonUnrecognisedCommand = "unrecognised command"
	ReasonNoInputs            = "no inputs should be consumed when creating a record"
	ReasonOneOutput           = "exactly one output must be created"
	ReasonWrongContract       = "output must be governed by " + domain.SellingArtContract
	ReasonDistinct            = "participants must be distinct"
	ReasonUnidentified        = "participants must be identified"
	ReasonMissingSigner       = "all participants must be signers"
	ReasonExtraSigner         = "only participants may sign"
	ReasonAmountPositive      = "amount must be positive"
	ReasonTitleEmpty          = "title must be non-empty"
	ReasonDescriptionEmpty    = "description must be non-empty"
	ReasonFutureTimestamp     = "timestamp cannot be in the future"
)

// Validator checks proposals against the SellingArt rules. It is pure apart
// from the clock, so re-validating the same proposal gives the same answer.
type Validator struct {
	Now func() time.Time
}

func New() Validator {
	return Validator{Now: time.Now}
}

func (v Validator) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

// Validate returns nil or the first *domain.Violation found.
func (v Validator) Validate(p domain.Proposal) error {
	switch p.Command.Kind {
	case domain.CommandCreate:
		return v.validateCreate(p)
	default:
		return domain.NewViolation(ReasonUnrecognisedCommand)
	}
}

func (v Validator) validateCreate(p domain.Proposal) error {
	if len(p.Inputs) != 0 {
		return domain.NewViolation(ReasonNoInputs)
	}
	if len(p.Outputs) != 1 {
		return domain.NewViolation(ReasonOneOutput)
	}
	out := p.Outputs[0]
	if out.Contract != domain.SellingArtContract {
		return domain.NewViolation(ReasonWrongContract)
	}
	if out.Seller.PublicKey == "" || out.Buyer.PublicKey == "" {
		return domain.NewViolation(ReasonUnidentified)
	}
	if out.Seller.PublicKey == out.Buyer.PublicKey || out.Seller.Name == out.Buyer.Name {
		return domain.NewViolation(ReasonDistinct)
	}
	if err := checkSigners(p.Command.Signers, out.ParticipantKeys()); err != nil {
		return err
	}
	if !out.Price.IsPositive() {
		return domain.NewViolation(ReasonAmountPositive)
	}
	if strings.TrimSpace(out.Title) == "" {
		return domain.NewViolation(ReasonTitleEmpty)
	}
	if strings.TrimSpace(out.Description) == "" {
		return domain.NewViolation(ReasonDescriptionEmpty)
	}
	if out.Timestamp.After(v.now()) {
		return domain.NewViolation(ReasonFutureTimestamp)
	}
	return nil
}

// checkSigners requires the signer set to equal the participant key set.
func checkSigners(signers, participants []string) error {
	have := map[string]bool{}
	for _, s := range signers {
		have[s] = true
	}
	want := map[string]bool{}
	for _, p := range participants {
		want[p] = true
		if !have[p] {
			return domain.NewViolation(ReasonMissingSigner)
		}
	}
	for s := range have {
		if !want[s] {
			return domain.NewViolation(ReasonExtraSigner)
		}
	}
	return nil
}
