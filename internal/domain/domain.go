package domain

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// RecordTypeArtSale is the vault type name of ArtSale records.
	RecordTypeArtSale = "art_sale"
	// SellingArtContract identifies the contract governing ArtSale records.
	SellingArtContract = "artledger.contract.SellingArt"
)

// Party is a named participant identified by its ed25519 public key (hex).
type Party struct {
	Name      string `json:"name"`
	PublicKey string `json:"public_key"`
}

func (p Party) IsZero() bool { return p.Name == "" && p.PublicKey == "" }

func (p Party) String() string { return p.Name }

// ArtSale is the shared fact two parties agree on. Values are immutable once
// committed; a revision would be a new record carrying the same LinearID.
type ArtSale struct {
	LinearID    string          `json:"linear_id"`
	Title       string          `json:"title"`
	Price       decimal.Decimal `json:"price"`
	Description string          `json:"description"`
	Timestamp   time.Time       `json:"timestamp" format:"date-time"`
	Seller      Party           `json:"seller"`
	Buyer       Party           `json:"buyer"`
	Contract    string          `json:"contract"`
}

// Participants returns the parties that must agree on the record, seller first.
func (r ArtSale) Participants() []Party {
	return []Party{r.Seller, r.Buyer}
}

// ParticipantKeys returns the public keys of all participants.
func (r ArtSale) ParticipantKeys() []string {
	return []string{r.Seller.PublicKey, r.Buyer.PublicKey}
}

// StateRef points at an output of a committed transaction.
type StateRef struct {
	TxHash string `json:"tx_hash"`
	Index  int    `json:"index"`
}

func (s StateRef) String() string { return fmt.Sprintf("%s:%d", s.TxHash, s.Index) }

type CommandKind string

const (
	CommandCreate CommandKind = "create"
)

// Command is the intent of a proposal plus the keys that must sign it.
type Command struct {
	Kind    CommandKind `json:"kind"`
	Signers []string    `json:"signers"`
}

// Proposal is an unsigned transaction: consumed inputs, produced outputs, the
// command and the notary that will be asked for finality.
type Proposal struct {
	Inputs    []StateRef `json:"inputs"`
	Outputs   []ArtSale  `json:"outputs"`
	Command   Command    `json:"command"`
	Notary    Party      `json:"notary"`
	CreatedAt time.Time  `json:"created_at" format:"date-time"`
}

// Signature is one party's ed25519 signature (hex) over a transaction hash.
type Signature struct {
	Signer    string `json:"signer"`
	PublicKey string `json:"public_key"`
	Value     string `json:"value"`
}

// SignatureSet holds signatures keyed by signer public key.
type SignatureSet map[string]Signature

func NewSignatureSet(sigs ...Signature) SignatureSet {
	set := SignatureSet{}
	for _, s := range sigs {
		set.Add(s)
	}
	return set
}

func (s SignatureSet) Add(sig Signature) {
	s[sig.PublicKey] = sig
}

// Missing returns the required keys that have no signature, in input order.
func (s SignatureSet) Missing(required []string) []string {
	var missing []string
	for _, key := range required {
		if _, ok := s[key]; !ok {
			missing = append(missing, key)
		}
	}
	return missing
}

// Complete reports whether every required key has signed.
func (s SignatureSet) Complete(required []string) bool {
	return len(s.Missing(required)) == 0
}

// List returns the signatures ordered by public key.
func (s SignatureSet) List() []Signature {
	out := make([]Signature, 0, len(s))
	for _, sig := range s {
		out = append(out, sig)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PublicKey < out[j].PublicKey })
	return out
}

func (s SignatureSet) Clone() SignatureSet {
	out := make(SignatureSet, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// SignedTransaction is a proposal, its canonical hash and the signatures over it.
type SignedTransaction struct {
	Hash            string       `json:"hash"`
	Proposal        Proposal     `json:"proposal"`
	Signatures      SignatureSet `json:"signatures"`
	NotarySignature string       `json:"notary_signature,omitempty"`
}

// Output returns the record produced at index i of the transaction.
func (t SignedTransaction) Output(i int) (ArtSale, StateRef, bool) {
	if i < 0 || i >= len(t.Proposal.Outputs) {
		return ArtSale{}, StateRef{}, false
	}
	return t.Proposal.Outputs[i], StateRef{TxHash: t.Hash, Index: i}, true
}

type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeRejected Outcome = "rejected"
)

// NotaryDecision is the notary's verdict for one transaction hash.
type NotaryDecision struct {
	TxHash    string     `json:"tx_hash"`
	Outcome   Outcome    `json:"outcome" enum:"accepted,rejected"`
	Reason    string     `json:"reason,omitempty"`
	Conflicts []StateRef `json:"conflicts,omitempty"`
	Signature string     `json:"signature,omitempty"`
}

func (d NotaryDecision) Accepted() bool { return d.Outcome == OutcomeAccepted }

type RunState string

const (
	StateProposing            RunState = "proposing"
	StateValidating           RunState = "validating"
	StateSigning              RunState = "signing"
	StateCollectingSignatures RunState = "collecting_signatures"
	StateFinalizing           RunState = "finalizing"
	StateCommitted            RunState = "committed"
	StateRejected             RunState = "rejected"
	StateAborted              RunState = "aborted"
)

// Terminal reports whether no further transition is possible.
func (s RunState) Terminal() bool {
	switch s {
	case StateCommitted, StateRejected, StateAborted:
		return true
	}
	return false
}

type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

// Checkpoint is the durable snapshot of a run taken before each suspension point.
type Checkpoint struct {
	RunID          string       `json:"run_id"`
	Role           Role         `json:"role" enum:"initiator,responder"`
	State          RunState     `json:"state"`
	Reason         string       `json:"reason,omitempty"`
	Self           string       `json:"self"`
	Counterparties []string     `json:"counterparties,omitempty"`
	Proposal       *Proposal    `json:"proposal,omitempty"`
	Hash           string       `json:"hash,omitempty"`
	Signatures     SignatureSet `json:"signatures,omitempty"`
	UpdatedAt      time.Time    `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Actor      string `json:"actor"`
	Payload    string `json:"payload_json"`
}
