package session

import (
	"encoding/json"
	"fmt"

	"artledger/internal/domain"
)

type Kind string

const (
	KindProposeTx        Kind = "propose_tx"
	KindRejectTx         Kind = "reject_tx"
	KindCounterSignature Kind = "counter_signature"
	KindFinalizeTx       Kind = "finalize_tx"
)

// Message is the envelope exchanged over a session. Only the fields relevant
// to Kind are set.
type Message struct {
	Kind        Kind                      `json:"kind"`
	RunID       string                    `json:"run_id"`
	Transaction *domain.SignedTransaction `json:"transaction,omitempty"`
	Signature   *domain.Signature         `json:"signature,omitempty"`
	Decision    *domain.NotaryDecision    `json:"decision,omitempty"`
	Reason      string                    `json:"reason,omitempty"`
}

func ProposeTx(runID string, stx domain.SignedTransaction) Message {
	return Message{Kind: KindProposeTx, RunID: runID, Transaction: &stx}
}

func RejectTx(runID, reason string) Message {
	return Message{Kind: KindRejectTx, RunID: runID, Reason: reason}
}

func CounterSignature(runID string, sig domain.Signature) Message {
	return Message{Kind: KindCounterSignature, RunID: runID, Signature: &sig}
}

func FinalizeTx(runID string, stx domain.SignedTransaction, decision domain.NotaryDecision) Message {
	return Message{Kind: KindFinalizeTx, RunID: runID, Transaction: &stx, Decision: &decision}
}

func Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Kind, err)
	}
	return data, nil
}

func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	switch m.Kind {
	case KindProposeTx, KindFinalizeTx:
		if m.Transaction == nil {
			return Message{}, fmt.Errorf("decode %s: missing transaction", m.Kind)
		}
		if m.Kind == KindFinalizeTx && m.Decision == nil {
			return Message{}, fmt.Errorf("decode %s: missing decision", m.Kind)
		}
	case KindCounterSignature:
		if m.Signature == nil {
			return Message{}, fmt.Errorf("decode %s: missing signature", m.Kind)
		}
	case KindRejectTx:
	default:
		return Message{}, fmt.Errorf("decode message: unknown kind %q", m.Kind)
	}
	return m, nil
}
