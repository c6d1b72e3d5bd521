package server

import (
	"encoding/json"
	"sort"
	"time"

	"artledger/internal/domain"
	"artledger/internal/engine"
	"artledger/internal/flow"
)

// Request payloads

type CreateRecordRequest struct {
	Buyer string `json:"buyer" example:"PartyB"`
	Title string `json:"title,omitempty" example:"Starry Night"`
	// Price is a decimal string so no precision is lost in transit.
	Price       string     `json:"price" example:"1200.50"`
	Description string     `json:"description,omitempty" example:"oil on canvas"`
	Timestamp   *time.Time `json:"timestamp,omitempty" format:"date-time"`
}

// Response payloads

type PartyResponse struct {
	Name      string `json:"name"`
	PublicKey string `json:"public_key"`
}

type MeResponse struct {
	Name        string `json:"name"`
	PublicKey   string `json:"public_key"`
	Fingerprint string `json:"fingerprint"`
}

type RecordResponse struct {
	LinearID    string        `json:"linear_id"`
	Title       string        `json:"title"`
	Price       string        `json:"price"`
	Description string        `json:"description"`
	Timestamp   time.Time     `json:"timestamp" format:"date-time"`
	Seller      PartyResponse `json:"seller"`
	Buyer       PartyResponse `json:"buyer"`
	Contract    string        `json:"contract"`
}

type CreateRecordResponse struct {
	Message string         `json:"message" example:"Transaction id 6f1c... committed to ledger."`
	RunID   string         `json:"run_id"`
	TxHash  string         `json:"tx_hash"`
	Record  RecordResponse `json:"record"`
}

type RunResponse struct {
	RunID          string    `json:"run_id"`
	Role           string    `json:"role" enum:"initiator,responder"`
	State          string    `json:"state"`
	Reason         string    `json:"reason,omitempty"`
	Counterparties []string  `json:"counterparties,omitempty"`
	TxHash         string    `json:"tx_hash,omitempty"`
	Signers        []string  `json:"signers,omitempty"`
	UpdatedAt      time.Time `json:"updated_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	Actor      string         `json:"actor"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func partyResponse(p domain.Party) PartyResponse {
	return PartyResponse{Name: p.Name, PublicKey: p.PublicKey}
}

func meResponse(id engine.Identity) MeResponse {
	return MeResponse(id)
}

func recordResponse(r domain.ArtSale) RecordResponse {
	return RecordResponse{
		LinearID:    r.LinearID,
		Title:       r.Title,
		Price:       r.Price.String(),
		Description: r.Description,
		Timestamp:   r.Timestamp,
		Seller:      partyResponse(r.Seller),
		Buyer:       partyResponse(r.Buyer),
		Contract:    r.Contract,
	}
}

func mapRecords(items []domain.ArtSale) []RecordResponse {
	out := make([]RecordResponse, 0, len(items))
	for _, r := range items {
		out = append(out, recordResponse(r))
	}
	return out
}

func mapParties(items []domain.Party) []PartyResponse {
	out := make([]PartyResponse, 0, len(items))
	for _, p := range items {
		out = append(out, partyResponse(p))
	}
	return out
}

func runResponse(cp domain.Checkpoint) RunResponse {
	resp := RunResponse{
		RunID:          cp.RunID,
		Role:           string(cp.Role),
		State:          string(cp.State),
		Reason:         cp.Reason,
		Counterparties: cp.Counterparties,
		TxHash:         cp.Hash,
		UpdatedAt:      cp.UpdatedAt,
	}
	for _, sig := range cp.Signatures {
		resp.Signers = append(resp.Signers, sig.Signer)
	}
	sort.Strings(resp.Signers)
	return resp
}

func createRecordResponse(res flow.Result) CreateRecordResponse {
	resp := CreateRecordResponse{
		Message: engine.RunOutcome{Result: res}.Message(),
		RunID:   res.RunID,
	}
	if res.Transaction != nil {
		resp.TxHash = res.Transaction.Hash
	}
	if res.Record != nil {
		resp.Record = recordResponse(*res.Record)
	}
	return resp
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		Actor:      e.Actor,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{"raw": raw}
	}
	return out
}
