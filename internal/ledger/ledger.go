// Package ledger records one immutable evidence packet per orchestration attempt.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"lastmile/internal/model"
	"lastmile/internal/store"
)

var ErrNotFound = errors.New("evidence not found")

// Entry is what the orchestrator hands to Append. Payloads are marshalled as-is.
type Entry struct {
	ShipmentID      string
	ActionType      model.ActionKind
	Outcome         model.Outcome
	Detail          string
	TrustMethod     string
	TrustConfidence float64
	PolicySnapshot  *model.PolicyConfig // nil when no policy could be read
	BeforeState     *model.Shipment // nil when the snapshot could not be read
	Requested       model.Action
	SystemWrites    []model.SystemWrite
	AfterState      *model.Shipment
}

type Ledger struct {
	store store.EvidenceStore
	Now   func() time.Time
	// NewID is overridable in tests.
	NewID func() string
}

func New(s store.EvidenceStore) *Ledger {
	return &Ledger{store: s, Now: time.Now, NewID: func() string { return uuid.New().String() }}
}

// Append assigns an id and creation time, persists the record and returns the id.
func (l *Ledger) Append(ctx context.Context, e Entry) (string, error) {
	rec, err := l.build(e)
	if err != nil {
		return "", err
	}
	if err := l.store.AppendEvidence(ctx, rec); err != nil {
		return "", fmt.Errorf("append evidence: %w", err)
	}
	return rec.EvidenceID, nil
}

func (l *Ledger) build(e Entry) (model.EvidenceRecord, error) {
	rec := model.EvidenceRecord{
		EvidenceID:      l.NewID(),
		ShipmentID:      e.ShipmentID,
		ActionType:      e.ActionType,
		Outcome:         e.Outcome,
		Detail:          e.Detail,
		TrustMethod:     e.TrustMethod,
		TrustConfidence: e.TrustConfidence,
		CreatedAt:       l.Now().UTC(),
	}
	var err error
	if rec.PolicySnapshot, err = policyJSON(e.PolicySnapshot); err != nil {
		return rec, fmt.Errorf("marshal policy snapshot: %w", err)
	}
	if rec.BeforeState, err = stateJSON(e.BeforeState); err != nil {
		return rec, fmt.Errorf("marshal before state: %w", err)
	}
	if rec.AfterState, err = stateJSON(e.AfterState); err != nil {
		return rec, fmt.Errorf("marshal after state: %w", err)
	}
	if rec.RequestedState, err = requestedJSON(e.Requested); err != nil {
		return rec, fmt.Errorf("marshal requested state: %w", err)
	}
	writes := e.SystemWrites
	if writes == nil {
		writes = []model.SystemWrite{}
	}
	if rec.SystemWrites, err = json.Marshal(writes); err != nil {
		return rec, fmt.Errorf("marshal system writes: %w", err)
	}
	return rec, nil
}

func stateJSON(s *model.Shipment) (json.RawMessage, error) {
	if s == nil {
		return json.RawMessage(`{}`), nil
	}
	return json.Marshal(s)
}

func policyJSON(p *model.PolicyConfig) (json.RawMessage, error) {
	if p == nil {
		return json.RawMessage(`{}`), nil
	}
	return json.Marshal(p)
}

func requestedJSON(a model.Action) (json.RawMessage, error) {
	if a == nil {
		return json.RawMessage(`{}`), nil
	}
	return model.MarshalAction(a)
}

// ListByShipment returns the shipment's records in creation order; empty, never nil.
func (l *Ledger) ListByShipment(ctx context.Context, shipmentID string) ([]model.EvidenceRecord, error) {
	out, err := l.store.ListEvidenceByShipment(ctx, shipmentID)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []model.EvidenceRecord{}
	}
	return out, nil
}

func (l *Ledger) GetByID(ctx context.Context, evidenceID string) (model.EvidenceRecord, error) {
	rec, err := l.store.GetEvidence(ctx, evidenceID)
	if errors.Is(err, store.ErrNotFound) {
		return rec, fmt.Errorf("%w: %s", ErrNotFound, evidenceID)
	}
	return rec, err
}
