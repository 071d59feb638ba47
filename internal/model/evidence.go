package model

import (
	"encoding/json"
	"time"
)

// EvidenceRecord is one immutable audit row per orchestration attempt.
// State and request payloads are opaque JSON; the ledger never interprets them.
type EvidenceRecord struct {
	EvidenceID      string          `json:"evidenceId"`
	ShipmentID      string          `json:"shipmentId"`
	ActionType      ActionKind      `json:"actionType"`
	Outcome         Outcome         `json:"outcome"`
	Detail          string          `json:"detail,omitempty"`
	TrustMethod     string          `json:"trustMethod"`
	TrustConfidence float64         `json:"trustConfidence"`
	PolicySnapshot  json.RawMessage `json:"policySnapshot"`
	BeforeState     json.RawMessage `json:"beforeState"`
	RequestedState  json.RawMessage `json:"requestedState"`
	SystemWrites    json.RawMessage `json:"systemWrites"`
	AfterState      json.RawMessage `json:"afterState"`
	HashPrev        *string         `json:"hashPrev"`
	HashSelf        *string         `json:"hashSelf"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// Policy decodes the embedded policy snapshot.
func (r EvidenceRecord) Policy() (PolicyConfig, error) {
	var p PolicyConfig
	err := json.Unmarshal(r.PolicySnapshot, &p)
	return p, err
}

// Writes decodes the ordered system-write receipts.
func (r EvidenceRecord) Writes() ([]SystemWrite, error) {
	var w []SystemWrite
	if len(r.SystemWrites) == 0 {
		return w, nil
	}
	err := json.Unmarshal(r.SystemWrites, &w)
	return w, err
}

// Before decodes before_state; nil when the snapshot could not be read at the time.
func (r EvidenceRecord) Before() (*Shipment, error) { return decodeState(r.BeforeState) }

// After decodes after_state; nil when the snapshot could not be read at the time.
func (r EvidenceRecord) After() (*Shipment, error) { return decodeState(r.AfterState) }

// Requested decodes the action as submitted.
func (r EvidenceRecord) Requested() (Action, error) { return UnmarshalAction(r.RequestedState) }

func decodeState(raw json.RawMessage) (*Shipment, error) {
	if len(raw) == 0 || string(raw) == "{}" || string(raw) == "null" {
		return nil, nil
	}
	var s Shipment
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
