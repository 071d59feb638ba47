package model

import "time"

// Core domain types shared by the policy engine, orchestrator, ledger and conversation service.

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type TimeWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Address carries the primary text and an optional localized (Arabic) variant.
type Address struct {
	Text   string `json:"text"`
	TextAr string `json:"textAr,omitempty"`
}

type RiskTier string

const (
	RiskLow    RiskTier = "low"
	RiskMedium RiskTier = "medium"
	RiskHigh   RiskTier = "high"
)

// Shipment is an immutable snapshot of a shipment, built fresh for every orchestration attempt.
type Shipment struct {
	ShipmentID         string     `json:"shipmentId"`
	Status             string     `json:"status"`
	ETA                time.Time  `json:"eta"`
	Window             TimeWindow `json:"window"`
	GeoPin             GeoPoint   `json:"geoPin"`
	Address            Address    `json:"address"`
	Instructions       string     `json:"instructions,omitempty"`
	ContactPhoneMasked string     `json:"contactPhoneMasked"`
	RiskTier           RiskTier   `json:"riskTier"`
	RouteLocked        bool       `json:"routeLocked"`
}

// TimeSlot is a candidate delivery window offered by dispatch.
type TimeSlot struct {
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Available bool      `json:"available"`
}

// PolicyConfig is the operational policy in effect for one decision.
type PolicyConfig struct {
	Version                 int       `json:"version,omitempty"`
	RescheduleCutoffMinutes int       `json:"rescheduleCutoffMinutes"`
	MaxGeoMoveMeters        int       `json:"maxGeoMoveMeters"`
	TrustThresholdLocation  float64   `json:"trustThresholdLocation"` // advisory
	MaxContentMultiplier    float64   `json:"maxContentMultiplier"`   // 0 disables content modification
	UpdatedAt               time.Time `json:"updatedAt,omitempty"`
}

// DefaultPolicyConfig is persisted the first time a policy is needed and none exists.
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		RescheduleCutoffMinutes: 120,
		MaxGeoMoveMeters:        250,
		TrustThresholdLocation:  0.8,
		MaxContentMultiplier:    0,
	}
}

// Decision is the Policy Engine output.
type Decision struct {
	Allowed        bool         `json:"allowed"`
	DenialReason   string       `json:"denialReason,omitempty"`
	AllowedActions []ActionKind `json:"allowedActions"`
	PolicySnapshot PolicyConfig `json:"policySnapshot"`
}

// Permits reports whether kind is among the allowed action kinds.
func (d Decision) Permits(kind ActionKind) bool {
	for _, k := range d.AllowedActions {
		if k == kind {
			return true
		}
	}
	return false
}

type System string

const (
	SystemOMS      System = "OMS"
	SystemDispatch System = "DISPATCH"
)

// SystemWrite is the receipt of one physical write attempt.
type SystemWrite struct {
	System    System    `json:"system"`
	Operation string    `json:"operation"`
	Timestamp time.Time `json:"timestamp"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
}

// Outcome classifies an orchestration attempt.
type Outcome string

const (
	OutcomeSucceeded       Outcome = "succeeded"
	OutcomeValidationError Outcome = "validation_error"
	OutcomePolicyDenied    Outcome = "policy_denied"
	OutcomeExecutionError  Outcome = "execution_error"
)

// Result is what Execute returns to its caller.
type Result struct {
	Success      bool    `json:"success"`
	Outcome      Outcome `json:"outcome"`
	EvidenceID   string  `json:"evidenceId,omitempty"`
	Error        string  `json:"error,omitempty"`
	DenialReason string  `json:"denialReason,omitempty"`
	// Cause is the adapter error behind an execution_error, for callers that branch on it.
	Cause        error   `json:"-"`
}
