package model

import "time"

type ConversationStatus string

const (
	StatusOpen     ConversationStatus = "OPEN"
	StatusActive   ConversationStatus = "ACTIVE"
	StatusResolved ConversationStatus = "RESOLVED"
	StatusClosed   ConversationStatus = "CLOSED"
	StatusReopened ConversationStatus = "REOPENED"
)

// Live reports whether a conversation in this status blocks creating a new one.
func (s ConversationStatus) Live() bool {
	switch s {
	case StatusOpen, StatusActive, StatusResolved, StatusReopened:
		return true
	}
	return false
}

// LiveStatuses lists the statuses counted by the one-live-conversation-per-shipment rule.
var LiveStatuses = []ConversationStatus{StatusOpen, StatusActive, StatusResolved, StatusReopened}

type ConversationEvent string

const (
	EventMessageReceived    ConversationEvent = "MESSAGE_RECEIVED"
	EventActionCompleted    ConversationEvent = "ACTION_COMPLETED"
	EventCustomerSatisfied  ConversationEvent = "CUSTOMER_SATISFIED"
	EventCustomerGoodbye    ConversationEvent = "CUSTOMER_GOODBYE"
	EventCustomerNewRequest ConversationEvent = "CUSTOMER_NEW_REQUEST"
	EventTimeout24h         ConversationEvent = "TIMEOUT_24H"
)

type Conversation struct {
	ID            string             `json:"id"`
	ShipmentID    string             `json:"shipmentId"`
	Status        ConversationStatus `json:"status"`
	ActionsTaken  int                `json:"actionsTaken"`
	OpenedAt      time.Time          `json:"openedAt"`
	LastMessageAt time.Time          `json:"lastMessageAt"`
	ResolvedAt    *time.Time         `json:"resolvedAt,omitempty"`
	ClosedAt      *time.Time         `json:"closedAt,omitempty"`
	ReopenedAt    *time.Time         `json:"reopenedAt,omitempty"`
}

// ConversationPatch is applied atomically by the conversation store.
// IncrementActions bumps actions_taken by one; nil pointers leave fields untouched.
type ConversationPatch struct {
	Status           *ConversationStatus
	LastMessageAt    *time.Time
	ResolvedAt       *time.Time
	ClosedAt         *time.Time
	ReopenedAt       *time.Time
	IncrementActions bool
}

// Apply returns c with the patch applied.
func (p ConversationPatch) Apply(c Conversation) Conversation {
	if p.Status != nil {
		c.Status = *p.Status
	}
	if p.LastMessageAt != nil {
		c.LastMessageAt = *p.LastMessageAt
	}
	if p.ResolvedAt != nil {
		t := *p.ResolvedAt
		c.ResolvedAt = &t
	}
	if p.ClosedAt != nil {
		t := *p.ClosedAt
		c.ClosedAt = &t
	}
	if p.ReopenedAt != nil {
		t := *p.ReopenedAt
		c.ReopenedAt = &t
	}
	if p.IncrementActions {
		c.ActionsTaken++
	}
	return c
}
