package store

import (
    "context"
    "errors"
    "time"

    "lastmile/internal/model"
)

// EvidenceStore is append-only: there is no update or delete method by construction.
type EvidenceStore interface {
    AppendEvidence(ctx context.Context, rec model.EvidenceRecord) error
    ListEvidenceByShipment(ctx context.Context, shipmentID string) ([]model.EvidenceRecord, error)
    GetEvidence(ctx context.Context, evidenceID string) (model.EvidenceRecord, error)
}

// PolicyStore keeps versioned policy configurations; the newest version wins.
type PolicyStore interface {
    // LatestPolicy returns nil, nil when no policy has ever been saved.
    LatestPolicy(ctx context.Context) (*model.PolicyConfig, error)
    SavePolicy(ctx context.Context, cfg model.PolicyConfig) (model.PolicyConfig, error)
    // EnsureDefaultPolicy saves cfg only if no policy exists and returns whichever is latest.
    EnsureDefaultPolicy(ctx context.Context, cfg model.PolicyConfig) (model.PolicyConfig, error)
}

// ConversationStore persists conversation lifecycle rows.
type ConversationStore interface {
    FindLiveConversation(ctx context.Context, shipmentID string) (*model.Conversation, error)
    // CreateConversation returns ErrConflict when a live conversation already exists for the shipment.
    CreateConversation(ctx context.Context, shipmentID string, at time.Time) (model.Conversation, error)
    UpdateConversation(ctx context.Context, id string, patch model.ConversationPatch) (model.Conversation, error)
    GetConversation(ctx context.Context, id string) (model.Conversation, error)
    ListConversations(ctx context.Context, shipmentID string) ([]model.Conversation, error)
    // ListStaleConversations returns conversations in status whose last message is older than before.
    ListStaleConversations(ctx context.Context, status model.ConversationStatus, before time.Time, limit int) ([]model.Conversation, error)
}

// Store is the persistence interface used by the ledger, orchestrator and conversation service.
type Store interface {
    EvidenceStore
    PolicyStore
    ConversationStore
}

var (
    ErrNotFound = errors.New("not found")
    ErrConflict = errors.New("conflict")
)
