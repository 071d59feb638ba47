package store

import (
    "context"
    "fmt"
    "sort"
    "sync"
    "time"

    "github.com/google/uuid"
    "lastmile/internal/model"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set.
type Memory struct {
    mu         sync.Mutex
    evidence   []model.EvidenceRecord         // append order
    evidenceBy map[string]int                 // evidenceId -> index
    policies   []model.PolicyConfig           // version order
    convs      map[string]model.Conversation  // id -> conversation
    convsByShp map[string][]string            // shipmentId -> conversation ids, creation order
}

func NewMemory() *Memory {
    return &Memory{
        evidenceBy: map[string]int{},
        convs:      map[string]model.Conversation{},
        convsByShp: map[string][]string{},
    }
}

// Evidence

func (m *Memory) AppendEvidence(ctx context.Context, rec model.EvidenceRecord) error {
    m.mu.Lock(); defer m.mu.Unlock()
    if _, dup := m.evidenceBy[rec.EvidenceID]; dup {
        return fmt.Errorf("evidence %s: %w", rec.EvidenceID, ErrConflict)
    }
    m.evidenceBy[rec.EvidenceID] = len(m.evidence)
    m.evidence = append(m.evidence, cloneEvidence(rec))
    return nil
}

func (m *Memory) ListEvidenceByShipment(ctx context.Context, shipmentID string) ([]model.EvidenceRecord, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    out := []model.EvidenceRecord{}
    for _, r := range m.evidence {
        if r.ShipmentID == shipmentID { out = append(out, cloneEvidence(r)) }
    }
    return out, nil
}

func (m *Memory) GetEvidence(ctx context.Context, evidenceID string) (model.EvidenceRecord, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    i, ok := m.evidenceBy[evidenceID]
    if !ok { return model.EvidenceRecord{}, ErrNotFound }
    return cloneEvidence(m.evidence[i]), nil
}

// cloneEvidence copies the payload slices so callers cannot mutate stored rows.
func cloneEvidence(r model.EvidenceRecord) model.EvidenceRecord {
    cp := func(b []byte) []byte { if b == nil { return nil }; return append([]byte(nil), b...) }
    r.PolicySnapshot = cp(r.PolicySnapshot)
    r.BeforeState = cp(r.BeforeState)
    r.RequestedState = cp(r.RequestedState)
    r.SystemWrites = cp(r.SystemWrites)
    r.AfterState = cp(r.AfterState)
    return r
}

// Policy

func (m *Memory) LatestPolicy(ctx context.Context) (*model.PolicyConfig, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    if len(m.policies) == 0 { return nil, nil }
    p := m.policies[len(m.policies)-1]
    return &p, nil
}

func (m *Memory) SavePolicy(ctx context.Context, cfg model.PolicyConfig) (model.PolicyConfig, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    return m.savePolicyLocked(cfg), nil
}

func (m *Memory) EnsureDefaultPolicy(ctx context.Context, cfg model.PolicyConfig) (model.PolicyConfig, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    if len(m.policies) > 0 { return m.policies[len(m.policies)-1], nil }
    return m.savePolicyLocked(cfg), nil
}

func (m *Memory) savePolicyLocked(cfg model.PolicyConfig) model.PolicyConfig {
    cfg.Version = len(m.policies) + 1
    if cfg.UpdatedAt.IsZero() { cfg.UpdatedAt = time.Now().UTC() }
    m.policies = append(m.policies, cfg)
    return cfg
}

// Conversations

func (m *Memory) FindLiveConversation(ctx context.Context, shipmentID string) (*model.Conversation, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    c := m.findLiveLocked(shipmentID)
    return c, nil
}

func (m *Memory) findLiveLocked(shipmentID string) *model.Conversation {
    ids := m.convsByShp[shipmentID]
    for i := len(ids) - 1; i >= 0; i-- {
        c := m.convs[ids[i]]
        if c.Status.Live() { return &c }
    }
    return nil
}

func (m *Memory) CreateConversation(ctx context.Context, shipmentID string, at time.Time) (model.Conversation, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    if m.findLiveLocked(shipmentID) != nil {
        return model.Conversation{}, fmt.Errorf("live conversation for %s: %w", shipmentID, ErrConflict)
    }
    c := model.Conversation{ID: uuid.New().String(), ShipmentID: shipmentID, Status: model.StatusOpen, OpenedAt: at, LastMessageAt: at}
    m.convs[c.ID] = c
    m.convsByShp[shipmentID] = append(m.convsByShp[shipmentID], c.ID)
    return c, nil
}

func (m *Memory) UpdateConversation(ctx context.Context, id string, patch model.ConversationPatch) (model.Conversation, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    c, ok := m.convs[id]
    if !ok { return model.Conversation{}, ErrNotFound }
    c = patch.Apply(c)
    m.convs[id] = c
    return c, nil
}

func (m *Memory) GetConversation(ctx context.Context, id string) (model.Conversation, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    c, ok := m.convs[id]
    if !ok { return model.Conversation{}, ErrNotFound }
    return c, nil
}

func (m *Memory) ListConversations(ctx context.Context, shipmentID string) ([]model.Conversation, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    out := []model.Conversation{}
    for _, id := range m.convsByShp[shipmentID] { out = append(out, m.convs[id]) }
    return out, nil
}

func (m *Memory) ListStaleConversations(ctx context.Context, status model.ConversationStatus, before time.Time, limit int) ([]model.Conversation, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    out := []model.Conversation{}
    for _, c := range m.convs {
        if c.Status == status && c.LastMessageAt.Before(before) { out = append(out, c) }
    }
    sort.Slice(out, func(i, j int) bool { return out[i].LastMessageAt.Before(out[j].LastMessageAt) })
    if limit > 0 && len(out) > limit { out = out[:limit] }
    return out, nil
}
