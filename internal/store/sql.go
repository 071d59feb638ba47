package store

import (
    "context"
    "database/sql"
    "encoding/json"
    "errors"
    "fmt"
    "strings"
    "time"

    "github.com/google/uuid"

    "lastmile/internal/model"
)

// SQL implements Store on Postgres or SQLite.
type SQL struct {
    db *DB
}

func NewSQL(db *DB) *SQL { return &SQL{db: db} }

func (s *SQL) DB() *DB { return s.db }

// Ping is used by the readiness probe.
func (s *SQL) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQL) Close() error { return s.db.Close() }

// Evidence

const evidenceCols = `evidence_id, shipment_id, action_type, outcome, detail, trust_method, trust_confidence,
    policy_snapshot, before_state, requested_state, system_writes, after_state, hash_prev, hash_self, created_at_ms`

func (s *SQL) AppendEvidence(ctx context.Context, rec model.EvidenceRecord) error {
    _, err := s.db.exec(ctx, `INSERT INTO evidence_packets (`+evidenceCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
        rec.EvidenceID, rec.ShipmentID, string(rec.ActionType), string(rec.Outcome), nullIfEmpty(rec.Detail),
        rec.TrustMethod, rec.TrustConfidence,
        jsonText(rec.PolicySnapshot), jsonText(rec.BeforeState), jsonText(rec.RequestedState),
        jsonText(rec.SystemWrites), jsonText(rec.AfterState),
        rec.HashPrev, rec.HashSelf, rec.CreatedAt.UTC().UnixMilli())
    if isUniqueViolation(err) {
        return fmt.Errorf("evidence %s: %w", rec.EvidenceID, ErrConflict)
    }
    return err
}

func (s *SQL) ListEvidenceByShipment(ctx context.Context, shipmentID string) ([]model.EvidenceRecord, error) {
    rows, err := s.db.query(ctx, `SELECT `+evidenceCols+` FROM evidence_packets WHERE shipment_id = ? ORDER BY seq`, shipmentID)
    if err != nil {
        return nil, err
    }
    defer rows.Close()
    out := []model.EvidenceRecord{}
    for rows.Next() {
        r, err := scanEvidence(rows)
        if err != nil {
            return nil, err
        }
        out = append(out, r)
    }
    return out, rows.Err()
}

func (s *SQL) GetEvidence(ctx context.Context, evidenceID string) (model.EvidenceRecord, error) {
    r, err := scanEvidence(s.db.queryRow(ctx, `SELECT `+evidenceCols+` FROM evidence_packets WHERE evidence_id = ?`, evidenceID))
    if errors.Is(err, sql.ErrNoRows) {
        return model.EvidenceRecord{}, ErrNotFound
    }
    return r, err
}

type scanner interface{ Scan(dest ...any) error }

func scanEvidence(sc scanner) (model.EvidenceRecord, error) {
    var (
        r                                        model.EvidenceRecord
        action, outcome                          string
        detail, hashPrev, hashSelf               sql.NullString
        policy, before, requested, writes, after []byte
        created                                  int64
    )
    err := sc.Scan(&r.EvidenceID, &r.ShipmentID, &action, &outcome, &detail, &r.TrustMethod, &r.TrustConfidence,
        &policy, &before, &requested, &writes, &after, &hashPrev, &hashSelf, &created)
    if err != nil {
        return r, err
    }
    r.ActionType = model.ActionKind(action)
    r.Outcome = model.Outcome(outcome)
    r.Detail = detail.String
    r.PolicySnapshot, r.BeforeState, r.RequestedState = policy, before, requested
    r.SystemWrites, r.AfterState = writes, after
    if hashPrev.Valid {
        r.HashPrev = &hashPrev.String
    }
    if hashSelf.Valid {
        r.HashSelf = &hashSelf.String
    }
    r.CreatedAt = fromMS(created)
    return r, nil
}

// jsonText hands payloads to the driver as text so both JSON and TEXT columns accept them.
func jsonText(b json.RawMessage) string {
    if len(b) == 0 {
        return "{}"
    }
    return string(b)
}

// Policy

func (s *SQL) LatestPolicy(ctx context.Context) (*model.PolicyConfig, error) {
    var (
        p       model.PolicyConfig
        updated int64
    )
    err := s.db.queryRow(ctx, `SELECT version, reschedule_cutoff_minutes, max_geo_move_meters, trust_threshold_location,
        max_content_multiplier, updated_at_ms FROM policy_configs ORDER BY version DESC LIMIT 1`).
        Scan(&p.Version, &p.RescheduleCutoffMinutes, &p.MaxGeoMoveMeters, &p.TrustThresholdLocation, &p.MaxContentMultiplier, &updated)
    if errors.Is(err, sql.ErrNoRows) {
        return nil, nil
    }
    if err != nil {
        return nil, err
    }
    p.UpdatedAt = fromMS(updated)
    return &p, nil
}

func (s *SQL) SavePolicy(ctx context.Context, cfg model.PolicyConfig) (model.PolicyConfig, error) {
    // Concurrent saves race on the UNIQUE(version) constraint; retry a few times.
    var err error
    for i := 0; i < 3; i++ {
        var out model.PolicyConfig
        out, err = s.insertPolicy(ctx, cfg)
        if err == nil || !isUniqueViolation(err) {
            return out, err
        }
    }
    return model.PolicyConfig{}, err
}

func (s *SQL) insertPolicy(ctx context.Context, cfg model.PolicyConfig) (model.PolicyConfig, error) {
    var next int
    if err := s.db.queryRow(ctx, `SELECT COALESCE(MAX(version), 0) + 1 FROM policy_configs`).Scan(&next); err != nil {
        return cfg, err
    }
    cfg.Version = next
    if cfg.UpdatedAt.IsZero() {
        cfg.UpdatedAt = time.Now().UTC()
    }
    _, err := s.db.exec(ctx, `INSERT INTO policy_configs (id, version, reschedule_cutoff_minutes, max_geo_move_meters,
        trust_threshold_location, max_content_multiplier, updated_at_ms) VALUES (?,?,?,?,?,?,?)`,
        uuid.New().String(), cfg.Version, cfg.RescheduleCutoffMinutes, cfg.MaxGeoMoveMeters,
        cfg.TrustThresholdLocation, cfg.MaxContentMultiplier, cfg.UpdatedAt.UTC().UnixMilli())
    return cfg, err
}

func (s *SQL) EnsureDefaultPolicy(ctx context.Context, cfg model.PolicyConfig) (model.PolicyConfig, error) {
    if p, err := s.LatestPolicy(ctx); err != nil || p != nil {
        if p == nil {
            return model.PolicyConfig{}, err
        }
        return *p, nil
    }
    cfg.Version = 1
    if cfg.UpdatedAt.IsZero() {
        cfg.UpdatedAt = time.Now().UTC()
    }
    // Version 1 is unique, so only one concurrent writer wins; everyone re-reads.
    _, err := s.db.exec(ctx, `INSERT INTO policy_configs (id, version, reschedule_cutoff_minutes, max_geo_move_meters,
        trust_threshold_location, max_content_multiplier, updated_at_ms) VALUES (?,?,?,?,?,?,?)`,
        uuid.New().String(), 1, cfg.RescheduleCutoffMinutes, cfg.MaxGeoMoveMeters,
        cfg.TrustThresholdLocation, cfg.MaxContentMultiplier, cfg.UpdatedAt.UTC().UnixMilli())
    if err != nil && !isUniqueViolation(err) {
        return model.PolicyConfig{}, err
    }
    p, err := s.LatestPolicy(ctx)
    if err != nil {
        return model.PolicyConfig{}, err
    }
    if p == nil {
        return model.PolicyConfig{}, errors.New("policy config missing after insert")
    }
    return *p, nil
}

// Conversations

const convCols = `id, shipment_id, status, actions_taken, opened_at_ms, last_message_at_ms, resolved_at_ms, closed_at_ms, reopened_at_ms`

func scanConversation(sc scanner) (model.Conversation, error) {
    var (
        c                          model.Conversation
        status                     string
        opened, last               int64
        resolved, closed, reopened sql.NullInt64
    )
    if err := sc.Scan(&c.ID, &c.ShipmentID, &status, &c.ActionsTaken, &opened, &last, &resolved, &closed, &reopened); err != nil {
        return c, err
    }
    c.Status = model.ConversationStatus(status)
    c.OpenedAt, c.LastMessageAt = fromMS(opened), fromMS(last)
    c.ResolvedAt, c.ClosedAt, c.ReopenedAt = fromNullMS(resolved), fromNullMS(closed), fromNullMS(reopened)
    return c, nil
}

func liveStatusList() string {
    parts := make([]string, len(model.LiveStatuses))
    for i, st := range model.LiveStatuses {
        parts[i] = "'" + string(st) + "'"
    }
    return strings.Join(parts, ",")
}

func (s *SQL) FindLiveConversation(ctx context.Context, shipmentID string) (*model.Conversation, error) {
    c, err := scanConversation(s.db.queryRow(ctx, `SELECT `+convCols+` FROM conversations
        WHERE shipment_id = ? AND status IN (`+liveStatusList()+`) ORDER BY opened_at_ms DESC LIMIT 1`, shipmentID))
    if errors.Is(err, sql.ErrNoRows) {
        return nil, nil
    }
    if err != nil {
        return nil, err
    }
    return &c, nil
}

func (s *SQL) CreateConversation(ctx context.Context, shipmentID string, at time.Time) (model.Conversation, error) {
    c := model.Conversation{ID: uuid.New().String(), ShipmentID: shipmentID, Status: model.StatusOpen, OpenedAt: at.UTC(), LastMessageAt: at.UTC()}
    _, err := s.db.exec(ctx, `INSERT INTO conversations (id, shipment_id, status, actions_taken, opened_at_ms, last_message_at_ms)
        VALUES (?,?,?,0,?,?)`, c.ID, c.ShipmentID, string(c.Status), c.OpenedAt.UnixMilli(), c.LastMessageAt.UnixMilli())
    if isUniqueViolation(err) {
        return model.Conversation{}, fmt.Errorf("live conversation for %s: %w", shipmentID, ErrConflict)
    }
    if err != nil {
        return model.Conversation{}, err
    }
    // Millisecond storage; return what a later read would see.
    c.OpenedAt, c.LastMessageAt = fromMS(c.OpenedAt.UnixMilli()), fromMS(c.LastMessageAt.UnixMilli())
    return c, nil
}

func (s *SQL) UpdateConversation(ctx context.Context, id string, patch model.ConversationPatch) (model.Conversation, error) {
    sets := []string{}
    args := []any{}
    if patch.Status != nil {
        sets = append(sets, "status = ?")
        args = append(args, string(*patch.Status))
    }
    if patch.LastMessageAt != nil {
        sets = append(sets, "last_message_at_ms = ?")
        args = append(args, msOrNil(patch.LastMessageAt))
    }
    if patch.ResolvedAt != nil {
        sets = append(sets, "resolved_at_ms = ?")
        args = append(args, msOrNil(patch.ResolvedAt))
    }
    if patch.ClosedAt != nil {
        sets = append(sets, "closed_at_ms = ?")
        args = append(args, msOrNil(patch.ClosedAt))
    }
    if patch.ReopenedAt != nil {
        sets = append(sets, "reopened_at_ms = ?")
        args = append(args, msOrNil(patch.ReopenedAt))
    }
    if patch.IncrementActions {
        sets = append(sets, "actions_taken = actions_taken + 1")
    }
    if len(sets) > 0 {
        args = append(args, id)
        res, err := s.db.exec(ctx, `UPDATE conversations SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
        if isUniqueViolation(err) {
            return model.Conversation{}, fmt.Errorf("conversation %s: %w", id, ErrConflict)
        }
        if err != nil {
            return model.Conversation{}, err
        }
        if n, _ := res.RowsAffected(); n == 0 {
            return model.Conversation{}, ErrNotFound
        }
    }
    return s.GetConversation(ctx, id)
}

func (s *SQL) GetConversation(ctx context.Context, id string) (model.Conversation, error) {
    c, err := scanConversation(s.db.queryRow(ctx, `SELECT `+convCols+` FROM conversations WHERE id = ?`, id))
    if errors.Is(err, sql.ErrNoRows) {
        return model.Conversation{}, ErrNotFound
    }
    return c, err
}

func (s *SQL) ListConversations(ctx context.Context, shipmentID string) ([]model.Conversation, error) {
    return s.listConversations(ctx, `SELECT `+convCols+` FROM conversations WHERE shipment_id = ? ORDER BY opened_at_ms, id`, shipmentID)
}

func (s *SQL) ListStaleConversations(ctx context.Context, status model.ConversationStatus, before time.Time, limit int) ([]model.Conversation, error) {
    if limit <= 0 {
        limit = 1000
    }
    return s.listConversations(ctx, `SELECT `+convCols+` FROM conversations WHERE status = ? AND last_message_at_ms < ?
        ORDER BY last_message_at_ms LIMIT ?`, string(status), before.UTC().UnixMilli(), limit)
}

func (s *SQL) listConversations(ctx context.Context, q string, args ...any) ([]model.Conversation, error) {
    rows, err := s.db.query(ctx, q, args...)
    if err != nil {
        return nil, err
    }
    defer rows.Close()
    out := []model.Conversation{}
    for rows.Next() {
        c, err := scanConversation(rows)
        if err != nil {
            return nil, err
        }
        out = append(out, c)
    }
    return out, rows.Err()
}
