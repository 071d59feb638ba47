package store

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "sync"
    "testing"
    "time"

    "github.com/google/uuid"
    "github.com/jackc/pgx/v5/pgconn"

    "lastmile/internal/model"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newSQLite(t *testing.T) *SQL {
    t.Helper()
    db, err := Open(DriverSQLite, ":memory:")
    if err != nil {
        t.Fatalf("open sqlite: %v", err)
    }
    t.Cleanup(func() { _ = db.Close() })
    if err := db.Migrate(context.Background()); err != nil {
        t.Fatalf("migrate: %v", err)
    }
    return NewSQL(db)
}

func backends(t *testing.T) map[string]func(t *testing.T) Store {
    return map[string]func(t *testing.T) Store{
        "memory": func(t *testing.T) Store { return NewMemory() },
        "sqlite": func(t *testing.T) Store { return newSQLite(t) },
    }
}

func evidence(shipmentID string, at time.Time) model.EvidenceRecord {
    return model.EvidenceRecord{
        EvidenceID:      uuid.New().String(),
        ShipmentID:      shipmentID,
        ActionType:      model.KindUpdateInstructions,
        Outcome:         model.OutcomeSucceeded,
        TrustMethod:     "otp",
        TrustConfidence: 0.9,
        PolicySnapshot:  json.RawMessage(`{"rescheduleCutoffMinutes":120}`),
        BeforeState:     json.RawMessage(`{"shipmentId":"` + shipmentID + `"}`),
        RequestedState:  json.RawMessage(`{"type":"UPDATE_INSTRUCTIONS","instructions":"x"}`),
        SystemWrites:    json.RawMessage(`[]`),
        AfterState:      json.RawMessage(`{"shipmentId":"` + shipmentID + `"}`),
        CreatedAt:       at,
    }
}

func TestEvidenceAppendAndList(t *testing.T) {
    for name, mk := range backends(t) {
        t.Run(name, func(t *testing.T) {
            s := mk(t)
            ctx := context.Background()
            var ids []string
            for i := 0; i < 3; i++ {
                r := evidence("SHP-1", t0.Add(time.Duration(i)*time.Second))
                if i == 1 {
                    r.Outcome, r.Detail = model.OutcomePolicyDenied, "route is locked"
                }
                if err := s.AppendEvidence(ctx, r); err != nil {
                    t.Fatalf("append: %v", err)
                }
                ids = append(ids, r.EvidenceID)
            }
            if err := s.AppendEvidence(ctx, evidence("SHP-2", t0)); err != nil {
                t.Fatalf("append other: %v", err)
            }
            got, err := s.ListEvidenceByShipment(ctx, "SHP-1")
            if err != nil || len(got) != 3 {
                t.Fatalf("list: %v len=%d", err, len(got))
            }
            for i, r := range got {
                if r.EvidenceID != ids[i] {
                    t.Fatalf("order mismatch at %d", i)
                }
            }
            if got[1].Detail != "route is locked" || got[1].Outcome != model.OutcomePolicyDenied {
                t.Fatalf("outcome/detail not persisted: %+v", got[1])
            }
            if got[0].HashPrev != nil || got[0].HashSelf != nil {
                t.Fatal("hash fields should stay null")
            }
            one, err := s.GetEvidence(ctx, ids[2])
            if err != nil || !one.CreatedAt.Equal(t0.Add(2*time.Second)) {
                t.Fatalf("get: %v %v", err, one.CreatedAt)
            }
            var snap map[string]any
            if err := json.Unmarshal(one.PolicySnapshot, &snap); err != nil || snap["rescheduleCutoffMinutes"] != float64(120) {
                t.Fatalf("policy snapshot not preserved: %s", one.PolicySnapshot)
            }
            if _, err := s.GetEvidence(ctx, "missing"); !errors.Is(err, ErrNotFound) {
                t.Fatalf("want ErrNotFound, got %v", err)
            }
            empty, err := s.ListEvidenceByShipment(ctx, "SHP-none")
            if err != nil || empty == nil || len(empty) != 0 {
                t.Fatalf("empty list: %v %v", empty, err)
            }
        })
    }
}

func TestEvidenceDuplicateID(t *testing.T) {
    for name, mk := range backends(t) {
        t.Run(name, func(t *testing.T) {
            s := mk(t)
            r := evidence("SHP-1", t0)
            if err := s.AppendEvidence(context.Background(), r); err != nil {
                t.Fatal(err)
            }
            if err := s.AppendEvidence(context.Background(), r); !errors.Is(err, ErrConflict) {
                t.Fatalf("want ErrConflict, got %v", err)
            }
        })
    }
}

func TestSQLiteEvidenceIsAppendOnly(t *testing.T) {
    s := newSQLite(t)
    ctx := context.Background()
    r := evidence("SHP-1", t0)
    if err := s.AppendEvidence(ctx, r); err != nil {
        t.Fatal(err)
    }
    if _, err := s.DB().Exec(ctx, `UPDATE evidence_packets SET outcome = 'succeeded' WHERE evidence_id = ?`, r.EvidenceID); err == nil {
        t.Fatal("update should be rejected")
    }
    if _, err := s.DB().Exec(ctx, `DELETE FROM evidence_packets WHERE evidence_id = ?`, r.EvidenceID); err == nil {
        t.Fatal("delete should be rejected")
    }
}

func TestMigrateIsIdempotent(t *testing.T) {
    s := newSQLite(t)
    if err := s.DB().Migrate(context.Background()); err != nil {
        t.Fatalf("second migrate: %v", err)
    }
}

func TestPolicyVersions(t *testing.T) {
    for name, mk := range backends(t) {
        t.Run(name, func(t *testing.T) {
            s := mk(t)
            ctx := context.Background()
            p, err := s.LatestPolicy(ctx)
            if err != nil || p != nil {
                t.Fatalf("empty store should have no policy: %v %v", p, err)
            }
            def, err := s.EnsureDefaultPolicy(ctx, model.DefaultPolicyConfig())
            if err != nil || def.Version != 1 || def.RescheduleCutoffMinutes != 120 {
                t.Fatalf("ensure default: %+v %v", def, err)
            }
            again, err := s.EnsureDefaultPolicy(ctx, model.PolicyConfig{RescheduleCutoffMinutes: 5})
            if err != nil || again.Version != 1 || again.RescheduleCutoffMinutes != 120 {
                t.Fatalf("ensure default should not overwrite: %+v %v", again, err)
            }
            cfg := model.DefaultPolicyConfig()
            cfg.MaxGeoMoveMeters = 500
            saved, err := s.SavePolicy(ctx, cfg)
            if err != nil || saved.Version != 2 {
                t.Fatalf("save: %+v %v", saved, err)
            }
            latest, err := s.LatestPolicy(ctx)
            if err != nil || latest == nil || latest.MaxGeoMoveMeters != 500 || latest.Version != 2 {
                t.Fatalf("latest: %+v %v", latest, err)
            }
        })
    }
}

func TestEnsureDefaultPolicyConcurrent(t *testing.T) {
    for name, mk := range backends(t) {
        t.Run(name, func(t *testing.T) {
            s := mk(t)
            var wg sync.WaitGroup
            for i := 0; i < 8; i++ {
                wg.Add(1)
                go func() {
                    defer wg.Done()
                    if _, err := s.EnsureDefaultPolicy(context.Background(), model.DefaultPolicyConfig()); err != nil {
                        t.Errorf("ensure: %v", err)
                    }
                }()
            }
            wg.Wait()
            p, _ := s.LatestPolicy(context.Background())
            if p == nil || p.Version != 1 {
                t.Fatalf("want exactly one default row, got %+v", p)
            }
        })
    }
}

func TestConversationLifecycle(t *testing.T) {
    for name, mk := range backends(t) {
        t.Run(name, func(t *testing.T) {
            s := mk(t)
            ctx := context.Background()
            c, err := s.CreateConversation(ctx, "SHP-1", t0)
            if err != nil || c.Status != model.StatusOpen || c.ActionsTaken != 0 {
                t.Fatalf("create: %+v %v", c, err)
            }
            if _, err := s.CreateConversation(ctx, "SHP-1", t0); !errors.Is(err, ErrConflict) {
                t.Fatalf("second live conversation should conflict, got %v", err)
            }
            live, err := s.FindLiveConversation(ctx, "SHP-1")
            if err != nil || live == nil || live.ID != c.ID {
                t.Fatalf("find live: %+v %v", live, err)
            }

            active := model.StatusActive
            later := t0.Add(time.Minute)
            c, err = s.UpdateConversation(ctx, c.ID, model.ConversationPatch{Status: &active, LastMessageAt: &later, IncrementActions: true})
            if err != nil || c.Status != model.StatusActive || c.ActionsTaken != 1 || !c.LastMessageAt.Equal(later) {
                t.Fatalf("update: %+v %v", c, err)
            }
            c, err = s.UpdateConversation(ctx, c.ID, model.ConversationPatch{IncrementActions: true})
            if err != nil || c.ActionsTaken != 2 {
                t.Fatalf("increment: %+v %v", c, err)
            }

            closed := model.StatusClosed
            c, err = s.UpdateConversation(ctx, c.ID, model.ConversationPatch{Status: &closed, ClosedAt: &later})
            if err != nil || c.ClosedAt == nil || !c.ClosedAt.Equal(later) {
                t.Fatalf("close: %+v %v", c, err)
            }
            if live, _ := s.FindLiveConversation(ctx, "SHP-1"); live != nil {
                t.Fatalf("closed conversation should not be live: %+v", live)
            }
            next, err := s.CreateConversation(ctx, "SHP-1", later)
            if err != nil {
                t.Fatalf("create after close: %v", err)
            }
            all, err := s.ListConversations(ctx, "SHP-1")
            if err != nil || len(all) != 2 || all[1].ID != next.ID {
                t.Fatalf("list: %+v %v", all, err)
            }
            if _, err := s.UpdateConversation(ctx, "missing", model.ConversationPatch{IncrementActions: true}); !errors.Is(err, ErrNotFound) {
                t.Fatalf("want ErrNotFound, got %v", err)
            }
            if _, err := s.GetConversation(ctx, "missing"); !errors.Is(err, ErrNotFound) {
                t.Fatalf("want ErrNotFound, got %v", err)
            }
        })
    }
}

func TestListStaleConversations(t *testing.T) {
    for name, mk := range backends(t) {
        t.Run(name, func(t *testing.T) {
            s := mk(t)
            ctx := context.Background()
            resolved := model.StatusResolved
            for i := 0; i < 3; i++ {
                c, err := s.CreateConversation(ctx, fmt.Sprintf("SHP-%d", i), t0)
                if err != nil {
                    t.Fatal(err)
                }
                at := t0.Add(time.Duration(i) * time.Hour)
                if _, err := s.UpdateConversation(ctx, c.ID, model.ConversationPatch{Status: &resolved, LastMessageAt: &at, ResolvedAt: &at}); err != nil {
                    t.Fatal(err)
                }
            }
            if _, err := s.CreateConversation(ctx, "SHP-open", t0); err != nil {
                t.Fatal(err)
            }
            stale, err := s.ListStaleConversations(ctx, model.StatusResolved, t0.Add(90*time.Minute), 10)
            if err != nil || len(stale) != 2 || stale[0].ShipmentID != "SHP-0" {
                t.Fatalf("stale: %+v %v", stale, err)
            }
            limited, _ := s.ListStaleConversations(ctx, model.StatusResolved, t0.Add(10*time.Hour), 1)
            if len(limited) != 1 {
                t.Fatalf("limit not applied: %d", len(limited))
            }
        })
    }
}

func TestRebind(t *testing.T) {
    pg := &DB{Driver: DriverPostgres}
    if got := pg.Rebind(`SELECT a FROM t WHERE a = ? AND b = '?' AND c = ?`); got != `SELECT a FROM t WHERE a = $1 AND b = '?' AND c = $2` {
        t.Fatalf("rebind: %s", got)
    }
    lite := &DB{Driver: DriverSQLite}
    if got := lite.Rebind(`x = ?`); got != `x = ?` {
        t.Fatalf("sqlite should keep ?: %s", got)
    }
}

func TestIsUniqueViolation(t *testing.T) {
    cases := map[string]struct {
        err  error
        want bool
    }{
        "nil":               {nil, false},
        "postgres unique":   {&pgconn.PgError{Code: "23505"}, true},
        "wrapped postgres":  {fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"}), true},
        "postgres not null": {&pgconn.PgError{Code: "23502"}, false},
        "text only":         {errors.New("duplicate key value violates unique constraint"), false},
    }
    for name, tc := range cases {
        if got := isUniqueViolation(tc.err); got != tc.want {
            t.Errorf("%s: got %v want %v", name, got, tc.want)
        }
    }

    s := newSQLite(t)
    ctx := context.Background()
    r := evidence("SHP-1", t0)
    if err := s.AppendEvidence(ctx, r); err != nil {
        t.Fatal(err)
    }
    _, err := s.db.exec(ctx, `INSERT INTO evidence_packets (`+evidenceCols+`) SELECT `+evidenceCols+` FROM evidence_packets WHERE evidence_id = ?`, r.EvidenceID)
    if !isUniqueViolation(err) {
        t.Fatalf("sqlite duplicate key not recognised: %v", err)
    }
}
