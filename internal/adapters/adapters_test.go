package adapters

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"lastmile/internal/model"
	"lastmile/internal/store"
)

var now = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type backend interface {
	OMS
	Dispatch
	Loader
}

func backends(t *testing.T) map[string]backend {
	db, err := store.Open(store.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	mem := NewMemory()
	mem.Now = func() time.Time { return now }
	sq := NewSQL(db)
	sq.Now = func() time.Time { return now }
	return map[string]backend{"memory": mem, "sqlite": sq}
}

func rawShipment(id string) RawShipment {
	return RawShipment{
		ShipmentID: id, Status: "in_transit",
		ETA:         now.Add(4 * time.Hour),
		WindowStart: now.Add(3 * time.Hour), WindowEnd: now.Add(5 * time.Hour),
		Lat: 24.7136, Lng: 46.6753,
		AddressText: "Olaya", AddressTextAr: "العليا",
		ContactPhoneMasked: "+9665******12", RiskTier: "medium",
	}
}

func TestAdaptersRoundTrip(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := b.Load(ctx, rawShipment("SHP-1"), true); err != nil {
				t.Fatal(err)
			}
			raw, err := b.GetShipment(ctx, "SHP-1")
			if err != nil || !raw.ETA.Equal(now.Add(4*time.Hour)) || raw.AddressTextAr != "العليا" {
				t.Fatalf("get: %+v %v", raw, err)
			}
			locked, err := b.IsRouteLocked(ctx, "SHP-1")
			if err != nil || !locked {
				t.Fatalf("locked: %v %v", locked, err)
			}

			w := model.TimeWindow{Start: now.Add(24 * time.Hour), End: now.Add(26 * time.Hour)}
			if err := b.UpdateWindow(ctx, "SHP-1", w); err != nil {
				t.Fatal(err)
			}
			if err := b.UpdateInstructions(ctx, "SHP-1", "call on arrival"); err != nil {
				t.Fatal(err)
			}
			if err := b.UpdateLocation(ctx, "SHP-1", model.GeoPoint{Lat: 24.714, Lng: 46.676}, &model.Address{Text: "Olaya St 5"}); err != nil {
				t.Fatal(err)
			}
			raw, _ = b.GetShipment(ctx, "SHP-1")
			if !raw.WindowStart.Equal(w.Start) || raw.Instructions != "call on arrival" || raw.AddressText != "Olaya St 5" || raw.AddressTextAr != "العليا" || raw.Lat != 24.714 {
				t.Fatalf("updates not applied: %+v", raw)
			}

			g := model.GeoPoint{Lat: 24.714, Lng: 46.676}
			if err := b.UpdateStop(ctx, "SHP-1", StopUpdate{Window: &w, Geo: &g}); err != nil {
				t.Fatal(err)
			}
			slots, err := b.GetAvailableSlots(ctx, "SHP-1")
			if err != nil || len(slots) != 4 {
				t.Fatalf("slots: %v %v", slots, err)
			}
		})
	}
}

func TestAdaptersNotFound(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := b.GetShipment(ctx, "nope"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("get: %v", err)
			}
			if err := b.UpdateInstructions(ctx, "nope", "x"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("update: %v", err)
			}
			if err := b.UpdateStop(ctx, "nope", StopUpdate{}); !errors.Is(err, ErrNotFound) {
				t.Fatalf("update stop: %v", err)
			}
			if _, err := b.GetAvailableSlots(ctx, "nope"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("slots: %v", err)
			}
		})
	}
}

func TestMemoryHonoursCancelledContext(t *testing.T) {
	m := NewMemory()
	m.Put(rawShipment("SHP-1"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.GetShipment(ctx, "SHP-1"); !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}

func TestNormalize(t *testing.T) {
	raw := rawShipment("SHP-1")
	raw.RiskTier = "extreme"
	s := Normalize(raw, true)
	if s.RiskTier != model.RiskLow || !s.RouteLocked || s.Address.TextAr != "العليا" || s.GeoPin.Lat != raw.Lat {
		t.Fatalf("normalize: %+v", s)
	}
}

func TestDefaultSlots(t *testing.T) {
	riyadh := time.FixedZone("AST", 3*3600)
	slots := DefaultSlots(time.Date(2026, 3, 1, 23, 30, 0, 0, riyadh), riyadh)
	if len(slots) != 4 {
		t.Fatalf("len=%d", len(slots))
	}
	for i, s := range slots {
		if s.Start.Day() != 2 || s.Start.Hour() != 9+2*i || s.End.Sub(s.Start) != 2*time.Hour || !s.Available {
			t.Fatalf("slot %d: %+v", i, s)
		}
	}
}

func TestParseSeed(t *testing.T) {
	doc := `
shipments:
  - shipmentId: SHP-1
    etaIn: 4h
    lat: 24.7
    lng: 46.6
    addressText: Olaya
    routeLocked: true
  - shipmentId: SHP-2
    eta: 2026-03-02T12:00:00Z
    windowStart: 2026-03-02T11:00:00Z
    windowEnd: 2026-03-02T13:00:00Z
    riskTier: high
`
	items, err := ParseSeed(strings.NewReader(doc), now)
	if err != nil || len(items) != 2 {
		t.Fatalf("parse: %v %d", err, len(items))
	}
	a := items[0]
	if !a.ETA.Equal(now.Add(4*time.Hour)) || !a.RouteLocked || a.WindowEnd.Sub(a.WindowStart) != 2*time.Hour || a.RiskTier != "low" {
		t.Fatalf("relative entry: %+v", a)
	}
	if b := items[1]; b.ETA.Hour() != 12 || b.RiskTier != "high" {
		t.Fatalf("absolute entry: %+v", b)
	}
	if _, err := ParseSeed(strings.NewReader("shipments:\n  - lat: 1\n"), now); err == nil {
		t.Fatal("missing shipmentId should fail")
	}
	if _, err := ParseSeed(strings.NewReader("shipments:\n  - shipmentId: A\n  - shipmentId: A\n"), now); err == nil {
		t.Fatal("duplicate shipmentId should fail")
	}
}
