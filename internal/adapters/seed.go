package adapters

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SeedShipment is one fixture entry. Absolute times win; otherwise ETA and window are
// placed relative to the load instant so demo data never goes stale.
type SeedShipment struct {
	RawShipment `yaml:",inline"`
	RouteLocked bool          `yaml:"routeLocked"`
	ETAIn       time.Duration `yaml:"etaIn"`
	WindowSpan  time.Duration `yaml:"windowSpan"`
}

type SeedFile struct {
	Shipments []SeedShipment `yaml:"shipments"`
}

// Loader accepts seeded shipments. Both Memory and SQL implement it.
type Loader interface {
	Load(ctx context.Context, raw RawShipment, routeLocked bool) error
}

func (m *Memory) Load(ctx context.Context, raw RawShipment, routeLocked bool) error {
	m.Put(raw)
	m.SetRouteLocked(raw.ShipmentID, routeLocked)
	return nil
}

func (s *SQL) Load(ctx context.Context, raw RawShipment, routeLocked bool) error {
	return s.Put(ctx, raw, routeLocked)
}

// ParseSeed decodes a YAML fixture, resolving relative times against now.
func ParseSeed(r io.Reader, now time.Time) ([]SeedShipment, error) {
	var f SeedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	seen := map[string]bool{}
	for i := range f.Shipments {
		s := &f.Shipments[i]
		if s.ShipmentID == "" {
			return nil, fmt.Errorf("seed entry %d: shipmentId is required", i)
		}
		if seen[s.ShipmentID] {
			return nil, fmt.Errorf("seed entry %d: duplicate shipmentId %s", i, s.ShipmentID)
		}
		seen[s.ShipmentID] = true
		if s.ETA.IsZero() {
			s.ETA = now.Add(s.ETAIn).Truncate(time.Minute)
		}
		span := s.WindowSpan
		if span <= 0 {
			span = 2 * time.Hour
		}
		if s.WindowStart.IsZero() {
			s.WindowStart = s.ETA.Add(-span / 2)
		}
		if s.WindowEnd.IsZero() {
			s.WindowEnd = s.WindowStart.Add(span)
		}
		if s.Status == "" {
			s.Status = "in_transit"
		}
		if s.RiskTier == "" {
			s.RiskTier = "low"
		}
	}
	return f.Shipments, nil
}

// LoadSeedFile reads path and loads every shipment into dst. Returns the number loaded.
func LoadSeedFile(ctx context.Context, path string, dst Loader, now time.Time) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	items, err := ParseSeed(f, now)
	if err != nil {
		return 0, err
	}
	for _, it := range items {
		if err := dst.Load(ctx, it.RawShipment, it.RouteLocked); err != nil {
			return 0, fmt.Errorf("load %s: %w", it.ShipmentID, err)
		}
	}
	return len(items), nil
}
