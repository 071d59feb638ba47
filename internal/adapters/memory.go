package adapters

import (
	"context"
	"fmt"
	"sync"
	"time"

	"lastmile/internal/model"
)

// Memory implements both OMS and Dispatch in-process. Used when no DATABASE_URL is set and in tests.
type Memory struct {
	mu        sync.Mutex
	shipments map[string]RawShipment // shipmentId -> OMS record
	stops     map[string]StopUpdate  // shipmentId -> last dispatch-side stop state
	locked    map[string]bool        // shipmentId -> route lock
	Now       func() time.Time
	Location  *time.Location
}

func NewMemory() *Memory {
	return &Memory{
		shipments: map[string]RawShipment{},
		stops:     map[string]StopUpdate{},
		locked:    map[string]bool{},
		Now:       time.Now,
	}
}

// Put inserts or replaces a shipment record.
func (m *Memory) Put(raw RawShipment) {
	m.mu.Lock(); defer m.mu.Unlock()
	m.shipments[raw.ShipmentID] = raw
}

// SetRouteLocked flips the dispatch route lock for a shipment.
func (m *Memory) SetRouteLocked(shipmentID string, locked bool) {
	m.mu.Lock(); defer m.mu.Unlock()
	m.locked[shipmentID] = locked
}

// Stop returns the last dispatch-side update applied to a shipment's stop.
func (m *Memory) Stop(shipmentID string) (StopUpdate, bool) {
	m.mu.Lock(); defer m.mu.Unlock()
	s, ok := m.stops[shipmentID]
	return s, ok
}

func (m *Memory) GetShipment(ctx context.Context, shipmentID string) (RawShipment, error) {
	if err := ctx.Err(); err != nil { return RawShipment{}, err }
	m.mu.Lock(); defer m.mu.Unlock()
	raw, ok := m.shipments[shipmentID]
	if !ok { return RawShipment{}, fmt.Errorf("oms: %w: %s", ErrNotFound, shipmentID) }
	return raw, nil
}

func (m *Memory) UpdateWindow(ctx context.Context, shipmentID string, w model.TimeWindow) error {
	return m.update(ctx, shipmentID, func(r *RawShipment) {
		r.WindowStart, r.WindowEnd = w.Start, w.End
	})
}

func (m *Memory) UpdateInstructions(ctx context.Context, shipmentID, instructions string) error {
	return m.update(ctx, shipmentID, func(r *RawShipment) { r.Instructions = instructions })
}

func (m *Memory) UpdateLocation(ctx context.Context, shipmentID string, geo model.GeoPoint, addr *model.Address) error {
	return m.update(ctx, shipmentID, func(r *RawShipment) {
		r.Lat, r.Lng = geo.Lat, geo.Lng
		if addr != nil {
			r.AddressText = addr.Text
			if addr.TextAr != "" { r.AddressTextAr = addr.TextAr }
		}
	})
}

func (m *Memory) update(ctx context.Context, shipmentID string, fn func(*RawShipment)) error {
	if err := ctx.Err(); err != nil { return err }
	m.mu.Lock(); defer m.mu.Unlock()
	raw, ok := m.shipments[shipmentID]
	if !ok { return fmt.Errorf("oms: %w: %s", ErrNotFound, shipmentID) }
	fn(&raw)
	m.shipments[shipmentID] = raw
	return nil
}

// Dispatch side

func (m *Memory) IsRouteLocked(ctx context.Context, shipmentID string) (bool, error) {
	if err := ctx.Err(); err != nil { return false, err }
	m.mu.Lock(); defer m.mu.Unlock()
	return m.locked[shipmentID], nil
}

func (m *Memory) UpdateStop(ctx context.Context, shipmentID string, upd StopUpdate) error {
	if err := ctx.Err(); err != nil { return err }
	m.mu.Lock(); defer m.mu.Unlock()
	if _, ok := m.shipments[shipmentID]; !ok {
		return fmt.Errorf("dispatch: %w: %s", ErrNotFound, shipmentID)
	}
	cur := m.stops[shipmentID]
	if upd.Window != nil { w := *upd.Window; cur.Window = &w }
	if upd.Geo != nil { g := *upd.Geo; cur.Geo = &g }
	if upd.Address != nil { a := *upd.Address; cur.Address = &a }
	m.stops[shipmentID] = cur
	return nil
}

func (m *Memory) GetAvailableSlots(ctx context.Context, shipmentID string) ([]model.TimeSlot, error) {
	if err := ctx.Err(); err != nil { return nil, err }
	m.mu.Lock()
	_, ok := m.shipments[shipmentID]
	m.mu.Unlock()
	if !ok { return nil, fmt.Errorf("dispatch: %w: %s", ErrNotFound, shipmentID) }
	return DefaultSlots(m.Now(), m.Location), nil
}
