// Package adapters defines the capabilities the orchestrator needs from the two backend
// systems of record (Order/Shipment store and Dispatch/Routing) plus local implementations.
package adapters

import (
	"context"
	"errors"
	"time"

	"lastmile/internal/model"
)

var ErrNotFound = errors.New("shipment not found")

// RawShipment is the OMS record before normalization.
type RawShipment struct {
	ShipmentID         string    `yaml:"shipmentId"`
	Status             string    `yaml:"status"`
	ETA                time.Time `yaml:"eta"`
	WindowStart        time.Time `yaml:"windowStart"`
	WindowEnd          time.Time `yaml:"windowEnd"`
	Lat                float64   `yaml:"lat"`
	Lng                float64   `yaml:"lng"`
	AddressText        string    `yaml:"addressText"`
	AddressTextAr      string    `yaml:"addressTextAr"`
	Instructions       string    `yaml:"instructions"`
	ContactPhoneMasked string    `yaml:"contactPhoneMasked"`
	RiskTier           string    `yaml:"riskTier"`
}

// OMS is the order/shipment system of record.
type OMS interface {
	GetShipment(ctx context.Context, shipmentID string) (RawShipment, error)
	UpdateWindow(ctx context.Context, shipmentID string, w model.TimeWindow) error
	UpdateInstructions(ctx context.Context, shipmentID, instructions string) error
	UpdateLocation(ctx context.Context, shipmentID string, geo model.GeoPoint, addr *model.Address) error
}

// StopUpdate carries the dispatch-side fields to change; nil fields are left alone.
type StopUpdate struct {
	Window  *model.TimeWindow
	Geo     *model.GeoPoint
	Address *model.Address
}

// Dispatch is the routing system that owns the driver plan for a stop.
type Dispatch interface {
	IsRouteLocked(ctx context.Context, shipmentID string) (bool, error)
	UpdateStop(ctx context.Context, shipmentID string, upd StopUpdate) error
	GetAvailableSlots(ctx context.Context, shipmentID string) ([]model.TimeSlot, error)
}

// Normalize builds the domain snapshot from raw OMS data and the dispatch route-lock flag.
func Normalize(raw RawShipment, routeLocked bool) model.Shipment {
	tier := model.RiskTier(raw.RiskTier)
	switch tier {
	case model.RiskLow, model.RiskMedium, model.RiskHigh:
	default:
		tier = model.RiskLow
	}
	return model.Shipment{
		ShipmentID:         raw.ShipmentID,
		Status:             raw.Status,
		ETA:                raw.ETA.UTC(),
		Window:             model.TimeWindow{Start: raw.WindowStart.UTC(), End: raw.WindowEnd.UTC()},
		GeoPin:             model.GeoPoint{Lat: raw.Lat, Lng: raw.Lng},
		Address:            model.Address{Text: raw.AddressText, TextAr: raw.AddressTextAr},
		Instructions:       raw.Instructions,
		ContactPhoneMasked: raw.ContactPhoneMasked,
		RiskTier:           tier,
		RouteLocked:        routeLocked,
	}
}

// DefaultSlots offers four two-hour slots tomorrow between 09:00 and 17:00 in loc.
func DefaultSlots(now time.Time, loc *time.Location) []model.TimeSlot {
	if loc == nil {
		loc = time.UTC
	}
	t := now.In(loc).AddDate(0, 0, 1)
	out := make([]model.TimeSlot, 0, 4)
	for i := 0; i < 4; i++ {
		start := time.Date(t.Year(), t.Month(), t.Day(), 9+2*i, 0, 0, 0, loc)
		out = append(out, model.TimeSlot{Start: start, End: start.Add(2 * time.Hour), Available: true})
	}
	return out
}
