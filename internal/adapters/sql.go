package adapters

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"lastmile/internal/model"
	"lastmile/internal/store"
)

// SQL implements OMS and Dispatch over the shipments and dispatch_stops tables.
// It stands in for the real systems of record in single-node deployments.
type SQL struct {
	db       *store.DB
	Now      func() time.Time
	Location *time.Location
}

func NewSQL(db *store.DB) *SQL { return &SQL{db: db, Now: time.Now} }

const shipmentCols = `shipment_id, status, eta_ms, window_start_ms, window_end_ms, lat, lng, address_text,
	address_text_ar, instructions, contact_phone_masked, risk_tier`

// Put inserts or replaces a shipment and its dispatch stop row.
func (s *SQL) Put(ctx context.Context, raw RawShipment, routeLocked bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, s.db.Rebind(`DELETE FROM shipments WHERE shipment_id = ?`), raw.ShipmentID); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, s.db.Rebind(`INSERT INTO shipments (`+shipmentCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`),
		raw.ShipmentID, raw.Status, raw.ETA.UTC().UnixMilli(), raw.WindowStart.UTC().UnixMilli(), raw.WindowEnd.UTC().UnixMilli(),
		raw.Lat, raw.Lng, raw.AddressText, nullIfEmpty(raw.AddressTextAr), nullIfEmpty(raw.Instructions),
		raw.ContactPhoneMasked, raw.RiskTier)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.db.Rebind(`DELETE FROM dispatch_stops WHERE shipment_id = ?`), raw.ShipmentID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.db.Rebind(`INSERT INTO dispatch_stops (shipment_id, route_locked) VALUES (?, ?)`), raw.ShipmentID, routeLocked); err != nil {
		return err
	}
	return tx.Commit()
}

// SetRouteLocked flips the dispatch route lock for a shipment.
func (s *SQL) SetRouteLocked(ctx context.Context, shipmentID string, locked bool) error {
	res, err := s.db.Exec(ctx, `UPDATE dispatch_stops SET route_locked = ? WHERE shipment_id = ?`, locked, shipmentID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("dispatch: %w: %s", ErrNotFound, shipmentID)
	}
	return nil
}

func (s *SQL) GetShipment(ctx context.Context, shipmentID string) (RawShipment, error) {
	var (
		raw                RawShipment
		eta, wStart, wEnd  int64
		textAr, instr      sql.NullString
	)
	err := s.db.QueryRow(ctx, `SELECT `+shipmentCols+` FROM shipments WHERE shipment_id = ?`, shipmentID).
		Scan(&raw.ShipmentID, &raw.Status, &eta, &wStart, &wEnd, &raw.Lat, &raw.Lng, &raw.AddressText,
			&textAr, &instr, &raw.ContactPhoneMasked, &raw.RiskTier)
	if errors.Is(err, sql.ErrNoRows) {
		return RawShipment{}, fmt.Errorf("oms: %w: %s", ErrNotFound, shipmentID)
	}
	if err != nil {
		return RawShipment{}, fmt.Errorf("oms: %w", err)
	}
	raw.ETA, raw.WindowStart, raw.WindowEnd = time.UnixMilli(eta).UTC(), time.UnixMilli(wStart).UTC(), time.UnixMilli(wEnd).UTC()
	raw.AddressTextAr, raw.Instructions = textAr.String, instr.String
	return raw, nil
}

func (s *SQL) UpdateWindow(ctx context.Context, shipmentID string, w model.TimeWindow) error {
	return s.update(ctx, "oms", `UPDATE shipments SET window_start_ms = ?, window_end_ms = ? WHERE shipment_id = ?`,
		shipmentID, w.Start.UTC().UnixMilli(), w.End.UTC().UnixMilli())
}

func (s *SQL) UpdateInstructions(ctx context.Context, shipmentID, instructions string) error {
	return s.update(ctx, "oms", `UPDATE shipments SET instructions = ? WHERE shipment_id = ?`, shipmentID, instructions)
}

func (s *SQL) UpdateLocation(ctx context.Context, shipmentID string, geo model.GeoPoint, addr *model.Address) error {
	if addr == nil {
		return s.update(ctx, "oms", `UPDATE shipments SET lat = ?, lng = ? WHERE shipment_id = ?`, shipmentID, geo.Lat, geo.Lng)
	}
	return s.update(ctx, "oms", `UPDATE shipments SET lat = ?, lng = ?, address_text = ?,
		address_text_ar = COALESCE(?, address_text_ar) WHERE shipment_id = ?`,
		shipmentID, geo.Lat, geo.Lng, addr.Text, nullIfEmpty(addr.TextAr))
}

// update runs q with args followed by shipmentID and maps "no rows" to ErrNotFound.
func (s *SQL) update(ctx context.Context, system, q, shipmentID string, args ...any) error {
	res, err := s.db.Exec(ctx, q, append(args, shipmentID)...)
	if err != nil {
		return fmt.Errorf("%s: %w", system, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w: %s", system, ErrNotFound, shipmentID)
	}
	return nil
}

// Dispatch side

func (s *SQL) IsRouteLocked(ctx context.Context, shipmentID string) (bool, error) {
	var locked bool
	err := s.db.QueryRow(ctx, `SELECT route_locked FROM dispatch_stops WHERE shipment_id = ?`, shipmentID).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		// a stop dispatch has never planned cannot be locked
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dispatch: %w", err)
	}
	return locked, nil
}

func (s *SQL) UpdateStop(ctx context.Context, shipmentID string, upd StopUpdate) error {
	var ws, we, lat, lng, text, textAr any
	if upd.Window != nil {
		ws, we = upd.Window.Start.UTC().UnixMilli(), upd.Window.End.UTC().UnixMilli()
	}
	if upd.Geo != nil {
		lat, lng = upd.Geo.Lat, upd.Geo.Lng
	}
	if upd.Address != nil {
		text, textAr = upd.Address.Text, nullIfEmpty(upd.Address.TextAr)
	}
	return s.update(ctx, "dispatch", `UPDATE dispatch_stops SET
		window_start_ms = COALESCE(?, window_start_ms), window_end_ms = COALESCE(?, window_end_ms),
		lat = COALESCE(?, lat), lng = COALESCE(?, lng),
		address_text = COALESCE(?, address_text), address_text_ar = COALESCE(?, address_text_ar),
		updated_at_ms = ? WHERE shipment_id = ?`,
		shipmentID, ws, we, lat, lng, text, textAr, s.Now().UTC().UnixMilli())
}

// Stop returns the dispatch-side stop state; ok is false when dispatch has no row or no update yet.
func (s *SQL) Stop(ctx context.Context, shipmentID string) (StopUpdate, bool, error) {
	var (
		ws, we         sql.NullInt64
		lat, lng       sql.NullFloat64
		text, textAr   sql.NullString
		updated        sql.NullInt64
	)
	err := s.db.QueryRow(ctx, `SELECT window_start_ms, window_end_ms, lat, lng, address_text, address_text_ar, updated_at_ms
		FROM dispatch_stops WHERE shipment_id = ?`, shipmentID).Scan(&ws, &we, &lat, &lng, &text, &textAr, &updated)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !updated.Valid) {
		return StopUpdate{}, false, nil
	}
	if err != nil {
		return StopUpdate{}, false, err
	}
	var out StopUpdate
	if ws.Valid && we.Valid {
		out.Window = &model.TimeWindow{Start: time.UnixMilli(ws.Int64).UTC(), End: time.UnixMilli(we.Int64).UTC()}
	}
	if lat.Valid && lng.Valid {
		out.Geo = &model.GeoPoint{Lat: lat.Float64, Lng: lng.Float64}
	}
	if text.Valid {
		out.Address = &model.Address{Text: text.String, TextAr: textAr.String}
	}
	return out, true, nil
}

func (s *SQL) GetAvailableSlots(ctx context.Context, shipmentID string) ([]model.TimeSlot, error) {
	var one int
	err := s.db.QueryRow(ctx, `SELECT 1 FROM shipments WHERE shipment_id = ?`, shipmentID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("dispatch: %w: %s", ErrNotFound, shipmentID)
	}
	if err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	return DefaultSlots(s.Now(), s.Location), nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
