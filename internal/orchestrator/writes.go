package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"lastmile/internal/adapters"
	"lastmile/internal/metrics"
	"lastmile/internal/model"
)

type write struct {
	system    model.System
	operation string
	do        func(ctx context.Context) error
}

// plan lists the physical writes for an action, OMS before Dispatch.
func (o *Orchestrator) plan(shipmentID string, action model.Action) []write {
	switch a := action.(type) {
	case model.Reschedule:
		w := a.NewWindow
		return []write{
			{model.SystemOMS, "updateWindow", func(ctx context.Context) error { return o.oms.UpdateWindow(ctx, shipmentID, w) }},
			{model.SystemDispatch, "updateStop", func(ctx context.Context) error {
				return o.dispatch.UpdateStop(ctx, shipmentID, adapters.StopUpdate{Window: &w})
			}},
		}
	case model.UpdateInstructions:
		text := a.Instructions
		return []write{
			{model.SystemOMS, "updateInstructions", func(ctx context.Context) error { return o.oms.UpdateInstructions(ctx, shipmentID, text) }},
		}
	case model.UpdateLocation:
		geo, addr := a.GeoPin, a.Address
		return []write{
			{model.SystemOMS, "updateLocation", func(ctx context.Context) error { return o.oms.UpdateLocation(ctx, shipmentID, geo, addr) }},
			{model.SystemDispatch, "updateStop", func(ctx context.Context) error {
				return o.dispatch.UpdateStop(ctx, shipmentID, adapters.StopUpdate{Geo: &geo, Address: addr})
			}},
		}
	}
	panic(fmt.Sprintf("no write plan for %T", action))
}

// applyWrites runs the plan in order, recording a receipt per attempt and stopping at the
// first failure. Committed writes are not rolled back.
func (o *Orchestrator) applyWrites(ctx context.Context, log *slog.Logger, at *attempt) error {
	for _, w := range o.plan(at.shipmentID, at.action) {
		receipt := model.SystemWrite{System: w.system, Operation: w.operation, Timestamp: o.Now().UTC()}
		err := o.doWrite(ctx, w)
		receipt.Success = err == nil
		if err != nil {
			receipt.Error = err.Error()
		}
		at.writes = append(at.writes, receipt)
		metrics.SystemWrites.WithLabelValues(string(w.system), w.operation, fmt.Sprint(receipt.Success)).Inc()
		if err != nil {
			log.Warn("system write failed", slog.String("system", string(w.system)), slog.String("operation", w.operation), slog.Any("err", err))
			return fmt.Errorf("%s %s: %w", w.system, w.operation, err)
		}
		log.Debug("system write ok", slog.String("system", string(w.system)), slog.String("operation", w.operation))
	}
	return nil
}

// doWrite performs one adapter write. A panicking adapter counts as a failed write so its
// receipt still lands in the evidence.
func (o *Orchestrator) doWrite(ctx context.Context, w write) (err error) {
	ctx, span := o.Tracer.Start(ctx, "adapter."+w.operation, trace.WithAttributes(attribute.String("system", string(w.system))))
	defer span.End()
	cctx, cancel := o.callCtx(ctx)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = panicked{value: r}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()
	err = w.do(cctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
