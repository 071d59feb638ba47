// Package policy evaluates delivery-modification requests against operational policy.
// Everything here is pure: no I/O, no clock reads; the evaluation instant is passed in.
package policy

import (
	"fmt"
	"math"
	"time"

	"lastmile/internal/model"
)

// Evaluate decides whether action may be applied to shipment under cfg at instant now.
// AllowedActions is computed independently of the requested action.
func Evaluate(shipment model.Shipment, action model.Action, cfg model.PolicyConfig, now time.Time) model.Decision {
	allowed := AllowedActions(shipment, cfg, now)
	d := model.Decision{AllowedActions: allowed, PolicySnapshot: cfg}
	d.Allowed = d.Permits(action.Kind())
	if loc, ok := action.(model.UpdateLocation); ok && d.Allowed {
		if GeoDistanceMeters(shipment.GeoPin, loc.GeoPin) > float64(cfg.MaxGeoMoveMeters) {
			d.Allowed = false
		}
	}
	if !d.Allowed {
		d.DenialReason = denialReason(shipment, action, cfg, now)
	}
	return d
}

// AllowedActions returns every action kind permitted for shipment under cfg, in a stable order.
func AllowedActions(shipment model.Shipment, cfg model.PolicyConfig, now time.Time) []model.ActionKind {
	out := []model.ActionKind{model.KindUpdateInstructions}
	if !shipment.RouteLocked {
		out = append(out, model.KindUpdateLocation)
	}
	if !shipment.RouteLocked && MinutesUntil(shipment.ETA, now) > cfg.RescheduleCutoffMinutes {
		out = append(out, model.KindReschedule)
	}
	return out
}

func denialReason(shipment model.Shipment, action model.Action, cfg model.PolicyConfig, now time.Time) string {
	switch a := action.(type) {
	case model.Reschedule:
		if shipment.RouteLocked {
			return "route is locked: driver already committed to the current plan"
		}
		if m := MinutesUntil(shipment.ETA, now); m <= cfg.RescheduleCutoffMinutes {
			return fmt.Sprintf("reschedule cutoff exceeded: need more than %d minutes before ETA, only %d remaining", cfg.RescheduleCutoffMinutes, m)
		}
		return "reschedule not allowed"
	case model.UpdateLocation:
		if shipment.RouteLocked {
			return "route is locked: cannot update location"
		}
		dist := GeoDistanceMeters(shipment.GeoPin, a.GeoPin)
		if dist > float64(cfg.MaxGeoMoveMeters) {
			return fmt.Sprintf("location change exceeds policy limit: max %dm, requested %dm", cfg.MaxGeoMoveMeters, int(math.Round(dist)))
		}
		return "location update not allowed"
	case model.UpdateInstructions:
		return "instruction update not allowed"
	default:
		return "action not recognized"
	}
}

// MinutesUntil returns whole minutes from now until eta, floored (negative once eta has passed).
func MinutesUntil(eta, now time.Time) int {
	return int(math.Floor(eta.Sub(now).Minutes()))
}
