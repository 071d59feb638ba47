package policy

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"lastmile/internal/model"
)

// ValidationError marks a structurally malformed action. It is a caller error, not a policy denial.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ValidateAction checks structural and temporal sanity independent of policy.
func ValidateAction(shipment model.Shipment, action model.Action, now time.Time) error {
	switch a := action.(type) {
	case model.Reschedule:
		if a.NewWindow.Start.Before(now) {
			return &ValidationError{Reason: "cannot reschedule to a time in the past"}
		}
		if !a.NewWindow.End.After(a.NewWindow.Start) {
			return &ValidationError{Reason: "window end must be after window start"}
		}
	case model.UpdateLocation:
		if !ValidCoordinates(a.GeoPin) {
			return &ValidationError{Reason: "invalid coordinates"}
		}
		if a.Address != nil && strings.TrimSpace(a.Address.Text) == "" {
			return &ValidationError{Reason: "address text cannot be empty when an address is supplied"}
		}
	case model.UpdateInstructions:
		if strings.TrimSpace(a.Instructions) == "" {
			return &ValidationError{Reason: "instructions cannot be empty"}
		}
	case nil:
		return &ValidationError{Reason: "missing action"}
	default:
		return &ValidationError{Reason: fmt.Sprintf("unknown action type %T", action)}
	}
	return nil
}

// ValidateConfig checks an admin-submitted policy before it is saved.
func ValidateConfig(cfg model.PolicyConfig) error {
	if cfg.RescheduleCutoffMinutes < 0 {
		return fmt.Errorf("rescheduleCutoffMinutes must be >= 0")
	}
	if cfg.MaxGeoMoveMeters < 0 {
		return fmt.Errorf("maxGeoMoveMeters must be >= 0")
	}
	if cfg.TrustThresholdLocation < 0 || cfg.TrustThresholdLocation > 1 {
		return fmt.Errorf("trustThresholdLocation must be in [0,1]")
	}
	if cfg.MaxContentMultiplier < 0 {
		return fmt.Errorf("maxContentMultiplier must be >= 0")
	}
	return nil
}
