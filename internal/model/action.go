package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

type ActionKind string

const (
	KindReschedule         ActionKind = "RESCHEDULE"
	KindUpdateInstructions ActionKind = "UPDATE_INSTRUCTIONS"
	KindUpdateLocation     ActionKind = "UPDATE_LOCATION"
)

// Action is a closed sum type: only the variants in this package implement it.
// Consumers switch on the concrete type; adding a variant means updating those switches.
type Action interface {
	Kind() ActionKind
	isAction()
}

type Reschedule struct {
	NewWindow TimeWindow `json:"newWindow"`
}

type UpdateInstructions struct {
	Instructions string `json:"instructions"`
}

type UpdateLocation struct {
	GeoPin  GeoPoint `json:"geoPin"`
	Address *Address `json:"address,omitempty"`
}

func (Reschedule) Kind() ActionKind         { return KindReschedule }
func (UpdateInstructions) Kind() ActionKind { return KindUpdateInstructions }
func (UpdateLocation) Kind() ActionKind     { return KindUpdateLocation }

func (Reschedule) isAction()         {}
func (UpdateInstructions) isAction() {}
func (UpdateLocation) isAction()     {}

var ErrUnknownAction = errors.New("unknown action type")

// MarshalAction encodes an action as {"type": KIND, ...variant fields}.
func MarshalAction(a Action) ([]byte, error) {
	switch v := a.(type) {
	case Reschedule:
		return json.Marshal(struct {
			Type ActionKind `json:"type"`
			Reschedule
		}{v.Kind(), v})
	case UpdateInstructions:
		return json.Marshal(struct {
			Type ActionKind `json:"type"`
			UpdateInstructions
		}{v.Kind(), v})
	case UpdateLocation:
		return json.Marshal(struct {
			Type ActionKind `json:"type"`
			UpdateLocation
		}{v.Kind(), v})
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownAction, a)
	}
}

// UnmarshalAction decodes the tagged JSON form produced by MarshalAction.
func UnmarshalAction(data []byte) (Action, error) {
	var head struct {
		Type ActionKind `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, err
	}
	switch head.Type {
	case KindReschedule:
		var a Reschedule
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, err
		}
		return a, nil
	case KindUpdateInstructions:
		var a UpdateInstructions
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, err
		}
		return a, nil
	case KindUpdateLocation:
		var a UpdateLocation
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, err
		}
		return a, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, head.Type)
	}
}
