package api

import (
    "errors"
    "fmt"
    "strings"

    "lastmile/internal/model"
    "lastmile/internal/policy"
)

var errBadConfidence = errors.New("X-Trust-Confidence must be a number in [0,1]")

// decodeAction parses the tagged action body. Structural checks against the shipment
// (future window, coordinate bounds) happen in the orchestrator so they land in evidence.
func decodeAction(body []byte) (model.Action, error) {
    if len(strings.TrimSpace(string(body))) == 0 {
        return nil, fmt.Errorf("empty body")
    }
    a, err := model.UnmarshalAction(body)
    if err != nil {
        return nil, err
    }
    return a, nil
}

type messageRequest struct {
    Text string `json:"text"`
}

func validateMessage(req messageRequest) error {
    if strings.TrimSpace(req.Text) == "" {
        return fmt.Errorf("text must not be empty")
    }
    return nil
}

type eventRequest struct {
    Event model.ConversationEvent `json:"event"`
}

// validatePolicyRequest rejects a client-supplied version; versions are assigned on save.
func validatePolicyRequest(cfg model.PolicyConfig) error {
    if cfg.Version != 0 {
        return fmt.Errorf("version is assigned by the server")
    }
    return policy.ValidateConfig(cfg)
}
