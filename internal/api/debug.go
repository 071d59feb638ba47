package api

import (
    "encoding/json"
    "net/http"
    "time"

    "lastmile/internal/buildinfo"
)

// DebugJSON reports build info and the non-secret parts of the running configuration.
func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
    c := s.Config
    info := map[string]any{
        "build": buildinfo.Info(),
        "time":  s.Now().UTC().Format(time.RFC3339),
        "config": map[string]any{
            "PORT":                 c.Port,
            "DATABASE_DRIVER":      c.DatabaseDriver,
            "SHIPMENT_LOCK":        c.ShipmentLock,
            "RATE_RPS":             c.RateRPS,
            "RATE_BURST":           c.RateBurst,
            "ADAPTER_CALL_TIMEOUT": c.AdapterCallTimeout.String(),
            "CONVERSATION_TIMEOUT": c.ConversationTimeout.String(),
            "TRUST_METHOD":         c.TrustMethod,
            "WEBHOOK_MAX_ATTEMPTS": c.WebhookMaxAttempts,
            "HAS_DATABASE_URL":     c.DatabaseURL != "",
            "HAS_REDIS_URL":        c.RedisURL != "",
            "HAS_AMQP_URL":         c.AMQPURL != "",
            "HAS_WEBHOOK_URL":      c.WebhookURL != "",
            "SIGNED_EVENTS":        c.EventSigningSecret != "",
        },
    }
    w.Header().Set("Content-Type", "application/json")
    _ = json.NewEncoder(w).Encode(info)
}
