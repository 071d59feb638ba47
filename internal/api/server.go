package api

import (
    "context"
    "log/slog"
    "net/http"
    "time"

    "github.com/prometheus/client_golang/prometheus/promhttp"

    "lastmile/internal/config"
    "lastmile/internal/conversation"
    "lastmile/internal/desk"
    "lastmile/internal/events"
    "lastmile/internal/ledger"
    "lastmile/internal/metrics"
    "lastmile/internal/orchestrator"
    "lastmile/internal/store"
)

// Pinger is anything the readiness probe should check (database, redis).
type Pinger interface {
    Ping(ctx context.Context) error
}

type Server struct {
    Orch     *orchestrator.Orchestrator
    Desk     *desk.Desk
    Convs    *conversation.Service
    Ledger   *ledger.Ledger
    Policies store.PolicyStore
    Events   events.Subscriber
    Ready    []Pinger
    Config   config.Config
    Log      *slog.Logger
    Now      func() time.Time
}

// Deps are the already-wired domain services the HTTP layer fronts.
type Deps struct {
    Orchestrator  *orchestrator.Orchestrator
    Conversations *conversation.Service
    Ledger        *ledger.Ledger
    Policies      store.PolicyStore
    Events        events.Subscriber
    Ready         []Pinger
}

// NewServer creates a Server. A nil Events subscriber disables the websocket stream.
func NewServer(cfg config.Config, d Deps, logger *slog.Logger) *Server {
    if logger == nil { logger = slog.Default() }
    return &Server{
        Orch:     d.Orchestrator,
        Desk:     desk.New(d.Orchestrator, d.Conversations, logger),
        Convs:    d.Conversations,
        Ledger:   d.Ledger,
        Policies: d.Policies,
        Events:   d.Events,
        Ready:    d.Ready,
        Config:   cfg,
        Log:      logger,
        Now:      time.Now,
    }
}

// Handler returns the routed, rate-limited and instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
    mux := http.NewServeMux()

    // Shipments
    mux.HandleFunc("GET /v1/shipments/{id}", s.ShipmentHandler)
    mux.HandleFunc("POST /v1/shipments/{id}/actions", s.ActionsHandler)
    mux.HandleFunc("GET /v1/shipments/{id}/slots", s.SlotsHandler)
    mux.HandleFunc("GET /v1/shipments/{id}/evidence", s.ShipmentEvidenceHandler)
    mux.HandleFunc("GET /v1/shipments/{id}/events/ws", s.ShipmentEventsWSHandler)

    // Conversations
    mux.HandleFunc("GET /v1/shipments/{id}/conversations", s.ConversationsHandler)
    mux.HandleFunc("POST /v1/shipments/{id}/conversations", s.ConversationsHandler)
    mux.HandleFunc("POST /v1/shipments/{id}/messages", s.MessagesHandler)
    mux.HandleFunc("GET /v1/conversations/{id}", s.ConversationByIDHandler)
    mux.HandleFunc("POST /v1/conversations/{id}/events", s.ConversationEventsHandler)

    // Evidence
    mux.HandleFunc("GET /v1/evidence/{id}", s.EvidenceByIDHandler)

    // Admin
    mux.HandleFunc("GET /v1/policy", s.PolicyHandler)
    mux.HandleFunc("PUT /v1/policy", s.PolicyHandler)
    mux.HandleFunc("GET /debug/info", s.DebugJSON)

    // Health, metrics, docs
    mux.HandleFunc("GET /healthz", s.HealthHandler)
    mux.HandleFunc("GET /readyz", s.ReadyHandler)
    mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
    mux.HandleFunc("GET /openapi.yaml", s.OpenAPIHandler)
    mux.HandleFunc("GET /openapi.json", s.OpenAPIJSONHandler)
    mux.HandleFunc("GET /docs", s.DocsHandler)

    var h http.Handler = mux
    h = newRateLimiter(s.Config.RateRPS, s.Config.RateBurst).middleware(h)
    return instrument(s.Log, h)
}
