package api

import (
    "context"
    "errors"
    "log/slog"
    "net/http"
    "time"

    "lastmile/internal/conversation"
    "lastmile/internal/ledger"
    "lastmile/internal/model"
    "lastmile/internal/orchestrator"
)

// ActionsHandler handles POST /v1/shipments/{id}/actions
func (s *Server) ActionsHandler(w http.ResponseWriter, r *http.Request) {
    id := r.PathValue("id")
    body, err := readBody(r)
    if err != nil { writeProblem(w, http.StatusRequestEntityTooLarge, "Body too large", err.Error(), r.URL.Path); return }
    action, err := decodeAction(body)
    if err != nil {
        writeProblem(w, http.StatusBadRequest, "Invalid action", err.Error(), r.URL.Path)
        return
    }
    trust, err := s.trustFor(r)
    if err != nil { writeProblem(w, http.StatusBadRequest, "Invalid trust", err.Error(), r.URL.Path); return }
    out := s.Desk.HandleAction(r.Context(), id, action, trust)
    writeJSON(w, statusForOutcome(out.Result), out)
}

// statusForOutcome maps an orchestration outcome to an HTTP status. The body always carries
// the full Result, so callers can rely on outcome rather than status.
func statusForOutcome(res model.Result) int {
    if orchestrator.IsNotFound(res.Cause) { return http.StatusNotFound }
    switch res.Outcome {
    case model.OutcomeSucceeded:
        return http.StatusOK
    case model.OutcomeValidationError:
        return http.StatusUnprocessableEntity
    case model.OutcomePolicyDenied:
        return http.StatusForbidden
    default:
        return http.StatusBadGateway
    }
}

// ShipmentHandler handles GET /v1/shipments/{id}: the snapshot plus the actions policy would allow now.
func (s *Server) ShipmentHandler(w http.ResponseWriter, r *http.Request) {
    id := r.PathValue("id")
    sh, allowed, cfg, err := s.Orch.Snapshot(r.Context(), id)
    if err != nil {
        s.adapterProblem(w, r, err)
        return
    }
    if allowed == nil { allowed = []model.ActionKind{} }
    writeJSON(w, http.StatusOK, map[string]any{"shipment": sh, "allowedActions": allowed, "policy": cfg})
}

// SlotsHandler handles GET /v1/shipments/{id}/slots
func (s *Server) SlotsHandler(w http.ResponseWriter, r *http.Request) {
    slots, err := s.Orch.AvailableSlots(r.Context(), r.PathValue("id"))
    if err != nil {
        s.adapterProblem(w, r, err)
        return
    }
    writeJSON(w, http.StatusOK, map[string]any{"items": slots})
}

func (s *Server) adapterProblem(w http.ResponseWriter, r *http.Request, err error) {
    switch {
    case orchestrator.IsNotFound(err):
        writeProblem(w, http.StatusNotFound, "Shipment not found", err.Error(), r.URL.Path)
    case errors.Is(err, context.DeadlineExceeded):
        writeProblem(w, http.StatusGatewayTimeout, "Backend timeout", err.Error(), r.URL.Path)
    default:
        s.Log.Warn("backend read failed", slog.String("path", r.URL.Path), slog.Any("err", err))
        writeProblem(w, http.StatusBadGateway, "Backend unavailable", err.Error(), r.URL.Path)
    }
}

// ShipmentEvidenceHandler handles GET /v1/shipments/{id}/evidence
func (s *Server) ShipmentEvidenceHandler(w http.ResponseWriter, r *http.Request) {
    items, err := s.Ledger.ListByShipment(r.Context(), r.PathValue("id"))
    if err != nil {
        writeProblem(w, http.StatusInternalServerError, "List evidence failed", err.Error(), r.URL.Path)
        return
    }
    writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// EvidenceByIDHandler handles GET /v1/evidence/{id}
func (s *Server) EvidenceByIDHandler(w http.ResponseWriter, r *http.Request) {
    rec, err := s.Ledger.GetByID(r.Context(), r.PathValue("id"))
    if errors.Is(err, ledger.ErrNotFound) {
        writeProblem(w, http.StatusNotFound, "Evidence not found", err.Error(), r.URL.Path)
        return
    }
    if err != nil {
        writeProblem(w, http.StatusInternalServerError, "Get evidence failed", err.Error(), r.URL.Path)
        return
    }
    writeJSON(w, http.StatusOK, rec)
}

// ConversationsHandler handles GET/POST /v1/shipments/{id}/conversations
func (s *Server) ConversationsHandler(w http.ResponseWriter, r *http.Request) {
    id := r.PathValue("id")
    switch r.Method {
    case http.MethodGet:
        items, err := s.Convs.History(r.Context(), id)
        if err != nil {
            writeProblem(w, http.StatusInternalServerError, "List conversations failed", err.Error(), r.URL.Path)
            return
        }
        live, err := s.Convs.Live(r.Context(), id)
        if err != nil {
            writeProblem(w, http.StatusInternalServerError, "List conversations failed", err.Error(), r.URL.Path)
            return
        }
        writeJSON(w, http.StatusOK, map[string]any{"items": items, "live": live})
    case http.MethodPost:
        if !s.requireShipment(w, r, id) { return }
        c, created, err := s.Convs.GetOrCreate(r.Context(), id)
        if err != nil {
            writeProblem(w, http.StatusInternalServerError, "Open conversation failed", err.Error(), r.URL.Path)
            return
        }
        status := http.StatusOK
        if created { status = http.StatusCreated }
        writeJSON(w, status, c)
    default:
        w.WriteHeader(http.StatusMethodNotAllowed)
    }
}

// MessagesHandler handles POST /v1/shipments/{id}/messages
func (s *Server) MessagesHandler(w http.ResponseWriter, r *http.Request) {
    id := r.PathValue("id")
    var req messageRequest
    if err := decodeJSON(r, &req); err != nil {
        writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
        return
    }
    if err := validateMessage(req); err != nil {
        writeProblem(w, http.StatusBadRequest, "Invalid message", err.Error(), r.URL.Path)
        return
    }
    if !s.requireShipment(w, r, id) { return }
    res, err := s.Desk.HandleMessage(r.Context(), id, req.Text)
    if err != nil {
        writeProblem(w, http.StatusInternalServerError, "Process message failed", err.Error(), r.URL.Path)
        return
    }
    writeJSON(w, http.StatusOK, res)
}

// ConversationByIDHandler handles GET /v1/conversations/{id}
func (s *Server) ConversationByIDHandler(w http.ResponseWriter, r *http.Request) {
    c, err := s.Convs.Get(r.Context(), r.PathValue("id"))
    if err != nil {
        s.conversationProblem(w, r, err)
        return
    }
    writeJSON(w, http.StatusOK, c)
}

// ConversationEventsHandler handles POST /v1/conversations/{id}/events
func (s *Server) ConversationEventsHandler(w http.ResponseWriter, r *http.Request) {
    var req eventRequest
    if err := decodeJSON(r, &req); err != nil {
        writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
        return
    }
    res, err := s.Convs.Transition(r.Context(), r.PathValue("id"), req.Event)
    if err != nil {
        s.conversationProblem(w, r, err)
        return
    }
    writeJSON(w, http.StatusOK, res)
}

func (s *Server) conversationProblem(w http.ResponseWriter, r *http.Request, err error) {
    switch {
    case errors.Is(err, conversation.ErrNotFound):
        writeProblem(w, http.StatusNotFound, "Conversation not found", err.Error(), r.URL.Path)
    case errors.Is(err, conversation.ErrUnknownEvent):
        writeProblem(w, http.StatusBadRequest, "Unknown event", err.Error(), r.URL.Path)
    default:
        writeProblem(w, http.StatusInternalServerError, "Conversation update failed", err.Error(), r.URL.Path)
    }
}

// requireShipment writes a problem and returns false when the shipment cannot be read.
func (s *Server) requireShipment(w http.ResponseWriter, r *http.Request, id string) bool {
    if _, _, _, err := s.Orch.Snapshot(r.Context(), id); err != nil {
        s.adapterProblem(w, r, err)
        return false
    }
    return true
}

// PolicyHandler handles GET/PUT /v1/policy. Saving requires admin and creates a new version.
func (s *Server) PolicyHandler(w http.ResponseWriter, r *http.Request) {
    switch r.Method {
    case http.MethodGet:
        cfg, err := s.Policies.EnsureDefaultPolicy(r.Context(), model.DefaultPolicyConfig())
        if err != nil {
            writeProblem(w, http.StatusInternalServerError, "Read policy failed", err.Error(), r.URL.Path)
            return
        }
        writeJSON(w, http.StatusOK, cfg)
    case http.MethodPut:
        p := s.getPrincipal(r)
        if !p.IsAdmin() { writeProblem(w, http.StatusForbidden, "Forbidden", "admin required", r.URL.Path); return }
        var cfg model.PolicyConfig
        if err := decodeJSON(r, &cfg); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
            return
        }
        if err := validatePolicyRequest(cfg); err != nil {
            writeProblem(w, http.StatusUnprocessableEntity, "Invalid policy", err.Error(), r.URL.Path)
            return
        }
        cfg.UpdatedAt = s.Now().UTC()
        saved, err := s.Policies.SavePolicy(r.Context(), cfg)
        if err != nil {
            writeProblem(w, http.StatusInternalServerError, "Save policy failed", err.Error(), r.URL.Path)
            return
        }
        s.Log.Info("policy saved", slog.Int("version", saved.Version))
        writeJSON(w, http.StatusOK, saved)
    default:
        w.WriteHeader(http.StatusMethodNotAllowed)
    }
}

// Health
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
    writeJSON(w, 200, map[string]string{"status": "ok"})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
    for _, p := range s.Ready {
        ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
        err := p.Ping(ctx)
        cancel()
        if err != nil { writeProblem(w, 503, "Not Ready", err.Error(), r.URL.Path); return }
    }
    writeJSON(w, 200, map[string]string{"status": "ready"})
}
