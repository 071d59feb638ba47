// Package api is the HTTP integration surface of the delivery-change service.
package api

import (
    "net/http"
    "strconv"
    "strings"

    "lastmile/internal/orchestrator"
)

type Principal struct {
    Role string // admin, agent, customer
}

// getPrincipal reads the caller role from headers. Authentication is the integrator's concern;
// this only separates admin endpoints from the rest.
func (s *Server) getPrincipal(r *http.Request) Principal {
    role := strings.ToLower(strings.TrimSpace(r.Header.Get("X-Role")))
    if role == "" {
        role = "agent"
    }
    return Principal{Role: role}
}

// IsAdmin reports whether the principal has the admin role.
func (p Principal) IsAdmin() bool { return p.Role == "admin" }

// trustFor returns the requester trust assertion: X-Trust-Method / X-Trust-Confidence
// headers override the configured default.
func (s *Server) trustFor(r *http.Request) (orchestrator.Trust, error) {
    t := orchestrator.Trust{Method: s.Config.TrustMethod, Confidence: s.Config.TrustConfidence}
    if m := strings.TrimSpace(r.Header.Get("X-Trust-Method")); m != "" {
        t.Method = m
    }
    if v := strings.TrimSpace(r.Header.Get("X-Trust-Confidence")); v != "" {
        c, err := strconv.ParseFloat(v, 64)
        if err != nil || c < 0 || c > 1 {
            return t, errBadConfidence
        }
        t.Confidence = c
    }
    return t, nil
}
