package api

import (
    "bytes"
    "context"
    "encoding/json"
    "errors"
    "net/http"
    "net/http/httptest"
    "strings"
    "testing"
    "time"

    "github.com/gorilla/websocket"

    "lastmile/internal/adapters"
    "lastmile/internal/config"
    "lastmile/internal/conversation"
    "lastmile/internal/events"
    "lastmile/internal/ledger"
    "lastmile/internal/model"
    "lastmile/internal/orchestrator"
    "lastmile/internal/store"
)

var testNow = time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC)

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("db down") }

type testEnv struct {
    srv    *Server
    h      http.Handler
    broker *events.Broker
}

func newTestServer(t *testing.T) *testEnv {
    t.Helper()
    mem := adapters.NewMemory()
    mem.Now = func() time.Time { return testNow }
    mem.Put(adapters.RawShipment{
        ShipmentID: "SHP-FAR", Status: "in_transit", ETA: testNow.Add(4 * time.Hour),
        WindowStart: testNow.Add(3 * time.Hour), WindowEnd: testNow.Add(5 * time.Hour),
        Lat: 24.7136, Lng: 46.6753, AddressText: "Olaya St", RiskTier: "low",
    })
    mem.Put(adapters.RawShipment{
        ShipmentID: "SHP-NEAR", Status: "out_for_delivery", ETA: testNow.Add(time.Hour),
        WindowStart: testNow, WindowEnd: testNow.Add(2 * time.Hour),
        Lat: 24.7136, Lng: 46.6753, AddressText: "Olaya St", RiskTier: "low",
    })
    st := store.NewMemory()
    l := ledger.New(st)
    l.Now = func() time.Time { return testNow }
    broker := events.NewBroker()
    o := orchestrator.New(mem, mem, st, l, nil)
    o.Now = func() time.Time { return testNow }
    o.Events = broker
    convs := conversation.NewService(st, nil, nil)
    convs.Now = func() time.Time { return testNow }

    cfg := config.Config{TrustMethod: "session", TrustConfidence: 1}
    s := NewServer(cfg, Deps{Orchestrator: o, Conversations: convs, Ledger: l, Policies: st, Events: broker}, nil)
    s.Now = func() time.Time { return testNow }
    return &testEnv{srv: s, h: s.Handler(), broker: broker}
}

func (e *testEnv) do(t *testing.T, method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
    t.Helper()
    req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
    req.Header.Set("Content-Type", "application/json")
    for k, v := range hdr { req.Header.Set(k, v) }
    rr := httptest.NewRecorder()
    e.h.ServeHTTP(rr, req)
    return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
    t.Helper()
    var v T
    if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
        t.Fatalf("decode %q: %v", rr.Body.String(), err)
    }
    return v
}

type actionResponse struct {
    Result       model.Result                   `json:"result"`
    Conversation *conversation.TransitionResult `json:"conversation"`
}

func TestHealthReady(t *testing.T) {
    e := newTestServer(t)
    if rr := e.do(t, http.MethodGet, "/healthz", "", nil); rr.Code != 200 { t.Fatalf("health: got %d", rr.Code) }
    if rr := e.do(t, http.MethodGet, "/readyz", "", nil); rr.Code != 200 { t.Fatalf("ready: got %d", rr.Code) }
    e.srv.Ready = []Pinger{failingPinger{}}
    if rr := e.do(t, http.MethodGet, "/readyz", "", nil); rr.Code != 503 { t.Fatalf("ready with failing db: got %d", rr.Code) }
}

func TestActionSucceedsAndIsEvidenced(t *testing.T) {
    e := newTestServer(t)
    rr := e.do(t, http.MethodPost, "/v1/shipments/SHP-FAR/actions", `{"type":"UPDATE_INSTRUCTIONS","instructions":"leave at reception"}`,
        map[string]string{"X-Trust-Method": "otp", "X-Trust-Confidence": "0.9"})
    if rr.Code != http.StatusOK { t.Fatalf("action: %d %s", rr.Code, rr.Body.String()) }
    out := decode[actionResponse](t, rr)
    if !out.Result.Success || out.Result.EvidenceID == "" { t.Fatalf("result: %+v", out.Result) }
    if out.Conversation == nil || out.Conversation.To != model.StatusActive { t.Fatalf("conversation: %+v", out.Conversation) }

    rr = e.do(t, http.MethodGet, "/v1/evidence/"+out.Result.EvidenceID, "", nil)
    if rr.Code != http.StatusOK { t.Fatalf("evidence: %d", rr.Code) }
    rec := decode[model.EvidenceRecord](t, rr)
    if rec.TrustMethod != "otp" || rec.TrustConfidence != 0.9 || rec.Outcome != model.OutcomeSucceeded {
        t.Fatalf("evidence record: %+v", rec)
    }

    rr = e.do(t, http.MethodGet, "/v1/shipments/SHP-FAR/evidence", "", nil)
    list := decode[struct{ Items []model.EvidenceRecord `json:"items"` }](t, rr)
    if len(list.Items) != 1 || list.Items[0].EvidenceID != out.Result.EvidenceID { t.Fatalf("evidence list: %+v", list.Items) }
}

func TestActionOutcomeStatuses(t *testing.T) {
    e := newTestServer(t)
    window := `{"start":"` + testNow.Add(26*time.Hour).Format(time.RFC3339) + `","end":"` + testNow.Add(28*time.Hour).Format(time.RFC3339) + `"}`
    cases := []struct {
        name    string
        path    string
        body    string
        code    int
        outcome model.Outcome
    }{
        {"reschedule inside cutoff", "/v1/shipments/SHP-NEAR/actions", `{"type":"RESCHEDULE","newWindow":` + window + `}`, http.StatusForbidden, model.OutcomePolicyDenied},
        {"blank instructions", "/v1/shipments/SHP-FAR/actions", `{"type":"UPDATE_INSTRUCTIONS","instructions":"   "}`, http.StatusUnprocessableEntity, model.OutcomeValidationError},
        {"unknown shipment", "/v1/shipments/SHP-404/actions", `{"type":"UPDATE_INSTRUCTIONS","instructions":"x"}`, http.StatusNotFound, model.OutcomeExecutionError},
        {"reschedule outside cutoff", "/v1/shipments/SHP-FAR/actions", `{"type":"RESCHEDULE","newWindow":` + window + `}`, http.StatusOK, model.OutcomeSucceeded},
    }
    for _, tc := range cases {
        t.Run(tc.name, func(t *testing.T) {
            rr := e.do(t, http.MethodPost, tc.path, tc.body, nil)
            if rr.Code != tc.code { t.Fatalf("status: got %d want %d (%s)", rr.Code, tc.code, rr.Body.String()) }
            out := decode[actionResponse](t, rr)
            if out.Result.Outcome != tc.outcome || out.Result.EvidenceID == "" { t.Fatalf("result: %+v", out.Result) }
        })
    }
    convs := decode[struct {
        Items []model.Conversation `json:"items"`
        Live  *model.Conversation  `json:"live"`
    }](t, e.do(t, http.MethodGet, "/v1/shipments/SHP-404/conversations", "", nil))
    if len(convs.Items) != 0 || convs.Live != nil { t.Fatalf("unknown shipment opened a conversation: %+v", convs) }
}

func TestActionRejectsMalformedRequests(t *testing.T) {
    e := newTestServer(t)
    for name, body := range map[string]string{
        "empty":        "",
        "not json":     "{",
        "unknown type": `{"type":"CANCEL_ORDER"}`,
    } {
        if rr := e.do(t, http.MethodPost, "/v1/shipments/SHP-FAR/actions", body, nil); rr.Code != http.StatusBadRequest {
            t.Fatalf("%s: got %d", name, rr.Code)
        }
    }
    rr := e.do(t, http.MethodPost, "/v1/shipments/SHP-FAR/actions", `{"type":"UPDATE_INSTRUCTIONS","instructions":"x"}`,
        map[string]string{"X-Trust-Confidence": "1.5"})
    if rr.Code != http.StatusBadRequest { t.Fatalf("bad confidence: got %d", rr.Code) }
    if ct := rr.Header().Get("Content-Type"); ct != "application/problem+json" { t.Fatalf("content type: %q", ct) }
    // nothing reached the ledger
    list := decode[struct{ Items []model.EvidenceRecord `json:"items"` }](t, e.do(t, http.MethodGet, "/v1/shipments/SHP-FAR/evidence", "", nil))
    if len(list.Items) != 0 { t.Fatalf("malformed requests must not create evidence: %d", len(list.Items)) }
}

func TestShipmentSnapshotAndSlots(t *testing.T) {
    e := newTestServer(t)
    rr := e.do(t, http.MethodGet, "/v1/shipments/SHP-NEAR", "", nil)
    if rr.Code != http.StatusOK { t.Fatalf("snapshot: %d", rr.Code) }
    snap := decode[struct {
        Shipment       model.Shipment     `json:"shipment"`
        AllowedActions []model.ActionKind `json:"allowedActions"`
    }](t, rr)
    if snap.Shipment.ShipmentID != "SHP-NEAR" { t.Fatalf("shipment: %+v", snap.Shipment) }
    for _, k := range snap.AllowedActions {
        if k == model.KindReschedule { t.Fatalf("reschedule must not be offered inside the cutoff: %v", snap.AllowedActions) }
    }
    if rr := e.do(t, http.MethodGet, "/v1/shipments/SHP-404", "", nil); rr.Code != http.StatusNotFound { t.Fatalf("unknown: %d", rr.Code) }

    rr = e.do(t, http.MethodGet, "/v1/shipments/SHP-FAR/slots", "", nil)
    slots := decode[struct{ Items []model.TimeSlot `json:"items"` }](t, rr)
    if len(slots.Items) != 4 { t.Fatalf("slots: %+v", slots.Items) }
}

func TestEvidenceNotFound(t *testing.T) {
    e := newTestServer(t)
    if rr := e.do(t, http.MethodGet, "/v1/evidence/nope", "", nil); rr.Code != http.StatusNotFound { t.Fatalf("got %d", rr.Code) }
}

func TestPolicyAdmin(t *testing.T) {
    e := newTestServer(t)
    rr := e.do(t, http.MethodGet, "/v1/policy", "", nil)
    cur := decode[model.PolicyConfig](t, rr)
    if cur.Version != 1 || cur.RescheduleCutoffMinutes != 120 { t.Fatalf("default policy: %+v", cur) }

    body := `{"rescheduleCutoffMinutes":30,"maxGeoMoveMeters":500,"trustThresholdLocation":0.7,"maxContentMultiplier":0}`
    if rr := e.do(t, http.MethodPut, "/v1/policy", body, nil); rr.Code != http.StatusForbidden { t.Fatalf("non-admin save: %d", rr.Code) }
    admin := map[string]string{"X-Role": "admin"}
    if rr := e.do(t, http.MethodPut, "/v1/policy", `{"rescheduleCutoffMinutes":30,"trustThresholdLocation":2}`, admin); rr.Code != http.StatusUnprocessableEntity {
        t.Fatalf("invalid policy: %d", rr.Code)
    }
    if rr := e.do(t, http.MethodPut, "/v1/policy", `{"rescheduleCutoffMinutes":30,"bogus":1}`, admin); rr.Code != http.StatusBadRequest {
        t.Fatalf("unknown field: %d", rr.Code)
    }
    rr = e.do(t, http.MethodPut, "/v1/policy", body, admin)
    saved := decode[model.PolicyConfig](t, rr)
    if rr.Code != http.StatusOK || saved.Version != 2 || saved.RescheduleCutoffMinutes != 30 { t.Fatalf("saved: %d %+v", rr.Code, saved) }

    // the new cutoff now governs decisions
    snap := decode[struct{ AllowedActions []model.ActionKind `json:"allowedActions"` }](t, e.do(t, http.MethodGet, "/v1/shipments/SHP-NEAR", "", nil))
    found := false
    for _, k := range snap.AllowedActions { if k == model.KindReschedule { found = true } }
    if !found { t.Fatalf("reschedule should be allowed with a 30 minute cutoff: %v", snap.AllowedActions) }
}

func TestConversationEndpoints(t *testing.T) {
    e := newTestServer(t)
    rr := e.do(t, http.MethodPost, "/v1/shipments/SHP-FAR/conversations", "", nil)
    if rr.Code != http.StatusCreated { t.Fatalf("open: %d", rr.Code) }
    c := decode[model.Conversation](t, rr)
    if rr := e.do(t, http.MethodPost, "/v1/shipments/SHP-FAR/conversations", "", nil); rr.Code != http.StatusOK { t.Fatalf("reuse: %d", rr.Code) }
    if rr := e.do(t, http.MethodPost, "/v1/shipments/SHP-404/conversations", "", nil); rr.Code != http.StatusNotFound { t.Fatalf("unknown shipment: %d", rr.Code) }

    rr = e.do(t, http.MethodPost, "/v1/shipments/SHP-FAR/messages", `{"text":"where is my parcel"}`, nil)
    res := decode[conversation.TransitionResult](t, rr)
    if rr.Code != http.StatusOK || res.Conversation.ID != c.ID || res.To != model.StatusActive { t.Fatalf("message: %d %+v", rr.Code, res) }
    if rr := e.do(t, http.MethodPost, "/v1/shipments/SHP-FAR/messages", `{"text":"  "}`, nil); rr.Code != http.StatusBadRequest { t.Fatalf("blank message: %d", rr.Code) }

    rr = e.do(t, http.MethodPost, "/v1/conversations/"+c.ID+"/events", `{"event":"CUSTOMER_SATISFIED"}`, nil)
    res = decode[conversation.TransitionResult](t, rr)
    if res.To != model.StatusResolved || !res.Valid { t.Fatalf("satisfied: %+v", res) }
    if rr := e.do(t, http.MethodPost, "/v1/conversations/"+c.ID+"/events", `{"event":"DANCE"}`, nil); rr.Code != http.StatusBadRequest { t.Fatalf("unknown event: %d", rr.Code) }
    if rr := e.do(t, http.MethodPost, "/v1/conversations/missing/events", `{"event":"MESSAGE_RECEIVED"}`, nil); rr.Code != http.StatusNotFound { t.Fatalf("missing: %d", rr.Code) }

    got := decode[model.Conversation](t, e.do(t, http.MethodGet, "/v1/conversations/"+c.ID, "", nil))
    if got.Status != model.StatusResolved { t.Fatalf("get: %+v", got) }
    hist := decode[struct {
        Items []model.Conversation `json:"items"`
        Live  *model.Conversation  `json:"live"`
    }](t, e.do(t, http.MethodGet, "/v1/shipments/SHP-FAR/conversations", "", nil))
    if len(hist.Items) != 1 || hist.Live == nil || hist.Live.ID != c.ID { t.Fatalf("history: %+v", hist) }
}

func TestOpenAPIAndDebug(t *testing.T) {
    e := newTestServer(t)
    rr := e.do(t, http.MethodGet, "/openapi.json", "", nil)
    if rr.Code != http.StatusOK { t.Fatalf("openapi.json: %d %s", rr.Code, rr.Body.String()) }
    doc := decode[map[string]any](t, rr)
    paths, _ := doc["paths"].(map[string]any)
    if _, ok := paths["/v1/shipments/{id}/actions"]; !ok { t.Fatalf("actions path missing from OpenAPI") }
    if rr := e.do(t, http.MethodGet, "/openapi.yaml", "", nil); rr.Code != 200 { t.Fatalf("openapi.yaml: %d", rr.Code) }
    rr = e.do(t, http.MethodGet, "/debug/info", "", nil)
    if rr.Code != 200 || !strings.Contains(rr.Body.String(), `"build"`) { t.Fatalf("debug: %d", rr.Code) }
    if rr := e.do(t, http.MethodGet, "/metrics", "", nil); rr.Code != 200 { t.Fatalf("metrics: %d", rr.Code) }
}

func TestRateLimiter(t *testing.T) {
    l := newRateLimiter(1, 2)
    l.now = func() time.Time { return testNow }
    h := l.middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) }))
    codes := []int{}
    for i := 0; i < 3; i++ {
        rr := httptest.NewRecorder()
        req := httptest.NewRequest(http.MethodGet, "/v1/policy", nil)
        req.RemoteAddr = "10.0.0.1:5555"
        h.ServeHTTP(rr, req)
        codes = append(codes, rr.Code)
    }
    if codes[0] != 204 || codes[1] != 204 || codes[2] != http.StatusTooManyRequests { t.Fatalf("codes: %v", codes) }

    // another client has its own bucket; health checks are never limited
    rr := httptest.NewRecorder()
    req := httptest.NewRequest(http.MethodGet, "/v1/policy", nil)
    req.RemoteAddr = "10.0.0.2:5555"
    h.ServeHTTP(rr, req)
    if rr.Code != 204 { t.Fatalf("second client: %d", rr.Code) }
    rr = httptest.NewRecorder()
    req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
    req.RemoteAddr = "10.0.0.1:5555"
    h.ServeHTTP(rr, req)
    if rr.Code != 204 { t.Fatalf("healthz limited: %d", rr.Code) }

    l.now = func() time.Time { return testNow.Add(time.Second) }
    rr = httptest.NewRecorder()
    req = httptest.NewRequest(http.MethodGet, "/v1/policy", nil)
    req.RemoteAddr = "10.0.0.1:5555"
    h.ServeHTTP(rr, req)
    if rr.Code != 204 { t.Fatalf("after refill: %d", rr.Code) }
}

func TestShipmentEventsWebsocket(t *testing.T) {
    e := newTestServer(t)
    ts := httptest.NewServer(e.h)
    defer ts.Close()

    url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/shipments/SHP-FAR/events/ws"
    c, _, err := websocket.DefaultDialer.Dial(url, nil)
    if err != nil { t.Fatalf("dial: %v", err) }
    defer func() { _ = c.Close() }()
    _ = c.SetReadDeadline(time.Now().Add(5 * time.Second))

    var msg wsMessage
    if err := c.ReadJSON(&msg); err != nil || msg.Type != "connection_ack" { t.Fatalf("ack: %+v %v", msg, err) }

    resp, err := http.Post(ts.URL+"/v1/shipments/SHP-FAR/actions", "application/json",
        strings.NewReader(`{"type":"UPDATE_INSTRUCTIONS","instructions":"call on arrival"}`))
    if err != nil { t.Fatalf("post: %v", err) }
    _ = resp.Body.Close()

    if err := c.ReadJSON(&msg); err != nil || msg.Type != "next" { t.Fatalf("next: %+v %v", msg, err) }
    var ev events.Event
    if err := json.Unmarshal(msg.Payload, &ev); err != nil { t.Fatalf("payload: %v", err) }
    if ev.Type != events.TypeActionExecuted || ev.ShipmentID != "SHP-FAR" { t.Fatalf("event: %+v", ev) }

    if err := c.WriteJSON(wsMessage{Type: "ping", ID: "p1"}); err != nil { t.Fatalf("ping: %v", err) }
    if err := c.ReadJSON(&msg); err != nil || msg.Type != "pong" || msg.ID != "p1" { t.Fatalf("pong: %+v %v", msg, err) }
}
