package api

import (
    "encoding/json"
    "log/slog"
    "net/http"
    "sync"
    "time"

    "github.com/gorilla/websocket"
)

const (
    wsPongWait   = 60 * time.Second
    wsPingPeriod = 20 * time.Second
    wsWriteWait  = 10 * time.Second
)

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

type wsMessage struct {
    Type    string          `json:"type"`
    ID      string          `json:"id,omitempty"`
    Payload json.RawMessage `json:"payload,omitempty"`
}

// ShipmentEventsWSHandler handles /v1/shipments/{id}/events/ws. After connection_ack the
// server pushes every outcome event for the shipment as a "next" message until either side closes.
func (s *Server) ShipmentEventsWSHandler(w http.ResponseWriter, r *http.Request) {
    if s.Events == nil {
        writeProblem(w, http.StatusServiceUnavailable, "Streaming disabled", "no event subscriber configured", r.URL.Path)
        return
    }
    id := r.PathValue("id")
    conn, err := upgrader.Upgrade(w, r, nil)
    if err != nil {
        return
    }
    defer func() { _ = conn.Close() }()

    var wmu sync.Mutex
    write := func(v any) error {
        wmu.Lock()
        defer wmu.Unlock()
        _ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
        return conn.WriteJSON(v)
    }

    ch, cancel := s.Events.Subscribe(id)
    defer cancel()

    if err := write(wsMessage{Type: "connection_ack"}); err != nil {
        return
    }

    // Read loop: answers client pings and notices the close.
    closed := make(chan struct{})
    conn.SetReadLimit(1 << 16)
    _ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
    conn.SetPongHandler(func(string) error { _ = conn.SetReadDeadline(time.Now().Add(wsPongWait)); return nil })
    go func() {
        defer close(closed)
        for {
            var msg wsMessage
            if err := conn.ReadJSON(&msg); err != nil {
                return
            }
            _ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
            if msg.Type == "ping" {
                _ = write(wsMessage{Type: "pong", ID: msg.ID})
            }
        }
    }()

    ticker := time.NewTicker(wsPingPeriod)
    defer ticker.Stop()
    for {
        select {
        case <-closed:
            return
        case <-r.Context().Done():
            return
        case <-ticker.C:
            wmu.Lock()
            err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
            wmu.Unlock()
            if err != nil {
                return
            }
        case ev, ok := <-ch:
            if !ok {
                _ = write(wsMessage{Type: "complete"})
                return
            }
            payload, err := json.Marshal(ev)
            if err != nil {
                s.Log.Warn("encode stream event", slog.String("type", ev.Type), slog.Any("err", err))
                continue
            }
            if err := write(wsMessage{Type: "next", ID: ev.ID, Payload: payload}); err != nil {
                return
            }
        }
    }
}
