// Package main runs a demo WebSocket client for shipment outcome events.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	shipmentID := "SHP-1001"
	if len(os.Args) > 1 {
		shipmentID = os.Args[1]
	}
	base := fmt.Sprintf("http://localhost:%s", port)

	// Connect WS
	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/v1/shipments/" + shipmentID + "/events/ws"}
	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	var ack wsMessage
	if err := c.ReadJSON(&ack); err != nil || ack.Type != "connection_ack" {
		log.Fatalf("expected connection_ack, got %+v (%v)", ack, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var m wsMessage
			if err := c.ReadJSON(&m); err != nil {
				log.Printf("read: %v", err)
				return
			}
			log.Printf("WS <- %s: %s", m.Type, string(m.Payload))
		}
	}()

	// Trigger an outcome event with an instruction update, then a customer message
	time.Sleep(200 * time.Millisecond)
	post(base+"/v1/shipments/"+shipmentID+"/actions", `{"type":"UPDATE_INSTRUCTIONS","instructions":"Please call on arrival"}`)
	post(base+"/v1/shipments/"+shipmentID+"/messages", `{"text":"شكرا، هذا كل شي"}`)

	// Wait briefly to receive a few messages
	select {
	case <-time.After(2 * time.Second):
	case <-done:
	}
}

func post(u, body string) {
	req, _ := http.NewRequest(http.MethodPost, u, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Printf("POST %s: %v", u, err)
		return
	}
	defer func() { _ = resp.Body.Close() }()
	log.Printf("POST %s -> %d", u, resp.StatusCode)
}
