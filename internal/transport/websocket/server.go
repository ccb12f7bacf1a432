// Package websocket streams fired alarms to browsers and other clients.
//
// Clients open a WebSocket connection to:
//
//	GET /alarms/ws           every fired alarm
//	GET /alarms/ws?id=7      only alarms submitted as Message(7)
//
// Server → client frame, one per fired alarm:
//
//	{"type":"fired","id":7,"ticket":"<ULID>","seconds":5,"message":"...","fire_at":...,"fired_at":...,"elapsed_ms":...}
//
// The stream is one-way. Anything the client sends is read and discarded so
// that a close from the client ends the handler promptly.
package websocket

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/snehjoshi/epochalarm/internal/broker"
	"github.com/snehjoshi/epochalarm/internal/scheduler"
)

const writeWait = 10 * time.Second

var upgrader = gorillaws.Upgrader{
	// A request is same-origin when its Origin host matches the Host header.
	// Requests without an Origin header (curl, native clients) are allowed.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		host, err := parseHost(origin)
		if err != nil {
			return false
		}
		return host == r.Host
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// parseHost returns the host:port (or just host) portion of a URL string.
func parseHost(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid origin %q", rawURL)
	}
	return u.Host, nil
}

// Handler serves the fired-alarm stream.
type Handler struct {
	Broker *broker.Broker
}

// Frame is the JSON structure the server sends for each fired alarm.
type Frame struct {
	Type      string `json:"type"` // "fired"
	ID        int    `json:"id"`
	Ticket    string `json:"ticket"`
	Seconds   int    `json:"seconds"`
	Message   string `json:"message"`
	FireAt    int64  `json:"fire_at"`  // unix ms
	FiredAt   int64  `json:"fired_at"` // unix ms
	ElapsedMs int64  `json:"elapsed_ms"`
}

func frameOf(d scheduler.Delivery) Frame {
	return Frame{
		Type:      "fired",
		ID:        d.ID,
		Ticket:    d.Ticket,
		Seconds:   d.Seconds(),
		Message:   d.Payload,
		FireAt:    d.FireAt.UnixMilli(),
		FiredAt:   d.FiredAt.UnixMilli(),
		ElapsedMs: d.Elapsed.Milliseconds(),
	}
}

// ServeHTTP upgrades the connection and pushes fired alarms until the client
// goes away or the broker shuts down.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var only *int
	if v := r.URL.Query().Get("id"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, `{"error":"id must be an integer"}`, http.StatusBadRequest)
			return
		}
		only = &n
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	sub := h.Broker.Subscribe()
	defer sub.Close()

	// Drain client frames; a read error means the peer closed.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-gone:
			return
		case d, ok := <-sub.C():
			if !ok {
				_ = conn.WriteControl(gorillaws.CloseMessage,
					gorillaws.FormatCloseMessage(gorillaws.CloseGoingAway, "shutting down"),
					time.Now().Add(writeWait))
				return
			}
			if only != nil && d.ID != *only {
				continue
			}
			data, _ := json.Marshal(frameOf(d))
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(gorillaws.TextMessage, data); err != nil {
				slog.Debug("websocket write failed", "err", err)
				return
			}
		}
	}
}
