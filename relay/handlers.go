// Copyright 2025 The gupshup Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skhacker105/gupshup/internal/auth"
)

// Handlers exposes the relay over HTTP: a WebSocket endpoint for live sync
// and inbox/outbox endpoints for polling clients.
type Handlers struct {
	service  *Service
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewHandlers creates the HTTP handler set.
func NewHandlers(service *Service, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		service: service,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Device identity comes from the token, not the page origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Mux returns a ServeMux with all relay routes, wrapped by the authenticator.
func (h *Handlers) Mux(jwtAuth *JWTAuth) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/sync/ws", jwtAuth.Middleware(http.HandlerFunc(h.HandleWS)))
	mux.Handle("/sync/inbox", jwtAuth.Middleware(http.HandlerFunc(h.HandleInbox)))
	mux.Handle("/sync/outbox", jwtAuth.Middleware(http.HandlerFunc(h.HandleOutbox)))
	mux.HandleFunc("/healthz", h.HandleHealth)
	return mux
}

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

// HandleWS upgrades the connection and pumps frames both ways until either
// side closes.
func (h *Handlers) HandleWS(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dbID, _ := auth.GetDBID(ctx)
	deviceID, _ := auth.GetDeviceID(ctx)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	outbound, err := h.service.Register(ctx, dbID, deviceID)
	if err != nil {
		h.logger.Error("register device failed", "db", dbID, "device", deviceID, "error", err)
		conn.Close()
		return
	}
	defer h.service.Unregister(dbID, deviceID, outbound)
	defer conn.Close()

	// Writer: drain the routed queue onto the socket.
	done := make(chan struct{})
	go func() {
		defer close(done)
		// Closing the conn unblocks the reader when the queue is closed,
		// e.g. when a newer connection replaces this device.
		defer conn.Close()
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// Reader: route every inbound frame.
	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		conn.SetReadDeadline(time.Now().Add(pongTimeout))
		if err := h.service.Route(ctx, dbID, deviceID, msg); err != nil {
			h.logger.Warn("frame dropped", "db", dbID, "device", deviceID, "error", err)
		}
	}
	<-done
}

// HandleInbox accepts one frame from a polling client and routes it.
func (h *Handlers) HandleInbox(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Only POST method is allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	dbID, _ := auth.GetDBID(ctx)
	deviceID, _ := auth.GetDeviceID(ctx)

	var payload json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "Failed to parse message", http.StatusBadRequest)
		return
	}
	if err := h.service.Route(ctx, dbID, deviceID, payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// HandleOutbox returns and clears the pending messages for the calling
// device.
func (h *Handlers) HandleOutbox(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Only GET method is allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	dbID, _ := auth.GetDBID(ctx)
	deviceID, _ := auth.GetDeviceID(ctx)

	msgs, err := h.service.Drain(ctx, dbID, deviceID)
	if err != nil {
		h.logger.Error("drain inbox failed", "db", dbID, "device", deviceID, "error", err)
		http.Error(w, "Failed to read inbox", http.StatusInternalServerError)
		return
	}

	out := make([]json.RawMessage, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, json.RawMessage(msg))
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		h.logger.Error("encode outbox failed", "error", err)
	}
}

// HandleHealth is a liveness probe.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
