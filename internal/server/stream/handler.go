package stream

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// maxMessageSize caps frames read from clients. Clients only send control
// frames.
const maxMessageSize = 4 * 1024

// Handler upgrades requests to WebSocket and streams broadcast events to the
// client until either side closes.
type Handler struct {
	bc           *Broadcaster
	logger       *slog.Logger
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
	pingInterval time.Duration
}

// NewHandler creates a Handler backed by bc. writeTimeout <= 0 uses 10s.
func NewHandler(bc *Broadcaster, logger *slog.Logger, writeTimeout time.Duration) *Handler {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Handler{
		bc:     bc,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 16 * 1024,
		},
		writeTimeout: writeTimeout,
		pingInterval: 30 * time.Second,
	}
}

// ServeHTTP implements http.Handler. A request that is not a WebSocket
// upgrade gets 426 Upgrade Required.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		w.Header().Set("Upgrade", "websocket")
		http.Error(w, "websocket upgrade required", http.StatusUpgradeRequired)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.logger.Warn("stream: upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	id := uuid.NewString()
	client := h.bc.Register(id)
	defer h.bc.Unregister(id)

	h.logger.Info("stream: client connected",
		slog.String("client_id", id),
		slog.String("remote_addr", r.RemoteAddr),
	)
	defer func() {
		h.logger.Info("stream: client disconnected",
			slog.String("client_id", id),
			slog.Int64("dropped", client.Dropped.Load()),
		)
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		readLoop(conn)
	}()

	ping := time.NewTicker(h.pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case msg, ok := <-client.Send():
			if !ok {
				h.writeClose(conn)
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Warn("stream: write failed", slog.String("client_id", id), slog.Any("error", err))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.writeTimeout)); err != nil {
				return
			}
		}
	}
}

func (h *Handler) writeClose(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.writeTimeout))
}

// readLoop discards client messages until the connection fails or the
// client sends a close frame. gorilla answers pings and close frames
// while reading.
func readLoop(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}
