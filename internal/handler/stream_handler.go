package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/unclebandit/wa-campaigns/internal/realtime"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StreamHandler pushes conversation events to WebSocket clients.
type StreamHandler struct {
	Hub    *realtime.Hub
	Logger *zap.Logger
}

func NewStreamHandler(hub *realtime.Hub, logger *zap.Logger) *StreamHandler {
	return &StreamHandler{Hub: hub, Logger: logger}
}

// Conversation streams events for the conversation named in the URL.
func (h *StreamHandler) Conversation(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id <= 0 {
		http.Error(w, "invalid conversation id", http.StatusBadRequest)
		return
	}
	h.serve(w, r, h.Hub.Subscribe(id), zap.Int("conversation_id", id))
}

// All streams events for every conversation.
func (h *StreamHandler) All(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, h.Hub.SubscribeAll(), zap.String("conversation_id", "all"))
}

// serve owns sub: it is unsubscribed when the client goes away. The
// subscription is taken before the upgrade so no event published after the
// handshake is missed.
func (h *StreamHandler) serve(w http.ResponseWriter, r *http.Request, sub chan interface{}, field zap.Field) {
	defer h.Hub.Unsubscribe(sub)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.Warn("websocket upgrade failed", field, zap.Error(err))
		return
	}
	defer conn.Close()

	h.Logger.Debug("stream client connected", field)

	// The read loop only services control frames and notices disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(writeWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				h.Logger.Debug("stream write failed", field, zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-done:
			h.Logger.Debug("stream client disconnected", field)
			return
		case <-r.Context().Done():
			return
		}
	}
}
