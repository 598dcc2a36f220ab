package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/kevinreber/pixel-studio-sub001/internal/api/dto"
	"github.com/kevinreber/pixel-studio-sub001/internal/subscribe"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browser clients connect cross-origin from the app frontend; identity
	// and authorization are the edge's concern, same as the REST routes.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Subscribe handles GET /api/v1/generations/:request_id/subscribe
// Streams status events over a WebSocket until the job reaches a terminal
// state or the client disconnects.
func (h *GenerationHandler) Subscribe(c *gin.Context) {
	requestID := c.Param("request_id")
	if requestID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "request_id is required",
		})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed",
			slog.String("request_id", requestID),
			slog.String("error", err.Error()),
		)
		return
	}
	defer conn.Close()

	sub := h.hub.Subscribe(requestID)
	defer sub.Close()

	// Read pump: we never expect client frames, but reading drives pong
	// handling and surfaces disconnects.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		conn.SetReadLimit(512)
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

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-clientGone:
			return

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case event, ok := <-sub.Events():
			if !ok {
				return
			}

			frame := statusEvent(event)
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(frame); err != nil {
				h.logger.Debug("WebSocket write failed",
					slog.String("request_id", requestID),
					slog.String("error", err.Error()),
				)
				return
			}

			// Terminal states end the stream; the client re-reads via the
			// status endpoint if it needs anything further.
			if event.Found && event.Record.Status.Terminal() {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
		}
	}
}

func statusEvent(event subscribe.Event) dto.StatusEvent {
	if !event.Found {
		return dto.StatusEvent{Type: "not_found"}
	}
	rec := statusResponse(event.Record)
	if event.Redirect {
		return dto.StatusEvent{
			Type:        "redirect",
			Record:      &rec,
			RedirectURL: "/sets/" + event.Record.SetID,
		}
	}
	return dto.StatusEvent{Type: "status", Record: &rec}
}
