package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/power-budget/backend/internal/session"
	"github.com/power-budget/backend/pkg/logger"
)

const pingInterval = 30 * time.Second

type WebSocketHandler struct {
	manager *session.Manager
}

func NewWebSocketHandler(manager *session.Manager) *WebSocketHandler {
	return &WebSocketHandler{
		manager: manager,
	}
}

// Upgrade admits websocket handshakes for known sessions only.
func (h *WebSocketHandler) Upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	if _, ok := h.manager.Get(c.Params("id")); !ok {
		return fiber.NewError(fiber.StatusNotFound, "Session not found")
	}
	return c.Next()
}

// HandleConnection streams session events. A full snapshot is sent on
// connect and whenever the record set or the state changes; progress
// events are forwarded as they are.
func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	id := c.Params("id")
	logger.Info("WebSocket connection established", zap.String("session_id", id))

	defer func() {
		c.Close()
		logger.Info("WebSocket connection closed", zap.String("session_id", id))
	}()

	s, ok := h.manager.Get(id)
	if !ok {
		h.sendError(c, "Session not found")
		return
	}

	events, unsubscribe := s.Subscribe()
	defer unsubscribe()

	if err := h.sendSnapshot(c, s); err != nil {
		return
	}

	// The client sends nothing; reading only detects the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case <-ticker.C:
			if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case e, ok := <-events:
			if !ok {
				h.sendError(c, "Session closed")
				return
			}
			var err error
			switch e.Type {
			case session.EventState, session.EventRecords:
				err = h.sendSnapshot(c, s)
			default:
				err = c.WriteJSON(e)
			}
			if err != nil {
				logger.Debug("Failed to write WebSocket event", zap.Error(err), zap.String("session_id", id))
				return
			}
		}
	}
}

func (h *WebSocketHandler) sendSnapshot(c *websocket.Conn, s *session.Session) error {
	msg := map[string]interface{}{
		"type":    "snapshot",
		"session": project(s.Snapshot()),
	}

	return c.WriteJSON(msg)
}

func (h *WebSocketHandler) sendError(c *websocket.Conn, errorMsg string) {
	msg := map[string]interface{}{
		"type":  "error",
		"error": errorMsg,
	}

	c.WriteJSON(msg)
}
