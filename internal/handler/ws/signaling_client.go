package ws

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"consultlink-backend/internal/domain"
	"consultlink-backend/pkg/constants"
	appErrors "consultlink-backend/pkg/errors"
	"consultlink-backend/pkg/logger"
)

// SignalingClient is one participant's socket
type SignalingClient struct {
	hub       *SignalingHub
	conn      *websocket.Conn
	send      chan []byte
	sessionID uuid.UUID
	role      domain.Role
	userID    *uuid.UUID
	release   func()

	// owned by the hub loop
	participant domain.SignalingParticipant
	joined      bool
	closed      bool
}

// readPump decodes frames and hands them to the hub loop
func (c *SignalingClient) readPump() {
	h := c.hub
	defer func() {
		c.submit(&clientEvent{kind: eventLeave, client: c, disconnect: true})
		c.conn.Close()
		h.untrack(c)
		c.release()
	}()

	pongWait := h.pingInterval
	c.conn.SetReadLimit(constants.WebSocketMaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("Signaling connection closed",
					zap.String("session_id", c.sessionID.String()),
					zap.String("role", string(c.role)),
					zap.Error(err))
			}
			return
		}

		var msg domain.SignalMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.metrics.RecordWebSocketError("invalid_json")
			c.reply(errorMessage(c.sessionID, appErrors.ValidationError("Invalid message format")))
			continue
		}
		h.metrics.RecordWebSocketMessage(string(msg.Type), "in")

		switch {
		case msg.Type == domain.SignalJoin:
			c.submit(&clientEvent{kind: eventJoin, client: c, msg: &msg})
		case msg.Type == domain.SignalLeave:
			c.submit(&clientEvent{kind: eventLeave, client: c})
		case msg.Type.IsRelay():
			c.submit(&clientEvent{kind: eventRelay, client: c, msg: &msg})
		default:
			c.reply(errorMessage(c.sessionID, appErrors.ValidationError("Unsupported message type")))
		}
	}
}

func (c *SignalingClient) submit(ev *clientEvent) {
	select {
	case c.hub.events <- ev:
	case <-c.hub.ctx.Done():
	}
}

func (c *SignalingClient) reply(msg *domain.SignalMessage) {
	c.submit(&clientEvent{kind: eventReply, client: c, msg: msg})
}

// writePump is the socket's only writer
func (c *SignalingClient) writePump() {
	h := c.hub
	ticker := time.NewTicker(h.pingInterval * 9 / 10)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-h.ctx.Done():
			return
		}
	}
}
