package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"chatrelay/internal/logging"
	"chatrelay/internal/model"
	"chatrelay/internal/registry"
	"chatrelay/internal/relay"
)

// createUpgrader creates a WebSocket upgrader with the given allowed origins
func createUpgrader(allowedOrigins []string, anyOrigin bool) websocket.Upgrader {
	allowedMap := make(map[string]bool)
	for _, origin := range allowedOrigins {
		allowedMap[origin] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if anyOrigin {
				return true
			}
			return allowedMap[r.Header.Get("Origin")]
		},
	}
}

// HandleWebSocket handles GET /ws
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	log := logging.Ctx(r.Context(), h.Log)

	upgrader := createUpgrader(h.Config.AllowedOrigins, h.Config.AllowsAnyOrigin())
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c, err := h.Relay.Attach(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("history replay failed, closing connection")
		deadline := time.Now().Add(h.Config.WriteWait)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "history unavailable"), deadline)
		conn.Close()
		return
	}

	ctx := logging.Annotate(logging.WithLogger(r.Context(), log), logging.FieldConnID, c.ID)

	go h.writePump(conn, c)
	h.readPump(ctx, conn, c)
}

// readPump reads inbound frames until the peer goes away.
func (h *Handler) readPump(ctx context.Context, conn *websocket.Conn, c *registry.Connection) {
	log := logging.Ctx(ctx, h.Log)
	defer func() {
		h.Relay.Detach(c)
		conn.Close()
	}()

	conn.SetReadLimit(h.Config.MaxFrameBytes)
	conn.SetReadDeadline(time.Now().Add(h.Config.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.Config.PongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Msg("websocket read error")
			}
			return
		}
		h.handleFrame(ctx, c, data)
	}
}

func (h *Handler) handleFrame(ctx context.Context, c *registry.Connection, data []byte) {
	log := logging.Ctx(ctx, h.Log)

	var in model.InboundEvent
	if err := json.Unmarshal(data, &in); err != nil {
		log.Debug().Err(err).Msg("ignoring malformed frame")
		return
	}
	if in.Event != model.EventSendMessage {
		log.Debug().Str("event", in.Event).Msg("ignoring unknown event")
		return
	}

	var draft model.Draft
	if err := json.Unmarshal(in.Data, &draft); err != nil {
		log.Debug().Err(err).Msg("ignoring malformed sendMessage")
		return
	}

	// 永続化は非同期。失敗はリレー側でログに残る
	if err := h.Relay.Enqueue(ctx, c.ID, draft.Sender, draft.Content); err != nil {
		switch {
		case model.IsValidationError(err):
			log.Debug().Err(err).Msg("ignoring invalid sendMessage")
		case errors.Is(err, relay.ErrClosed):
			log.Warn().Msg("relay closed, dropping sendMessage")
		default:
			log.Warn().Err(err).Msg("failed to queue sendMessage")
		}
	}
}

// writePump drains the Connection's queue onto the socket and keeps the
// peer alive with pings. Any write failure detaches the Connection.
func (h *Handler) writePump(conn *websocket.Conn, c *registry.Connection) {
	ticker := time.NewTicker(h.Config.PingInterval)
	defer func() {
		ticker.Stop()
		h.Relay.Detach(c)
		conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.Send():
			conn.SetWriteDeadline(time.Now().Add(h.Config.WriteWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(h.Config.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
