// Package gateway is the development stand-in for the external transports
// the messaging core talks to: a websocket hub for the global channel, a
// login surface that mints identity tokens, and HTTP history/notification
// endpoints. Production deployments point the core at the real services;
// this gateway exists so the whole loop runs locally.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lalith-99/commlink/internal/auth"
	"github.com/lalith-99/commlink/internal/models"
	"github.com/lalith-99/commlink/internal/ratelimit"
	"github.com/lalith-99/commlink/internal/repository"
	"github.com/lalith-99/commlink/internal/transport"
)

const (
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = 30 * time.Second
	maxFrameSize  = 64 * 1024
	authWait      = 10 * time.Second
	sendQueueSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The dispatch terminal is served from the same origin in
	// development; tighten this before exposing the gateway.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub owns every live websocket client on the global channel: broadcast,
// the server-side cooldown mirror, and history replies.
type Hub struct {
	globalID  uuid.UUID
	history   repository.MessageHistory
	limiter   *ratelimit.Limiter
	jwtSecret string
	logger    *zap.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
}

func NewHub(globalID uuid.UUID, history repository.MessageHistory, limiter *ratelimit.Limiter, jwtSecret string, logger *zap.Logger) *Hub {
	return &Hub{
		globalID:  globalID,
		history:   history,
		limiter:   limiter,
		jwtSecret: jwtSecret,
		logger:    logger,
		clients:   make(map[*client]struct{}),
	}
}

type client struct {
	hub      *Hub
	conn     *websocket.Conn
	identity models.Identity
	send     chan []byte
	done     chan struct{}
	once     sync.Once
}

// Serve upgrades the request and runs the connection until it drops. The
// first frame must be auth; everything else is rejected until the token
// has been verified.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	identity, ok := h.authenticate(conn)
	if !ok {
		conn.Close()
		return
	}

	c := &client{
		hub:      h,
		conn:     conn,
		identity: identity,
		send:     make(chan []byte, sendQueueSize),
		done:     make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("client connected",
		zap.String("user_id", identity.UserID.String()),
		zap.Int("total_clients", total),
	)

	go c.writePump()
	c.readPump()
}

func (h *Hub) authenticate(conn *websocket.Conn) (models.Identity, bool) {
	conn.SetReadLimit(maxFrameSize)
	conn.SetReadDeadline(time.Now().Add(authWait))

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return models.Identity{}, false
	}
	env, err := transport.ParseEnvelope(raw)
	if err != nil || env.Type != transport.FrameAuth {
		writeError(conn, transport.CodeInvalid, "expected auth frame")
		return models.Identity{}, false
	}
	var af transport.AuthFrame
	if err := json.Unmarshal(env.Data, &af); err != nil {
		writeError(conn, transport.CodeInvalid, "bad auth frame")
		return models.Identity{}, false
	}

	claims, err := auth.ParseToken(af.Token, h.jwtSecret)
	if err != nil {
		writeError(conn, transport.CodeUnauthorized, "invalid or expired token")
		return models.Identity{}, false
	}

	reply, err := transport.NewEnvelope(transport.FrameAuthOK, transport.AuthOKFrame{
		UserID:      claims.UserID.String(),
		DisplayName: claims.DisplayName,
		Badge:       claims.Badge,
	})
	if err != nil {
		return models.Identity{}, false
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(reply); err != nil {
		return models.Identity{}, false
	}

	return claims.Identity(af.Token), true
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
	}
	total := len(h.clients)
	h.mu.Unlock()

	if ok {
		c.once.Do(func() { close(c.done) })
		c.conn.Close()
		h.logger.Info("client disconnected",
			zap.String("user_id", c.identity.UserID.String()),
			zap.Int("total_clients", total),
		)
	}
}

// broadcast fans a confirmed record out to every connected client, the
// author included — the author's ack and the echo race, and client logs
// dedup whichever arrives second.
func (h *Hub) broadcast(rec models.MessageRecord) {
	env, err := transport.NewEnvelope(transport.FrameMessage, transport.MessageFrame{Record: rec})
	if err != nil {
		h.logger.Error("marshal broadcast", zap.Error(err))
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("marshal broadcast", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			// Slow consumer; it will catch up from history after its
			// connection recycles.
			h.logger.Warn("dropping frame for slow client",
				zap.String("user_id", c.identity.UserID.String()),
			)
		}
	}
}

func (c *client) readPump() {
	defer c.hub.drop(c)

	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read failed", zap.Error(err))
			}
			return
		}
		c.handleFrame(raw)
	}
}

func (c *client) handleFrame(raw []byte) {
	env, err := transport.ParseEnvelope(raw)
	if err != nil {
		c.reply(transport.FrameError, transport.ErrorFrame{
			Code: transport.CodeInvalid, Message: "unparseable frame",
		})
		return
	}

	switch env.Type {
	case transport.FrameSend:
		var sf transport.SendFrame
		if err := json.Unmarshal(env.Data, &sf); err != nil {
			c.reply(transport.FrameError, transport.ErrorFrame{
				Code: transport.CodeInvalid, Message: "bad send frame",
			})
			return
		}
		c.handleSend(sf)

	case transport.FrameRequestHistory:
		var rf transport.RequestHistoryFrame
		if err := json.Unmarshal(env.Data, &rf); err != nil {
			c.reply(transport.FrameError, transport.ErrorFrame{
				Code: transport.CodeInvalid, Message: "bad history request",
			})
			return
		}
		c.handleHistory(rf)

	default:
		c.hub.logger.Debug("ignoring frame", zap.String("type", string(env.Type)))
	}
}

func (c *client) handleSend(sf transport.SendFrame) {
	if sf.Body == "" {
		c.reply(transport.FrameAck, transport.AckFrame{
			ProvisionalID: sf.ProvisionalID,
			Code:          transport.CodeInvalid,
			Reason:        "empty message body",
		})
		return
	}

	// Server-side mirror of the client cooldown. Clients that skip the
	// local check get rejected here.
	if allowed, retryAfter := c.hub.limiter.CheckAndRecord(c.identity.UserID); !allowed {
		c.reply(transport.FrameAck, transport.AckFrame{
			ProvisionalID: sf.ProvisionalID,
			Code:          transport.CodeRateLimited,
			Reason:        "cooldown active, retry in " + retryAfter.Round(time.Millisecond).String(),
		})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rec, err := c.hub.history.Insert(ctx, c.hub.globalID, c.identity, models.Draft{
		Body:           sf.Body,
		AttachmentRefs: sf.AttachmentRefs,
	})
	if err != nil {
		c.hub.logger.Error("persist message", zap.Error(err))
		c.reply(transport.FrameAck, transport.AckFrame{
			ProvisionalID: sf.ProvisionalID,
			Code:          transport.CodeInternal,
			Reason:        "failed to store message",
		})
		return
	}

	c.reply(transport.FrameAck, transport.AckFrame{
		ProvisionalID: sf.ProvisionalID,
		Record:        &rec,
	})
	c.hub.broadcast(rec)
}

func (c *client) handleHistory(rf transport.RequestHistoryFrame) {
	limit := rf.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	records, err := c.hub.history.ListByChannel(ctx, c.hub.globalID, limit)
	if err != nil {
		c.hub.logger.Error("fetch history", zap.Error(err))
		c.reply(transport.FrameError, transport.ErrorFrame{
			Code: transport.CodeInternal, Message: "history unavailable",
		})
		return
	}

	c.reply(transport.FrameHistory, transport.HistoryFrame{Records: records})
}

func (c *client) reply(t transport.FrameType, payload any) {
	env, err := transport.NewEnvelope(t, payload)
	if err != nil {
		c.hub.logger.Error("marshal reply", zap.Error(err))
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		c.hub.logger.Error("marshal reply", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func writeError(conn *websocket.Conn, code, message string) {
	env, err := transport.NewEnvelope(transport.FrameError, transport.ErrorFrame{
		Code: code, Message: message,
	})
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteJSON(env)
}
