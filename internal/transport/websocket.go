package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lalith-99/commlink/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxFrameSize   = 64 * 1024
	authReplyWait  = 10 * time.Second
	defaultBacklog = 100
)

// WebsocketDialer opens push sessions against the gateway's websocket
// endpoint. This is the global channel's transport.
type WebsocketDialer struct {
	url    string
	dialer *websocket.Dialer
	logger *zap.Logger
}

func NewWebsocketDialer(url string, logger *zap.Logger) *WebsocketDialer {
	return &WebsocketDialer{
		url:    url,
		dialer: websocket.DefaultDialer,
		logger: logger,
	}
}

// Dial connects, authenticates with the identity token, and hands back a
// live session. Any failure here (including a stale token) is an ordinary
// connection error; the retry loop upstream decides what to do with it.
func (d *WebsocketDialer) Dial(ctx context.Context, ch models.Channel, identity models.Identity) (Session, error) {
	conn, _, err := d.dialer.DialContext(ctx, d.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.url, err)
	}

	env, err := NewEnvelope(FrameAuth, AuthFrame{Token: identity.Token})
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(env); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send auth: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(authReplyWait))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("await auth reply: %w", err)
	}
	reply, err := ParseEnvelope(raw)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("parse auth reply: %w", err)
	}
	if reply.Type != FrameAuthOK {
		var ef ErrorFrame
		_ = json.Unmarshal(reply.Data, &ef)
		conn.Close()
		return nil, fmt.Errorf("authenticate: %s: %s", ef.Code, ef.Message)
	}

	s := &wsSession{
		channel: ch,
		conn:    conn,
		logger:  d.logger,
		send:    make(chan []byte, 64),
		events:  make(chan Event, 256),
		done:    make(chan struct{}),
		pending: make(map[string]chan AckFrame),
	}
	go s.readPump()
	go s.writePump()
	return s, nil
}

type wsSession struct {
	channel models.Channel
	conn    *websocket.Conn
	logger  *zap.Logger

	send   chan []byte
	events chan Event
	done   chan struct{}

	mu      sync.Mutex
	err     error
	closed  bool
	pending map[string]chan AckFrame
	history chan []models.MessageRecord
}

func (s *wsSession) Events() <-chan Event  { return s.events }
func (s *wsSession) Done() <-chan struct{} { return s.done }

func (s *wsSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *wsSession) Close() error {
	s.terminate(nil)
	return nil
}

// terminate ends the session exactly once. A nil cause is a local close;
// anything else is reported through Err.
func (s *wsSession) terminate(cause error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = cause
	s.mu.Unlock()

	close(s.done)
	s.conn.Close()
}

// Send writes one draft and blocks until the correlated ack arrives. The
// attempt is ephemeral: it is dropped on return and never enters a log.
func (s *wsSession) Send(ctx context.Context, draft models.Draft) (models.MessageRecord, error) {
	attempt := models.SendAttempt{
		ProvisionalID: uuid.New(),
		Body:          draft.Body,
		RequestedAt:   time.Now(),
	}
	provisional := attempt.ProvisionalID.String()
	env, err := NewEnvelope(FrameSend, SendFrame{
		ProvisionalID:  provisional,
		Body:           attempt.Body,
		AttachmentRefs: draft.AttachmentRefs,
	})
	if err != nil {
		return models.MessageRecord{}, err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return models.MessageRecord{}, err
	}

	ackCh := make(chan AckFrame, 1)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return models.MessageRecord{}, ErrSessionClosed
	}
	s.pending[provisional] = ackCh
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, provisional)
		s.mu.Unlock()
	}()

	select {
	case s.send <- data:
	case <-ctx.Done():
		return models.MessageRecord{}, ctx.Err()
	case <-s.done:
		return models.MessageRecord{}, ErrSessionClosed
	}

	select {
	case ack := <-ackCh:
		if ack.Record != nil {
			return *ack.Record, nil
		}
		return models.MessageRecord{}, &SendRejectedError{Code: ack.Code, Reason: ack.Reason}
	case <-ctx.Done():
		return models.MessageRecord{}, ctx.Err()
	case <-s.done:
		return models.MessageRecord{}, ErrSessionClosed
	}
}

// Backlog requests a bounded history window over the same connection.
// One outstanding request at a time; the connection retry loop is the
// only caller so that is not a practical limit.
func (s *wsSession) Backlog(ctx context.Context, limit int) ([]models.MessageRecord, error) {
	if limit <= 0 {
		limit = defaultBacklog
	}
	env, err := NewEnvelope(FrameRequestHistory, RequestHistoryFrame{Limit: limit})
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}

	resCh := make(chan []models.MessageRecord, 1)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: session closed", ErrHistoryUnavailable)
	}
	s.history = resCh
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.history = nil
		s.mu.Unlock()
	}()

	select {
	case s.send <- data:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, fmt.Errorf("%w: session closed", ErrHistoryUnavailable)
	}

	select {
	case records := <-resCh:
		return records, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, fmt.Errorf("%w: session closed", ErrHistoryUnavailable)
	}
}

func (s *wsSession) readPump() {
	defer close(s.events)

	s.conn.SetReadLimit(maxFrameSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("websocket read failed", zap.Error(err))
			}
			s.terminate(err)
			return
		}
		s.handleFrame(raw)
	}
}

func (s *wsSession) handleFrame(raw []byte) {
	env, err := ParseEnvelope(raw)
	if err != nil {
		s.logger.Warn("unparseable frame", zap.Error(err))
		return
	}

	switch env.Type {
	case FrameMessage:
		var mf MessageFrame
		if err := json.Unmarshal(env.Data, &mf); err != nil {
			s.logger.Warn("bad chat_message frame", zap.Error(err))
			return
		}
		select {
		case s.events <- Event{ChannelID: mf.Record.ChannelID, Record: mf.Record}:
		case <-s.done:
		}

	case FrameAck:
		var ack AckFrame
		if err := json.Unmarshal(env.Data, &ack); err != nil {
			s.logger.Warn("bad ack frame", zap.Error(err))
			return
		}
		s.mu.Lock()
		ch := s.pending[ack.ProvisionalID]
		s.mu.Unlock()
		if ch != nil {
			ch <- ack
		}

	case FrameHistory:
		var hf HistoryFrame
		if err := json.Unmarshal(env.Data, &hf); err != nil {
			s.logger.Warn("bad history frame", zap.Error(err))
			return
		}
		s.mu.Lock()
		ch := s.history
		s.mu.Unlock()
		if ch != nil {
			select {
			case ch <- hf.Records:
			default:
			}
		}

	case FrameError:
		var ef ErrorFrame
		_ = json.Unmarshal(env.Data, &ef)
		s.logger.Warn("server error frame",
			zap.String("code", ef.Code),
			zap.String("message", ef.Message),
		)
		if ef.Code == CodeUnauthorized {
			s.terminate(fmt.Errorf("server error: %s", ef.Code))
		}

	default:
		s.logger.Debug("ignoring frame", zap.String("type", string(env.Type)))
	}
}

func (s *wsSession) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case data := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.terminate(err)
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.terminate(err)
				return
			}
		case <-s.done:
			return
		}
	}
}
