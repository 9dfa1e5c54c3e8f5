package channel

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalith-99/commlink/internal/history"
	"github.com/lalith-99/commlink/internal/models"
	"github.com/lalith-99/commlink/internal/ratelimit"
	"github.com/lalith-99/commlink/internal/transport"
)

// RegistryConfig wires the registry. PushDialer is the global channel's
// persistent transport; FeedDialer serves conversation channels. The
// limiter is shared: the cooldown tracks the user, not the channel.
type RegistryConfig struct {
	GlobalChannel models.Channel
	PushDialer    transport.Dialer
	FeedDialer    transport.Dialer
	Limiter       *ratelimit.Limiter
	Syncer        *history.Syncer
	Logger        *zap.Logger

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Registry exclusively owns the set of live channels: the one global
// channel plus one connection per open conversation. It is the only
// component allowed to map a channel id to a connection, which is what
// keeps one conversation's events out of another conversation's log.
type Registry struct {
	cfg    RegistryConfig
	logger *zap.Logger

	mu            sync.Mutex
	global        *Connection
	conversations map[uuid.UUID]*Connection
	closed        bool
}

func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Limiter == nil {
		cfg.Limiter = ratelimit.New(ratelimit.DefaultCooldown)
	}
	return &Registry{
		cfg:           cfg,
		logger:        cfg.Logger,
		conversations: make(map[uuid.UUID]*Connection),
	}
}

// OpenGlobal opens the process-scoped global channel. Idempotent:
// repeated calls return the same connection. The global channel lives
// for the process lifetime and is never force-closed by a single view.
func (r *Registry) OpenGlobal(identity models.Identity) (*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	if r.global != nil {
		return r.global, nil
	}

	conn := New(Config{
		Channel:        r.cfg.GlobalChannel,
		Identity:       identity,
		Dialer:         r.cfg.PushDialer,
		Limiter:        r.cfg.Limiter,
		Syncer:         r.cfg.Syncer,
		Logger:         r.logger,
		Route:          r.Route,
		InitialBackoff: r.cfg.InitialBackoff,
		MaxBackoff:     r.cfg.MaxBackoff,
	})
	if err := conn.Connect(); err != nil {
		return nil, fmt.Errorf("open global channel: %w", err)
	}
	r.global = conn
	return conn, nil
}

// OpenConversation opens (or returns) the connection for one conversation
// channel. Callers must CloseConversation when no longer viewing it.
func (r *Registry) OpenConversation(ch models.Channel, identity models.Identity) (*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	// The global id always resolves to the push connection; a feed-dialed
	// duplicate would never receive events because Route prefers the
	// global connection.
	if ch.ID == r.cfg.GlobalChannel.ID {
		if r.global != nil {
			return r.global, nil
		}
		return nil, fmt.Errorf("channel %s is the global channel, open it with OpenGlobal", ch.ID)
	}
	if conn, ok := r.conversations[ch.ID]; ok {
		return conn, nil
	}

	conn := New(Config{
		Channel:        ch,
		Identity:       identity,
		Dialer:         r.cfg.FeedDialer,
		Limiter:        r.cfg.Limiter,
		Syncer:         r.cfg.Syncer,
		Logger:         r.logger,
		Route:          r.Route,
		InitialBackoff: r.cfg.InitialBackoff,
		MaxBackoff:     r.cfg.MaxBackoff,
	})
	if err := conn.Connect(); err != nil {
		return nil, fmt.Errorf("open conversation %s: %w", ch.ID, err)
	}
	r.conversations[ch.ID] = conn
	return conn, nil
}

// CloseConversation transitions a conversation's connection to Closed and
// releases its log. Closing the global channel this way is refused.
func (r *Registry) CloseConversation(channelID uuid.UUID) {
	r.mu.Lock()
	if r.global != nil && channelID == r.global.Channel().ID {
		r.mu.Unlock()
		r.logger.Warn("refusing to close the global channel",
			zap.String("channel_id", channelID.String()),
		)
		return
	}
	conn, ok := r.conversations[channelID]
	if ok {
		delete(r.conversations, channelID)
	}
	r.mu.Unlock()

	if ok {
		conn.Close()
	}
}

// Route delivers an inbound event to the connection owning its channel
// id. Events for channels this registry does not own are dropped.
func (r *Registry) Route(ev transport.Event) {
	r.mu.Lock()
	var conn *Connection
	if r.global != nil && ev.ChannelID == r.global.Channel().ID {
		conn = r.global
	} else {
		conn = r.conversations[ev.ChannelID]
	}
	r.mu.Unlock()

	if conn == nil {
		r.logger.Debug("dropping event for unknown channel",
			zap.String("channel_id", ev.ChannelID.String()),
		)
		return
	}
	conn.Deliver(ev)
}

// Global returns the global connection, or nil before OpenGlobal.
func (r *Registry) Global() *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.global
}

// Conversation returns the live connection for a conversation, or nil.
func (r *Registry) Conversation(channelID uuid.UUID) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conversations[channelID]
}

// Shutdown closes every connection, the global one included. Process
// teardown only.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	r.closed = true
	conns := make([]*Connection, 0, len(r.conversations)+1)
	if r.global != nil {
		conns = append(conns, r.global)
		r.global = nil
	}
	for id, conn := range r.conversations {
		conns = append(conns, conn)
		delete(r.conversations, id)
	}
	r.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
}
