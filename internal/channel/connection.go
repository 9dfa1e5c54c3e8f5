// Package channel implements the per-channel connection state machine and
// the registry that owns every live channel. Correctness never depends on
// state-machine timing: listeners are informational, and the log's dedup
// contract is what keeps replays and races harmless.
package channel

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalith-99/commlink/internal/chatlog"
	"github.com/lalith-99/commlink/internal/history"
	"github.com/lalith-99/commlink/internal/models"
	"github.com/lalith-99/commlink/internal/ratelimit"
	"github.com/lalith-99/commlink/internal/transport"
)

const (
	defaultInitialBackoff = time.Second
	defaultMaxBackoff     = 30 * time.Second
)

// StateListener observes connection state transitions. Notifications are
// for connectivity-indicator UIs only and never gate correctness.
type StateListener func(models.ConnectionState)

// Config wires one connection. Channel, Identity, Dialer and Logger are
// required; the rest default sensibly.
type Config struct {
	Channel  models.Channel
	Identity models.Identity
	Dialer   transport.Dialer
	Limiter  *ratelimit.Limiter
	Syncer   *history.Syncer
	Logger   *zap.Logger

	// Route receives every inbound event. The registry installs its
	// router here; when unset, events are delivered straight to this
	// connection's own log (still subject to the channel-id check).
	Route func(transport.Event)

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Connection manages one logical channel's lifecycle:
//
//	Disconnected → Connecting → Connected → {Reconnecting → Connecting, Closed}
//
// Connection failures are retried internally with exponential backoff and
// surface only through state listeners. Closed is terminal; a new
// Connection must be constructed to resume.
type Connection struct {
	cfg     Config
	log     *chatlog.Log
	limiter *ratelimit.Limiter
	syncer  *history.Syncer
	logger  *zap.Logger
	route   func(transport.Event)

	ctx    context.Context
	cancel context.CancelFunc

	mu               sync.Mutex
	state            models.ConnectionState
	session          transport.Session
	started          bool
	stateListeners   []StateListener
	historyListeners []func(error)

	initialBackoff time.Duration
	maxBackoff     time.Duration
}

func New(cfg Config) *Connection {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Limiter == nil {
		cfg.Limiter = ratelimit.New(ratelimit.DefaultCooldown)
	}
	if cfg.Syncer == nil {
		cfg.Syncer = history.NewSyncer(history.DefaultWindow, cfg.Logger)
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		cfg:            cfg,
		log:            chatlog.New(),
		limiter:        cfg.Limiter,
		syncer:         cfg.Syncer,
		logger:         cfg.Logger.With(zap.String("channel_id", cfg.Channel.ID.String())),
		ctx:            ctx,
		cancel:         cancel,
		state:          models.StateDisconnected,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
	}
	if cfg.Route != nil {
		c.route = cfg.Route
	} else {
		c.route = c.Deliver
	}
	return c
}

// Channel returns the channel this connection serves.
func (c *Connection) Channel() models.Channel { return c.cfg.Channel }

// Log exposes the channel's log for consumers such as the notification
// dispatcher. Only this connection's machinery mutates it.
func (c *Connection) Log() *chatlog.Log { return c.log }

// State returns the current connection state.
func (c *Connection) State() models.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns the channel's log as an ordered copy.
func (c *Connection) Snapshot() []models.MessageRecord {
	return c.log.Snapshot()
}

// OnStateChange registers a transition listener.
func (c *Connection) OnStateChange(fn StateListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateListeners = append(c.stateListeners, fn)
}

// OnHistoryDegraded registers a listener for failed backlog fetches. The
// channel stays live; the listener tells the UI history may be incomplete.
func (c *Connection) OnHistoryDegraded(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.historyListeners = append(c.historyListeners, fn)
}

// Connect starts the connection loop. Idempotent while the connection is
// alive; returns ErrClosed once the terminal state has been reached.
func (c *Connection) Connect() error {
	c.mu.Lock()
	if c.state == models.StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	go c.run()
	return nil
}

// Close tears the connection down and transitions to Closed, from any
// state including Reconnecting. In-flight history fetches are cancelled
// and their late results discarded.
func (c *Connection) Close() {
	c.cancel()

	c.mu.Lock()
	session := c.session
	started := c.started
	c.mu.Unlock()

	if session != nil {
		session.Close()
	}
	if !started {
		c.setState(models.StateClosed)
	}
}

// Send checks the cooldown, submits the draft, and appends the confirmed
// record. Rejections (*transport.SendRejectedError) and the rate-limit
// outcome (*RateLimitedError) surface synchronously so the UI can restore
// the unsent text; nothing here retries.
func (c *Connection) Send(ctx context.Context, draft models.Draft) (models.MessageRecord, error) {
	c.mu.Lock()
	state := c.state
	session := c.session
	c.mu.Unlock()

	switch {
	case state == models.StateClosed:
		return models.MessageRecord{}, ErrClosed
	case state != models.StateConnected || session == nil:
		// The state stays Connected for the duration of a dead session's
		// teardown; a nil session means the retry loop owns the channel.
		return models.MessageRecord{}, ErrNotConnected
	}

	if allowed, retryAfter := c.limiter.CheckAndRecord(c.cfg.Identity.UserID); !allowed {
		return models.MessageRecord{}, &RateLimitedError{RetryAfter: retryAfter}
	}

	rec, err := session.Send(ctx, draft)
	if err != nil {
		return models.MessageRecord{}, err
	}

	// The ack and the live echo race; the log's dedup makes appending
	// both a no-op for whichever arrives second.
	c.log.Append(rec)
	return rec, nil
}

// Deliver appends an inbound event to this channel's log. Events tagged
// for a different channel are dropped, never cross-appended.
func (c *Connection) Deliver(ev transport.Event) {
	if ev.ChannelID != c.cfg.Channel.ID {
		c.logger.Warn("dropping event for foreign channel",
			zap.String("event_channel_id", ev.ChannelID.String()),
		)
		return
	}
	if !c.log.Append(ev.Record) {
		c.logger.Debug("duplicate ignored", zap.String("message_id", ev.Record.ID))
	}
}

func (c *Connection) run() {
	backoff := c.initialBackoff

	for {
		if c.ctx.Err() != nil {
			c.setState(models.StateClosed)
			return
		}

		c.setState(models.StateConnecting)
		session, err := c.cfg.Dialer.Dial(c.ctx, c.cfg.Channel, c.cfg.Identity)
		if err != nil {
			if c.ctx.Err() != nil {
				c.setState(models.StateClosed)
				return
			}
			c.logger.Warn("connect failed", zap.Error(err), zap.Duration("retry_in", backoff))
			if !c.waitRetry(backoff) {
				return
			}
			backoff = nextBackoff(backoff, c.maxBackoff)
			continue
		}
		backoff = c.initialBackoff

		c.mu.Lock()
		c.session = session
		c.mu.Unlock()
		c.setState(models.StateConnected)

		syncCtx, syncCancel := context.WithCancel(c.ctx)
		go func() {
			if _, err := c.syncer.Sync(syncCtx, session, c.log); err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				c.logger.Warn("history fetch failed", zap.Error(err))
				c.notifyHistoryDegraded(err)
			}
		}()

		c.consume(session)
		syncCancel()

		c.mu.Lock()
		c.session = nil
		c.mu.Unlock()
		session.Close()

		if c.ctx.Err() != nil {
			c.setState(models.StateClosed)
			return
		}
		c.logger.Warn("session ended", zap.Error(session.Err()), zap.Duration("retry_in", backoff))
		if !c.waitRetry(backoff) {
			return
		}
		backoff = nextBackoff(backoff, c.maxBackoff)
	}
}

func (c *Connection) consume(session transport.Session) {
	for {
		select {
		case ev, ok := <-session.Events():
			if !ok {
				return
			}
			c.route(ev)
		case <-c.ctx.Done():
			return
		}
	}
}

// waitRetry sleeps through the Reconnecting state. It returns false when
// the connection was closed while waiting, after moving to Closed.
func (c *Connection) waitRetry(backoff time.Duration) bool {
	c.setState(models.StateReconnecting)
	timer := time.NewTimer(backoff)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-c.ctx.Done():
		c.setState(models.StateClosed)
		return false
	}
}

func (c *Connection) setState(next models.ConnectionState) {
	c.mu.Lock()
	if c.state == next || c.state == models.StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = next
	listeners := make([]StateListener, len(c.stateListeners))
	copy(listeners, c.stateListeners)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(next)
	}
}

func (c *Connection) notifyHistoryDegraded(err error) {
	c.mu.Lock()
	listeners := make([]func(error), len(c.historyListeners))
	copy(listeners, c.historyListeners)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(err)
	}
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}
