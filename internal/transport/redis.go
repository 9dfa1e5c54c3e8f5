package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalith-99/commlink/internal/models"
	"github.com/lalith-99/commlink/internal/repository"
)

// feedChannel is the Redis pub/sub topic for one conversation channel.
func feedChannel(channelID uuid.UUID) string {
	return "chan:" + channelID.String()
}

// PublishRecord fans a confirmed record out on the conversation feed.
// Both the feed session (after a local insert) and the gateway use this,
// so the wire format has a single writer-side definition.
func PublishRecord(ctx context.Context, client *redis.Client, rec models.MessageRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := client.Publish(ctx, feedChannel(rec.ChannelID), payload).Err(); err != nil {
		return fmt.Errorf("publish record: %w", err)
	}
	return nil
}

// FeedDialer opens conversation-channel sessions: a Redis subscription
// filtered on the channel id for live inserts, with the Postgres history
// store serving sends and backlog queries. This is the second delivery
// path; it meets the websocket path at the shared Session interface.
type FeedDialer struct {
	client  *redis.Client
	history repository.MessageHistory
	logger  *zap.Logger
}

func NewFeedDialer(client *redis.Client, history repository.MessageHistory, logger *zap.Logger) *FeedDialer {
	return &FeedDialer{client: client, history: history, logger: logger}
}

func (d *FeedDialer) Dial(ctx context.Context, ch models.Channel, identity models.Identity) (Session, error) {
	sub := d.client.Subscribe(ctx, feedChannel(ch.ID))

	// Receive forces the SUBSCRIBE handshake so a dead broker fails the
	// dial instead of the first read.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", feedChannel(ch.ID), err)
	}

	s := &feedSession{
		channel:  ch,
		identity: identity,
		client:   d.client,
		history:  d.history,
		sub:      sub,
		logger:   d.logger,
		events:   make(chan Event, 256),
		done:     make(chan struct{}),
	}
	go s.receive()
	return s, nil
}

type feedSession struct {
	channel  models.Channel
	identity models.Identity
	client   *redis.Client
	history  repository.MessageHistory
	sub      *redis.PubSub
	logger   *zap.Logger

	events chan Event
	done   chan struct{}

	mu     sync.Mutex
	err    error
	closed bool
}

func (s *feedSession) Events() <-chan Event  { return s.events }
func (s *feedSession) Done() <-chan struct{} { return s.done }

func (s *feedSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *feedSession) Close() error {
	s.terminate(nil)
	return nil
}

func (s *feedSession) terminate(cause error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = cause
	s.mu.Unlock()

	close(s.done)
	s.sub.Close()
}

// Send persists through the history store — the insert is what confirms
// the record — then publishes it on the feed for the other members.
func (s *feedSession) Send(ctx context.Context, draft models.Draft) (models.MessageRecord, error) {
	select {
	case <-s.done:
		return models.MessageRecord{}, ErrSessionClosed
	default:
	}

	rec, err := s.history.Insert(ctx, s.channel.ID, s.identity, draft)
	if err != nil {
		return models.MessageRecord{}, &SendRejectedError{Code: CodeInternal, Reason: err.Error()}
	}

	if err := PublishRecord(ctx, s.client, rec); err != nil {
		// The record is durably stored; members catch up on their next
		// history fetch even if the live fanout failed.
		s.logger.Warn("feed publish failed",
			zap.String("channel_id", s.channel.ID.String()),
			zap.Error(err),
		)
	}

	// Our own subscription echoes the publish back; the caller appends the
	// returned record directly, and the log's dedup drops the echo.
	return rec, nil
}

func (s *feedSession) Backlog(ctx context.Context, limit int) ([]models.MessageRecord, error) {
	if limit <= 0 {
		limit = defaultBacklog
	}
	records, err := s.history.ListByChannel(ctx, s.channel.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHistoryUnavailable, err)
	}
	return records, nil
}

func (s *feedSession) receive() {
	defer close(s.events)

	ch := s.sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				s.terminate(errors.New("subscription closed"))
				return
			}
			var rec models.MessageRecord
			if err := json.Unmarshal([]byte(msg.Payload), &rec); err != nil {
				s.logger.Warn("bad feed payload",
					zap.String("channel", msg.Channel),
					zap.Error(err),
				)
				continue
			}
			select {
			case s.events <- Event{ChannelID: rec.ChannelID, Record: rec}:
			case <-s.done:
				return
			}
		case <-s.done:
			return
		}
	}
}
