// Package commlink assembles the real-time messaging core of the
// dispatch terminal: the registry-owned global channel over a persistent
// websocket, conversation channels over the Redis subscription feed with
// Postgres history, the shared send cooldown, and the notification
// dispatcher. The UI layer renders snapshots; this package owns the
// connections and the logs.
package commlink

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalith-99/commlink/internal/auth"
	"github.com/lalith-99/commlink/internal/channel"
	"github.com/lalith-99/commlink/internal/config"
	"github.com/lalith-99/commlink/internal/db"
	"github.com/lalith-99/commlink/internal/history"
	"github.com/lalith-99/commlink/internal/models"
	"github.com/lalith-99/commlink/internal/notify"
	"github.com/lalith-99/commlink/internal/ratelimit"
	"github.com/lalith-99/commlink/internal/repository/postgres"
	"github.com/lalith-99/commlink/internal/transport"
)

// GlobalChannelID is the fixed id of the floating global channel.
var GlobalChannelID = uuid.MustParse("00000000-0000-0000-0000-000000000001")

// Client is one terminal's messaging stack. Construct it once per
// process after login; the global channel then lives until Close.
type Client struct {
	Registry      *channel.Registry
	Notifications *notify.Dispatcher
	Identity      models.Identity

	database *db.DB
	redis    *redis.Client
	logger   *zap.Logger
}

// New validates the identity token, connects the storage backends, and
// wires the registry. It does not open any channel yet; call OpenGlobal
// and OpenConversation as the UI mounts views.
func New(ctx context.Context, cfg *config.Config, token string, logger *zap.Logger) (*Client, error) {
	claims, err := auth.ParseToken(token, cfg.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("validate identity token: %w", err)
	}
	identity := claims.Identity(token)

	database, err := db.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		database.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	messageStore := postgres.NewMessageStore(database.Pool())
	notificationStore := postgres.NewNotificationStore(database.Pool())

	limiter := ratelimit.New(cfg.SendCooldown)
	syncer := history.NewSyncer(cfg.HistoryWindow, logger)

	registry := channel.NewRegistry(channel.RegistryConfig{
		GlobalChannel: models.Channel{
			ID:          GlobalChannelID,
			Kind:        models.KindGlobal,
			DisplayName: "Dispatch",
			MemberIDs:   []uuid.UUID{identity.UserID},
		},
		PushDialer: transport.NewWebsocketDialer(cfg.GatewayWS, logger),
		FeedDialer: transport.NewFeedDialer(redisClient, messageStore, logger),
		Limiter:    limiter,
		Syncer:     syncer,
		Logger:     logger,
	})

	dispatcher := notify.NewDispatcher(identity.UserID, notificationStore, logger)

	return &Client{
		Registry:      registry,
		Notifications: dispatcher,
		Identity:      identity,
		database:      database,
		redis:         redisClient,
		logger:        logger,
	}, nil
}

// OpenGlobal opens the process-scoped global channel and points the
// notification dispatcher at its log.
func (c *Client) OpenGlobal() (*channel.Connection, error) {
	conn, err := c.Registry.OpenGlobal(c.Identity)
	if err != nil {
		return nil, err
	}
	c.Notifications.WatchLog("Dispatch", conn.Log(), c.Identity.DisplayName)
	return conn, nil
}

// OpenConversation opens a conversation channel for viewing.
func (c *Client) OpenConversation(ch models.Channel) (*channel.Connection, error) {
	return c.Registry.OpenConversation(ch, c.Identity)
}

// CloseConversation releases a conversation when its view unmounts.
func (c *Client) CloseConversation(channelID uuid.UUID) {
	c.Registry.CloseConversation(channelID)
}

// Close tears down every connection and the storage backends.
func (c *Client) Close() {
	c.Registry.Shutdown()
	if err := c.redis.Close(); err != nil {
		c.logger.Warn("close redis", zap.Error(err))
	}
	c.database.Close()
}
