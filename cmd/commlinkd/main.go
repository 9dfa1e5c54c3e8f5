package main

import (
	"context"
	"fmt"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalith-99/commlink/internal/config"
	"github.com/lalith-99/commlink/internal/db"
	"github.com/lalith-99/commlink/internal/gateway"
	"github.com/lalith-99/commlink/internal/observ"
	"github.com/lalith-99/commlink/internal/ratelimit"
	"github.com/lalith-99/commlink/internal/repository/postgres"
)

// globalChannelID is the fixed id of the floating global channel. Every
// deployment shares one; conversation channels get their own uuids from
// the conversation CRUD layer.
var globalChannelID = uuid.MustParse("00000000-0000-0000-0000-000000000001")

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	database, err := db.New(context.Background(), cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer database.Close()

	pool := database.Pool()
	messageStore := postgres.NewMessageStore(pool)
	operatorStore := postgres.NewOperatorStore(pool)
	notificationStore := postgres.NewNotificationStore(pool)

	// Server-side mirror of the client send cooldown.
	limiter := ratelimit.New(cfg.SendCooldown)

	hub := gateway.NewHub(globalChannelID, messageStore, limiter, cfg.JWTSecret, logger)
	api := gateway.NewAPI(hub, operatorStore, messageStore, notificationStore, cfg.JWTSecret, logger)

	srv := gin.New()
	srv.Use(gin.Logger(), gin.Recovery())
	api.Register(srv)

	logger.Info("starting commlinkd",
		zap.String("port", cfg.Port),
		zap.String("env", cfg.Env),
		zap.String("global_channel_id", globalChannelID.String()),
	)

	return srv.Run(":" + cfg.Port)
}
