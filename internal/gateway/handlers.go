package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/lalith-99/commlink/internal/auth"
	"github.com/lalith-99/commlink/internal/repository"
)

// API serves the gateway's HTTP surface: the identity endpoints that mint
// tokens, the conversation history query interface, and the notification
// sink. The websocket hub is mounted alongside it.
type API struct {
	hub           *Hub
	operators     repository.UserDirectory
	history       repository.MessageHistory
	notifications repository.NotificationStore
	jwtSecret     string
	logger        *zap.Logger
}

func NewAPI(
	hub *Hub,
	operators repository.UserDirectory,
	history repository.MessageHistory,
	notifications repository.NotificationStore,
	jwtSecret string,
	logger *zap.Logger,
) *API {
	return &API{
		hub:           hub,
		operators:     operators,
		history:       history,
		notifications: notifications,
		jwtSecret:     jwtSecret,
		logger:        logger,
	}
}

// Register mounts all routes. Signup/login and health are public; the
// rest sit behind AuthMiddleware.
func (a *API) Register(r *gin.Engine) {
	r.GET("/v1/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.POST("/v1/auth/signup", a.Signup)
	r.POST("/v1/auth/login", a.Login)
	r.GET("/v1/ws", gin.WrapF(a.hub.Serve))

	v1 := r.Group("/v1")
	v1.Use(AuthMiddleware(a.jwtSecret))
	v1.GET("/channels/:id/messages", a.ListMessages)
	v1.GET("/notifications", a.ListNotifications)
	v1.POST("/notifications/read", a.MarkNotificationsRead)
	v1.DELETE("/notifications/:id", a.DeleteNotification)
}

type signupRequest struct {
	Callsign    string `json:"callsign" binding:"required"`
	Password    string `json:"password" binding:"required,min=8"`
	DisplayName string `json:"display_name" binding:"required"`
	Badge       string `json:"badge" binding:"required"`
}

type loginRequest struct {
	Callsign string `json:"callsign" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type authResponse struct {
	Token string `json:"token"`
}

// Signup handles POST /v1/auth/signup
func (a *API) Signup(c *gin.Context) {
	var req signupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	existing, err := a.operators.GetByCallsign(c.Request.Context(), req.Callsign)
	if err != nil {
		a.logger.Error("failed to check existing operator", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "signup failed"})
		return
	}
	if existing != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "callsign already registered"})
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		a.logger.Error("failed to hash password", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "signup failed"})
		return
	}

	op, err := a.operators.Create(c.Request.Context(), req.Callsign, req.DisplayName, req.Badge, string(hash))
	if err != nil {
		a.logger.Error("failed to create operator", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "signup failed"})
		return
	}

	token, err := auth.GenerateToken(op.ID, op.DisplayName, op.Badge, a.jwtSecret, 24*time.Hour)
	if err != nil {
		a.logger.Error("failed to generate token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "signup failed"})
		return
	}

	c.JSON(http.StatusCreated, authResponse{Token: token})
}

// Login handles POST /v1/auth/login
func (a *API) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	op, err := a.operators.GetByCallsign(c.Request.Context(), req.Callsign)
	if err != nil {
		a.logger.Error("failed to find operator", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}

	// One generic message for unknown callsign and wrong password.
	if op == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid callsign or password"})
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(req.Password)); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid callsign or password"})
		return
	}

	token, err := auth.GenerateToken(op.ID, op.DisplayName, op.Badge, a.jwtSecret, 24*time.Hour)
	if err != nil {
		a.logger.Error("failed to generate token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}

	c.JSON(http.StatusOK, authResponse{Token: token})
}

// ListMessages handles GET /v1/channels/:id/messages?limit=50 — the
// query interface behind conversation-channel history fetches.
func (a *API) ListMessages(c *gin.Context) {
	channelID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid channel ID"})
		return
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		limit, err = strconv.Atoi(l)
		if err != nil || limit < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'limit' parameter"})
			return
		}
		if limit > 200 {
			limit = 200
		}
	}

	records, err := a.history.ListByChannel(c.Request.Context(), channelID, limit)
	if err != nil {
		a.logger.Error("failed to list messages", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages"})
		return
	}

	c.JSON(http.StatusOK, records)
}

// ListNotifications handles GET /v1/notifications
func (a *API) ListNotifications(c *gin.Context) {
	notifications, err := a.notifications.ListByUser(c.Request.Context(), getUserID(c))
	if err != nil {
		a.logger.Error("failed to list notifications", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list notifications"})
		return
	}
	c.JSON(http.StatusOK, notifications)
}

// MarkNotificationsRead handles POST /v1/notifications/read
func (a *API) MarkNotificationsRead(c *gin.Context) {
	if err := a.notifications.MarkAllRead(c.Request.Context(), getUserID(c)); err != nil {
		a.logger.Error("failed to mark notifications read", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to mark notifications read"})
		return
	}
	c.Status(http.StatusNoContent)
}

// DeleteNotification handles DELETE /v1/notifications/:id
func (a *API) DeleteNotification(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid notification ID"})
		return
	}
	if err := a.notifications.Delete(c.Request.Context(), id); err != nil {
		a.logger.Error("failed to delete notification", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete notification"})
		return
	}
	c.Status(http.StatusNoContent)
}
