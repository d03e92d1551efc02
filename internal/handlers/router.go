package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	"go.uber.org/zap"
)

type RouterConfig struct {
	Logger      *zap.Logger
	CORSOrigins string

	Auth     *AuthHandler
	Friends  *FriendHandler
	Messages *MessageHandler
	Push     *PushHandler

	// WebSocket serves /ws. It authenticates in-band, so it sits outside
	// AuthMiddleware.
	WebSocket gin.HandlerFunc
	Metrics   http.Handler

	// Nil limiters leave the auth endpoints unlimited.
	LoginLimiter    *limiter.Limiter
	RegisterLimiter *limiter.Limiter
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(RequestLogger(cfg.Logger))
	router.Use(Recovery(cfg.Logger))
	if cfg.CORSOrigins != "" {
		router.Use(CORS(cfg.CORSOrigins))
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if cfg.Metrics != nil {
		router.GET("/metrics", gin.WrapH(cfg.Metrics))
	}
	if cfg.WebSocket != nil {
		router.GET("/ws", cfg.WebSocket)
	}

	api := router.Group("/api")
	{
		api.POST("/auth/register", limited(cfg.RegisterLimiter, cfg.Auth.Register)...)
		api.POST("/auth/login", limited(cfg.LoginLimiter, cfg.Auth.Login)...)
	}

	protected := api.Group("")
	protected.Use(cfg.Auth.AuthMiddleware())
	{
		protected.GET("/friends", cfg.Friends.List)
		protected.POST("/friends", cfg.Friends.Add)
		protected.GET("/users", cfg.Friends.Users)
		protected.GET("/users/search", cfg.Friends.Search)

		protected.POST("/messages", cfg.Messages.Send)
		protected.GET("/messages/receive", cfg.Messages.Receive)
		protected.GET("/conversations", cfg.Messages.Conversations)
		protected.GET("/rooms/:room/messages", cfg.Messages.RoomHistory)

		if cfg.Push != nil {
			protected.GET("/push/vapid-public-key", cfg.Push.VAPIDPublicKey)
			protected.POST("/push/subscribe", cfg.Push.Subscribe)
		}
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"status": "error", "error": "not found"})
	})

	return router
}

func limited(l *limiter.Limiter, h gin.HandlerFunc) []gin.HandlerFunc {
	if l == nil {
		return []gin.HandlerFunc{h}
	}
	return []gin.HandlerFunc{RateLimit(l), h}
}
