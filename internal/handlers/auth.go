package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/4xmen/chatbridge/internal/auth"
	"github.com/4xmen/chatbridge/internal/models"
	"github.com/4xmen/chatbridge/internal/protocol"
)

// Keys set on the gin context by AuthMiddleware.
const (
	ctxUserID    = "user_id"
	ctxUsername  = "username"
	ctxSessionID = "session_id"
)

type AuthHandler struct {
	authSvc *auth.Service
}

func NewAuthHandler(authSvc *auth.Service) *AuthHandler {
	return &AuthHandler{authSvc: authSvc}
}

type credentialsRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h *AuthHandler) Register(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, models.ErrBadRequest)
		return
	}

	session, err := h.authSvc.Register(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, protocol.NewSessionResponse(protocol.TypeRegisterResponse, session.Token, session.SessionID, session.User))
}

func (h *AuthHandler) Login(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, models.ErrBadRequest)
		return
	}

	session, err := h.authSvc.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, protocol.NewSessionResponse(protocol.TypeLoginResponse, session.Token, session.SessionID, session.User))
}

// AuthMiddleware verifies the bearer token, or the token query parameter,
// and stores the caller identity on the context.
func (h *AuthHandler) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ""
		if header := c.GetHeader("Authorization"); header != "" {
			if rest, ok := strings.CutPrefix(header, "Bearer "); ok {
				token = strings.TrimSpace(rest)
			}
		}
		if token == "" {
			token = c.Query("token")
		}

		claims, err := h.authSvc.Verify(token)
		if err != nil {
			respondError(c, err)
			return
		}

		c.Set(ctxUserID, claims.UserID)
		c.Set(ctxUsername, claims.Username)
		c.Set(ctxSessionID, claims.SessionID)
		c.Next()
	}
}

// currentUser returns the authenticated caller. Only valid behind
// AuthMiddleware.
func currentUser(c *gin.Context) *models.User {
	return &models.User{ID: c.GetInt64(ctxUserID), Username: c.GetString(ctxUsername)}
}
