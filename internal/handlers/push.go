package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/4xmen/chatbridge/internal/models"
	"github.com/4xmen/chatbridge/internal/protocol"
	"github.com/4xmen/chatbridge/internal/push"
)

type PushHandler struct {
	notifier *push.Notifier
}

func NewPushHandler(notifier *push.Notifier) *PushHandler {
	return &PushHandler{notifier: notifier}
}

// VAPIDPublicKey answers 404 when push notifications are disabled.
func (h *PushHandler) VAPIDPublicKey(c *gin.Context) {
	key := h.notifier.VAPIDPublicKey()
	if key == "" {
		respondError(c, models.ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"public_key": key})
}

func (h *PushHandler) Subscribe(c *gin.Context) {
	var sub push.Subscription
	if err := c.ShouldBindJSON(&sub); err != nil {
		respondError(c, models.ErrBadRequest)
		return
	}

	if err := h.notifier.Subscribe(c.Request.Context(), currentUser(c).ID, sub); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": protocol.StatusSuccess})
}
