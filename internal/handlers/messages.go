package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/4xmen/chatbridge/internal/conversations"
	"github.com/4xmen/chatbridge/internal/delivery"
	"github.com/4xmen/chatbridge/internal/models"
	"github.com/4xmen/chatbridge/internal/protocol"
	"github.com/4xmen/chatbridge/internal/rooms"
	"github.com/4xmen/chatbridge/internal/store"
)

type MessageHandler struct {
	engine        *delivery.Engine
	assembler     *conversations.Assembler
	messages      *store.MessageStore
	pollTimeout   time.Duration
	maxUploadSize int64
}

func NewMessageHandler(engine *delivery.Engine, assembler *conversations.Assembler, messages *store.MessageStore, pollTimeout time.Duration, maxUploadSize int64) *MessageHandler {
	if pollTimeout <= 0 {
		pollTimeout = 30 * time.Second
	}
	return &MessageHandler{
		engine:        engine,
		assembler:     assembler,
		messages:      messages,
		pollTimeout:   pollTimeout,
		maxUploadSize: maxUploadSize,
	}
}

// Send is the HTTP fallback for chat_message.
func (h *MessageHandler) Send(c *gin.Context) {
	if h.maxUploadSize > 0 {
		// base64 inflates by 4/3; leave room for the JSON around it
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadSize/3*4+64<<10)
	}

	var out models.OutgoingMessage
	if err := c.ShouldBindJSON(&out); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			respondError(c, models.ErrPayloadTooLarge)
			return
		}
		respondError(c, models.ErrBadRequest)
		return
	}

	msg, err := h.engine.Send(c.Request.Context(), currentUser(c), out, nil)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, protocol.NewSentConfirmation(protocol.TypeMessageSent, msg))
}

// Receive drains the caller's pending queue. With wait=true it parks for
// up to the long-poll timeout when nothing is pending.
func (h *MessageHandler) Receive(c *gin.Context) {
	since, err := parseSince(c.Query("since"))
	if err != nil {
		respondError(c, models.ErrBadRequest)
		return
	}
	wait, _ := strconv.ParseBool(c.DefaultQuery("wait", "false"))

	userID := currentUser(c).ID
	var msgs []models.Message
	if wait {
		msgs = h.engine.Wait(c.Request.Context(), userID, since, h.pollTimeout)
	} else {
		msgs = h.engine.Pull(c.Request.Context(), userID, since)
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   protocol.StatusSuccess,
		"messages": msgs,
		"count":    len(msgs),
	})
}

func (h *MessageHandler) Conversations(c *gin.Context) {
	threads, err := h.assembler.Assemble(c.Request.Context(), currentUser(c).ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, protocol.NewPreviousConversations(threads))
}

// RoomHistory returns a room's messages to one of its two members.
func (h *MessageHandler) RoomHistory(c *gin.Context) {
	roomID := c.Param("room")
	if !rooms.IsMember(roomID, currentUser(c).ID) {
		respondError(c, models.ErrNotFound)
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "0"))
	if err != nil || limit < 0 {
		respondError(c, models.ErrBadRequest)
		return
	}

	msgs, err := h.messages.History(c.Request.Context(), roomID, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   protocol.StatusSuccess,
		"room_id":  roomID,
		"messages": msgs,
		"count":    len(msgs),
	})
}

// parseSince accepts RFC 3339 or unix milliseconds. Empty means the zero
// time.
func parseSince(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Parse(time.RFC3339Nano, raw)
}
