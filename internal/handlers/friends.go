package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/4xmen/chatbridge/internal/friends"
	"github.com/4xmen/chatbridge/internal/models"
	"github.com/4xmen/chatbridge/internal/protocol"
	"github.com/4xmen/chatbridge/internal/users"
)

// FriendsBroadcaster pushes fresh friend lists to the live connections of
// the given users.
type FriendsBroadcaster interface {
	BroadcastFriends(ctx context.Context, userIDs ...int64)
}

type FriendHandler struct {
	graph       *friends.Graph
	users       *users.Store
	broadcaster FriendsBroadcaster
}

func NewFriendHandler(graph *friends.Graph, store *users.Store, broadcaster FriendsBroadcaster) *FriendHandler {
	return &FriendHandler{graph: graph, users: store, broadcaster: broadcaster}
}

func (h *FriendHandler) List(c *gin.Context) {
	list, err := h.graph.List(c.Request.Context(), currentUser(c).ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, protocol.NewFriendsList(list))
}

type addFriendRequest struct {
	Username string `json:"username" binding:"required"`
}

func (h *FriendHandler) Add(c *gin.Context) {
	var req addFriendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, models.ErrBadRequest)
		return
	}

	me := currentUser(c)
	friend, err := h.graph.Add(c.Request.Context(), me.ID, req.Username)
	if err != nil {
		respondError(c, err)
		return
	}

	if h.broadcaster != nil {
		h.broadcaster.BroadcastFriends(c.Request.Context(), me.ID, friend.ID)
	}
	c.JSON(http.StatusCreated, protocol.NewAddFriendResponse(friend))
}

// Search looks up one user by exact username.
func (h *FriendHandler) Search(c *gin.Context) {
	username := c.Query("username")
	if username == "" {
		respondError(c, models.ErrBadRequest)
		return
	}

	user, err := h.graph.Search(c.Request.Context(), username)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, protocol.NewSearchUserResponse(user))
}

// Users lists accounts whose username starts with the prefix parameter.
func (h *FriendHandler) Users(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	found, err := h.users.Search(c.Request.Context(), c.Query("prefix"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": protocol.StatusSuccess, "users": found, "count": len(found)})
}
