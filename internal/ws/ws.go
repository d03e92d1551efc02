// Package ws serves the WebSocket side of the protocol: an in-band
// authentication handshake followed by request/response frames and server
// pushes.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/ulule/limiter/v3"
	"go.uber.org/zap"

	"github.com/4xmen/chatbridge/internal/auth"
	"github.com/4xmen/chatbridge/internal/conversations"
	"github.com/4xmen/chatbridge/internal/delivery"
	"github.com/4xmen/chatbridge/internal/friends"
	"github.com/4xmen/chatbridge/internal/metrics"
	"github.com/4xmen/chatbridge/internal/models"
	"github.com/4xmen/chatbridge/internal/protocol"
	"github.com/4xmen/chatbridge/internal/registry"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 256

	// frames beyond hardLimitFactor times the frame limit close the
	// connection instead of being drained
	hardLimitFactor = 8

	// FriendsSession marks connections that want their friend list pushed
	// right after authentication.
	FriendsSession = "friends"
)

var (
	errClosed     = errors.New("connection closed")
	errBufferFull = errors.New("send buffer full")
)

type Options struct {
	AuthTimeout    time.Duration
	MaxUploadSize  int64
	AllowedOrigins string

	// Limiters shared with the HTTP auth endpoints, keyed by client IP.
	// Nil leaves the handshake unlimited.
	LoginLimiter    *limiter.Limiter
	RegisterLimiter *limiter.Limiter
}

type Server struct {
	authSvc   *auth.Service
	registry  *registry.Registry
	engine    *delivery.Engine
	graph     *friends.Graph
	assembler *conversations.Assembler
	logger    *zap.Logger
	metrics   *metrics.Metrics
	opts      Options
	upgrader  websocket.Upgrader

	mu      sync.Mutex
	clients map[*Client]struct{}
}

func NewServer(authSvc *auth.Service, reg *registry.Registry, engine *delivery.Engine, graph *friends.Graph,
	assembler *conversations.Assembler, logger *zap.Logger, m *metrics.Metrics, opts Options) *Server {
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = 10 * time.Second
	}
	if opts.MaxUploadSize <= 0 {
		opts.MaxUploadSize = 10 << 20
	}

	s := &Server{
		authSvc:   authSvc,
		registry:  reg,
		engine:    engine,
		graph:     graph,
		assembler: assembler,
		logger:    logger,
		metrics:   m,
		opts:      opts,
		clients:   make(map[*Client]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if s.opts.AllowedOrigins == "" || s.opts.AllowedOrigins == "*" {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range strings.Split(s.opts.AllowedOrigins, ",") {
		if strings.EqualFold(strings.TrimSpace(allowed), origin) {
			return true
		}
	}
	return false
}

// frameLimit fits the largest allowed attachment after base64 encoding plus
// the JSON around it.
func (s *Server) frameLimit() int64 {
	return (s.opts.MaxUploadSize+2)/3*4 + 64<<10
}

// Handle upgrades the request and serves the connection until it closes.
func (s *Server) Handle(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	client := newClient(s, conn, c.ClientIP())
	s.track(client, true)
	defer s.track(client, false)

	go client.writePump()
	client.readPump()
}

func (s *Server) track(c *Client, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.clients[c] = struct{}{}
	} else {
		delete(s.clients, c)
	}
}

// Close drops every open connection, authenticated or not.
func (s *Server) Close() {
	s.mu.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
}

// BroadcastFriends pushes a fresh friends_list_response to every live
// connection of each user.
func (s *Server) BroadcastFriends(ctx context.Context, userIDs ...int64) {
	for _, id := range userIDs {
		conns := s.registry.ConnectionsFor(id)
		if len(conns) == 0 {
			continue
		}
		list, err := s.graph.List(ctx, id)
		if err != nil {
			s.logger.Warn("failed to load friends for broadcast", zap.Int64("user_id", id), zap.Error(err))
			continue
		}
		frame := protocol.NewFriendsList(list)
		for _, conn := range conns {
			if err := conn.Push(frame); err != nil {
				s.logger.Debug("friends push failed", zap.Int64("user_id", id), zap.Error(err))
			}
		}
	}
}

type Client struct {
	server    *Server
	conn      *websocket.Conn
	send      chan any
	done      chan struct{}
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	ip        string
	logger    *zap.Logger

	user      *models.User
	sessionID string
}

func newClient(s *Server, conn *websocket.Conn, ip string) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		server: s,
		conn:   conn,
		send:   make(chan any, sendBuffer),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
		ip:     ip,
		logger: s.logger.With(zap.String("remote", conn.RemoteAddr().String())),
	}
}

// Push queues v for the write pump. It never blocks: a full buffer or a
// closed connection is reported as an error.
func (c *Client) Push(v any) error {
	select {
	case <-c.done:
		return errClosed
	default:
	}

	select {
	case c.send <- v:
		return nil
	default:
		return errBufferFull
	}
}

// Close stops both pumps. The write pump flushes queued frames and sends a
// close message before the socket is closed.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()
	})
	return nil
}

func (c *Client) readPump() {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic in connection handler", zap.Any("error", r), zap.Stack("stack"))
		}
		if c.server.registry.Unregister(c) {
			c.logger.Info("client disconnected", zap.Int64("user_id", c.user.ID), zap.Int("connections", c.server.registry.Count()))
		}
		c.Close()
	}()

	c.conn.SetReadLimit(c.server.frameLimit() * hardLimitFactor)

	if !c.handshake() {
		return
	}

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		data, err := c.readFrame()
		if errors.Is(err, models.ErrPayloadTooLarge) {
			c.fail(protocol.TypeChatMessageResponse, err)
			continue
		}
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		req, err := protocol.Decode(data)
		if err != nil {
			c.fail(protocol.TypeError, err)
			continue
		}
		c.dispatch(req)
	}
}

// handshake runs the unauthenticated phase. login and register may be used
// any number of times; an auth frame with a valid token ends the phase.
// It reports whether the connection was authenticated in time.
func (c *Client) handshake() bool {
	c.conn.SetReadDeadline(time.Now().Add(c.server.opts.AuthTimeout))

	for {
		data, err := c.readFrame()
		if errors.Is(err, models.ErrPayloadTooLarge) {
			c.fail(protocol.TypeAuthResponse, err)
			continue
		}
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				c.fail(protocol.TypeError, fmt.Errorf("%w: authentication handshake", models.ErrTimeout))
			}
			return false
		}

		req, err := protocol.Decode(data)
		if err != nil {
			c.fail(protocol.TypeAuthResponse, err)
			continue
		}

		switch r := req.(type) {
		case *protocol.Login:
			if err := c.allow(c.server.opts.LoginLimiter); err != nil {
				c.fail(protocol.TypeLoginResponse, err)
				continue
			}
			session, err := c.server.authSvc.Login(c.ctx, r.Username, r.Password)
			if err != nil {
				c.fail(protocol.TypeLoginResponse, err)
				continue
			}
			c.Push(protocol.NewSessionResponse(protocol.TypeLoginResponse, session.Token, session.SessionID, session.User))
		case *protocol.Register:
			if err := c.allow(c.server.opts.RegisterLimiter); err != nil {
				c.fail(protocol.TypeRegisterResponse, err)
				continue
			}
			session, err := c.server.authSvc.Register(c.ctx, r.Username, r.Password)
			if err != nil {
				c.fail(protocol.TypeRegisterResponse, err)
				continue
			}
			c.Push(protocol.NewSessionResponse(protocol.TypeRegisterResponse, session.Token, session.SessionID, session.User))
		case *protocol.Auth:
			if c.authenticate(r) {
				return true
			}
		case *protocol.Ping:
			c.Push(protocol.NewPong())
		default:
			c.fail(protocol.TypeAuthResponse, fmt.Errorf("%w: authenticate first", models.ErrUnauthenticated))
		}
	}
}

// readFrame reads one message of at most the frame limit. A larger message
// is drained and reported as ErrPayloadTooLarge while the connection stays
// usable; only the hard read limit closes it.
func (c *Client) readFrame() ([]byte, error) {
	_, r, err := c.conn.NextReader()
	if err != nil {
		return nil, err
	}

	limit := c.server.frameLimit()
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		if _, err := io.Copy(io.Discard, r); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: frame exceeds %d bytes", models.ErrPayloadTooLarge, limit)
	}
	return data, nil
}

// allow spends one attempt from l for this client's IP.
func (c *Client) allow(l *limiter.Limiter) error {
	if l == nil {
		return nil
	}
	lc, err := l.Get(c.ctx, c.ip)
	if err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	if lc.Reached {
		return models.ErrRateLimited
	}
	return nil
}

func (c *Client) authenticate(r *protocol.Auth) bool {
	claims, err := c.server.authSvc.Verify(r.Token)
	if err != nil {
		c.fail(protocol.TypeAuthResponse, err)
		return false
	}

	sessionID := r.SessionID
	if sessionID == "" {
		sessionID = claims.SessionID
	}
	c.user = &models.User{ID: claims.UserID, Username: claims.Username}
	c.sessionID = sessionID
	c.logger = c.logger.With(zap.Int64("user_id", c.user.ID), zap.String("session_id", sessionID))

	c.Push(protocol.NewAuthSuccess(c.user, sessionID))
	c.server.registry.Register(c, c.user.ID, sessionID)
	c.logger.Info("client authenticated", zap.Int("connections", c.server.registry.Count()))

	if sessionID == FriendsSession {
		c.sendFriends()
	}
	return true
}

func (c *Client) dispatch(req protocol.Request) {
	switch r := req.(type) {
	case *protocol.ChatMessage:
		_, err := c.server.engine.Send(c.ctx, c.user, r.OutgoingMessage, func(msg *models.Message) {
			c.Push(protocol.NewSentConfirmation(protocol.TypeMessageSentConfirmation, msg))
		})
		if err != nil {
			c.fail(protocol.TypeChatMessageResponse, err)
		}
	case *protocol.GetPreviousConversations:
		threads, err := c.server.assembler.Assemble(c.ctx, c.user.ID)
		if err != nil {
			c.fail(protocol.TypePreviousConversations, err)
			return
		}
		c.Push(protocol.NewPreviousConversations(threads))
	case *protocol.AddFriend:
		friend, err := c.server.graph.Add(c.ctx, c.user.ID, r.Username)
		if err != nil {
			c.fail(protocol.TypeAddFriendResponse, err)
			return
		}
		c.Push(protocol.NewAddFriendResponse(friend))
		c.server.BroadcastFriends(c.ctx, c.user.ID, friend.ID)
	case *protocol.SearchUser:
		user, err := c.server.graph.Search(c.ctx, r.Username)
		if err != nil {
			c.fail(protocol.TypeSearchUserResponse, err)
			return
		}
		c.Push(protocol.NewSearchUserResponse(user))
	case *protocol.GetFriends:
		c.sendFriends()
	case *protocol.Ping:
		c.Push(protocol.NewPong())
	default:
		c.fail(protocol.TypeError, fmt.Errorf("%w: already authenticated", models.ErrBadRequest))
	}
}

func (c *Client) sendFriends() {
	list, err := c.server.graph.List(c.ctx, c.user.ID)
	if err != nil {
		c.fail(protocol.TypeFriendsListResponse, err)
		return
	}
	c.Push(protocol.NewFriendsList(list))
}

// fail reports err to this connection only.
func (c *Client) fail(frameType string, err error) {
	code := models.Code(err)
	c.server.metrics.FrameError(code)
	if code == models.CodeInternal || code == models.CodePersistFailed {
		c.logger.Error("request failed", zap.String("frame", frameType), zap.Error(err))
	} else {
		c.logger.Debug("request rejected", zap.String("frame", frameType), zap.Error(err))
	}
	c.Push(protocol.Error(frameType, err))
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.flush()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush writes whatever is still queued, without blocking.
func (c *Client) flush() {
	for {
		select {
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) write(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		c.server.logger.Error("failed to encode frame", zap.Error(err))
		return nil
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}
