package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap/zaptest"

	"github.com/4xmen/chatbridge/internal/auth"
	"github.com/4xmen/chatbridge/internal/conversations"
	"github.com/4xmen/chatbridge/internal/db"
	"github.com/4xmen/chatbridge/internal/delivery"
	"github.com/4xmen/chatbridge/internal/friends"
	"github.com/4xmen/chatbridge/internal/models"
	"github.com/4xmen/chatbridge/internal/registry"
	"github.com/4xmen/chatbridge/internal/rooms"
	"github.com/4xmen/chatbridge/internal/store"
	"github.com/4xmen/chatbridge/internal/users"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type testEnv struct {
	router *gin.Engine
	auth   *auth.Service
}

func newTestEnv(t *testing.T, configure func(*RouterConfig)) *testEnv {
	t.Helper()

	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	content, err := store.NewContentStore(t.TempDir())
	require.NoError(t, err)

	logger := zaptest.NewLogger(t)
	conn := database.GetConn()
	us := users.NewStore(conn)
	authSvc := auth.New(us, "test-jwt-secret")
	messages := store.New(conn, content)
	engine := delivery.New(rooms.NewResolver(us), messages, registry.New(nil), logger, delivery.Options{MaxUploadSize: 1024})

	cfg := RouterConfig{
		Logger:   logger,
		Auth:     NewAuthHandler(authSvc),
		Friends:  NewFriendHandler(friends.NewGraph(conn, us), us, nil),
		Messages: NewMessageHandler(engine, conversations.NewAssembler(messages), messages, 100*time.Millisecond, 1024),
		Push:     NewPushHandler(nil),
	}
	if configure != nil {
		configure(&cfg)
	}
	return &testEnv{router: NewRouter(cfg), auth: authSvc}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) register(t *testing.T, username string) *auth.Session {
	t.Helper()
	session, err := e.auth.Register(context.Background(), username, "password123")
	require.NoError(t, err)
	return session
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

func TestRegisterAndLogin(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name   string
		path   string
		body   any
		status int
		code   string
	}{
		{"register", "/api/auth/register", map[string]string{"username": "alice", "password": "password123"}, http.StatusCreated, ""},
		{"duplicate username", "/api/auth/register", map[string]string{"username": "alice", "password": "password123"}, http.StatusConflict, models.CodeDuplicateHandle},
		{"missing password", "/api/auth/register", map[string]string{"username": "bob"}, http.StatusBadRequest, models.CodeBadRequest},
		{"login", "/api/auth/login", map[string]string{"username": "alice", "password": "password123"}, http.StatusOK, ""},
		{"wrong password", "/api/auth/login", map[string]string{"username": "alice", "password": "nope-nope"}, http.StatusUnauthorized, models.CodeInvalidCredentials},
		{"unknown user", "/api/auth/login", map[string]string{"username": "ghost", "password": "password123"}, http.StatusUnauthorized, models.CodeInvalidCredentials},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, tt.path, "", tt.body)
			require.Equal(t, tt.status, w.Code, w.Body.String())

			body := decode(t, w)
			if tt.code != "" {
				assert.Equal(t, "error", body["status"])
				assert.Equal(t, tt.code, body["code"])
				return
			}
			assert.Equal(t, "success", body["status"])
			assert.NotEmpty(t, body["token"])
			assert.NotEmpty(t, body["session_id"])
			assert.Equal(t, "alice", body["user"].(map[string]any)["username"])
			assert.NotContains(t, w.Body.String(), "password")
		})
	}
}

func TestAuthMiddleware(t *testing.T) {
	env := newTestEnv(t, nil)
	session := env.register(t, "alice")

	w := env.do(t, http.MethodGet, "/api/friends", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, models.CodeUnauthenticated, decode(t, w)["code"])

	w = env.do(t, http.MethodGet, "/api/friends", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodGet, "/api/friends", session.Token, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/api/friends?token="+session.Token, "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestFriends(t *testing.T) {
	broadcasts := &recordingBroadcaster{}
	env := newTestEnv(t, func(cfg *RouterConfig) {
		cfg.Friends.broadcaster = broadcasts
	})

	alice := env.register(t, "alice")
	bob := env.register(t, "bob")

	w := env.do(t, http.MethodPost, "/api/friends", alice.Token, map[string]string{"username": "bob"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	added := decode(t, w)
	assert.Equal(t, "add_friend_response", added["type"])
	assert.Equal(t, "bob", added["friend"].(map[string]any)["username"])
	assert.ElementsMatch(t, []int64{alice.User.ID, bob.User.ID}, broadcasts.ids)

	w = env.do(t, http.MethodPost, "/api/friends", bob.Token, map[string]string{"username": "alice"})
	assert.Equal(t, http.StatusConflict, w.Code)
	w = env.do(t, http.MethodPost, "/api/friends", alice.Token, map[string]string{"username": "alice"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = env.do(t, http.MethodPost, "/api/friends", alice.Token, map[string]string{"username": "ghost"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodGet, "/api/friends", bob.Token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode(t, w)
	assert.Equal(t, float64(1), list["count"])
	assert.Equal(t, "alice", list["friends"].([]any)[0].(map[string]any)["username"])

	w = env.do(t, http.MethodGet, "/api/users/search?username=bob", alice.Token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "bob", decode(t, w)["user"].(map[string]any)["username"])

	w = env.do(t, http.MethodGet, "/api/users/search", alice.Token, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/api/users?prefix=a", bob.Token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["count"])
}

type recordingBroadcaster struct {
	ids []int64
}

func (r *recordingBroadcaster) BroadcastFriends(_ context.Context, userIDs ...int64) {
	r.ids = append(r.ids, userIDs...)
}

func TestSendAndReceive(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.register(t, "alice")
	bob := env.register(t, "bob")

	w := env.do(t, http.MethodPost, "/api/messages", alice.Token, map[string]string{"recipient_id": "bob", "message": "hello"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	sent := decode(t, w)
	assert.Equal(t, "message_sent", sent["type"])
	assert.Equal(t, "hello", sent["content"])
	assert.Equal(t, rooms.ID(alice.User.ID, bob.User.ID), sent["room_id"])

	w = env.do(t, http.MethodGet, "/api/messages/receive", bob.Token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	received := decode(t, w)
	require.Equal(t, float64(1), received["count"])
	assert.Equal(t, "hello", received["messages"].([]any)[0].(map[string]any)["content"])

	w = env.do(t, http.MethodGet, "/api/messages/receive", bob.Token, nil)
	assert.Equal(t, float64(0), decode(t, w)["count"])

	w = env.do(t, http.MethodGet, "/api/messages/receive?since=yesterday", bob.Token, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSendErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.register(t, "alice")
	env.register(t, "bob")

	tests := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{"unknown recipient", map[string]string{"recipient_id": "ghost", "message": "hi"}, http.StatusNotFound, models.CodeUnknownRecipient},
		{"no recipient", map[string]string{"message": "hi"}, http.StatusBadRequest, models.CodeBadRequest},
		{"declared size too large", map[string]any{
			"recipient_id": "bob",
			"message_type": "file",
			"file_name":    "big.bin",
			"file_data":    "aGVsbG8=",
			"file_size":    4096,
		}, http.StatusRequestEntityTooLarge, models.CodePayloadTooLarge},
		{"body too large", map[string]any{
			"recipient_id": "bob",
			"message":      string(bytes.Repeat([]byte("x"), 70<<10)),
		}, http.StatusRequestEntityTooLarge, models.CodePayloadTooLarge},
		{"unknown type", map[string]string{"recipient_id": "bob", "message_type": "video", "message": "hi"}, http.StatusBadRequest, models.CodeBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/messages", alice.Token, tt.body)
			require.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.code, decode(t, w)["code"])
		})
	}
}

func TestReceiveWait(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.register(t, "alice")
	bob := env.register(t, "bob")

	t.Run("times out empty", func(t *testing.T) {
		start := time.Now()
		w := env.do(t, http.MethodGet, "/api/messages/receive?wait=true", bob.Token, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, float64(0), decode(t, w)["count"])
		assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	})

	t.Run("returns on arrival", func(t *testing.T) {
		done := make(chan *httptest.ResponseRecorder, 1)
		go func() {
			req := httptest.NewRequest(http.MethodGet, "/api/messages/receive?wait=true", nil)
			req.Header.Set("Authorization", "Bearer "+bob.Token)
			w := httptest.NewRecorder()
			env.router.ServeHTTP(w, req)
			done <- w
		}()

		time.Sleep(20 * time.Millisecond)
		w := env.do(t, http.MethodPost, "/api/messages", alice.Token, map[string]string{"recipient_id": "bob", "message": "wake up"})
		require.Equal(t, http.StatusCreated, w.Code)

		select {
		case w := <-done:
			require.Equal(t, http.StatusOK, w.Code)
			body := decode(t, w)
			require.Equal(t, float64(1), body["count"])
			assert.Equal(t, "wake up", body["messages"].([]any)[0].(map[string]any)["content"])
		case <-time.After(2 * time.Second):
			t.Fatal("long poll did not return")
		}
	})
}

func TestConversationsAndRoomHistory(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.register(t, "alice")
	bob := env.register(t, "bob")
	carol := env.register(t, "carol")

	for i, sender := range []*auth.Session{alice, bob, alice} {
		to := "bob"
		if sender == bob {
			to = "alice"
		}
		w := env.do(t, http.MethodPost, "/api/messages", sender.Token, map[string]string{"recipient_id": to, "message": fmt.Sprintf("m%d", i)})
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := env.do(t, http.MethodGet, "/api/conversations", alice.Token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	threads := decode(t, w)["conversations"].(map[string]any)
	thread := threads["bob"].([]any)
	require.Len(t, thread, 3)
	for i, want := range []bool{true, false, true} {
		msg := thread[i].(map[string]any)
		assert.Equal(t, fmt.Sprintf("m%d", i), msg["content"])
		assert.Equal(t, want, msg["is_sent"])
	}

	roomID := rooms.ID(alice.User.ID, bob.User.ID)
	w = env.do(t, http.MethodGet, "/api/rooms/"+roomID+"/messages?limit=2", bob.Token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	history := decode(t, w)
	assert.Equal(t, float64(2), history["count"])
	assert.Equal(t, "m1", history["messages"].([]any)[0].(map[string]any)["content"])

	w = env.do(t, http.MethodGet, "/api/rooms/"+roomID+"/messages", carol.Token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodGet, "/api/rooms/"+roomID+"/messages?limit=-1", alice.Token, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, func(cfg *RouterConfig) {
		cfg.LoginLimiter = limiter.New(memory.NewStore(), limiter.Rate{Period: time.Minute, Limit: 2})
	})
	env.register(t, "alice")

	creds := map[string]string{"username": "alice", "password": "password123"}
	for i := 0; i < 2; i++ {
		w := env.do(t, http.MethodPost, "/api/auth/login", "", creds)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
	}

	w := env.do(t, http.MethodPost, "/api/auth/login", "", creds)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, models.CodeRateLimited, decode(t, w)["code"])
}

func TestPushDisabled(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.register(t, "alice")

	w := env.do(t, http.MethodGet, "/api/push/vapid-public-key", alice.Token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodPost, "/api/push/subscribe", alice.Token, map[string]any{
		"endpoint": "https://push.example.com/abc",
		"keys":     map[string]string{"p256dh": "key", "auth": "secret"},
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthAndNoRoute(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	w = env.do(t, http.MethodGet, "/nowhere", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t, func(cfg *RouterConfig) {
		cfg.CORSOrigins = "https://chat.example.com"
	})

	w := env.do(t, http.MethodOptions, "/api/auth/login", "", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://chat.example.com", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{models.ErrUnauthenticated, http.StatusUnauthorized},
		{models.ErrInvalidCredentials, http.StatusUnauthorized},
		{models.ErrDuplicateHandle, http.StatusConflict},
		{models.ErrAlreadyFriends, http.StatusConflict},
		{models.ErrUnknownRecipient, http.StatusNotFound},
		{models.ErrNotFound, http.StatusNotFound},
		{models.ErrSelfFriend, http.StatusBadRequest},
		{fmt.Errorf("%w: bad frame", models.ErrBadRequest), http.StatusBadRequest},
		{models.ErrPayloadTooLarge, http.StatusRequestEntityTooLarge},
		{models.ErrTimeout, http.StatusRequestTimeout},
		{models.ErrRateLimited, http.StatusTooManyRequests},
		{fmt.Errorf("%w: disk full", models.ErrPersistFailed), http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
