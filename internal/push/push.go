package push

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"go.uber.org/zap"

	"github.com/4xmen/chatbridge/internal/models"
)

// Notifier sends Web Push notifications for messages that reached no live
// connection. A nil *Notifier is valid and sends nothing.
type Notifier struct {
	db              *sql.DB
	vapidPublicKey  string
	vapidPrivateKey string
	logger          *zap.Logger
	client          webpush.HTTPClient
	wg              sync.WaitGroup
}

// Subscription is a browser push subscription.
type Subscription struct {
	Endpoint  string `json:"endpoint" binding:"required"`
	KeyP256dh string `json:"p256dh" binding:"required"`
	KeyAuth   string `json:"auth" binding:"required"`
}

// NewNotifier returns nil if either VAPID key is empty.
func NewNotifier(db *sql.DB, vapidPublicKey, vapidPrivateKey string, logger *zap.Logger) *Notifier {
	if vapidPublicKey == "" || vapidPrivateKey == "" {
		return nil
	}
	return &Notifier{
		db:              db,
		vapidPublicKey:  vapidPublicKey,
		vapidPrivateKey: vapidPrivateKey,
		logger:          logger,
		client:          &http.Client{Timeout: 10 * time.Second},
	}
}

func (n *Notifier) VAPIDPublicKey() string {
	if n == nil {
		return ""
	}
	return n.vapidPublicKey
}

// Subscribe stores sub for userID. Re-subscribing an endpoint moves it to
// the new user and keys.
func (n *Notifier) Subscribe(ctx context.Context, userID int64, sub Subscription) error {
	if n == nil {
		return fmt.Errorf("%w: push notifications are disabled", models.ErrNotFound)
	}
	_, err := n.db.ExecContext(ctx, `
		INSERT INTO push_subscriptions (endpoint, user_id, p256dh, auth, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(endpoint) DO UPDATE SET user_id = excluded.user_id, p256dh = excluded.p256dh, auth = excluded.auth
	`, sub.Endpoint, userID, sub.KeyP256dh, sub.KeyAuth, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save push subscription: %w", err)
	}
	return nil
}

type payload struct {
	Title  string `json:"title"`
	Body   string `json:"body"`
	RoomID string `json:"room_id"`
}

// Notify pushes a short notice about msg to every subscription of its
// recipient. Sends run in the background; Wait blocks until they finish.
func (n *Notifier) Notify(ctx context.Context, msg *models.Message) {
	if n == nil {
		return
	}

	subs, err := n.subscriptionsFor(ctx, msg.RecipientID)
	if err != nil {
		n.logger.Warn("failed to query push subscriptions", zap.Int64("user_id", msg.RecipientID), zap.Error(err))
		return
	}
	if len(subs) == 0 {
		return
	}

	data, _ := json.Marshal(payload{
		Title:  "New message",
		Body:   "New message from " + msg.Sender,
		RoomID: msg.RoomID,
	})

	n.logger.Debug("sending push notifications", zap.Int64("user_id", msg.RecipientID), zap.Int("subscriptions", len(subs)))
	for _, sub := range subs {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.send(sub, data)
		}()
	}
}

// Wait blocks until every in-flight send has finished.
func (n *Notifier) Wait() {
	if n == nil {
		return
	}
	n.wg.Wait()
}

func (n *Notifier) subscriptionsFor(ctx context.Context, userID int64) ([]Subscription, error) {
	rows, err := n.db.QueryContext(ctx, "SELECT endpoint, p256dh, auth FROM push_subscriptions WHERE user_id = ?", userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		var sub Subscription
		if err := rows.Scan(&sub.Endpoint, &sub.KeyP256dh, &sub.KeyAuth); err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (n *Notifier) send(sub Subscription, data []byte) {
	s := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.KeyP256dh,
			Auth:   sub.KeyAuth,
		},
	}

	resp, err := webpush.SendNotification(data, s, &webpush.Options{
		HTTPClient:      n.client,
		VAPIDPublicKey:  n.vapidPublicKey,
		VAPIDPrivateKey: n.vapidPrivateKey,
		Subscriber:      "mailto:push@chatbridge.local",
		TTL:             86400,
	})
	if err != nil {
		n.logger.Warn("push send failed", zap.String("endpoint", sub.Endpoint), zap.Error(err))
		return
	}
	defer resp.Body.Close()

	// 404 and 410 mean the browser dropped the subscription
	if resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound {
		if _, err := n.db.Exec("DELETE FROM push_subscriptions WHERE endpoint = ?", sub.Endpoint); err != nil {
			n.logger.Warn("failed to remove expired subscription", zap.String("endpoint", sub.Endpoint), zap.Error(err))
			return
		}
		n.logger.Info("removed expired push subscription", zap.String("endpoint", sub.Endpoint), zap.Int("status", resp.StatusCode))
	}
}
