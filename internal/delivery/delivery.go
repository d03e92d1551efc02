// Package delivery persists outgoing messages and routes them to their
// recipient: live connections first, otherwise a parked long-poll request
// or the recipient's bounded pending queue.
package delivery

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/4xmen/chatbridge/internal/metrics"
	"github.com/4xmen/chatbridge/internal/models"
	"github.com/4xmen/chatbridge/internal/protocol"
	"github.com/4xmen/chatbridge/internal/registry"
	"github.com/4xmen/chatbridge/internal/store"
)

// Notifier is told about messages that reached no live connection.
type Notifier interface {
	Notify(ctx context.Context, msg *models.Message)
}

type Resolver interface {
	ResolveHandle(ctx context.Context, senderID int64, handle string) (string, *models.User, error)
}

type Store interface {
	Save(ctx context.Context, sender *models.User, roomID string, recipient *models.User, p store.Payload) (*models.Message, error)
	MarkDelivered(ctx context.Context, ids ...int64) error
}

type Options struct {
	MaxUploadSize int64
	QueueSize     int
	Notifier      Notifier
	Metrics       *metrics.Metrics
}

type Engine struct {
	resolver      Resolver
	store         Store
	registry      *registry.Registry
	notifier      Notifier
	metrics       *metrics.Metrics
	logger        *zap.Logger
	maxUploadSize int64
	queueSize     int

	recipients keyedMutex

	mu      sync.Mutex
	pending map[int64][]models.Message
	waiters map[int64][]*waiter
}

// waiter is one parked long-poll request. The channel is buffered so a
// hand-off never blocks the sender.
type waiter struct {
	ch chan models.Message
}

func New(resolver Resolver, st Store, reg *registry.Registry, logger *zap.Logger, opts Options) *Engine {
	if opts.MaxUploadSize <= 0 {
		opts.MaxUploadSize = 10 << 20
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 100
	}
	return &Engine{
		resolver:      resolver,
		store:         st,
		registry:      reg,
		notifier:      opts.Notifier,
		metrics:       opts.Metrics,
		logger:        logger,
		maxUploadSize: opts.MaxUploadSize,
		queueSize:     opts.QueueSize,
		recipients:    keyedMutex{locks: make(map[int64]*refMutex)},
		pending:       make(map[int64][]models.Message),
		waiters:       make(map[int64][]*waiter),
	}
}

// Send validates, persists and routes one message from sender. ack, when
// not nil, receives the persisted message before any recipient does.
// A message that fails to persist is never routed.
func (e *Engine) Send(ctx context.Context, sender *models.User, out models.OutgoingMessage, ack func(*models.Message)) (*models.Message, error) {
	payload, err := e.payload(out)
	if err != nil {
		return nil, err
	}

	roomID, recipient, err := e.resolver.ResolveHandle(ctx, sender.ID, out.Handle())
	if err != nil {
		return nil, err
	}

	unlock := e.recipients.lock(recipient.ID)
	defer unlock()

	msg, err := e.store.Save(ctx, sender, roomID, recipient, payload)
	if err != nil {
		e.metrics.PersistFailed()
		e.logger.Error("failed to persist message",
			zap.Int64("sender_id", sender.ID),
			zap.Int64("recipient_id", recipient.ID),
			zap.Error(err),
		)
		return nil, err
	}
	e.metrics.MessageSaved(string(msg.Type))

	if ack != nil {
		ack(msg)
	}

	e.route(ctx, msg)
	return msg, nil
}

func (e *Engine) payload(out models.OutgoingMessage) (store.Payload, error) {
	if strings.TrimSpace(out.Handle()) == "" {
		return nil, fmt.Errorf("%w: recipient is required", models.ErrBadRequest)
	}

	kind := out.Type
	if kind == "" {
		kind = models.MessageText
	}

	switch {
	case kind == models.MessageText:
		if strings.TrimSpace(out.Message) == "" {
			return nil, fmt.Errorf("%w: message is empty", models.ErrBadRequest)
		}
		return store.Text{Content: out.Message}, nil
	case kind.IsAttachment():
		if out.FileSize > e.maxUploadSize || int64(len(out.FileData)) > e.maxUploadSize {
			return nil, fmt.Errorf("%w: limit is %d bytes", models.ErrPayloadTooLarge, e.maxUploadSize)
		}
		if strings.TrimSpace(out.FileName) == "" || len(out.FileData) == 0 {
			return nil, fmt.Errorf("%w: attachment needs file_name and file_data", models.ErrBadRequest)
		}
		return store.Attachment{
			Kind:     kind,
			FileName: out.FileName,
			MimeType: out.MimeType,
			Data:     out.FileData,
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown message_type %q", models.ErrBadRequest, out.Type)
	}
}

func (e *Engine) route(ctx context.Context, msg *models.Message) {
	frame := protocol.NewMessage(msg)
	live := 0
	for _, conn := range e.registry.ConnectionsFor(msg.RecipientID) {
		if err := conn.Push(frame); err != nil {
			e.logger.Warn("evicting connection after failed push",
				zap.Int64("user_id", msg.RecipientID),
				zap.Error(err),
			)
			if e.registry.Unregister(conn) {
				e.metrics.ConnectionEvicted()
			}
			conn.Close()
			continue
		}
		live++
	}

	if live > 0 {
		e.metrics.Delivered(metrics.PathLive, live)
		e.markDelivered(ctx, *msg)
		return
	}

	e.mu.Lock()
	w := e.popWaiterLocked(msg.RecipientID)
	if w != nil {
		w.ch <- *msg
	} else {
		e.enqueueLocked(*msg)
	}
	e.mu.Unlock()

	if w != nil {
		return
	}

	e.metrics.Delivered(metrics.PathQueued, 1)
	if e.notifier != nil {
		e.notifier.Notify(context.WithoutCancel(ctx), msg)
	}
}

// Pull drains userID's pending queue and returns the entries created after
// since. A zero since returns everything. Entries at or before since are
// treated as already received by the caller: they are marked delivered and
// leave the queue without being returned.
func (e *Engine) Pull(ctx context.Context, userID int64, since time.Time) []models.Message {
	e.mu.Lock()
	msgs, seen := e.drainLocked(userID, since)
	e.mu.Unlock()

	e.pulled(ctx, msgs, seen)
	return msgs
}

// Wait is Pull that parks for up to timeout when nothing is pending. It
// returns early with the first message routed to userID and returns an
// empty slice on timeout or when ctx is done.
func (e *Engine) Wait(ctx context.Context, userID int64, since time.Time, timeout time.Duration) []models.Message {
	e.mu.Lock()
	msgs, seen := e.drainLocked(userID, since)
	if len(msgs) > 0 {
		e.mu.Unlock()
		e.pulled(ctx, msgs, seen)
		return msgs
	}
	w := &waiter{ch: make(chan models.Message, 1)}
	e.waiters[userID] = append(e.waiters[userID], w)
	e.mu.Unlock()
	e.markDelivered(ctx, seen...)

	e.metrics.WaiterParked()
	defer e.metrics.WaiterDone()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-w.ch:
		return e.handedOff(ctx, msg)
	case <-timer.C:
	case <-ctx.Done():
	}

	e.mu.Lock()
	removed := e.removeWaiterLocked(userID, w)
	e.mu.Unlock()
	if removed {
		return []models.Message{}
	}

	// a hand-off won the race against the timeout
	msg := <-w.ch
	if ctx.Err() != nil {
		e.mu.Lock()
		e.enqueueLocked(msg)
		e.mu.Unlock()
		return []models.Message{}
	}
	return e.handedOff(ctx, msg)
}

func (e *Engine) handedOff(ctx context.Context, msg models.Message) []models.Message {
	e.metrics.Delivered(metrics.PathHandoff, 1)
	e.markDelivered(ctx, msg)
	return []models.Message{msg}
}

func (e *Engine) pulled(ctx context.Context, msgs, seen []models.Message) {
	e.metrics.Delivered(metrics.PathPulled, len(msgs))
	e.markDelivered(ctx, append(seen, msgs...)...)
}

// PendingCount reports how many messages wait in userID's queue.
func (e *Engine) PendingCount(userID int64) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending[userID])
}

// enqueueLocked inserts msg in (created_at, id) order. New messages land at
// the tail; a message returned by a cancelled waiter goes back in place.
func (e *Engine) enqueueLocked(msg models.Message) {
	q := e.pending[msg.RecipientID]
	i := len(q)
	for i > 0 && queuedAfter(q[i-1], msg) {
		i--
	}
	q = append(q, models.Message{})
	copy(q[i+1:], q[i:])
	q[i] = msg
	if over := len(q) - e.queueSize; over > 0 {
		e.logger.Warn("pending queue full, dropping oldest",
			zap.Int64("user_id", msg.RecipientID),
			zap.Int("dropped", over),
		)
		for range over {
			e.metrics.QueueEvicted()
		}
		q = append([]models.Message(nil), q[over:]...)
	}
	e.pending[msg.RecipientID] = q
}

func queuedAfter(a, b models.Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

// drainLocked empties userID's queue. msgs holds the entries after since,
// seen the ones the caller already has.
func (e *Engine) drainLocked(userID int64, since time.Time) (msgs, seen []models.Message) {
	q := e.pending[userID]
	delete(e.pending, userID)

	msgs = make([]models.Message, 0, len(q))
	for _, m := range q {
		if since.IsZero() || m.CreatedAt.After(since) {
			msgs = append(msgs, m)
		} else {
			seen = append(seen, m)
		}
	}
	return msgs, seen
}

func (e *Engine) popWaiterLocked(userID int64) *waiter {
	ws := e.waiters[userID]
	if len(ws) == 0 {
		return nil
	}
	w := ws[0]
	if len(ws) == 1 {
		delete(e.waiters, userID)
	} else {
		e.waiters[userID] = ws[1:]
	}
	return w
}

func (e *Engine) removeWaiterLocked(userID int64, w *waiter) bool {
	ws := e.waiters[userID]
	for i, other := range ws {
		if other != w {
			continue
		}
		ws = append(ws[:i:i], ws[i+1:]...)
		if len(ws) == 0 {
			delete(e.waiters, userID)
		} else {
			e.waiters[userID] = ws
		}
		return true
	}
	return false
}

func (e *Engine) markDelivered(ctx context.Context, msgs ...models.Message) {
	if len(msgs) == 0 {
		return
	}
	ids := make([]int64, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	if err := e.store.MarkDelivered(context.WithoutCancel(ctx), ids...); err != nil {
		e.logger.Warn("failed to mark messages delivered", zap.Int64s("ids", ids), zap.Error(err))
	}
}

// keyedMutex serializes work per recipient. Entries are dropped once no
// goroutine holds or waits for them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[int64]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key int64) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
