package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/niftyclaudia/message-ai-sub005/internal/bus"
	"github.com/niftyclaudia/message-ai-sub005/internal/timeline"
	"go.uber.org/zap"
)

// Notification is the already-bundled, already-suppressed payload handed to
// the push delivery system. Registration and permissions live outside.
type Notification struct {
	ConversationID string
	Title          string
	Body           string
	Count          int
}

// Pusher delivers a finished notification.
type Pusher interface {
	Push(ctx context.Context, n Notification) error
}

// LogPusher writes notifications to the log instead of a real push channel.
type LogPusher struct {
	Logger *zap.Logger
}

func (p *LogPusher) Push(_ context.Context, n Notification) error {
	p.Logger.Info("notification",
		zap.String("conversation_id", n.ConversationID),
		zap.String("title", n.Title),
		zap.String("body", n.Body),
		zap.Int("count", n.Count))
	return nil
}

// bundle coalesces messages for one conversation over a fixed window. The
// deadline is set once at creation and never slides, so a long burst cannot
// suppress notifications indefinitely.
type bundle struct {
	windowStart time.Time
	count       int
	firstSender string
	firstBody   string
	timer       *time.Timer
}

// Bundler coalesces the canonical message stream into at most one
// notification per window per conversation. Messages sent by the local user
// and messages for the foregrounded conversation never notify.
type Bundler struct {
	mu         sync.Mutex
	bundles    map[string]*bundle
	foreground map[string]bool

	pusher Pusher
	bus    *bus.Bus
	logger *zap.Logger
	self   string
	window time.Duration
	cancel context.CancelFunc
}

// NewBundler creates a notification bundler for the local user.
func NewBundler(pusher Pusher, b *bus.Bus, logger *zap.Logger, self string, window time.Duration) *Bundler {
	return &Bundler{
		bundles:    make(map[string]*bundle),
		foreground: make(map[string]bool),
		pusher:     pusher,
		bus:        b,
		logger:     logger,
		self:       self,
		window:     window,
	}
}

// Start subscribes to timeline appends.
func (b *Bundler) Start(ctx context.Context) {
	ctx, b.cancel = context.WithCancel(ctx)
	ch, unsub := b.bus.Subscribe("timeline.appended", 64)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				if app, ok := evt.Payload.(timeline.Appended); ok {
					b.observe(ctx, app)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the subscription and drops open bundles without flushing.
func (b *Bundler) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, bd := range b.bundles {
		bd.timer.Stop()
		delete(b.bundles, id)
	}
}

// Foreground marks a conversation as the active view. Any open bundle for it
// flushes immediately, and further messages stop notifying until Background.
func (b *Bundler) Foreground(ctx context.Context, conversationID string) {
	b.mu.Lock()
	b.foreground[conversationID] = true
	bd := b.bundles[conversationID]
	if bd != nil {
		bd.timer.Stop()
		delete(b.bundles, conversationID)
	}
	b.mu.Unlock()

	if bd != nil {
		b.emit(ctx, conversationID, bd)
	}
}

// Background clears the active view mark.
func (b *Bundler) Background(conversationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.foreground, conversationID)
}

func (b *Bundler) observe(ctx context.Context, app timeline.Appended) {
	if app.SenderID == b.self {
		return
	}

	b.mu.Lock()
	if b.foreground[app.ConversationID] {
		b.mu.Unlock()
		return
	}
	if bd, ok := b.bundles[app.ConversationID]; ok {
		// Inside an open window: count it, keep the original deadline.
		bd.count++
		b.mu.Unlock()
		return
	}
	bd := &bundle{
		windowStart: time.Now(),
		count:       1,
		firstSender: app.SenderID,
		firstBody:   app.Preview,
	}
	bd.timer = time.AfterFunc(b.window, func() { b.flush(ctx, app.ConversationID) })
	b.bundles[app.ConversationID] = bd
	b.mu.Unlock()
}

// flush closes the window for a conversation and emits its one notification.
func (b *Bundler) flush(ctx context.Context, conversationID string) {
	b.mu.Lock()
	bd := b.bundles[conversationID]
	delete(b.bundles, conversationID)
	b.mu.Unlock()

	if bd == nil {
		return
	}
	b.emit(ctx, conversationID, bd)
}

func (b *Bundler) emit(ctx context.Context, conversationID string, bd *bundle) {
	n := Notification{
		ConversationID: conversationID,
		Count:          bd.count,
	}
	if bd.count == 1 {
		n.Title = bd.firstSender
		n.Body = bd.firstBody
	} else {
		n.Title = conversationID
		n.Body = fmt.Sprintf("%d new messages", bd.count)
	}

	if err := b.pusher.Push(ctx, n); err != nil && b.logger != nil {
		b.logger.Warn("push delivery failed",
			zap.String("conversation_id", conversationID), zap.Error(err))
	}
	b.bus.Publish(bus.Event{
		Kind:      "notify.flushed",
		Timestamp: time.Now(),
		Payload:   n,
	})
}
