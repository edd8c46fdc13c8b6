package timeline

import (
	"context"
	"fmt"
	"time"

	"github.com/niftyclaudia/message-ai-sub005/internal/bus"
	"github.com/niftyclaudia/message-ai-sub005/internal/message"
	"github.com/niftyclaudia/message-ai-sub005/internal/queue"
	"github.com/niftyclaudia/message-ai-sub005/internal/receipts"
	"github.com/niftyclaudia/message-ai-sub005/internal/remote"
	"github.com/niftyclaudia/message-ai-sub005/internal/store"
	"go.uber.org/zap"
)

const previewLen = 100

// Appended is published on timeline.appended when a message joins the
// canonical timeline, whether inbound or a promoted local send.
type Appended struct {
	ConversationID string
	LocalID        string
	ServerID       string
	SenderID       string
	Preview        string
	OrderKey       int64
}

// Updated is published on timeline.updated when an existing canonical
// message changes (receipt growth, status escalation).
type Updated struct {
	ConversationID string
	LocalID        string
	Status         string
}

// Engine merges the optimistic outgoing stream and the canonical server
// stream into one ordered, deduplicated timeline per conversation. It is the
// single authoritative writer of canonical state: send acks, canonical
// envelopes and receipt updates all arrive as bus events and are applied by
// one goroutine, so a concurrent send-ack and receipt update can never lose
// each other's writes.
type Engine struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	self   string
	cancel context.CancelFunc
}

// NewEngine creates a reconciliation engine. self is the local user id; it
// decides unread accounting and receipt-derived status escalation.
func NewEngine(db *store.DB, b *bus.Bus, logger *zap.Logger, self string) *Engine {
	return &Engine{
		db:     db,
		bus:    b,
		logger: logger,
		self:   self,
	}
}

// Start subscribes to remote, queue and receipt events and begins the
// single-writer apply loop.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	remoteCh, unsubRemote := e.bus.Subscribe("remote.", 256)
	sentCh, unsubSent := e.bus.Subscribe("queue.sent", 256)
	receiptCh, unsubReceipt := e.bus.Subscribe("receipt.", 256)

	go func() {
		defer unsubRemote()
		defer unsubSent()
		defer unsubReceipt()
		for {
			select {
			case evt := <-remoteCh:
				e.handleEvent(evt)
			case evt := <-sentCh:
				e.handleEvent(evt)
			case evt := <-receiptCh:
				e.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine. In-flight sends keep running; their acks are
// applied when the engine restarts.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case "remote.message":
		env, ok := evt.Payload.(remote.Envelope)
		if !ok {
			return
		}
		if err := e.ApplyCanonical(env); err != nil {
			e.logger.Error("failed to apply canonical message",
				zap.Error(err), zap.String("server_id", env.ServerID))
		}
	case "remote.history":
		envs, ok := evt.Payload.([]remote.Envelope)
		if !ok {
			return
		}
		if err := e.ApplyHistory(envs); err != nil {
			e.logger.Error("failed to apply history batch", zap.Error(err), zap.Int("count", len(envs)))
		} else {
			e.logger.Info("history batch applied", zap.Int("messages", len(envs)))
		}
	case "remote.receipt", "receipt.read":
		r, ok := evt.Payload.(remote.Receipt)
		if !ok {
			return
		}
		if err := e.ApplyReceipt(r); err != nil {
			e.logger.Error("failed to apply receipt",
				zap.Error(err), zap.String("server_id", r.ServerID))
		}
	case "queue.sent":
		sent, ok := evt.Payload.(queue.Sent)
		if !ok {
			return
		}
		if err := e.ApplySendAck(sent); err != nil {
			e.logger.Error("failed to apply send ack",
				zap.Error(err), zap.String("local_id", sent.LocalID))
		}
	}
}

// ApplyCanonical merges one canonical envelope into the timeline. The merge
// is idempotent: replaying the same envelope is a no-op, an envelope echoing
// a local optimistic message updates it in place instead of inserting a
// duplicate, and a genuinely new message is inserted at its order position.
func (e *Engine) ApplyCanonical(env remote.Envelope) error {
	localID := env.LocalID
	if localID == "" {
		// Inbound messages have no client identity on this device; the
		// server id is stable across redeliveries so it serves as one.
		localID = env.ServerID
	}

	existing, err := e.db.GetMessageByLocalID(env.ConversationID, localID)
	if err != nil {
		return fmt.Errorf("lookup by local id: %w", err)
	}
	if existing == nil {
		existing, err = e.db.GetMessageByServerID(env.ConversationID, env.ServerID)
		if err != nil {
			return fmt.Errorf("lookup by server id: %w", err)
		}
	}

	if existing == nil {
		if err := e.db.InsertMessage(&store.Message{
			ConversationID:  env.ConversationID,
			LocalID:         localID,
			ServerID:        env.ServerID,
			SenderID:        env.SenderID,
			Body:            env.Body,
			ClientCreatedAt: env.ServerTimestamp,
			ServerOrderKey:  env.ServerOrderKey,
			HasOrderKey:     true,
			Status:          string(message.StatusSent),
		}); err != nil {
			return fmt.Errorf("insert canonical: %w", err)
		}
		return e.recordAppend(env, localID, env.SenderID != e.self)
	}

	if existing.HasOrderKey {
		if existing.ServerOrderKey != env.ServerOrderKey {
			return fmt.Errorf("replay of %s/%s with key %d, have %d: %w",
				env.ConversationID, localID, env.ServerOrderKey,
				existing.ServerOrderKey, store.ErrOrderKeyConflict)
		}
		// Duplicate delivery: silently absorbed.
		return nil
	}

	// Server echo of an optimistic local message: update in place.
	if err := e.db.AssignServerIdentity(env.ConversationID, existing.LocalID,
		env.ServerID, env.ServerOrderKey, string(message.StatusSent)); err != nil {
		return err
	}
	return e.recordAppend(env, existing.LocalID, false)
}

// ApplyHistory merges a backfill batch. Order does not matter and replays
// are absorbed per message.
func (e *Engine) ApplyHistory(envs []remote.Envelope) error {
	for _, env := range envs {
		if err := e.ApplyCanonical(env); err != nil {
			return err
		}
	}
	return nil
}

// ApplySendAck promotes an optimistic message acknowledged through the send
// path. If the server's stream echo won the race, this is a no-op.
func (e *Engine) ApplySendAck(sent queue.Sent) error {
	existing, err := e.db.GetMessageByLocalID(sent.ConversationID, sent.LocalID)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("send ack for unknown message %s/%s", sent.ConversationID, sent.LocalID)
	}
	if existing.HasOrderKey {
		// Echo already merged this one.
		return nil
	}
	if err := e.db.AssignServerIdentity(sent.ConversationID, sent.LocalID,
		sent.Ack.ServerID, sent.Ack.ServerOrderKey, string(message.StatusSent)); err != nil {
		return err
	}
	return e.recordAppend(remote.Envelope{
		ConversationID: sent.ConversationID,
		ServerID:       sent.Ack.ServerID,
		SenderID:       e.self,
		Body:           existing.Body,
		ServerOrderKey: sent.Ack.ServerOrderKey,
	}, sent.LocalID, false)
}

// ApplyReceipt grows a message's acknowledgement sets. Sets never shrink;
// duplicate and out-of-order acks converge to the same state.
func (e *Engine) ApplyReceipt(r remote.Receipt) error {
	msg, err := e.db.GetMessageByServerID(r.ConversationID, r.ServerID)
	if err != nil {
		return err
	}
	if msg == nil {
		// Receipt raced ahead of its message; the sender will re-ack.
		e.logger.Warn("receipt for unknown message, dropping",
			zap.String("conversation_id", r.ConversationID),
			zap.String("server_id", r.ServerID))
		return nil
	}

	delivered, readBy := msg.DeliveredTo, msg.ReadBy
	changed := false
	switch r.Kind {
	case remote.ReceiptDelivered:
		delivered, changed = receipts.Union(delivered, r.UserID)
	case remote.ReceiptRead:
		var grew bool
		// A read ack implies delivery even when the delivery ack was lost.
		delivered, grew = receipts.Union(delivered, r.UserID)
		readBy, changed = receipts.Union(readBy, r.UserID)
		changed = changed || grew
	default:
		return fmt.Errorf("unknown receipt kind %q", r.Kind)
	}

	if r.UserID == e.self {
		if err := e.db.ResetUnread(r.ConversationID); err != nil {
			return err
		}
	}
	if !changed {
		return nil
	}

	status := msg.Status
	if msg.SenderID == e.self {
		conv, err := e.db.GetConversation(r.ConversationID)
		if err != nil {
			return err
		}
		if conv != nil {
			probe := *msg
			probe.DeliveredTo, probe.ReadBy = delivered, readBy
			proposed := receipts.DeriveStatus(&probe, conv)
			status = string(message.Escalate(message.Status(msg.Status), proposed))
		}
	}

	if err := e.db.UpdateReceipts(r.ConversationID, msg.LocalID, delivered, readBy, status); err != nil {
		return err
	}
	e.bus.Publish(bus.Event{
		Kind:      "timeline.updated",
		Timestamp: time.Now(),
		Payload:   Updated{ConversationID: r.ConversationID, LocalID: msg.LocalID, Status: status},
	})
	return nil
}

// Snapshot returns the canonical timeline in server order. External
// read-only consumers never see a message without an order key here.
func (e *Engine) Snapshot(conversationID string) ([]store.Message, error) {
	return e.db.ListCanonical(conversationID, 0)
}

// SnapshotWithPending returns the canonical timeline followed by pending
// (queued/sending/failed) messages in client creation order, for callers
// that explicitly want optimistic entries.
func (e *Engine) SnapshotWithPending(conversationID string) ([]store.Message, error) {
	canonical, err := e.db.ListCanonical(conversationID, 0)
	if err != nil {
		return nil, err
	}
	pending, err := e.db.ListPending(conversationID)
	if err != nil {
		return nil, err
	}
	return append(canonical, pending...), nil
}

// recordAppend bumps the conversation and announces the canonical append.
func (e *Engine) recordAppend(env remote.Envelope, localID string, inbound bool) error {
	preview := truncate(env.Body, previewLen)
	if err := e.db.BumpActivity(env.ConversationID, env.ServerOrderKey, preview, inbound); err != nil {
		return fmt.Errorf("bump conversation: %w", err)
	}
	e.bus.Publish(bus.Event{
		Kind:      "timeline.appended",
		Timestamp: time.Now(),
		Payload: Appended{
			ConversationID: env.ConversationID,
			LocalID:        localID,
			ServerID:       env.ServerID,
			SenderID:       env.SenderID,
			Preview:        preview,
			OrderKey:       env.ServerOrderKey,
		},
	})
	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
