package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"slices"
	"time"

	"github.com/niftyclaudia/message-ai-sub005/internal/bus"
	"github.com/niftyclaudia/message-ai-sub005/internal/config"
	"github.com/niftyclaudia/message-ai-sub005/internal/message"
	"github.com/niftyclaudia/message-ai-sub005/internal/remote"
	"github.com/niftyclaudia/message-ai-sub005/internal/store"
	"go.uber.org/zap"
)

// ErrFull is returned by Submit under the reject overflow policy when the
// conversation's queue is at capacity. The existing entries are untouched.
var ErrFull = errors.New("send queue is full")

// ErrUnknownConversation is returned when submitting to a conversation the
// store has never seen.
var ErrUnknownConversation = errors.New("unknown conversation")

// ErrNotParticipant is returned when the sender is not in the conversation's
// participant set.
var ErrNotParticipant = errors.New("sender is not a participant")

// ErrNotFailed is returned by Resubmit for messages that are not in the
// failed state.
var ErrNotFailed = errors.New("message is not in failed state")

// Event payloads published under queue.*.
type (
	// Accepted: a send entered the queue.
	Accepted struct {
		ConversationID string
		LocalID        string
	}
	// Sent: the server acknowledged a send. Consumed by the reconciliation
	// engine, which owns the canonical promotion.
	Sent struct {
		ConversationID string
		LocalID        string
		Ack            remote.Ack
	}
	// Retry: a transient failure was rescheduled.
	Retry struct {
		ConversationID string
		LocalID        string
		Attempt        int
		NextRetryAt    int64
	}
	// Failed: attempts exhausted or a permanent failure. Surfaced for manual
	// retry via Resubmit.
	Failed struct {
		ConversationID string
		LocalID        string
		Reason         string
		Permanent      bool
	}
	// Evicted: the oldest entry was dropped under the drop_oldest policy.
	Evicted struct {
		ConversationID string
		LocalID        string
	}
)

// Queue holds messages that cannot currently be sent and retries them with
// exponential backoff. Entries are durable; a restart resumes where the
// previous process left off. Flushing on reconnect happens in enqueue order,
// not retry-countdown order, to preserve user-visible message ordering.
type Queue struct {
	db     *store.DB
	stream remote.Stream
	bus    *bus.Bus
	logger *zap.Logger
	cfg    config.QueueConfig
	cancel context.CancelFunc
}

// New creates a send queue.
func New(db *store.DB, stream remote.Stream, b *bus.Bus, logger *zap.Logger, cfg config.QueueConfig) *Queue {
	return &Queue{
		db:     db,
		stream: stream,
		bus:    b,
		logger: logger,
		cfg:    cfg,
	}
}

// Submit queues an outgoing message and creates its optimistic timeline
// entry. Returns the generated local id, which remains the message's
// permanent identity through retries, failure and resubmission.
func (q *Queue) Submit(conversationID, senderID, body string) (string, error) {
	conv, err := q.db.GetConversation(conversationID)
	if err != nil {
		return "", fmt.Errorf("load conversation: %w", err)
	}
	if conv == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownConversation, conversationID)
	}
	if !slices.Contains(conv.Participants, senderID) {
		return "", fmt.Errorf("%w: %s in %s", ErrNotParticipant, senderID, conversationID)
	}

	if err := q.reserveCapacity(conversationID); err != nil {
		return "", err
	}

	localID := message.NewLocalID()
	now := time.Now().UnixMilli()
	if err := q.db.InsertMessage(&store.Message{
		ConversationID:  conversationID,
		LocalID:         localID,
		SenderID:        senderID,
		Body:            body,
		ClientCreatedAt: now,
		Status:          string(message.StatusQueued),
	}); err != nil {
		return "", fmt.Errorf("insert optimistic message: %w", err)
	}
	if err := q.db.Enqueue(&store.QueueEntry{
		ConversationID: conversationID,
		LocalID:        localID,
		EnqueuedAt:     now,
	}); err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}

	q.bus.Publish(bus.Event{
		Kind:      "queue.accepted",
		Timestamp: time.Now(),
		Payload:   Accepted{ConversationID: conversationID, LocalID: localID},
	})
	return localID, nil
}

// Resubmit re-queues a failed message, reusing its local id. Attempt history
// restarts from zero.
func (q *Queue) Resubmit(conversationID, localID string) error {
	msg, err := q.db.GetMessageByLocalID(conversationID, localID)
	if err != nil {
		return err
	}
	if msg == nil {
		return fmt.Errorf("resubmit %s/%s: message not found", conversationID, localID)
	}
	if _, err := message.Transition(message.Status(msg.Status), message.StatusQueued); err != nil {
		return fmt.Errorf("%w: %s", ErrNotFailed, msg.Status)
	}
	if err := q.reserveCapacity(conversationID); err != nil {
		return err
	}
	if err := q.db.UpdateStatus(conversationID, localID, string(message.StatusQueued)); err != nil {
		return err
	}
	if err := q.db.Enqueue(&store.QueueEntry{
		ConversationID: conversationID,
		LocalID:        localID,
		EnqueuedAt:     time.Now().UnixMilli(),
	}); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	q.bus.Publish(bus.Event{
		Kind:      "queue.accepted",
		Timestamp: time.Now(),
		Payload:   Accepted{ConversationID: conversationID, LocalID: localID},
	})
	return nil
}

// reserveCapacity enforces the per-conversation bound, applying the
// configured overflow policy when full.
func (q *Queue) reserveCapacity(conversationID string) error {
	n, err := q.db.CountQueued(conversationID)
	if err != nil {
		return err
	}
	if n < q.cfg.Capacity {
		return nil
	}
	if q.cfg.OverflowPolicy == config.OverflowDropOldest {
		oldest, err := q.db.OldestQueued(conversationID)
		if err != nil {
			return err
		}
		if oldest == nil {
			return nil
		}
		if err := q.db.DeleteQueueEntry(oldest.LocalID); err != nil {
			return err
		}
		if err := q.db.MarkFailed(conversationID, oldest.LocalID, "evicted: queue full"); err != nil {
			return err
		}
		if q.logger != nil {
			q.logger.Warn("queue full, evicted oldest entry",
				zap.String("conversation_id", conversationID),
				zap.String("local_id", oldest.LocalID))
		}
		q.bus.Publish(bus.Event{
			Kind:      "queue.evicted",
			Timestamp: time.Now(),
			Payload:   Evicted{ConversationID: conversationID, LocalID: oldest.LocalID},
		})
		return nil
	}
	return fmt.Errorf("%w: %s holds %d entries", ErrFull, conversationID, n)
}

// Start begins the retry scheduler and subscribes to connectivity events.
// Transitioning to online flushes all pending entries immediately.
func (q *Queue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	ch, unsub := q.bus.Subscribe("net.online", 16)

	go func() {
		defer unsub()
		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				q.processDue(ctx)
			case <-ch:
				q.flushAll(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the scheduler. In-flight sends run to completion.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
}

// processDue attempts entries whose retry time has passed, in enqueue order.
func (q *Queue) processDue(ctx context.Context) {
	entries, err := q.db.DueQueueEntries(time.Now().UnixMilli())
	if err != nil {
		q.logger.Error("failed to read send queue", zap.Error(err))
		return
	}
	for _, e := range entries {
		q.attempt(ctx, e)
	}
}

// flushAll attempts every entry in enqueue order, ignoring retry countdowns.
func (q *Queue) flushAll(ctx context.Context) {
	entries, err := q.db.AllQueueEntries()
	if err != nil {
		q.logger.Error("failed to read send queue", zap.Error(err))
		return
	}
	if len(entries) > 0 && q.logger != nil {
		q.logger.Info("connectivity restored, flushing send queue", zap.Int("entries", len(entries)))
	}
	for _, e := range entries {
		q.attempt(ctx, e)
	}
}

func (q *Queue) attempt(ctx context.Context, e store.QueueEntry) {
	msg, err := q.db.GetMessageByLocalID(e.ConversationID, e.LocalID)
	if err != nil || msg == nil {
		q.logger.Error("queue entry without message, dropping",
			zap.String("local_id", e.LocalID), zap.Error(err))
		_ = q.db.DeleteQueueEntry(e.LocalID)
		return
	}

	if msg.Status == string(message.StatusQueued) {
		_ = q.db.UpdateStatus(e.ConversationID, e.LocalID, string(message.StatusSending))
	}

	ack, err := q.stream.Send(ctx, remote.Outgoing{
		LocalID:         msg.LocalID,
		ConversationID:  msg.ConversationID,
		SenderID:        msg.SenderID,
		Body:            msg.Body,
		ClientCreatedAt: msg.ClientCreatedAt,
	})
	if err != nil {
		q.handleFailure(e, err)
		return
	}

	if err := q.db.DeleteQueueEntry(e.LocalID); err != nil {
		q.logger.Error("failed to dequeue sent entry", zap.Error(err), zap.String("local_id", e.LocalID))
	}
	q.logger.Info("message sent",
		zap.String("local_id", e.LocalID),
		zap.String("server_id", ack.ServerID),
		zap.Int64("order_key", ack.ServerOrderKey))
	q.bus.Publish(bus.Event{
		Kind:      "queue.sent",
		Timestamp: time.Now(),
		Payload:   Sent{ConversationID: e.ConversationID, LocalID: e.LocalID, Ack: ack},
	})
}

func (q *Queue) handleFailure(e store.QueueEntry, sendErr error) {
	attempts := e.AttemptCount + 1
	permanent := remote.IsPermanent(sendErr)

	if permanent || attempts > q.cfg.MaxAttempts {
		if err := q.db.DeleteQueueEntry(e.LocalID); err != nil {
			q.logger.Error("failed to dequeue failed entry", zap.Error(err))
		}
		if err := q.db.MarkFailed(e.ConversationID, e.LocalID, sendErr.Error()); err != nil {
			q.logger.Error("failed to mark message failed", zap.Error(err))
		}
		q.logger.Error("send failed for good",
			zap.String("local_id", e.LocalID),
			zap.Int("attempts", attempts),
			zap.Bool("permanent", permanent),
			zap.Error(sendErr))
		q.bus.Publish(bus.Event{
			Kind:      "queue.failed",
			Timestamp: time.Now(),
			Payload: Failed{
				ConversationID: e.ConversationID,
				LocalID:        e.LocalID,
				Reason:         sendErr.Error(),
				Permanent:      permanent,
			},
		})
		return
	}

	next := time.Now().Add(withJitter(Delay(q.cfg, attempts))).UnixMilli()
	if err := q.db.RescheduleQueueEntry(e.LocalID, attempts, next); err != nil {
		q.logger.Error("failed to reschedule entry", zap.Error(err))
		return
	}
	q.logger.Warn("transient send failure, backing off",
		zap.String("local_id", e.LocalID),
		zap.Int("attempt", attempts),
		zap.Error(sendErr))
	q.bus.Publish(bus.Event{
		Kind:      "queue.retry",
		Timestamp: time.Now(),
		Payload: Retry{
			ConversationID: e.ConversationID,
			LocalID:        e.LocalID,
			Attempt:        attempts,
			NextRetryAt:    next,
		},
	})
}

// Delay computes the backoff before retry number attempt (1-based):
// base·factor^(attempt-1), capped.
func Delay(cfg config.QueueConfig, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(cfg.RetryBase()) * math.Pow(cfg.RetryFactor, float64(attempt-1)))
	if limit := cfg.RetryCap(); d > limit {
		d = limit
	}
	return d
}

// withJitter spreads a delay over [d/2, 3d/2) so synchronized clients don't
// retry in lockstep.
func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	return d/2 + time.Duration(rand.Int63n(int64(d)))
}
