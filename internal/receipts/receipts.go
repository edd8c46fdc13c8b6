package receipts

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/niftyclaudia/message-ai-sub005/internal/bus"
	"github.com/niftyclaudia/message-ai-sub005/internal/message"
	"github.com/niftyclaudia/message-ai-sub005/internal/remote"
	"github.com/niftyclaudia/message-ai-sub005/internal/store"
	"go.uber.org/zap"
)

// Union adds member to a sorted set, reporting whether it grew. Sets only
// ever grow; acknowledgements from any device in any order converge to the
// same result.
func Union(set []string, member string) ([]string, bool) {
	i, found := slices.BinarySearch(set, member)
	if found {
		return set, false
	}
	return slices.Insert(set, i, member), true
}

// DeriveStatus proposes a delivery status for a sender's own message from
// its acknowledgement sets. 1:1 conversations are read once the sole other
// participant read; groups once every non-sender participant did.
func DeriveStatus(m *store.Message, conv *store.Conversation) message.Status {
	others := othersOf(conv, m.SenderID)
	if len(others) == 0 {
		return message.StatusSent
	}

	readCount := 0
	deliveredCount := 0
	for _, u := range others {
		if slices.Contains(m.ReadBy, u) {
			readCount++
		}
		if slices.Contains(m.DeliveredTo, u) {
			deliveredCount++
		}
	}

	switch {
	case !conv.IsGroup && readCount > 0:
		return message.StatusRead
	case conv.IsGroup && readCount == len(others):
		return message.StatusRead
	case deliveredCount > 0 || readCount > 0:
		return message.StatusDelivered
	default:
		return message.StatusSent
	}
}

// Summary is the UI roll-up for a message's read state.
type Summary struct {
	Delivered bool
	Read      bool // 1:1: other participant read; group: all non-sender participants read
	ReadCount int  // "read by K of N"
	Total     int  // N = participants excluding the sender
}

// Summarize rolls up a message's acknowledgement sets against its
// conversation's participant list.
func Summarize(m *store.Message, conv *store.Conversation) Summary {
	others := othersOf(conv, m.SenderID)
	s := Summary{Total: len(others)}
	for _, u := range others {
		if slices.Contains(m.ReadBy, u) {
			s.ReadCount++
		}
		if s.Delivered {
			continue
		}
		if slices.Contains(m.DeliveredTo, u) || slices.Contains(m.ReadBy, u) {
			s.Delivered = true
		}
	}
	s.Read = s.Total > 0 && s.ReadCount == s.Total
	return s
}

func othersOf(conv *store.Conversation, sender string) []string {
	var others []string
	for _, p := range conv.Participants {
		if p != sender {
			others = append(others, p)
		}
	}
	return others
}

// Aggregator turns local view events (conversation opened, message scrolled
// into view) into read acknowledgements. Marking is at-least-once and
// idempotent: messages already read by this user are skipped, and the engine
// absorbs replays of the rest.
type Aggregator struct {
	db     *store.DB
	stream remote.Stream
	bus    *bus.Bus
	logger *zap.Logger
	self   string
}

// NewAggregator creates a read-receipt aggregator for the local user.
func NewAggregator(db *store.DB, stream remote.Stream, b *bus.Bus, logger *zap.Logger, self string) *Aggregator {
	return &Aggregator{
		db:     db,
		stream: stream,
		bus:    b,
		logger: logger,
		self:   self,
	}
}

// MarkConversationRead marks every unread inbound canonical message in the
// conversation as read by the local user.
func (a *Aggregator) MarkConversationRead(ctx context.Context, conversationID string) error {
	msgs, err := a.db.ListCanonical(conversationID, 0)
	if err != nil {
		return fmt.Errorf("list canonical: %w", err)
	}
	for i := range msgs {
		m := &msgs[i]
		if m.SenderID == a.self || slices.Contains(m.ReadBy, a.self) {
			continue
		}
		a.propose(ctx, remote.Receipt{
			ConversationID: conversationID,
			ServerID:       m.ServerID,
			UserID:         a.self,
			Kind:           remote.ReceiptRead,
		})
	}
	return nil
}

// MarkMessageRead marks a single canonical message (scrolled into view) as
// read by the local user. Re-marking an already-read message is a no-op.
func (a *Aggregator) MarkMessageRead(ctx context.Context, conversationID, localID string) error {
	m, err := a.db.GetMessageByLocalID(conversationID, localID)
	if err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("mark read %s/%s: message not found", conversationID, localID)
	}
	if !m.HasOrderKey || m.SenderID == a.self || slices.Contains(m.ReadBy, a.self) {
		return nil
	}
	a.propose(ctx, remote.Receipt{
		ConversationID: conversationID,
		ServerID:       m.ServerID,
		UserID:         a.self,
		Kind:           remote.ReceiptRead,
	})
	return nil
}

// propose submits the mutation to the reconciliation engine via the bus and
// publishes the receipt to the server. Both sides are idempotent, so a
// duplicate proposal is harmless.
func (a *Aggregator) propose(ctx context.Context, r remote.Receipt) {
	a.bus.Publish(bus.Event{
		Kind:      "receipt.read",
		Timestamp: time.Now(),
		Payload:   r,
	})
	if err := a.stream.SendReceipt(ctx, r); err != nil && a.logger != nil {
		// The server missed this one; a later re-mark will resend it.
		a.logger.Warn("failed to publish read receipt",
			zap.String("server_id", r.ServerID), zap.Error(err))
	}
}
