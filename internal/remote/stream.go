package remote

import (
	"context"
	"errors"
	"fmt"
)

// Envelope is a canonical message event from the server stream. Delivery is
// at-least-once and possibly out of order; LocalID is present only when the
// server echoes a message this client sent.
type Envelope struct {
	LocalID         string
	ServerID        string
	ConversationID  string
	SenderID        string
	Body            string
	ServerOrderKey  int64
	ServerTimestamp int64
}

// ReceiptKind distinguishes delivery from read acknowledgements.
type ReceiptKind string

const (
	ReceiptDelivered ReceiptKind = "delivered"
	ReceiptRead      ReceiptKind = "read"
)

// Receipt is a per-user acknowledgement for a canonical message. Receipts
// arrive at-least-once, from any of a user's devices, in any order.
type Receipt struct {
	ConversationID string
	ServerID       string
	UserID         string
	Kind           ReceiptKind
}

// PresenceEvent is a presence change from the backend subscription.
type PresenceEvent struct {
	UserID string
	State  string
}

// Outgoing is the publish payload for a send. LocalID rides along so the
// server echo can be correlated back to the optimistic local copy.
type Outgoing struct {
	LocalID         string
	ConversationID  string
	SenderID        string
	Body            string
	ClientCreatedAt int64
}

// Ack is the server's acceptance of an outgoing send.
type Ack struct {
	ServerID       string
	ServerOrderKey int64
}

// SendError classifies a send failure. Permanent failures (validation,
// missing conversation) are never retried; everything else is treated as
// transient and retried with backoff.
type SendError struct {
	Permanent bool
	Reason    string
}

func (e *SendError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("%s send failure: %s", kind, e.Reason)
}

// IsPermanent reports whether err is a permanent (non-retryable) send failure.
func IsPermanent(err error) bool {
	var se *SendError
	return errors.As(err, &se) && se.Permanent
}

// Stream is the transport boundary to the message server. Implementations
// are external collaborators; the core only assumes at-least-once semantics.
type Stream interface {
	// Send publishes an outgoing message and returns the server's ack.
	Send(ctx context.Context, out Outgoing) (Ack, error)
	// SendReceipt publishes a read/delivery acknowledgement. At-least-once;
	// the server absorbs duplicates.
	SendReceipt(ctx context.Context, r Receipt) error
}
