package remote

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Loopback is an in-process Stream used by the daemon in standalone mode and
// by tests. It acks sends with monotonic per-conversation order keys and can
// optionally echo each accepted send back through the event handler, which is
// exactly what a real server does on the live stream.
type Loopback struct {
	mu       sync.Mutex
	handler  *EventHandler
	nextKey  map[string]int64
	nextID   int
	echo     bool
	failWith error
	receipts []Receipt
	sent     []Outgoing
}

// NewLoopback creates a loopback stream.
func NewLoopback() *Loopback {
	return &Loopback{nextKey: make(map[string]int64)}
}

// Attach connects the event handler that receives echoes and injected events.
func (l *Loopback) Attach(h *EventHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = h
}

// SetEcho controls whether accepted sends are echoed back as canonical
// envelopes (duplicate of the ack, as the real stream is allowed to do).
func (l *Loopback) SetEcho(echo bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.echo = echo
}

// FailWith makes every subsequent Send fail with err until cleared with nil.
func (l *Loopback) FailWith(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failWith = err
}

// Send implements Stream.
func (l *Loopback) Send(_ context.Context, out Outgoing) (Ack, error) {
	l.mu.Lock()
	if l.failWith != nil {
		err := l.failWith
		l.mu.Unlock()
		return Ack{}, err
	}
	l.nextKey[out.ConversationID]++
	l.nextID++
	ack := Ack{
		ServerID:       fmt.Sprintf("srv-%d", l.nextID),
		ServerOrderKey: l.nextKey[out.ConversationID],
	}
	l.sent = append(l.sent, out)
	handler := l.handler
	echo := l.echo
	l.mu.Unlock()

	if echo && handler != nil {
		handler.OnEnvelope(Envelope{
			LocalID:         out.LocalID,
			ServerID:        ack.ServerID,
			ConversationID:  out.ConversationID,
			SenderID:        out.SenderID,
			Body:            out.Body,
			ServerOrderKey:  ack.ServerOrderKey,
			ServerTimestamp: time.Now().UnixMilli(),
		})
	}
	return ack, nil
}

// SendReceipt implements Stream.
func (l *Loopback) SendReceipt(_ context.Context, r Receipt) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.receipts = append(l.receipts, r)
	return nil
}

// Heartbeat implements the presence backend write (ephemeral TTL key-value).
func (l *Loopback) Heartbeat(_ context.Context, _ string, _ string, _ time.Duration) error {
	return nil
}

// Deliver injects an inbound canonical envelope, assigning server identity if
// the caller left it blank. Used to simulate messages from other users.
func (l *Loopback) Deliver(env Envelope) Envelope {
	l.mu.Lock()
	if env.ServerID == "" {
		l.nextID++
		env.ServerID = fmt.Sprintf("srv-%d", l.nextID)
	}
	if env.ServerOrderKey == 0 {
		l.nextKey[env.ConversationID]++
		env.ServerOrderKey = l.nextKey[env.ConversationID]
	}
	if env.ServerTimestamp == 0 {
		env.ServerTimestamp = time.Now().UnixMilli()
	}
	handler := l.handler
	l.mu.Unlock()

	if handler != nil {
		handler.OnEnvelope(env)
	}
	return env
}

// SentReceipts returns a copy of receipts published so far.
func (l *Loopback) SentReceipts() []Receipt {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Receipt(nil), l.receipts...)
}

// Sent returns a copy of outgoing sends accepted so far.
func (l *Loopback) Sent() []Outgoing {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Outgoing(nil), l.sent...)
}
