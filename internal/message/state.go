package message

import (
	"fmt"
	"slices"

	"github.com/google/uuid"
)

// Status represents a message lifecycle state.
type Status string

const (
	StatusComposing Status = "composing"
	StatusQueued    Status = "queued"
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// validTransitions defines allowed status transitions. failed→queued is the
// explicit resubmit path and reuses the original local id.
var validTransitions = map[Status][]Status{
	StatusComposing: {StatusQueued},
	StatusQueued:    {StatusSending},
	StatusSending:   {StatusSent, StatusFailed},
	StatusSent:      {StatusDelivered, StatusRead},
	StatusDelivered: {StatusRead},
	StatusRead:      {},
	StatusFailed:    {StatusQueued},
}

// rank orders statuses along the delivery pipeline. Receipt handling uses it
// to escalate status monotonically under out-of-order acknowledgements.
var rank = map[Status]int{
	StatusComposing: 0,
	StatusQueued:    1,
	StatusSending:   2,
	StatusSent:      3,
	StatusDelivered: 4,
	StatusRead:      5,
}

// Known reports whether s is a recognized status.
func Known(s Status) bool {
	_, ok := rank[s]
	return ok || s == StatusFailed
}

// CanTransition reports whether from→to is a legal transition.
func CanTransition(from, to Status) bool {
	return slices.Contains(validTransitions[from], to)
}

// Transition validates a status change. Returns an error for illegal moves.
func Transition(from, to Status) (Status, error) {
	if !CanTransition(from, to) {
		return from, fmt.Errorf("invalid message transition from %s to %s", from, to)
	}
	return to, nil
}

// Escalate returns the further-along of two delivery statuses. It never moves
// backwards: a delivered ack arriving after a read ack leaves the message read.
// failed does not participate in escalation.
func Escalate(current, proposed Status) Status {
	cr, cok := rank[current]
	pr, pok := rank[proposed]
	if !cok || !pok {
		return current
	}
	if pr > cr {
		return proposed
	}
	return current
}

// NewLocalID generates a client-side message id. It is created once per
// message, embedded in the outgoing payload, and is the correlation key
// between the optimistic local copy and its server echo.
func NewLocalID() string {
	return uuid.New().String()
}
