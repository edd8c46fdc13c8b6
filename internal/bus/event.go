package bus

import "time"

// Event represents a domain event published on the bus.
//
// Kinds are namespaced by the publishing component:
//
//	remote.*   inbound envelopes from the server stream (message, history, receipt, presence)
//	net.*      connectivity transitions (online, reconnecting, offline)
//	queue.*    send queue outcomes (accepted, sent, retry, failed, evicted, rejected)
//	timeline.* canonical timeline changes (appended, updated)
//	receipt.*  local read-acknowledgement proposals
//	presence.* debounced presence changes
//	notify.*   flushed notification bundles
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
