package remote

import (
	"time"

	"github.com/niftyclaudia/message-ai-sub005/internal/bus"
	"github.com/niftyclaudia/message-ai-sub005/internal/connectivity"
	"go.uber.org/zap"
)

// EventHandler processes transport events, drives the connectivity monitor,
// and publishes parsed domain events on the bus. It does NOT call the
// reconciliation engine directly — the engine subscribes to the bus
// independently.
type EventHandler struct {
	bus     *bus.Bus
	monitor *connectivity.Monitor
	logger  *zap.Logger
}

// NewEventHandler creates a new event handler.
func NewEventHandler(b *bus.Bus, monitor *connectivity.Monitor, logger *zap.Logger) *EventHandler {
	return &EventHandler{
		bus:     b,
		monitor: monitor,
		logger:  logger,
	}
}

// OnConnected reports the transport as up.
func (h *EventHandler) OnConnected() {
	if h.logger != nil {
		h.logger.Info("transport connected")
	}
	h.monitor.ReportUp()
}

// OnInterrupted reports a transient interruption.
func (h *EventHandler) OnInterrupted() {
	if h.logger != nil {
		h.logger.Warn("transport interrupted")
	}
	h.monitor.ReportInterruption()
}

// OnDisconnected reports a definitive disconnect.
func (h *EventHandler) OnDisconnected() {
	if h.logger != nil {
		h.logger.Warn("transport disconnected")
	}
	h.monitor.ReportDown()
}

// OnEnvelope publishes a live canonical message event.
func (h *EventHandler) OnEnvelope(env Envelope) {
	h.bus.Publish(bus.Event{
		Kind:      "remote.message",
		Timestamp: time.Now(),
		Payload:   env,
	})
}

// OnHistory publishes a history backfill batch.
func (h *EventHandler) OnHistory(envs []Envelope) {
	if len(envs) == 0 {
		return
	}
	h.bus.Publish(bus.Event{
		Kind:      "remote.history",
		Timestamp: time.Now(),
		Payload:   envs,
	})
}

// OnReceipt publishes a delivery/read acknowledgement.
func (h *EventHandler) OnReceipt(r Receipt) {
	h.bus.Publish(bus.Event{
		Kind:      "remote.receipt",
		Timestamp: time.Now(),
		Payload:   r,
	})
}

// OnPresence publishes a presence change from the backend.
func (h *EventHandler) OnPresence(p PresenceEvent) {
	h.bus.Publish(bus.Event{
		Kind:      "remote.presence",
		Timestamp: time.Now(),
		Payload:   p,
	})
}
