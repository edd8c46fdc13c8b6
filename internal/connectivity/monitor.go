package connectivity

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/niftyclaudia/message-ai-sub005/internal/bus"
	"go.uber.org/zap"
)

// State represents a network connectivity state.
type State string

const (
	Unknown      State = "unknown"
	Online       State = "online"
	Reconnecting State = "reconnecting"
	Offline      State = "offline"
)

// validTransitions defines allowed connectivity transitions. Reconnecting is
// a transient sub-state entered on detected interruption before offline is
// confirmed.
var validTransitions = map[State][]State{
	Unknown:      {Online, Offline},
	Online:       {Reconnecting, Offline},
	Reconnecting: {Online, Offline},
	Offline:      {Online, Reconnecting},
}

// Change is the payload for net.* events.
type Change struct {
	From State
	To   State
}

// Monitor tracks network state reported by the transport. It is a pure
// observer: transitioning into Online publishes net.online, which the send
// queue consumes as its flush signal; the monitor itself never touches
// message state.
type Monitor struct {
	mu      sync.Mutex
	current State
	bus     *bus.Bus
	logger  *zap.Logger
	grace   time.Duration
	confirm *time.Timer
}

// NewMonitor creates a monitor starting in Unknown. grace is how long an
// interruption may last before offline is confirmed.
func NewMonitor(b *bus.Bus, logger *zap.Logger, grace time.Duration) *Monitor {
	return &Monitor{
		current: Unknown,
		bus:     b,
		logger:  logger,
		grace:   grace,
	}
}

// State returns the current connectivity state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// ReportUp records that the transport is connected.
func (m *Monitor) ReportUp() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelConfirm()
	m.transition(Online)
}

// ReportInterruption records a detected interruption. The monitor enters
// Reconnecting and confirms Offline only if the interruption outlasts the
// grace window.
func (m *Monitor) ReportInterruption() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == Offline || m.current == Reconnecting {
		return
	}
	m.transition(Reconnecting)
	m.cancelConfirm()
	m.confirm = time.AfterFunc(m.grace, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.current == Reconnecting {
			m.transition(Offline)
		}
	})
}

// ReportDown records a definitive loss of connectivity (no grace window).
func (m *Monitor) ReportDown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelConfirm()
	m.transition(Offline)
}

// Stop cancels any pending offline confirmation.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelConfirm()
}

func (m *Monitor) cancelConfirm() {
	if m.confirm != nil {
		m.confirm.Stop()
		m.confirm = nil
	}
}

// transition moves to a new state and publishes the change. Callers hold the
// lock. Same-state reports are absorbed silently.
func (m *Monitor) transition(to State) {
	if m.current == to {
		return
	}
	if !slices.Contains(validTransitions[m.current], to) {
		if m.logger != nil {
			m.logger.Error("invalid connectivity transition",
				zap.String("from", string(m.current)), zap.String("to", string(to)))
		}
		return
	}
	from := m.current
	m.current = to
	if m.logger != nil {
		m.logger.Info("connectivity changed",
			zap.String("from", string(from)), zap.String("to", string(to)))
	}
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      fmt.Sprintf("net.%s", to),
			Timestamp: time.Now(),
			Payload:   Change{From: from, To: to},
		})
	}
}
