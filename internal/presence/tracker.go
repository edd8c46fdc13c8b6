package presence

import (
	"context"
	"sync"
	"time"

	"github.com/niftyclaudia/message-ai-sub005/internal/bus"
	"github.com/niftyclaudia/message-ai-sub005/internal/config"
	"github.com/niftyclaudia/message-ai-sub005/internal/remote"
	"go.uber.org/zap"
)

// State is an ephemeral per-user presence state.
type State string

const (
	Online  State = "online"
	Away    State = "away"
	Offline State = "offline"
)

// Changed is published on presence.changed after a state change survives the
// debounce grace period.
type Changed struct {
	UserID string
	From   State
	To     State
}

// Backend is the external ephemeral key-value store with TTL. Writes are
// heartbeats; change events for other users come back through the remote
// event handler.
type Backend interface {
	Heartbeat(ctx context.Context, userID, state string, ttl time.Duration) error
}

// record tracks one user. published is what subscribers last saw; observed is
// the raw current state, which only replaces published after it has held for
// the grace period.
type record struct {
	published      State
	observed       State
	observedSince  time.Time
	leaseExpiresAt time.Time
}

// Tracker owns the presence table. Records are created and refreshed by
// heartbeats, expire automatically to offline when the lease lapses, and
// propagate to subscribers only after a change holds stable for the grace
// period, so a connection flap shorter than the grace window is invisible.
type Tracker struct {
	mu      sync.Mutex
	records map[string]*record

	bus     *bus.Bus
	logger  *zap.Logger
	backend Backend // optional
	self    string
	cfg     config.PresenceConfig
	cancel  context.CancelFunc
}

// NewTracker creates a presence tracker. backend may be nil when the process
// only consumes presence and never publishes its own.
func NewTracker(b *bus.Bus, logger *zap.Logger, backend Backend, self string, cfg config.PresenceConfig) *Tracker {
	return &Tracker{
		records: make(map[string]*record),
		bus:     b,
		logger:  logger,
		backend: backend,
		self:    self,
		cfg:     cfg,
	}
}

// Observe records a raw presence report for a user and refreshes the lease.
// The change is not visible to Get or subscribers until it survives the
// debounce.
func (t *Tracker) Observe(userID string, state State) {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.records[userID]
	if !ok {
		r = &record{published: Offline, observed: Offline, observedSince: now}
		t.records[userID] = r
	}
	r.leaseExpiresAt = now.Add(t.cfg.LeaseTTL())
	if r.observed != state {
		r.observed = state
		r.observedSince = now
	}
}

// Get returns the debounced state for a user. Unknown users are offline.
func (t *Tracker) Get(userID string) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.records[userID]; ok {
		return r.published
	}
	return Offline
}

// Snapshot returns the debounced state of every known user.
func (t *Tracker) Snapshot() map[string]State {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]State, len(t.records))
	for id, r := range t.records {
		out[id] = r.published
	}
	return out
}

// Start begins the expiry/debounce sweeper, subscribes to presence events
// from the remote stream, and, when a backend is configured, heartbeats the
// local user's own presence.
func (t *Tracker) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	ch, unsub := t.bus.Subscribe("remote.presence", 64)

	go func() {
		defer unsub()
		// Sweep well under the grace period so propagation latency stays low.
		interval := t.cfg.Grace() / 4
		if interval < 10*time.Millisecond {
			interval = 10 * time.Millisecond
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case evt := <-ch:
				if pe, ok := evt.Payload.(remote.PresenceEvent); ok {
					t.Observe(pe.UserID, State(pe.State))
				}
			case <-ticker.C:
				t.sweep(time.Now())
			case <-ctx.Done():
				return
			}
		}
	}()

	if t.backend != nil {
		go t.heartbeatLoop(ctx)
	}
}

// Stop stops the sweeper and heartbeat loop.
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
}

// sweep expires lapsed leases and promotes observed states that have held
// stable for the grace period.
func (t *Tracker) sweep(now time.Time) {
	var changes []Changed

	t.mu.Lock()
	for userID, r := range t.records {
		if r.observed != Offline && now.After(r.leaseExpiresAt) {
			r.observed = Offline
			r.observedSince = r.leaseExpiresAt
		}
		if r.observed == r.published {
			continue
		}
		if now.Sub(r.observedSince) < t.cfg.Grace() {
			continue
		}
		changes = append(changes, Changed{UserID: userID, From: r.published, To: r.observed})
		r.published = r.observed
	}
	t.mu.Unlock()

	for _, c := range changes {
		if t.logger != nil {
			t.logger.Debug("presence changed",
				zap.String("user_id", c.UserID),
				zap.String("from", string(c.From)),
				zap.String("to", string(c.To)))
		}
		t.bus.Publish(bus.Event{
			Kind:      "presence.changed",
			Timestamp: now,
			Payload:   c,
		})
	}
}

// heartbeatLoop keeps the local user's lease alive in the backend. The first
// beat goes out immediately so peers see us without waiting a full interval.
func (t *Tracker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.Heartbeat())
	defer ticker.Stop()

	beat := func() {
		if err := t.backend.Heartbeat(ctx, t.self, string(Online), t.cfg.LeaseTTL()); err != nil {
			if t.logger != nil {
				t.logger.Warn("presence heartbeat failed", zap.Error(err))
			}
			return
		}
		t.Observe(t.self, Online)
	}

	beat()
	for {
		select {
		case <-ticker.C:
			beat()
		case <-ctx.Done():
			return
		}
	}
}
