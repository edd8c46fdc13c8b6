package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/niftyclaudia/message-ai-sub005/internal/bus"
	"github.com/niftyclaudia/message-ai-sub005/internal/config"
	"github.com/niftyclaudia/message-ai-sub005/internal/remote"
	"go.uber.org/zap"
)

func testCfg() config.PresenceConfig {
	return config.PresenceConfig{
		LeaseTTLMS:  200,
		GraceMS:     100,
		HeartbeatMS: 50,
	}
}

func newTracker(b *bus.Bus, backend Backend) *Tracker {
	if b == nil {
		b = bus.New()
	}
	return NewTracker(b, zap.NewNop(), backend, "alice", testCfg())
}

func waitChange(t *testing.T, ch <-chan bus.Event, timeout time.Duration) Changed {
	t.Helper()
	select {
	case evt := <-ch:
		c, ok := evt.Payload.(Changed)
		if !ok {
			t.Fatalf("payload = %#v, want Changed", evt.Payload)
		}
		return c
	case <-time.After(timeout):
		t.Fatal("timeout waiting for presence.changed")
		return Changed{}
	}
}

func TestUnknownUserIsOffline(t *testing.T) {
	tr := newTracker(nil, nil)
	if got := tr.Get("stranger"); got != Offline {
		t.Errorf("state = %s, want offline", got)
	}
}

func TestObservePropagatesAfterGrace(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("presence.", 10)
	defer unsub()

	tr := newTracker(b, nil)
	tr.Start(context.Background())
	defer tr.Stop()

	tr.Observe("bob", Online)
	if got := tr.Get("bob"); got != Offline {
		t.Errorf("state propagated before grace: %s", got)
	}

	c := waitChange(t, ch, time.Second)
	if c.UserID != "bob" || c.From != Offline || c.To != Online {
		t.Errorf("change = %+v, want bob offline->online", c)
	}
	if got := tr.Get("bob"); got != Online {
		t.Errorf("state = %s, want online", got)
	}
}

func TestFlapWithinGraceIsInvisible(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("presence.", 10)
	defer unsub()

	tr := newTracker(b, nil)
	tr.Start(context.Background())
	defer tr.Stop()

	// Establish bob as online.
	tr.Observe("bob", Online)
	waitChange(t, ch, time.Second)

	// Flap well inside the grace window.
	tr.Observe("bob", Offline)
	time.Sleep(20 * time.Millisecond)
	tr.Observe("bob", Online)

	select {
	case evt := <-ch:
		t.Errorf("flap propagated: %+v", evt.Payload)
	case <-time.After(300 * time.Millisecond):
		// Expected: no transition observed.
	}
	if got := tr.Get("bob"); got != Online {
		t.Errorf("state = %s, want online", got)
	}
}

func TestLeaseExpiryGoesOffline(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("presence.", 10)
	defer unsub()

	tr := newTracker(b, nil)
	tr.Start(context.Background())
	defer tr.Stop()

	tr.Observe("bob", Online)
	waitChange(t, ch, time.Second)

	// No refresh: the lease lapses and bob drops to offline on its own.
	c := waitChange(t, ch, time.Second)
	if c.UserID != "bob" || c.To != Offline {
		t.Errorf("change = %+v, want bob -> offline", c)
	}
}

func TestHeartbeatRefreshKeepsOnline(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("presence.", 10)
	defer unsub()

	tr := newTracker(b, nil)
	tr.Start(context.Background())
	defer tr.Stop()

	tr.Observe("bob", Online)
	waitChange(t, ch, time.Second)

	// Keep refreshing for longer than one lease TTL.
	for i := 0; i < 6; i++ {
		time.Sleep(100 * time.Millisecond)
		tr.Observe("bob", Online)
	}

	select {
	case evt := <-ch:
		t.Errorf("refreshed lease still expired: %+v", evt.Payload)
	case <-time.After(50 * time.Millisecond):
	}
	if got := tr.Get("bob"); got != Online {
		t.Errorf("state = %s, want online", got)
	}
}

func TestRemotePresenceEventsObserved(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("presence.", 10)
	defer unsub()

	tr := newTracker(b, nil)
	tr.Start(context.Background())
	defer tr.Stop()

	b.Publish(bus.Event{
		Kind:      "remote.presence",
		Timestamp: time.Now(),
		Payload:   remote.PresenceEvent{UserID: "carol", State: "away"},
	})

	c := waitChange(t, ch, time.Second)
	if c.UserID != "carol" || c.To != Away {
		t.Errorf("change = %+v, want carol -> away", c)
	}
}

type mockBackend struct {
	mu    sync.Mutex
	beats []string
}

func (m *mockBackend) Heartbeat(_ context.Context, userID, state string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.beats = append(m.beats, userID+":"+state)
	return nil
}

func (m *mockBackend) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.beats)
}

func TestSelfHeartbeatLoop(t *testing.T) {
	backend := &mockBackend{}
	tr := newTracker(nil, backend)
	tr.Start(context.Background())
	defer tr.Stop()

	deadline := time.Now().Add(time.Second)
	for backend.count() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if backend.count() < 3 {
		t.Fatalf("got %d heartbeats, want at least 3", backend.count())
	}

	backend.mu.Lock()
	first := backend.beats[0]
	backend.mu.Unlock()
	if first != "alice:online" {
		t.Errorf("first beat = %q, want alice:online", first)
	}
}

func TestSnapshotReportsPublishedStates(t *testing.T) {
	tr := newTracker(nil, nil)
	tr.Observe("bob", Online)

	// Without a sweep the observed change is still pending.
	snap := tr.Snapshot()
	if snap["bob"] != Offline {
		t.Errorf("snapshot before grace = %s, want offline", snap["bob"])
	}

	tr.sweep(time.Now().Add(testCfg().Grace() + time.Millisecond))
	snap = tr.Snapshot()
	if snap["bob"] != Online {
		t.Errorf("snapshot after grace = %s, want online", snap["bob"])
	}
}
