package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/niftyclaudia/message-ai-sub005/internal/bus"
	"github.com/niftyclaudia/message-ai-sub005/internal/timeline"
	"go.uber.org/zap"
)

type recordingPusher struct {
	mu     sync.Mutex
	pushed []Notification
}

func (p *recordingPusher) Push(_ context.Context, n Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushed = append(p.pushed, n)
	return nil
}

func (p *recordingPusher) all() []Notification {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Notification(nil), p.pushed...)
}

func newBundler(t *testing.T, b *bus.Bus, window time.Duration) (*Bundler, *recordingPusher) {
	t.Helper()
	p := &recordingPusher{}
	bd := NewBundler(p, b, zap.NewNop(), "alice", window)
	bd.Start(context.Background())
	t.Cleanup(bd.Stop)
	return bd, p
}

func appended(conv, sender, preview string) bus.Event {
	return bus.Event{
		Kind:      "timeline.appended",
		Timestamp: time.Now(),
		Payload: timeline.Appended{
			ConversationID: conv,
			SenderID:       sender,
			Preview:        preview,
		},
	}
}

func waitPushes(t *testing.T, p *recordingPusher, want int, timeout time.Duration) []Notification {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if got := p.all(); len(got) >= want {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("got %d notifications, want %d", len(p.all()), want)
	return nil
}

func TestSingleMessageCarriesPreview(t *testing.T) {
	b := bus.New()
	_, p := newBundler(t, b, 50*time.Millisecond)

	b.Publish(appended("c1", "bob", "hello there"))

	got := waitPushes(t, p, 1, time.Second)
	n := got[0]
	if n.Count != 1 || n.Title != "bob" || n.Body != "hello there" {
		t.Errorf("notification = %+v, want bob's preview", n)
	}
}

func TestBurstCoalescesToOneNotification(t *testing.T) {
	b := bus.New()
	_, p := newBundler(t, b, 150*time.Millisecond)

	// Three messages inside one window.
	b.Publish(appended("c1", "bob", "one"))
	time.Sleep(40 * time.Millisecond)
	b.Publish(appended("c1", "bob", "two"))
	time.Sleep(40 * time.Millisecond)
	b.Publish(appended("c1", "carol", "three"))

	got := waitPushes(t, p, 1, time.Second)
	if len(got) != 1 {
		t.Fatalf("got %d notifications, want 1", len(got))
	}
	if got[0].Count != 3 || got[0].Body != "3 new messages" {
		t.Errorf("notification = %+v, want 3 new messages", got[0])
	}

	// A later message opens a fresh bundle with its own window.
	b.Publish(appended("c1", "bob", "four"))
	got = waitPushes(t, p, 2, time.Second)
	if got[1].Count != 1 || got[1].Body != "four" {
		t.Errorf("second notification = %+v, want single preview", got[1])
	}
}

func TestWindowIsFixedNotSliding(t *testing.T) {
	b := bus.New()
	_, p := newBundler(t, b, 100*time.Millisecond)

	// Keep messages coming past the deadline; the flush must still happen at
	// windowStart+W, not be pushed out by the burst.
	start := time.Now()
	stop := make(chan struct{})
	go func() {
		defer close(stop)
		for i := 0; i < 10; i++ {
			b.Publish(appended("c1", "bob", "spam"))
			time.Sleep(30 * time.Millisecond)
		}
	}()

	got := waitPushes(t, p, 1, time.Second)
	if elapsed := time.Since(start); elapsed > 250*time.Millisecond {
		t.Errorf("first flush after %v, want about one window", elapsed)
	}
	if got[0].Count < 2 {
		t.Errorf("count = %d, want the burst coalesced", got[0].Count)
	}
	<-stop
}

func TestOwnMessagesNeverNotify(t *testing.T) {
	b := bus.New()
	_, p := newBundler(t, b, 30*time.Millisecond)

	b.Publish(appended("c1", "alice", "my own send"))

	time.Sleep(100 * time.Millisecond)
	if got := p.all(); len(got) != 0 {
		t.Errorf("own message notified: %+v", got)
	}
}

func TestForegroundSuppresses(t *testing.T) {
	b := bus.New()
	bd, p := newBundler(t, b, 30*time.Millisecond)

	bd.Foreground(context.Background(), "c1")
	b.Publish(appended("c1", "bob", "hello"))

	time.Sleep(100 * time.Millisecond)
	if got := p.all(); len(got) != 0 {
		t.Errorf("foregrounded conversation notified: %+v", got)
	}

	// Other conversations still notify.
	b.Publish(appended("c2", "bob", "elsewhere"))
	waitPushes(t, p, 1, time.Second)

	// Backgrounding re-enables notifications for c1.
	bd.Background("c1")
	b.Publish(appended("c1", "bob", "back again"))
	got := waitPushes(t, p, 2, time.Second)
	if got[1].ConversationID != "c1" {
		t.Errorf("notification = %+v, want c1", got[1])
	}
}

func TestForegroundFlushesOpenBundleImmediately(t *testing.T) {
	b := bus.New()
	bd, p := newBundler(t, b, time.Hour)

	b.Publish(appended("c1", "bob", "one"))
	b.Publish(appended("c1", "bob", "two"))

	// Give the subscription goroutine time to absorb both.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		bd.mu.Lock()
		open := bd.bundles["c1"]
		count := 0
		if open != nil {
			count = open.count
		}
		bd.mu.Unlock()
		if count == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	bd.Foreground(context.Background(), "c1")
	got := waitPushes(t, p, 1, time.Second)
	if got[0].Count != 2 {
		t.Errorf("flushed bundle count = %d, want 2", got[0].Count)
	}
}

func TestFlushedEventPublished(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("notify.", 10)
	defer unsub()
	newBundler(t, b, 30*time.Millisecond)

	b.Publish(appended("c1", "bob", "hello"))

	select {
	case evt := <-ch:
		if evt.Kind != "notify.flushed" {
			t.Errorf("kind = %q, want notify.flushed", evt.Kind)
		}
		n := evt.Payload.(Notification)
		if n.ConversationID != "c1" {
			t.Errorf("payload = %+v", n)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for notify.flushed")
	}
}
