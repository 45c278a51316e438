package subs

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"feedwatch/internal/feed"
	"feedwatch/internal/scheduler"
	logx "feedwatch/pkg/logx"
)

func addSub(t *testing.T, h *harness, chatID int64, url string, ids ...string) scheduler.Key {
	t.Helper()
	h.reader.set(url, testFeed(ids...))
	if _, err := h.svc.Add(context.Background(), chatID, url, 30); err != nil {
		t.Fatalf("Add: %v", err)
	}
	return scheduler.Key{ChatID: chatID, URL: url}
}

func TestFirstCheckNotifyDeliversLatest(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Policy: PolicyNotify})
	key := addSub(t, h, 1, testURL, "e3", "e2", "e1")

	h.timers.fire(t, key)

	if h.out.count() != 1 {
		t.Fatalf("deliveries = %d, want 1", h.out.count())
	}
	if !strings.Contains(h.out.msgs[0].text, "Post e3") {
		t.Errorf("delivered %q, want the latest item", h.out.msgs[0].text)
	}
	sub, _ := h.store.persisted(1, testURL)
	if sub.LastSeenID != "e3" {
		t.Fatalf("persisted marker = %q, want %q", sub.LastSeenID, "e3")
	}
}

func TestFirstCheckSeedIsSilent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Policy: PolicySeed})
	key := addSub(t, h, 1, testURL, "e3", "e2", "e1")

	h.timers.fire(t, key)

	if h.out.count() != 0 {
		t.Fatalf("deliveries = %d, want 0 under seed policy", h.out.count())
	}
	sub, _ := h.store.persisted(1, testURL)
	if sub.LastSeenID != "e3" {
		t.Fatalf("persisted marker = %q, want %q", sub.LastSeenID, "e3")
	}

	// Seeding consumed the baseline; the next new item notifies normally.
	h.reader.set(testURL, testFeed("e4", "e3", "e2"))
	h.timers.fire(t, key)
	if h.out.count() != 1 {
		t.Fatalf("deliveries = %d, want 1 after new item", h.out.count())
	}
}

func TestCheckIsIdempotentPerItem(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	key := addSub(t, h, 1, testURL, "e3")

	h.timers.fire(t, key)
	h.timers.fire(t, key)
	h.timers.fire(t, key)

	if h.out.count() != 1 {
		t.Fatalf("deliveries = %d, want exactly 1 for an unchanged feed", h.out.count())
	}
}

func TestCheckDeliversEachNewItemOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	key := addSub(t, h, 1, testURL, "e3")

	h.timers.fire(t, key)
	h.reader.set(testURL, testFeed("e4", "e3"))
	h.timers.fire(t, key)
	h.timers.fire(t, key)

	if h.out.count() != 2 {
		t.Fatalf("deliveries = %d, want 2 (e3 once, e4 once)", h.out.count())
	}
	if !strings.Contains(h.out.msgs[1].text, "Post e4") {
		t.Errorf("second delivery %q, want e4", h.out.msgs[1].text)
	}
}

func TestCheckFetchFailureLeavesMarkerUntouched(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	key := addSub(t, h, 1, testURL, "e3")
	h.timers.fire(t, key)

	h.reader.fail(testURL, feed.ErrTimeout)
	h.timers.fire(t, key)

	if h.out.count() != 1 {
		t.Fatalf("deliveries = %d, want 1 (failed fetch is silent)", h.out.count())
	}
	sub, _ := h.store.persisted(1, testURL)
	if sub.LastSeenID != "e3" {
		t.Fatalf("marker = %q, want unchanged %q", sub.LastSeenID, "e3")
	}

	// Recovery: the item published during the outage arrives on the next fire.
	h.reader.set(testURL, testFeed("e4", "e3"))
	h.timers.fire(t, key)
	if h.out.count() != 2 {
		t.Fatalf("deliveries = %d, want 2 after recovery", h.out.count())
	}
}

func TestCheckEmptyFeedIsNoop(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	key := addSub(t, h, 1, testURL, "e1")
	h.reader.set(testURL, &feed.Feed{Title: "Example Blog"})

	h.timers.fire(t, key)

	if h.out.count() != 0 {
		t.Fatalf("deliveries = %d, want 0 for an empty feed", h.out.count())
	}
}

func TestCheckPersistFailureSkipsDeliveryAndReverts(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	key := addSub(t, h, 1, testURL, "e3")
	h.timers.fire(t, key)

	h.reader.set(testURL, testFeed("e4", "e3"))
	h.store.mu.Lock()
	h.store.failNext = -1
	h.store.saveErr = backoff.Permanent(errors.New("disk full"))
	h.store.mu.Unlock()

	h.timers.fire(t, key)

	if h.out.count() != 1 {
		t.Fatalf("deliveries = %d, want 1 (no delivery without durable marker)", h.out.count())
	}
	// In-memory marker reverted, so the next healthy fire redelivers e4.
	h.store.mu.Lock()
	h.store.failNext = 0
	h.store.mu.Unlock()

	h.timers.fire(t, key)
	if h.out.count() != 2 {
		t.Fatalf("deliveries = %d, want 2 after store recovery", h.out.count())
	}
	sub, _ := h.store.persisted(1, testURL)
	if sub.LastSeenID != "e4" {
		t.Fatalf("marker = %q, want %q", sub.LastSeenID, "e4")
	}
}

func TestCheckPersistRetriesTransientFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	key := addSub(t, h, 1, testURL, "e3")

	h.store.mu.Lock()
	h.store.failNext = 2
	h.store.saveErr = errors.New("temporarily locked")
	h.store.mu.Unlock()

	h.timers.fire(t, key)

	if h.out.count() != 1 {
		t.Fatalf("deliveries = %d, want 1 after retried persist", h.out.count())
	}
	sub, _ := h.store.persisted(1, testURL)
	if sub.LastSeenID != "e3" {
		t.Fatalf("marker = %q, want %q", sub.LastSeenID, "e3")
	}
}

func TestCheckDeliveryFailureDoesNotRedeliver(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	key := addSub(t, h, 1, testURL, "e3")

	h.out.mu.Lock()
	h.out.err = errors.New("telegram 502")
	h.out.mu.Unlock()
	h.timers.fire(t, key)

	h.out.mu.Lock()
	h.out.err = nil
	h.out.mu.Unlock()
	h.timers.fire(t, key)

	// The marker advanced before the failed send: at-most-once means the item
	// is lost, not repeated.
	if h.out.count() != 0 {
		t.Fatalf("deliveries = %d, want 0", h.out.count())
	}
}

func TestCheckAfterRemovalDoesNotResurrect(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	key := addSub(t, h, 1, testURL, "e3")

	// Capture the fire as if it were already in flight, then remove.
	h.timers.mu.Lock()
	job := h.timers.jobs[key]
	h.timers.mu.Unlock()
	if _, err := h.svc.Remove(context.Background(), 1, 1); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	job()

	if h.out.count() != 0 {
		t.Fatalf("deliveries = %d, want 0 after removal", h.out.count())
	}
	if _, ok := h.store.persisted(1, testURL); ok {
		t.Fatal("removed subscription reappeared in the store")
	}
}

func TestConcurrentChecksDoNotLoseUpdates(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	keyA := addSub(t, h, 1, "https://a.example/rss", "a1")
	keyB := addSub(t, h, 1, "https://b.example/rss", "b1")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); h.timers.fire(t, keyA) }()
	go func() { defer wg.Done(); h.timers.fire(t, keyB) }()
	wg.Wait()

	a, _ := h.store.persisted(1, "https://a.example/rss")
	b, _ := h.store.persisted(1, "https://b.example/rss")
	if a.LastSeenID != "a1" || b.LastSeenID != "b1" {
		t.Fatalf("markers = %q/%q, want a1/b1 (lost update)", a.LastSeenID, b.LastSeenID)
	}
}

func TestRenderNotification(t *testing.T) {
	t.Parallel()
	item := feed.Item{ID: "x", Title: "Hello", Link: "https://example.com/x"}

	got := renderNotification("Example Blog", testURL, item)
	want := "*Fresh from Example Blog:*\n\n*Hello*\nhttps://example.com/x"
	if got != want {
		t.Fatalf("rendered = %q, want %q", got, want)
	}

	// Untitled feeds fall back to the URL.
	if got := renderNotification("", testURL, item); !strings.Contains(got, testURL) {
		t.Fatalf("rendered = %q, want URL fallback", got)
	}
}

func TestMarkerSurvivesRestart(t *testing.T) {
	t.Parallel()
	m := newMemStore()
	reader := newFakeReader()
	reader.set(testURL, testFeed("e3"))

	// First process lifetime: subscribe and check once.
	t1 := newFakeTimers()
	o1 := &fakeOut{}
	s1 := New(Config{}, m, reader, t1, o1, logx.Nop())
	if err := s1.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := s1.Add(context.Background(), 1, testURL, 30); err != nil {
		t.Fatalf("Add: %v", err)
	}
	key := scheduler.Key{ChatID: 1, URL: testURL}
	t1.fire(t, key)
	if o1.count() != 1 {
		t.Fatalf("deliveries = %d, want 1", o1.count())
	}

	// Second process lifetime over the same store: the unchanged item must
	// not be delivered again.
	t2 := newFakeTimers()
	o2 := &fakeOut{}
	s2 := New(Config{}, m, reader, t2, o2, logx.Nop())
	if err := s2.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t2.fire(t, key)
	if o2.count() != 0 {
		t.Fatalf("deliveries after restart = %d, want 0", o2.count())
	}

	var zero time.Time
	sub, _ := m.persisted(1, testURL)
	if sub.CreatedAt.Equal(zero) {
		t.Error("created_at lost across restart")
	}
}
