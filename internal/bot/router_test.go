package bot

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"feedwatch/internal/store"
	"feedwatch/internal/subs"
	kit "feedwatch/internal/transport"
	logx "feedwatch/pkg/logx"
)

type fakeAdapter struct {
	mu    sync.Mutex
	sends []string
}

func (a *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (a *fakeAdapter) Stop(context.Context) error                    { return nil }

func (a *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	a.sends = append(a.sends, text)
	a.mu.Unlock()
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (a *fakeAdapter) last(t *testing.T) string {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.sends) == 0 {
		t.Fatal("no replies sent")
	}
	return a.sends[len(a.sends)-1]
}

func (a *fakeAdapter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sends)
}

type addCall struct {
	owner   int64
	url     string
	cadence int
}

type fakeSubs struct {
	mu      sync.Mutex
	adds    []addCall
	addErr  error
	list    []store.Subscription
	remErr  error
	cadErr  error
	removed []int
}

func (f *fakeSubs) Add(_ context.Context, owner int64, url string, cadenceMin int) (store.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return store.Subscription{}, f.addErr
	}
	f.adds = append(f.adds, addCall{owner: owner, url: url, cadence: cadenceMin})
	return store.Subscription{URL: url, CadenceMin: cadenceMin}, nil
}

func (f *fakeSubs) Remove(_ context.Context, owner int64, index int) (store.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remErr != nil {
		return store.Subscription{}, f.remErr
	}
	f.removed = append(f.removed, index)
	return store.Subscription{URL: "https://a.example/rss"}, nil
}

func (f *fakeSubs) List(int64) []store.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.list
}

func (f *fakeSubs) UpdateCadence(_ context.Context, owner int64, index, cadenceMin int) (store.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cadErr != nil {
		return store.Subscription{}, f.cadErr
	}
	return store.Subscription{URL: "https://a.example/rss", CadenceMin: cadenceMin}, nil
}

func newTestRouter(t *testing.T) (*Router, *fakeAdapter, *fakeSubs) {
	t.Helper()
	ad := &fakeAdapter{}
	fs := &fakeSubs{}
	return NewRouter(ad, fs, logx.Nop()), ad, fs
}

func send(r *Router, chatID int64, text string) {
	r.handleUpdate(context.Background(), kit.Update{
		Message: &kit.Message{ChatID: chatID, FromID: chatID, Text: text},
	})
}

func TestHelpListsCommands(t *testing.T) {
	t.Parallel()
	r, ad, _ := newTestRouter(t)
	send(r, 1, "/help")
	reply := ad.last(t)
	for _, cmd := range []string{"/add", "/list", "/remove", "/cadence", "/cancel"} {
		if !strings.Contains(reply, cmd) {
			t.Errorf("help does not mention %s", cmd)
		}
	}
	// /start behaves like /help.
	send(r, 1, "/start")
	if ad.last(t) != reply {
		t.Error("/start and /help differ")
	}
}

func TestUnknownCommand(t *testing.T) {
	t.Parallel()
	r, ad, _ := newTestRouter(t)
	send(r, 1, "/frobnicate")
	if !strings.Contains(ad.last(t), "Unknown command") {
		t.Fatalf("reply = %q", ad.last(t))
	}
}

func TestAddConversationFlow(t *testing.T) {
	t.Parallel()
	r, ad, fs := newTestRouter(t)

	send(r, 1, "/add")
	if !strings.Contains(ad.last(t), "URL") {
		t.Fatalf("reply = %q, want URL prompt", ad.last(t))
	}

	send(r, 1, "example.com/rss")
	if !strings.Contains(ad.last(t), "minutes") {
		t.Fatalf("reply = %q, want cadence prompt", ad.last(t))
	}

	// A non-numeric answer re-asks instead of aborting.
	send(r, 1, "soon")
	if !strings.Contains(ad.last(t), "number") {
		t.Fatalf("reply = %q, want re-ask", ad.last(t))
	}

	send(r, 1, "30")
	if !strings.Contains(ad.last(t), "Subscribed") {
		t.Fatalf("reply = %q, want confirmation", ad.last(t))
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.adds) != 1 {
		t.Fatalf("adds = %d, want 1", len(fs.adds))
	}
	got := fs.adds[0]
	if got.url != "http://example.com/rss" || got.cadence != 30 || got.owner != 1 {
		t.Fatalf("add call = %+v", got)
	}
}

func TestAddInlineShortcut(t *testing.T) {
	t.Parallel()
	r, ad, fs := newTestRouter(t)
	send(r, 1, "/add https://a.example/rss 15")
	if !strings.Contains(ad.last(t), "Subscribed") {
		t.Fatalf("reply = %q", ad.last(t))
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.adds) != 1 || fs.adds[0].cadence != 15 {
		t.Fatalf("adds = %+v", fs.adds)
	}
}

func TestAddErrorsSurfaceToUser(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"duplicate", subs.ErrDuplicateSource, "already subscribed"},
		{"unreachable", subs.ErrInvalidSource, "reachable"},
		{"limit", subs.ErrTooMany, "limit"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r, ad, fs := newTestRouter(t)
			fs.addErr = tc.err
			send(r, 1, "/add https://a.example/rss 15")
			if !strings.Contains(ad.last(t), tc.want) {
				t.Fatalf("reply = %q, want mention of %q", ad.last(t), tc.want)
			}
		})
	}
}

func TestAddInvalidCadenceKeepsConversationAlive(t *testing.T) {
	t.Parallel()
	r, ad, fs := newTestRouter(t)
	fs.addErr = subs.ErrInvalidCadence

	send(r, 1, "/add")
	send(r, 1, "a.example/rss")
	send(r, 1, "-5")
	if !strings.Contains(ad.last(t), "positive") {
		t.Fatalf("reply = %q", ad.last(t))
	}

	fs.mu.Lock()
	fs.addErr = nil
	fs.mu.Unlock()
	send(r, 1, "30")
	if !strings.Contains(ad.last(t), "Subscribed") {
		t.Fatalf("reply = %q, want success after correction", ad.last(t))
	}
}

func TestCancel(t *testing.T) {
	t.Parallel()
	r, ad, fs := newTestRouter(t)

	send(r, 1, "/cancel")
	if !strings.Contains(ad.last(t), "Nothing to cancel") {
		t.Fatalf("reply = %q", ad.last(t))
	}

	send(r, 1, "/add")
	send(r, 1, "/cancel")
	if ad.last(t) != "Cancelled." {
		t.Fatalf("reply = %q", ad.last(t))
	}

	// The abandoned conversation must not swallow later text.
	before := ad.count()
	send(r, 1, "just chatting")
	if ad.count() != before {
		t.Fatal("plain text after cancel triggered a reply")
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.adds) != 0 {
		t.Fatal("cancelled conversation still added a subscription")
	}
}

func TestConversationExpiresLazily(t *testing.T) {
	t.Parallel()
	r, ad, fs := newTestRouter(t)

	send(r, 1, "/add")
	// Simulate the user coming back after the window closed.
	r.convo.mu.Lock()
	r.convo.pending[1].deadline = time.Now().Add(-time.Minute)
	r.convo.mu.Unlock()

	before := ad.count()
	send(r, 1, "a.example/rss")
	if ad.count() != before {
		t.Fatal("expired conversation still answered")
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.adds) != 0 {
		t.Fatal("expired conversation reached the manager")
	}
}

func TestConversationsAreIndependentPerChat(t *testing.T) {
	t.Parallel()
	r, _, fs := newTestRouter(t)

	send(r, 1, "/add")
	send(r, 2, "/add")
	send(r, 1, "one.example/rss")
	send(r, 2, "two.example/rss")
	send(r, 2, "10")
	send(r, 1, "20")

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.adds) != 2 {
		t.Fatalf("adds = %+v, want 2", fs.adds)
	}
	for _, call := range fs.adds {
		switch call.owner {
		case 1:
			if call.url != "http://one.example/rss" || call.cadence != 20 {
				t.Errorf("chat 1 call = %+v", call)
			}
		case 2:
			if call.url != "http://two.example/rss" || call.cadence != 10 {
				t.Errorf("chat 2 call = %+v", call)
			}
		}
	}
}

func TestList(t *testing.T) {
	t.Parallel()
	r, ad, fs := newTestRouter(t)

	send(r, 1, "/list")
	if !strings.Contains(ad.last(t), "no subscriptions") {
		t.Fatalf("reply = %q", ad.last(t))
	}

	fs.list = []store.Subscription{
		{URL: "https://a.example/rss", CadenceMin: 30},
		{URL: "https://b.example/rss", CadenceMin: 5},
	}
	send(r, 1, "/list")
	reply := ad.last(t)
	if !strings.Contains(reply, "1. https://a.example/rss") || !strings.Contains(reply, "2. https://b.example/rss") {
		t.Fatalf("reply = %q, want numbered list", reply)
	}
}

func TestRemove(t *testing.T) {
	t.Parallel()
	r, ad, fs := newTestRouter(t)

	send(r, 1, "/remove")
	if !strings.Contains(ad.last(t), "Usage") {
		t.Fatalf("reply = %q", ad.last(t))
	}
	send(r, 1, "/remove two")
	if !strings.Contains(ad.last(t), "Usage") {
		t.Fatalf("reply = %q", ad.last(t))
	}

	fs.remErr = subs.ErrNotFound
	send(r, 1, "/remove 7")
	if !strings.Contains(ad.last(t), "No subscription") {
		t.Fatalf("reply = %q", ad.last(t))
	}

	fs.mu.Lock()
	fs.remErr = nil
	fs.mu.Unlock()
	send(r, 1, "/remove 1")
	if !strings.Contains(ad.last(t), "Unsubscribed") {
		t.Fatalf("reply = %q", ad.last(t))
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.removed) != 1 || fs.removed[0] != 1 {
		t.Fatalf("removed = %v", fs.removed)
	}
}

func TestCadenceCommand(t *testing.T) {
	t.Parallel()
	r, ad, fs := newTestRouter(t)

	send(r, 1, "/cadence 1")
	if !strings.Contains(ad.last(t), "Usage") {
		t.Fatalf("reply = %q", ad.last(t))
	}

	fs.cadErr = subs.ErrInvalidCadence
	send(r, 1, "/cadence 1 0")
	if !strings.Contains(ad.last(t), "positive") {
		t.Fatalf("reply = %q", ad.last(t))
	}

	fs.mu.Lock()
	fs.cadErr = nil
	fs.mu.Unlock()
	send(r, 1, "/cadence 1 45")
	if !strings.Contains(ad.last(t), "45 minutes") {
		t.Fatalf("reply = %q", ad.last(t))
	}
}

func TestMenuCommands(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestRouter(t)
	menu := r.MenuCommands()
	if len(menu) == 0 {
		t.Fatal("empty command menu")
	}
	if menu[0].Command != "start" {
		t.Fatalf("first menu entry = %q, want registration order", menu[0].Command)
	}
}
