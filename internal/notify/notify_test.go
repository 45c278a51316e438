package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	kit "feedwatch/internal/transport"
	logx "feedwatch/pkg/logx"
)

type fakeAdapter struct {
	mu    sync.Mutex
	sends []sendCall
	err   error
}

type sendCall struct {
	to   kit.ChatTarget
	text string
	opt  kit.SendOptions
}

func (a *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (a *fakeAdapter) Stop(context.Context) error                    { return nil }

func (a *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return kit.MessageRef{}, a.err
	}
	var o kit.SendOptions
	if opt != nil {
		o = *opt
	}
	a.sends = append(a.sends, sendCall{to: to, text: text, opt: o})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(a.sends)}, nil
}

func TestDeliverSendsMarkdownWithPreview(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	d := New(Config{RatePerSec: 100}, ad, logx.Nop())

	if err := d.Deliver(context.Background(), 42, "*hi*"); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	ad.mu.Lock()
	defer ad.mu.Unlock()
	if len(ad.sends) != 1 {
		t.Fatalf("sends = %d, want 1", len(ad.sends))
	}
	got := ad.sends[0]
	if got.to.ChatID != 42 || got.text != "*hi*" {
		t.Fatalf("send = %+v", got)
	}
	if got.opt.ParseMode != "Markdown" {
		t.Errorf("parse mode = %q, want Markdown", got.opt.ParseMode)
	}
	// Link previews are part of the notification.
	if got.opt.DisablePreview {
		t.Error("preview disabled, want enabled")
	}
}

func TestDeliverWrapsTransportFailure(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{err: errors.New("telegram: 502")}
	d := New(Config{RatePerSec: 100}, ad, logx.Nop())

	err := d.Deliver(context.Background(), 42, "hi")
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("err = %v, want ErrDeliveryFailed", err)
	}
}

func TestDeliverHonorsCanceledContext(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	// Rate 1/s with an exhausted burst forces Wait to block.
	d := New(Config{RatePerSec: 1}, ad, logx.Nop())
	if err := d.Deliver(context.Background(), 1, "warm up"); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := d.Deliver(ctx, 1, "second"); !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("err = %v, want ErrDeliveryFailed on canceled wait", err)
	}
}
