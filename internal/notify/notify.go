// Package notify sends rendered notifications through the messaging transport.
//
// Delivery is single-attempt: a failed send is reported to the caller and
// logged, never retried and never rolled back; the dedup marker has already
// been persisted by then, which is the at-most-once-per-item policy.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	kit "feedwatch/internal/transport"
	logx "feedwatch/pkg/logx"
)

// ErrDeliveryFailed wraps any transport send failure.
var ErrDeliveryFailed = errors.New("delivery failed")

type Config struct {
	// RatePerSec caps outbound sends across all subscriptions so a burst of new
	// items doesn't trip Telegram flood limits. Zero means 3.
	RatePerSec int
}

type Dispatcher struct {
	adapter kit.Adapter
	log     logx.Logger

	mu      sync.Mutex
	limiter *rate.Limiter
}

func New(cfg Config, adapter kit.Adapter, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{adapter: adapter, log: log}
	d.Apply(cfg)
	return d
}

// Apply updates the send rate at runtime.
func (d *Dispatcher) Apply(cfg Config) {
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 3
	}
	d.mu.Lock()
	d.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	d.mu.Unlock()
}

// Deliver sends text to the chat as Markdown with link previews left on
// (the preview is part of the notification for feed items).
func (d *Dispatcher) Deliver(ctx context.Context, chatID int64, text string) error {
	d.mu.Lock()
	lim := d.limiter
	d.mu.Unlock()

	if err := lim.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}

	_, err := d.adapter.SendText(ctx, kit.ChatTarget{ChatID: chatID}, text, &kit.SendOptions{
		ParseMode:      "Markdown",
		DisablePreview: false,
	})
	if err != nil {
		d.log.Warn("notification send failed", logx.Int64("chat_id", chatID), logx.Err(err))
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	d.log.Debug("notification sent", logx.Int64("chat_id", chatID))
	return nil
}
