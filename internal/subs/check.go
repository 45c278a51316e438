package subs

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"feedwatch/internal/feed"
	logx "feedwatch/pkg/logx"
)

// saveMaxElapsed bounds the retry window for a persist; past it the marker
// advance is abandoned and the fire skipped.
const saveMaxElapsed = 5 * time.Second

// runCheck is one timer fire: fetch, compare the latest item against the
// dedup marker, persist the advance, then deliver. Persist-before-deliver
// keeps duplicates out across crashes; a crash between the two loses at most
// one notification (at-most-once).
func (s *Service) runCheck(ctx context.Context, owner int64, feedURL string) {
	clog := s.log.With(logx.Int64("chat_id", owner), logx.String("url", feedURL))

	f, err := s.reader.Fetch(ctx, feedURL)
	if err != nil {
		// Transient fetch failures are invisible to the user; the marker is
		// untouched and the next fire retries naturally.
		clog.Warn("check fetch failed", logx.Err(err))
		return
	}
	if len(f.Items) == 0 {
		clog.Debug("source has no identifiable items")
		return
	}
	latest := f.Items[0]

	s.mu.Lock()
	idx := -1
	for i, sub := range s.state[owner] {
		if sub.URL == feedURL {
			idx = i
			break
		}
	}
	if idx < 0 {
		// Removed while the fetch was in flight; a cancelled subscription
		// must never resurrect its marker.
		s.mu.Unlock()
		clog.Debug("subscription gone, dropping fire result")
		return
	}
	prev := s.state[owner][idx].LastSeenID
	if prev == latest.ID {
		s.mu.Unlock()
		return
	}
	first := prev == ""
	s.state[owner][idx].LastSeenID = latest.ID
	if err := s.persistLocked(ctx); err != nil {
		// Without durability we may not claim the item as seen; revert and
		// let the next fire redeliver rather than silently drop it.
		s.state[owner][idx].LastSeenID = prev
		s.mu.Unlock()
		clog.Error("marker persist failed, skipping delivery", logx.Err(err))
		return
	}
	s.mu.Unlock()

	if first && s.cfg.Policy == PolicySeed {
		clog.Info("baseline seeded", logx.String("last_seen_id", latest.ID))
		return
	}

	if err := s.out.Deliver(ctx, owner, renderNotification(f.Title, feedURL, latest)); err != nil {
		// Single attempt; the marker already advanced, so this item is lost.
		clog.Warn("delivery failed", logx.String("item_id", latest.ID), logx.Err(err))
		return
	}
	clog.Info("item delivered", logx.String("item_id", latest.ID))
}

// persistLocked writes the full state snapshot with bounded exponential
// retries. Callers hold s.mu.
func (s *Service) persistLocked(ctx context.Context) error {
	snapshot := s.state.Clone()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = saveMaxElapsed
	return backoff.Retry(func() error {
		return s.store.Save(ctx, snapshot)
	}, backoff.WithContext(bo, ctx))
}

func renderNotification(feedTitle, feedURL string, item feed.Item) string {
	source := feedTitle
	if source == "" {
		source = feedURL
	}
	return fmt.Sprintf("*Fresh from %s:*\n\n*%s*\n%s", source, item.Title, item.Link)
}
