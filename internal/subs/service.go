// Package subs is the subscription manager: the public surface for adding,
// listing, removing, and re-pacing subscriptions, plus the per-fire check
// routine that detects and delivers new items.
//
// All state mutation, manager operations and check-routine marker advances
// alike, funnels through one exclusive lock around read-modify-persist. Concurrent
// fires for different subscriptions therefore never lose each other's updates
// to the persisted mapping.
package subs

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"feedwatch/internal/feed"
	"feedwatch/internal/scheduler"
	"feedwatch/internal/store"
	logx "feedwatch/pkg/logx"
)

var (
	ErrInvalidCadence  = errors.New("cadence must be a positive number of minutes")
	ErrInvalidSource   = errors.New("source is not a reachable feed")
	ErrDuplicateSource = errors.New("source already subscribed")
	ErrNotFound        = errors.New("subscription not found")
	ErrTooMany         = errors.New("subscription limit reached")
)

// FirstCheckPolicy selects what the first successful check of a fresh
// subscription does.
type FirstCheckPolicy int

const (
	// PolicyNotify delivers the current latest item on the first check
	// (the behavior the original bot exhibits).
	PolicyNotify FirstCheckPolicy = iota
	// PolicySeed records the marker silently; notifications start with the
	// next genuinely new item.
	PolicySeed
)

func ParsePolicy(s string) FirstCheckPolicy {
	if strings.EqualFold(strings.TrimSpace(s), "seed") {
		return PolicySeed
	}
	return PolicyNotify
}

// SourceReader is the abstract feed-fetching capability the manager depends on.
type SourceReader interface {
	Fetch(ctx context.Context, url string) (*feed.Feed, error)
	Validate(ctx context.Context, url string) error
}

// Deliverer sends one rendered notification; single attempt, no retry.
type Deliverer interface {
	Deliver(ctx context.Context, chatID int64, text string) error
}

// Timers is the scheduler surface the manager drives.
type Timers interface {
	Arm(key scheduler.Key, cadence time.Duration, job func(), immediate bool)
	Cancel(key scheduler.Key) bool
}

type Config struct {
	Policy FirstCheckPolicy
	// MaxPerUser caps subscriptions per chat; 0 means unlimited.
	MaxPerUser int
}

type Service struct {
	cfg    Config
	log    logx.Logger
	store  store.Store
	reader SourceReader
	timers Timers
	out    Deliverer

	// mu serializes every read-modify-persist of state.
	mu    sync.Mutex
	state store.State

	runCtx context.Context
}

func New(cfg Config, st store.Store, reader SourceReader, timers Timers, out Deliverer, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		log:    log,
		store:  st,
		reader: reader,
		timers: timers,
		out:    out,
		state:  store.State{},
		runCtx: context.Background(),
	}
}

// Start loads persisted state and arms one timer per subscription, each with
// an immediate first fire. The startup burst of immediate checks is an
// accepted tradeoff (simplicity over thundering-herd avoidance).
func (s *Service) Start(ctx context.Context) error {
	st, err := s.store.Load(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.state = st
	s.runCtx = ctx
	s.mu.Unlock()

	n := 0
	for owner, subscriptions := range st {
		for _, sub := range subscriptions {
			s.arm(owner, sub.URL, sub.CadenceMin, true)
			n++
		}
	}
	s.log.Info("subscriptions rehydrated", logx.Int("count", n))
	return nil
}

func (s *Service) arm(owner int64, feedURL string, cadenceMin int, immediate bool) {
	key := scheduler.Key{ChatID: owner, URL: feedURL}
	ctx := s.runContext()
	s.timers.Arm(key, time.Duration(cadenceMin)*time.Minute, func() {
		s.runCheck(ctx, owner, feedURL)
	}, immediate)
}

func (s *Service) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx == nil {
		return context.Background()
	}
	return s.runCtx
}

// NormalizeURL trims the locator and defaults the scheme to http:// when
// missing, the way the original accepts bare hostnames.
func NormalizeURL(raw string) string {
	u := strings.TrimSpace(raw)
	if u == "" {
		return u
	}
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		u = "http://" + u
	}
	return u
}

// Add validates and persists a new subscription, then arms its timer with an
// immediate first fire so the user gets fast feedback that it works.
func (s *Service) Add(ctx context.Context, owner int64, rawURL string, cadenceMin int) (store.Subscription, error) {
	if cadenceMin <= 0 {
		return store.Subscription{}, ErrInvalidCadence
	}
	feedURL := NormalizeURL(rawURL)
	if u, err := url.Parse(feedURL); err != nil || u.Host == "" {
		return store.Subscription{}, ErrInvalidSource
	}

	// Cheap rejections before the network probe.
	s.mu.Lock()
	if err := s.checkAddableLocked(owner, feedURL); err != nil {
		s.mu.Unlock()
		return store.Subscription{}, err
	}
	s.mu.Unlock()

	// Synchronous probe; the reader bounds it with its own timeout.
	if err := s.reader.Validate(ctx, feedURL); err != nil {
		s.log.Debug("source probe failed", logx.String("url", feedURL), logx.Err(err))
		return store.Subscription{}, ErrInvalidSource
	}

	sub := store.Subscription{
		URL:        feedURL,
		CadenceMin: cadenceMin,
		CreatedAt:  time.Now().UTC(),
	}

	s.mu.Lock()
	// Re-check: another add for the same chat may have landed during the probe.
	if err := s.checkAddableLocked(owner, feedURL); err != nil {
		s.mu.Unlock()
		return store.Subscription{}, err
	}
	s.state[owner] = append(s.state[owner], sub)
	if err := s.persistLocked(ctx); err != nil {
		s.state[owner] = s.state[owner][:len(s.state[owner])-1]
		s.mu.Unlock()
		return store.Subscription{}, err
	}
	s.mu.Unlock()

	s.arm(owner, feedURL, cadenceMin, true)
	s.log.Info("subscription added",
		logx.Int64("chat_id", owner), logx.String("url", feedURL), logx.Int("cadence_min", cadenceMin))
	return sub, nil
}

func (s *Service) checkAddableLocked(owner int64, feedURL string) error {
	subs := s.state[owner]
	for _, sub := range subs {
		if sub.URL == feedURL {
			return ErrDuplicateSource
		}
	}
	if s.cfg.MaxPerUser > 0 && len(subs) >= s.cfg.MaxPerUser {
		return ErrTooMany
	}
	return nil
}

// Remove deletes the owner's index-th subscription (1-based, created_at
// order). The timer is cancelled synchronously before the store write; if the
// write fails the timer is re-armed and the state left untouched.
func (s *Service) Remove(ctx context.Context, owner int64, index int) (store.Subscription, error) {
	s.mu.Lock()
	subs := s.state.Sorted(owner)
	if index < 1 || index > len(subs) {
		s.mu.Unlock()
		return store.Subscription{}, ErrNotFound
	}
	sub := subs[index-1]
	key := scheduler.Key{ChatID: owner, URL: sub.URL}

	s.timers.Cancel(key)

	kept := make([]store.Subscription, 0, len(subs)-1)
	for _, x := range s.state[owner] {
		if x.URL != sub.URL {
			kept = append(kept, x)
		}
	}
	prev := s.state[owner]
	if len(kept) == 0 {
		delete(s.state, owner)
	} else {
		s.state[owner] = kept
	}

	if err := s.persistLocked(ctx); err != nil {
		s.state[owner] = prev
		s.mu.Unlock()
		// Removal didn't commit; keep the subscription live.
		s.arm(owner, sub.URL, sub.CadenceMin, false)
		return store.Subscription{}, err
	}
	s.mu.Unlock()

	s.log.Info("subscription removed", logx.Int64("chat_id", owner), logx.String("url", sub.URL))
	return sub, nil
}

// List returns a read-only snapshot of the owner's subscriptions ordered by
// creation time.
func (s *Service) List(owner int64) []store.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Sorted(owner)
}

// UpdateCadence changes the check interval of the owner's index-th
// subscription (1-based), preserving its dedup marker, and re-arms the timer
// with the new period (next fire after one new cadence, not immediately).
func (s *Service) UpdateCadence(ctx context.Context, owner int64, index, cadenceMin int) (store.Subscription, error) {
	if cadenceMin <= 0 {
		return store.Subscription{}, ErrInvalidCadence
	}

	s.mu.Lock()
	subs := s.state.Sorted(owner)
	if index < 1 || index > len(subs) {
		s.mu.Unlock()
		return store.Subscription{}, ErrNotFound
	}
	target := subs[index-1]

	var updated store.Subscription
	prev := -1
	for i := range s.state[owner] {
		if s.state[owner][i].URL == target.URL {
			prev = s.state[owner][i].CadenceMin
			s.state[owner][i].CadenceMin = cadenceMin
			updated = s.state[owner][i]
			break
		}
	}
	if prev < 0 {
		s.mu.Unlock()
		return store.Subscription{}, ErrNotFound
	}
	if err := s.persistLocked(ctx); err != nil {
		for i := range s.state[owner] {
			if s.state[owner][i].URL == target.URL {
				s.state[owner][i].CadenceMin = prev
			}
		}
		s.mu.Unlock()
		return store.Subscription{}, err
	}
	s.mu.Unlock()

	s.arm(owner, target.URL, cadenceMin, false)
	s.log.Info("cadence updated",
		logx.Int64("chat_id", owner), logx.String("url", target.URL), logx.Int("cadence_min", cadenceMin))
	return updated, nil
}
