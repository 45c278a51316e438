// Package store persists the full user → subscriptions mapping.
//
// The store is the single source of truth; the scheduler's timer registry is a
// derived, rebuildable cache. Missing or corrupt durable state loads as an
// empty mapping, never as a startup failure.
package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	logx "feedwatch/pkg/logx"
)

// Subscription is one user's binding to one feed.
type Subscription struct {
	URL        string    `json:"url"`
	CadenceMin int       `json:"cadence"` // minutes between checks
	LastSeenID string    `json:"last_seen_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// State maps a chat id to its subscriptions, ordered by CreatedAt.
type State map[int64][]Subscription

// Clone returns a deep copy. Callers hand snapshots across goroutines, so the
// stored slices must never be aliased.
func (s State) Clone() State {
	out := make(State, len(s))
	for k, subs := range s {
		cp := make([]Subscription, len(subs))
		copy(cp, subs)
		out[k] = cp
	}
	return out
}

// Sorted returns the owner's subscriptions ordered by creation time.
func (s State) Sorted(owner int64) []Subscription {
	subs := append([]Subscription(nil), s[owner]...)
	sort.SliceStable(subs, func(i, j int) bool {
		return subs[i].CreatedAt.Before(subs[j].CreatedAt)
	})
	return subs
}

// Store is the persistence API for the subscription mapping.
type Store interface {
	// Load returns the full mapping; absent/unreadable state yields an empty
	// mapping and a nil error.
	Load(ctx context.Context) (State, error)
	// Save atomically persists the full mapping.
	Save(ctx context.Context, s State) error
	Close() error
}

// Config configures storage.
//
// Driver values:
//   - "file" (or empty): JSON document, atomic rewrite
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
