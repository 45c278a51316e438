// Package scheduler owns one repeating timer per active subscription.
//
// "What should run" lives in the store; this registry is only "what is
// running" and is rebuilt from persisted state on startup. Arm and Cancel are
// the only mutation points.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "feedwatch/pkg/logx"
)

// Key identifies one subscription's timer.
type Key struct {
	ChatID int64
	URL    string
}

// Service multiplexes all subscription timers over one cron runner. Each fire
// runs in its own goroutine, so a slow or failing check never delays another
// subscription; fires for the same subscription are serialized (overlapping
// fires are skipped).
type Service struct {
	log  logx.Logger
	c    *cron.Cron
	clog cron.Logger

	mu      sync.Mutex
	entries map[Key]cron.EntryID
	started bool
}

func New(log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	clog := &cronLogger{log: log}
	return &Service{
		log:     log,
		c:       cron.New(cron.WithLogger(clog)),
		clog:    clog,
		entries: map[Key]cron.EntryID{},
	}
}

func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.c.Start()
	s.log.Info("scheduler started", logx.Int("timers", len(s.entries)))
}

// Stop halts future fires and waits (bounded by ctx) for in-flight ones.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	done := s.c.Stop().Done()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out with fires in flight")
	}
}

// Arm registers a repeating timer for key at the given cadence. When immediate
// is set the first fire happens right away; either way subsequent fires come
// every cadence. Arming an existing key replaces its timer (re-arm).
//
// The job runs through a Recover + SkipIfStillRunning chain: a panicking check
// can't kill the runner, and fires for one subscription never overlap.
func (s *Service) Arm(key Key, cadence time.Duration, job func(), immediate bool) {
	wrapped := cron.NewChain(
		cron.Recover(s.clog),
		cron.SkipIfStillRunning(s.clog),
	).Then(cron.FuncJob(job))

	s.mu.Lock()
	if old, ok := s.entries[key]; ok {
		s.c.Remove(old)
	}
	s.entries[key] = s.c.Schedule(cron.Every(cadence), wrapped)
	s.mu.Unlock()

	s.log.Debug("timer armed",
		logx.Int64("chat_id", key.ChatID), logx.String("url", key.URL),
		logx.Duration("cadence", cadence), logx.Bool("immediate", immediate))

	if immediate {
		// Shares the chain above, so it serializes with scheduled fires.
		go wrapped.Run()
	}
}

// Cancel stops future fires for key. It returns once the entry is removed from
// the runner; an in-flight fire may still finish, but the check routine
// re-validates against the store before mutating anything.
func (s *Service) Cancel(key Key) bool {
	s.mu.Lock()
	id, ok := s.entries[key]
	if ok {
		s.c.Remove(id)
		delete(s.entries, key)
	}
	s.mu.Unlock()

	if ok {
		s.log.Debug("timer cancelled", logx.Int64("chat_id", key.ChatID), logx.String("url", key.URL))
	}
	return ok
}

// Armed reports whether key currently has a registered timer.
func (s *Service) Armed(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	return ok
}

// Len returns the number of armed timers.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// cronLogger adapts logx to cron's logger interface. Cron's Info output
// (schedule bookkeeping, skipped overlapping fires) is debug noise for us.
type cronLogger struct {
	log logx.Logger
}

func (l *cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l *cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Warn("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
