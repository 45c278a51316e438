// Package app wires the components together and owns the process lifecycle:
// boot, config hot-reload, and staged shutdown.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"feedwatch/internal/bot"
	"feedwatch/internal/config"
	"feedwatch/internal/feed"
	"feedwatch/internal/notify"
	"feedwatch/internal/runtime/supervisor"
	"feedwatch/internal/scheduler"
	"feedwatch/internal/store"
	"feedwatch/internal/subs"
	kit "feedwatch/internal/transport"
	telegram "feedwatch/internal/transport/telegram/adapter"
	logx "feedwatch/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	adapter kit.Adapter
	store   store.Store
	sched   *scheduler.Service
	notif   *notify.Dispatcher
	manager *subs.Service
	router  *bot.Router

	updates chan kit.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	storeCfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(storeCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", storeCfg.Driver), logx.String("path", storeCfg.Path))

	feedCfg, err := mapFeedConfig(cfg)
	if err != nil {
		return nil, err
	}
	reader := feed.New(feedCfg)

	sched := scheduler.New(log.With(logx.String("comp", "scheduler")))
	notif := notify.New(notify.Config{RatePerSec: cfg.Notifier.RatePerSec},
		adapter, log.With(logx.String("comp", "notifier")))

	manager := subs.New(subs.Config{
		Policy:     subs.ParsePolicy(cfg.Feeds.FirstCheck),
		MaxPerUser: cfg.Feeds.MaxPerUser,
	}, st, reader, sched, notif, log.With(logx.String("comp", "subs")))

	router := bot.NewRouter(adapter, manager, log.With(logx.String("comp", "commands")))

	return &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		adapter: adapter,
		store:   st,
		sched:   sched,
		notif:   notif,
		manager: manager,
		router:  router,
		updates: make(chan kit.Update, 256),
	}, nil
}

// Done is closed when the supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if strings.TrimSpace(cfg.Telegram.Token) == "" {
			return fmt.Errorf("telegram.token is required")
		}
		if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
			return err
		}
		if _, err := mapFeedConfig(cfg); err != nil {
			return err
		}
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if cfg.Notifier.RatePerSec < 0 {
			return fmt.Errorf("notifier.rate_per_sec must be >= 0")
		}
		if cfg.Feeds.MaxPerUser < 0 {
			return fmt.Errorf("feeds.max_per_user must be >= 0")
		}
		switch strings.ToLower(strings.TrimSpace(cfg.Feeds.FirstCheck)) {
		case "", "notify", "seed":
		default:
			return fmt.Errorf("feeds.first_check must be \"notify\" or \"seed\"")
		}
		return nil
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	a.sched.Start()
	if err := a.manager.Start(a.sup.Context()); err != nil {
		return err
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})

	// Best-effort: the bot works without the client menu.
	if mu, ok := a.adapter.(kit.CommandMenuUpdater); ok {
		if err := mu.UpdateMenuCommands(ctx, a.router.MenuCommands()); err != nil {
			a.log.Warn("command menu update failed", logx.Err(err))
		}
	}

	// hot reload fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyConfig applies the hot-reloadable sections of a validated config.
// Storage and Telegram credentials need a restart; everything else is live.
func (a *App) applyConfig(prev, next *config.Config) {
	if prev != nil && next != nil {
		if prev.Storage != next.Storage {
			a.log.Warn("storage config changed; restart required for changes to take effect")
		}
		if prev.Telegram != next.Telegram {
			a.log.Warn("telegram config changed; restart required for changes to take effect")
		}
	}
	if next == nil {
		return
	}

	a.logs.Apply(logx.Config{
		Level:   next.Logging.Level,
		Console: next.Logging.Console,
		File: logx.FileConfig{
			Enabled: next.Logging.File.Enabled,
			Path:    next.Logging.File.Path,
		},
	})

	a.notif.Apply(notify.Config{RatePerSec: next.Notifier.RatePerSec})

	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Run a shutdown step with an upper bound so one component can't stall
	// the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			} else {
				a.log.Debug("stop step done", logx.String("name", name), logx.Duration("took", time.Since(start)))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// Timers first so no new checks fire into a closing adapter.
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("storage", 1*time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

func mapStorageConfig(cfg *config.Config) (store.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	if err != nil {
		return store.Config{}, err
	}
	driver := strings.TrimSpace(cfg.Storage.Driver)
	if driver == "" {
		driver = "file"
	}
	path := strings.TrimSpace(cfg.Storage.Path)
	if path == "" {
		path = "data.json"
	}
	return store.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
}

func mapFeedConfig(cfg *config.Config) (feed.Config, error) {
	timeout, err := config.ParseDurationOrDefault("feeds.http_timeout", cfg.Feeds.HTTPTimeout, 10*time.Second)
	if err != nil {
		return feed.Config{}, err
	}
	return feed.Config{Timeout: timeout, UserAgent: cfg.Feeds.UserAgent}, nil
}
