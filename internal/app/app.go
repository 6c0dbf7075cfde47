// Package app wires config, logging, the chat adapter, storage, the
// execution engine, the scheduler, recurring drivers and chat commands into
// one process.
package app

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"guildbot/internal/config"
	"guildbot/internal/connector"
	"guildbot/internal/eventbus"
	rtsup "guildbot/internal/runtime/supervisor"
	"guildbot/internal/storage"
	"guildbot/internal/task/clock"
	"guildbot/internal/task/engine"
	"guildbot/internal/task/job"
	"guildbot/internal/task/recurring"
	"guildbot/internal/task/scheduler"
	kit "guildbot/internal/transport"
	telegram "guildbot/internal/transport/telegram/adapter"
	"guildbot/internal/transport/telegram/router"
	logx "guildbot/pkg/logx"
)

// chatClient is the chat adapter surface the app drives.
type chatClient interface {
	kit.Adapter
	UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error
}

type App struct {
	cfgm     *config.Manager
	cfg      atomic.Pointer[config.Config]
	settings atomic.Pointer[job.Settings]
	sup      *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	clock clock.Clock

	chat   chatClient
	store  *storage.Store
	conn   *connector.Client
	engine *engine.Service
	sched  *scheduler.Service
	plan   *recurring.Plan
	router *router.Router
	sd     *sdNotifier

	updates chan kit.Update
}

func New(cfgPath string) (*App, error) {
	bootLog := logx.NewConsole("INFO")
	cfgm := config.NewManager(cfgPath, bootLog.With(logx.String("comp", "config")))
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	res, err := config.Resolve(cfg)
	if err != nil {
		return nil, err
	}

	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: res.PollTimeout,
	}, bootLog.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	// The adapter doubles as the sender for the operator chat sink.
	logSvc, log := logx.New(mapLogConfig(cfg), ad)
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a, err := assemble(wiring{cfgm: cfgm, cfg: cfg, res: res, chat: ad, logs: logSvc, log: log})
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

// wiring is everything assemble needs that New obtains from the outside world.
type wiring struct {
	cfgm  *config.Manager // nil disables hot reload
	cfg   *config.Config
	res   config.Resolved
	chat  chatClient
	logs  *logx.Service // nil when the caller owns logging
	log   logx.Logger
	clock clock.Clock
}

func assemble(w wiring) (*App, error) {
	if w.log.IsZero() {
		w.log = logx.Nop()
	}
	if w.clock == nil {
		w.clock = clock.Real()
	}
	log := w.log

	plan, err := buildPlan(w.cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(mapStorageConfig(w.cfg, w.res), log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	a := &App{
		cfgm:    w.cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    w.logs,
		bus:     bus,
		clock:   w.clock,
		chat:    w.chat,
		store:   store,
		plan:    plan,
		updates: make(chan kit.Update, 256),
	}
	a.cfg.Store(w.cfg)
	settings := mapSettings(w.res)
	a.settings.Store(&settings)

	a.conn = connector.New(mapConnectorConfig(w.cfg, w.res), log.With(logx.String("comp", "connector")))
	a.engine = engine.New(mapEngineConfig(w.cfg, w.res), log.With(logx.String("comp", "engine")), bus)

	// The scheduler fills in the Enqueuer for every scope it opens.
	provider := job.NewProvider(job.Deps{
		Acquire: func(ctx context.Context) (job.Session, func() error, error) {
			sess, err := store.Acquire(ctx)
			if err != nil {
				return nil, nil, err
			}
			return sess, sess.Close, nil
		},
		Chat:      w.chat,
		Connector: a.conn,
		Planner:   plan,
		Settings:  func() job.Settings { return *a.settings.Load() },
		Clock:     w.clock,
		Log:       log.With(logx.String("comp", "job")),
	})
	a.sched = scheduler.New(scheduler.Config{
		Strict:  w.cfg.Scheduler.Strict,
		MaxIdle: w.res.MaxIdle,
	}, a.engine, provider, log.With(logx.String("comp", "scheduler")), bus, scheduler.WithClock(w.clock))

	a.router = router.New(log.With(logx.String("comp", "router")), w.chat, router.Options{
		IsOwner: func(id int64) bool { return a.cfg.Load().IsOwner(id) },
	})
	a.router.SetCommands(a.commands())

	a.sd = newSDNotifier(log.With(logx.String("comp", "systemd")), a.sched.Heartbeat, w.res.MaxIdle)
	return a, nil
}

// Done is closed when the app's run context ends, including on a fatal error.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		return nil
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start recovers persisted triggers, arms the recurring drivers and starts
// every long-running component. On error the caller still owes a Stop.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.engine.Start(runCtx)

	rep, err := a.sched.Recover(runCtx, a.store)
	if err != nil {
		return fmt.Errorf("recover entries: %w", err)
	}
	a.log.Info("entries recovered",
		logx.Int("reminders", rep.Reminders),
		logx.Int("posts", rep.Posts),
		logx.Int("retracts", rep.Retracts),
		logx.Int("overdue", rep.Overdue),
	)
	if _, err := recurring.Arm(a.sched, a.plan, a.clock.Now(), a.log.With(logx.String("comp", "recurring"))); err != nil {
		return err
	}
	a.sched.Start(runCtx)

	if err := a.chat.Start(runCtx, a.updates); err != nil {
		return err
	}
	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.Run(c, a.updates)
	})
	a.sup.Go0("commands.menu", func(c context.Context) {
		mctx, cancel := context.WithTimeout(c, 15*time.Second)
		defer cancel()
		if err := a.chat.UpdateMenuCommands(mctx, a.router.Menu()); err != nil {
			a.log.Warn("command menu update failed", logx.Err(err))
		}
	})
	a.sup.Go0("eventbus.log", a.logEvents)

	if a.cfgm != nil {
		// transactional reload: validate before commit/publish
		a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validateConfig(cfg) })
		sub := a.cfgm.Subscribe(8)
		a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c, sub) })
		a.sup.Go("config.watch", a.cfgm.Watch)
	}

	a.sd.Ready()
	a.sup.Go0("systemd.watchdog", a.sd.Watchdog)

	a.log.Info("app started", logx.Int("pending", a.sched.Len()), logx.Any("drivers", a.plan.Describe()))
	return nil
}

func (a *App) logEvents(ctx context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
		}
	}
}

// Stop shuts components down in dependency order. Each step is bounded so
// one component cannot stall the whole stop.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	// Cancel the run context first so background loops start unwinding.
	if a.sup != nil {
		a.sup.Cancel()
	}

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if dl, ok := ctx.Deadline(); ok && time.Until(dl) < max {
			max = time.Until(dl)
		}
		if max > 0 {
			var cancel context.CancelFunc
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
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
			}()
		}
	}

	// Intake first, then the loop, then the workers still holding sessions.
	step("adapter", 2*time.Second, a.chat.Stop)
	step("scheduler", 2*time.Second, a.sched.Stop)
	step("engine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("storage", 1*time.Second, func(context.Context) error { return a.store.Close() })
	if a.sup != nil {
		step("supervisor", 2*time.Second, a.sup.Wait)
	}

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
