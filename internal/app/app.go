package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/redis/go-redis/v9"

	"logshipper/internal/buffer"
	"logshipper/internal/circuit"
	"logshipper/internal/config"
	"logshipper/internal/delivery"
	"logshipper/internal/eventbus"
	"logshipper/internal/extractor"
	"logshipper/internal/intake"
	"logshipper/internal/metrics"
	"logshipper/internal/observability/server"
	rtsup "logshipper/internal/runtime/supervisor"
	"logshipper/internal/shipper"
	"logshipper/internal/source"
	"logshipper/internal/status"
	"logshipper/internal/storage"
	"logshipper/internal/task/engine"
	"logshipper/internal/task/scheduler"
	logx "logshipper/pkg/logx"
)

const (
	jobBatchExtract = "batch.extract"
	jobStatusPush   = "status.push"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor
	set  *settings

	root    logx.Logger
	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	metrics *metrics.Shipper

	redis map[string]*redis.Client
	store storage.Store
	buf   buffer.Buffer

	breaker   *circuit.Breaker
	engine    *engine.Service
	fallback  delivery.Sink
	worker    *delivery.Worker
	intake    *intake.Service
	extractor *extractor.Extractor
	reporter  *status.Reporter
	sched     *scheduler.Service
	server    *server.Service
}

// New loads the config file and wires every component. Nothing runs until
// Start or StartWorkers.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return newApp(context.Background(), cfgm, cfg)
}

func newApp(ctx context.Context, cfgm *config.ConfigManager, cfg *config.Config) (a *App, err error) {
	set, err := mapSettings(cfg)
	if err != nil {
		return nil, err
	}

	// The log service comes first; its ship sink is attached once the intake
	// exists.
	logSvc, root := logx.New(set.logging, nil)
	a = &App{
		cfgm:    cfgm,
		set:     set,
		root:    root,
		logs:    logSvc,
		bus:     eventbus.New(),
		metrics: metrics.New(),
		redis:   openRedis(cfg),
	}
	a.log = a.comp("app")
	log, comp := a.log, a.comp
	defer func() {
		if err != nil {
			_ = a.closeResources()
		}
	}()

	sc := set.storage
	if strings.EqualFold(strings.TrimSpace(sc.Driver), "redis") {
		name := config.ConnectionName(cfg.Cache.Connection)
		if c, ok := a.redis[name]; ok {
			sc.Client = c
		}
	}
	st, err := storage.Open(sc, comp("storage"))
	switch {
	case errors.Is(err, storage.ErrDisabled):
		log.Info("storage.disabled")
	case err != nil:
		return nil, fmt.Errorf("storage: %w", err)
	default:
		a.store = st
		log.Info("storage.enabled", logx.String("driver", sc.Driver))
	}

	if set.bufferUsed {
		deps := buffer.Deps{Store: a.store, Log: comp("buffer")}
		if c, ok := a.redis[config.ConnectionName(cfg.Batch.Connection)]; ok {
			deps.Redis = c
		}
		b, err := buffer.Open(set.buffer, deps)
		if err != nil {
			return nil, fmt.Errorf("batch buffer: %w", err)
		}
		a.buf = b
	}

	a.breaker = circuit.New(a.store, set.breaker,
		circuit.WithLogger(comp("circuit")),
		circuit.WithBus(a.bus),
	)

	a.engine = engine.New(set.engine, comp("taskengine"), a.bus)

	a.fallback, err = delivery.OpenChannel(ctx, set.fallback, set.channel, comp("fallback"))
	if err != nil {
		return nil, fmt.Errorf("fallback channel: %w", err)
	}

	a.worker = delivery.New(set.delivery,
		delivery.WithEngine(a.engine),
		delivery.WithBreaker(a.breaker),
		delivery.WithFallback(a.fallback),
		delivery.WithMetrics(a.metrics),
		delivery.WithBus(a.bus),
		delivery.WithLogger(comp("delivery")),
	)

	intakeOpts := []intake.Option{
		intake.WithBreaker(a.breaker),
		intake.WithMetrics(a.metrics),
		intake.WithLogger(comp("intake")),
	}
	if a.buf != nil {
		intakeOpts = append(intakeOpts, intake.WithBuffer(a.buf))
	}
	if host, herr := os.Hostname(); herr == nil {
		intakeOpts = append(intakeOpts, intake.WithHostname(host))
	}
	a.intake = intake.New(set.intake, a.worker, intakeOpts...)
	a.worker.Apply(set.delivery, a.intake.Sanitizer(), a.fallback)
	logSvc.SetIntake(a.intake)

	if a.buf != nil {
		a.extractor = extractor.New(a.buf, a.worker, set.extractor,
			extractor.WithBreaker(a.breaker),
			extractor.WithMetrics(a.metrics),
			extractor.WithBus(a.bus),
			extractor.WithLogger(comp("extractor")),
		)
	}

	statusOpts := []status.Option{
		status.WithQueue(a.engine),
		status.WithBreaker(a.breaker),
		status.WithMetrics(a.metrics),
		status.WithLogger(comp("status")),
		status.WithDroppedLines(logSvc.Dropped),
		status.WithRoutines(func() rtsup.Snapshot { return a.sup.Snapshot() }),
	}
	if a.buf != nil {
		statusOpts = append(statusOpts, status.WithBuffer(a.buf))
	}
	a.reporter = status.New(set.status, statusOpts...)

	a.sched = scheduler.New(set.scheduler, a.engine, comp("scheduler"), a.bus)
	if err := a.registerJobs(set); err != nil {
		return nil, err
	}

	a.server = server.New(set.server, a.metrics, comp("observability"))
	a.server.SetHealth(a.health)
	a.registerGauges()

	return a, nil
}

// registerJobs upserts or removes the periodic jobs for the given settings.
func (a *App) registerJobs(set *settings) error {
	var errs *multierror.Error
	if a.extractor != nil && set.cfg.Batch.Enabled && set.res.Batch.Cron != "" {
		budget := set.extractor.Budget
		if budget <= 0 {
			budget = extractor.DefaultBudget
		}
		err := a.sched.AddCronOpt(jobBatchExtract, set.res.Batch.Cron, budget+10*time.Second,
			scheduler.TaskOptions{Overlap: scheduler.OverlapSkipIfRunning, Tries: 1},
			a.runBatch,
		)
		errs = multierror.Append(errs, err)
	} else {
		a.sched.Remove(jobBatchExtract)
	}

	if set.status.Enabled && set.res.Status.Cron != "" {
		timeout := set.status.Timeout
		if timeout <= 0 {
			timeout = status.DefaultTimeout
		}
		err := a.sched.AddCronOpt(jobStatusPush, set.res.Status.Cron, 2*timeout,
			scheduler.TaskOptions{Overlap: scheduler.OverlapSkipIfRunning, Tries: 1},
			a.reporter.Push,
		)
		errs = multierror.Append(errs, err)
	} else {
		a.sched.Remove(jobStatusPush)
	}
	return errs.ErrorOrNil()
}

func (a *App) registerGauges() {
	a.metrics.Gauge("buffer_size", "Items waiting in the batch buffer.", func() float64 {
		if a.buf == nil {
			return 0
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return float64(a.buf.Size(ctx))
	})
	a.metrics.Gauge("circuit_open", "1 while the circuit breaker is open.", func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if a.breaker.IsOpen(ctx) {
			return 1
		}
		return 0
	})
	a.metrics.Gauge("task_queue_length", "Tasks waiting in the engine queue.", func() float64 {
		return float64(a.engine.Snapshot().QueueLen)
	})
	a.metrics.Gauge("task_in_flight", "Tasks currently running.", func() float64 {
		return float64(a.engine.Snapshot().InFlight)
	})
	a.metrics.Gauge("eventbus_dropped", "Bus events lost to a full subscriber.", func() float64 {
		return float64(a.bus.Dropped())
	})
	a.metrics.Gauge("log_lines_dropped", "Own log lines dropped before reaching the intake.", func() float64 {
		return float64(a.logs.Dropped())
	})
}

func (a *App) health() error {
	if a.sup != nil {
		if err := a.sup.Err(); err != nil {
			return err
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if a.breaker.IsOpen(ctx) {
		return errors.New("circuit breaker open")
	}
	return nil
}

// comp returns a component logger. Its lines are never shipped.
func (a *App) comp(name string) logx.Logger {
	return a.root.With(logx.Internal(), logx.String("component", name))
}

// Logger is the app's component logger.
func (a *App) Logger() logx.Logger { return a.log }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
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

// StartWorkers starts only the task engine. One-shot commands use it so
// queued deliveries run before Stop drains them.
func (a *App) StartWorkers(ctx context.Context) {
	if a.sup == nil {
		a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	}
	a.engine.Start(a.sup.Context())
}

// Start runs the long-lived service: workers, schedules, tail sources,
// the observability server and config hot reload.
func (a *App) Start(ctx context.Context) error {
	a.StartWorkers(ctx)
	run := a.sup.Context()

	if miss := config.MissingShipperSettings(a.set.cfg); len(miss) > 0 && a.set.intake.Enabled {
		a.log.Warn("app.shipper_unconfigured", logx.String("missing", strings.Join(miss, ", ")))
	}

	a.cfgm.SetLogger(a.comp("config"))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := mapSettings(cfg)
		return err
	})

	a.sched.Start(run)
	a.server.Reconfigure(run, a.set.server)

	for _, tc := range a.set.tails {
		t := source.NewTail(tc, a.intake, a.comp("source"))
		a.sup.GoRestart(t.Name(), t.Run,
			rtsup.WithRestartBackoff(time.Second, 30*time.Second),
			rtsup.WithPublishFirstError(true),
		)
	}

	events, unsub := a.bus.Subscribe(128, metrics.ObservedTypes...)
	a.sup.Go0("eventbus.metrics", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.metrics.Observe(e)
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(c, newCfg)
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app.started",
		logx.String("mode", a.set.intake.Mode),
		logx.Bool("batch", a.extractor != nil),
		logx.Int("tails", len(a.set.tails)),
	)
	return nil
}

// Send passes one event through the full pipeline.
func (a *App) Send(ctx context.Context, ev shipper.Event) error {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	return a.intake.Handle(ctx, ev)
}

// RunBatch drains the buffer once, the same way the scheduled job does.
func (a *App) RunBatch(ctx context.Context) (extractor.Report, error) {
	if a.extractor == nil {
		return extractor.Report{}, errors.New("batch buffer is not configured")
	}
	return a.extractor.Run(ctx), nil
}

func (a *App) runBatch(ctx context.Context) error {
	rep := a.extractor.Run(ctx)
	a.log.Debug("extractor.run_done",
		logx.Int("batches", rep.Batches),
		logx.Int("events", rep.Events),
		logx.Duration("took", rep.Duration),
		logx.String("stopped", rep.Stopped),
	)
	return nil
}

// PushStatus sends one status report.
func (a *App) PushStatus(ctx context.Context) error { return a.reporter.Push(ctx) }

// DryRunStatus writes the report that PushStatus would send.
func (a *App) DryRunStatus(ctx context.Context, w io.Writer) error {
	return a.reporter.DryRun(ctx, w)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("app.stopping", logx.String("reason", string(reason)))
	if a.sup != nil {
		// Drain before canceling so queued deliveries still run.
		a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
		a.step(ctx, "taskengine.drain", 10*time.Second, a.engine.Drain)
		a.sup.Cancel()
	}

	a.step(ctx, "taskengine", 2*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "observability", time.Second, func(c context.Context) error { a.server.Stop(c); return nil })
	if a.sup != nil {
		a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	}

	err := a.closeResources()
	if err != nil {
		a.log.Warn("app.close_failed", logx.Err(err))
	}
	a.log.Info("app.stopped")
	_ = a.logs.Close()
	return err
}

func (a *App) closeResources() error {
	var errs *multierror.Error
	if c, ok := a.fallback.(io.Closer); ok {
		errs = multierror.Append(errs, c.Close())
	}
	if a.store != nil {
		errs = multierror.Append(errs, a.store.Close())
	}
	for name, c := range a.redis {
		if err := c.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("redis %s: %w", name, err))
		}
	}
	return errs.ErrorOrNil()
}

// step runs a shutdown step with an upper bound so one component can't
// stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		// never extend the caller's deadline
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("app.stop_step_skipped", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

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
			a.log.Warn("app.stop_step_error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("app.stop_step_end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		// fn must honor stepCtx; report the leak if it does not.
		a.log.Warn("app.stop_step_deadline",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}
