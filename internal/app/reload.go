package app

import (
	"context"
	"io"
	"strings"

	"logshipper/internal/config"
	"logshipper/internal/delivery"
	"logshipper/internal/eventbus"
	logx "logshipper/pkg/logx"
)

// applyConfig hot-applies a validated config. Sections that own
// connections (cache, redis, task engine, sources, buffer identity) keep
// their current settings until restart.
func (a *App) applyConfig(ctx context.Context, newCfg *config.Config) {
	set, err := mapSettings(newCfg)
	if err != nil {
		a.log.Warn("config.apply_rejected", logx.Err(err))
		return
	}
	prev := a.set

	sections, attrs, restart := config.SummarizeConfigChange(prev.cfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config.reloaded_no_changes")
		return
	}
	if len(restart) > 0 {
		a.log.Warn("config.restart_required", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(set.logging)
	a.breaker.Apply(set.breaker)

	sink := a.fallback
	if set.fallback != prev.fallback || set.channel != prev.channel {
		s, err := delivery.OpenChannel(ctx, set.fallback, set.channel, a.comp("fallback"))
		if err != nil {
			a.log.Warn("config.fallback_open_failed", logx.String("channel", set.fallback), logx.Err(err))
			set.fallback, set.channel = prev.fallback, prev.channel
		} else {
			sink = s
		}
	}

	a.intake.Apply(set.intake)
	a.worker.Apply(set.delivery, a.intake.Sanitizer(), sink)
	if sink != a.fallback {
		if c, ok := a.fallback.(io.Closer); ok {
			if err := c.Close(); err != nil {
				a.log.Warn("config.fallback_close_failed", logx.Err(err))
			}
		}
		a.fallback = sink
	}

	if a.extractor != nil {
		a.extractor.Apply(set.extractor)
	}
	a.reporter.Apply(set.status)

	wasEnabled := a.sched.Enabled()
	a.sched.Apply(set.scheduler)
	if err := a.registerJobs(set); err != nil {
		a.log.Warn("config.schedule_failed", logx.Err(err))
	}
	switch {
	case !wasEnabled && set.scheduler.Enabled:
		a.sched.Start(ctx)
	case wasEnabled && !set.scheduler.Enabled:
		a.sched.Stop(ctx)
	}

	a.server.Reconfigure(ctx, set.server)

	// Restart-only sections stay as they were started.
	set.storage, set.buffer, set.engine, set.tails, set.bufferUsed =
		prev.storage, prev.buffer, prev.engine, prev.tails, prev.bufferUsed
	a.set = set

	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReload, Data: sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config.reloaded", fields...)
}
