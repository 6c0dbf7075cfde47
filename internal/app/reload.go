package app

import (
	"context"
	"strings"

	"guildbot/internal/config"
	logx "guildbot/pkg/logx"
)

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(next)
		}
	}
}

// applyConfig applies the live parts of a validated config: logging, the
// engine watchdog, driver knobs and owner ids. Everything else is reported
// as needing a restart.
func (a *App) applyConfig(next *config.Config) {
	if next == nil {
		return
	}
	res, err := config.Resolve(next)
	if err != nil {
		a.log.Warn("config not applied; keeping previous", logx.Err(err))
		return
	}
	prev := a.cfg.Swap(next)
	ch := config.SummarizeChange(prev, next)
	if ch.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}

	if a.logs != nil {
		a.logs.Apply(mapLogConfig(next))
	}
	a.engine.Apply(mapEngineConfig(next, res))
	settings := mapSettings(res)
	a.settings.Store(&settings)

	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Attrs...)
	a.log.Info("config reloaded", fields...)
	if len(ch.Restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(ch.Restart, ",")))
	}
}
