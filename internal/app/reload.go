package app

import (
	"context"
	"strings"
	"time"

	"zhihupub/internal/config"
	logx "zhihupub/pkg/logx"
)

func (a *App) reloadLoop(c context.Context, sub chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// coalesce bursts; only the newest config matters
			for drained := false; !drained; {
				select {
				case newer, ok := <-sub:
					if !ok {
						return
					}
					if newer != nil {
						newCfg = newer
					}
				default:
					drained = true
				}
			}
			if newCfg == nil {
				continue
			}
			a.applyConfig(c, last, newCfg)
			last = newCfg
		}
	}
}

// applyConfig pushes the live-reloadable parts of newCfg into the running
// components. Sections that need a restart are only reported.
func (a *App) applyConfig(c context.Context, oldCfg, newCfg *config.Config) {
	change := config.SummarizeConfigChange(oldCfg, newCfg)
	if change.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(change.Sections, ","))}, change.Attrs...)
	a.log.Debug("config change summary", fields...)

	if change.Has("logging") {
		a.logs.Apply(mapLogConfig(newCfg))
	}

	if change.Has("rate_limit") {
		p, err := mapRateLimitPolicy(newCfg)
		if err != nil {
			a.log.Warn("invalid rate_limit config; keeping previous", logx.Err(err))
		} else {
			a.limiter.Apply(p)
		}
	}

	if change.Has("retry") {
		a.backoff.SetMaxRetries(mapRetryPolicy(newCfg).MaxRetries)
	}

	if change.Has("notifier") {
		a.applyNotifier(c, oldCfg, newCfg)
	}

	if len(change.Restart) > 0 {
		a.log.Warn("config changes need a restart to take effect",
			logx.String("sections", strings.Join(change.Restart, ",")))
	}
	a.log.Info("config reloaded", fields...)
}

func (a *App) applyNotifier(c context.Context, oldCfg, newCfg *config.Config) {
	prev := a.notif.Enabled()
	ncfg := mapNotifierConfig(newCfg)
	on, nn := oldCfg.Notifier, newCfg.Notifier

	if ncfg.Enabled && (!prev || on.Token != nn.Token || on.ChatID != nn.ChatID || on.ThreadID != nn.ThreadID) {
		sender, err := newSender(ncfg)
		if err != nil {
			a.log.Warn("notifier sender rebuild failed; keeping previous", logx.Err(err))
			return
		}
		a.notif.SetSender(sender)
	}
	a.notif.Apply(ncfg)

	switch {
	case prev && !ncfg.Enabled:
		a.log.Info("notifier disabled via config")
		stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	case !prev && ncfg.Enabled:
		a.log.Info("notifier enabled via config")
		a.notif.Start(context.WithoutCancel(c))
	}
}
