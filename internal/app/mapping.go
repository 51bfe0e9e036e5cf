package app

import (
	"fmt"
	"strings"
	"time"

	"zhihupub/internal/config"
	"zhihupub/internal/engine"
	"zhihupub/internal/eventbus"
	kafkagw "zhihupub/internal/gateway/kafka"
	"zhihupub/internal/generator"
	"zhihupub/internal/httpapi"
	"zhihupub/internal/notifier"
	"zhihupub/internal/pilot"
	"zhihupub/internal/publisher"
	"zhihupub/internal/ratelimit"
	"zhihupub/internal/retry"
	"zhihupub/internal/scheduler"
	"zhihupub/internal/storage"
	"zhihupub/internal/trigger"
	logx "zhihupub/pkg/logx"
)

// The map* helpers turn validated file config into component configs.
// Durations that fail to parse fall back to the component default; Validate
// has already rejected them on load and reload.

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Alert: logx.AlertConfig{
			Enabled:    l.Alert.Enabled,
			MinLevel:   l.Alert.MinLevel,
			RatePerSec: l.Alert.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) storage.Config {
	s := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(s.Driver))
	if driver == "" {
		driver = "memory"
	}
	return storage.Config{
		Driver:       driver,
		Path:         strings.TrimSpace(s.Path),
		DSN:          strings.TrimSpace(s.DSN),
		BusyTimeout:  config.Dur(s.BusyTimeout, 0),
		MaxOpenConns: s.MaxOpenConns,
	}
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	s := cfg.Scheduler
	d := scheduler.DefaultConfig()
	return scheduler.Config{
		PendingSweepEvery:    config.Dur(s.PendingSweepEvery, d.PendingSweepEvery),
		RetrySweepEvery:      config.Dur(s.RetrySweepEvery, d.RetrySweepEvery),
		PaceDelay:            durOrDefault(s.PaceDelay, d.PaceDelay),
		ScheduleJitter:       durOrDefault(s.ScheduleJitter, d.ScheduleJitter),
		BatchIntervalDefault: config.Dur(s.BatchIntervalDefault, d.BatchIntervalDefault),
		BatchIntervalMin:     config.Dur(s.BatchIntervalMin, d.BatchIntervalMin),
		BatchIntervalMax:     config.Dur(s.BatchIntervalMax, d.BatchIntervalMax),
		ExecuteTimeout:       config.Dur(s.ExecuteTimeout, 0),
		FireTimeout:          config.Dur(s.FireTimeout, d.FireTimeout),
	}
}

// durOrDefault keeps an explicit "0s" (e.g. no pacing); only an empty value
// takes def.
func durOrDefault(raw string, def time.Duration) time.Duration {
	if strings.TrimSpace(raw) == "" {
		return def
	}
	d, err := config.ParseDurationField("", raw)
	if err != nil {
		return def
	}
	return d
}

func mapTriggerConfig(cfg *config.Config) trigger.Config {
	return trigger.Config{
		Timezone:         strings.TrimSpace(cfg.Scheduler.Timezone),
		MaxStartupSpread: config.Dur(cfg.Scheduler.MaxStartupSpread, 0),
	}
}

func mapRateLimitPolicy(cfg *config.Config) (ratelimit.Policy, error) {
	rl := cfg.RateLimit
	p := ratelimit.DefaultPolicy()
	if rl.ActiveStartHour != nil {
		p.ActiveStartHour = *rl.ActiveStartHour
	}
	if rl.ActiveEndHour != nil {
		p.ActiveEndHour = *rl.ActiveEndHour
	}
	if rl.DailyLimit > 0 {
		p.DefaultDailyLimit = rl.DailyLimit
	}
	p.MinInterval = config.Dur(rl.MinInterval, p.MinInterval)
	if tz := strings.TrimSpace(rl.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return ratelimit.Policy{}, fmt.Errorf("rate_limit.timezone: %w", err)
		}
		p.Location = loc
	}
	if err := p.Validate(); err != nil {
		return ratelimit.Policy{}, err
	}
	return p, nil
}

func mapRetryPolicy(cfg *config.Config) retry.Policy {
	r := cfg.Retry
	p := retry.DefaultPolicy()
	if r.MaxRetries != nil {
		p.MaxRetries = *r.MaxRetries
	}
	p.BaseDelay = config.Dur(r.BaseDelay, p.BaseDelay)
	p.MaxDelay = config.Dur(r.MaxDelay, p.MaxDelay)
	p.JitterMax = durOrDefault(r.JitterMax, p.JitterMax)
	return p
}

func mapEngineConfig(cfg *config.Config) engine.Config {
	e := cfg.Engine
	return engine.Config{
		Workers:        e.Workers,
		QueueSize:      e.QueueSize,
		DefaultTimeout: config.Dur(e.DefaultTimeout, 0),
		HistorySize:    e.HistorySize,
	}
}

func mapBusConfig(cfg *config.Config) eventbus.Config {
	return eventbus.Config{
		Capacity:          cfg.Events.Capacity,
		HeartbeatInterval: config.Dur(cfg.Events.HeartbeatInterval, 0),
	}
}

func mapPublisherConfig(cfg *config.Config) publisher.Config {
	p := cfg.Publisher
	return publisher.Config{
		Driver:    p.Driver,
		URL:       strings.TrimSpace(p.URL),
		Token:     p.Token,
		Timeout:   config.Dur(p.Timeout, 0),
		DryRunURL: p.DryRunURL,
	}
}

func mapGeneratorConfig(cfg *config.Config) generator.Config {
	g := cfg.Generator
	return generator.Config{
		Driver:     g.Driver,
		BaseURL:    strings.TrimSpace(g.BaseURL),
		APIKey:     g.APIKey,
		Model:      g.Model,
		Timeout:    config.Dur(g.Timeout, 0),
		MaxRetries: g.MaxRetries,
	}
}

func mapPilotConfig(cfg *config.Config) pilot.Config {
	p := cfg.Pilot
	dirs := make([]pilot.Direction, 0, len(p.Directions))
	for _, d := range p.Directions {
		dirs = append(dirs, pilot.Direction{
			Name:            strings.TrimSpace(d.Name),
			Topics:          d.Topics,
			Keywords:        d.Keywords,
			Style:           d.Style,
			MinWords:        d.MinWords,
			MaxWords:        d.MaxWords,
			DailyCount:      d.DailyCount,
			AutoPublish:     d.AutoPublish,
			AccountID:       strings.TrimSpace(d.AccountID),
			PublishInterval: config.Dur(d.PublishInterval, 0),
		})
	}
	return pilot.Config{
		Enabled:    p.Enabled,
		Every:      config.Dur(p.Every, pilot.DefaultEvery),
		BatchSize:  p.BatchSize,
		Directions: dirs,
	}
}

func mapNotifierConfig(cfg *config.Config) notifier.Config {
	n := cfg.Notifier
	return notifier.Config{
		Enabled:         n.Enabled,
		Token:           n.Token,
		ChatID:          n.ChatID,
		ThreadID:        n.ThreadID,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       config.Dur(n.RetryBase, 0),
		RetryMaxDelay:   config.Dur(n.RetryMaxDelay, 0),
		SendTimeout:     config.Dur(n.SendTimeout, 0),
		DedupWindow:     config.Dur(n.DedupWindow, time.Minute),
		DedupMaxEntries: n.DedupMaxEntries,
		NotifyStatuses:  n.NotifyStatuses,
	}
}

func mapKafkaConfig(cfg *config.Config) kafkagw.Config {
	k := cfg.Kafka
	return kafkagw.Config{
		Enabled:      k.Enabled,
		Brokers:      k.Brokers,
		Topic:        strings.TrimSpace(k.Topic),
		ClientID:     strings.TrimSpace(k.ClientID),
		WriteTimeout: config.Dur(k.WriteTimeout, 0),
		Types:        k.Types,
	}
}

func mapHTTPConfig(cfg *config.Config) httpapi.Config {
	h := cfg.HTTP
	p := cfg.Pprof
	return httpapi.Config{
		Addr:              strings.TrimSpace(h.Addr),
		Token:             strings.TrimSpace(h.Token),
		ReadTimeout:       config.Dur(h.ReadTimeout, 0),
		ReadHeaderTimeout: config.Dur(h.ReadHeaderTimeout, 0),
		WriteTimeout:      config.Dur(h.WriteTimeout, 0),
		IdleTimeout:       config.Dur(h.IdleTimeout, 0),
		Pprof: httpapi.PprofConfig{
			Enabled:              p.Enabled,
			Prefix:               strings.TrimSpace(p.Prefix),
			AllowInsecure:        p.AllowInsecure,
			MutexProfileFraction: p.MutexProfileFraction,
			BlockProfileRate:     p.BlockProfileRate,
			MemProfileRate:       p.MemProfileRate,
		},
	}
}
