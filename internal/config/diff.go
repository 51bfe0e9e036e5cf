package config

import (
	"reflect"
	"sort"
	"strings"

	logx "zhihupub/pkg/logx"
)

// Change summarizes a reload.
type Change struct {
	// Sections lists every top-level section that differs.
	Sections []string
	// Attrs are safe log fields; secrets appear only as *_set booleans.
	Attrs []logx.Field
	// Restart lists changed sections (or fields) that only take effect after a restart.
	Restart []string
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// Has reports whether section changed.
func (c Change) Has(section string) bool {
	for _, s := range c.Sections {
		if s == section {
			return true
		}
	}
	return false
}

// SummarizeConfigChange compares two configs section by section.
//
// logging, rate_limit, notifier (except credentials) and retry.max_retries
// apply live; everything else is reported in Restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var c Change
	mark := func(section string, restart bool, attrs ...logx.Field) {
		c.Sections = append(c.Sections, section)
		c.Attrs = append(c.Attrs, attrs...)
		if restart {
			c.Restart = append(c.Restart, section)
		}
	}
	set := func(s string) bool { return strings.TrimSpace(s) != "" }

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging", false,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alert_enabled", newCfg.Logging.Alert.Enabled),
		)
	}

	oh, nh := oldCfg.HTTP, newCfg.HTTP
	if oh.Addr != nh.Addr || oh.Token != nh.Token ||
		oh.ReadTimeout != nh.ReadTimeout || oh.ReadHeaderTimeout != nh.ReadHeaderTimeout ||
		oh.WriteTimeout != nh.WriteTimeout || oh.IdleTimeout != nh.IdleTimeout {
		mark("http", true,
			logx.String("http.addr", nh.Addr),
			logx.Bool("http.token_set", set(nh.Token)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		mark("storage", true,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.path_set", set(newCfg.Storage.Path)),
			logx.Bool("storage.dsn_set", set(newCfg.Storage.DSN)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		mark("scheduler", true,
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
			logx.String("scheduler.pending_sweep_every", newCfg.Scheduler.PendingSweepEvery),
			logx.String("scheduler.retry_sweep_every", newCfg.Scheduler.RetrySweepEvery),
		)
	}

	if !reflect.DeepEqual(oldCfg.RateLimit, newCfg.RateLimit) {
		rl := newCfg.RateLimit
		attrs := []logx.Field{
			logx.Int("rate_limit.daily_limit", rl.DailyLimit),
			logx.String("rate_limit.min_interval", rl.MinInterval),
		}
		if rl.ActiveStartHour != nil {
			attrs = append(attrs, logx.Int("rate_limit.active_start_hour", *rl.ActiveStartHour))
		}
		if rl.ActiveEndHour != nil {
			attrs = append(attrs, logx.Int("rate_limit.active_end_hour", *rl.ActiveEndHour))
		}
		mark("rate_limit", false, attrs...)
	}

	or, nr := oldCfg.Retry, newCfg.Retry
	if !reflect.DeepEqual(or, nr) {
		delays := or.BaseDelay != nr.BaseDelay || or.MaxDelay != nr.MaxDelay || or.JitterMax != nr.JitterMax
		attrs := []logx.Field{logx.String("retry.base_delay", nr.BaseDelay)}
		if nr.MaxRetries != nil {
			attrs = append(attrs, logx.Int("retry.max_retries", *nr.MaxRetries))
		}
		mark("retry", false, attrs...)
		if delays {
			c.Restart = append(c.Restart, "retry.delays")
		}
	}

	if !reflect.DeepEqual(oldCfg.Engine, newCfg.Engine) {
		mark("engine", true,
			logx.Int("engine.workers", newCfg.Engine.Workers),
			logx.Int("engine.queue_size", newCfg.Engine.QueueSize),
		)
	}

	if !reflect.DeepEqual(oldCfg.Events, newCfg.Events) {
		mark("events", true, logx.Int("events.capacity", newCfg.Events.Capacity))
	}

	if !reflect.DeepEqual(oldCfg.Publisher, newCfg.Publisher) {
		mark("publisher", true,
			logx.String("publisher.driver", newCfg.Publisher.Driver),
			logx.Bool("publisher.token_set", set(newCfg.Publisher.Token)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Generator, newCfg.Generator) {
		mark("generator", true,
			logx.String("generator.driver", newCfg.Generator.Driver),
			logx.String("generator.model", newCfg.Generator.Model),
			logx.Bool("generator.api_key_set", set(newCfg.Generator.APIKey)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Pilot, newCfg.Pilot) {
		mark("pilot", true,
			logx.Bool("pilot.enabled", newCfg.Pilot.Enabled),
			logx.Int("pilot.directions", len(newCfg.Pilot.Directions)),
		)
	}

	on, nn := oldCfg.Notifier, newCfg.Notifier
	if !reflect.DeepEqual(on, nn) {
		mark("notifier", false,
			logx.Bool("notifier.enabled", nn.Enabled),
			logx.Int("notifier.workers", nn.Workers),
			logx.Int("notifier.rate_per_sec", nn.RatePerSec),
			logx.Bool("notifier.token_set", set(nn.Token)),
		)
		if on.Token != nn.Token || on.ChatID != nn.ChatID || on.ThreadID != nn.ThreadID || on.Enabled != nn.Enabled {
			c.Restart = append(c.Restart, "notifier.credentials")
		}
	}

	if !reflect.DeepEqual(oldCfg.Kafka, newCfg.Kafka) {
		mark("kafka", true,
			logx.Bool("kafka.enabled", newCfg.Kafka.Enabled),
			logx.Int("kafka.brokers", len(newCfg.Kafka.Brokers)),
			logx.String("kafka.topic", newCfg.Kafka.Topic),
		)
	}

	if oldCfg.Metrics.On() != newCfg.Metrics.On() {
		mark("metrics", true, logx.Bool("metrics.enabled", newCfg.Metrics.On()))
	}

	if !reflect.DeepEqual(oldCfg.Pprof, newCfg.Pprof) {
		mark("pprof", true,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.prefix", newCfg.Pprof.Prefix),
			logx.Bool("pprof.allow_insecure", newCfg.Pprof.AllowInsecure),
		)
	}

	sort.Strings(c.Sections)
	sort.Strings(c.Restart)
	return c
}
