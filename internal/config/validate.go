package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Default is the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			Alert:   LoggingAlert{MinLevel: "error", RatePerSec: 1},
		},
		HTTP:      HTTPConfig{Addr: "127.0.0.1:8080"},
		Storage:   StorageConfig{Driver: "memory"},
		Publisher: PublisherConfig{Driver: "dryrun"},
		Generator: GeneratorConfig{Driver: "template"},
	}
}

var (
	storageDrivers   = []string{"", "memory", "sqlite", "sqlite3", "postgres", "postgresql", "pgx"}
	publisherDrivers = []string{"", "dryrun", "dry-run", "webhook"}
	generatorDrivers = []string{"", "template", "openai", "openai-compatible"}
	logLevels        = []string{"", "trace", "debug", "info", "warn", "warning", "error", "fatal", "panic"}
)

// Validate checks every section and returns all problems joined.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) { _, err := ParseDurationField(path, raw); add(err) }
	oneOf := func(path, v string, allowed []string) {
		v = strings.ToLower(strings.TrimSpace(v))
		for _, a := range allowed {
			if v == a {
				return
			}
		}
		add(fmt.Errorf("%s: unknown value %q", path, v))
	}
	nonNeg := func(path string, n int) {
		if n < 0 {
			add(fmt.Errorf("%s must be >= 0", path))
		}
	}
	tz := func(path, name string) {
		if name = strings.TrimSpace(name); name != "" {
			if _, err := time.LoadLocation(name); err != nil {
				add(fmt.Errorf("%s: invalid timezone %q: %w", path, name, err))
			}
		}
	}

	oneOf("logging.level", cfg.Logging.Level, logLevels)
	oneOf("logging.alert.min_level", cfg.Logging.Alert.MinLevel, logLevels)
	nonNeg("logging.alert.rate_per_sec", cfg.Logging.Alert.RatePerSec)
	if cfg.Logging.Alert.Enabled && !cfg.Notifier.Enabled {
		add(errors.New("logging.alert.enabled requires notifier.enabled"))
	}

	dur("http.read_timeout", cfg.HTTP.ReadTimeout)
	dur("http.read_header_timeout", cfg.HTTP.ReadHeaderTimeout)
	dur("http.write_timeout", cfg.HTTP.WriteTimeout)
	dur("http.idle_timeout", cfg.HTTP.IdleTimeout)

	oneOf("storage.driver", cfg.Storage.Driver, storageDrivers)
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)
	nonNeg("storage.max_open_conns", cfg.Storage.MaxOpenConns)
	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add(errors.New("storage.path is required when storage.driver=sqlite"))
		}
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			add(errors.New("storage.dsn is required when storage.driver=postgres"))
		}
	}

	s := cfg.Scheduler
	tz("scheduler.timezone", s.Timezone)
	dur("scheduler.pending_sweep_every", s.PendingSweepEvery)
	dur("scheduler.retry_sweep_every", s.RetrySweepEvery)
	dur("scheduler.pace_delay", s.PaceDelay)
	dur("scheduler.schedule_jitter", s.ScheduleJitter)
	dur("scheduler.batch_interval_default", s.BatchIntervalDefault)
	dur("scheduler.batch_interval_min", s.BatchIntervalMin)
	dur("scheduler.batch_interval_max", s.BatchIntervalMax)
	dur("scheduler.execute_timeout", s.ExecuteTimeout)
	dur("scheduler.fire_timeout", s.FireTimeout)
	dur("scheduler.max_startup_spread", s.MaxStartupSpread)

	rl := cfg.RateLimit
	tz("rate_limit.timezone", rl.Timezone)
	dur("rate_limit.min_interval", rl.MinInterval)
	nonNeg("rate_limit.daily_limit", rl.DailyLimit)
	if rl.ActiveStartHour != nil && (*rl.ActiveStartHour < 0 || *rl.ActiveStartHour > 23) {
		add(fmt.Errorf("rate_limit.active_start_hour must be in [0, 23], got %d", *rl.ActiveStartHour))
	}
	if rl.ActiveEndHour != nil && (*rl.ActiveEndHour < 1 || *rl.ActiveEndHour > 24) {
		add(fmt.Errorf("rate_limit.active_end_hour must be in [1, 24], got %d", *rl.ActiveEndHour))
	}
	if rl.ActiveStartHour != nil && rl.ActiveEndHour != nil && *rl.ActiveStartHour >= *rl.ActiveEndHour {
		add(errors.New("rate_limit.active_start_hour must be before active_end_hour"))
	}

	if cfg.Retry.MaxRetries != nil {
		nonNeg("retry.max_retries", *cfg.Retry.MaxRetries)
	}
	dur("retry.base_delay", cfg.Retry.BaseDelay)
	dur("retry.max_delay", cfg.Retry.MaxDelay)
	dur("retry.jitter_max", cfg.Retry.JitterMax)

	nonNeg("engine.workers", cfg.Engine.Workers)
	nonNeg("engine.queue_size", cfg.Engine.QueueSize)
	nonNeg("engine.history_size", cfg.Engine.HistorySize)
	dur("engine.default_timeout", cfg.Engine.DefaultTimeout)

	nonNeg("events.capacity", cfg.Events.Capacity)
	dur("events.heartbeat_interval", cfg.Events.HeartbeatInterval)

	oneOf("publisher.driver", cfg.Publisher.Driver, publisherDrivers)
	dur("publisher.timeout", cfg.Publisher.Timeout)
	if strings.EqualFold(strings.TrimSpace(cfg.Publisher.Driver), "webhook") && strings.TrimSpace(cfg.Publisher.URL) == "" {
		add(errors.New("publisher.url is required when publisher.driver=webhook"))
	}

	oneOf("generator.driver", cfg.Generator.Driver, generatorDrivers)
	dur("generator.timeout", cfg.Generator.Timeout)
	nonNeg("generator.max_retries", cfg.Generator.MaxRetries)

	pl := cfg.Pilot
	dur("pilot.every", pl.Every)
	nonNeg("pilot.batch_size", pl.BatchSize)
	if pl.Enabled && len(pl.Directions) == 0 {
		add(errors.New("pilot.directions is required when pilot.enabled"))
	}
	names := make(map[string]bool, len(pl.Directions))
	for i, d := range pl.Directions {
		path := fmt.Sprintf("pilot.directions[%d]", i)
		name := strings.TrimSpace(d.Name)
		switch {
		case name == "":
			add(fmt.Errorf("%s.name is required", path))
		case names[name]:
			add(fmt.Errorf("%s.name %q is duplicated", path, name))
		}
		names[name] = true
		nonNeg(path+".daily_count", d.DailyCount)
		nonNeg(path+".min_words", d.MinWords)
		nonNeg(path+".max_words", d.MaxWords)
		dur(path+".publish_interval", d.PublishInterval)
	}

	n := cfg.Notifier
	nonNeg("notifier.workers", n.Workers)
	nonNeg("notifier.queue_size", n.QueueSize)
	nonNeg("notifier.rate_per_sec", n.RatePerSec)
	nonNeg("notifier.retry_max", n.RetryMax)
	nonNeg("notifier.dedup_max_entries", n.DedupMaxEntries)
	dur("notifier.retry_base", n.RetryBase)
	dur("notifier.retry_max_delay", n.RetryMaxDelay)
	dur("notifier.send_timeout", n.SendTimeout)
	dur("notifier.dedup_window", n.DedupWindow)
	if n.Enabled && (strings.TrimSpace(n.Token) == "" || n.ChatID == 0) {
		add(errors.New("notifier.token and notifier.chat_id are required when notifier.enabled"))
	}

	dur("kafka.write_timeout", cfg.Kafka.WriteTimeout)
	if cfg.Kafka.Enabled && len(cfg.Kafka.Brokers) == 0 {
		add(errors.New("kafka.brokers is required when kafka.enabled"))
	}

	return errors.Join(errs...)
}
