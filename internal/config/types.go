package config

// Config is the daemon's file configuration (JSON or YAML).
//
// All durations are Go duration strings ("500ms", "10s", "2m"). Empty means
// the component default.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	HTTP      HTTPConfig      `json:"http"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Retry     RetryConfig     `json:"retry"`
	Engine    EngineConfig    `json:"engine"`
	Events    EventsConfig    `json:"events"`
	Publisher PublisherConfig `json:"publisher"`
	Generator GeneratorConfig `json:"generator"`
	Pilot     PilotConfig     `json:"pilot"`
	Notifier  NotifierConfig  `json:"notifier"`
	Kafka     KafkaConfig     `json:"kafka"`
	Metrics   MetricsConfig   `json:"metrics"`
	Pprof     PprofConfig     `json:"pprof"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards log lines at or above MinLevel to the notifier.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// HTTPConfig controls the API server. WriteTimeout should stay empty while
// the event stream is used.
type HTTPConfig struct {
	Addr              string `json:"addr"`
	Token             string `json:"token,omitempty"` // do not log
	ReadTimeout       string `json:"read_timeout,omitempty"`
	ReadHeaderTimeout string `json:"read_header_timeout,omitempty"`
	WriteTimeout      string `json:"write_timeout,omitempty"`
	IdleTimeout       string `json:"idle_timeout,omitempty"`
}

// StorageConfig selects the task store.
//
//	"storage": { "driver": "sqlite", "path": "./publishd.db" }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"` // do not log
	BusyTimeout  string `json:"busy_timeout,omitempty"`
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
}

type SchedulerConfig struct {
	// Timezone is an IANA name for periodic sweeps; empty means local.
	Timezone             string `json:"timezone,omitempty"`
	PendingSweepEvery    string `json:"pending_sweep_every,omitempty"`
	RetrySweepEvery      string `json:"retry_sweep_every,omitempty"`
	PaceDelay            string `json:"pace_delay,omitempty"`
	ScheduleJitter       string `json:"schedule_jitter,omitempty"`
	BatchIntervalDefault string `json:"batch_interval_default,omitempty"`
	BatchIntervalMin     string `json:"batch_interval_min,omitempty"`
	BatchIntervalMax     string `json:"batch_interval_max,omitempty"`
	ExecuteTimeout       string `json:"execute_timeout,omitempty"`
	FireTimeout          string `json:"fire_timeout,omitempty"`
	MaxStartupSpread     string `json:"max_startup_spread,omitempty"`
}

// RateLimitConfig is hot-reloadable. Hours are pointers because 0 is a
// valid start hour.
type RateLimitConfig struct {
	ActiveStartHour *int   `json:"active_start_hour,omitempty"`
	ActiveEndHour   *int   `json:"active_end_hour,omitempty"`
	DailyLimit      int    `json:"daily_limit,omitempty"`
	MinInterval     string `json:"min_interval,omitempty"`
	Timezone        string `json:"timezone,omitempty"`
}

// RetryConfig: max_retries is hot-reloadable, the delays need a restart.
type RetryConfig struct {
	MaxRetries *int   `json:"max_retries,omitempty"`
	BaseDelay  string `json:"base_delay,omitempty"`
	MaxDelay   string `json:"max_delay,omitempty"`
	JitterMax  string `json:"jitter_max,omitempty"`
}

type EngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

type EventsConfig struct {
	Capacity          int    `json:"capacity,omitempty"`
	HeartbeatInterval string `json:"heartbeat_interval,omitempty"`
}

// PublisherConfig selects the publish backend: "dryrun" (default) or "webhook".
type PublisherConfig struct {
	Driver    string `json:"driver"`
	URL       string `json:"url,omitempty"`
	Token     string `json:"token,omitempty"` // do not log
	Timeout   string `json:"timeout,omitempty"`
	DryRunURL string `json:"dryrun_url,omitempty"`
}

// GeneratorConfig selects the draft generator: "template" (default) or
// "openai" for any OpenAI-compatible endpoint.
type GeneratorConfig struct {
	Driver     string `json:"driver"`
	BaseURL    string `json:"base_url,omitempty"`
	APIKey     string `json:"api_key,omitempty"` // do not log
	Model      string `json:"model,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
	MaxRetries int    `json:"max_retries,omitempty"`
}

// PilotConfig drives periodic draft generation. Restart-only.
//
//	"pilot": { "enabled": true, "every": "30m",
//	  "directions": [{ "name": "go", "keywords": ["goroutines"], "auto_publish": true }] }
type PilotConfig struct {
	Enabled    bool             `json:"enabled"`
	Every      string           `json:"every,omitempty"`
	BatchSize  int              `json:"batch_size,omitempty"`
	Directions []PilotDirection `json:"directions,omitempty"`
}

type PilotDirection struct {
	Name            string   `json:"name"`
	Topics          []string `json:"topics,omitempty"`
	Keywords        []string `json:"keywords,omitempty"`
	Style           string   `json:"style,omitempty"`
	MinWords        int      `json:"min_words,omitempty"`
	MaxWords        int      `json:"max_words,omitempty"`
	DailyCount      int      `json:"daily_count,omitempty"`
	AutoPublish     bool     `json:"auto_publish,omitempty"`
	AccountID       string   `json:"account_id,omitempty"`
	PublishInterval string   `json:"publish_interval,omitempty"`
}

// NotifierConfig controls Telegram alerts. Everything except the bot
// credentials is hot-reloadable.
type NotifierConfig struct {
	Enabled         bool     `json:"enabled"`
	Token           string   `json:"token,omitempty"` // do not log
	ChatID          int64    `json:"chat_id,omitempty"`
	ThreadID        int      `json:"thread_id,omitempty"`
	Workers         int      `json:"workers,omitempty"`
	QueueSize       int      `json:"queue_size,omitempty"`
	RatePerSec      int      `json:"rate_per_sec,omitempty"`
	RetryMax        int      `json:"retry_max,omitempty"`
	RetryBase       string   `json:"retry_base,omitempty"`
	RetryMaxDelay   string   `json:"retry_max_delay,omitempty"`
	SendTimeout     string   `json:"send_timeout,omitempty"`
	DedupWindow     string   `json:"dedup_window,omitempty"`
	DedupMaxEntries int      `json:"dedup_max_entries,omitempty"`
	NotifyStatuses  []string `json:"notify_statuses,omitempty"`
}

type KafkaConfig struct {
	Enabled      bool     `json:"enabled"`
	Brokers      []string `json:"brokers,omitempty"`
	Topic        string   `json:"topic,omitempty"`
	ClientID     string   `json:"client_id,omitempty"`
	WriteTimeout string   `json:"write_timeout,omitempty"`
	Types        []string `json:"types,omitempty"`
}

// MetricsConfig: Enabled is a pointer so an omitted section keeps /metrics on.
type MetricsConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
}

func (m MetricsConfig) On() bool { return m.Enabled == nil || *m.Enabled }

// PprofConfig mounts net/http/pprof on the API server.
//
// On a non-loopback http.addr the endpoints need http.token or allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}
