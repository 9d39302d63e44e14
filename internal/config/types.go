package config

// Config is the on-disk configuration for remindd.
//
// All durations are Go duration strings (e.g. "50ms", "10s", "1m").
// YAML and JSON are both accepted; unknown fields are rejected.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Dispatch  DispatchConfig  `json:"dispatch"`

	// Channels lists the delivery channels enabled for this process.
	// Senders must be registered for each at startup.
	Channels []string `json:"channels"`
}

type LoggingConfig struct {
	Level   string     `json:"level"`
	Console bool       `json:"console"`
	File    FileConfig `json:"file,omitempty"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./remindd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// SchedulerConfig controls the timer loop.
//
// Defaults (when fields are omitted/zero):
//   - precision: "50ms"
//   - batch_limit: 64
//   - persist_retry_base: "250ms"
//   - persist_retry_max: "5s"
type SchedulerConfig struct {
	Enabled          bool   `json:"enabled"`
	Precision        string `json:"precision,omitempty"`
	BatchLimit       int    `json:"batch_limit,omitempty"`
	PersistRetryBase string `json:"persist_retry_base,omitempty"`
	PersistRetryMax  string `json:"persist_retry_max,omitempty"`
}

// DispatchConfig controls the notification fan-out pipeline.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 256
//   - send_timeout: "10s"
//   - rate_per_sec: 5 (per channel)
//   - retry_max: 3
//   - retry_base: "1s"
//   - retry_max_delay: "1m"
//   - retry_jitter: 0.2
//   - dedup_window: "2s"
type DispatchConfig struct {
	Workers       int     `json:"workers,omitempty"`
	QueueSize     int     `json:"queue_size,omitempty"`
	SendTimeout   string  `json:"send_timeout,omitempty"`
	RatePerSec    int     `json:"rate_per_sec,omitempty"`
	RetryMax      int     `json:"retry_max,omitempty"`
	RetryBase     string  `json:"retry_base,omitempty"`
	RetryMaxDelay string  `json:"retry_max_delay,omitempty"`
	RetryJitter   float64 `json:"retry_jitter,omitempty"`
	DedupWindow   string  `json:"dedup_window,omitempty"`
}
