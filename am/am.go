package am

// Config represents the ytrag configuration
type Config struct {
	Database    DatabaseConfig    `mapstructure:"database" toml:"database"`
	Log         LogConfig         `mapstructure:"log" toml:"log"`
	Pulse       PulseConfig       `mapstructure:"pulse" toml:"pulse"`
	Resilience  ResilienceConfig  `mapstructure:"resilience" toml:"resilience"`
	Progress    ProgressConfig    `mapstructure:"progress" toml:"progress"`
	Segments    SegmentsConfig    `mapstructure:"segments" toml:"segments"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance" toml:"maintenance"`
	Pipeline    PipelineConfig    `mapstructure:"pipeline" toml:"pipeline"`
	Engines     EnginesConfig     `mapstructure:"engines" toml:"engines"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path"`
}

// LogConfig configures the global logger
type LogConfig struct {
	Level      string `mapstructure:"level" toml:"level"`   // debug, info, warn, error
	Format     string `mapstructure:"format" toml:"format"` // console or json
	File       string `mapstructure:"file" toml:"file"`     // empty = stdout only
	MaxSizeMB  int    `mapstructure:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" toml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" toml:"compress"`
}

// PulseConfig configures the work queue and its worker pool
type PulseConfig struct {
	Workers                int `mapstructure:"workers" toml:"workers"`                                   // concurrent stage workers (0 = none)
	PollIntervalMS         int `mapstructure:"poll_interval_ms" toml:"poll_interval_ms"`                 // how often idle workers look for work
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds" toml:"shutdown_timeout_seconds"` // grace period on Stop
}

// ResilienceConfig configures retry, circuit breaking and timeouts around external calls
type ResilienceConfig struct {
	MaxAttempts            int     `mapstructure:"max_attempts" toml:"max_attempts"`
	BackoffBase            float64 `mapstructure:"backoff_base" toml:"backoff_base"` // delay = base^attempt seconds
	BreakerThreshold       int     `mapstructure:"breaker_threshold" toml:"breaker_threshold"`
	BreakerCooldownSeconds int     `mapstructure:"breaker_cooldown_seconds" toml:"breaker_cooldown_seconds"`
	TimeoutSeconds         int     `mapstructure:"timeout_seconds" toml:"timeout_seconds"`
	RatePerMinute          int     `mapstructure:"rate_per_minute" toml:"rate_per_minute"` // 0 = unlimited

	// Per call site overrides of timeout_seconds, keyed by policy name (download, transcription, ...)
	CallTimeoutSeconds map[string]int `mapstructure:"call_timeout_seconds" toml:"call_timeout_seconds"`
}

// ProgressConfig configures stage weights per job type.
// Weights for one job type must sum to 100.
type ProgressConfig struct {
	TolerancePercent float64                       `mapstructure:"tolerance_percent" toml:"tolerance_percent"`
	Weights          map[string]map[string]float64 `mapstructure:"weights" toml:"weights"`
}

// SegmentsConfig configures transcript normalization and persistence
type SegmentsConfig struct {
	MaxTextLength   int `mapstructure:"max_text_length" toml:"max_text_length"`
	InsertBatchSize int `mapstructure:"insert_batch_size" toml:"insert_batch_size"`
}

// MaintenanceConfig configures the scheduled sweeps. Schedules use cron syntax
// or descriptors such as "@every 5m"; an empty schedule disables the sweep.
type MaintenanceConfig struct {
	StuckThresholdMinutes     int `mapstructure:"stuck_threshold_minutes" toml:"stuck_threshold_minutes"`
	ArchiveAfterDays          int `mapstructure:"archive_after_days" toml:"archive_after_days"`
	NotificationRetentionDays int `mapstructure:"notification_retention_days" toml:"notification_retention_days"`
	WorkItemRetentionDays     int `mapstructure:"work_item_retention_days" toml:"work_item_retention_days"`

	StuckSchedule        string `mapstructure:"stuck_schedule" toml:"stuck_schedule"`
	DeadLetterSchedule   string `mapstructure:"dead_letter_schedule" toml:"dead_letter_schedule"`
	OrphanSchedule       string `mapstructure:"orphan_schedule" toml:"orphan_schedule"`
	ArchiveSchedule      string `mapstructure:"archive_schedule" toml:"archive_schedule"`
	NotificationSchedule string `mapstructure:"notification_schedule" toml:"notification_schedule"`
}

// PipelineConfig configures stage behaviour
type PipelineConfig struct {
	WorkDir         string `mapstructure:"work_dir" toml:"work_dir"` // per-job artifacts live under work_dir/<job id>
	AutoEmbed       bool   `mapstructure:"auto_embed" toml:"auto_embed"`
	DefaultLanguage string `mapstructure:"default_language" toml:"default_language"`
	DefaultQuality  string `mapstructure:"default_quality" toml:"default_quality"`
	KeepArtifacts   bool   `mapstructure:"keep_artifacts" toml:"keep_artifacts"`

	// HeartbeatSeconds is how often a running stage marks its job as alive
	HeartbeatSeconds int `mapstructure:"heartbeat_seconds" toml:"heartbeat_seconds"`
}

// EnginesConfig configures the concrete collaborators behind each stage
type EnginesConfig struct {
	Download DownloadEngineConfig `mapstructure:"download" toml:"download"`
	FFmpeg   FFmpegConfig         `mapstructure:"ffmpeg" toml:"ffmpeg"`
	Whisper  WhisperConfig        `mapstructure:"whisper" toml:"whisper"`
	Embed    EmbedConfig          `mapstructure:"embed" toml:"embed"`
}

// DownloadEngineConfig configures video download and metadata lookup
type DownloadEngineConfig struct {
	Mode        string `mapstructure:"mode" toml:"mode"` // ytdlp or getter
	Binary      string `mapstructure:"binary" toml:"binary"`
	ExtraArgs   string `mapstructure:"extra_args" toml:"extra_args"`
	URLTemplate string `mapstructure:"url_template" toml:"url_template"` // %s is replaced by the external id
	MetadataURL string `mapstructure:"metadata_url" toml:"metadata_url"` // oEmbed endpoint, empty disables lookup
}

// FFmpegConfig configures audio extraction
type FFmpegConfig struct {
	Binary      string `mapstructure:"binary" toml:"binary"`
	ProbeBinary string `mapstructure:"probe_binary" toml:"probe_binary"`
	SampleRate  int    `mapstructure:"sample_rate" toml:"sample_rate"`
}

// WhisperConfig configures the transcription engine
type WhisperConfig struct {
	Binary                   string `mapstructure:"binary" toml:"binary"`
	Model                    string `mapstructure:"model" toml:"model"`
	ExtraArgs                string `mapstructure:"extra_args" toml:"extra_args"`
	HealthURL                string `mapstructure:"health_url" toml:"health_url"` // optional HTTP probe used by IsAvailable
	AvailabilityCacheSeconds int    `mapstructure:"availability_cache_seconds" toml:"availability_cache_seconds"`
}

// EmbedConfig configures the embedding endpoint (Ollama-compatible)
type EmbedConfig struct {
	BaseURL        string `mapstructure:"base_url" toml:"base_url"`
	Model          string `mapstructure:"model" toml:"model"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" toml:"timeout_seconds"`
	BatchSize      int    `mapstructure:"batch_size" toml:"batch_size"`
}

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)
