package am

import (
	"github.com/spf13/viper"

	"github.com/gustavoali/ytrag/pulse/progress"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "ytrag.db")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 14)

	v.SetDefault("pulse.workers", 2)
	v.SetDefault("pulse.poll_interval_ms", 1000)
	v.SetDefault("pulse.shutdown_timeout_seconds", 30)

	v.SetDefault("resilience.max_attempts", 3)
	v.SetDefault("resilience.backoff_base", 2.0)
	v.SetDefault("resilience.breaker_threshold", 5)
	v.SetDefault("resilience.breaker_cooldown_seconds", 30)
	v.SetDefault("resilience.timeout_seconds", 30)
	v.SetDefault("resilience.rate_per_minute", 0)
	v.SetDefault("resilience.call_timeout_seconds", map[string]interface{}{
		"download":         1800,
		"audio_extraction": 600,
		"transcription":    3600,
	})

	v.SetDefault("progress.tolerance_percent", 1.0)
	weights := make(map[string]interface{})
	for jobType, stages := range progress.DefaultWeights() {
		m := make(map[string]interface{}, len(stages))
		for stage, w := range stages {
			m[stage] = w
		}
		weights[jobType] = m
	}
	v.SetDefault("progress.weights", weights)

	v.SetDefault("segments.max_text_length", 500)
	v.SetDefault("segments.insert_batch_size", 100)

	v.SetDefault("maintenance.stuck_threshold_minutes", 30)
	v.SetDefault("maintenance.archive_after_days", 30)
	v.SetDefault("maintenance.notification_retention_days", 7)
	v.SetDefault("maintenance.work_item_retention_days", 7)
	v.SetDefault("maintenance.stuck_schedule", "@every 5m")
	v.SetDefault("maintenance.dead_letter_schedule", "@every 5m")
	v.SetDefault("maintenance.orphan_schedule", "@every 15m")
	v.SetDefault("maintenance.archive_schedule", "@daily")
	v.SetDefault("maintenance.notification_schedule", "@daily")

	v.SetDefault("pipeline.work_dir", "ytrag-work")
	v.SetDefault("pipeline.auto_embed", false)
	v.SetDefault("pipeline.default_language", "auto")
	v.SetDefault("pipeline.default_quality", "base")
	v.SetDefault("pipeline.heartbeat_seconds", 60)

	v.SetDefault("engines.download.mode", "ytdlp")
	v.SetDefault("engines.download.binary", "yt-dlp")
	v.SetDefault("engines.download.url_template", "https://www.youtube.com/watch?v=%s")
	v.SetDefault("engines.download.metadata_url", "https://www.youtube.com/oembed")
	v.SetDefault("engines.ffmpeg.binary", "ffmpeg")
	v.SetDefault("engines.ffmpeg.probe_binary", "ffprobe")
	v.SetDefault("engines.ffmpeg.sample_rate", 16000)
	v.SetDefault("engines.whisper.binary", "whisper")
	v.SetDefault("engines.whisper.model", "base")
	v.SetDefault("engines.whisper.availability_cache_seconds", 30)
	v.SetDefault("engines.embed.base_url", "http://localhost:11434")
	v.SetDefault("engines.embed.model", "nomic-embed-text")
	v.SetDefault("engines.embed.timeout_seconds", 60)
	v.SetDefault("engines.embed.batch_size", 32)
}

// BindSensitiveEnvVars explicitly binds configuration that is commonly
// supplied by the environment rather than a file.
func BindSensitiveEnvVars(v *viper.Viper) {
	_ = v.BindEnv("database.path", "YTRAG_DATABASE_PATH", "DB_PATH")
	_ = v.BindEnv("engines.embed.base_url", "YTRAG_EMBED_URL", "OLLAMA_HOST")
}
