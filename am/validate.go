package am

import (
	"sort"

	"github.com/robfig/cron/v3"

	"github.com/gustavoali/ytrag/errors"
	"github.com/gustavoali/ytrag/pulse/progress"
)

// Validate checks that the configuration is valid.
// Zero values mean "use the built-in default" unless noted otherwise.
func (c *Config) Validate() error {
	switch c.Log.Format {
	case "", "console", "json":
	default:
		return errors.Newf("log.format must be console or json, got %q", c.Log.Format)
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return errors.Newf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}

	// Pulse workers: 0 = no background workers, negative = invalid
	if c.Pulse.Workers < 0 {
		return errors.Newf("pulse.workers must be >= 0, got %d", c.Pulse.Workers)
	}
	if c.Pulse.PollIntervalMS < 0 {
		return errors.Newf("pulse.poll_interval_ms must be >= 0, got %d", c.Pulse.PollIntervalMS)
	}

	if c.Resilience.MaxAttempts < 0 {
		return errors.Newf("resilience.max_attempts must be >= 0, got %d", c.Resilience.MaxAttempts)
	}
	if c.Resilience.BackoffBase != 0 && c.Resilience.BackoffBase < 1 {
		return errors.Newf("resilience.backoff_base must be >= 1, got %f", c.Resilience.BackoffBase)
	}
	if c.Resilience.BreakerThreshold < 0 {
		return errors.Newf("resilience.breaker_threshold must be >= 0, got %d", c.Resilience.BreakerThreshold)
	}
	if c.Resilience.BreakerCooldownSeconds < 0 {
		return errors.Newf("resilience.breaker_cooldown_seconds must be >= 0, got %d", c.Resilience.BreakerCooldownSeconds)
	}
	if c.Resilience.TimeoutSeconds < 0 {
		return errors.Newf("resilience.timeout_seconds must be >= 0, got %d", c.Resilience.TimeoutSeconds)
	}
	if c.Resilience.RatePerMinute < 0 {
		return errors.Newf("resilience.rate_per_minute must be >= 0, got %d", c.Resilience.RatePerMinute)
	}
	for name, secs := range c.Resilience.CallTimeoutSeconds {
		if secs < 0 {
			return errors.Newf("resilience.call_timeout_seconds.%s must be >= 0, got %d", name, secs)
		}
	}

	if c.Progress.TolerancePercent < 0 || c.Progress.TolerancePercent > 100 {
		return errors.Newf("progress.tolerance_percent must be within [0,100], got %f", c.Progress.TolerancePercent)
	}
	if err := validateWeights(c.Progress.Weights); err != nil {
		return err
	}

	if c.Segments.MaxTextLength < 0 {
		return errors.Newf("segments.max_text_length must be >= 0, got %d", c.Segments.MaxTextLength)
	}
	if c.Segments.InsertBatchSize < 0 || c.Segments.InsertBatchSize > 1000 {
		return errors.Newf("segments.insert_batch_size must be within [0,1000], got %d", c.Segments.InsertBatchSize)
	}

	m := c.Maintenance
	for _, n := range []struct {
		key   string
		value int
	}{
		{"maintenance.stuck_threshold_minutes", m.StuckThresholdMinutes},
		{"maintenance.archive_after_days", m.ArchiveAfterDays},
		{"maintenance.notification_retention_days", m.NotificationRetentionDays},
		{"maintenance.work_item_retention_days", m.WorkItemRetentionDays},
	} {
		if n.value < 0 {
			return errors.Newf("%s must be >= 0, got %d", n.key, n.value)
		}
	}
	for _, s := range []struct {
		key  string
		spec string
	}{
		{"maintenance.stuck_schedule", m.StuckSchedule},
		{"maintenance.dead_letter_schedule", m.DeadLetterSchedule},
		{"maintenance.orphan_schedule", m.OrphanSchedule},
		{"maintenance.archive_schedule", m.ArchiveSchedule},
		{"maintenance.notification_schedule", m.NotificationSchedule},
	} {
		if s.spec == "" {
			continue
		}
		if _, err := cron.ParseStandard(s.spec); err != nil {
			return errors.Wrapf(err, "%s is not a valid schedule", s.key)
		}
	}

	hb := c.Pipeline.HeartbeatSeconds
	if hb < 0 {
		return errors.Newf("pipeline.heartbeat_seconds must be >= 0, got %d", hb)
	}
	if m.StuckThresholdMinutes > 0 && hb >= m.StuckThresholdMinutes*60 {
		return errors.Newf("pipeline.heartbeat_seconds (%d) must be shorter than maintenance.stuck_threshold_minutes (%d)",
			hb, m.StuckThresholdMinutes)
	}

	switch c.Engines.Download.Mode {
	case "", "ytdlp", "getter":
	default:
		return errors.Newf("engines.download.mode must be ytdlp or getter, got %q", c.Engines.Download.Mode)
	}
	if c.Engines.Embed.BatchSize < 0 {
		return errors.Newf("engines.embed.batch_size must be >= 0, got %d", c.Engines.Embed.BatchSize)
	}

	return nil
}

// validateWeights checks each job type's stage weights are non-negative and sum to 100.
func validateWeights(weights map[string]map[string]float64) error {
	jobTypes := make([]string, 0, len(weights))
	for jobType := range weights {
		jobTypes = append(jobTypes, jobType)
	}
	sort.Strings(jobTypes)

	for _, jobType := range jobTypes {
		if err := progress.Weights(weights[jobType]).Validate(); err != nil {
			return errors.Wrapf(err, "progress.weights.%s", jobType)
		}
	}
	return nil
}
