package am

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	// Isolated viper so user/system config can't leak in
	v := viper.New()
	SetDefaults(v)

	cfg, err := LoadWithViper(v)
	require.NoError(t, err)

	assert.Equal(t, "ytrag.db", cfg.Database.Path)
	assert.Equal(t, 2, cfg.Pulse.Workers)
	assert.Equal(t, 3, cfg.Resilience.MaxAttempts)
	assert.Equal(t, 2.0, cfg.Resilience.BackoffBase)
	assert.Equal(t, 5, cfg.Resilience.BreakerThreshold)
	assert.Equal(t, 30, cfg.Resilience.BreakerCooldownSeconds)
	assert.Equal(t, 30, cfg.Resilience.TimeoutSeconds)
	assert.Equal(t, 500, cfg.Segments.MaxTextLength)
	assert.Equal(t, 60, cfg.Pipeline.HeartbeatSeconds)
	assert.Equal(t, 1.0, cfg.Progress.TolerancePercent)
	assert.Equal(t, 40.0, cfg.Progress.Weights["transcription"]["transcription"])
	assert.Equal(t, 100.0, cfg.Progress.Weights["download"]["download"])

	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "zero config is valid", mutate: func(*Config) {}},
		{name: "zero workers is valid (disabled)", mutate: func(c *Config) { c.Pulse.Workers = 0 }},
		{name: "negative workers", mutate: func(c *Config) { c.Pulse.Workers = -1 }, wantErr: "pulse.workers"},
		{name: "bad log format", mutate: func(c *Config) { c.Log.Format = "xml" }, wantErr: "log.format"},
		{name: "backoff base below one", mutate: func(c *Config) { c.Resilience.BackoffBase = 0.5 }, wantErr: "backoff_base"},
		{name: "negative timeout", mutate: func(c *Config) { c.Resilience.TimeoutSeconds = -1 }, wantErr: "timeout_seconds"},
		{
			name: "weights not summing to 100",
			mutate: func(c *Config) {
				c.Progress.Weights = map[string]map[string]float64{"download": {"download": 90}}
			},
			wantErr: "progress.weights.download: stage weights sum to 90",
		},
		{
			name: "negative weight",
			mutate: func(c *Config) {
				c.Progress.Weights = map[string]map[string]float64{"download": {"download": 110, "x": -10}}
			},
			wantErr: "negative weight",
		},
		{name: "batch size too large", mutate: func(c *Config) { c.Segments.InsertBatchSize = 5000 }, wantErr: "insert_batch_size"},
		{name: "bad cron spec", mutate: func(c *Config) { c.Maintenance.StuckSchedule = "every five minutes" }, wantErr: "stuck_schedule"},
		{name: "descriptor schedule ok", mutate: func(c *Config) { c.Maintenance.ArchiveSchedule = "@every 1h30m" }},
		{name: "unknown download mode", mutate: func(c *Config) { c.Engines.Download.Mode = "torrent" }, wantErr: "engines.download.mode"},
		{
			name: "heartbeat slower than stuck threshold",
			mutate: func(c *Config) {
				c.Maintenance.StuckThresholdMinutes = 30
				c.Pipeline.HeartbeatSeconds = 1800
			},
			wantErr: "pipeline.heartbeat_seconds",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg Config
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")
	content := `
[pulse]
workers = 8

[resilience]
max_attempts = 4

[progress.weights.download]
download = 100
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Pulse.Workers)
	assert.Equal(t, 4, cfg.Resilience.MaxAttempts)
	assert.Equal(t, 30, cfg.Resilience.TimeoutSeconds, "defaults survive a partial file")
	assert.Equal(t, "ytrag.db", cfg.Database.Path)
}

func TestLoadFromFile_Missing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestCheckUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")
	content := `
[resilience]
max_attempt = 4
timeout_seconds = 10

[segments]
max_text_length = 400
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	unknown, err := CheckUnknownKeys(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"resilience.max_attempt"}, unknown)
}

func TestSetValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "am.toml")

	require.NoError(t, SetValue(path, "resilience.max_attempts", "5"))
	require.NoError(t, SetValue(path, "pipeline.auto_embed", "true"))
	require.NoError(t, SetValue(path, "engines.whisper.model", "small"))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Resilience.MaxAttempts)
	assert.True(t, cfg.Pipeline.AutoEmbed)
	assert.Equal(t, "small", cfg.Engines.Whisper.Model)

	// Second write rotated a backup
	_, err = os.Stat(path + ".back1")
	assert.NoError(t, err)
}

func TestSetValue_RejectsBadKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")

	assert.Error(t, SetValue(path, "resilience..max", "1"))

	require.NoError(t, SetValue(path, "database.path", "a.db"))
	assert.Error(t, SetValue(path, "database.path.nested", "x"), "cannot descend into a scalar")
}

func TestIsBackupFile(t *testing.T) {
	assert.True(t, isBackupFile("/x/am.toml.back1"))
	assert.True(t, isBackupFile("config.toml.back3"))
	assert.False(t, isBackupFile("/x/am.toml"))
}
