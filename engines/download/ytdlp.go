// Package download fetches source videos and their public metadata.
package download

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/gustavoali/ytrag/am"
	"github.com/gustavoali/ytrag/engines"
	"github.com/gustavoali/ytrag/errors"
	"github.com/gustavoali/ytrag/logger"
	"github.com/gustavoali/ytrag/pipeline"
)

// Output template handed to yt-dlp; the extension is chosen by the tool.
const outputTemplate = "video.%(ext)s"

var progressLine = regexp.MustCompile(`^\[download\]\s+(\d+(?:\.\d+)?)%`)

// YTDLP downloads videos by running yt-dlp.
type YTDLP struct {
	binary      string
	extraArgs   []string
	urlTemplate string
	runner      engines.Runner
	logger      *zap.SugaredLogger
}

var _ pipeline.VideoDownloader = (*YTDLP)(nil)

// NewYTDLP builds a downloader from config. runner may be nil.
func NewYTDLP(cfg am.DownloadEngineConfig, runner engines.Runner, log *zap.SugaredLogger) (*YTDLP, error) {
	extra, err := engines.SplitArgs(cfg.ExtraArgs)
	if err != nil {
		return nil, errors.Wrap(err, "engines.download.extra_args")
	}
	if runner == nil {
		runner = engines.ExecRunner{}
	}
	binary := cfg.Binary
	if binary == "" {
		binary = "yt-dlp"
	}
	return &YTDLP{
		binary:      binary,
		extraArgs:   extra,
		urlTemplate: urlTemplate(cfg),
		runner:      runner,
		logger:      log.Named("ytdlp"),
	}, nil
}

func (d *YTDLP) args(externalID, destDir string) []string {
	args := []string{
		"--newline",
		"--no-playlist",
		"--no-part",
		"--restrict-filenames",
		"-f", "bestaudio/best",
		"-o", filepath.Join(destDir, outputTemplate),
	}
	args = append(args, d.extraArgs...)
	return append(args, sourceURL(d.urlTemplate, externalID))
}

// Download implements pipeline.VideoDownloader.
func (d *YTDLP) Download(ctx context.Context, externalID, destDir string, onProgress pipeline.ProgressFunc) (string, error) {
	if err := os.MkdirAll(destDir, am.DefaultDirPermissions); err != nil {
		return "", errors.Wrap(err, "failed to create download directory")
	}

	d.logger.Debugw("Starting download", logger.FieldBinary, d.binary, "external_id", externalID)
	report := byWholePercent(onProgress)
	res, err := d.runner.Run(ctx, d.binary, d.args(externalID, destDir), func(line string) {
		if p, ok := parseProgress(line); ok {
			report(p)
		}
	})
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", errors.WithDetailf(engines.ExitError(d.binary, res), "External ID: %s", externalID)
	}

	path, err := findOutput(destDir)
	if err != nil {
		return "", err
	}
	if onProgress != nil {
		onProgress(1)
	}
	return path, nil
}

// parseProgress reads a "[download]  42.3% of ..." line as a fraction.
func parseProgress(line string) (float64, bool) {
	m := progressLine.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return 0, false
	}
	pct, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return pct / 100, true
}

// byWholePercent drops reports that do not move progress by at least one
// percent. yt-dlp prints a line per chunk.
func byWholePercent(fn pipeline.ProgressFunc) pipeline.ProgressFunc {
	if fn == nil {
		return func(float64) {}
	}
	var mu sync.Mutex
	last := -1
	return func(f float64) {
		pct := int(f * 100)
		mu.Lock()
		if pct <= last {
			mu.Unlock()
			return
		}
		last = pct
		mu.Unlock()
		fn(f)
	}
}

// findOutput locates the file yt-dlp wrote for outputTemplate.
func findOutput(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "video.*"))
	if err != nil {
		return "", errors.Wrap(err, "failed to list download directory")
	}
	for _, m := range matches {
		if info, statErr := os.Stat(m); statErr == nil && info.Mode().IsRegular() && info.Size() > 0 {
			return m, nil
		}
	}
	return "", errors.NewIntegrityError("download finished but no video file was written to %s", dir)
}

func urlTemplate(cfg am.DownloadEngineConfig) string {
	if cfg.URLTemplate == "" {
		return "https://www.youtube.com/watch?v=%s"
	}
	return cfg.URLTemplate
}

func sourceURL(template, externalID string) string {
	if strings.Contains(template, "%s") {
		return strings.Replace(template, "%s", externalID, 1)
	}
	return template + externalID
}

// New returns the downloader selected by cfg.Mode.
func New(cfg am.DownloadEngineConfig, runner engines.Runner, log *zap.SugaredLogger) (pipeline.VideoDownloader, error) {
	switch cfg.Mode {
	case "", "ytdlp":
		d, err := NewYTDLP(cfg, runner, log)
		if err != nil {
			return nil, err
		}
		return d, nil
	case "getter":
		return NewGetter(cfg, log), nil
	default:
		return nil, errors.NewInvalidRequestError("unknown download mode %q", cfg.Mode)
	}
}
