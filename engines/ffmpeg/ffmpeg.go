// Package ffmpeg extracts speech-ready audio from downloaded videos.
package ffmpeg

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/gustavoali/ytrag/am"
	"github.com/gustavoali/ytrag/engines"
	"github.com/gustavoali/ytrag/errors"
	"github.com/gustavoali/ytrag/logger"
	"github.com/gustavoali/ytrag/pipeline"
)

const audioFile = "audio.wav"

// Extractor converts a video into mono PCM WAV at the configured rate.
type Extractor struct {
	ffmpeg     string
	ffprobe    string
	sampleRate int
	runner     engines.Runner
	logger     *zap.SugaredLogger
}

var _ pipeline.AudioExtractor = (*Extractor)(nil)

// New builds an Extractor. runner may be nil.
func New(cfg am.FFmpegConfig, runner engines.Runner, log *zap.SugaredLogger) *Extractor {
	if runner == nil {
		runner = engines.ExecRunner{}
	}
	e := &Extractor{
		ffmpeg:     cfg.Binary,
		ffprobe:    cfg.ProbeBinary,
		sampleRate: cfg.SampleRate,
		runner:     runner,
		logger:     log.Named("ffmpeg"),
	}
	if e.ffmpeg == "" {
		e.ffmpeg = "ffmpeg"
	}
	if e.ffprobe == "" {
		e.ffprobe = "ffprobe"
	}
	if e.sampleRate <= 0 {
		e.sampleRate = 16000
	}
	return e
}

func (e *Extractor) convertArgs(in, out string) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", in,
		"-vn",
		"-ac", "1",
		"-ar", strconv.Itoa(e.sampleRate),
		"-c:a", "pcm_s16le",
		out,
	}
}

func probeArgs(path string) []string {
	return []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	}
}

// Extract implements pipeline.AudioExtractor.
func (e *Extractor) Extract(ctx context.Context, videoPath, destDir string) (string, float64, error) {
	if _, err := os.Stat(videoPath); err != nil {
		return "", 0, errors.NewIntegrityError("video file %s is missing", videoPath)
	}
	if err := os.MkdirAll(destDir, am.DefaultDirPermissions); err != nil {
		return "", 0, errors.Wrap(err, "failed to create audio directory")
	}
	out := filepath.Join(destDir, audioFile)

	res, err := e.runner.Run(ctx, e.ffmpeg, e.convertArgs(videoPath, out), nil)
	if err != nil {
		return "", 0, err
	}
	if res.ExitCode != 0 {
		return "", 0, errors.WithDetailf(engines.ExitError(e.ffmpeg, res), "Input: %s", videoPath)
	}
	if info, statErr := os.Stat(out); statErr != nil || info.Size() == 0 {
		return "", 0, errors.NewIntegrityError("ffmpeg completed but %s is missing or empty", out)
	}

	duration, err := e.probe(ctx, out)
	if err != nil {
		// The audio is usable without a duration.
		e.logger.Warnw("Failed to probe audio duration", logger.FieldFile, out, logger.FieldError, err)
		duration = 0
	}
	return out, duration, nil
}

// probe returns the duration of path in seconds.
func (e *Extractor) probe(ctx context.Context, path string) (float64, error) {
	res, err := e.runner.Run(ctx, e.ffprobe, probeArgs(path), nil)
	if err != nil {
		return 0, err
	}
	if res.ExitCode != 0 {
		return 0, engines.ExitError(e.ffprobe, res)
	}
	raw := strings.TrimSpace(string(res.Stdout))
	d, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "unexpected ffprobe duration %q", raw)
	}
	return d, nil
}
