// Package whisper runs the whisper CLI as the transcription engine.
package whisper

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"resty.dev/v3"

	"github.com/gustavoali/ytrag/am"
	"github.com/gustavoali/ytrag/engines"
	"github.com/gustavoali/ytrag/errors"
	"github.com/gustavoali/ytrag/internal/util"
	"github.com/gustavoali/ytrag/logger"
	"github.com/gustavoali/ytrag/pipeline"
	"github.com/gustavoali/ytrag/transcript"
)

const availabilityKey = "available"

// output is the JSON document whisper writes with --output_format json.
type output struct {
	Text     string          `json:"text"`
	Language string          `json:"language"`
	Segments []outputSegment `json:"segments"`
}

type outputSegment struct {
	Start      float64  `json:"start"`
	End        float64  `json:"end"`
	Text       string   `json:"text"`
	AvgLogProb *float64 `json:"avg_logprob,omitempty"`
	Speaker    string   `json:"speaker,omitempty"`
}

// Engine implements pipeline.TranscriptionEngine.
type Engine struct {
	binary    string
	model     string
	extraArgs []string
	healthURL string
	runner    engines.Runner
	http      *resty.Client
	cache     *cache.Cache
	logger    *zap.SugaredLogger
}

var _ pipeline.TranscriptionEngine = (*Engine)(nil)

// New builds an Engine from config. runner may be nil.
func New(cfg am.WhisperConfig, runner engines.Runner, log *zap.SugaredLogger) (*Engine, error) {
	extra, err := engines.SplitArgs(cfg.ExtraArgs)
	if err != nil {
		return nil, errors.Wrap(err, "engines.whisper.extra_args")
	}
	if runner == nil {
		runner = engines.ExecRunner{}
	}
	ttl := time.Duration(cfg.AvailabilityCacheSeconds) * time.Second
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}
	e := &Engine{
		binary:    cfg.Binary,
		model:     cfg.Model,
		extraArgs: extra,
		healthURL: cfg.HealthURL,
		runner:    runner,
		cache:     cache.New(ttl, time.Minute),
		logger:    log.Named("whisper"),
	}
	if e.binary == "" {
		e.binary = "whisper"
	}
	if e.model == "" {
		e.model = "base"
	}
	if e.healthURL != "" {
		e.http = resty.New().SetTimeout(5 * time.Second)
	}
	return e, nil
}

// IsAvailable reports whether the engine can take work. The answer is
// cached for the configured period, failures included.
func (e *Engine) IsAvailable(ctx context.Context) bool {
	if v, ok := e.cache.Get(availabilityKey); ok {
		return v.(bool)
	}
	err := e.check(ctx)
	if err != nil {
		e.logger.Warnw("Transcription engine unavailable", logger.FieldBinary, e.binary, logger.FieldError, err)
	}
	e.cache.Set(availabilityKey, err == nil, cache.DefaultExpiration)
	return err == nil
}

// Invalidate drops the cached availability answer.
func (e *Engine) Invalidate() {
	e.cache.Delete(availabilityKey)
}

func (e *Engine) check(ctx context.Context) error {
	if e.http != nil {
		resp, err := e.http.R().SetContext(ctx).Get(e.healthURL)
		if err != nil {
			return errors.Wrapf(err, "health probe %s", e.healthURL)
		}
		if resp.IsError() {
			return errors.Newf("health probe %s returned %d", e.healthURL, resp.StatusCode())
		}
		return nil
	}
	res, err := e.runner.Run(ctx, e.binary, []string{"--help"}, nil)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return engines.ExitError(e.binary, res)
	}
	return nil
}

func (e *Engine) args(audioPath, outDir, language, model string) []string {
	args := []string{
		audioPath,
		"--model", model,
		"--output_format", "json",
		"--output_dir", outDir,
		"--verbose", "False",
	}
	if lang := normalizeLanguage(language); lang != "" {
		args = append(args, "--language", lang)
	}
	return append(args, e.extraArgs...)
}

// Transcribe implements pipeline.TranscriptionEngine. quality, when set,
// selects the whisper model.
func (e *Engine) Transcribe(ctx context.Context, audioPath, language, quality string) ([]transcript.RawSegment, string, error) {
	model := e.model
	if quality != "" {
		model = quality
	}
	outDir := filepath.Dir(audioPath)

	res, err := e.runner.Run(ctx, e.binary, e.args(audioPath, outDir, language, model), nil)
	if err != nil {
		return nil, "", err
	}
	if res.ExitCode != 0 {
		e.Invalidate()
		return nil, "", errors.WithDetailf(engines.ExitError(e.binary, res), "Audio: %s", audioPath)
	}

	jsonPath := filepath.Join(outDir, strings.TrimSuffix(filepath.Base(audioPath), filepath.Ext(audioPath))+".json")
	data, err := os.ReadFile(jsonPath)
	if err != nil {
		return nil, "", errors.NewIntegrityError("whisper completed but %s is missing", jsonPath)
	}
	segments, detected, err := parseOutput(data)
	if err != nil {
		return nil, "", err
	}
	if detected == "" {
		detected = normalizeLanguage(language)
	}
	e.logger.Debugw("Transcribed audio",
		logger.FieldFile, audioPath,
		logger.FieldSegments, len(segments),
		"language", detected)
	return segments, detected, nil
}

// parseOutput converts whisper JSON into raw segments in engine order.
func parseOutput(data []byte) ([]transcript.RawSegment, string, error) {
	var out output
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, "", errors.Mark(errors.Wrap(err, "malformed whisper output"), errors.ErrIntegrity)
	}
	segs := make([]transcript.RawSegment, 0, len(out.Segments))
	for _, s := range out.Segments {
		raw := transcript.RawSegment{
			Start:   s.Start,
			End:     s.End,
			Text:    strings.TrimSpace(s.Text),
			Speaker: s.Speaker,
		}
		if s.AvgLogProb != nil {
			raw.Confidence = util.Ptr(util.ClampFloat64(math.Exp(*s.AvgLogProb), 0, 1))
		}
		segs = append(segs, raw)
	}
	return segs, out.Language, nil
}

// normalizeLanguage maps "auto" and blanks to "" so whisper detects the
// language itself.
func normalizeLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if lang == "auto" {
		return ""
	}
	return lang
}
