package commands

import (
	"database/sql"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/gustavoali/ytrag/am"
	"github.com/gustavoali/ytrag/engines/download"
	"github.com/gustavoali/ytrag/engines/embed"
	"github.com/gustavoali/ytrag/engines/ffmpeg"
	"github.com/gustavoali/ytrag/engines/whisper"
	"github.com/gustavoali/ytrag/errors"
	"github.com/gustavoali/ytrag/notify"
	"github.com/gustavoali/ytrag/pipeline"
	"github.com/gustavoali/ytrag/pulse/async"
	"github.com/gustavoali/ytrag/pulse/deadletter"
	"github.com/gustavoali/ytrag/pulse/maintenance"
	"github.com/gustavoali/ytrag/pulse/progress"
	"github.com/gustavoali/ytrag/pulse/resilience"
	"github.com/gustavoali/ytrag/transcript"
)

// app is the wired object graph shared by every command.
type app struct {
	cfg           *am.Config
	db            *sql.DB
	queue         *async.Queue
	registry      *async.HandlerRegistry
	orchestrator  *pipeline.Orchestrator
	deadLetters   *deadletter.Manager
	notifications *notify.StoreSink
	sweeper       *maintenance.Sweeper
	logger        *zap.SugaredLogger
	workDir       string
	embedding     bool
	closers       []func() error
}

// newApp opens the database and builds every component from cfg. Engines
// are constructed but nothing runs until a command starts the pool or the
// sweeper.
func newApp(cfg *am.Config, log *zap.SugaredLogger) (*app, error) {
	database, err := openDatabase(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, db: database, logger: log}
	a.closers = append(a.closers, database.Close)

	if err := a.wire(); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire() error {
	cfg, log := a.cfg, a.logger

	accountant, err := progress.FromConfig(cfg.Progress.Weights, cfg.Progress.TolerancePercent, log)
	if err != nil {
		return errors.Wrap(err, "invalid progress weights")
	}

	a.queue = async.NewQueue(a.db)
	a.registry = async.NewHandlerRegistry()
	a.notifications = notify.NewStoreSink(a.db)

	deps := pipeline.Deps{
		Queue:      a.queue,
		Accountant: accountant,
		Policies:   resilience.NewPolicySet(cfg.Resilience, log),
		Segments:   transcript.NewStore(a.db, cfg.Segments.InsertBatchSize),
		Embeddings: transcript.NewEmbeddingStore(a.db),
		Notifier:   notify.Multi{a.notifications, notify.NewLogSink(log)},
	}
	if err := a.wireEngines(&deps); err != nil {
		return err
	}

	pcfg := pipeline.ConfigFromAM(cfg)
	if abs, err := filepath.Abs(pcfg.WorkDir); err == nil {
		pcfg.WorkDir = abs
	}
	a.workDir = pcfg.WorkDir
	a.orchestrator, err = pipeline.NewOrchestrator(pipeline.NewStore(a.db), deps, pcfg, log)
	if err != nil {
		return err
	}
	a.orchestrator.RegisterHandlers(a.registry)

	a.deadLetters = deadletter.NewManager(deadletter.NewStore(a.db), a.orchestrator, a.orchestrator, log)
	a.sweeper = maintenance.NewSweeper(cfg.Maintenance, maintenance.Targets{
		Stuck:         a.orchestrator,
		DeadLetter:    a.deadLetters,
		WorkItems:     a.queue,
		Archive:       a.orchestrator.Store(),
		Notifications: a.notifications,
	}, log)
	return nil
}

// wireEngines fills the collaborator slots of deps. An engine that cannot be
// built leaves its slot empty; the stage that needs it then fails with
// "not available" instead of the whole process refusing to start.
func (a *app) wireEngines(deps *pipeline.Deps) error {
	ecfg, log := a.cfg.Engines, a.logger

	downloader, err := download.New(ecfg.Download, nil, log)
	if err != nil {
		return errors.Wrap(err, "failed to configure downloader")
	}
	deps.Downloader = downloader
	deps.Extractor = ffmpeg.New(ecfg.FFmpeg, nil, log)

	engine, err := whisper.New(ecfg.Whisper, nil, log)
	if err != nil {
		return errors.Wrap(err, "failed to configure transcription engine")
	}
	deps.Engine = engine

	if ecfg.Download.MetadataURL != "" {
		meta := download.NewMetadataClient(ecfg.Download.MetadataURL, log)
		deps.Metadata = meta
		a.closers = append(a.closers, meta.Close)
	}

	if embedder, err := embed.New(ecfg.Embed, log); err != nil {
		log.Warnw("Embedding disabled", "error", err)
	} else {
		deps.Embedder = embedder
		a.embedding = true
		a.closers = append(a.closers, embedder.Close)
	}
	return nil
}

// Close releases everything newApp opened, last opened first.
func (a *app) Close() error {
	var errs error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = errors.CombineErrors(errs, a.closers[i]())
	}
	a.closers = nil
	return errs
}
