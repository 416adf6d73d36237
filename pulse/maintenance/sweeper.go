// Package maintenance runs the periodic housekeeping sweeps: failing stuck
// jobs, promoting failures to the dead-letter table, dropping orphaned work
// items, archiving old jobs and purging read notifications.
package maintenance

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/gustavoali/ytrag/am"
	"github.com/gustavoali/ytrag/errors"
	"github.com/gustavoali/ytrag/logger"
)

// Sweep names.
const (
	SweepStuck         = "stuck"
	SweepDeadLetter    = "dead_letter"
	SweepOrphans       = "orphans"
	SweepArchive       = "archive"
	SweepNotifications = "notifications"
)

// StuckFailer fails jobs that stopped making progress. *pipeline.Orchestrator satisfies it.
type StuckFailer interface {
	FailStuckJobs(ctx context.Context, threshold time.Duration) (int, error)
}

// DeadLetterSweeper promotes failed jobs. *deadletter.Manager satisfies it.
type DeadLetterSweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// WorkItemCleaner removes work items nobody will run. *async.Queue satisfies it.
type WorkItemCleaner interface {
	DeleteOrphaned(ctx context.Context) (int, error)
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)
}

// Archiver moves finished jobs out of the jobs table. *pipeline.Store satisfies it.
type Archiver interface {
	ArchiveCompleted(ctx context.Context, cutoff time.Time) (int, error)
}

// NotificationPurger deletes old read notifications. *notify.StoreSink satisfies it.
type NotificationPurger interface {
	PurgeRead(ctx context.Context, olderThan time.Duration) (int, error)
}

// Targets are what the sweeps act on. A nil target disables its sweep.
type Targets struct {
	Stuck         StuckFailer
	DeadLetter    DeadLetterSweeper
	WorkItems     WorkItemCleaner
	Archive       Archiver
	Notifications NotificationPurger
}

type sweep struct {
	name string
	spec string
	run  func(ctx context.Context) (int, error)
}

// Sweeper schedules the sweeps with cron.
type Sweeper struct {
	sweeps  []sweep
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *zap.SugaredLogger
	timeNow func() time.Time

	mu      sync.Mutex
	lastRun map[string]Result
}

// Result is the outcome of one sweep run.
type Result struct {
	Name     string
	Count    int
	Err      error
	At       time.Time
	Duration time.Duration
}

// NewSweeper builds the sweeps configured in cfg. Sweeps with an empty
// schedule still run from RunAll but are never scheduled.
func NewSweeper(cfg am.MaintenanceConfig, targets Targets, log *zap.SugaredLogger) *Sweeper {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	log = logger.AddPulseSymbol(log.Named("maintenance"))

	s := &Sweeper{
		logger:  log,
		timeNow: func() time.Time { return time.Now().UTC() },
		lastRun: make(map[string]Result),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	stuckThreshold := time.Duration(withDefault(cfg.StuckThresholdMinutes, 30)) * time.Minute
	archiveAfter := time.Duration(withDefault(cfg.ArchiveAfterDays, 30)) * 24 * time.Hour
	notificationRetention := time.Duration(withDefault(cfg.NotificationRetentionDays, 7)) * 24 * time.Hour
	workItemRetention := time.Duration(withDefault(cfg.WorkItemRetentionDays, 7)) * 24 * time.Hour

	if t := targets.Stuck; t != nil {
		s.sweeps = append(s.sweeps, sweep{SweepStuck, cfg.StuckSchedule, func(ctx context.Context) (int, error) {
			return t.FailStuckJobs(ctx, stuckThreshold)
		}})
	}
	if t := targets.DeadLetter; t != nil {
		s.sweeps = append(s.sweeps, sweep{SweepDeadLetter, cfg.DeadLetterSchedule, t.Sweep})
	}
	if t := targets.WorkItems; t != nil {
		s.sweeps = append(s.sweeps, sweep{SweepOrphans, cfg.OrphanSchedule, func(ctx context.Context) (int, error) {
			orphaned, err := t.DeleteOrphaned(ctx)
			if err != nil {
				return orphaned, err
			}
			purged, err := t.Cleanup(ctx, workItemRetention)
			return orphaned + purged, err
		}})
	}
	if t := targets.Archive; t != nil {
		s.sweeps = append(s.sweeps, sweep{SweepArchive, cfg.ArchiveSchedule, func(ctx context.Context) (int, error) {
			return t.ArchiveCompleted(ctx, s.timeNow().Add(-archiveAfter))
		}})
	}
	if t := targets.Notifications; t != nil {
		s.sweeps = append(s.sweeps, sweep{SweepNotifications, cfg.NotificationSchedule, func(ctx context.Context) (int, error) {
			return t.PurgeRead(ctx, notificationRetention)
		}})
	}
	return s
}

func withDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Start schedules every sweep that has a schedule. A sweep still running
// when its next tick fires is skipped for that tick.
func (s *Sweeper) Start() error {
	cronLog := cronLogger{s.logger}
	s.cron = cron.New(
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)

	for _, sw := range s.sweeps {
		if sw.spec == "" {
			continue
		}
		if _, err := s.cron.AddFunc(sw.spec, func() { s.run(s.ctx, sw) }); err != nil {
			return errors.Wrapf(err, "invalid schedule %q for %s sweep", sw.spec, sw.name)
		}
		s.logger.Infow("Sweep scheduled", "sweep", sw.name, "schedule", sw.spec)
	}
	s.cron.Start()
	return nil
}

// Stop cancels running sweeps and waits for them to return.
func (s *Sweeper) Stop() {
	s.cancel()
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.logger.Infow("Maintenance sweeper stopped")
}

// RunAll runs every sweep once, in order, and returns their results. Stuck
// jobs are failed before the dead-letter sweep so they are captured in the
// same pass.
func (s *Sweeper) RunAll(ctx context.Context) []Result {
	results := make([]Result, 0, len(s.sweeps))
	for _, sw := range s.sweeps {
		if ctx.Err() != nil {
			break
		}
		results = append(results, s.run(ctx, sw))
	}
	return results
}

// Run runs one sweep by name.
func (s *Sweeper) Run(ctx context.Context, name string) (Result, error) {
	for _, sw := range s.sweeps {
		if sw.name == name {
			return s.run(ctx, sw), nil
		}
	}
	return Result{}, errors.NewNotFoundError("no %s sweep configured", name)
}

// LastRun returns the last result of a sweep.
func (s *Sweeper) LastRun(name string) (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.lastRun[name]
	return r, ok
}

func (s *Sweeper) run(ctx context.Context, sw sweep) Result {
	start := s.timeNow()
	n, err := sw.run(ctx)
	res := Result{Name: sw.name, Count: n, Err: err, At: start, Duration: time.Since(start)}

	if err != nil {
		s.logger.Warnw("Sweep failed", "sweep", sw.name, logger.FieldError, err)
	} else if n > 0 {
		s.logger.Infow("Sweep finished", "sweep", sw.name, logger.FieldCount, n,
			logger.FieldDurationMS, res.Duration.Milliseconds())
	} else {
		s.logger.Debugw("Sweep found nothing", "sweep", sw.name)
	}

	s.mu.Lock()
	s.lastRun[sw.name] = res
	s.mu.Unlock()
	return res
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw("cron: "+msg, append(keysAndValues, logger.FieldError, err)...)
}
