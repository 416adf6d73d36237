package pipeline

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/gustavoali/ytrag/am"
	"github.com/gustavoali/ytrag/errors"
	ytest "github.com/gustavoali/ytrag/internal/testing"
	"github.com/gustavoali/ytrag/pulse/async"
	"github.com/gustavoali/ytrag/pulse/progress"
	"github.com/gustavoali/ytrag/pulse/resilience"
	"github.com/gustavoali/ytrag/transcript"
)

type fakeDownloader struct {
	mu    sync.Mutex
	calls int
	errs  []error // returned by the first len(errs) calls
	block chan struct{}
}

func (d *fakeDownloader) Download(ctx context.Context, externalID, destDir string, onProgress ProgressFunc) (string, error) {
	d.mu.Lock()
	d.calls++
	n := d.calls
	d.mu.Unlock()

	if d.block != nil {
		select {
		case <-d.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if n <= len(d.errs) {
		return "", d.errs[n-1]
	}
	onProgress(0.5)
	path := filepath.Join(destDir, externalID+".mp4")
	if err := os.WriteFile(path, []byte("video"), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (d *fakeDownloader) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type fakeExtractor struct{}

func (fakeExtractor) Extract(ctx context.Context, videoPath, destDir string) (string, float64, error) {
	path := filepath.Join(destDir, "audio.wav")
	return path, 12, os.WriteFile(path, []byte("audio"), 0o644)
}

type fakeEngine struct {
	available bool
	segments  []transcript.RawSegment
	language  string
	block     chan struct{}
	started   chan struct{}
	panicMsg  string
}

func (e *fakeEngine) IsAvailable(context.Context) bool {
	return e.available
}

func (e *fakeEngine) Transcribe(ctx context.Context, audioPath, language, quality string) ([]transcript.RawSegment, string, error) {
	if e.panicMsg != "" {
		panic(e.panicMsg)
	}
	if e.block != nil {
		if e.started != nil {
			close(e.started)
		}
		select {
		case <-e.block:
		case <-ctx.Done():
			return nil, "", ctx.Err()
		}
	}
	return e.segments, e.language, nil
}

type fakeEmbedder struct{}

func (fakeEmbedder) Model() string { return "fake-embed" }

func (fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = []float32{float32(len(text)), 1}
	}
	return out, nil
}

type recordingSink struct {
	mu        sync.Mutex
	progress  int
	completed []string
	failed    []string
	panics    bool
}

func (s *recordingSink) NotifyProgress(ctx context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress++
	return nil
}

func (s *recordingSink) NotifyCompleted(ctx context.Context, job *Job) error {
	s.mu.Lock()
	s.completed = append(s.completed, job.ID)
	s.mu.Unlock()
	if s.panics {
		panic("sink exploded")
	}
	return nil
}

func (s *recordingSink) NotifyFailed(ctx context.Context, job *Job, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, job.ID)
	return errors.New("mailbox full")
}

func threeSegments() []transcript.RawSegment {
	return []transcript.RawSegment{
		{Start: 0, End: 4, Text: "hello there"},
		{Start: 4, End: 8, Text: "general kenobi"},
		{Start: 8, End: 12, Text: "you are a bold one"},
	}
}

type harness struct {
	db         *sql.DB
	orch       *Orchestrator
	queue      *async.Queue
	registry   *async.HandlerRegistry
	policies   *resilience.PolicySet
	downloader *fakeDownloader
	engine     *fakeEngine
	sink       *recordingSink
	workDir    string
}

type harnessOption func(*Deps, *Config)

func newHarness(t *testing.T, conn *sql.DB, opts ...harnessOption) *harness {
	t.Helper()
	log := zaptest.NewLogger(t).Sugar()

	accountant, err := progress.NewAccountant(progress.DefaultWeights(), progress.DefaultTolerance, log)
	require.NoError(t, err)

	policies := resilience.NewPolicySet(am.ResilienceConfig{}, log)
	for _, name := range []string{"download", "audio_extraction", "transcription", "embedding", "metadata"} {
		policies.Override(fastPolicy(name, 3))
	}

	h := &harness{
		db:         conn,
		queue:      async.NewQueue(conn),
		registry:   async.NewHandlerRegistry(),
		policies:   policies,
		downloader: &fakeDownloader{},
		engine:     &fakeEngine{available: true, segments: threeSegments(), language: "en"},
		sink:       &recordingSink{},
		workDir:    t.TempDir(),
	}

	deps := Deps{
		Queue:      h.queue,
		Accountant: accountant,
		Policies:   policies,
		Segments:   transcript.NewStore(conn, transcript.DefaultInsertBatchSize),
		Embeddings: transcript.NewEmbeddingStore(conn),
		Downloader: h.downloader,
		Extractor:  fakeExtractor{},
		Engine:     h.engine,
		Embedder:   fakeEmbedder{},
		Notifier:   h.sink,
	}
	cfg := Config{WorkDir: h.workDir, DefaultLanguage: "auto", DefaultQuality: "base"}
	for _, opt := range opts {
		opt(&deps, &cfg)
	}

	h.orch, err = NewOrchestrator(NewStore(conn), deps, cfg, log)
	require.NoError(t, err)
	h.orch.RegisterHandlers(h.registry)
	return h
}

// fastPolicy retries on a millisecond unit so backoff never slows tests down.
func fastPolicy(name string, attempts int) *resilience.Policy {
	return &resilience.Policy{
		Name:    name,
		Retry:   resilience.RetryPolicy{MaxAttempts: attempts, Base: 2, Unit: time.Millisecond},
		Timeout: 5 * time.Second,
	}
}

// drain runs queued work items one at a time until none is due, the way a
// single worker would.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		task, err := h.queue.Dequeue(ctx)
		require.NoError(t, err)
		if task == nil {
			return
		}
		execErr := h.registry.Execute(ctx, task)
		switch {
		case execErr == nil:
			require.NoError(t, h.queue.CompleteTask(ctx, task.ID))
		case errors.Is(execErr, errors.ErrCancelled):
			require.NoError(t, h.queue.CancelTask(ctx, task.ID, "job cancelled"))
		default:
			require.NoError(t, h.queue.FailTask(ctx, task.ID, execErr))
		}
	}
	t.Fatal("queue did not drain")
}

func (h *harness) submit(t *testing.T, url string) *Job {
	t.Helper()
	job, created, err := h.orch.Submit(context.Background(), SubmitRequest{URL: url, Type: JobTypeTranscription})
	require.NoError(t, err)
	require.True(t, created)
	return job
}

func (h *harness) video(t *testing.T, id string) *Video {
	t.Helper()
	v, err := h.orch.Store().GetVideo(context.Background(), id)
	require.NoError(t, err)
	return v
}

func newTestHarness(t *testing.T, opts ...harnessOption) *harness {
	return newHarness(t, ytest.CreateMigratedTestDB(t), opts...)
}
