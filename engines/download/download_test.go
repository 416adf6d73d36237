package download

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/gustavoali/ytrag/am"
	"github.com/gustavoali/ytrag/engines"
	"github.com/gustavoali/ytrag/errors"
	ytest "github.com/gustavoali/ytrag/internal/testing"
	"github.com/gustavoali/ytrag/pulse/resilience"
)

type progressLog struct {
	mu     sync.Mutex
	values []float64
}

func (p *progressLog) report(f float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values = append(p.values, f)
}

func (p *progressLog) snapshot() []float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]float64(nil), p.values...)
}

// writesVideo creates the output file yt-dlp would produce for -o.
func writesVideo(ext string) func(ytest.Invocation) error {
	return func(inv ytest.Invocation) error {
		out := strings.Replace(inv.Arg("-o"), "%(ext)s", ext, 1)
		return os.WriteFile(out, []byte("media"), 0o644)
	}
}

func TestParseProgress(t *testing.T) {
	tests := []struct {
		line string
		want float64
		ok   bool
	}{
		{"[download]  42.3% of   12.00MiB at  1.00MiB/s ETA 00:07", 0.423, true},
		{"[download] 100% of 12.00MiB in 00:00:10", 1, true},
		{"[download] Destination: /tmp/video.webm", 0, false},
		{"[youtube] abc: Downloading webpage", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseProgress(tt.line)
		assert.Equal(t, tt.ok, ok, tt.line)
		assert.InDelta(t, tt.want, got, 1e-9, tt.line)
	}
}

func TestYTDLPDownload(t *testing.T) {
	dir := t.TempDir()
	runner := ytest.NewScriptedRunner().On("yt-dlp", ytest.Step{
		Do: writesVideo("webm"),
		Lines: []string{
			"[youtube] dQw4w9WgXcQ: Downloading webpage",
			"[download]  10.0% of 3.00MiB",
			"[download]  10.4% of 3.00MiB",
			"[download]  60.0% of 3.00MiB",
			"[download] 100.0% of 3.00MiB",
		},
	})
	d, err := NewYTDLP(am.DownloadEngineConfig{Binary: "yt-dlp", ExtraArgs: `--cookies "/tmp/c f.txt"`}, runner, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	var progress progressLog
	path, err := d.Download(context.Background(), "dQw4w9WgXcQ", dir, progress.report)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "video.webm"), path)
	assert.Equal(t, []float64{0.1, 0.6, 1, 1}, progress.snapshot())

	calls := runner.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "/tmp/c f.txt", calls[0].Arg("--cookies"))
	assert.Equal(t, "https://www.youtube.com/watch?v=dQw4w9WgXcQ", calls[0].Args[len(calls[0].Args)-1])
}

func TestYTDLPFailures(t *testing.T) {
	log := zaptest.NewLogger(t).Sugar()

	t.Run("rate limited is retryable", func(t *testing.T) {
		runner := ytest.NewScriptedRunner().On("yt-dlp", ytest.Step{
			Result: engines.Result{ExitCode: 1, Stderr: []byte("ERROR: HTTP Error 429: Too Many Requests")},
		})
		d, err := NewYTDLP(am.DownloadEngineConfig{}, runner, log)
		require.NoError(t, err)
		_, err = d.Download(context.Background(), "abcdefghijk", t.TempDir(), nil)
		require.Error(t, err)
		assert.True(t, resilience.IsRetryable(err))
	})

	t.Run("exit zero without output", func(t *testing.T) {
		runner := ytest.NewScriptedRunner().On("yt-dlp", ytest.Step{})
		d, err := NewYTDLP(am.DownloadEngineConfig{}, runner, log)
		require.NoError(t, err)
		_, err = d.Download(context.Background(), "abcdefghijk", t.TempDir(), nil)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrIntegrity))
	})

	t.Run("bad extra args", func(t *testing.T) {
		_, err := NewYTDLP(am.DownloadEngineConfig{ExtraArgs: `"open`}, nil, log)
		require.Error(t, err)
	})
}

func TestNewSelectsMode(t *testing.T) {
	log := zaptest.NewLogger(t).Sugar()

	d, err := New(am.DownloadEngineConfig{Mode: "ytdlp"}, nil, log)
	require.NoError(t, err)
	assert.IsType(t, &YTDLP{}, d)

	d, err = New(am.DownloadEngineConfig{Mode: "getter"}, nil, log)
	require.NoError(t, err)
	assert.IsType(t, &Getter{}, d)

	_, err = New(am.DownloadEngineConfig{Mode: "ftp"}, nil, log)
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestGetterDownload(t *testing.T) {
	payload := strings.Repeat("x", 64*1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/media/abc123.mp4" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Length", "65536")
		_, _ = w.Write([]byte(payload))
	}))
	defer srv.Close()

	g := NewGetter(am.DownloadEngineConfig{URLTemplate: srv.URL + "/media/%s.mp4"}, zaptest.NewLogger(t).Sugar())
	dir := t.TempDir()

	var progress progressLog
	path, err := g.Download(context.Background(), "abc123", dir, progress.report)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "video.mp4"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, data, len(payload))

	values := progress.snapshot()
	require.NotEmpty(t, values)
	assert.Equal(t, 1.0, values[len(values)-1])

	_, err = g.Download(context.Background(), "missing", t.TempDir(), nil)
	require.Error(t, err)
}

func TestMetadataClientCaches(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Query().Get("url") == "https://www.youtube.com/watch?v=gone" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"title":"Talk","author_name":"Chan","thumbnail_url":"https://i.example/t.jpg"}`))
	}))
	defer srv.Close()

	m := NewMetadataClient(srv.URL, zaptest.NewLogger(t).Sugar())
	defer m.Close()

	ctx := context.Background()
	info, err := m.Fetch(ctx, "https://www.youtube.com/watch?v=abc")
	require.NoError(t, err)
	assert.Equal(t, "Talk", info.Title)
	assert.Equal(t, "Chan", info.Author)

	_, err = m.Fetch(ctx, "https://www.youtube.com/watch?v=abc")
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())

	_, err = m.Fetch(ctx, "https://www.youtube.com/watch?v=gone")
	require.Error(t, err)
	var statusErr *resilience.HTTPStatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	assert.False(t, resilience.IsRetryable(err))
}
