package engines

import (
	"context"
	"os/exec"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gustavoali/ytrag/errors"
	"github.com/gustavoali/ytrag/pulse/resilience"
)

func TestSplitArgs(t *testing.T) {
	args, err := SplitArgs(`--cookies "/tmp/my cookies.txt" -f 'bestaudio'`)
	require.NoError(t, err)
	assert.Equal(t, []string{"--cookies", "/tmp/my cookies.txt", "-f", "bestaudio"}, args)

	args, err = SplitArgs("   ")
	require.NoError(t, err)
	assert.Nil(t, args)

	_, err = SplitArgs(`--title "unterminated`)
	require.Error(t, err)
}

func TestExitErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		stderr    string
		retryable bool
		status    int
	}{
		{"rate limited", "ERROR: unable to download video data: HTTP Error 429: Too Many Requests", true, 429},
		{"forbidden", "ERROR: unable to download video data: HTTP Error 403: Forbidden", false, 403},
		{"network", "ERROR: Read timed out.", true, 0},
		{"private video", "ERROR: [youtube] abc: Private video", false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ExitError("yt-dlp", Result{ExitCode: 1, Stderr: []byte("WARNING: noise\n" + tt.stderr + "\n")})
			require.Error(t, err)
			assert.Contains(t, err.Error(), "yt-dlp exited with code 1")
			assert.Equal(t, tt.retryable, resilience.IsRetryable(err))

			var statusErr *resilience.HTTPStatusError
			if tt.status == 0 {
				assert.False(t, errors.As(err, &statusErr))
				return
			}
			require.True(t, errors.As(err, &statusErr))
			assert.Equal(t, tt.status, statusErr.StatusCode)
		})
	}
}

func TestSplitCROrLF(t *testing.T) {
	var lines []string
	data := []byte("[download]  10.0%\r[download]  55.5%\rdone\n")
	for len(data) > 0 {
		adv, tok, err := splitCROrLF(data, true)
		require.NoError(t, err)
		lines = append(lines, string(tok))
		data = data[adv:]
	}
	assert.Equal(t, []string{"[download]  10.0%", "[download]  55.5%", "done"}, lines)
}

func TestExecRunner(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	ctx := context.Background()

	t.Run("streams lines", func(t *testing.T) {
		var mu sync.Mutex
		var seen []string
		res, err := ExecRunner{}.Run(ctx, "sh", []string{"-c", "printf 'a\\rb\\n'; echo oops >&2"}, func(l string) {
			mu.Lock()
			seen = append(seen, l)
			mu.Unlock()
		})
		require.NoError(t, err)
		assert.Equal(t, 0, res.ExitCode)
		assert.ElementsMatch(t, []string{"a", "b", "oops"}, seen)
		assert.Contains(t, string(res.Stderr), "oops")
	})

	t.Run("non-zero exit", func(t *testing.T) {
		res, err := ExecRunner{}.Run(ctx, "sh", []string{"-c", "echo bad >&2; exit 3"}, nil)
		require.NoError(t, err)
		assert.Equal(t, 3, res.ExitCode)
		assert.Equal(t, "bad", lastLine(res.Stderr))
	})

	t.Run("missing binary", func(t *testing.T) {
		_, err := ExecRunner{}.Run(ctx, "definitely-not-a-real-binary-ytrag", nil, nil)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrServiceUnavailable))
	})

	t.Run("cancelled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := ExecRunner{}.Run(cctx, "sh", []string{"-c", "sleep 5"}, nil)
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.Canceled))
	})
}
