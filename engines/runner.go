// Package engines holds the shared plumbing for the external programs and
// services behind the ingest stages. The concrete collaborators live in the
// download, ffmpeg, whisper and embed subpackages.
package engines

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/gustavoali/ytrag/errors"
	"github.com/gustavoali/ytrag/pulse/resilience"
)

// Result is the captured outcome of one external command.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Runner executes external commands. Tests swap in a fake.
type Runner interface {
	// Run executes name with args. onLine, when non-nil, receives each line
	// of stdout and stderr as it is produced, possibly from two goroutines.
	Run(ctx context.Context, name string, args []string, onLine func(string)) (Result, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run implements Runner. A non-zero exit is reported through Result.ExitCode
// with a nil error; a missing binary or a cancelled context is an error.
func (ExecRunner) Run(ctx context.Context, name string, args []string, onLine func(string)) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	if onLine == nil {
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
	} else {
		outR, outW := io.Pipe()
		errR, errW := io.Pipe()
		cmd.Stdout = outW
		cmd.Stderr = errW
		done := make(chan struct{}, 2)
		go scanLines(outR, &stdout, onLine, done)
		go scanLines(errR, &stderr, onLine, done)
		defer func() {
			_ = outW.Close()
			_ = errW.Close()
			<-done
			<-done
		}()
	}

	err := cmd.Run()
	if ctx.Err() != nil {
		return Result{}, errors.Wrapf(ctx.Err(), "%s interrupted", name)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), ExitCode: exitErr.ExitCode()}, nil
	}
	if err != nil {
		return Result{}, errors.Mark(errors.Wrapf(err, "failed to run %s", name), errors.ErrServiceUnavailable)
	}
	return Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, nil
}

// scanLines copies r into buf line by line, forwarding each line.
// Progress output uses carriage returns, so both \r and \n end a line.
func scanLines(r io.Reader, buf *bytes.Buffer, onLine func(string), done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	sc := bufio.NewScanner(r)
	sc.Split(splitCROrLF)
	for sc.Scan() {
		line := sc.Text()
		buf.WriteString(line)
		buf.WriteByte('\n')
		onLine(line)
	}
	_, _ = io.Copy(io.Discard, r)
}

func splitCROrLF(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// SplitArgs parses a configured extra-args string with shell quoting rules.
func SplitArgs(s string) ([]string, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	args, err := shellquote.Split(s)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid extra args %q", s)
	}
	return args, nil
}

var (
	httpStatusPattern = regexp.MustCompile(`HTTP Error (\d{3})`)
	transientPatterns = []string{
		"timed out",
		"connection reset",
		"connection refused",
		"temporary failure in name resolution",
		"network is unreachable",
	}
)

// ExitError turns a non-zero exit into an error the resilience layer can
// classify. HTTP errors reported by the tool keep their status code and
// network trouble is marked transient; anything else is permanent.
func ExitError(name string, res Result) error {
	msg := lastLine(res.Stderr)
	if msg == "" {
		msg = lastLine(res.Stdout)
	}
	err := errors.Newf("%s exited with code %d: %s", name, res.ExitCode, msg)

	if m := httpStatusPattern.FindStringSubmatch(string(res.Stderr)); m != nil {
		code, _ := strconv.Atoi(m[1])
		return errors.WithMessage(&resilience.HTTPStatusError{StatusCode: code, Body: msg}, err.Error())
	}
	lower := strings.ToLower(string(res.Stderr))
	for _, p := range transientPatterns {
		if strings.Contains(lower, p) {
			return errors.Mark(err, resilience.ErrTransient)
		}
	}
	return err
}

func lastLine(b []byte) string {
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}
