package testing

import (
	"context"
	"strings"
	"sync"

	"github.com/gustavoali/ytrag/engines"
)

// Invocation records one call made through a ScriptedRunner.
type Invocation struct {
	Name string
	Args []string
}

// Arg returns the value following flag, or "" when flag is absent.
func (i Invocation) Arg(flag string) string {
	for n, a := range i.Args {
		if a == flag && n+1 < len(i.Args) {
			return i.Args[n+1]
		}
	}
	return ""
}

// Step is the scripted outcome of one invocation. Lines are replayed to the
// caller's line callback before Result is returned. Do, when set, runs first
// and may create the files a real tool would write.
type Step struct {
	Lines  []string
	Result engines.Result
	Err    error
	Do     func(inv Invocation) error
}

// ScriptedRunner is an engines.Runner that replays steps per binary name.
// When a binary runs out of steps its last step repeats.
type ScriptedRunner struct {
	mu    sync.Mutex
	steps map[string][]Step
	calls []Invocation
}

// NewScriptedRunner creates an empty runner.
func NewScriptedRunner() *ScriptedRunner {
	return &ScriptedRunner{steps: make(map[string][]Step)}
}

// On appends steps for binary name.
func (r *ScriptedRunner) On(name string, steps ...Step) *ScriptedRunner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps[name] = append(r.steps[name], steps...)
	return r
}

// Calls returns every invocation so far.
func (r *ScriptedRunner) Calls() []Invocation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Invocation(nil), r.calls...)
}

// Run implements engines.Runner.
func (r *ScriptedRunner) Run(ctx context.Context, name string, args []string, onLine func(string)) (engines.Result, error) {
	inv := Invocation{Name: name, Args: append([]string(nil), args...)}

	r.mu.Lock()
	r.calls = append(r.calls, inv)
	queue := r.steps[name]
	var step Step
	switch {
	case len(queue) == 0:
		r.mu.Unlock()
		return engines.Result{ExitCode: 127, Stderr: []byte(name + ": command not found")}, nil
	case len(queue) == 1:
		step = queue[0]
	default:
		step = queue[0]
		r.steps[name] = queue[1:]
	}
	r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return engines.Result{}, err
	}
	if step.Do != nil {
		if err := step.Do(inv); err != nil {
			return engines.Result{}, err
		}
	}
	if onLine != nil {
		for _, l := range step.Lines {
			onLine(l)
		}
	}
	res := step.Result
	if len(res.Stdout) == 0 && len(step.Lines) > 0 {
		res.Stdout = []byte(strings.Join(step.Lines, "\n"))
	}
	return res, step.Err
}
