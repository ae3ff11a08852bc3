// Package runner executes build tool scripts with a scrubbed environment
// and reads the result they report.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"time"
)

type Spec struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

type Result struct {
	Output   []byte
	ExitCode int
	Duration time.Duration
}

func (r *Result) Success() bool { return r.ExitCode == 0 }

// Runner runs one tool invocation to completion.
type Runner interface {
	Run(ctx context.Context, spec Spec) (*Result, error)
}

// ExecRunner runs tools as local subprocesses.
type ExecRunner struct{}

// Run returns an error only when the process could not be started or the
// context ended first; a nonzero exit is reported through Result.
func (ExecRunner) Run(ctx context.Context, spec Spec) (*Result, error) {
	cmd := exec.CommandContext(ctx, spec.Path, spec.Args...)
	cmd.Env = spec.Env
	cmd.Dir = spec.Dir
	// Tools fork helpers that can hold the output pipe after a kill.
	cmd.WaitDelay = 10 * time.Second

	start := time.Now()
	out, err := cmd.CombinedOutput()
	res := &Result{Output: out, Duration: time.Since(start)}

	if ctxErr := ctx.Err(); ctxErr != nil {
		res.ExitCode = -1
		return res, fmt.Errorf("%s: %w", spec.Path, ctxErr)
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		res.ExitCode = -1
		return res, fmt.Errorf("start %s: %w", spec.Path, err)
	}
	return res, nil
}

// passthrough lists the only parent variables a tool inherits.
var passthrough = []string{"PATH", "LOGNAME", "LANG", "HOME", "USER", "TERM"}

// EnvContext carries the per-build values added to the tool environment.
type EnvContext struct {
	AuthToken string
	AuthURL   string
	ProjectID string
	BuildID   string
	TaskDir   string
}

// Environment builds a minimal environment for a tool run. lookup
// defaults to os.LookupEnv.
func Environment(ec EnvContext, lookup func(string) (string, bool)) []string {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	vars := map[string]string{}
	for _, k := range passthrough {
		if v, ok := lookup(k); ok {
			vars[k] = v
		}
	}
	vars["KEEL_AUTH_TOKEN"] = ec.AuthToken
	vars["KEEL_AUTH_URL"] = ec.AuthURL
	vars["PROJECT_ID"] = ec.ProjectID
	vars["BUILD_ID"] = ec.BuildID
	vars["KEEL_TASK_DIR"] = ec.TaskDir

	env := make([]string, 0, len(vars))
	for k, v := range vars {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}
