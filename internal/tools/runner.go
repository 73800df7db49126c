package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrToolTimeout is returned when an external tool outlives its timeout.
var ErrToolTimeout = errors.New("tool timed out")

// Runner executes external tools with their arguments JSON on stdin.
type Runner struct {
	DefaultTimeout time.Duration
	Audit          *Auditor
	Log            logrus.FieldLogger
	// lookupEnv reads the parent environment; nil means os.LookupEnv.
	lookupEnv func(string) (string, bool)
}

// NewRunner returns a runner. A nil logger discards diagnostics.
func NewRunner(defaultTimeout time.Duration, audit *Auditor, log logrus.FieldLogger) *Runner {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	if log == nil {
		l := logrus.New()
		l.SetOutput(nopWriter{})
		log = l
	}
	return &Runner{DefaultTimeout: defaultTimeout, Audit: audit, Log: log, lookupEnv: os.LookupEnv}
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func (r *Runner) timeout(spec ToolSpec) time.Duration {
	if spec.TimeoutSec > 0 {
		return time.Duration(spec.TimeoutSec) * time.Second
	}
	return r.DefaultTimeout
}

// environment builds the minimal child environment and reports which
// passthrough keys were present.
func (r *Runner) environment(spec ToolSpec) (env []string, passed []string) {
	lookup := r.lookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	for _, key := range []string{"PATH", "HOME"} {
		if v, ok := lookup(key); ok && v != "" {
			env = append(env, key+"="+v)
		}
	}
	for _, key := range spec.EnvPassthrough {
		if v, ok := lookup(key); ok {
			env = append(env, key+"="+v)
			passed = append(passed, key)
		}
	}
	return env, passed
}

// Run executes spec in workDir with input on stdin and returns stdout. A
// non-zero exit is an error carrying stderr (or the exit status when
// stderr is empty).
func (r *Runner) Run(parent context.Context, spec ToolSpec, input []byte, workDir string) ([]byte, error) {
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("tool %q: empty command", spec.Name)
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, r.timeout(spec))
	defer cancel()

	cmd := exec.CommandContext(ctx, spec.Command[0], spec.Command[1:]...)
	env, passed := r.environment(spec)
	cmd.Env = env
	cmd.Dir = workDir
	if len(input) == 0 {
		input = []byte("{}")
	}
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exit := 0
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) && ee.ProcessState != nil {
			exit = ee.ProcessState.ExitCode()
		} else {
			exit = -1
		}
	}

	cwd := workDir
	if cwd == "" {
		cwd, _ = os.Getwd()
	}
	entry := AuditEntry{
		Tool:        spec.Name,
		Argv:        append([]string(nil), spec.Command...),
		CWD:         cwd,
		Exit:        exit,
		MS:          time.Since(start).Milliseconds(),
		StdoutBytes: stdout.Len(),
		StderrBytes: stderr.Len(),
		EnvKeys:     passed,
	}
	if aerr := r.Audit.Append(entry); aerr != nil {
		r.Log.WithError(aerr).WithField("tool", spec.Name).Warn("audit append failed")
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, ErrToolTimeout
	}
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, errors.New(msg)
	}
	return stdout.Bytes(), nil
}
