// Package engine runs JavaScript snippets in a goja VM with a fixed
// capability surface, a floor-adjusted deadline and console capture.
//
// Every call to Execute gets a fresh VM. Executions on one Engine are
// independent; callers that need one-at-a-time semantics serialize calls
// themselves.
package engine

import (
	"context"
	"os"
	"time"

	"github.com/dop251/goja"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/hyperifyio/snippetd/internal/inspect"
	"github.com/hyperifyio/snippetd/internal/sandbox"
)

// Config carries engine-wide settings.
type Config struct {
	Deadlines   sandbox.Deadlines
	MaxLogBytes int
	Inspect     inspect.Options
	// InstallDir is the second module resolution root, after the
	// request's working directory.
	InstallDir  string
	ModuleRoots []string
	Fetch       FetchConfig
	Process     ProcessInfo
	// MirrorLogs copies snippet console lines to the host logger at debug level.
	MirrorLogs bool
}

// DefaultConfig returns a usable configuration for the current process.
func DefaultConfig() Config {
	return Config{
		Deadlines:   sandbox.DefaultDeadlines(),
		MaxLogBytes: 1 << 20,
		Inspect:     inspect.DefaultOptions(),
		Fetch:       DefaultFetchConfig(),
		Process:     HostProcessInfo("dev", os.Args, nil),
	}
}

// Request is one snippet execution.
type Request struct {
	Code string
	// Timeout is the caller's requested deadline; <= 0 selects the default.
	Timeout time.Duration
	// WorkDir is reported by process.cwd() and is the first module root.
	// Empty means the host working directory.
	WorkDir string
}

// Outcome is the result of one execution. Exactly one of Value and Fault
// is meaningful, chosen by Succeeded.
type Outcome struct {
	ID        string
	Succeeded bool
	Value     inspect.Value
	Fault     *Fault
	Logs      []string
	Truncated bool
	Shape     Shape
	Timeout   time.Duration
	Started   time.Time
	Elapsed   time.Duration
}

// Engine executes snippets.
type Engine struct {
	cfg         Config
	log         logrus.FieldLogger
	fetcher     *Fetcher
	transformer Transformer
}

// New creates an engine. A nil logger discards host diagnostics.
func New(cfg Config, log logrus.FieldLogger) *Engine {
	if log == nil {
		l := logrus.New()
		l.SetOutput(discard{})
		log = l
	}
	if cfg.Deadlines == (sandbox.Deadlines{}) {
		cfg.Deadlines = sandbox.DefaultDeadlines()
	}
	if cfg.Inspect == (inspect.Options{}) {
		cfg.Inspect = inspect.DefaultOptions()
	}
	return &Engine{
		cfg:     cfg,
		log:     log,
		fetcher: NewFetcher(cfg.Fetch, nil),
	}
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// Execute runs req to completion, deadline or cancellation. It never
// returns a Go error: every failure is a Fault in the Outcome.
func (e *Engine) Execute(ctx context.Context, req Request) *Outcome {
	out := &Outcome{
		ID:      ulid.Make().String(),
		Started: time.Now(),
		Timeout: e.cfg.Deadlines.Effective(req.Timeout, req.Code),
	}
	log := e.log.WithField("execution", out.ID)

	workDir := req.WorkDir
	if workDir == "" {
		if wd, err := os.Getwd(); err == nil {
			workDir = wd
		}
	}

	var mirror logrus.FieldLogger
	if e.cfg.MirrorLogs {
		mirror = log
	}
	vm := goja.New()
	snap := inspect.NewSnapshotter(vm, e.cfg.Inspect)
	capture := NewCapture(e.cfg.MaxLogBytes, mirror)
	sess := &session{
		ctx:      ctx,
		vm:       vm,
		loop:     newLoop(),
		capture:  capture,
		console:  newConsoleWriter(vm, snap, capture),
		snap:     snap,
		fetcher:  e.fetcher,
		resolver: NewResolver(workDir, e.cfg.InstallDir, e.cfg.ModuleRoots...),
		process:  e.cfg.Process,
		workDir:  workDir,
		modules:  make(map[string]*goja.Object),
	}

	var fault *Fault
	if err := sess.install(); err != nil {
		fault = &Fault{Kind: FaultExecution, Message: "capability setup failed: " + err.Error()}
	} else {
		prg, tr, cf := e.transformer.Compile(req.Code)
		out.Shape = tr.Shape
		if cf != nil {
			fault = cf
		} else {
			out.Value, fault = sess.run(ctx, prg, tr, out.Timeout)
		}
	}

	out.Fault = fault
	out.Succeeded = fault == nil
	out.Logs = capture.Lines()
	out.Truncated = capture.Truncated()
	out.Elapsed = time.Since(out.Started)

	entry := log.WithFields(logrus.Fields{
		"shape":      out.Shape.String(),
		"timeout_ms": out.Timeout.Milliseconds(),
		"elapsed_ms": out.Elapsed.Milliseconds(),
		"log_lines":  len(out.Logs),
	})
	if fault != nil {
		entry.WithField("fault", string(fault.Kind)).Debug("execution faulted")
	} else {
		entry.Debug("execution completed")
	}
	return out
}
