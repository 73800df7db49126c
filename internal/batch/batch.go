// Package batch validates and runs caller-submitted sequences of tool
// invocations. Operations run strictly one after another; a failing
// operation is recorded and the batch moves on.
package batch

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"

	"github.com/hyperifyio/snippetd/internal/history"
	"github.com/hyperifyio/snippetd/internal/tools"
)

// Tools is the registry the coordinator validates against and calls into.
type Tools interface {
	Checker
	Call(ctx context.Context, name string, inv tools.Invocation) (*mcp.CallToolResult, error)
}

// OperationObserver is told the outcome of every operation.
type OperationObserver interface {
	ObserveBatchOperation(tool string, succeeded bool)
}

// Recorder stores finished batches.
type Recorder interface {
	Add(ctx context.Context, r history.Record) error
}

// OperationResult is the outcome of one operation.
type OperationResult struct {
	Index     int    `json:"index"`
	Tool      string `json:"tool"`
	Succeeded bool   `json:"succeeded"`
	Content   string `json:"content,omitempty"`
	Error     string `json:"error,omitempty"`
	ElapsedMs int64  `json:"elapsedMs"`
}

// Result aggregates a batch run.
type Result struct {
	RunID            string            `json:"runId"`
	WorkingDirectory string            `json:"workingDirectory"`
	Total            int               `json:"total"`
	Succeeded        int               `json:"succeeded"`
	Failed           int               `json:"failed"`
	ElapsedMs        int64             `json:"elapsedMs"`
	Results          []OperationResult `json:"results"`
}

// Coordinator validates and runs batches.
type Coordinator struct {
	tools    Tools
	log      logrus.FieldLogger
	required map[string][]string

	// Observers and History are optional.
	Observers []OperationObserver
	History   Recorder

	getwd func() (string, error)
}

// New returns a coordinator over t using DefaultRequiredFields. A nil
// logger discards diagnostics.
func New(t Tools, log logrus.FieldLogger) *Coordinator {
	if log == nil {
		l := logrus.New()
		l.SetOutput(discard{})
		log = l
	}
	return &Coordinator{tools: t, log: log, required: DefaultRequiredFields, getwd: os.Getwd}
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// WithRequiredFields replaces the required-field table.
func (c *Coordinator) WithRequiredFields(table map[string][]string) *Coordinator {
	c.required = table
	return c
}

// Validate checks raw batch_execute arguments without running anything.
func (c *Coordinator) Validate(args map[string]any) (Request, error) {
	v := &validator{tools: c.tools, required: c.required, getwd: c.getwd}
	return v.parse(args)
}

// Execute validates args and, when they pass, runs every operation in
// order. The only error it returns is a *ValidationError.
func (c *Coordinator) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	req, err := c.Validate(args)
	if err != nil {
		c.log.WithError(err).Debug("batch rejected")
		return nil, err
	}
	return c.Run(ctx, req), nil
}

// Run executes a validated request.
func (c *Coordinator) Run(ctx context.Context, req Request) *Result {
	started := time.Now()
	res := &Result{
		RunID:            uuid.NewString(),
		WorkingDirectory: req.WorkingDirectory,
		Total:            len(req.Operations),
		Results:          make([]OperationResult, 0, len(req.Operations)),
	}
	log := c.log.WithField("batch", res.RunID)

	for i, op := range req.Operations {
		r := c.runOne(ctx, i, op, req.WorkingDirectory)
		if r.Succeeded {
			res.Succeeded++
		} else {
			res.Failed++
		}
		for _, obs := range c.Observers {
			obs.ObserveBatchOperation(op.Tool, r.Succeeded)
		}
		log.WithFields(logrus.Fields{
			"index":      i,
			"tool":       op.Tool,
			"succeeded":  r.Succeeded,
			"elapsed_ms": r.ElapsedMs,
		}).Debug("batch operation finished")
		res.Results = append(res.Results, r)
	}
	res.ElapsedMs = time.Since(started).Milliseconds()

	log.WithFields(logrus.Fields{
		"total":      res.Total,
		"succeeded":  res.Succeeded,
		"failed":     res.Failed,
		"elapsed_ms": res.ElapsedMs,
	}).Info("batch finished")
	c.record(ctx, started, res)
	return res
}

func (c *Coordinator) runOne(ctx context.Context, index int, op Operation, workDir string) (r OperationResult) {
	start := time.Now()
	r = OperationResult{Index: index, Tool: op.Tool}
	defer func() {
		if p := recover(); p != nil {
			r.Succeeded = false
			r.Content = ""
			r.Error = fmt.Sprintf("operation panicked: %v", p)
		}
		r.ElapsedMs = time.Since(start).Milliseconds()
	}()

	if err := ctx.Err(); err != nil {
		r.Error = err.Error()
		return r
	}
	out, err := c.tools.Call(ctx, op.Tool, tools.Invocation{Arguments: op.Arguments, WorkDir: workDir})
	switch {
	case err != nil:
		r.Error = err.Error()
	case out == nil:
		r.Error = "tool returned no result"
	case out.IsError:
		r.Error = tools.ResultText(out)
	default:
		r.Succeeded = true
		r.Content = tools.ResultText(out)
	}
	return r
}

func (c *Coordinator) record(ctx context.Context, started time.Time, res *Result) {
	if c.History == nil {
		return
	}
	rec := history.Record{
		ID:        res.RunID,
		Kind:      history.KindBatch,
		StartedAt: started,
		Succeeded: res.Failed == 0,
		ElapsedMs: res.ElapsedMs,
		Detail:    fmt.Sprintf("total=%d succeeded=%d failed=%d", res.Total, res.Succeeded, res.Failed),
	}
	if err := c.History.Add(ctx, rec); err != nil {
		c.log.WithError(err).WithField("batch", res.RunID).Warn("history add failed")
	}
}
