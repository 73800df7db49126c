package engine

import (
	"strings"

	"github.com/dop251/goja"
	"github.com/sirupsen/logrus"

	"github.com/hyperifyio/snippetd/internal/inspect"
	"github.com/hyperifyio/snippetd/internal/sandbox"
)

// TruncationMarker is appended once when captured output reaches its cap.
const TruncationMarker = "[output truncated]"

// Capture records console output for one execution. Each logging call
// becomes exactly one line, kept in call order.
type Capture struct {
	lines []string
	buf   *sandbox.BoundedBuffer
	log   logrus.FieldLogger
	done  bool
}

// NewCapture creates a capture holding at most maxBytes of line text.
// When log is non-nil every line is mirrored to it at debug level.
func NewCapture(maxBytes int, log logrus.FieldLogger) *Capture {
	return &Capture{buf: sandbox.NewBoundedBuffer(maxBytes), log: log}
}

// Append records one line. After the cap is hit the marker is appended
// once and later lines are dropped.
func (c *Capture) Append(level, line string) {
	if c.log != nil {
		c.log.WithFields(logrus.Fields{"stream": "snippet", "console": level}).Debug(line)
	}
	if c.done {
		return
	}
	n, err := c.buf.Write([]byte(line))
	if err != nil {
		if n > 0 {
			c.lines = append(c.lines, strings.ToValidUTF8(line[:n], ""))
		}
		c.lines = append(c.lines, TruncationMarker)
		c.done = true
		return
	}
	c.lines = append(c.lines, line)
}

// Lines returns the captured lines.
func (c *Capture) Lines() []string {
	out := make([]string, len(c.lines))
	copy(out, c.lines)
	return out
}

// Truncated reports whether any output was dropped.
func (c *Capture) Truncated() bool { return c.done }

// consoleWriter formats console call arguments into a Capture.
type consoleWriter struct {
	vm        *goja.Runtime
	snap      *inspect.Snapshotter
	stringify goja.Callable
	capture   *Capture
}

func newConsoleWriter(vm *goja.Runtime, snap *inspect.Snapshotter, c *Capture) *consoleWriter {
	w := &consoleWriter{vm: vm, snap: snap, capture: c}
	if j, ok := vm.Get("JSON").(*goja.Object); ok {
		w.stringify, _ = goja.AssertFunction(j.Get("stringify"))
	}
	return w
}

// format renders one call's arguments.
func (w *consoleWriter) format(args []goja.Value) string {
	vals := make([]inspect.Value, len(args))
	for i, a := range args {
		vals[i] = w.snap.Snapshot(a)
	}
	return inspect.Format(vals, func(i int) string { return w.json(args[i]) })
}

func (w *consoleWriter) json(v goja.Value) string {
	if w.stringify == nil {
		return "undefined"
	}
	res, err := w.stringify(goja.Undefined(), v)
	if err != nil {
		return "[Circular]"
	}
	if res == nil || goja.IsUndefined(res) {
		return "undefined"
	}
	return res.String()
}

// bind returns a console method for level with an optional line prefix.
func (w *consoleWriter) bind(level, prefix string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		w.capture.Append(level, prefix+w.format(call.Arguments))
		return goja.Undefined()
	}
}
