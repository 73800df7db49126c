package engine

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hyperifyio/snippetd/internal/inspect"
)

// FaultKind classifies why an execution did not complete normally.
type FaultKind string

const (
	FaultExecution           FaultKind = "execution"
	FaultSyntax              FaultKind = "syntax"
	FaultDeadline            FaultKind = "deadline"
	FaultUnobservedRejection FaultKind = "unobserved_rejection"
	// FaultUncaughtException is an exception thrown from a timer callback.
	FaultUncaughtException FaultKind = "uncaught_exception"
	FaultCanceled          FaultKind = "canceled"
)

// Fault describes a failed execution. It is a value carried in an Outcome,
// never returned as a Go error.
type Fault struct {
	Kind FaultKind `json:"kind"`
	// Name is the error class, e.g. TypeError. Empty for non-Error throws.
	Name string `json:"name,omitempty"`
	// Message is the headline, e.g. "TypeError: x is not a function".
	Message string `json:"message"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	// Stack holds de-duplicated frames without the leading "at ".
	Stack []string `json:"stack,omitempty"`
}

// ErrDeadline and ErrCanceled are the interrupt values the scheduler hands
// to the VM.
var (
	ErrDeadline = errors.New("deadline exceeded")
	ErrCanceled = errors.New("execution canceled")
)

// Render produces the caller-facing fault text. Syntax faults are
// positioned by file, line and column; other faults list their frames.
func (f Fault) Render() string {
	if f.Kind == FaultSyntax {
		if f.Line > 0 {
			return fmt.Sprintf("%s\n    at %s:%d:%d", f.Message, f.File, f.Line, f.Column)
		}
		return f.Message
	}
	if len(f.Stack) == 0 {
		return f.Message
	}
	var b strings.Builder
	b.WriteString(f.Message)
	for _, fr := range f.Stack {
		b.WriteString("\n    at ")
		b.WriteString(fr)
	}
	return b.String()
}

func deadlineFault(d time.Duration) Fault {
	return Fault{
		Kind:    FaultDeadline,
		Message: "Execution timed out after " + strconv.FormatInt(d.Milliseconds(), 10) + "ms",
	}
}

func canceledFault() Fault {
	return Fault{Kind: FaultCanceled, Message: "Execution canceled"}
}

var snippetPos = regexp.MustCompile(regexp.QuoteMeta(snippetFile) + `:(\d+):(\d+)`)

// thrownFault builds a fault from a captured thrown value. lines is the raw
// snippet's line count; zero keeps every frame.
func thrownFault(kind FaultKind, v inspect.Value, lines int) Fault {
	f := Fault{Kind: kind}
	if v.Kind != inspect.KindError {
		f.Message = inspect.Stringify(v)
		if kind == FaultUnobservedRejection {
			f.Message = "Unhandled promise rejection: " + f.Message
		}
		return f
	}
	f.Name = v.Name
	textLines := strings.Split(v.Text, "\n")
	// The headline may span several lines for multi-line messages; frames
	// start at the first "at " line.
	var head []string
	var frames []string
	for _, l := range textLines {
		t := strings.TrimSpace(l)
		if strings.HasPrefix(t, "at ") && (len(frames) > 0 || len(head) > 0) {
			frames = append(frames, strings.TrimPrefix(t, "at "))
			continue
		}
		if len(frames) == 0 {
			head = append(head, l)
		}
	}
	f.Message = strings.Join(head, "\n")
	if kind == FaultUnobservedRejection {
		f.Message = "Unhandled promise rejection: " + f.Message
	}
	f.Stack = cleanFrames(frames, f.Message, lines)
	return f
}

// cleanFrames shifts snippet positions back to raw-snippet lines, drops
// wrapper frames that fall outside the snippet's lines, duplicates and a
// leading frame that only restates the message.
func cleanFrames(frames []string, message string, lines int) []string {
	seen := make(map[string]bool, len(frames))
	out := make([]string, 0, len(frames))
	for i, fr := range frames {
		inside := true
		fr = snippetPos.ReplaceAllStringFunc(fr, func(pos string) string {
			shifted, line := shiftPosition(pos)
			if line < 1 || (lines > 0 && line > lines) {
				inside = false
			}
			return shifted
		})
		if !inside || seen[fr] {
			continue
		}
		if i == 0 && strings.Contains(message, fr) {
			continue
		}
		seen[fr] = true
		out = append(out, fr)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func shiftPosition(pos string) (string, int) {
	m := snippetPos.FindStringSubmatch(pos)
	line, _ := strconv.Atoi(m[1])
	line -= wrapperLines
	return snippetFile + ":" + strconv.Itoa(line) + ":" + m[2], line
}
