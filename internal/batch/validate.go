package batch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hyperifyio/snippetd/internal/tools"
)

// ToolName is the name the coordinator is registered under. Batches may not
// nest it.
const ToolName = "batch_execute"

// DefaultRequiredFields lists, per tool, the argument fields a batch
// operation must carry. Tools absent from the table only get their schema
// checked.
var DefaultRequiredFields = map[string][]string{
	"execute":         {"code"},
	"search":          {"query"},
	"code_search":     {"query"},
	"semantic_search": {"query"},
	"grep":            {"query"},
	"lint":            {"rules"},
	"ast_grep":        {"rules"},
	"pattern_lint":    {"rules"},
}

// Violation is one reason a batch was rejected. Tool is empty for
// structural problems that belong to no operation.
type Violation struct {
	Index   int    `json:"index"`
	Tool    string `json:"tool,omitempty"`
	Message string `json:"message"`
}

// ValidationError reports every violation found in a batch. Nothing in the
// batch has run when it is returned.
type ValidationError struct {
	Violations []Violation
}

const structuralGroup = "batch"

func groupName(tool string) string {
	if tool == "" {
		return structuralGroup
	}
	return tool
}

// ByTool groups violation messages by tool name. Structural violations are
// grouped under "batch".
func (e *ValidationError) ByTool() map[string][]string {
	out := make(map[string][]string)
	for _, v := range e.Violations {
		g := groupName(v.Tool)
		out[g] = append(out[g], v.Message)
	}
	return out
}

func (e *ValidationError) Error() string {
	groups := e.ByTool()
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+": "+strings.Join(groups[name], "; "))
	}
	return "batch validation failed: " + strings.Join(parts, " | ")
}

// Operation is one tool invocation in a batch.
type Operation struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
}

// Request is a validated batch.
type Request struct {
	Operations       []Operation
	WorkingDirectory string
}

// Checker is the part of the tool registry validation needs.
type Checker interface {
	Validate(name string, args map[string]any) error
}

type validator struct {
	tools    Checker
	required map[string][]string
	getwd    func() (string, error)

	violations []Violation
}

func (v *validator) add(index int, tool, format string, args ...any) {
	v.violations = append(v.violations, Violation{Index: index, Tool: tool, Message: fmt.Sprintf(format, args...)})
}

// parse checks the raw batch_execute arguments in full and returns either
// the request or a ValidationError listing every problem.
func (v *validator) parse(args map[string]any) (Request, error) {
	var req Request
	req.WorkingDirectory = v.workingDirectory(args["workingDirectory"])

	rawOps, ok := args["operations"].([]any)
	if !ok || len(rawOps) == 0 {
		v.add(-1, "", "operations must be a non-empty array")
	}
	for i, raw := range rawOps {
		if op, ok := v.operation(i, raw); ok {
			req.Operations = append(req.Operations, op)
		}
	}

	if len(v.violations) > 0 {
		return Request{}, &ValidationError{Violations: v.violations}
	}
	return req, nil
}

func (v *validator) workingDirectory(raw any) string {
	dir := ""
	if raw != nil {
		s, ok := raw.(string)
		if !ok {
			v.add(-1, "", "workingDirectory must be a string")
			return ""
		}
		dir = s
	}
	if dir == "" {
		wd, err := v.getwd()
		if err != nil {
			v.add(-1, "", "working directory: %v", err)
			return ""
		}
		return wd
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		v.add(-1, "", "workingDirectory %q: %v", dir, err)
		return ""
	}
	info, err := os.Stat(abs)
	switch {
	case err != nil:
		v.add(-1, "", "workingDirectory %q does not exist", dir)
	case !info.IsDir():
		v.add(-1, "", "workingDirectory %q is not a directory", dir)
	}
	return abs
}

func (v *validator) operation(i int, raw any) (Operation, bool) {
	obj, ok := raw.(map[string]any)
	if !ok {
		v.add(i, "", "operation %d must be an object", i)
		return Operation{}, false
	}
	name, _ := obj["tool"].(string)
	if name == "" {
		v.add(i, "", "operation %d: tool must be a non-empty string", i)
		return Operation{}, false
	}
	args := map[string]any{}
	if a, present := obj["arguments"]; present && a != nil {
		m, ok := a.(map[string]any)
		if !ok {
			v.add(i, name, "operation %d: arguments must be an object", i)
			return Operation{}, false
		}
		args = m
	}
	if name == ToolName {
		v.add(i, name, "operation %d: batches cannot nest %s", i, ToolName)
		return Operation{}, false
	}

	schemaErr := v.tools.Validate(name, args)
	if errors.Is(schemaErr, tools.ErrUnknownTool) {
		v.add(i, name, "operation %d: unknown tool %q", i, name)
		return Operation{}, false
	}

	// Schema errors usually restate a missing required field, so they are
	// only reported once the table is satisfied.
	before := len(v.violations)
	for _, field := range v.required[name] {
		if !present(args[field]) {
			v.add(i, name, "operation %d: missing required field %q", i, field)
		}
	}
	if len(v.violations) == before && schemaErr != nil {
		var argErr *tools.ArgumentError
		if errors.As(schemaErr, &argErr) {
			v.add(i, name, "operation %d: %v", i, argErr.Err)
		} else {
			v.add(i, name, "operation %d: %v", i, schemaErr)
		}
	}
	return Operation{Tool: name, Arguments: args}, true
}

func present(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(x) != ""
	}
	return true
}
