package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ToolSpec declares an external tool in a manifest.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty"` // JSON Schema for arguments
	Command     []string        `json:"command"`          // argv: program and args
	TimeoutSec  int             `json:"timeoutSec,omitempty"`
	// EnvPassthrough is an allowlist of parent environment variables passed
	// to the tool process, normalized by NormalizeEnvAllowlist.
	EnvPassthrough []string `json:"envPassthrough,omitempty"`
}

// Manifest is the tools file layout.
type Manifest struct {
	Tools []ToolSpec `json:"tools"`
}

// LoadManifest reads and validates a manifest. Relative commands must live
// under ./tools/bin/ and are resolved against the manifest's directory, so
// they do not depend on the process working directory.
func LoadManifest(manifestPath string) ([]ToolSpec, error) {
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var man Manifest
	if err := json.Unmarshal(data, &man); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	seen := make(map[string]struct{})
	manifestDir := filepath.Dir(manifestPath)
	out := make([]ToolSpec, 0, len(man.Tools))
	for i, t := range man.Tools {
		if t.Name == "" {
			return nil, fmt.Errorf("tool[%d]: name is required", i)
		}
		if _, ok := seen[t.Name]; ok {
			return nil, fmt.Errorf("tool[%d] %q: duplicate name", i, t.Name)
		}
		seen[t.Name] = struct{}{}
		if len(t.Command) < 1 {
			return nil, fmt.Errorf("tool[%d] %q: command must have at least program name", i, t.Name)
		}
		if len(t.EnvPassthrough) > 0 {
			norm, err := NormalizeEnvAllowlist(t.EnvPassthrough)
			if err != nil {
				return nil, fmt.Errorf("tool[%d] %q: %w", i, t.Name, err)
			}
			t.EnvPassthrough = norm
		}
		cmd0, err := resolveCommand(manifestDir, t.Command[0])
		if err != nil {
			return nil, fmt.Errorf("tool[%d] %q: %w", i, t.Name, err)
		}
		t.Command = append([]string{cmd0}, t.Command[1:]...)
		out = append(out, t)
	}
	return out, nil
}

// resolveCommand validates a program path. Absolute paths pass through;
// relative ones must stay under ./tools/bin after normalization.
func resolveCommand(manifestDir, cmd0 string) (string, error) {
	if filepath.IsAbs(cmd0) {
		return cmd0, nil
	}
	raw := strings.ReplaceAll(cmd0, "\\", "/")
	norm := filepath.ToSlash(path.Clean(raw))
	if strings.HasPrefix(norm, "tools/") || norm == "tools" {
		norm = "./" + norm
	}
	if strings.HasPrefix(norm, "../") || norm == ".." {
		return "", fmt.Errorf("command[0] must not start with '..' or escape tools/bin (got %q)", cmd0)
	}
	if strings.HasPrefix(raw, "./tools/bin/") || raw == "./tools/bin" {
		if !strings.HasPrefix(norm, "./tools/bin/") {
			return "", fmt.Errorf("command[0] escapes ./tools/bin after normalization (got %q -> %q)", cmd0, norm)
		}
	} else if !strings.HasPrefix(norm, "./tools/bin/") {
		return "", fmt.Errorf("relative command[0] must start with ./tools/bin/ (got %q)", cmd0)
	}
	abs, err := filepath.Abs(filepath.Join(manifestDir, filepath.FromSlash(strings.TrimPrefix(norm, "./"))))
	if err != nil {
		return "", fmt.Errorf("resolve command[0]: %w", err)
	}
	return abs, nil
}

// Tool turns the spec into a registry tool run by runner. Arguments are
// sent as JSON on stdin; stdout becomes the result text, and a JSON object
// on stdout is also attached as structured content.
func (s ToolSpec) Tool(runner *Runner) (Tool, error) {
	var schema *jsonschema.Schema
	if len(s.Schema) > 0 {
		schema = new(jsonschema.Schema)
		if err := json.Unmarshal(s.Schema, schema); err != nil {
			return Tool{}, fmt.Errorf("tool %q: parse schema: %w", s.Name, err)
		}
	}
	spec := s
	return Tool{
		Name:        s.Name,
		Description: s.Description,
		Schema:      schema,
		Handler: func(ctx context.Context, inv Invocation) (*mcp.CallToolResult, error) {
			input, err := json.Marshal(inv.Arguments)
			if err != nil {
				return nil, fmt.Errorf("encode arguments: %w", err)
			}
			out, err := runner.Run(ctx, spec, input, inv.WorkDir)
			if err != nil {
				return ErrorResult(err.Error()), nil
			}
			res := TextResult(string(out), nil)
			var structured map[string]any
			if json.Unmarshal(out, &structured) == nil && structured != nil {
				res.StructuredContent = structured
			}
			return res, nil
		},
	}, nil
}

// NormalizeEnvAllowlist upper-cases, trims, validates against
// [A-Z_][A-Z0-9_]* and de-duplicates names, keeping first-occurrence order.
func NormalizeEnvAllowlist(keys []string) ([]string, error) {
	out := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for idx, k := range keys {
		trimmed := strings.TrimSpace(k)
		if trimmed == "" {
			return nil, fmt.Errorf("envPassthrough[%d]: empty name", idx)
		}
		upper := strings.ToUpper(trimmed)
		if !isValidEnvName(upper) {
			return nil, fmt.Errorf("envPassthrough[%d]: invalid name %q (must match [A-Z_][A-Z0-9_]*)", idx, k)
		}
		if _, ok := seen[upper]; ok {
			continue
		}
		seen[upper] = struct{}{}
		out = append(out, upper)
	}
	return out, nil
}

func isValidEnvName(s string) bool {
	if len(s) == 0 {
		return false
	}
	c := s[0]
	if !((c >= 'A' && c <= 'Z') || c == '_') {
		return false
	}
	for i := 1; i < len(s); i++ {
		c = s[i]
		if !((c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_') {
			return false
		}
	}
	return true
}
