package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// script writes an executable shell script and returns its path.
func script(t *testing.T, dir, name, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not runnable on windows")
	}
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return p
}

func TestRunner_EchoesStdin(t *testing.T) {
	dir := t.TempDir()
	bin := script(t, dir, "echo", "cat")
	r := NewRunner(5*time.Second, nil, nil)

	out, err := r.Run(context.Background(), ToolSpec{Name: "echo", Command: []string{bin}}, []byte(`{"a":1}`), "")
	require.NoError(t, err)
	var js map[string]any
	require.NoError(t, json.Unmarshal(out, &js))
	assert.Equal(t, 1.0, js["a"])
}

func TestRunner_Timeout(t *testing.T) {
	dir := t.TempDir()
	bin := script(t, dir, "sleeper", "exec sleep 5")
	r := NewRunner(5*time.Second, nil, nil)

	_, err := r.Run(context.Background(), ToolSpec{Name: "sleep", Command: []string{bin}, TimeoutSec: 1}, nil, "")
	assert.ErrorIs(t, err, ErrToolTimeout)
}

func TestRunner_NonZeroExitReportsStderr(t *testing.T) {
	dir := t.TempDir()
	bin := script(t, dir, "fail", "echo boom >&2\nexit 3")
	r := NewRunner(5*time.Second, nil, nil)

	_, err := r.Run(context.Background(), ToolSpec{Name: "fail", Command: []string{bin}}, nil, "")
	require.Error(t, err)
	assert.Equal(t, "boom", err.Error())
}

func TestRunner_WorkDirAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	work := t.TempDir()
	bin := script(t, dir, "env", `printf '%s|%s|%s' "$(pwd)" "$KEEP" "$DROP"`)
	r := NewRunner(5*time.Second, nil, nil)
	r.lookupEnv = func(k string) (string, bool) {
		switch k {
		case "PATH":
			return os.Getenv("PATH"), true
		case "KEEP":
			return "kept", true
		case "DROP":
			return "dropped", true
		}
		return "", false
	}

	out, err := r.Run(context.Background(), ToolSpec{Name: "env", Command: []string{bin}, EnvPassthrough: []string{"KEEP"}}, nil, work)
	require.NoError(t, err)
	wantDir, _ := filepath.EvalSymlinks(work)
	gotParts := strings.Split(string(out), "|")
	require.Len(t, gotParts, 3)
	gotDir, _ := filepath.EvalSymlinks(gotParts[0])
	assert.Equal(t, wantDir, gotDir)
	assert.Equal(t, "kept", gotParts[1])
	assert.Equal(t, "", gotParts[2])
}

func TestRunner_WritesRedactedAudit(t *testing.T) {
	dir := t.TempDir()
	auditDir := filepath.Join(t.TempDir(), "audit")
	bin := script(t, dir, "echo", "cat")
	redact := NewRedactor(func(k string) string {
		if k == "SNIPPETD_REDACT" {
			return "s3cr[e]t"
		}
		return ""
	})
	a := NewAuditor(auditDir, redact)
	a.now = func() time.Time { return time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC) }
	r := NewRunner(5*time.Second, a, nil)

	_, err := r.Run(context.Background(), ToolSpec{Name: "echo", Command: []string{bin, "--token=s3cret"}}, []byte(`{}`), "")
	require.NoError(t, err)

	f, err := os.Open(filepath.Join(auditDir, "20260304.log"))
	require.NoError(t, err)
	defer f.Close()
	sc := bufio.NewScanner(f)
	require.True(t, sc.Scan())
	var entry AuditEntry
	require.NoError(t, json.Unmarshal(sc.Bytes(), &entry))
	assert.Equal(t, "echo", entry.Tool)
	assert.Equal(t, "2026-03-04T05:06:07Z", entry.TS)
	assert.Equal(t, []string{bin, "--token=***REDACTED***"}, entry.Argv)
	assert.Equal(t, 0, entry.Exit)
	assert.Equal(t, 2, entry.StdoutBytes)
	assert.False(t, sc.Scan())
}

func TestRedactor(t *testing.T) {
	env := map[string]string{
		"SNIPPETD_REDACT": "api_key=\\w+; [unclosed",
		"GITHUB_TOKEN":    "ghp_abc",
	}
	r := NewRedactor(func(k string) string { return env[k] })
	assert.Equal(t, "***REDACTED*** x ***REDACTED*** ***REDACTED***", r.String("api_key=123 x [unclosed ghp_abc"))
	assert.Equal(t, "", r.String(""))

	var none *Redactor
	assert.Equal(t, "plain", none.String("plain"))
}

func TestToolSpec_Tool(t *testing.T) {
	dir := t.TempDir()
	bin := script(t, dir, "search", `read input; printf '{"query":%s}' "$(printf '%s' "$input" | sed 's/.*"query":\("[^"]*"\).*/\1/')"`)
	spec := ToolSpec{
		Name:    "search",
		Schema:  json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`),
		Command: []string{bin},
	}
	tool, err := spec.Tool(NewRunner(5*time.Second, nil, nil))
	require.NoError(t, err)

	reg := NewRegistry()
	require.NoError(t, reg.Register(tool))

	res, err := reg.Call(context.Background(), "search", Invocation{Arguments: map[string]any{"query": "needle"}})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.JSONEq(t, `{"query":"needle"}`, ResultText(res))
	assert.Equal(t, map[string]any{"query": "needle"}, res.StructuredContent)

	_, err = reg.Call(context.Background(), "search", Invocation{Arguments: map[string]any{}})
	var argErr *ArgumentError
	assert.ErrorAs(t, err, &argErr)

	_, err = ToolSpec{Name: "bad", Schema: json.RawMessage(`[`), Command: []string{bin}}.Tool(nil)
	assert.Error(t, err)
}

func TestToolSpec_ToolFailureIsErrorResult(t *testing.T) {
	dir := t.TempDir()
	bin := script(t, dir, "lint", "echo 'no rules file' >&2\nexit 2")
	tool, err := ToolSpec{Name: "lint", Command: []string{bin}}.Tool(NewRunner(5*time.Second, nil, nil))
	require.NoError(t, err)

	res, err := tool.Handler(context.Background(), Invocation{Arguments: map[string]any{"rules": "x"}})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "no rules file", res.Content[0].(*mcp.TextContent).Text)
	assert.Equal(t, ToolFaultCode, res.Meta["errorCode"])
}
