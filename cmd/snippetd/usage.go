package main

import (
	"io"
	"strings"
)

// helpRequested returns true if any canonical help token is present.
func helpRequested(args []string) bool {
	for _, a := range args {
		if a == "--help" || a == "-h" || a == "-help" || a == "help" {
			return true
		}
	}
	return false
}

// versionRequested returns true if any canonical version token is present.
func versionRequested(args []string) bool {
	for _, a := range args {
		if a == "--version" || a == "-version" {
			return true
		}
	}
	return false
}

// printUsage writes the usage guide to w.
func printUsage(w io.Writer) {
	var b strings.Builder
	b.WriteString("snippetd - sandboxed JavaScript snippet execution over line-delimited JSON-RPC\n\n")
	b.WriteString("Usage:\n  snippetd [flags]\n\n")
	b.WriteString("Requests are read from stdin, one JSON-RPC 2.0 object per line; one response\n")
	b.WriteString("line per request is written to stdout. Diagnostics go to stderr.\n\n")
	b.WriteString("Flags (precedence: flag > env > config file > default):\n")
	b.WriteString("  -config string\n    YAML configuration file (env SNIPPETD_CONFIG)\n")
	b.WriteString("  -tools string\n    External tool manifest (env SNIPPETD_TOOLS_MANIFEST)\n")
	b.WriteString("  -timeout duration\n    Default snippet deadline (env SNIPPETD_DEADLINE_DEFAULT_MS; default 30s)\n")
	b.WriteString("  -floor duration\n    Minimum snippet deadline (env SNIPPETD_DEADLINE_FLOOR_MS; default 1s)\n")
	b.WriteString("  -tool-timeout duration\n    Default external tool timeout (env SNIPPETD_TOOL_TIMEOUT_MS; default 30s)\n")
	b.WriteString("  -audit-dir string\n    Directory for external tool audit logs (env SNIPPETD_AUDIT_DIR)\n")
	b.WriteString("  -history-db string\n    SQLite file recording executions and batches (env SNIPPETD_HISTORY_DB)\n")
	b.WriteString("  -metrics-addr string\n    Serve /metrics and /healthz on this address (env SNIPPETD_METRICS_ADDR)\n")
	b.WriteString("  -log-level string\n    panic|fatal|error|warn|info|debug|trace (env SNIPPETD_LOG_LEVEL; default info)\n")
	b.WriteString("  -log-format string\n    text|json (env SNIPPETD_LOG_FORMAT; default text)\n")
	b.WriteString("  -capabilities\n    Print the registered tools and exit\n")
	b.WriteString("  -print-config\n    Print the resolved configuration and exit\n")
	b.WriteString("  --version | -version\n    Print version and exit\n")
	b.WriteString("\nExamples:\n")
	b.WriteString("  echo '{\"jsonrpc\":\"2.0\",\"id\":1,\"method\":\"execute\",\"params\":{\"code\":\"1+1\"}}' | snippetd\n\n")
	b.WriteString("  snippetd -tools ./tools.json -capabilities\n")
	safeFprintln(w, strings.TrimRight(b.String(), "\n"))
}
