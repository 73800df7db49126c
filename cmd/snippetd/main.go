package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hyperifyio/snippetd/internal/config"
)

func main() {
	os.Exit(cliMain(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// cliFlags holds command-line settings. set records which flags were given
// explicitly so only those override the file and environment.
type cliFlags struct {
	configPath   string
	toolsPath    string
	auditDir     string
	historyDB    string
	metricsAddr  string
	logLevel     string
	logFormat    string
	timeout      time.Duration
	floor        time.Duration
	toolTimeout  time.Duration
	capabilities bool
	printConfig  bool

	set map[string]bool
}

func parseFlags(args []string) (cliFlags, error) {
	f := cliFlags{set: make(map[string]bool)}
	fs := flag.NewFlagSet("snippetd", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&f.configPath, "config", "", "YAML configuration file")
	fs.StringVar(&f.toolsPath, "tools", "", "external tool manifest")
	fs.StringVar(&f.auditDir, "audit-dir", "", "external tool audit directory")
	fs.StringVar(&f.historyDB, "history-db", "", "SQLite history file")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "metrics listen address")
	fs.StringVar(&f.logLevel, "log-level", "", "log level")
	fs.StringVar(&f.logFormat, "log-format", "", "log format")
	fs.DurationVar(&f.timeout, "timeout", 0, "default snippet deadline")
	fs.DurationVar(&f.floor, "floor", 0, "minimum snippet deadline")
	fs.DurationVar(&f.toolTimeout, "tool-timeout", 0, "default external tool timeout")
	fs.BoolVar(&f.capabilities, "capabilities", false, "print tools and exit")
	fs.BoolVar(&f.printConfig, "print-config", false, "print resolved config and exit")
	if err := fs.Parse(args); err != nil {
		return f, err
	}
	if fs.NArg() > 0 {
		return f, fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}
	fs.Visit(func(fl *flag.Flag) { f.set[fl.Name] = true })
	return f, nil
}

// resolveConfig layers explicit flags over the file and environment.
func resolveConfig(f cliFlags) (*config.Config, error) {
	path := f.configPath
	if !f.set["config"] {
		path = os.Getenv("SNIPPETD_CONFIG")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	str := func(name string, dst *string, v string) {
		if f.set[name] {
			*dst = v
		}
	}
	ms := func(name string, dst *int, d time.Duration) {
		if f.set[name] {
			*dst = int(d.Milliseconds())
		}
	}
	str("tools", &cfg.ToolsManifest, f.toolsPath)
	str("audit-dir", &cfg.AuditDir, f.auditDir)
	str("history-db", &cfg.HistoryDB, f.historyDB)
	str("metrics-addr", &cfg.MetricsAddr, f.metricsAddr)
	str("log-level", &cfg.LogLevel, f.logLevel)
	str("log-format", &cfg.LogFormat, f.logFormat)
	ms("timeout", &cfg.Deadline.DefaultMs, f.timeout)
	ms("floor", &cfg.Deadline.FloorMs, f.floor)
	ms("tool-timeout", &cfg.ToolTimeoutMs, f.toolTimeout)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// cliMain is a testable entrypoint. It accepts argv (excluding program
// name), the protocol streams and the diagnostics writer, and returns the
// intended process exit code.
func cliMain(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if helpRequested(args) {
		printUsage(stdout)
		return 0
	}
	if versionRequested(args) {
		printVersion(stdout)
		return 0
	}

	f, err := parseFlags(args)
	if err != nil {
		safeFprintln(stderr, "error: "+err.Error())
		printUsage(stderr)
		return 2
	}
	cfg, err := resolveConfig(f)
	if err != nil {
		safeFprintln(stderr, "error: "+err.Error())
		return 2
	}
	if f.printConfig {
		return printResolvedConfig(cfg, stdout, stderr)
	}

	log, err := cfg.Logger(stderr)
	if err != nil {
		safeFprintln(stderr, "error: "+err.Error())
		return 2
	}
	argv := append([]string{programName()}, args...)
	srv, err := newServer(cfg, log, argv)
	if err != nil {
		log.WithError(err).Error("startup failed")
		return 1
	}
	defer srv.Close()

	if f.capabilities {
		printCapabilities(srv.registry, stdout)
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := srv.Run(ctx, stdin, stdout); err != nil {
		log.WithError(err).Error("server stopped")
		return 1
	}
	return 0
}

func programName() string {
	if len(os.Args) > 0 {
		return os.Args[0]
	}
	return "snippetd"
}

// printResolvedConfig writes the effective configuration as YAML.
func printResolvedConfig(cfg *config.Config, stdout, stderr io.Writer) int {
	b, err := yaml.Marshal(cfg)
	if err != nil {
		safeFprintln(stderr, "error: "+err.Error())
		return 1
	}
	if _, err := stdout.Write(b); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		return 1
	}
	return 0
}
