package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hyperifyio/snippetd/internal/batch"
	"github.com/hyperifyio/snippetd/internal/config"
	"github.com/hyperifyio/snippetd/internal/engine"
	"github.com/hyperifyio/snippetd/internal/history"
	"github.com/hyperifyio/snippetd/internal/inspect"
	"github.com/hyperifyio/snippetd/internal/metrics"
	"github.com/hyperifyio/snippetd/internal/rpc"
	"github.com/hyperifyio/snippetd/internal/tools"
)

const instructions = "Use execute to run JavaScript snippets. The last expression, an explicit return " +
	"or an awaited value becomes the result; console output is returned first. " +
	"Use batch_execute to run several tool calls in order."

// server holds every wired component.
type server struct {
	cfg        *config.Config
	log        logrus.FieldLogger
	version    string
	registry   *tools.Registry
	metrics    *metrics.Collectors
	history    *history.Store
	dispatcher *rpc.Dispatcher
}

// engineConfig maps the configuration onto the engine.
func engineConfig(cfg *config.Config, ver string, argv []string) (engine.Config, error) {
	allow, err := tools.NormalizeEnvAllowlist(cfg.EnvAllowlist)
	if err != nil {
		return engine.Config{}, fmt.Errorf("env_allowlist: %w", err)
	}
	installDir := cfg.Modules.InstallDir
	if installDir == "" {
		if exe, err := os.Executable(); err == nil {
			installDir = filepath.Dir(exe)
		}
	}
	opts := inspect.DefaultOptions()
	opts.Depth = cfg.Output.InspectDepth
	return engine.Config{
		Deadlines:   cfg.Deadlines(),
		MaxLogBytes: cfg.Output.MaxLogBytes,
		Inspect:     opts,
		InstallDir:  installDir,
		ModuleRoots: cfg.Modules.Roots,
		Fetch: engine.FetchConfig{
			MaxBodyBytes: cfg.Fetch.MaxBodyBytes,
			UserAgent:    cfg.Fetch.UserAgent,
			Timeout:      time.Duration(cfg.Fetch.TimeoutMs) * time.Millisecond,
		},
		Process:    engine.HostProcessInfo(ver, argv, allow),
		MirrorLogs: cfg.Output.MirrorLogs,
	}, nil
}

func newServer(cfg *config.Config, log logrus.FieldLogger, argv []string) (_ *server, err error) {
	ver := serverVersion()
	ecfg, err := engineConfig(cfg, ver, argv)
	if err != nil {
		return nil, err
	}
	s := &server{
		cfg:      cfg,
		log:      log,
		version:  ver,
		registry: tools.NewRegistry(),
		metrics:  metrics.New(nil),
	}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	if cfg.HistoryDB != "" {
		if s.history, err = history.Open(cfg.HistoryDB, log.WithField("component", "history")); err != nil {
			return nil, err
		}
	}

	eng := engine.New(ecfg, log.WithField("component", "engine"))
	observers := []tools.ExecutionObserver{s.metrics}
	if s.history != nil {
		observers = append(observers, s.history)
	}
	if err := s.registry.Register(tools.ExecuteTool(eng, observers...)); err != nil {
		return nil, err
	}
	info := tools.ServerInfo{
		Version:  ver,
		Argv:     argv,
		Platform: ecfg.Process.Platform,
		Arch:     ecfg.Process.Arch,
		Surface:  engine.Surface(),
	}
	if err := s.registry.Register(tools.InfoTool(info)); err != nil {
		return nil, err
	}
	if s.history != nil {
		if err := s.registry.Register(tools.HistoryTool(s.history)); err != nil {
			return nil, err
		}
	}

	coord := batch.New(s.registry, log.WithField("component", "batch"))
	coord.Observers = []batch.OperationObserver{s.metrics}
	if s.history != nil {
		coord.History = s.history
	}
	if err := s.registry.Register(batch.Tool(coord)); err != nil {
		return nil, err
	}

	if cfg.ToolsManifest != "" {
		if err := s.registerManifest(cfg.ToolsManifest); err != nil {
			return nil, err
		}
	}

	s.dispatcher = rpc.New(s.registry, rpc.Options{
		Version:      ver,
		Instructions: instructions,
		Log:          log.WithField("component", "rpc"),
		Observer:     s.metrics,
	})
	return s, nil
}

func (s *server) registerManifest(path string) error {
	specs, err := tools.LoadManifest(path)
	if err != nil {
		return err
	}
	audit := tools.NewAuditor(s.cfg.AuditDir, tools.NewRedactor(nil))
	runner := tools.NewRunner(time.Duration(s.cfg.ToolTimeoutMs)*time.Millisecond, audit, s.log.WithField("component", "tools"))
	for _, spec := range specs {
		t, err := spec.Tool(runner)
		if err != nil {
			return err
		}
		if err := s.registry.Register(t); err != nil {
			return fmt.Errorf("manifest %s: %w", path, err)
		}
	}
	s.log.WithFields(logrus.Fields{"manifest": path, "tools": len(specs)}).Info("external tools registered")
	return nil
}

// Run serves requests from in until end of input or ctx ends.
func (s *server) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	if s.cfg.MetricsAddr != "" {
		mctx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := s.metrics.Serve(mctx, s.cfg.MetricsAddr, s.log.WithField("component", "metrics")); err != nil {
				s.log.WithError(err).Error("metrics listener failed")
			}
		}()
		defer func() {
			cancel()
			<-done
		}()
	}

	s.log.WithFields(logrus.Fields{
		"version": s.version,
		"tools":   len(s.registry.Names()),
	}).Info("snippetd ready")
	err := s.dispatcher.Serve(ctx, in, out, s.cfg.MaxLineBytes)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases the history store.
func (s *server) Close() {
	if s.history != nil {
		if err := s.history.Close(); err != nil {
			s.log.WithError(err).Warn("history close failed")
		}
		s.history = nil
	}
}

// printCapabilities lists registered tools sorted by name.
func printCapabilities(reg *tools.Registry, w io.Writer) {
	_, _ = io.WriteString(w, "Capabilities (enabled tools):\n")
	desc := reg.Descriptors()
	sort.Slice(desc, func(i, j int) bool { return desc[i].Name < desc[j].Name })
	for _, t := range desc {
		_, _ = io.WriteString(w, fmt.Sprintf("- %s: %s\n", t.Name, t.Description))
	}
}
