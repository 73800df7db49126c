package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/hyperifyio/snippetd/internal/inspect"
)

// surfaceNames is the documented capability contract, in the order it is
// reported by Surface().
var surfaceNames = []string{
	"setTimeout", "clearTimeout",
	"setInterval", "clearInterval",
	"setImmediate", "clearImmediate",
	"queueMicrotask",
	"console", "log",
	"require",
	"fetch",
	"process",
}

// Surface lists the bindings every snippet can see besides the language
// built-ins.
func Surface() []string {
	out := make([]string, len(surfaceNames))
	copy(out, surfaceNames)
	return out
}

// ProcessInfo is the read-only process metadata exposed to snippets.
type ProcessInfo struct {
	Env      map[string]string
	Platform string
	Arch     string
	Version  string
	Argv     []string
}

// HostProcessInfo describes the current process, filtering the environment
// through allow when it is non-empty.
func HostProcessInfo(version string, argv []string, allow []string) ProcessInfo {
	env := make(map[string]string)
	allowed := make(map[string]bool, len(allow))
	for _, k := range allow {
		allowed[k] = true
	}
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		if len(allowed) > 0 && !allowed[k] {
			continue
		}
		env[k] = v
	}
	return ProcessInfo{
		Env:      env,
		Platform: PlatformTag(),
		Arch:     archTag(),
		Version:  version,
		Argv:     append([]string(nil), argv...),
	}
}

// PlatformTag maps GOOS onto the names snippets expect from process.platform.
func PlatformTag() string {
	if runtime.GOOS == "windows" {
		return "win32"
	}
	return runtime.GOOS
}

func archTag() string {
	switch runtime.GOARCH {
	case "amd64":
		return "x64"
	case "386":
		return "ia32"
	}
	return runtime.GOARCH
}

// session is the per-execution state: one VM, one loop, one capture.
// Nothing in it outlives the request.
type session struct {
	ctx      context.Context
	vm       *goja.Runtime
	loop     *loop
	capture  *Capture
	console  *consoleWriter
	snap     *inspect.Snapshotter
	fetcher  *Fetcher
	resolver *Resolver
	process  ProcessInfo
	workDir  string
	modules  map[string]*goja.Object

	drain goja.Callable
	parse goja.Callable
}

const queueMicrotaskSrc = `(function (g) {
	g.queueMicrotask = function queueMicrotask(fn) {
		if (typeof fn !== "function") throw new TypeError("callback must be a function");
		Promise.resolve().then(function () { fn(); });
	};
})`

// install binds the capability surface into the session's VM.
func (s *session) install() error {
	vm := s.vm
	global := vm.GlobalObject()

	noop, err := vm.RunString("(function () {})")
	if err != nil {
		return err
	}
	s.drain, _ = goja.AssertFunction(noop)
	if j, ok := vm.Get("JSON").(*goja.Object); ok {
		s.parse, _ = goja.AssertFunction(j.Get("parse"))
	}

	bindings := map[string]interface{}{
		"setTimeout":     s.timerBinding(false),
		"setInterval":    s.timerBinding(true),
		"setImmediate":   s.setImmediate,
		"clearTimeout":   s.clearTimer,
		"clearInterval":  s.clearTimer,
		"clearImmediate": s.clearTimer,
		"require":        s.requireFrom(""),
		"fetch":          s.fetchBinding,
	}
	for name, fn := range bindings {
		if err := vm.Set(name, fn); err != nil {
			return err
		}
	}

	qm, err := vm.RunString(queueMicrotaskSrc)
	if err != nil {
		return err
	}
	install, _ := goja.AssertFunction(qm)
	if _, err := install(goja.Undefined(), global); err != nil {
		return err
	}

	console := vm.NewObject()
	methods := []struct{ name, level, prefix string }{
		{"log", "log", ""},
		{"info", "info", ""},
		{"debug", "debug", ""},
		{"warn", "warn", ""},
		{"error", "error", ""},
		{"trace", "trace", "Trace: "},
	}
	for _, m := range methods {
		if err := console.Set(m.name, s.console.bind(m.level, m.prefix)); err != nil {
			return err
		}
	}
	if err := vm.Set("console", console); err != nil {
		return err
	}
	if err := vm.Set("log", console.Get("log")); err != nil {
		return err
	}

	proc, err := s.processObject()
	if err != nil {
		return err
	}
	return vm.Set("process", proc)
}

func (s *session) processObject() (*goja.Object, error) {
	vm := s.vm
	env := vm.NewObject()
	keys := make([]string, 0, len(s.process.Env))
	for k := range s.process.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := env.Set(k, s.process.Env[k]); err != nil {
			return nil, err
		}
	}
	argv := make([]interface{}, len(s.process.Argv))
	for i, a := range s.process.Argv {
		argv[i] = a
	}
	p := vm.NewObject()
	workDir := s.workDir
	fields := map[string]interface{}{
		"env":      env,
		"platform": s.process.Platform,
		"arch":     s.process.Arch,
		"version":  s.process.Version,
		"argv":     vm.NewArray(argv...),
		"cwd":      func() string { return workDir },
	}
	for k, v := range fields {
		if err := p.Set(k, v); err != nil {
			return nil, err
		}
	}
	freeze, ok := goja.AssertFunction(vm.Get("Object").ToObject(vm).Get("freeze"))
	if !ok {
		return nil, errors.New("Object.freeze unavailable")
	}
	for _, o := range []goja.Value{env, p.Get("argv"), p} {
		if _, err := freeze(goja.Undefined(), o); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// flush runs queued promise jobs after Go code settled a promise outside
// any JS call.
func (s *session) flush() error {
	if s.drain == nil {
		return nil
	}
	_, err := s.drain(goja.Undefined())
	return err
}

func (s *session) jsonParse(text string) (goja.Value, error) {
	if s.parse == nil {
		return nil, errors.New("JSON.parse unavailable")
	}
	return s.parse(goja.Undefined(), s.vm.ToValue(text))
}

func (s *session) callback(call goja.FunctionCall) (goja.Callable, []goja.Value) {
	fn, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		panic(s.vm.NewTypeError("The \"callback\" argument must be of type function"))
	}
	var extra []goja.Value
	if len(call.Arguments) > 2 {
		extra = append(extra, call.Arguments[2:]...)
	}
	return fn, extra
}

func (s *session) timerBinding(every bool) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		fn, extra := s.callback(call)
		delay := time.Duration(call.Argument(1).ToFloat() * float64(time.Millisecond))
		id := s.loop.setTimer(func() error {
			_, err := fn(goja.Undefined(), extra...)
			return err
		}, delay, every)
		return s.vm.ToValue(id)
	}
}

func (s *session) setImmediate(call goja.FunctionCall) goja.Value {
	fn, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		panic(s.vm.NewTypeError("The \"callback\" argument must be of type function"))
	}
	var extra []goja.Value
	if len(call.Arguments) > 1 {
		extra = append(extra, call.Arguments[1:]...)
	}
	id := s.loop.setImmediate(func() error {
		_, err := fn(goja.Undefined(), extra...)
		return err
	})
	return s.vm.ToValue(id)
}

func (s *session) clearTimer(call goja.FunctionCall) goja.Value {
	if id := call.Argument(0); !goja.IsUndefined(id) && !goja.IsNull(id) {
		s.loop.clearTimer(id.ToInteger())
	}
	return goja.Undefined()
}

// requireFrom returns a CommonJS require bound to dir. An empty dir is the
// snippet's own require.
func (s *session) requireFrom(dir string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		spec := call.Argument(0).String()
		path, err := s.resolver.Resolve(spec, dir)
		if err != nil {
			panic(s.moduleError(err))
		}
		if m, ok := s.modules[path]; ok {
			return m.Get("exports")
		}
		return s.load(path)
	}
}

func (s *session) moduleError(err error) goja.Value {
	vm := s.vm
	obj, cerr := vm.New(vm.Get("Error"), vm.ToValue(err.Error()))
	if cerr != nil {
		return vm.NewGoError(err)
	}
	var nf *ModuleNotFoundError
	if errors.As(err, &nf) {
		_ = obj.Set("code", "MODULE_NOT_FOUND")
	}
	return obj
}

func (s *session) load(path string) goja.Value {
	vm := s.vm
	data, err := os.ReadFile(path)
	if err != nil {
		panic(vm.NewGoError(err))
	}
	module := vm.NewObject()
	exports := vm.NewObject()
	_ = module.Set("exports", exports)
	_ = module.Set("id", path)
	_ = module.Set("filename", path)
	s.modules[path] = module

	if strings.HasSuffix(path, ".json") {
		v, err := s.jsonParse(string(data))
		if err != nil {
			delete(s.modules, path)
			panic(err)
		}
		_ = module.Set("exports", v)
		return v
	}

	dir := filepath.Dir(path)
	src := "(function (exports, require, module, __filename, __dirname) {" + string(data) + "\n})"
	prg, err := goja.Compile(path, src, false)
	if err != nil {
		delete(s.modules, path)
		f := syntaxFault(err)
		obj, cerr := vm.New(vm.Get("SyntaxError"), vm.ToValue(strings.TrimPrefix(f.Message, "SyntaxError: ")+" ("+path+")"))
		if cerr != nil {
			panic(vm.NewGoError(err))
		}
		panic(obj)
	}
	wrapper, err := vm.RunProgram(prg)
	if err != nil {
		delete(s.modules, path)
		panic(err)
	}
	fn, _ := goja.AssertFunction(wrapper)
	if _, err := fn(exports, exports, vm.ToValue(s.requireFrom(dir)), module, vm.ToValue(path), vm.ToValue(dir)); err != nil {
		delete(s.modules, path)
		panic(err)
	}
	return module.Get("exports")
}
