package inspect

import (
	"math/big"
	"regexp"
	"strconv"
	"strings"

	"github.com/dop251/goja"
)

// Options bound how much of a value graph is captured.
type Options struct {
	// Depth is the number of nested compound levels shown below the root.
	// Negative means unlimited.
	Depth int
	// MaxArrayLength caps items captured from arrays, sets and maps.
	MaxArrayLength int
}

// DefaultOptions mirrors Node's console defaults.
func DefaultOptions() Options {
	return Options{Depth: 2, MaxArrayLength: 100}
}

// Snapshotter captures goja values into Value trees. It must only be used
// from the goroutine that owns the runtime.
type Snapshotter struct {
	vm        *goja.Runtime
	opts      Options
	arrayFrom goja.Callable
}

// NewSnapshotter binds a snapshotter to vm. It grabs Array.from eagerly so
// later reassignment by a snippet does not affect Map and Set capture.
func NewSnapshotter(vm *goja.Runtime, opts Options) *Snapshotter {
	if opts.MaxArrayLength <= 0 {
		opts.MaxArrayLength = DefaultOptions().MaxArrayLength
	}
	s := &Snapshotter{vm: vm, opts: opts}
	if arr, ok := vm.Get("Array").(*goja.Object); ok {
		s.arrayFrom, _ = goja.AssertFunction(arr.Get("from"))
	}
	return s
}

// Snapshot captures v. Getter failures are recorded in place and never
// propagate; interrupts do.
func (s *Snapshotter) Snapshot(v goja.Value) Value {
	w := walker{s: s}
	return w.snap(v, 0)
}

type walker struct {
	s       *Snapshotter
	parents []*goja.Object
}

var (
	gojaFrame = regexp.MustCompile(`:(\d+):(\d+)\(\d+\)`)
	classSrc  = regexp.MustCompile(`^class[\s{]`)
)

// NormalizeStack rewrites goja's "\tat f (file:1:2(34))" frames into the
// familiar "    at f (file:1:2)" form and trims the trailing newline.
func NormalizeStack(stack string) string {
	stack = strings.TrimRight(stack, "\n")
	stack = strings.ReplaceAll(stack, "\n\tat ", "\n    at ")
	return gojaFrame.ReplaceAllString(stack, ":$1:$2")
}

func (w *walker) snap(v goja.Value, depth int) Value {
	if v == nil || goja.IsUndefined(v) {
		return Undefined()
	}
	if goja.IsNull(v) {
		return Null()
	}
	if sym, ok := v.(*goja.Symbol); ok {
		return Value{Kind: KindSymbol, Text: "Symbol(" + sym.String() + ")"}
	}
	o, ok := v.(*goja.Object)
	if !ok {
		return primitive(v)
	}
	for _, p := range w.parents {
		if p == o {
			return Value{Kind: KindCircular}
		}
	}

	if _, isFn := goja.AssertFunction(o); isFn {
		return w.function(o)
	}

	class := o.ClassName()
	switch class {
	case "Error":
		return w.errorValue(o, depth)
	case "Date":
		return w.date(o)
	case "RegExp":
		return Value{Kind: KindRegExp, Text: w.text(o)}
	}

	if w.s.opts.Depth >= 0 && depth > w.s.opts.Depth {
		name := class
		if class == "Object" {
			name = w.ctorName(o)
			if name == "" {
				name = "Object: null prototype"
			}
		}
		return Value{Kind: KindTruncated, Name: name}
	}

	w.parents = append(w.parents, o)
	defer func() { w.parents = w.parents[:len(w.parents)-1] }()

	switch class {
	case "Array":
		return w.array(o, depth)
	case "Map":
		return w.mapValue(o, depth)
	case "Set":
		return w.setValue(o, depth)
	case "Promise":
		return w.promise(o, depth)
	case "WeakMap", "WeakSet", "Generator",
		"Array Iterator", "Map Iterator", "Set Iterator", "String Iterator", "RegExp String Iterator":
		return Value{Kind: KindOpaque, Name: class}
	}
	return Value{Kind: KindObject, Name: w.ctorName(o), Props: w.props(o, depth)}
}

func primitive(v goja.Value) Value {
	switch x := v.Export().(type) {
	case bool:
		return Bool(x)
	case int64:
		return Number(strconv.FormatInt(x, 10))
	case float64:
		return Number(numberText(x))
	case *big.Int:
		return Value{Kind: KindBigInt, Text: x.String()}
	case string:
		return String(x)
	}
	return String(v.String())
}

// get reads a property, turning a throwing getter into a [Getter] marker.
func (w *walker) get(o *goja.Object, key string, depth int) Value {
	var out Value
	if ex := w.s.vm.Try(func() { out = w.snap(o.Get(key), depth) }); ex != nil {
		return Value{Kind: KindTruncated, Name: "Getter"}
	}
	return out
}

func (w *walker) text(o *goja.Object) string {
	var out string
	if ex := w.s.vm.Try(func() { out = o.String() }); ex != nil {
		return ""
	}
	return out
}

func (w *walker) stringProp(o *goja.Object, key string) string {
	var out string
	w.s.vm.Try(func() {
		if v := o.Get(key); v != nil && !goja.IsUndefined(v) && !goja.IsNull(v) {
			out = v.String()
		}
	})
	return out
}

func (w *walker) ctorName(o *goja.Object) string {
	proto := o.Prototype()
	if proto == nil {
		return ""
	}
	name := "Object"
	w.s.vm.Try(func() {
		if ctor, ok := proto.Get("constructor").(*goja.Object); ok {
			if n := ctor.Get("name"); n != nil && n.String() != "" {
				name = n.String()
			}
		}
	})
	return name
}

func (w *walker) props(o *goja.Object, depth int) []Prop {
	keys := o.Keys()
	syms := o.Symbols()
	out := make([]Prop, 0, len(keys)+len(syms))
	for _, k := range keys {
		out = append(out, Prop{Key: k, Value: w.get(o, k, depth+1)})
	}
	for _, sym := range syms {
		var pv Value
		if ex := w.s.vm.Try(func() { pv = w.snap(o.GetSymbol(sym), depth+1) }); ex != nil {
			pv = Value{Kind: KindTruncated, Name: "Getter"}
		}
		out = append(out, Prop{Key: "Symbol(" + sym.String() + ")", Symbol: true, Value: pv})
	}
	return out
}

func (w *walker) function(o *goja.Object) Value {
	src := w.text(o)
	v := Value{Kind: KindFunction, Name: w.stringProp(o, "name"), Text: src, Tag: "Function"}
	if classSrc.MatchString(src) {
		v.Tag = "class"
		return v
	}
	w.s.vm.Try(func() {
		switch tag := o.GetSymbol(goja.SymToStringTag); {
		case tag == nil || goja.IsUndefined(tag):
		case tag.String() == "AsyncFunction", tag.String() == "GeneratorFunction", tag.String() == "AsyncGeneratorFunction":
			v.Tag = tag.String()
		}
	})
	return v
}

func (w *walker) errorValue(o *goja.Object, depth int) Value {
	name := w.stringProp(o, "name")
	if name == "" {
		name = "Error"
	}
	stack := NormalizeStack(w.stringProp(o, "stack"))
	if stack == "" {
		msg := w.stringProp(o, "message")
		stack = name
		if msg != "" {
			stack += ": " + msg
		}
	}
	v := Value{Kind: KindError, Name: name, Text: stack}
	if w.s.opts.Depth < 0 || depth <= w.s.opts.Depth {
		w.parents = append(w.parents, o)
		v.Props = w.props(o, depth)
		w.parents = w.parents[:len(w.parents)-1]
	}
	return v
}

func (w *walker) date(o *goja.Object) Value {
	text := "Invalid Date"
	w.s.vm.Try(func() {
		if fn, ok := goja.AssertFunction(o.Get("toISOString")); ok {
			if res, err := fn(o); err == nil {
				text = res.String()
			}
		}
	})
	return Value{Kind: KindDate, Text: text}
}

func (w *walker) array(o *goja.Object, depth int) Value {
	var n int64
	w.s.vm.Try(func() { n = o.Get("length").ToInteger() })
	limit := n
	if maxLen := int64(w.s.opts.MaxArrayLength); limit > maxLen {
		limit = maxLen
	}
	items := make([]Value, 0, limit)
	for i := int64(0); i < limit; i++ {
		items = append(items, w.get(o, strconv.FormatInt(i, 10), depth+1))
	}
	return Value{Kind: KindArray, Items: items, More: int(n - limit)}
}

// members lists a Map or Set through Array.from.
func (w *walker) members(o *goja.Object) []goja.Value {
	if w.s.arrayFrom == nil {
		return nil
	}
	var out []goja.Value
	w.s.vm.Try(func() {
		res, err := w.s.arrayFrom(goja.Undefined(), o)
		if err != nil {
			return
		}
		arr, ok := res.(*goja.Object)
		if !ok {
			return
		}
		n := arr.Get("length").ToInteger()
		out = make([]goja.Value, 0, n)
		for i := int64(0); i < n; i++ {
			out = append(out, arr.Get(strconv.FormatInt(i, 10)))
		}
	})
	return out
}

func (w *walker) mapValue(o *goja.Object, depth int) Value {
	pairs := w.members(o)
	limit := len(pairs)
	if limit > w.s.opts.MaxArrayLength {
		limit = w.s.opts.MaxArrayLength
	}
	entries := make([]Entry, 0, limit)
	for _, p := range pairs[:limit] {
		pair, ok := p.(*goja.Object)
		if !ok {
			continue
		}
		entries = append(entries, Entry{
			Key:   w.get(pair, "0", depth+1),
			Value: w.get(pair, "1", depth+1),
		})
	}
	return Value{Kind: KindMap, Entries: entries, More: len(pairs) - limit}
}

func (w *walker) setValue(o *goja.Object, depth int) Value {
	members := w.members(o)
	limit := len(members)
	if limit > w.s.opts.MaxArrayLength {
		limit = w.s.opts.MaxArrayLength
	}
	items := make([]Value, 0, limit)
	for _, m := range members[:limit] {
		items = append(items, w.snap(m, depth+1))
	}
	return Value{Kind: KindSet, Items: items, More: len(members) - limit}
}

func (w *walker) promise(o *goja.Object, depth int) Value {
	p, ok := o.Export().(*goja.Promise)
	if !ok {
		return Value{Kind: KindPromise, Text: "pending"}
	}
	switch p.State() {
	case goja.PromiseStateFulfilled:
		return Value{Kind: KindPromise, Text: "fulfilled", Items: []Value{w.snap(p.Result(), depth+1)}}
	case goja.PromiseStateRejected:
		return Value{Kind: KindPromise, Text: "rejected", Items: []Value{w.snap(p.Result(), depth+1)}}
	}
	return Value{Kind: KindPromise, Text: "pending"}
}
