// Package inspect holds a host-side model of snippet values and renders it
// the way a Node.js console would.
//
// Values are captured from the VM once (see Snapshotter) and rendered any
// number of times without touching the VM again, so rendering is pure and
// repeatable.
package inspect

// Kind classifies a captured value.
type Kind int

const (
	KindUndefined Kind = iota
	KindNull
	KindBoolean
	KindNumber
	KindBigInt
	KindString
	KindSymbol
	KindFunction
	KindArray
	KindObject
	KindError
	KindDate
	KindRegExp
	KindMap
	KindSet
	KindPromise
	KindCircular
	// KindTruncated marks a compound value below the depth limit.
	KindTruncated
	// KindOpaque marks a value whose contents cannot be listed (WeakMap, WeakSet, iterators).
	KindOpaque
)

var kindNames = [...]string{
	KindUndefined: "undefined",
	KindNull:      "null",
	KindBoolean:   "boolean",
	KindNumber:    "number",
	KindBigInt:    "bigint",
	KindString:    "string",
	KindSymbol:    "symbol",
	KindFunction:  "function",
	KindArray:     "array",
	KindObject:    "object",
	KindError:     "error",
	KindDate:      "date",
	KindRegExp:    "regexp",
	KindMap:       "map",
	KindSet:       "set",
	KindPromise:   "promise",
	KindCircular:  "circular",
	KindTruncated: "truncated",
	KindOpaque:    "opaque",
}

func (k Kind) String() string {
	if int(k) >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Primitive reports whether values of this kind render by direct coercion.
func (k Kind) Primitive() bool {
	return k <= KindSymbol
}

// Value is an immutable snapshot of a snippet value.
//
// Field usage by kind:
//   - primitives: Text is the textual form ("-0" is kept for negative zero).
//   - KindFunction: Name, Tag ("Function", "AsyncFunction", "GeneratorFunction",
//     "class") and Text holding the source.
//   - KindObject: Name is the constructor name ("" for a null prototype), Props.
//   - KindArray, KindSet: Items and More (elided count).
//   - KindMap: Entries and More.
//   - KindError: Name, Text holding the stack (or "Name: message"), Props.
//   - KindDate: Text is the ISO form or "Invalid Date". KindRegExp: Text is /src/flags.
//   - KindPromise: Text is the state; Items holds the settled value, if any.
//   - KindTruncated, KindOpaque: Name is the tag shown in brackets or before braces.
type Value struct {
	Kind    Kind
	Text    string
	Name    string
	Tag     string
	Props   []Prop
	Items   []Value
	Entries []Entry
	More    int
}

// Prop is a keyed member of an object-like value.
type Prop struct {
	Key    string
	Symbol bool
	Value  Value
}

// Entry is a Map member.
type Entry struct {
	Key   Value
	Value Value
}

// Convenience constructors, mostly used by tests and by the engine for
// values produced on the Go side.

func Undefined() Value         { return Value{Kind: KindUndefined} }
func Null() Value              { return Value{Kind: KindNull} }
func String(s string) Value    { return Value{Kind: KindString, Text: s} }
func Number(text string) Value { return Value{Kind: KindNumber, Text: text} }

func Bool(b bool) Value {
	if b {
		return Value{Kind: KindBoolean, Text: "true"}
	}
	return Value{Kind: KindBoolean, Text: "false"}
}
