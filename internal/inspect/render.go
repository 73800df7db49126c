package inspect

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// breakLength is the column budget for single-line compound output.
const breakLength = 80

var identKey = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

// Inspect renders v as a structural, human-readable string.
// Strings are quoted; compound values follow Node's util.inspect layout.
func Inspect(v Value) string {
	return render(v, 0)
}

// Coerce renders v as String(v) would: strings unquoted, numbers without a
// sign on zero, bigints without the n suffix. Compound values fall back to
// Inspect.
func Coerce(v Value) string {
	switch v.Kind {
	case KindUndefined:
		return "undefined"
	case KindNull:
		return "null"
	case KindString, KindBoolean, KindBigInt, KindSymbol:
		return v.Text
	case KindNumber:
		if v.Text == "-0" {
			return "0"
		}
		return v.Text
	}
	return Inspect(v)
}

// Stringify renders one console argument: primitives are coerced, everything
// else inspected.
func Stringify(v Value) string {
	if v.Kind.Primitive() {
		return Coerce(v)
	}
	return Inspect(v)
}

func render(v Value, indent int) string {
	switch v.Kind {
	case KindUndefined:
		return "undefined"
	case KindNull:
		return "null"
	case KindBoolean, KindNumber, KindSymbol:
		return v.Text
	case KindBigInt:
		return v.Text + "n"
	case KindString:
		return Quote(v.Text)
	case KindFunction:
		return functionTag(v)
	case KindCircular:
		return "[Circular]"
	case KindTruncated:
		return "[" + v.Name + "]"
	case KindDate, KindRegExp:
		return v.Text
	case KindOpaque:
		return v.Name + " { <items unknown> }"
	case KindError:
		if len(v.Props) == 0 {
			return v.Text
		}
		return wrap(v.Text, "{", "}", renderProps(v.Props, indent), indent)
	case KindArray:
		entries := renderItems(v.Items, indent)
		entries = appendMore(entries, v.More)
		if len(entries) == 0 {
			return "[]"
		}
		return wrap("", "[", "]", entries, indent)
	case KindSet:
		entries := appendMore(renderItems(v.Items, indent), v.More)
		base := "Set(" + strconv.Itoa(len(v.Items)+v.More) + ")"
		if len(entries) == 0 {
			return base + " {}"
		}
		return wrap(base, "{", "}", entries, indent)
	case KindMap:
		entries := make([]string, 0, len(v.Entries)+1)
		for _, e := range v.Entries {
			entries = append(entries, render(e.Key, indent+2)+" => "+render(e.Value, indent+2))
		}
		entries = appendMore(entries, v.More)
		base := "Map(" + strconv.Itoa(len(v.Entries)+v.More) + ")"
		if len(entries) == 0 {
			return base + " {}"
		}
		return wrap(base, "{", "}", entries, indent)
	case KindPromise:
		var inner string
		switch v.Text {
		case "pending":
			inner = "<pending>"
		case "rejected":
			inner = "<rejected> " + renderFirst(v.Items, indent+2)
		default:
			inner = renderFirst(v.Items, indent+2)
		}
		return wrap("Promise", "{", "}", []string{inner}, indent)
	case KindObject:
		base := objectPrefix(v.Name)
		entries := renderProps(v.Props, indent)
		if len(entries) == 0 {
			if base == "" {
				return "{}"
			}
			return base + " {}"
		}
		return wrap(base, "{", "}", entries, indent)
	}
	return v.Text
}

func renderFirst(items []Value, indent int) string {
	if len(items) == 0 {
		return "undefined"
	}
	return render(items[0], indent)
}

func renderItems(items []Value, indent int) []string {
	out := make([]string, 0, len(items)+1)
	for _, it := range items {
		out = append(out, render(it, indent+2))
	}
	return out
}

func renderProps(props []Prop, indent int) []string {
	out := make([]string, 0, len(props))
	for _, p := range props {
		out = append(out, formatKey(p)+": "+render(p.Value, indent+2))
	}
	return out
}

func appendMore(entries []string, more int) []string {
	switch {
	case more == 1:
		return append(entries, "... 1 more item")
	case more > 1:
		return append(entries, "... "+strconv.Itoa(more)+" more items")
	}
	return entries
}

func formatKey(p Prop) string {
	if p.Symbol {
		return "[" + p.Key + "]"
	}
	if identKey.MatchString(p.Key) {
		return p.Key
	}
	return Quote(p.Key)
}

func objectPrefix(name string) string {
	switch name {
	case "Object":
		return ""
	case "":
		return "[Object: null prototype]"
	}
	return name
}

func functionTag(v Value) string {
	if v.Tag == "class" {
		if v.Name == "" {
			return "[class (anonymous)]"
		}
		return "[class " + v.Name + "]"
	}
	tag := v.Tag
	if tag == "" {
		tag = "Function"
	}
	if v.Name == "" {
		return "[" + tag + " (anonymous)]"
	}
	return "[" + tag + ": " + v.Name + "]"
}

// wrap joins entries on one line when they fit within breakLength and
// contain no newline, otherwise one entry per line indented two spaces.
func wrap(base, open, close string, entries []string, indent int) string {
	prefix := ""
	if base != "" {
		prefix = base + " "
	}
	start := len(entries) + indent + len(open) + len(base) + 10
	total := start + len(entries)
	single := true
	for _, e := range entries {
		total += len(e)
		if strings.Contains(e, "\n") {
			single = false
		}
	}
	if single && total <= breakLength && !strings.Contains(base, "\n") {
		return prefix + open + " " + strings.Join(entries, ", ") + " " + close
	}
	pad := "\n" + strings.Repeat(" ", indent)
	return prefix + open + pad + "  " + strings.Join(entries, ","+pad+"  ") + pad + close
}

// Quote renders s as a JavaScript string literal, preferring single quotes,
// then double quotes, then backticks, whichever avoids escaping.
func Quote(s string) string {
	q := byte('\'')
	if strings.IndexByte(s, '\'') >= 0 {
		switch {
		case strings.IndexByte(s, '"') < 0:
			q = '"'
		case strings.IndexByte(s, '`') < 0 && !strings.Contains(s, "${"):
			q = '`'
		}
	}
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte(q)
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		i += size
		switch {
		case r == rune(q) || r == '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		case r == '\n':
			b.WriteString(`\n`)
		case r == '\t':
			b.WriteString(`\t`)
		case r == '\r':
			b.WriteString(`\r`)
		case r == '\b':
			b.WriteString(`\b`)
		case r == '\f':
			b.WriteString(`\f`)
		case r == '\v':
			b.WriteString(`\v`)
		case r < 0x20 || r == 0x7f:
			b.WriteString(`\x`)
			b.WriteString(strings.ToUpper(strconv.FormatInt(int64(r)|0x100, 16)[1:]))
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte(q)
	return b.String()
}
