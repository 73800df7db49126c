package engine

import (
	"errors"
	"strings"

	"github.com/dop251/goja"
	"github.com/dop251/goja/parser"
	"github.com/oklog/ulid/v2"
)

// Shape is the classification a snippet received before wrapping.
type Shape int

const (
	// ShapeAsync: a top-level await made the snippet an async unit.
	ShapeAsync Shape = iota + 1
	// ShapeReturn: an explicit top-level return supplies the value.
	ShapeReturn
	// ShapeExpression: the last line was rewritten into a return.
	ShapeExpression
	// ShapeStatements: no completion value; the result is undefined.
	ShapeStatements
)

func (s Shape) String() string {
	switch s {
	case ShapeAsync:
		return "async"
	case ShapeReturn:
		return "return"
	case ShapeExpression:
		return "expression"
	case ShapeStatements:
		return "statements"
	}
	return "unknown"
}

// snippetFile names compiled snippets in stack traces.
const snippetFile = "snippet.js"

// wrapperLines is the number of lines every wrapper puts before the
// snippet's first line.
const wrapperLines = 1

// Transformed is a snippet wrapped so that evaluating it yields the
// completion value (or, for ShapeAsync, a promise of it).
type Transformed struct {
	Source string
	Shape  Shape
	// FaultTag is the property name marking a fault caught by the async
	// wrapper. Only set for ShapeAsync.
	FaultTag string
	// Lines is the raw snippet's line count. Stack positions outside it
	// belong to the wrapper.
	Lines int
}

// Transformer classifies and wraps snippets. Classification is a
// token-level scan, not a parse: strings, comments, template literals and
// regular expressions are skipped, and braces are tracked to tell function
// bodies from plain blocks.
type Transformer struct{}

// maxTailLines bounds how far Compile walks upward looking for the start
// of a multi-line trailing expression.
const maxTailLines = 40

// Transform applies the classification rules in priority order:
// top-level await, then top-level return, then a trailing bare expression.
func (t Transformer) Transform(code string) Transformed {
	return t.candidates(code)[0]
}

// candidates lists wrappings from most to least preferred. The first entry
// is what Transform returns; later entries widen the trailing expression
// upward over lines that continue it, and the last one is always the plain
// statement wrap of the shape.
func (Transformer) candidates(code string) []Transformed {
	lines := strings.Count(code, "\n") + 1
	scan := scanSnippet(code)
	if scan.topAwait {
		tag := "__snippetFault_" + ulid.Make().String()
		wrap := func(body string) Transformed {
			return Transformed{
				Source: "(async () => { try {\n" + body +
					"\n} catch (__snippetErr) { return { \"" + tag + "\": true, error: __snippetErr }; } })()",
				Shape:    ShapeAsync,
				FaultTag: tag,
				Lines:    lines,
			}
		}
		var out []Transformed
		for _, body := range tailRewrites(code) {
			out = append(out, wrap(body))
		}
		return append(out, wrap(code))
	}
	if scan.topReturn {
		return []Transformed{{Source: wrapPlain(code), Shape: ShapeReturn, Lines: lines}}
	}
	var out []Transformed
	for _, body := range tailRewrites(code) {
		out = append(out, Transformed{Source: wrapPlain(body), Shape: ShapeExpression, Lines: lines})
	}
	return append(out, Transformed{Source: wrapPlain(code), Shape: ShapeStatements, Lines: lines})
}

func wrapPlain(body string) string {
	return "(function () {\n" + body + "\n})()"
}

// Compile transforms code and compiles the first candidate that parses.
// Syntax errors are reported from the plain statement wrap, positioned
// against the raw snippet.
func (t Transformer) Compile(code string) (*goja.Program, Transformed, *Fault) {
	cands := t.candidates(code)
	var err error
	for _, tr := range cands {
		var prg *goja.Program
		prg, err = goja.Compile(snippetFile, tr.Source, false)
		if err == nil {
			return prg, tr, nil
		}
	}
	f := syntaxFault(err)
	return nil, cands[0], &f
}

func syntaxFault(err error) Fault {
	f := Fault{Kind: FaultSyntax, Name: "SyntaxError"}
	var list parser.ErrorList
	var perr *parser.Error
	var cerr *goja.CompilerSyntaxError
	switch {
	case errors.As(err, &list) && len(list) > 0:
		perr = list[0]
	case errors.As(err, &perr):
	case errors.As(err, &cerr):
		f.Message = "SyntaxError: " + cerr.Message
		if cerr.File != nil {
			pos := cerr.File.Position(cerr.Offset)
			f.File, f.Line, f.Column = snippetFile, pos.Line-wrapperLines, pos.Column
		}
		return f
	default:
		f.Message = "SyntaxError: " + err.Error()
		return f
	}
	f.Message = "SyntaxError: " + perr.Message
	f.File = snippetFile
	f.Line = perr.Position.Line - wrapperLines
	f.Column = perr.Position.Column
	if f.Line < 1 {
		f.Line = 1
	}
	return f
}

var statementPrefixes = []string{
	"if", "else", "for", "while", "do", "switch", "case", "default", "try", "catch", "finally",
	"function", "async function", "class", "const", "let", "var", "return", "throw",
	"break", "continue", "import", "export", "debugger",
}

// tailRewrites rewrites the trailing expression into a return statement.
// The first rewrite covers the last logical line alone; when that line
// opens with a closing bracket it continues an expression started above,
// so further rewrites start one line higher each. Rewritten lines keep
// their line numbers so stack positions do not shift.
func tailRewrites(code string) []string {
	lines := strings.Split(code, "\n")
	last := -1
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			last = i
			break
		}
	}
	if last < 0 {
		return nil
	}
	line := strings.TrimSpace(lines[last])
	if !looksLikeExpression(line) {
		return nil
	}
	rewrite := func(from int) string {
		out := make([]string, len(lines))
		copy(out, lines)
		out[from] = "return (" + out[from]
		out[last] = out[last] + "\n);"
		return strings.Join(out, "\n")
	}
	rewrites := []string{rewrite(last)}
	if strings.IndexByte(")]}", line[0]) >= 0 {
		for from := last - 1; from >= 0 && last-from <= maxTailLines; from-- {
			if strings.TrimSpace(lines[from]) == "" {
				continue
			}
			rewrites = append(rewrites, rewrite(from))
		}
	}
	return rewrites
}

func looksLikeExpression(line string) bool {
	if strings.HasPrefix(line, "//") || strings.HasPrefix(line, "/*") || strings.HasPrefix(line, "*") {
		return false
	}
	switch line[len(line)-1] {
	case ';', '{', '}':
		return false
	}
	for _, kw := range statementPrefixes {
		if line == kw || strings.HasPrefix(line, kw) && !isIdentByte(line[len(kw)]) {
			return false
		}
	}
	// A leading operator continues the previous line.
	switch line[0] {
	case '.', ',', '?', ':':
		return false
	}
	return true
}

func isIdentByte(c byte) bool {
	return c == '_' || c == '$' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c >= 0x80
}

type snippetScan struct {
	topAwait  bool
	topReturn bool
}

var controlWords = map[string]bool{
	"if": true, "for": true, "while": true, "switch": true, "catch": true, "with": true,
}

var regexAfterWord = map[string]bool{
	"return": true, "typeof": true, "instanceof": true, "in": true, "of": true, "new": true,
	"delete": true, "void": true, "throw": true, "case": true, "do": true, "else": true,
	"yield": true, "await": true,
}

const (
	frameBlock = iota
	frameFunc
	frameTemplate
)

// scanSnippet walks code once, tracking string, comment, template and
// regexp state, and reports await/return keywords found outside any
// function body.
func scanSnippet(code string) snippetScan {
	var (
		res       snippetScan
		frames    []int // open braces
		parens    []string
		prev      string // last significant token
		lastParen string // word before the '(' matching the last ')'
		funcDepth int
	)

	i := 0
	n := len(code)
	for i < n {
		c := code[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '/' && i+1 < n && code[i+1] == '/':
			for i < n && code[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < n && code[i+1] == '*':
			end := strings.Index(code[i+2:], "*/")
			if end < 0 {
				i = n
			} else {
				i += end + 4
			}
		case c == '\'' || c == '"':
			i = skipQuoted(code, i)
			prev = "str"
		case c == '`':
			var open bool
			i, open = skipTemplate(code, i+1)
			if open {
				frames = append(frames, frameTemplate)
			}
			prev = "str"
		case c == '/' && regexAllowed(prev):
			i = skipRegexp(code, i)
			prev = "re"
		case isIdentByte(c):
			start := i
			for i < n && isIdentByte(code[i]) {
				i++
			}
			word := code[start:i]
			if funcDepth == 0 && prev != "." && prev != "?." && !beforeColon(code, i) {
				switch word {
				case "await":
					res.topAwait = true
				case "return":
					res.topReturn = true
				}
			}
			prev = word
		case c == '=' && i+1 < n && code[i+1] == '>':
			prev = "=>"
			i += 2
		case c == '?' && i+1 < n && code[i+1] == '.':
			prev = "?."
			i += 2
		case c == '(':
			if isWord(prev) {
				parens = append(parens, prev)
			} else {
				parens = append(parens, "")
			}
			prev = "("
			i++
		case c == ')':
			lastParen = ""
			if len(parens) > 0 {
				lastParen = parens[len(parens)-1]
				parens = parens[:len(parens)-1]
			}
			prev = ")"
			i++
		case c == '{':
			kind := frameBlock
			if prev == "=>" || prev == ")" && !controlWords[lastParen] {
				kind = frameFunc
				funcDepth++
			}
			frames = append(frames, kind)
			prev = "{"
			i++
		case c == '}':
			if len(frames) == 0 {
				prev = "}"
				i++
				continue
			}
			top := frames[len(frames)-1]
			frames = frames[:len(frames)-1]
			switch top {
			case frameFunc:
				funcDepth--
				prev = "}"
				i++
			case frameTemplate:
				var open bool
				i, open = skipTemplate(code, i+1)
				if open {
					frames = append(frames, frameTemplate)
				}
				prev = "str"
			default:
				prev = "}"
				i++
			}
		default:
			prev = string(c)
			i++
		}
	}
	return res
}

// beforeColon reports whether the next significant byte after i is ':',
// meaning the preceding word is an object key or a label.
func beforeColon(code string, i int) bool {
	for i < len(code) {
		switch code[i] {
		case ' ', '\t', '\n', '\r':
			i++
		case ':':
			return true
		default:
			return false
		}
	}
	return false
}

func isWord(tok string) bool {
	return tok != "" && tok != "str" && tok != "re" && isIdentByte(tok[0]) && tok != "=>"
}

func regexAllowed(prev string) bool {
	switch prev {
	case "", "(", ",", "=", ":", "[", "!", "&", "|", "?", "{", "}", ";", "+", "-", "*", "%", "<", ">", "~", "^", "=>":
		return true
	}
	return regexAfterWord[prev]
}

func skipQuoted(code string, i int) int {
	q := code[i]
	i++
	for i < len(code) {
		switch code[i] {
		case '\\':
			i += 2
			continue
		case q:
			return i + 1
		case '\n':
			return i
		}
		i++
	}
	return i
}

// skipTemplate scans template text starting after a backtick or a closing
// substitution brace. It reports whether it stopped at a "${" opening.
func skipTemplate(code string, i int) (int, bool) {
	for i < len(code) {
		switch code[i] {
		case '\\':
			i += 2
			continue
		case '`':
			return i + 1, false
		case '$':
			if i+1 < len(code) && code[i+1] == '{' {
				return i + 2, true
			}
		}
		i++
	}
	return i, false
}

func skipRegexp(code string, i int) int {
	i++
	inClass := false
	for i < len(code) {
		switch code[i] {
		case '\\':
			i += 2
			continue
		case '[':
			inClass = true
		case ']':
			inClass = false
		case '/':
			if !inClass {
				i++
				for i < len(code) && isIdentByte(code[i]) {
					i++
				}
				return i
			}
		case '\n':
			return i
		}
		i++
	}
	return i
}
