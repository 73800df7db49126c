package inspect

import (
	"math"
	"strconv"
	"strings"
)

// JSONFunc returns the JSON.stringify form of the argument at index i.
// It is consulted only for %j markers.
type JSONFunc func(i int) string

// HasMarkers reports whether s contains a printf-style marker that Format
// would substitute.
func HasMarkers(s string) bool {
	for i := 0; i+1 < len(s); i++ {
		if s[i] != '%' {
			continue
		}
		switch s[i+1] {
		case 's', 'd', 'i', 'f', 'j', 'o', 'O', 'c', '%':
			return true
		}
	}
	return false
}

// Format joins console arguments into one line.
//
// When the first argument is a string with markers and more arguments
// follow, markers are substituted left to right: %s string, %d number,
// %i integer, %f float, %j JSON, %o and %O inspection, %c consumed and
// dropped, %% a literal percent. Arguments left over are appended
// separated by single spaces.
func Format(args []Value, json JSONFunc) string {
	if len(args) == 0 {
		return ""
	}
	first := args[0]
	if first.Kind != KindString || len(args) == 1 || !HasMarkers(first.Text) {
		parts := make([]string, len(args))
		for i, a := range args {
			parts[i] = Stringify(a)
		}
		return strings.Join(parts, " ")
	}

	var b strings.Builder
	f := first.Text
	next := 1
	last := 0
	for i := 0; i+1 < len(f); i++ {
		if f[i] != '%' {
			continue
		}
		c := f[i+1]
		if c == '%' {
			b.WriteString(f[last:i])
			b.WriteByte('%')
			last = i + 2
			i++
			continue
		}
		if next >= len(args) {
			continue
		}
		var sub string
		switch c {
		case 's':
			sub = formatS(args[next])
		case 'd':
			sub = formatNumber(args[next], false)
		case 'i':
			sub = formatNumber(args[next], true)
		case 'f':
			sub = formatFloat(args[next])
		case 'j':
			if json != nil {
				sub = json(next)
			} else {
				sub = "undefined"
			}
		case 'o', 'O':
			sub = Inspect(args[next])
		case 'c':
		default:
			continue
		}
		b.WriteString(f[last:i])
		b.WriteString(sub)
		last = i + 2
		next++
		i++
	}
	b.WriteString(f[last:])
	for _, a := range args[next:] {
		b.WriteByte(' ')
		b.WriteString(Stringify(a))
	}
	return b.String()
}

func formatS(v Value) string {
	switch v.Kind {
	case KindBigInt:
		return v.Text + "n"
	case KindNumber:
		return v.Text
	}
	return Stringify(v)
}

// formatNumber follows Number(x) for %d and parseInt(x) for %i.
func formatNumber(v Value, integer bool) string {
	switch v.Kind {
	case KindBigInt:
		return v.Text + "n"
	case KindSymbol:
		return "NaN"
	}
	if integer {
		return parseIntText(Coerce(v))
	}
	n, ok := toNumber(v)
	if !ok {
		return "NaN"
	}
	return numberText(n)
}

func formatFloat(v Value) string {
	if v.Kind == KindSymbol {
		return "NaN"
	}
	s := strings.TrimSpace(Coerce(v))
	end := 0
	for end < len(s) && strings.IndexByte("0123456789+-.eE", s[end]) >= 0 {
		end++
	}
	for end > 0 {
		if n, err := strconv.ParseFloat(s[:end], 64); err == nil {
			return numberText(n)
		}
		end--
	}
	if strings.HasPrefix(s, "Infinity") || strings.HasPrefix(s, "+Infinity") {
		return "Infinity"
	}
	if strings.HasPrefix(s, "-Infinity") {
		return "-Infinity"
	}
	return "NaN"
}

func toNumber(v Value) (float64, bool) {
	switch v.Kind {
	case KindNull:
		return 0, true
	case KindBoolean:
		if v.Text == "true" {
			return 1, true
		}
		return 0, true
	case KindNumber:
		switch v.Text {
		case "NaN":
			return 0, false
		case "Infinity":
			return math.Inf(1), true
		case "-Infinity":
			return math.Inf(-1), true
		}
		n, err := strconv.ParseFloat(v.Text, 64)
		return n, err == nil
	case KindString:
		s := strings.TrimSpace(v.Text)
		if s == "" {
			return 0, true
		}
		if n, err := strconv.ParseFloat(s, 64); err == nil && !strings.ContainsAny(s, "_xXpP") {
			return n, true
		}
		if len(s) > 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
			if n, err := strconv.ParseUint(s[2:], 16, 64); err == nil {
				return float64(n), true
			}
		}
	}
	return 0, false
}

func parseIntText(s string) string {
	s = strings.TrimSpace(s)
	end := 0
	if end < len(s) && (s[end] == '-' || s[end] == '+') {
		end++
	}
	digits := end
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == digits {
		return "NaN"
	}
	n, err := strconv.ParseFloat(s[:end], 64)
	if err != nil {
		return "NaN"
	}
	return numberText(n)
}

// numberText renders n the way Number.prototype.toString does for the
// common cases: integers without exponent up to 1e21, shortest round-trip
// decimals otherwise.
func numberText(n float64) string {
	switch {
	case math.IsNaN(n):
		return "NaN"
	case math.IsInf(n, 1):
		return "Infinity"
	case math.IsInf(n, -1):
		return "-Infinity"
	case n == 0:
		if math.Signbit(n) {
			return "-0"
		}
		return "0"
	}
	abs := math.Abs(n)
	if abs >= 1e21 || abs < 1e-6 {
		s := strconv.FormatFloat(n, 'e', -1, 64)
		s = strings.Replace(s, "e-0", "e-", 1)
		s = strings.Replace(s, "e+0", "e+", 1)
		return s
	}
	return strconv.FormatFloat(n, 'f', -1, 64)
}
