package tools

import (
	"os"
	"regexp"
	"strings"
)

const redacted = "***REDACTED***"

// secretEnvKeys name variables whose values are always masked in audit lines.
var secretEnvKeys = []string{"GITHUB_TOKEN", "NPM_TOKEN", "OPENAI_API_KEY", "SNIPPETD_TOKEN"}

// Redactor masks sensitive substrings. Patterns come from SNIPPETD_REDACT,
// a comma or semicolon separated list of regular expressions; entries that
// do not compile are matched literally.
type Redactor struct {
	regexps  []*regexp.Regexp
	literals []string
}

// NewRedactor builds a redactor from getenv; nil means os.Getenv.
func NewRedactor(getenv func(string) string) *Redactor {
	if getenv == nil {
		getenv = os.Getenv
	}
	r := &Redactor{}
	fields := strings.FieldsFunc(getenv("SNIPPETD_REDACT"), func(c rune) bool { return c == ',' || c == ';' })
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if rx, err := regexp.Compile(f); err == nil {
			r.regexps = append(r.regexps, rx)
		} else {
			r.literals = append(r.literals, f)
		}
	}
	for _, key := range secretEnvKeys {
		if v := getenv(key); v != "" {
			r.literals = append(r.literals, v)
		}
	}
	return r
}

// String masks s.
func (r *Redactor) String(s string) string {
	if r == nil || s == "" {
		return s
	}
	for _, rx := range r.regexps {
		s = rx.ReplaceAllString(s, redacted)
	}
	for _, lit := range r.literals {
		s = strings.ReplaceAll(s, lit, redacted)
	}
	return s
}

// Strings masks each element into a new slice.
func (r *Redactor) Strings(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = r.String(v)
	}
	return out
}
