package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ModuleNotFoundError is returned when no resolution root yields a module.
type ModuleNotFoundError struct {
	Specifier string
	Tried     []string
}

func (e *ModuleNotFoundError) Error() string {
	return fmt.Sprintf("Cannot find module '%s'", e.Specifier)
}

// Resolver maps require specifiers to files. Roots are tried in order;
// the first candidate that exists wins.
type Resolver struct {
	Roots []string
}

// NewResolver builds a resolver over workDir, installDir and any extra
// roots, skipping empty and duplicate entries.
func NewResolver(workDir, installDir string, extra ...string) *Resolver {
	seen := make(map[string]bool)
	var roots []string
	for _, r := range append([]string{workDir, installDir}, extra...) {
		if strings.TrimSpace(r) == "" {
			continue
		}
		abs, err := filepath.Abs(r)
		if err != nil || seen[abs] {
			continue
		}
		seen[abs] = true
		roots = append(roots, abs)
	}
	return &Resolver{Roots: roots}
}

// Resolve finds the file for spec as required from fromDir. An empty
// fromDir means the snippet itself is requiring.
//
// Relative specifiers resolve against fromDir when set, otherwise against
// each root. Bare specifiers look in node_modules under fromDir and then
// under each root.
func (r *Resolver) Resolve(spec, fromDir string) (string, error) {
	nf := &ModuleNotFoundError{Specifier: spec}
	if spec == "" {
		return "", nf
	}
	var bases []string
	switch {
	case filepath.IsAbs(spec):
		bases = []string{filepath.Clean(spec)}
	case isRelative(spec):
		if fromDir != "" {
			bases = []string{filepath.Join(fromDir, spec)}
		} else {
			for _, root := range r.Roots {
				bases = append(bases, filepath.Join(root, spec))
			}
		}
	default:
		dirs := r.Roots
		if fromDir != "" {
			dirs = append([]string{fromDir}, r.Roots...)
		}
		for _, d := range dirs {
			bases = append(bases, filepath.Join(d, "node_modules", filepath.FromSlash(spec)))
		}
	}
	for _, base := range bases {
		if path, ok := r.tryBase(base, nf, 0); ok {
			return path, nil
		}
	}
	return "", nf
}

func isRelative(spec string) bool {
	return spec == "." || spec == ".." || strings.HasPrefix(spec, "./") || strings.HasPrefix(spec, "../")
}

func (r *Resolver) tryBase(base string, nf *ModuleNotFoundError, depth int) (string, bool) {
	for _, cand := range []string{base, base + ".js", base + ".json"} {
		nf.Tried = append(nf.Tried, cand)
		if isFile(cand) {
			return cand, true
		}
	}
	if depth < 2 {
		if main := packageMain(filepath.Join(base, "package.json")); main != "" {
			if path, ok := r.tryBase(filepath.Join(base, main), nf, depth+1); ok {
				return path, true
			}
		}
	}
	for _, cand := range []string{filepath.Join(base, "index.js"), filepath.Join(base, "index.json")} {
		nf.Tried = append(nf.Tried, cand)
		if isFile(cand) {
			return cand, true
		}
	}
	return "", false
}

func isFile(p string) bool {
	st, err := os.Stat(p)
	return err == nil && st.Mode().IsRegular()
}

func packageMain(p string) string {
	data, err := os.ReadFile(p)
	if err != nil {
		return ""
	}
	var pkg struct {
		Main string `json:"main"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		return ""
	}
	return filepath.FromSlash(strings.TrimSpace(pkg.Main))
}
