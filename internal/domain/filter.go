package domain

import (
	"path"
	"strings"
	"sync"

	"kcov.dev/pkg/kcov/internal/adapter"
	m "kcov.dev/pkg/kcov/internal/model"
)

// FilterConfig selects which source files are reported.
type FilterConfig struct {
	IncludePatterns []string
	ExcludePatterns []string
	IncludePaths    []string
	ExcludePaths    []string
}

// Filter decides whether a source file participates in coverage.
type Filter interface {
	Accept(file string) bool
}

type filter struct {
	fsAdapter adapter.SourceFSAdapter

	includePatterns []string
	excludePatterns []string
	includePaths    []string
	excludePaths    []string

	decisions sync.Map
}

// NewFilter builds a Filter from cfg. Configured paths are resolved once so
// that they compare against resolved file paths.
func NewFilter(cfg FilterConfig, fsAdapter adapter.SourceFSAdapter) Filter {
	f := &filter{
		fsAdapter:       fsAdapter,
		includePatterns: nonEmpty(cfg.IncludePatterns),
		excludePatterns: nonEmpty(cfg.ExcludePatterns),
	}

	for _, p := range nonEmpty(cfg.IncludePaths) {
		f.includePaths = append(f.includePaths, string(fsAdapter.RealPath(m.Path(p))))
	}

	for _, p := range nonEmpty(cfg.ExcludePaths) {
		f.excludePaths = append(f.excludePaths, string(fsAdapter.RealPath(m.Path(p))))
	}

	return f
}

// Accept implements Filter. Decisions are memoized per path.
func (f *filter) Accept(file string) bool {
	if cached, ok := f.decisions.Load(file); ok {
		return cached.(bool)
	}

	decision := f.decide(file)
	f.decisions.Store(file, decision)

	return decision
}

func (f *filter) decide(file string) bool {
	var real string

	if len(f.includePaths) > 0 || len(f.excludePaths) > 0 {
		real = string(f.fsAdapter.RealPath(m.Path(file)))
	}

	if len(f.includePatterns) > 0 || len(f.includePaths) > 0 {
		if !matchesAnyPattern(file, f.includePatterns) && !hasAnyPrefix(real, f.includePaths) {
			return false
		}
	}

	if matchesAnyPattern(file, f.excludePatterns) || hasAnyPrefix(real, f.excludePaths) {
		return false
	}

	return true
}

func matchesAnyPattern(file string, patterns []string) bool {
	for _, pattern := range patterns {
		if matchPattern(file, pattern) {
			return true
		}
	}

	return false
}

// matchPattern matches plain patterns as substrings. Patterns containing
// glob metacharacters are matched against the whole path and against every
// suffix that starts after a slash.
func matchPattern(file, pattern string) bool {
	if !strings.ContainsAny(pattern, "*?[") {
		return strings.Contains(file, pattern)
	}

	candidate := file

	for {
		if ok, err := path.Match(pattern, candidate); err == nil && ok {
			return true
		}

		idx := strings.IndexByte(candidate, '/')
		if idx < 0 {
			return false
		}

		candidate = candidate[idx+1:]
	}
}

func hasAnyPrefix(file string, prefixes []string) bool {
	if file == "" {
		return false
	}

	for _, prefix := range prefixes {
		if strings.HasPrefix(file, prefix) {
			return true
		}
	}

	return false
}

func nonEmpty(values []string) []string {
	var out []string

	for _, value := range values {
		if value = strings.TrimSpace(value); value != "" {
			out = append(out, value)
		}
	}

	return out
}
