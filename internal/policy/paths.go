package policy

import (
	"path"
	"regexp"
	"strings"
)

// GovernancePatterns are paths no plan bypass may touch.
var GovernancePatterns = []string{
	"docs/00_foundations/",
	"docs/01_governance/",
	"runtime/governance/",
	"GEMINI.md",
	"*Constitution*.md",
	"*Protocol*.md",
}

var drivePrefix = regexp.MustCompile(`^[a-z]:`)

// NormalizePath uses forward slashes and case-folds p.
func NormalizePath(p string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(p), `\`, "/"))
}

// CleanPath is NormalizePath with repeated slashes and "." segments
// removed. ".." segments are resolved lexically; a result that still
// starts with ".." escapes the workspace.
func CleanPath(p string) string {
	n := NormalizePath(p)
	if n == "" {
		return ""
	}
	c := path.Clean(n)
	if c == "." {
		return ""
	}
	return c
}

// IsAbsolute reports a rooted or drive-letter path after normalization.
func IsAbsolute(p string) bool {
	n := NormalizePath(p)
	return strings.HasPrefix(n, "/") || drivePrefix.MatchString(n)
}

// HasTraversal reports whether any segment of p is "..".
func HasTraversal(p string) bool {
	for _, seg := range strings.Split(NormalizePath(p), "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}

// MatchPattern matches p against a protected-path pattern, case-insensitively.
// Both sides are cleaned first. A pattern ending in "/" or "/**" is a
// directory prefix. A pattern without a slash is matched against the base
// name; otherwise against the full path. A path escaping the workspace
// matches every pattern.
func MatchPattern(pattern, p string) bool {
	dir := strings.HasSuffix(NormalizePath(pattern), "/") || strings.HasSuffix(NormalizePath(pattern), "/**")
	pat := strings.TrimSuffix(CleanPath(pattern), "/**")
	n := CleanPath(p)
	if pat == "" || n == "" {
		return false
	}
	if n == ".." || strings.HasPrefix(n, "../") {
		return true
	}
	if dir {
		return n == pat || strings.HasPrefix(n, pat+"/")
	}
	if !strings.Contains(pat, "/") {
		ok, err := path.Match(pat, path.Base(n))
		return err == nil && ok
	}
	ok, err := path.Match(pat, n)
	return err == nil && ok
}

// MatchAny returns the first pattern matching p.
func MatchAny(patterns []string, p string) (string, bool) {
	for _, pat := range patterns {
		if MatchPattern(pat, p) {
			return pat, true
		}
	}
	return "", false
}

// IsGovernancePath reports whether p is governance-controlled.
func IsGovernancePath(p string) bool {
	_, ok := MatchAny(GovernancePatterns, p)
	return ok
}

// HasAnyPrefix reports whether p, with separators normalized and the path
// cleaned, starts with one of prefixes. Escalation prefixes are case-sensitive.
func HasAnyPrefix(p string, prefixes []string) bool {
	n := strings.ReplaceAll(strings.TrimSpace(p), `\`, "/")
	if n != "" {
		n = path.Clean(n)
	}
	for _, prefix := range prefixes {
		if strings.HasPrefix(n, prefix) {
			return true
		}
	}
	return false
}
