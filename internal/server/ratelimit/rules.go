package ratelimit

import (
	"net/http"
	"strings"
	"time"
)

// Rule limits one method on a path. A Path ending in "/" matches by prefix and a
// "*" segment matches any single segment.
type Rule struct {
	Method string
	Path   string
	Limit  int
	Window time.Duration
	Burst  int
}

func (r Rule) key() string {
	return r.Method + " " + r.Path
}

func (r Rule) burst() int {
	if r.Burst > 0 {
		return r.Burst
	}
	return r.Limit
}

// DefaultRules budgets perHour run starts and resumes per client. perHour <= 0
// disables limiting.
func DefaultRules(perHour int) []Rule {
	if perHour <= 0 {
		return nil
	}
	burst := max(1, perHour/5)
	return []Rule{
		{Method: http.MethodPost, Path: "/sessions", Limit: perHour, Window: time.Hour, Burst: burst},
		{Method: http.MethodPost, Path: "/sessions/*/resume", Limit: perHour, Window: time.Hour, Burst: burst},
		{Method: http.MethodPost, Path: "/admin/", Limit: 60, Window: time.Hour, Burst: 5},
	}
}

// Match returns the first rule for method and path. Exact and wildcard rules are
// tried before prefix rules.
func Match(rules []Rule, method, path string) (Rule, bool) {
	for _, r := range rules {
		if r.Method == method && !strings.HasSuffix(r.Path, "/") && segmentsMatch(r.Path, path) {
			return r, true
		}
	}
	for _, r := range rules {
		if r.Method == method && strings.HasSuffix(r.Path, "/") && strings.HasPrefix(path, r.Path) {
			return r, true
		}
	}
	return Rule{}, false
}

func segmentsMatch(pattern, path string) bool {
	ps := strings.Split(strings.Trim(pattern, "/"), "/")
	xs := strings.Split(strings.Trim(path, "/"), "/")
	if len(ps) != len(xs) {
		return false
	}
	for i := range ps {
		if ps[i] != "*" && ps[i] != xs[i] {
			return false
		}
	}
	return true
}
