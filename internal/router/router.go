package router

import (
	"net/url"
	"sort"
	"strings"

	"github.com/wudi/apron/internal/auth"
	"github.com/wudi/apron/internal/config"
	"github.com/wudi/apron/internal/errors"
)

// Rule is one allowed route, immutable after Build.
type Rule struct {
	PathPrefix    string
	Methods       map[string]bool
	Upstream      string
	UpstreamURL   *url.URL
	RequiresAuth  bool
	RequiredRoles []string
	Public        bool
}

// Table holds the routing rules sorted by descending prefix length so the
// first match is the most specific one. Lookups are lock-free; the table is
// never mutated after Build.
type Table struct {
	rules []*Rule
}

// systemPaths are intercepted before the table and never require auth.
var systemPaths = map[string]bool{
	"/health":       true,
	"/health/live":  true,
	"/health/ready": true,
	"/metrics":      true,
	"/swagger":      true,
	"/info":         true,
}

// IsSystemPath reports whether path is served by the system mux instead of
// the proxy pipeline.
func IsSystemPath(path string) bool {
	return systemPaths[path]
}

// Build constructs a Table from the validated config. Config validation has
// already checked prefixes, methods and service references.
func Build(gate *config.GateConfig) (*Table, error) {
	rules := make([]*Rule, 0, len(gate.AllowedRoutes))
	for _, rc := range gate.AllowedRoutes {
		base, err := url.Parse(gate.Services[rc.Service])
		if err != nil {
			return nil, err
		}
		methods := make(map[string]bool, len(rc.Methods))
		for _, m := range rc.Methods {
			methods[m] = true
		}
		prefix := rc.PathPrefix
		if prefix != "/" {
			prefix = strings.TrimSuffix(prefix, "/")
		}
		rules = append(rules, &Rule{
			PathPrefix:    prefix,
			Methods:       methods,
			Upstream:      rc.Service,
			UpstreamURL:   base,
			RequiresAuth:  rc.RequiresAuth,
			RequiredRoles: rc.RequiredRoles,
			Public:        rc.Public,
		})
	}

	// Longest prefix first; stable so equal-length prefixes keep config order.
	sort.SliceStable(rules, func(i, j int) bool {
		return len(rules[i].PathPrefix) > len(rules[j].PathPrefix)
	})

	return &Table{rules: rules}, nil
}

// Match returns the most specific rule whose methods contain method and whose
// prefix covers path, or nil when no rule matches.
func (t *Table) Match(method, path string) *Rule {
	for _, r := range t.rules {
		if !r.Methods[method] {
			continue
		}
		if matchPrefix(r.PathPrefix, path) {
			return r
		}
	}
	return nil
}

// matchPrefix is a segment-aware prefix test: /api/users covers /api/users
// and /api/users/7 but not /api/users2.
func matchPrefix(prefix, path string) bool {
	if prefix == "" || prefix == "/" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}

// Authorize applies the access decision table for a matched rule and
// principal. The decision is a pure function of its inputs.
//
//	no match                                      -> Forbidden
//	requiresAuth=false                            -> allow
//	requiresAuth=true, no principal               -> Unauthorized
//	requiresAuth=true, roles set, no role overlap -> Forbidden
//	otherwise                                     -> allow
func Authorize(rule *Rule, principal *auth.Principal) *errors.ApronError {
	if rule == nil {
		return errors.ErrForbidden.WithDetails("route is not in the allowed list")
	}
	if !rule.RequiresAuth {
		return nil
	}
	if principal == nil {
		return errors.ErrUnauthorized.WithDetails("a valid bearer token is required")
	}
	if !principal.HasAnyRole(rule.RequiredRoles) {
		return errors.ErrForbidden.WithDetails("caller lacks a required role")
	}
	return nil
}

// Rules returns the rules in match order, for /info reporting.
func (t *Table) Rules() []*Rule {
	return t.rules
}

// Upstreams returns the distinct logical upstream names referenced by the
// table, in no particular order.
func (t *Table) Upstreams() []string {
	seen := make(map[string]bool)
	var names []string
	for _, r := range t.rules {
		if !seen[r.Upstream] {
			seen[r.Upstream] = true
			names = append(names, r.Upstream)
		}
	}
	return names
}
