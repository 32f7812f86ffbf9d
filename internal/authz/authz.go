// Package authz decides whether a role may invoke a tool. The permission
// matrix is immutable after construction; deny is the default for every
// lookup that has no explicit grant.
package authz

import (
	"strings"
)

// Gate answers role → tool permission checks against a fixed matrix.
// A role's pattern set may contain "*" (all tools), exact tool names, or
// "prefix*" wildcards.
type Gate struct {
	roles map[string]roleSet
}

type roleSet struct {
	all      bool
	exact    map[string]struct{}
	prefixes []string
}

// NewGate builds a Gate from a role → patterns table. The table is
// copied; later mutation of the input does not affect the Gate.
func NewGate(matrix map[string][]string) *Gate {
	roles := make(map[string]roleSet, len(matrix))
	for role, patterns := range matrix {
		set := roleSet{exact: make(map[string]struct{})}
		for _, p := range patterns {
			switch {
			case p == "*":
				set.all = true
			case strings.HasSuffix(p, "*"):
				set.prefixes = append(set.prefixes, strings.TrimSuffix(p, "*"))
			case p != "":
				set.exact[p] = struct{}{}
			}
		}
		roles[role] = set
	}
	return &Gate{roles: roles}
}

// Check reports whether role may call toolName. Unknown roles are always
// denied. Match order: wildcard-all, exact name, prefix wildcard.
func (g *Gate) Check(role, toolName string) bool {
	set, ok := g.roles[role]
	if !ok || toolName == "" {
		return false
	}
	if set.all {
		return true
	}
	if _, ok := set.exact[toolName]; ok {
		return true
	}
	for _, prefix := range set.prefixes {
		if strings.HasPrefix(toolName, prefix) {
			return true
		}
	}
	return false
}

// Roles returns the known role names, for startup logging.
func (g *Gate) Roles() []string {
	out := make([]string, 0, len(g.roles))
	for role := range g.roles {
		out = append(out, role)
	}
	return out
}
