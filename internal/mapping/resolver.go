package mapping

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// GroupMapping maps an application group name to the directory group DNs
// that grant it.
type GroupMapping map[string][]string

// RoleMapping maps an application role name to the directory group DNs that
// grant it.
type RoleMapping map[string][]string

// Validate checks names and DN syntax.
func (m GroupMapping) Validate() error {
	return validateDNTable("group", m)
}

// Validate checks names and DN syntax.
func (m RoleMapping) Validate() error {
	return validateDNTable("role", m)
}

func validateDNTable(kind string, table map[string][]string) error {
	var errs []error
	for _, name := range slices.Sorted(maps.Keys(table)) {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, fmt.Errorf("%s name cannot be empty", kind))
			continue
		}
		for _, dn := range table[name] {
			if err := ValidateDN(strings.TrimSpace(dn)); err != nil {
				errs = append(errs, fmt.Errorf("%s %q: %w", kind, name, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Resolver matches memberOf values against group and role tables.
//
// Matching is exact string equality after trimming whitespace and folding
// case. DNs that differ only in component spacing or escaping do not match.
type Resolver struct {
	groups map[string][]string
	roles  map[string][]string
}

// NewResolver indexes the mapping tables by normalised DN.
func NewResolver(groups GroupMapping, roles RoleMapping) *Resolver {
	return &Resolver{
		groups: invert(groups),
		roles:  invert(roles),
	}
}

func invert(table map[string][]string) map[string][]string {
	out := make(map[string][]string)
	for name, dns := range table {
		for _, dn := range dns {
			key := normalizeDN(dn)
			if key == "" || slices.Contains(out[key], name) {
				continue
			}
			out[key] = append(out[key], name)
		}
	}
	return out
}

func normalizeDN(dn string) string {
	return strings.ToLower(strings.TrimSpace(dn))
}

// Resolve returns the sorted, de-duplicated application groups and roles
// granted by memberOf.
func (r *Resolver) Resolve(memberOf []string) (groups, roles []string) {
	for _, dn := range memberOf {
		key := normalizeDN(dn)
		groups = append(groups, r.groups[key]...)
		roles = append(roles, r.roles[key]...)
	}
	return sortedSet(groups), sortedSet(roles)
}

func sortedSet(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	slices.Sort(in)
	return slices.Compact(in)
}
