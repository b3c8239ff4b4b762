// Package directory defines the contract between the sync engine and an
// identity directory. The engine only ever sees Entry values and paged
// result sequences; wire encoding stays behind the Client implementation.
package directory

import (
	"context"
	"iter"
	"strings"
)

// Scope is the depth of a directory search.
type Scope int

const (
	ScopeBaseObject Scope = iota
	ScopeSingleLevel
	ScopeWholeSubtree
)

// String returns string representation of the search scope.
func (s Scope) String() string {
	switch s {
	case ScopeBaseObject:
		return "base"
	case ScopeSingleLevel:
		return "one"
	case ScopeWholeSubtree:
		return "sub"
	default:
		return "unknown"
	}
}

// DefaultPageSize is used when a SearchRequest does not specify one.
const DefaultPageSize = 500

// SearchRequest describes a paged search.
type SearchRequest struct {
	BaseDN     string
	Filter     string
	Scope      Scope
	PageSize   int
	Attributes []string
}

// Entry is a single directory record.
type Entry struct {
	// IdentityKey is the stable identifier used for reconciliation. It is the
	// configured identity attribute when present, otherwise the DN.
	IdentityKey string
	DN          string
	// Attributes holds every returned attribute keyed by the name the server
	// used. Binary identifiers are rendered as strings.
	Attributes map[string][]string
}

// Values returns the values of an attribute using a case-insensitive name match.
func (e Entry) Values(name string) []string {
	if v, ok := e.Attributes[name]; ok {
		return v
	}
	for k, v := range e.Attributes {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return nil
}

// Value returns the first value of an attribute, or "".
func (e Entry) Value(name string) string {
	if v := e.Values(name); len(v) > 0 {
		return v[0]
	}
	return ""
}

// Client is implemented by directory backends.
//
// Search yields one page of entries at a time. The sequence stops after the
// first non-nil error; callers stop consuming it to abandon the search. A
// cancelled context is observed between pages and surfaces as ctx.Err().
type Client interface {
	Search(ctx context.Context, req SearchRequest) iter.Seq2[[]Entry, error]
	TestConnection(ctx context.Context) error
	Close() error
}

// ServerInfoProvider is implemented by clients that can describe the server
// they are connected to (root DSE attributes).
type ServerInfoProvider interface {
	ServerInfo(ctx context.Context) (map[string]string, error)
}
