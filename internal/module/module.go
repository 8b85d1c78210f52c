package module

import (
	"context"
	"strings"
)

// Module is a deployable unit associated with a server. The core only ever
// refers to modules by identity; everything else is descriptive.
type Module struct {
	ID      string `json:"id" yaml:"id"`
	Name    string `json:"name" yaml:"name"`
	Type    string `json:"type" yaml:"type"`
	Version string `json:"version,omitempty" yaml:"version,omitempty"`
	// Source is the location of the module content (a directory for the
	// process delegate, a directory or file set for the kubernetes delegate).
	Source string `json:"source,omitempty" yaml:"source,omitempty"`
}

// String returns the display name of the module, falling back to its id.
func (m Module) String() string {
	if m.Name != "" {
		return m.Name
	}
	return m.ID
}

// Same reports whether two modules have the same identity.
func (m Module) Same(other Module) bool {
	return m.ID == other.ID
}

// RootPath is the parent chain used for top-level occurrences when the chain
// is handed to a delegate. It is empty but never nil.
var RootPath = []Module{}

// Occurrence is one appearance of a module in the tree. The same module may
// occur several times under different parent chains.
type Occurrence struct {
	Parents []Module `json:"parents"`
	Module  Module   `json:"module"`
}

// Key returns a stable identifier for the occurrence, built from the ids of
// the parent chain and the module.
func (o Occurrence) Key() string {
	return PathKey(o.Parents, o.Module)
}

// TopLevel reports whether the occurrence has no parents.
func (o Occurrence) TopLevel() bool {
	return len(o.Parents) == 0
}

// PathKey joins the ids of parents and module with '/'.
func PathKey(parents []Module, m Module) string {
	ids := make([]string, 0, len(parents)+1)
	for _, p := range parents {
		ids = append(ids, p.ID)
	}
	ids = append(ids, m.ID)
	return strings.Join(ids, "/")
}

// Tree supplies the module hierarchy of a server.
type Tree interface {
	Modules(ctx context.Context) ([]Module, error)
	ChildModules(ctx context.Context, m Module) ([]Module, error)
}
