package module

import (
	"context"
	"fmt"
)

// Node is a module with its children, as declared in configuration.
type Node struct {
	Module   `yaml:",inline"`
	Children []Node `yaml:"children,omitempty" json:"children,omitempty"`
}

// StaticTree is a Tree built once from declared nodes.
type StaticTree struct {
	roots    []Module
	children map[string][]Module
	parents  map[string][]Module
	byID     map[string]Module
}

// NewStaticTree indexes nodes. A module id declared twice must describe the
// same module; children of both declarations are merged.
func NewStaticTree(nodes []Node) (*StaticTree, error) {
	t := &StaticTree{
		children: make(map[string][]Module),
		parents:  make(map[string][]Module),
		byID:     make(map[string]Module),
	}
	for _, n := range nodes {
		if err := t.add(nil, n); err != nil {
			return nil, err
		}
		t.roots = append(t.roots, n.Module)
	}
	return t, nil
}

func (t *StaticTree) add(parent *Module, n Node) error {
	if n.ID == "" {
		return fmt.Errorf("module without id")
	}
	if prev, ok := t.byID[n.ID]; ok && prev != n.Module {
		return fmt.Errorf("module %s declared twice with different attributes", n.ID)
	}
	t.byID[n.ID] = n.Module
	if parent != nil {
		t.children[parent.ID] = appendUnique(t.children[parent.ID], n.Module)
		t.parents[n.ID] = appendUnique(t.parents[n.ID], *parent)
	}
	for _, c := range n.Children {
		if err := t.add(&n.Module, c); err != nil {
			return err
		}
	}
	return nil
}

func appendUnique(list []Module, m Module) []Module {
	for _, e := range list {
		if e.Same(m) {
			return list
		}
	}
	return append(list, m)
}

func (t *StaticTree) Modules(ctx context.Context) ([]Module, error) {
	if t == nil {
		return nil, nil
	}
	return append([]Module(nil), t.roots...), nil
}

func (t *StaticTree) ChildModules(ctx context.Context, m Module) ([]Module, error) {
	if t == nil {
		return nil, nil
	}
	return append([]Module(nil), t.children[m.ID]...), nil
}

// ParentModules returns the direct parents of m.
func (t *StaticTree) ParentModules(m Module) []Module {
	if t == nil {
		return nil
	}
	return append([]Module(nil), t.parents[m.ID]...)
}

// Lookup finds a declared module by id.
func (t *StaticTree) Lookup(id string) (Module, bool) {
	if t == nil {
		return Module{}, false
	}
	m, ok := t.byID[id]
	return m, ok
}

// All returns every declared module once, in declaration order of first
// appearance.
func (t *StaticTree) All() []Module {
	if t == nil {
		return nil
	}
	var out []Module
	seen := make(map[string]bool)
	var visit func(ms []Module)
	visit = func(ms []Module) {
		for _, m := range ms {
			if seen[m.ID] {
				continue
			}
			seen[m.ID] = true
			out = append(out, m)
			visit(t.children[m.ID])
		}
	}
	visit(t.roots)
	return out
}
