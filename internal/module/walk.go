package module

import (
	"context"

	"servctl/pkg/logging"
)

// VisitFunc is called for every module occurrence. parents is nil for
// top-level modules. Returning false stops the walk.
type VisitFunc func(parents []Module, m Module) bool

// Walk enumerates the module tree depth-first, parents before children.
// A child that already appears in its own parent chain is skipped, so a
// cyclic tree still terminates. Errors returned by the tree are logged and
// the affected branch is treated as empty. Walk only fails when ctx is done.
func Walk(ctx context.Context, tree Tree, visit VisitFunc) error {
	modules, err := tree.Modules(ctx)
	if err != nil {
		logging.Error("Modules", err, "Failed to list modules")
		return ctx.Err()
	}

	for _, m := range modules {
		cont, err := walk(ctx, tree, nil, m, visit)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

func walk(ctx context.Context, tree Tree, parents []Module, m Module, visit VisitFunc) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	if !visit(parents, m) {
		return false, nil
	}

	children, err := tree.ChildModules(ctx, m)
	if err != nil {
		logging.Error("Modules", err, "Failed to list children of module %s", m)
		return true, nil
	}
	if len(children) == 0 {
		return true, nil
	}

	chain := make([]Module, len(parents), len(parents)+1)
	copy(chain, parents)
	chain = append(chain, m)

	for _, child := range children {
		if contains(chain, child) {
			logging.Warn("Modules", "Skipping cyclic module %s under %s", child, PathKey(parents, m))
			continue
		}
		cont, err := walk(ctx, tree, chain, child, visit)
		if err != nil || !cont {
			return cont, err
		}
	}
	return true, nil
}

// Collect walks the tree and returns every occurrence in traversal order.
func Collect(ctx context.Context, tree Tree) ([]Occurrence, error) {
	var out []Occurrence
	err := Walk(ctx, tree, func(parents []Module, m Module) bool {
		out = append(out, Occurrence{Parents: parents, Module: m})
		return true
	})
	return out, err
}

func contains(chain []Module, m Module) bool {
	for _, c := range chain {
		if c.Same(m) {
			return true
		}
	}
	return false
}
