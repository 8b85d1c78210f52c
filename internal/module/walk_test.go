package module

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapTree struct {
	roots    []Module
	children map[string][]Module
	fail     map[string]bool
}

func (t *mapTree) Modules(ctx context.Context) ([]Module, error) {
	return t.roots, nil
}

func (t *mapTree) ChildModules(ctx context.Context, m Module) ([]Module, error) {
	if t.fail[m.ID] {
		return nil, errors.New("cannot read children")
	}
	return t.children[m.ID], nil
}

var (
	ear = Module{ID: "ear", Type: "jee.ear"}
	web = Module{ID: "web", Type: "jee.web"}
	ejb = Module{ID: "ejb", Type: "jee.ejb"}
	lib = Module{ID: "lib", Type: "jee.utility"}
)

func TestCollect_DepthFirstParentsFirst(t *testing.T) {
	tree := &mapTree{
		roots: []Module{ear, lib},
		children: map[string][]Module{
			"ear": {web, ejb},
			"web": {lib},
		},
	}

	occ, err := Collect(context.Background(), tree)
	require.NoError(t, err)

	keys := make([]string, 0, len(occ))
	for _, o := range occ {
		keys = append(keys, o.Key())
	}
	assert.Equal(t, []string{"ear", "ear/web", "ear/web/lib", "ear/ejb", "lib"}, keys)

	assert.Nil(t, occ[0].Parents)
	assert.True(t, occ[0].TopLevel())
	assert.Equal(t, []Module{ear, web}, occ[2].Parents)
}

func TestWalk_SkipsCycles(t *testing.T) {
	tree := &mapTree{
		roots: []Module{ear},
		children: map[string][]Module{
			"ear": {web},
			"web": {ear, ejb},
		},
	}

	occ, err := Collect(context.Background(), tree)
	require.NoError(t, err)
	require.Len(t, occ, 3)
	assert.Equal(t, "ear/web/ejb", occ[2].Key())
}

func TestWalk_StopsWhenVisitReturnsFalse(t *testing.T) {
	tree := &mapTree{
		roots:    []Module{ear, lib},
		children: map[string][]Module{"ear": {web, ejb}},
	}

	var seen []string
	err := Walk(context.Background(), tree, func(parents []Module, m Module) bool {
		seen = append(seen, m.ID)
		return m.ID != "web"
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"ear", "web"}, seen)
}

func TestWalk_ChildErrorTreatedAsLeaf(t *testing.T) {
	tree := &mapTree{
		roots:    []Module{ear, lib},
		children: map[string][]Module{"ear": {web}},
		fail:     map[string]bool{"ear": true},
	}

	occ, err := Collect(context.Background(), tree)
	require.NoError(t, err)
	require.Len(t, occ, 2)
	assert.Equal(t, "lib", occ[1].Key())
}

func TestWalk_CancelledContext(t *testing.T) {
	tree := &mapTree{roots: []Module{ear}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Collect(ctx, tree)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPathKey(t *testing.T) {
	assert.Equal(t, "web", PathKey(nil, web))
	assert.Equal(t, "web", PathKey(RootPath, web))
	assert.Equal(t, "ear/web", PathKey([]Module{ear}, web))
}
