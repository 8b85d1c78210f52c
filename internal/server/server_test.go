package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"servctl/internal/module"
)

func TestNew_Defaults(t *testing.T) {
	s := New(Options{ID: "a"})
	assert.Equal(t, "a", s.Name())
	assert.Equal(t, "localhost", s.Hostname())
	assert.Equal(t, StateUnknown, s.ServerState())
	assert.Equal(t, "", s.TypeID())
	assert.Equal(t, "", s.ConfigurationID())
	assert.False(t, s.IsDirty())

	typed := New(Options{ID: "b", Type: testType(), Attributes: map[string]string{AttrHostname: "box"}})
	assert.Equal(t, StateStopped, typed.ServerState())
	assert.Equal(t, "box", typed.Hostname())
	assert.Equal(t, "test.server", typed.TypeID())
}

func TestSetAttribute(t *testing.T) {
	s := New(Options{ID: "a"})
	rec := &eventRecorder{}
	s.AddListener(EventAttributeChange, rec)

	s.SetAttribute("port", "8080")
	s.SetAttribute("port", "8080")

	require.Len(t, rec.all(), 1)
	assert.Equal(t, "port", rec.all()[0].Attribute)
	assert.Same(t, s, rec.all()[0].Server)
	assert.True(t, s.IsDirty())
	assert.Equal(t, []string{AttrHostname, "port"}, s.AttributeKeys())

	attrs := s.Attributes()
	attrs["port"] = "9090"
	assert.Equal(t, "8080", s.Attribute("port", ""))
	assert.Equal(t, "def", s.Attribute("missing", "def"))

	s.MarkSaved()
	assert.False(t, s.IsDirty())
}

func TestStateEventsCarryServer(t *testing.T) {
	ts := newTestServer(t, testType(), nil)
	rec := &eventRecorder{}
	ts.AddListener(EventServerStateChange|EventModuleStateChange, rec)

	ts.SetServerState(StateStarting)
	ts.SetModuleState(mod("web"), StateStarted)

	events := rec.all()
	require.Len(t, events, 2)
	for _, ev := range events {
		assert.Same(t, ts.Server, ev.Server)
	}
	assert.Equal(t, "web", events[1].Module.ID)
}

func TestHandleModuleChange(t *testing.T) {
	ts := newTestServer(t, testType(), publishTree())
	rec := &eventRecorder{}
	ts.AddListener(EventModulePublishStateChange, rec)

	web := mod("web")
	occ := module.Occurrence{Parents: []module.Module{mod("ear")}, Module: web}

	// unknown stays unknown, only in-sync modules become incremental
	ts.HandleModuleChange(occ)
	assert.Equal(t, PublishStateUnknown, ts.ModulePublishState(web))

	ts.SetModulePublishState(web, PublishStateNone)
	ts.HandleModuleChange(occ)
	assert.Equal(t, PublishStateIncremental, ts.ModulePublishState(web))

	ts.SetModulePublishState(web, PublishStateFull)
	ts.HandleModuleChange(occ)
	assert.Equal(t, PublishStateFull, ts.ModulePublishState(web))

	events := rec.all()
	require.Len(t, events, 3)
	assert.Equal(t, PublishStateIncremental, events[1].PublishState)
	assert.Equal(t, []module.Module{mod("ear")}, events[1].Parents)
}

func TestDelegate_CreatedOnce(t *testing.T) {
	var created atomic.Int32
	reg := NewTypeRegistry()
	reg.RegisterDelegate("mock", func() (Delegate, error) {
		created.Add(1)
		return &mockDelegate{}, nil
	})
	s := New(Options{ID: "a", Type: testType(), Delegates: reg})
	assert.False(t, s.DelegateLoaded())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Delegate()
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), created.Load())
	assert.True(t, s.DelegateLoaded())

	d, _ := s.Delegate()
	s.Dispose()
	assert.True(t, d.(*mockDelegate).disposed)
	assert.False(t, s.DelegateLoaded())
}

func TestDelegate_Errors(t *testing.T) {
	_, err := New(Options{ID: "a"}).Delegate()
	assert.ErrorIs(t, err, ErrNoServerType)

	_, err = New(Options{ID: "a", Type: testType()}).Delegate()
	assert.ErrorIs(t, err, ErrNoDelegate)

	attempts := 0
	reg := NewTypeRegistry()
	reg.RegisterDelegate("mock", func() (Delegate, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("not yet")
		}
		return &mockDelegate{}, nil
	})
	s := New(Options{ID: "a", Type: testType(), Delegates: reg})
	_, err = s.Delegate()
	assert.Error(t, err)
	_, err = s.Delegate()
	assert.NoError(t, err)
}

func TestModuleQueries(t *testing.T) {
	ts := newTestServer(t, testType(), publishTree())
	ts.delegate.ports = []Port{{Name: "http", Port: 8080}}
	ctx := context.Background()

	roots, err := ts.Modules(ctx)
	require.NoError(t, err)
	assert.Equal(t, []module.Module{mod("ear"), mod("lib")}, roots)

	children, err := ts.ChildModules(ctx, mod("ear"))
	require.NoError(t, err)
	assert.Equal(t, []module.Module{mod("web")}, children)

	parents, err := ts.ParentModules(ctx, mod("web"))
	require.NoError(t, err)
	assert.Equal(t, []module.Module{mod("ear")}, parents)

	assert.Equal(t, 8080, ts.Ports()[0].Port)
	assert.Nil(t, New(Options{ID: "x"}).Ports())
}

func TestCanModifyModules(t *testing.T) {
	typ := testType()
	typ.ModuleTypes = []module.Constraint{{Type: "jee.*", Versions: ">= 1.4"}}
	ts := newTestServer(t, typ, nil)

	ok := module.Module{ID: "w", Type: "jee.web", Version: "2.5"}
	old := module.Module{ID: "o", Type: "jee.web", Version: "1.3"}
	foreign := module.Module{ID: "f", Type: "dotnet.app", Version: "2.0"}

	assert.NoError(t, ts.CanModifyModules([]module.Module{ok}, nil))
	assert.ErrorIs(t, ts.CanModifyModules([]module.Module{ok, old}, nil), module.ErrUnsupportedModule)
	assert.ErrorIs(t, ts.CanModifyModules([]module.Module{foreign}, nil), module.ErrUnsupportedModule)
	assert.NoError(t, ts.CanModifyModules(nil, []module.Module{foreign}))

	assert.ErrorIs(t, New(Options{ID: "x"}).CanModifyModules(nil, nil), ErrNoServerType)
}
