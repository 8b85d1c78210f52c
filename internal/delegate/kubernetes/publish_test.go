package kubernetes

import (
	"context"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"servctl/internal/module"
	"servctl/internal/server"
)

func memFs(t *testing.T, files map[string][]byte) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	for p, data := range files {
		require.NoError(t, afero.WriteFile(fs, p, data, 0o644))
	}
	return fs
}

func TestPublish_ModulesAndConfiguration(t *testing.T) {
	fs := memFs(t, map[string][]byte{
		"/src/web/index.html":  []byte("<html/>"),
		"/src/web/css/a.css":   []byte("body{}"),
		"/src/web/logo.png":    {0x89, 'P', 'N', 'G', 0xff, 0xfe},
		"/src/conf/server.xml": []byte("<server/>"),
	})
	c := newFakeCluster(newDeployment("shop", 0))
	s := newKubeServer(t, c.client, serverOpts{
		fs:    fs,
		attrs: map[string]string{AttrWorkDir: "/src"},
		nodes: webNodes(),
		cfg:   &server.Configuration{ID: "conf", Path: "conf"},
	})

	st := s.Publish(context.Background(), nil)
	require.True(t, st.IsOK(), st.String())

	cms := c.configMaps(t)
	require.Len(t, cms, 3)

	web := cms["shop-ear-web"]
	assert.Equal(t, "<html/>", web.Data["index.html"])
	assert.Equal(t, "body{}", web.Data["css__a.css"])
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G', 0xff, 0xfe}, web.BinaryData["logo.png"])
	assert.Equal(t, "ear/web", web.Annotations[AnnotationModulePath])
	assert.Equal(t, "jee.web", web.Annotations[AnnotationModuleType])
	assert.Equal(t, map[string]string{
		LabelManagedBy: "servctl",
		LabelServer:    "shop-1",
		LabelKind:      "module",
	}, web.Labels)

	ear := cms["shop-ear"]
	assert.Empty(t, ear.Data)
	assert.Equal(t, "ear", ear.Annotations[AnnotationModulePath])

	conf := cms["shop-config"]
	assert.Equal(t, "<server/>", conf.Data["server.xml"])
	assert.Equal(t, "configuration", conf.Labels[LabelKind])

	assert.Equal(t, server.PublishStateNone, s.ServerPublishState())
	assert.False(t, s.ServerRestartState())
}

func TestPublish_UpdatesAndMarksRestart(t *testing.T) {
	fs := memFs(t, map[string][]byte{"/src/web/index.html": []byte("v1")})
	c := newFakeCluster(newDeployment("shop", 0))
	s := newKubeServer(t, c.client, serverOpts{fs: fs, attrs: map[string]string{AttrWorkDir: "/src"}, nodes: webNodes()})
	web := module.Module{ID: "web"}

	require.True(t, s.Publish(context.Background(), nil).IsOK())
	assert.False(t, s.ModuleRestartState(web))

	require.NoError(t, afero.WriteFile(fs, "/src/web/index.html", []byte("v2"), 0o644))
	s.SetServerState(server.StateStarted)
	require.True(t, s.Publish(context.Background(), nil).IsOK())

	assert.Equal(t, "v2", c.configMaps(t)["shop-ear-web"].Data["index.html"])
	assert.True(t, s.ModuleRestartState(web))
}

func TestPublish_RemovesStaleModules(t *testing.T) {
	stale := &corev1.ConfigMap{ObjectMeta: metav1.ObjectMeta{
		Name:        "shop-gone",
		Namespace:   testNamespace,
		Labels:      map[string]string{LabelManagedBy: "servctl", LabelServer: "shop-1", LabelKind: "module"},
		Annotations: map[string]string{AnnotationModulePath: "gone"},
	}}
	foreign := &corev1.ConfigMap{ObjectMeta: metav1.ObjectMeta{
		Name:      "unrelated",
		Namespace: testNamespace,
	}}
	c := newFakeCluster(newDeployment("shop", 0), stale, foreign)
	s := newKubeServer(t, c.client, serverOpts{nodes: []module.Node{{Module: module.Module{ID: "lib"}}}})

	require.True(t, s.Publish(context.Background(), nil).IsOK())

	cms := c.configMaps(t)
	assert.NotContains(t, cms, "shop-gone")
	assert.Contains(t, cms, "unrelated")
	assert.Contains(t, cms, "shop-lib")
}

func TestPublish_MissingDeploymentFails(t *testing.T) {
	c := newFakeCluster()
	s := newKubeServer(t, c.client, serverOpts{nodes: webNodes()})

	st := s.Publish(context.Background(), nil)
	assert.False(t, st.IsOK())
	assert.Empty(t, c.configMaps(t))
}

func TestPublish_ModuleTooLarge(t *testing.T) {
	fs := memFs(t, map[string][]byte{"/src/big/blob.txt": []byte(strings.Repeat("x", maxConfigMapBytes+1))})
	c := newFakeCluster(newDeployment("shop", 0))
	s := newKubeServer(t, c.client, serverOpts{
		fs:    fs,
		attrs: map[string]string{AttrWorkDir: "/src"},
		nodes: []module.Node{{Module: module.Module{ID: "big", Source: "big"}}},
	})

	st := s.Publish(context.Background(), nil)
	assert.False(t, st.IsOK())
	assert.ErrorContains(t, st.AsError(), "size limit")
	assert.NotContains(t, c.configMaps(t), "shop-big")
}

func TestConfigMapName(t *testing.T) {
	ear := module.Module{ID: "Shop.EAR"}
	web := module.Module{ID: "web_app"}
	assert.Equal(t, "shop-shop.ear-web-app", ConfigMapName("shop", []module.Module{ear}, web))
	assert.Equal(t, "shop-web-app", ConfigMapName("shop", module.RootPath, web))
	assert.Equal(t, "shop-config", ConfigurationConfigMapName("shop"))

	long := ConfigMapName("shop", nil, module.Module{ID: strings.Repeat("a", 300)})
	assert.Len(t, long, 253)
}
