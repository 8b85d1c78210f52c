package kubernetes

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/spf13/afero"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/validation"

	"servctl/internal/module"
	"servctl/internal/progress"
	"servctl/internal/server"
	"servctl/pkg/logging"
)

// Labels and annotations on published ConfigMaps.
const (
	LabelManagedBy       = "app.kubernetes.io/managed-by"
	LabelServer          = "servctl.io/server"
	LabelKind            = "servctl.io/kind"
	AnnotationModulePath = "servctl.io/module-path"
	AnnotationModuleType = "servctl.io/module-type"

	managedBy = "servctl"

	kindModule        = "module"
	kindConfiguration = "configuration"

	// maxConfigMapBytes is the API server limit on ConfigMap payloads.
	maxConfigMapBytes = 1 << 20
)

// ConfigMapName returns the ConfigMap a module occurrence is published to.
func ConfigMapName(deployment string, parents []module.Module, m module.Module) string {
	return dnsName(deployment + "-" + strings.ReplaceAll(module.PathKey(parents, m), "/", "-"))
}

// ConfigurationConfigMapName returns the ConfigMap holding the server
// configuration.
func ConfigurationConfigMapName(deployment string) string {
	return dnsName(deployment + "-config")
}

func dnsName(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	name := strings.Trim(b.String(), "-.")
	if len(name) > validation.DNS1123SubdomainMaxLength {
		name = strings.TrimRight(name[:validation.DNS1123SubdomainMaxLength], "-.")
	}
	return name
}

// configMapKey flattens a relative path into a valid ConfigMap key.
func configMapKey(rel string) string {
	return strings.ReplaceAll(filepath.ToSlash(rel), "/", "__")
}

func (d *Delegate) labels(kind string) map[string]string {
	return map[string]string{
		LabelManagedBy: managedBy,
		LabelServer:    dnsName(d.host.ID()),
		LabelKind:      kind,
	}
}

func (d *Delegate) source(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(d.host.Attribute(AttrWorkDir, ""), p)
}

// PublishStart checks that the Deployment exists.
func (d *Delegate) PublishStart(ctx context.Context, mon progress.Monitor) error {
	mon.Begin(fmt.Sprintf("Checking deployment %s/%s", d.namespace, d.deployment), 1)
	defer mon.Done()

	if _, err := d.get(ctx); err != nil {
		return err
	}
	mon.Worked(1)
	return nil
}

// PublishServer stores the files of the attached configuration in a
// ConfigMap.
func (d *Delegate) PublishServer(ctx context.Context, mon progress.Monitor) error {
	cfg := d.host.Configuration()
	if cfg == nil || cfg.Path == "" {
		mon.Done()
		return nil
	}
	cm, err := d.buildConfigMap(ctx, ConfigurationConfigMapName(d.deployment), kindConfiguration, d.source(cfg.Path), mon)
	if err != nil {
		return err
	}
	cm.Annotations = map[string]string{AnnotationModulePath: cfg.ID}
	if err := d.apply(ctx, cm); err != nil {
		return err
	}
	if d.host.ServerState() == server.StateStarted {
		d.host.SetServerRestartState(true)
	}
	return nil
}

// PublishModule stores the files under the module source in a ConfigMap. A
// module without source still gets an empty ConfigMap marking it deployed.
func (d *Delegate) PublishModule(ctx context.Context, parents []module.Module, m module.Module, mon progress.Monitor) error {
	key := module.PathKey(parents, m)
	name := ConfigMapName(d.deployment, parents, m)
	if errs := validation.IsDNS1123Subdomain(name); len(errs) > 0 {
		return fmt.Errorf("cannot publish %s as ConfigMap %q: %s", key, name, strings.Join(errs, "; "))
	}

	var (
		cm  *corev1.ConfigMap
		err error
	)
	if m.Source == "" {
		cm = &corev1.ConfigMap{ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: d.namespace, Labels: d.labels(kindModule)}}
		mon.Done()
	} else if cm, err = d.buildConfigMap(ctx, name, kindModule, d.source(m.Source), mon); err != nil {
		return err
	}
	cm.Annotations = map[string]string{
		AnnotationModulePath: key,
		AnnotationModuleType: m.Type,
	}
	if err := d.apply(ctx, cm); err != nil {
		return err
	}

	if d.host.ServerState() == server.StateStarted {
		d.host.SetModuleRestartState(m, true)
	}
	logging.Debug("Delegate.Kubernetes", "Published %s to ConfigMap %s/%s", key, d.namespace, name)
	return nil
}

// PublishStop removes module ConfigMaps of occurrences the server no longer
// declares.
func (d *Delegate) PublishStop(ctx context.Context, mon progress.Monitor) error {
	mon.Begin("Removing stale module ConfigMaps", 1)
	defer mon.Done()

	declared := map[string]bool{}
	occs, err := module.Collect(ctx, d.host.DeclaredModules())
	if err != nil {
		return err
	}
	for _, o := range occs {
		declared[o.Key()] = true
	}

	selector := metav1.FormatLabelSelector(&metav1.LabelSelector{MatchLabels: d.labels(kindModule)})
	list, err := d.client.CoreV1().ConfigMaps(d.namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return fmt.Errorf("failed to list module ConfigMaps in %s: %w", d.namespace, err)
	}
	for _, cm := range list.Items {
		if declared[cm.Annotations[AnnotationModulePath]] {
			continue
		}
		logging.Info("Delegate.Kubernetes", "Removing stale ConfigMap %s/%s", d.namespace, cm.Name)
		err := d.client.CoreV1().ConfigMaps(d.namespace).Delete(ctx, cm.Name, metav1.DeleteOptions{})
		if err != nil && !apierrors.IsNotFound(err) {
			return fmt.Errorf("failed to delete ConfigMap %s: %w", cm.Name, err)
		}
	}
	mon.Worked(1)
	return nil
}

func (d *Delegate) buildConfigMap(ctx context.Context, name, kind, src string, mon progress.Monitor) (*corev1.ConfigMap, error) {
	defer mon.Done()

	info, err := d.fs.Stat(src)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", src, err)
	}
	files := map[string]string{}
	if info.IsDir() {
		err = afero.Walk(d.fs, src, func(p string, fi os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if fi.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(src, p)
			if err != nil {
				return err
			}
			files[configMapKey(rel)] = p
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk %s: %w", src, err)
		}
	} else {
		files[configMapKey(filepath.Base(src))] = src
	}

	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: d.namespace, Labels: d.labels(kind)},
		Data:       map[string]string{},
		BinaryData: map[string][]byte{},
	}
	mon.Begin(fmt.Sprintf("Packing %s", src), len(files))
	total := 0
	for key, p := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if errs := validation.IsConfigMapKey(key); len(errs) > 0 {
			return nil, fmt.Errorf("file %s cannot be stored in a ConfigMap: %s", p, strings.Join(errs, "; "))
		}
		data, err := afero.ReadFile(d.fs, p)
		if err != nil {
			return nil, err
		}
		total += len(data)
		if total > maxConfigMapBytes {
			return nil, fmt.Errorf("content of %s exceeds the ConfigMap size limit of %d bytes", src, maxConfigMapBytes)
		}
		if utf8.Valid(data) {
			cm.Data[key] = string(data)
		} else {
			cm.BinaryData[key] = data
		}
		mon.Worked(1)
	}
	return cm, nil
}

// apply creates the ConfigMap or replaces an existing one.
func (d *Delegate) apply(ctx context.Context, cm *corev1.ConfigMap) error {
	cms := d.client.CoreV1().ConfigMaps(d.namespace)
	existing, err := cms.Get(ctx, cm.Name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		if _, err := cms.Create(ctx, cm, metav1.CreateOptions{}); err != nil {
			return fmt.Errorf("failed to create ConfigMap %s: %w", cm.Name, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get ConfigMap %s: %w", cm.Name, err)
	}
	cm.ResourceVersion = existing.ResourceVersion
	if _, err := cms.Update(ctx, cm, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("failed to update ConfigMap %s: %w", cm.Name, err)
	}
	return nil
}
