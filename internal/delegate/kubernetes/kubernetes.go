// Package kubernetes runs a server as a Deployment. Starting scales the
// Deployment up, stopping scales it to zero, restarts are rolling restarts
// and modules are published as ConfigMaps the workload mounts.
package kubernetes

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/afero"
	appsv1 "k8s.io/api/apps/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/retry"

	"servctl/internal/launch"
	"servctl/internal/module"
	"servctl/internal/server"
	"servctl/pkg/logging"
)

// DelegateKey is the factory key of this delegate.
const DelegateKey = "kubernetes"

// Server attributes read by the delegate.
const (
	AttrContext    = "kubeContext"
	AttrNamespace  = "namespace"
	AttrDeployment = "deployment"
	AttrReplicas   = "replicas"
	AttrWorkDir    = "workDir"
)

// Annotations set on the pod template to trigger rolling restarts.
const (
	RestartedAtAnnotation     = "kubectl.kubernetes.io/restartedAt"
	ModuleRestartedAnnotation = "servctl.io/module-restarted"
)

const (
	defaultNamespace    = "default"
	defaultReadyTimeout = 5 * time.Minute
	defaultPollInterval = time.Second
	clientTimeout       = 15 * time.Second
)

// NewK8sClientsetFromConfig is replaced in tests.
var NewK8sClientsetFromConfig = func(c *rest.Config) (kubernetes.Interface, error) {
	return kubernetes.NewForConfig(c)
}

// ClientForContext builds a clientset for a kubeconfig context. An empty
// context selects the current one.
func ClientForContext(kubeContext string) (kubernetes.Interface, error) {
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	overrides := &clientcmd.ConfigOverrides{CurrentContext: kubeContext}
	restConfig, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, overrides).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to get REST config for context %q: %w", kubeContext, err)
	}
	restConfig.Timeout = clientTimeout
	return NewK8sClientsetFromConfig(restConfig)
}

// Options configure delegates created by NewFactory.
type Options struct {
	// ClientFor returns the clientset for a kubeconfig context. Defaults to
	// ClientForContext.
	ClientFor func(kubeContext string) (kubernetes.Interface, error)
	// Fs is where module content is read from.
	Fs           afero.Fs
	ReadyTimeout time.Duration
	PollInterval time.Duration
}

// NewFactory returns a factory for kubernetes delegates.
func NewFactory(opts Options) server.DelegateFactory {
	return func() (server.Delegate, error) {
		return New(opts), nil
	}
}

// Delegate implements server.Delegate for a Deployment.
type Delegate struct {
	clientFor    func(string) (kubernetes.Interface, error)
	fs           afero.Fs
	readyTimeout time.Duration
	pollInterval time.Duration

	host       server.Host
	client     kubernetes.Interface
	namespace  string
	deployment string

	// ctx bounds background rollout watches; cancelled on Dispose.
	ctx    context.Context
	cancel context.CancelFunc

	mu sync.Mutex
	// op is bumped by every lifecycle call so a superseded watch does not
	// report a stale state.
	op     uint64
	launch *launch.Launch
}

// New returns an uninitialised delegate.
func New(opts Options) *Delegate {
	d := &Delegate{
		clientFor:    opts.ClientFor,
		fs:           opts.Fs,
		readyTimeout: opts.ReadyTimeout,
		pollInterval: opts.PollInterval,
	}
	if d.clientFor == nil {
		d.clientFor = ClientForContext
	}
	if d.fs == nil {
		d.fs = afero.NewOsFs()
	}
	if d.readyTimeout <= 0 {
		d.readyTimeout = defaultReadyTimeout
	}
	if d.pollInterval <= 0 {
		d.pollInterval = defaultPollInterval
	}
	return d
}

func (d *Delegate) Initialize(host server.Host) error {
	d.host = host
	d.namespace = host.Attribute(AttrNamespace, defaultNamespace)
	d.deployment = host.Attribute(AttrDeployment, host.ID())

	client, err := d.clientFor(host.Attribute(AttrContext, ""))
	if err != nil {
		return err
	}
	d.client = client
	d.ctx, d.cancel = context.WithCancel(context.Background())
	logging.Debug("Delegate.Kubernetes", "Bound %s to deployment %s/%s", host.Name(), d.namespace, d.deployment)
	return nil
}

// Dispose stops background rollout watches. The workload is left as is.
func (d *Delegate) Dispose() {
	if d.cancel != nil {
		d.cancel()
	}
}

func (d *Delegate) SetLaunchDefaults(cfg *launch.Configuration) {
	cfg.SetAttribute(AttrReplicas, d.host.Attribute(AttrReplicas, "1"))
}

func (d *Delegate) nextOp() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.op++
	return d.op
}

func (d *Delegate) currentOp(op uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.op == op
}

func (d *Delegate) replicas(l *launch.Launch) (int32, error) {
	v := d.host.Attribute(AttrReplicas, "1")
	if l != nil && l.Configuration != nil {
		v = l.Configuration.Attribute(AttrReplicas, v)
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid %s %q for %s", AttrReplicas, v, d.host.Name())
	}
	return int32(n), nil
}

// Launch scales the Deployment up and moves the server to StateStarting. The
// server becomes started once all replicas are ready.
func (d *Delegate) Launch(ctx context.Context, l *launch.Launch) error {
	replicas, err := d.replicas(l)
	if err != nil {
		return err
	}
	if err := d.scale(ctx, replicas); err != nil {
		return err
	}

	op := d.nextOp()
	d.mu.Lock()
	d.launch = l
	d.mu.Unlock()

	logging.Info("Delegate.Kubernetes", "Scaled %s/%s to %d replicas for %s", d.namespace, d.deployment, replicas, d.host.Name())
	d.host.SetServerState(server.StateStarting)
	go d.awaitRollout(op, func() {
		d.setModuleStates(server.StateStarted)
		d.host.SetServerState(server.StateStarted)
	}, func(err error) {
		logging.Error("Delegate.Kubernetes", err, "%s did not become ready, scaling it down", d.host.Name())
		_ = d.Stop(context.Background())
	})
	return nil
}

// Stop scales the Deployment to zero. The server is stopped once no replica
// is left.
func (d *Delegate) Stop(ctx context.Context) error {
	if err := d.scale(ctx, 0); err != nil {
		return err
	}
	op := d.nextOp()
	d.host.SetServerState(server.StateStopping)
	go d.awaitScaledDown(op)
	return nil
}

// Terminate scales to zero and deletes the pods without a grace period.
func (d *Delegate) Terminate(ctx context.Context) error {
	if err := d.scale(ctx, 0); err != nil {
		return err
	}
	d.nextOp()

	dep, err := d.get(ctx)
	if err != nil {
		return err
	}
	if dep.Spec.Selector != nil {
		pods := d.client.CoreV1().Pods(d.namespace)
		list, err := pods.List(ctx, metav1.ListOptions{LabelSelector: metav1.FormatLabelSelector(dep.Spec.Selector)})
		if err != nil {
			return fmt.Errorf("failed to list pods of %s/%s: %w", d.namespace, d.deployment, err)
		}
		grace := int64(0)
		for _, p := range list.Items {
			err := pods.Delete(ctx, p.Name, metav1.DeleteOptions{GracePeriodSeconds: &grace})
			if err != nil && !apierrors.IsNotFound(err) {
				return fmt.Errorf("failed to delete pod %s/%s: %w", d.namespace, p.Name, err)
			}
		}
		logging.Info("Delegate.Kubernetes", "Deleted %d pods of %s/%s", len(list.Items), d.namespace, d.deployment)
	}
	d.stopped()
	return nil
}

// Restart triggers a rolling restart of the pod template.
func (d *Delegate) Restart(ctx context.Context, mode server.Mode) error {
	err := d.update(ctx, func(dep *appsv1.Deployment) {
		setTemplateAnnotation(dep, RestartedAtAnnotation, time.Now().UTC().Format(time.RFC3339Nano))
	})
	if err != nil {
		return err
	}
	op := d.nextOp()
	d.host.SetServerState(server.StateStarting)
	go d.awaitRollout(op, func() {
		d.setModuleStates(server.StateStarted)
		d.host.SetServerState(server.StateStarted)
	}, func(err error) {
		logging.Error("Delegate.Kubernetes", err, "Restart of %s did not complete", d.host.Name())
		d.stopped()
	})
	return nil
}

// CanRestartModule reports true for every module the server declares; a
// module restart rolls the pods so they remount its ConfigMap.
func (d *Delegate) CanRestartModule(m module.Module) bool {
	_, ok := d.host.DeclaredModules().Lookup(m.ID)
	return ok
}

func (d *Delegate) RestartModule(ctx context.Context, m module.Module) error {
	if !d.CanRestartModule(m) {
		return fmt.Errorf("%w: module %s is not deployed on %s", server.ErrNotSupported, m.ID, d.host.Name())
	}
	err := d.update(ctx, func(dep *appsv1.Deployment) {
		setTemplateAnnotation(dep, ModuleRestartedAnnotation, m.ID+"@"+time.Now().UTC().Format(time.RFC3339Nano))
	})
	if err != nil {
		return err
	}
	op := d.nextOp()
	d.host.SetModuleState(m, server.StateStarting)
	go d.awaitRollout(op, func() {
		d.host.SetModuleState(m, server.StateStarted)
		d.host.SetModuleRestartState(m, false)
	}, func(err error) {
		logging.Error("Delegate.Kubernetes", err, "Restart of module %s on %s did not complete", m.ID, d.host.Name())
		d.host.SetModuleState(m, server.StateStopped)
	})
	return nil
}

func (d *Delegate) stopped() {
	d.mu.Lock()
	l := d.launch
	d.launch = nil
	d.mu.Unlock()
	if l != nil {
		l.MarkTerminated()
	}
	d.setModuleStates(server.StateStopped)
	d.host.SetServerState(server.StateStopped)
}

func (d *Delegate) awaitRollout(op uint64, ready func(), failed func(error)) {
	err := d.poll(op, func(dep *appsv1.Deployment) bool { return rolledOut(dep) })
	if !d.currentOp(op) || errors.Is(err, context.Canceled) {
		return
	}
	if err != nil {
		failed(err)
		return
	}
	ready()
}

func (d *Delegate) awaitScaledDown(op uint64) {
	err := d.poll(op, func(dep *appsv1.Deployment) bool {
		return dep.Status.Replicas == 0 && dep.Status.ReadyReplicas == 0
	})
	if !d.currentOp(op) || errors.Is(err, context.Canceled) {
		return
	}
	if err != nil {
		logging.Warn("Delegate.Kubernetes", "%s/%s still has replicas: %v", d.namespace, d.deployment, err)
	}
	d.stopped()
}

var errNotYet = errors.New("rollout in progress")

// poll fetches the Deployment with exponential backoff until done reports
// true, the op is superseded or the ready timeout passes.
func (d *Delegate) poll(op uint64, done func(*appsv1.Deployment) bool) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.pollInterval
	b.MaxInterval = 10 * d.pollInterval
	b.MaxElapsedTime = d.readyTimeout
	b.Reset()

	return backoff.Retry(func() error {
		if !d.currentOp(op) {
			return backoff.Permanent(context.Canceled)
		}
		dep, err := d.get(d.ctx)
		if err != nil {
			return err
		}
		if !done(dep) {
			return errNotYet
		}
		return nil
	}, backoff.WithContext(b, d.ctx))
}

// rolledOut reports whether the Deployment controller has caught up and
// every desired replica is updated and ready.
func rolledOut(dep *appsv1.Deployment) bool {
	want := int32(1)
	if dep.Spec.Replicas != nil {
		want = *dep.Spec.Replicas
	}
	if dep.Status.ObservedGeneration < dep.Generation {
		return false
	}
	return dep.Status.UpdatedReplicas >= want &&
		dep.Status.ReadyReplicas >= want &&
		dep.Status.Replicas == want
}

func (d *Delegate) get(ctx context.Context) (*appsv1.Deployment, error) {
	dep, err := d.client.AppsV1().Deployments(d.namespace).Get(ctx, d.deployment, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get deployment %s/%s: %w", d.namespace, d.deployment, err)
	}
	return dep, nil
}

func (d *Delegate) update(ctx context.Context, mutate func(*appsv1.Deployment)) error {
	return retry.RetryOnConflict(retry.DefaultRetry, func() error {
		dep, err := d.client.AppsV1().Deployments(d.namespace).Get(ctx, d.deployment, metav1.GetOptions{})
		if err != nil {
			return err
		}
		mutate(dep)
		_, err = d.client.AppsV1().Deployments(d.namespace).Update(ctx, dep, metav1.UpdateOptions{})
		return err
	})
}

func (d *Delegate) scale(ctx context.Context, replicas int32) error {
	err := d.update(ctx, func(dep *appsv1.Deployment) {
		dep.Spec.Replicas = &replicas
	})
	if err != nil {
		return fmt.Errorf("failed to scale %s/%s to %d: %w", d.namespace, d.deployment, replicas, err)
	}
	return nil
}

func setTemplateAnnotation(dep *appsv1.Deployment, key, value string) {
	if dep.Spec.Template.Annotations == nil {
		dep.Spec.Template.Annotations = map[string]string{}
	}
	dep.Spec.Template.Annotations[key] = value
}

func (d *Delegate) setModuleStates(state server.State) {
	for _, m := range d.host.DeclaredModules().All() {
		d.host.SetModuleState(m, state)
	}
}

func (d *Delegate) Modules(ctx context.Context) ([]module.Module, error) {
	return d.host.DeclaredModules().Modules(ctx)
}

func (d *Delegate) ChildModules(ctx context.Context, m module.Module) ([]module.Module, error) {
	return d.host.DeclaredModules().ChildModules(ctx, m)
}

func (d *Delegate) ParentModules(ctx context.Context, m module.Module) ([]module.Module, error) {
	return d.host.DeclaredModules().ParentModules(m), nil
}

// Ports lists the container ports of the Deployment's pod template.
func (d *Delegate) Ports() []server.Port {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	dep, err := d.get(ctx)
	if err != nil {
		logging.Debug("Delegate.Kubernetes", "No ports for %s: %v", d.host.Name(), err)
		return nil
	}
	var out []server.Port
	for _, c := range dep.Spec.Template.Spec.Containers {
		for _, p := range c.Ports {
			proto := "tcp"
			if p.Protocol != "" {
				proto = string(p.Protocol)
			}
			out = append(out, server.Port{Name: p.Name, Port: int(p.ContainerPort), Protocol: strings.ToLower(proto)})
		}
	}
	return out
}
