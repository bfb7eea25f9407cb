package platform

import (
	"context"
	"fmt"
	"time"

	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/teranos/agentdeploy/deployment"
	"github.com/teranos/agentdeploy/errors"
	"github.com/teranos/agentdeploy/internal/util"
	"github.com/teranos/agentdeploy/logger"
	"github.com/teranos/agentdeploy/pipeline"
)

const (
	DefaultNamespace     = "agents"
	DefaultClusterDomain = "cluster.local"

	labelName    = "app.kubernetes.io/name"
	labelManaged = "app.kubernetes.io/managed-by"
	annotJobID   = "agentdeploy.io/job-id"
	annotAgentID = "agentdeploy.io/agent-id"
)

// KubernetesOptions configures a KubernetesPlatform.
type KubernetesOptions struct {
	Namespace     string
	ClusterDomain string
	PollInterval  time.Duration
	Prober        Prober
}

// KubernetesPlatform rolls a Deployment and a ClusterIP Service out per
// tool-integration server.
type KubernetesPlatform struct {
	client kubernetes.Interface
	ns     string
	domain string
	poll   time.Duration
	prober Prober
	logger *zap.SugaredLogger
}

// NewKubernetesClient connects with a kubeconfig file, a kubectl proxy host,
// or the in-cluster service account, in that order of preference.
func NewKubernetesClient(kubeconfig, proxyHost string) (kubernetes.Interface, error) {
	var (
		cfg *rest.Config
		err error
	)
	switch {
	case kubeconfig != "":
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	case proxyHost != "":
		cfg = &rest.Config{Host: proxyHost}
	default:
		cfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, errors.Wrap(err, "kubernetes config")
	}
	cs, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Kubernetes client")
	}
	return cs, nil
}

func NewKubernetesPlatform(client kubernetes.Interface, opts KubernetesOptions, log *zap.SugaredLogger) *KubernetesPlatform {
	p := &KubernetesPlatform{
		client: client,
		ns:     opts.Namespace,
		domain: opts.ClusterDomain,
		poll:   opts.PollInterval,
		prober: opts.Prober,
		logger: log,
	}
	if p.ns == "" {
		p.ns = DefaultNamespace
	}
	if p.domain == "" {
		p.domain = DefaultClusterDomain
	}
	if p.poll <= 0 {
		p.poll = DefaultPollInterval
	}
	if p.prober == nil {
		p.prober = NewTransportProber(nil)
	}
	if p.logger == nil {
		p.logger = zap.NewNop().Sugar()
	}
	return p
}

// Deploy applies the Deployment and Service, then waits for every replica
// to pass its readiness probe. Steps are 1 per applied object plus 1 per
// ready replica.
func (p *KubernetesPlatform) Deploy(ctx context.Context, req pipeline.DeployRequest, ev pipeline.Events) (string, error) {
	name := ServiceName(req)
	image := imageFor(req)
	if image == "" {
		return "", errors.Newf("kubernetes rollout of %s needs an image artifact", name)
	}
	total := req.Config.Replicas + 2

	dep, err := p.deploymentFor(name, image, req)
	if err != nil {
		return "", err
	}
	if err := p.applyDeployment(ctx, dep); err != nil {
		return "", err
	}
	ev.Log(fmt.Sprintf("Applied deployment %s/%s (%s)", p.ns, name, image))
	ev.Step(1, total)

	if err := p.applyService(ctx, p.serviceFor(name, req)); err != nil {
		return "", err
	}
	ev.Log(fmt.Sprintf("Applied service %s/%s", p.ns, name))
	ev.Step(2, total)

	if err := p.waitReady(ctx, name, req.Config.Replicas, total, ev); err != nil {
		return "", err
	}
	endpoint := fmt.Sprintf("http://%s.%s.svc.%s:%d", name, p.ns, p.domain, req.Config.Port)
	p.logger.Infow("Rollout ready",
		logger.FieldJobID, req.JobID,
		logger.FieldEndpoint, endpoint,
	)
	return endpoint, nil
}

func (p *KubernetesPlatform) ProbeHealth(ctx context.Context, endpoint string, cfg deployment.Config) (bool, error) {
	return p.prober.Probe(ctx, endpoint, cfg)
}

// Teardown deletes the Service and the Deployment. Missing objects are ignored.
func (p *KubernetesPlatform) Teardown(ctx context.Context, req pipeline.DeployRequest) error {
	name := ServiceName(req)
	var errs error
	if err := p.client.CoreV1().Services(p.ns).Delete(ctx, name, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
		errs = errors.CombineErrors(errs, errors.Wrapf(err, "delete service %s", name))
	}
	if err := p.client.AppsV1().Deployments(p.ns).Delete(ctx, name, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
		errs = errors.CombineErrors(errs, errors.Wrapf(err, "delete deployment %s", name))
	}
	return errs
}

func (p *KubernetesPlatform) labels(name string) map[string]string {
	return map[string]string{
		labelName:    name,
		labelManaged: "agentdeploy",
	}
}

func (p *KubernetesPlatform) deploymentFor(name, image string, req pipeline.DeployRequest) (*appsv1.Deployment, error) {
	cfg := req.Config
	container := corev1.Container{
		Name:  cfg.Name,
		Image: image,
		Ports: []corev1.ContainerPort{{Name: "http", ContainerPort: int32(cfg.Port)}},
		ReadinessProbe: &corev1.Probe{
			ProbeHandler: corev1.ProbeHandler{
				HTTPGet: &corev1.HTTPGetAction{
					Path: cfg.HealthPath,
					Port: intstr.FromInt32(int32(cfg.Port)),
				},
			},
			PeriodSeconds: 5,
		},
	}
	if cfg.Entrypoint != "" {
		argv, err := shellquote.Split(cfg.Entrypoint)
		if err != nil {
			return nil, errors.Wrapf(err, "parse entrypoint %q", cfg.Entrypoint)
		}
		container.Command = argv
	}
	for _, k := range sortedKeys(cfg.Env) {
		container.Env = append(container.Env, corev1.EnvVar{Name: k, Value: cfg.Env[k]})
	}

	labels := p.labels(name)
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: p.ns,
			Labels:    labels,
			Annotations: map[string]string{
				annotJobID:   req.JobID,
				annotAgentID: req.AgentID,
			},
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: util.Ptr(int32(cfg.Replicas)),
			Selector: &metav1.LabelSelector{MatchLabels: labels},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels:      labels,
					Annotations: map[string]string{annotJobID: req.JobID},
				},
				Spec: corev1.PodSpec{Containers: []corev1.Container{container}},
			},
		},
	}, nil
}

func (p *KubernetesPlatform) serviceFor(name string, req pipeline.DeployRequest) *corev1.Service {
	port := int32(req.Config.Port)
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:        name,
			Namespace:   p.ns,
			Labels:      p.labels(name),
			Annotations: map[string]string{annotJobID: req.JobID},
		},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeClusterIP,
			Selector: p.labels(name),
			Ports: []corev1.ServicePort{{
				Name:       "http",
				Port:       port,
				TargetPort: intstr.FromInt32(port),
			}},
		},
	}
}

func (p *KubernetesPlatform) applyDeployment(ctx context.Context, want *appsv1.Deployment) error {
	deployments := p.client.AppsV1().Deployments(p.ns)
	current, err := deployments.Get(ctx, want.Name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		_, err = deployments.Create(ctx, want, metav1.CreateOptions{})
		return errors.Wrapf(err, "create deployment %s", want.Name)
	}
	if err != nil {
		return errors.Wrapf(err, "get deployment %s", want.Name)
	}
	current.Labels = want.Labels
	current.Annotations = want.Annotations
	current.Spec = want.Spec
	_, err = deployments.Update(ctx, current, metav1.UpdateOptions{})
	return errors.Wrapf(err, "update deployment %s", want.Name)
}

func (p *KubernetesPlatform) applyService(ctx context.Context, want *corev1.Service) error {
	services := p.client.CoreV1().Services(p.ns)
	current, err := services.Get(ctx, want.Name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		_, err = services.Create(ctx, want, metav1.CreateOptions{})
		return errors.Wrapf(err, "create service %s", want.Name)
	}
	if err != nil {
		return errors.Wrapf(err, "get service %s", want.Name)
	}
	// ClusterIP is immutable, keep the allocated one.
	want.Spec.ClusterIP = current.Spec.ClusterIP
	want.Spec.ClusterIPs = current.Spec.ClusterIPs
	current.Labels = want.Labels
	current.Annotations = want.Annotations
	current.Spec = want.Spec
	_, err = services.Update(ctx, current, metav1.UpdateOptions{})
	return errors.Wrapf(err, "update service %s", want.Name)
}

func (p *KubernetesPlatform) waitReady(ctx context.Context, name string, replicas, total int, ev pipeline.Events) error {
	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()
	lastReady := -1
	for {
		dep, err := p.client.AppsV1().Deployments(p.ns).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrapf(err, "get deployment %s", name)
		}
		for _, c := range dep.Status.Conditions {
			if c.Type == appsv1.DeploymentProgressing && c.Status == corev1.ConditionFalse {
				return errors.Newf("deployment %s stopped progressing: %s", name, c.Message)
			}
		}
		ready := int(dep.Status.ReadyReplicas)
		if ready != lastReady {
			lastReady = ready
			ev.Step(2+ready, total)
			ev.Log(fmt.Sprintf("%d/%d replicas ready", ready, replicas))
		}
		if ready >= replicas {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
