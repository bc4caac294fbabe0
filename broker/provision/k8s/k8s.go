// Package k8s implements the runner provisioner on the Kubernetes API.
package k8s

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/omicronlabs/browserbroker/broker/provision"
)

const (
	appLabel      = "pw-mcp-runner"
	outputDir     = "/output"
	secretsDir    = "/secrets"
	uploaderImage = "amazon/aws-cli:2"
	pollInterval  = 1500 * time.Millisecond
)

// Provisioner implements provision.Provisioner using the typed CoreV1 API.
type Provisioner struct {
	client kubernetes.Interface
}

// Compile-time check that Provisioner implements provision.Provisioner.
var _ provision.Provisioner = (*Provisioner)(nil)

// New creates a provisioner on an existing clientset. Tests pass the fake
// clientset here.
func New(client kubernetes.Interface) *Provisioner {
	return &Provisioner{client: client}
}

// NewFromEnvironment builds a clientset from the in-cluster config, falling
// back to the local kubeconfig for development.
func NewFromEnvironment() (*Provisioner, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		home, herr := os.UserHomeDir()
		if herr != nil {
			return nil, fmt.Errorf("kubernetes config: %w", err)
		}
		cfg, err = clientcmd.BuildConfigFromFlags("", filepath.Join(home, ".kube", "config"))
		if err != nil {
			return nil, fmt.Errorf("kubernetes config: %w", err)
		}
	}
	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("kubernetes client: %w", err)
	}
	return New(client), nil
}

// EnsureService creates the runner's ClusterIP service, ignoring conflicts.
func (p *Provisioner) EnsureService(ctx context.Context, namespace, name string, port int32, selector map[string]string) error {
	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: name, Labels: selector},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeClusterIP,
			Selector: selector,
			Ports: []corev1.ServicePort{{
				Name:       "mcp",
				Port:       port,
				TargetPort: intstr.FromInt32(port),
			}},
		},
	}
	_, err := p.client.CoreV1().Services(namespace).Create(ctx, svc, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("create service %s/%s: %w", namespace, name, err)
	}
	return nil
}

// EnsurePod creates the runner pod, ignoring conflicts. The pod entrypoint
// fetches its secret bundle from the controller with the bootstrap token and
// then execs the MCP server; an optional uploader sidecar copies the output
// directory to the artifact sink on termination.
func (p *Provisioner) EnsurePod(ctx context.Context, spec provision.PodSpec) error {
	labels := map[string]string{"app": appLabel, "session": spec.Name}

	script := fmt.Sprintf(`set -euo pipefail
umask 077
mkdir -p %[1]s
curl -fsSL -H "Authorization: Bearer $RUNNER_BROKER_TOKEN" "%[2]s/internal/runner-secrets" > %[1]s/runtime.env
exec npx -y @playwright/mcp@latest --port %[3]d --isolated --output-dir %[4]s --secrets %[1]s/runtime.env --save-video 1920x1080 --viewport-size 1920x1080`,
		secretsDir, trimTrailingSlash(spec.ControllerURL), spec.Port, outputDir)

	containers := []corev1.Container{{
		Name:    "playwright-mcp",
		Image:   spec.Image,
		Command: []string{"/bin/sh", "-lc", script},
		Env: []corev1.EnvVar{{
			Name:  "RUNNER_BROKER_TOKEN",
			Value: spec.BrokerToken,
		}},
		Ports: []corev1.ContainerPort{{ContainerPort: spec.Port, Name: "mcp"}},
		VolumeMounts: []corev1.VolumeMount{
			{Name: "output", MountPath: outputDir},
			{Name: "secrets", MountPath: secretsDir},
			{Name: "dshm", MountPath: "/dev/shm"},
		},
	}}

	if spec.ArtifactsBucket != "" && spec.ArtifactsPrefix != "" {
		uploadCmd := fmt.Sprintf("aws s3 cp --recursive %s s3://$S3_BUCKET/$S3_PREFIX", outputDir)
		containers = append(containers, corev1.Container{
			Name:    "uploader",
			Image:   uploaderImage,
			Command: []string{"/bin/sh", "-lc", "sleep infinity"},
			Env: []corev1.EnvVar{
				{Name: "S3_BUCKET", Value: spec.ArtifactsBucket},
				{Name: "S3_PREFIX", Value: spec.ArtifactsPrefix},
			},
			VolumeMounts: []corev1.VolumeMount{{Name: "output", MountPath: outputDir}},
			Lifecycle: &corev1.Lifecycle{
				PreStop: &corev1.LifecycleHandler{
					Exec: &corev1.ExecAction{Command: []string{"/bin/sh", "-lc", uploadCmd}},
				},
			},
		})
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: spec.Name, Labels: labels},
		Spec: corev1.PodSpec{
			ServiceAccountName: spec.ServiceAccount,
			RestartPolicy:      corev1.RestartPolicyNever,
			Containers:         containers,
			Volumes: []corev1.Volume{
				{Name: "output", VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}}},
				{Name: "secrets", VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}}},
				{Name: "dshm", VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{Medium: corev1.StorageMediumMemory}}},
			},
		},
	}
	_, err := p.client.CoreV1().Pods(spec.Namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("create pod %s/%s: %w", spec.Namespace, spec.Name, err)
	}
	return nil
}

// WaitReady polls the pod until it is Running with a true Ready condition.
func (p *Provisioner) WaitReady(ctx context.Context, namespace, name string, timeout time.Duration) error {
	err := wait.PollUntilContextTimeout(ctx, pollInterval, timeout, true,
		func(ctx context.Context) (bool, error) {
			pod, err := p.client.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
			if err != nil {
				if apierrors.IsNotFound(err) {
					return false, nil
				}
				return false, err
			}
			if pod.Status.Phase != corev1.PodRunning {
				return false, nil
			}
			for _, cond := range pod.Status.Conditions {
				if cond.Type == corev1.PodReady && cond.Status == corev1.ConditionTrue {
					return true, nil
				}
			}
			return false, nil
		})
	if err != nil {
		return fmt.Errorf("pod %s/%s not ready within %s: %w", namespace, name, timeout, err)
	}
	return nil
}

// Teardown deletes the pod and service, ignoring "not found" on each.
func (p *Provisioner) Teardown(ctx context.Context, namespace, podName, serviceName string) error {
	grace := int64(0)
	err := p.client.CoreV1().Pods(namespace).Delete(ctx, podName, metav1.DeleteOptions{GracePeriodSeconds: &grace})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete pod %s/%s: %w", namespace, podName, err)
	}
	err = p.client.CoreV1().Services(namespace).Delete(ctx, serviceName, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete service %s/%s: %w", namespace, serviceName, err)
	}
	return nil
}

func trimTrailingSlash(u string) string {
	for len(u) > 0 && u[len(u)-1] == '/' {
		u = u[:len(u)-1]
	}
	return u
}
