package k8s

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/omicronlabs/browserbroker/broker/provision"
)

func testPodSpec() provision.PodSpec {
	return provision.PodSpec{
		Namespace:      "omicron-browser",
		Name:           "pw-mcp-s1",
		Image:          "browser-runner:test",
		ServiceAccount: "pw-runner",
		Port:           8080,
		ControllerURL:  "http://controller.omicron.svc:8000/",
		BrokerToken:    "bootstrap-token",
	}
}

func TestEnsureServiceIdempotent(t *testing.T) {
	t.Parallel()
	client := fake.NewSimpleClientset()
	p := New(client)
	ctx := context.Background()
	selector := map[string]string{"app": appLabel, "session": "pw-mcp-s1"}

	require.NoError(t, p.EnsureService(ctx, "omicron-browser", "pw-mcp-s1", 8080, selector))
	require.NoError(t, p.EnsureService(ctx, "omicron-browser", "pw-mcp-s1", 8080, selector))

	svc, err := client.CoreV1().Services("omicron-browser").Get(ctx, "pw-mcp-s1", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, corev1.ServiceTypeClusterIP, svc.Spec.Type)
	assert.Equal(t, selector, svc.Spec.Selector)
	require.Len(t, svc.Spec.Ports, 1)
	assert.Equal(t, int32(8080), svc.Spec.Ports[0].Port)
}

func TestEnsurePod(t *testing.T) {
	t.Parallel()
	client := fake.NewSimpleClientset()
	p := New(client)
	ctx := context.Background()

	require.NoError(t, p.EnsurePod(ctx, testPodSpec()))
	require.NoError(t, p.EnsurePod(ctx, testPodSpec()))

	pod, err := client.CoreV1().Pods("omicron-browser").Get(ctx, "pw-mcp-s1", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "pw-runner", pod.Spec.ServiceAccountName)
	assert.Equal(t, corev1.RestartPolicyNever, pod.Spec.RestartPolicy)
	assert.Equal(t, appLabel, pod.Labels["app"])
	assert.Equal(t, "pw-mcp-s1", pod.Labels["session"])

	// No artifact sink configured: only the MCP container runs.
	require.Len(t, pod.Spec.Containers, 1)
	c := pod.Spec.Containers[0]
	assert.Equal(t, "playwright-mcp", c.Name)
	require.Len(t, c.Command, 3)
	script := c.Command[2]
	assert.Contains(t, script, "@playwright/mcp@latest")
	assert.Contains(t, script, "--port 8080")
	assert.Contains(t, script, `"http://controller.omicron.svc:8000/internal/runner-secrets"`)
	assert.NotContains(t, script, "8000//", "trailing slash must be trimmed")

	var tokenEnv string
	for _, env := range c.Env {
		if env.Name == "RUNNER_BROKER_TOKEN" {
			tokenEnv = env.Value
		}
	}
	assert.Equal(t, "bootstrap-token", tokenEnv)
}

func TestEnsurePodWithUploaderSidecar(t *testing.T) {
	t.Parallel()
	client := fake.NewSimpleClientset()
	p := New(client)
	ctx := context.Background()

	spec := testPodSpec()
	spec.ArtifactsBucket = "session-artifacts"
	spec.ArtifactsPrefix = "pw-videos/s1/"
	require.NoError(t, p.EnsurePod(ctx, spec))

	pod, err := client.CoreV1().Pods("omicron-browser").Get(ctx, "pw-mcp-s1", metav1.GetOptions{})
	require.NoError(t, err)
	require.Len(t, pod.Spec.Containers, 2)

	uploader := pod.Spec.Containers[1]
	assert.Equal(t, "uploader", uploader.Name)
	assert.Equal(t, uploaderImage, uploader.Image)
	require.NotNil(t, uploader.Lifecycle)
	require.NotNil(t, uploader.Lifecycle.PreStop)
	preStop := strings.Join(uploader.Lifecycle.PreStop.Exec.Command, " ")
	assert.Contains(t, preStop, "aws s3 cp --recursive")

	var bucket, prefix string
	for _, env := range uploader.Env {
		switch env.Name {
		case "S3_BUCKET":
			bucket = env.Value
		case "S3_PREFIX":
			prefix = env.Value
		}
	}
	assert.Equal(t, "session-artifacts", bucket)
	assert.Equal(t, "pw-videos/s1/", prefix)
}

func TestWaitReady(t *testing.T) {
	t.Parallel()
	client := fake.NewSimpleClientset(&corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Namespace: "omicron-browser", Name: "pw-mcp-s1"},
		Status: corev1.PodStatus{
			Phase: corev1.PodRunning,
			Conditions: []corev1.PodCondition{
				{Type: corev1.PodReady, Status: corev1.ConditionTrue},
			},
		},
	})
	p := New(client)

	require.NoError(t, p.WaitReady(context.Background(), "omicron-browser", "pw-mcp-s1", 10*time.Second))
}

func TestWaitReadyTimesOut(t *testing.T) {
	t.Parallel()
	client := fake.NewSimpleClientset(&corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Namespace: "omicron-browser", Name: "pw-mcp-s1"},
		Status:     corev1.PodStatus{Phase: corev1.PodPending},
	})
	p := New(client)

	err := p.WaitReady(context.Background(), "omicron-browser", "pw-mcp-s1", 10*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not ready")
}

func TestTeardown(t *testing.T) {
	t.Parallel()
	client := fake.NewSimpleClientset(
		&corev1.Pod{ObjectMeta: metav1.ObjectMeta{Namespace: "omicron-browser", Name: "pw-mcp-s1"}},
		&corev1.Service{ObjectMeta: metav1.ObjectMeta{Namespace: "omicron-browser", Name: "pw-mcp-s1"}},
	)
	p := New(client)
	ctx := context.Background()

	require.NoError(t, p.Teardown(ctx, "omicron-browser", "pw-mcp-s1", "pw-mcp-s1"))

	_, err := client.CoreV1().Pods("omicron-browser").Get(ctx, "pw-mcp-s1", metav1.GetOptions{})
	assert.Error(t, err)
	_, err = client.CoreV1().Services("omicron-browser").Get(ctx, "pw-mcp-s1", metav1.GetOptions{})
	assert.Error(t, err)

	// Deleting resources that are already gone succeeds.
	require.NoError(t, p.Teardown(ctx, "omicron-browser", "pw-mcp-s1", "pw-mcp-s1"))
}
