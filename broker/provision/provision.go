// Package provision defines the cluster resource layer for browser runners.
//
// All operations are idempotent with respect to "already exists" and
// "already absent" so that concurrent claim winners and repeated teardowns
// collide harmlessly at the infrastructure layer.
package provision

import (
	"context"
	"time"
)

// PodSpec describes the runner compute unit to create.
type PodSpec struct {
	Namespace      string
	Name           string
	Image          string
	ServiceAccount string
	Port           int32

	// ControllerURL is the cluster-internal URL the runner uses to fetch
	// its secret bundle on startup.
	ControllerURL string
	// BrokerToken is the bootstrap credential injected into the pod
	// environment; it is the only secret the provisioner ever handles.
	BrokerToken string

	// ArtifactsBucket/ArtifactsPrefix, when both set, attach an uploader
	// sidecar that copies the runner's output directory to the sink on
	// termination. Best effort.
	ArtifactsBucket string
	ArtifactsPrefix string
}

// Provisioner creates and reclaims the runner's compute and network
// resources. Implementations must tolerate repeated calls for the same names.
type Provisioner interface {
	// EnsureService creates the stable internal endpoint addressing the
	// runner pod. An existing service with the same name is not an error.
	EnsureService(ctx context.Context, namespace, name string, port int32, selector map[string]string) error

	// EnsurePod creates the runner pod. An existing pod with the same
	// name is not an error.
	EnsurePod(ctx context.Context, spec PodSpec) error

	// WaitReady polls until the pod reports a running phase and a ready
	// condition, or fails with a timeout error.
	WaitReady(ctx context.Context, namespace, name string, timeout time.Duration) error

	// Teardown deletes the pod and service, ignoring "not found" on each
	// independently. Safe to call twice.
	Teardown(ctx context.Context, namespace, podName, serviceName string) error
}
