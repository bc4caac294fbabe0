package broker

import (
	"fmt"

	"github.com/omicronlabs/browserbroker/broker/store"
)

// runnerNamePrefix keys every runner resource off the logical session id, so
// any party can compute the expected endpoint without a round trip and
// concurrent provisioning attempts collide at the infrastructure layer.
const runnerNamePrefix = "pw-mcp-"

// runnerAppLabel selects runner pods for the ClusterIP service.
const runnerAppLabel = "pw-mcp-runner"

// RunnerIdentity is the derived placement of a session's runner. It is a
// pure function of the session id, never stored independently.
type RunnerIdentity struct {
	Namespace   string
	PodName     string
	ServiceName string
	MCPURL      string
}

// placement computes the runner identity for a logical session id.
func (s *Service) placement(sessionID string) RunnerIdentity {
	name := runnerNamePrefix + sessionID
	return RunnerIdentity{
		Namespace:   s.cfg.Namespace,
		PodName:     name,
		ServiceName: name,
		MCPURL: fmt.Sprintf("http://%s.%s.svc.cluster.local:%d/mcp",
			name, s.cfg.Namespace, s.cfg.RunnerPort),
	}
}

// placementFor prefers the placement recorded on the row, falling back to
// derivation for rows written before a config change.
func (s *Service) placementFor(rec store.SessionRecord, sessionID string) RunnerIdentity {
	place := s.placement(sessionID)
	if rec.Namespace != "" {
		place.Namespace = rec.Namespace
	}
	if rec.PodName != "" {
		place.PodName = rec.PodName
	}
	if rec.ServiceName != "" {
		place.ServiceName = rec.ServiceName
	}
	if rec.MCPURL != "" {
		place.MCPURL = rec.MCPURL
	}
	return place
}

// artifactsPrefix returns the per-session output-storage prefix, or empty
// when no artifact sink is configured.
func (s *Service) artifactsPrefix(sessionID string) string {
	if s.cfg.ArtifactsBucket == "" {
		return ""
	}
	base := s.cfg.ArtifactsPrefixBase
	if base == "" {
		base = "pw-videos"
	}
	return fmt.Sprintf("%s/%s/", base, sessionID)
}
