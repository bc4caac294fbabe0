// Package broker implements the browser session lifecycle controller.
//
// The broker sits between a stateless request-serving tier that needs "a
// browser for user X, session Y" and the cluster that hosts the ephemeral
// runner pods. Its core is the claim protocol: concurrent callers, possibly
// on different controller replicas, race to provision the same session
// through store-level conditional updates, so that exactly one provisioning
// attempt owns a session row at any instant. A background reaper reclaims
// expired and failed sessions independently of live traffic.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goa.design/clue/log"

	"github.com/omicronlabs/browserbroker/broker/provision"
	"github.com/omicronlabs/browserbroker/broker/store"
	"github.com/omicronlabs/browserbroker/broker/token"
	"github.com/omicronlabs/browserbroker/broker/vault"
)

// Defaults applied by New when the corresponding Config field is zero.
const (
	DefaultTTL           = 10 * time.Minute
	DefaultMaxTTL        = time.Hour
	DefaultStaleStarting = 2 * time.Minute
	DefaultStartup       = 2 * time.Minute
	DefaultPollInterval  = time.Second
	DefaultPollDeadline  = 30 * time.Second
	DefaultRunnerPort    = 8080
	DefaultVaultPrefix   = "playwright_secrets_"
)

// ErrStillStarting is returned by Acquire when another claim owns
// provisioning and the session did not become ready within the poll
// deadline. Callers should retry later; the provisioning attempt continues
// independently.
var ErrStillStarting = errors.New("browser session is starting")

// Lease is the caller-visible result of a successful claim. It carries no
// ownership internals.
type Lease struct {
	SessionID string
	MCPURL    string
	ExpiresAt time.Time
	Status    store.Status
}

// Config assembles the broker's collaborators and tuning knobs.
type Config struct {
	Store       store.Store
	Provisioner provision.Provisioner
	Vault       vault.Vault

	// CallerTokens verifies the administrative API tokens.
	CallerTokens *token.Domain
	// RunnerTokens mints and verifies the runner bootstrap tokens.
	RunnerTokens *token.Domain

	// Runner placement.
	Namespace            string
	RunnerImage          string
	RunnerPort           int32
	RunnerServiceAccount string
	// ControllerURL is the cluster-internal URL runners use to fetch
	// their secret bundle.
	ControllerURL string

	// Lifecycle tuning. Zero values pick the package defaults.
	TTL            time.Duration
	MaxTTL         time.Duration
	StaleStarting  time.Duration
	StartupTimeout time.Duration
	PollInterval   time.Duration
	PollDeadline   time.Duration

	// VaultSecretPrefix derives the per-user secret name:
	// <prefix><user_id>.
	VaultSecretPrefix string

	// Optional artifact sink for the uploader sidecar.
	ArtifactsBucket     string
	ArtifactsPrefixBase string
}

// Service is the browser session broker. It is safe for concurrent use and
// carries no per-session state of its own; the session row is the single
// mutable shared resource.
type Service struct {
	cfg Config
	now func() time.Time
}

// New validates cfg, applies defaults and returns the broker service.
func New(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Provisioner == nil {
		return nil, errors.New("provisioner is required")
	}
	if cfg.Vault == nil {
		return nil, errors.New("vault is required")
	}
	if cfg.CallerTokens == nil || cfg.RunnerTokens == nil {
		return nil, errors.New("token domains are required")
	}
	if cfg.Namespace == "" {
		return nil, errors.New("runner namespace is required")
	}
	if cfg.RunnerImage == "" {
		return nil, errors.New("runner image is required")
	}
	if cfg.ControllerURL == "" {
		return nil, errors.New("controller internal URL is required")
	}
	if cfg.RunnerPort == 0 {
		cfg.RunnerPort = DefaultRunnerPort
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxTTL <= 0 {
		cfg.MaxTTL = DefaultMaxTTL
	}
	if cfg.StaleStarting <= 0 {
		cfg.StaleStarting = DefaultStaleStarting
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = DefaultStartup
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.PollDeadline <= 0 {
		cfg.PollDeadline = DefaultPollDeadline
	}
	if cfg.VaultSecretPrefix == "" {
		cfg.VaultSecretPrefix = DefaultVaultPrefix
	}
	return &Service{cfg: cfg, now: time.Now}, nil
}

// SetClock overrides the service clock. Test hook.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// leaseTTL normalizes a caller-requested TTL.
func (s *Service) leaseTTL(requested time.Duration) time.Duration {
	if requested <= 0 {
		return s.cfg.TTL
	}
	if requested > s.cfg.MaxTTL {
		return s.cfg.MaxTTL
	}
	return requested
}

// Heartbeat extends the session lease by ttl. An unknown session is a no-op,
// not an error: the runner may not exist yet under lazy provisioning.
func (s *Service) Heartbeat(ctx context.Context, sessionID string, ttl time.Duration) error {
	now := s.now().UTC()
	expiresAt := now.Add(s.leaseTTL(ttl))
	_, err := s.cfg.Store.UpdateBySession(ctx, sessionID, store.Filter{}, store.Patch{
		ExpiresAt:  &expiresAt,
		LastUsedAt: &now,
	})
	if err != nil {
		return fmt.Errorf("heartbeat session %q: %w", sessionID, err)
	}
	return nil
}

// Delete tears down the session's runner resources and soft-retires the row.
// Idempotent: an unknown session and an already-absent pod both succeed.
func (s *Service) Delete(ctx context.Context, sessionID string) error {
	rec, err := s.cfg.Store.GetBySession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("delete session %q: %w", sessionID, err)
	}
	place := s.placementFor(rec, sessionID)
	if err := s.cfg.Provisioner.Teardown(ctx, place.Namespace, place.PodName, place.ServiceName); err != nil {
		return fmt.Errorf("teardown session %q: %w", sessionID, err)
	}
	now := s.now().UTC()
	ended := store.StatusEnded
	if _, err := s.cfg.Store.UpdateBySession(ctx, sessionID, store.Filter{}, store.Patch{
		Status:    &ended,
		ExpiresAt: &now,
	}); err != nil {
		return fmt.Errorf("retire session %q: %w", sessionID, err)
	}
	return nil
}

// RunnerSecrets returns the dotenv secret bundle for a verified runner
// identity. The session row must still exist in starting or ready (a token
// outliving its session fails closed), and a missing vault entry is a hard
// not-found, never partial data.
func (s *Service) RunnerSecrets(ctx context.Context, id token.Identity) (string, error) {
	rec, err := s.cfg.Store.Get(ctx, id.UserID, id.SessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", store.ErrNotFound
		}
		return "", fmt.Errorf("runner secrets for session %q: %w", id.SessionID, err)
	}
	if rec.Status != store.StatusStarting && rec.Status != store.StatusReady {
		return "", store.ErrNotFound
	}
	name := s.cfg.VaultSecretPrefix + id.UserID
	blob, err := s.cfg.Vault.Get(ctx, name)
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			log.Printf(ctx, "vault secret %q missing for session %q", name, id.SessionID)
			return "", vault.ErrNotFound
		}
		return "", fmt.Errorf("vault secret %q: %w", name, err)
	}
	return blob, nil
}
