// Package token implements the broker's three HMAC trust domains on a single
// signing primitive. A Domain is parameterized by secret, audience, and the
// claims it requires; the broker instantiates one per trust boundary:
//
//   - caller -> controller (administrative API auth)
//   - controller -> runner (bootstrap credential injected into the pod)
//   - runner -> controller (secret issuance gate, verifies the bootstrap
//     token a second time before releasing the vault blob)
//
// All tokens are short-lived HS256 JWTs validated for issued-at, expiry and
// audience before any state access.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for any malformed, expired, or wrong-audience
// token. The cause is deliberately not propagated to callers.
var ErrInvalidToken = errors.New("invalid token")

// Domain issues and verifies tokens for one trust boundary.
type Domain struct {
	secret   []byte
	audience string
	ttl      time.Duration
	now      func() time.Time
}

// Identity is the validated content of a verified token. Sub carries the
// caller identity for the API domain; UserID and SessionID carry the runner
// binding for the bootstrap domain.
type Identity struct {
	Sub       string
	UserID    string
	SessionID string
}

type domainClaims struct {
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	jwt.RegisteredClaims
}

// New creates a trust domain. ttl bounds every token the domain issues.
func New(secret, audience string, ttl time.Duration) (*Domain, error) {
	if secret == "" {
		return nil, errors.New("secret is required")
	}
	if audience == "" {
		return nil, errors.New("audience is required")
	}
	if ttl <= 0 {
		return nil, errors.New("ttl must be positive")
	}
	return &Domain{secret: []byte(secret), audience: audience, ttl: ttl, now: time.Now}, nil
}

// SetClock overrides the domain's clock. Test hook.
func (d *Domain) SetClock(now func() time.Time) { d.now = now }

// IssueCaller mints a caller token with the given subject.
func (d *Domain) IssueCaller(sub string) (string, error) {
	if sub == "" {
		return "", errors.New("subject is required")
	}
	return d.sign(domainClaims{RegisteredClaims: d.registered(sub)})
}

// IssueRunner mints a runner bootstrap token bound to (user, session).
func (d *Domain) IssueRunner(userID, sessionID string) (string, error) {
	if userID == "" || sessionID == "" {
		return "", errors.New("user and session ids are required")
	}
	return d.sign(domainClaims{
		UserID:           userID,
		SessionID:        sessionID,
		RegisteredClaims: d.registered(""),
	})
}

// VerifyCaller validates an administrative API token and returns the caller
// identity. Requires iat, exp, aud and a non-empty sub.
func (d *Domain) VerifyCaller(raw string) (Identity, error) {
	claims, err := d.parse(raw)
	if err != nil {
		return Identity{}, err
	}
	if claims.Subject == "" {
		return Identity{}, ErrInvalidToken
	}
	return Identity{Sub: claims.Subject}, nil
}

// VerifyRunner validates a runner bootstrap token and returns the (user,
// session) binding. Requires iat, exp, aud and both binding claims.
func (d *Domain) VerifyRunner(raw string) (Identity, error) {
	claims, err := d.parse(raw)
	if err != nil {
		return Identity{}, err
	}
	if claims.UserID == "" || claims.SessionID == "" {
		return Identity{}, ErrInvalidToken
	}
	return Identity{UserID: claims.UserID, SessionID: claims.SessionID}, nil
}

func (d *Domain) registered(sub string) jwt.RegisteredClaims {
	now := d.now().UTC()
	return jwt.RegisteredClaims{
		Subject:   sub,
		Audience:  jwt.ClaimStrings{d.audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(d.ttl)),
	}
}

func (d *Domain) sign(claims domainClaims) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(d.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func (d *Domain) parse(raw string) (domainClaims, error) {
	var claims domainClaims
	_, err := jwt.ParseWithClaims(raw, &claims,
		func(t *jwt.Token) (any, error) { return d.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(d.audience),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return d.now() }),
	)
	if err != nil {
		return domainClaims{}, ErrInvalidToken
	}
	if claims.IssuedAt == nil {
		return domainClaims{}, ErrInvalidToken
	}
	return claims, nil
}
