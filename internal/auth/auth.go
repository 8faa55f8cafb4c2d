// Package auth implements the fabric's bearer-token authority (C2):
// ed25519 handshake verification, JWT issue/verify, nonce-based
// revocation, and the background blacklist sweep. Grounded on
// internal/services/auth_service.go's JWT issue/verify/refresh shape,
// generalized from user credentials to node identity + role.
package auth

import (
	"crypto/ed25519"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	ferrors "github.com/meshforge/fabricd/internal/errors"
	"github.com/meshforge/fabricd/internal/fabric"
)

// Claims is the JWT payload binding a node identity to a role and a
// revocation nonce, per spec §3 "Auth token".
type Claims struct {
	NodeID string     `json:"node_id"`
	Role   fabric.Role `json:"role"`
	Nonce  string     `json:"nonce"`
	jwt.RegisteredClaims
}

// TrustBundle resolves a node's public key out of band, standing in for
// the cert-management utility the spec excludes from scope.
type TrustBundle interface {
	PublicKey(nodeID string) (ed25519.PublicKey, bool)
}

// StaticTrustBundle is the simplest TrustBundle: a fixed map loaded at
// startup (e.g. from the archive's certs/ directory).
type StaticTrustBundle struct {
	keys map[string]ed25519.PublicKey
}

func NewStaticTrustBundle(keys map[string]ed25519.PublicKey) *StaticTrustBundle {
	return &StaticTrustBundle{keys: keys}
}

func (b *StaticTrustBundle) PublicKey(nodeID string) (ed25519.PublicKey, bool) {
	k, ok := b.keys[nodeID]
	return k, ok
}

// Config tunes token lifetime and skew tolerance.
type Config struct {
	Secret       []byte
	Issuer       string
	TokenTTL     time.Duration
	SkewAllowed  time.Duration
}

func DefaultConfig(secret string) Config {
	return Config{
		Secret:      []byte(secret),
		Issuer:      "fabricd",
		TokenTTL:    15 * time.Minute,
		SkewAllowed: 30 * time.Second,
	}
}

// Service issues, verifies and revokes bearer tokens.
type Service struct {
	cfg   Config
	trust TrustBundle

	mu        sync.Mutex
	blacklist map[string]time.Time // nonce -> expires_at

	stopSweep chan struct{}
}

// NewService creates an auth Service. trust may be nil if handshake
// signature verification is not required (e.g. in tests).
func NewService(cfg Config, trust TrustBundle) *Service {
	s := &Service{
		cfg:       cfg,
		trust:     trust,
		blacklist: make(map[string]time.Time),
		stopSweep: make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// Close stops the background blacklist sweep.
func (s *Service) Close() { close(s.stopSweep) }

// HandshakeChallenge is the ephemeral bytes a server hands a connecting
// node to sign with its private key.
type HandshakeChallenge []byte

// VerifyHandshake checks that signature is a valid ed25519 signature of
// challenge under nodeID's trusted public key.
func (s *Service) VerifyHandshake(nodeID string, challenge HandshakeChallenge, signature []byte) error {
	if s.trust == nil {
		return ferrors.NewInternal("no trust bundle configured")
	}
	pub, ok := s.trust.PublicKey(nodeID)
	if !ok {
		return ferrors.NewAuthInvalid("unknown node identity")
	}
	if !ed25519.Verify(pub, challenge, signature) {
		return ferrors.NewAuthInvalid("handshake signature verification failed")
	}
	return nil
}

// IssueToken mints a bearer token for a verified node identity.
func (s *Service) IssueToken(nodeID string, role fabric.Role) (string, error) {
	now := time.Now()
	claims := Claims{
		NodeID: nodeID,
		Role:   role,
		Nonce:  uuid.NewString(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.TokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.cfg.Secret)
	if err != nil {
		return "", ferrors.Wrap(err, ferrors.Internal)
	}
	return signed, nil
}

// Verify runs the five-step verification from spec §4.2: signature,
// expiry with skew, blacklist, (requiresAuth short-circuit is the
// caller's responsibility), and the role in the returned Claims, which
// the dispatcher checks for coordinator_only methods. Claims validation is
// done here rather than inside ParseWithClaims: the library folds an
// expired exp into its generic parse error, and auth_invalid and
// auth_expired are distinct caller-visible kinds.
func (s *Service) Verify(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ferrors.NewAuthInvalid("unexpected signing method")
		}
		return s.cfg.Secret, nil
	}, jwt.WithoutClaimsValidation())
	if err != nil || !token.Valid {
		return nil, ferrors.NewAuthInvalid("token signature or format invalid")
	}

	if claims.ExpiresAt != nil && time.Now().After(claims.ExpiresAt.Time.Add(s.cfg.SkewAllowed)) {
		return nil, ferrors.NewAuthExpired("token has expired")
	}

	s.mu.Lock()
	_, revoked := s.blacklist[claims.Nonce]
	s.mu.Unlock()
	if revoked {
		return nil, ferrors.NewAuthRevoked("token has been revoked")
	}

	return claims, nil
}

// Revoke blacklists a token's nonce until its natural expiry, at which
// point the sweep reclaims the entry.
func (s *Service) Revoke(claims *Claims) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp := time.Now().Add(s.cfg.TokenTTL)
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Time
	}
	s.blacklist[claims.Nonce] = exp
}

// RequireRole enforces coordinator_only methods refusing worker tokens
// (spec §4.2 step 5). Callers that only carry the resolved role (the
// dispatcher, past the point tokens have already been verified) pass it
// directly rather than re-threading the full Claims through.
func RequireRole(role fabric.Role, required fabric.Role) error {
	if role != required {
		return ferrors.NewAuthForbidden("role " + string(role) + " lacks capability for this method")
	}
	return nil
}

func (s *Service) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweepExpired()
		case <-s.stopSweep:
			return
		}
	}
}

func (s *Service) sweepExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for nonce, exp := range s.blacklist {
		if now.After(exp) {
			delete(s.blacklist, nonce)
		}
	}
}

// Snapshot/Restore let the Archive (C11) persist the blacklist as an
// opaque file-backed map, per spec's Non-goal on blacklist persistence
// internals.
func (s *Service) Snapshot() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.blacklist))
	for k, v := range s.blacklist {
		out[k] = v
	}
	return out
}

func (s *Service) Restore(data map[string]time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range data {
		s.blacklist[k] = v
	}
}
