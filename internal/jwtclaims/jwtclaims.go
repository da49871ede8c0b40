// Package jwtclaims extracts identity claims from the session credential.
// The credential is a JWT; it can be decoded without verification (the
// server remains the authority) or verified against a JWKS, either given
// directly or discovered from an OIDC issuer.
package jwtclaims

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalid indicates a credential that could not be decoded or failed
// validation (signature, issuer, audience, expiry, missing subject).
var ErrInvalid = errors.New("jwtclaims: invalid credential")

// Claims are the identity claims carried by the credential.
type Claims struct {
	Email    string `json:"email,omitempty"`
	Nickname string `json:"nickname,omitempty"`
	jwt.RegisteredClaims
}

// UserID parses the subject as a numeric user id.
func (c *Claims) UserID() (int64, bool) {
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// Decoder turns a raw credential into claims.
type Decoder interface {
	Decode(ctx context.Context, tok string) (*Claims, error)
}

// Config controls verification. Empty Issuer or Audiences skip the
// respective check.
type Config struct {
	Issuer      string
	Audiences   []string
	AllowedAlgs []string
	Leeway      time.Duration
}

// DefaultConfig returns a Config with safe defaults for algorithm and leeway.
func DefaultConfig() *Config {
	return &Config{
		AllowedAlgs: []string{"RS256"},
		Leeway:      60 * time.Second,
	}
}

type unverified struct {
	parser *jwt.Parser
}

// NewUnverified returns a Decoder that reads claims without checking the
// signature. Expired credentials are still rejected.
func NewUnverified() Decoder {
	return &unverified{parser: jwt.NewParser()}
}

func (d *unverified) Decode(ctx context.Context, tok string) (*Claims, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalid)
	}
	var claims Claims
	if _, _, err := d.parser.ParseUnverified(tok, &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if claims.ExpiresAt != nil && time.Now().After(claims.ExpiresAt.Time) {
		return nil, fmt.Errorf("%w: token expired", ErrInvalid)
	}
	return requireSubject(&claims)
}

type verifier struct {
	cfg     *Config
	issuer  string
	keyfunc jwt.Keyfunc
}

// NewJWKS returns a Decoder that verifies signatures against the JWKS at
// jwksURL. Keys are refreshed in the background for the lifetime of ctx.
func NewJWKS(ctx context.Context, cfg *Config, jwksURL string) (Decoder, error) {
	if jwksURL == "" {
		return nil, errors.New("jwks url required")
	}
	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}
	return newVerifier(cfg, "", kf), nil
}

// NewFromDiscovery performs OIDC discovery against cfg.Issuer to find the
// jwks_uri and the canonical issuer, and returns a verifying Decoder.
func NewFromDiscovery(ctx context.Context, cfg *Config) (Decoder, error) {
	if cfg == nil || cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		Issuer  string `json:"issuer"`
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("discovery incomplete: missing jwks_uri")
	}
	kf, err := keyfunc.NewDefaultCtx(ctx, []string{meta.JwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}
	return newVerifier(cfg, meta.Issuer, kf), nil
}

func newVerifier(cfg *Config, issuer string, kf keyfunc.Keyfunc) *verifier {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = []string{"RS256"}
	}
	if issuer == "" {
		issuer = cfg.Issuer
	}
	return &verifier{
		cfg:    cfg,
		issuer: issuer,
		keyfunc: func(t *jwt.Token) (any, error) {
			if alg := t.Method.Alg(); !slices.Contains(cfg.AllowedAlgs, alg) {
				return nil, fmt.Errorf("disallowed alg: %s", alg)
			}
			return kf.Keyfunc(t)
		},
	}
}

func (v *verifier) Decode(ctx context.Context, tok string) (*Claims, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalid)
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(v.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.cfg.Leeway),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var claims Claims
	if _, err := jwt.NewParser(opts...).ParseWithClaims(tok, &claims, v.keyfunc); err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrInvalid, err)
	}
	if len(v.cfg.Audiences) > 0 && !audIntersects(claims.Audience, v.cfg.Audiences) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrInvalid)
	}
	return requireSubject(&claims)
}

func requireSubject(c *Claims) (*Claims, error) {
	if c.Subject == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrInvalid)
	}
	return c, nil
}

func audIntersects(have jwt.ClaimStrings, wants []string) bool {
	for _, a := range have {
		if slices.Contains(wants, a) {
			return true
		}
	}
	return false
}
