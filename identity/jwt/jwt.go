// Package jwt resolves HS256 bearer tokens to user ids. The user id is the
// token's subject claim.
package jwt

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ineyio/quotaledger"
)

// Verifier is a quotaledger.Identity for HS256 tokens.
type Verifier struct {
	secret []byte
	issuer string
	leeway time.Duration
	now    func() time.Time
}

var _ quotaledger.Identity = (*Verifier)(nil)

// Option configures a Verifier.
type Option func(*Verifier)

// WithIssuer requires and stamps the iss claim.
func WithIssuer(iss string) Option {
	return func(v *Verifier) { v.issuer = iss }
}

// WithLeeway tolerates clock skew when checking exp and nbf.
func WithLeeway(d time.Duration) Option {
	return func(v *Verifier) { v.leeway = d }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// New creates a Verifier for tokens signed with secret.
func New(secret []byte, opts ...Option) *Verifier {
	v := &Verifier{secret: secret, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Authenticate accepts a raw token or an "Authorization: Bearer" value.
func (v *Verifier) Authenticate(_ context.Context, credential string) (string, error) {
	token := strings.TrimSpace(credential)
	if after, ok := strings.CutPrefix(token, "Bearer "); ok {
		token = strings.TrimSpace(after)
	}
	if token == "" {
		return "", quotaledger.ErrUnauthorized
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", quotaledger.ErrInvalidCredential, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", quotaledger.ErrInvalidCredential)
	}
	return claims.Subject, nil
}

// Issue signs a token for uid valid for ttl. It is meant for support
// tooling and tests; production tokens come from the identity provider.
func (v *Verifier) Issue(uid string, ttl time.Duration) (string, error) {
	now := v.now()
	claims := jwt.RegisteredClaims{
		Subject:   uid,
		Issuer:    v.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
