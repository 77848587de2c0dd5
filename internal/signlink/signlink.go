// Package signlink mints and redeems short-lived download links.
//
// A link is an HS256 JWT carrying the (platform, url, format, filename) tuple
// and an expiry. Redemption is stateless: a token stays valid until it expires.
package signlink

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mediafetch/mediafetch/internal/metrics"
)

const (
	MinTTL = 60 * time.Second
	MaxTTL = 24 * time.Hour

	issuer = "mediafetch"
)

// ErrInvalidLink is the only error Redeem returns. Expired, tampered and
// malformed tokens are indistinguishable to the caller.
var ErrInvalidLink = errors.New("link is invalid or expired")

// Link is the tuple bound into a token.
type Link struct {
	Platform string `json:"platform"`
	URL      string `json:"url"`
	FormatID string `json:"format_id"`
	Filename string `json:"filename"`
}

type claims struct {
	Link
	jwt.RegisteredClaims
}

type Issuer struct {
	secret     []byte
	defaultTTL time.Duration
	now        func() time.Time
	metrics    *metrics.Metrics
}

type Option func(*Issuer)

// WithClock overrides the time source used for issuing and verifying.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(i *Issuer) { i.metrics = m }
}

func NewIssuer(secret string, defaultTTL time.Duration, opts ...Option) *Issuer {
	i := &Issuer{
		secret:     []byte(secret),
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// ClampTTL returns ttl bounded to [MinTTL, MaxTTL]; zero selects the default.
func (i *Issuer) ClampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		ttl = i.defaultTTL
	}
	if ttl < MinTTL {
		return MinTTL
	}
	if ttl > MaxTTL {
		return MaxTTL
	}
	return ttl
}

// Issue signs link with an expiry ttl from now.
func (i *Issuer) Issue(link Link, ttl time.Duration) (string, time.Time, error) {
	now := i.now()
	expiresAt := now.Add(i.ClampTTL(ttl)).Truncate(time.Second)

	c := &claims{
		Link: link,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	i.record("issued")
	return token, expiresAt, nil
}

// Redeem verifies token and returns the bound link. Tokens are rejected once
// the clock reaches their expiry.
func (i *Issuer) Redeem(token string) (Link, error) {
	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		i.record("rejected")
		return Link{}, ErrInvalidLink
	}

	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid || c.URL == "" {
		i.record("rejected")
		return Link{}, ErrInvalidLink
	}

	i.record("redeemed")
	return c.Link, nil
}

func (i *Issuer) record(result string) {
	if i.metrics != nil {
		i.metrics.IncCounter("signed_links_total", "result", result)
	}
}
