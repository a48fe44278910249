// Package callback issues and verifies the signed, time-bounded callbacks
// that let a client invoke a declared table operation.
package callback

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/juju/clock"

	"github.com/pitabwire/tabula/internal/observability"
	"github.com/pitabwire/tabula/model"
)

// Path is the route callbacks are issued against.
const Path = "/table-actions/invoke"

// DefaultTTL is the validity window of an issued callback.
const DefaultTTL = 15 * time.Minute

// MinKeyLength is the minimum signing key size in bytes.
const MinKeyLength = 32

// ErrInvalidCallback is returned for every verification failure. The concrete
// cause is wrapped for logging but never shown to the client.
var ErrInvalidCallback = errors.New("callback: invalid or expired callback")

// Claims is the signed content of a callback token.
type Claims struct {
	Table     string `json:"tbl"`
	Operation string `json:"op"`
	Kind      string `json:"knd"`
	Record    string `json:"rec,omitempty"`
	jwt.RegisteredClaims
}

// Target returns the operation identity the claims were issued for.
func (c *Claims) Target() model.CallbackTarget {
	return model.CallbackTarget{Table: c.Table, Operation: c.Operation, Kind: c.Kind, Record: c.Record}
}

// Issuer signs and verifies callbacks with an HMAC key.
type Issuer struct {
	key     []byte
	issuer  string
	baseURL string
	ttl     time.Duration
	clock   clock.Clock
	metrics *observability.Metrics
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithTTL overrides the validity window.
func WithTTL(ttl time.Duration) Option {
	return func(i *Issuer) {
		if ttl > 0 {
			i.ttl = ttl
		}
	}
}

// WithClock sets the clock used for issuance and expiry checks.
func WithClock(c clock.Clock) Option {
	return func(i *Issuer) { i.clock = c }
}

// WithBaseURL prefixes issued URLs, e.g. "https://admin.example.com".
func WithBaseURL(base string) Option {
	return func(i *Issuer) { i.baseURL = strings.TrimRight(base, "/") }
}

// WithMetrics counts issued callbacks by kind.
func WithMetrics(m *observability.Metrics) Option {
	return func(i *Issuer) { i.metrics = m }
}

// NewIssuer creates an Issuer. The issuer name is bound into every token and
// checked on verification.
func NewIssuer(key []byte, issuer string, opts ...Option) (*Issuer, error) {
	if len(key) < MinKeyLength {
		return nil, fmt.Errorf("callback: signing key must be at least %d bytes, got %d", MinKeyLength, len(key))
	}
	if issuer == "" {
		return nil, errors.New("callback: issuer is required")
	}
	i := &Issuer{
		key:    key,
		issuer: issuer,
		ttl:    DefaultTTL,
		clock:  clock.WallClock,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// TTL returns the validity window.
func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

// Issue signs a callback for target. The signature covers the table,
// operation, kind and record identities.
func (i *Issuer) Issue(target model.CallbackTarget) (model.SignedCallback, error) {
	if target.Table == "" {
		return model.SignedCallback{}, model.NewConfigurationError("callback requested for operation %q without a table identity", target.Operation)
	}
	if target.Operation == "" || target.Kind == "" {
		return model.SignedCallback{}, model.NewConfigurationError("callback requested for table %q without an operation identity", target.Table)
	}

	now := i.clock.Now().UTC().Truncate(time.Second)
	expires := now.Add(i.ttl)
	claims := Claims{
		Table:     target.Table,
		Operation: target.Operation,
		Kind:      target.Kind,
		Record:    target.Record,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			ID:        uuid.NewString(),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return model.SignedCallback{}, fmt.Errorf("callback: signing: %w", err)
	}

	if i.metrics != nil {
		i.metrics.RecordCallbackIssued(target.Kind)
	}

	q := url.Values{}
	if target.Record != "" {
		q.Set("record", target.Record)
	}
	q.Set("token", token)

	return model.SignedCallback{
		URL:    i.baseURL + Path + "?" + q.Encode(),
		Method: "POST",
		Payload: model.CallbackPayload{
			Table:  Encode(target.Table),
			Name:   target.Operation,
			Action: Encode(target.Kind),
		},
		IssuedAt:  now,
		ExpiresAt: expires,
		Token:     token,
	}, nil
}

// Verify checks the token's signature, issuer and expiry and returns its
// claims.
func (i *Issuer) Verify(token string) (*Claims, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: missing token", ErrInvalidCallback)
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return i.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(i.clock.Now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCallback, err)
	}
	if claims.Table == "" || claims.Operation == "" || claims.Kind == "" {
		return nil, fmt.Errorf("%w: incomplete claims", ErrInvalidCallback)
	}
	return claims, nil
}

// Encode is the transport encoding of table and kind identities.
func Encode(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

// Decode reverses Encode.
func Decode(s string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("callback: decoding identity: %w", err)
	}
	return string(b), nil
}
