package transport

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/tabula/internal/config"
	"github.com/pitabwire/tabula/internal/observability"
	"github.com/pitabwire/tabula/model"
)

// Claim path keys understood in config.SessionConfig.ClaimPaths.
const (
	ClaimSubject = "subject_id"
	ClaimTenant  = "tenant_id"
	ClaimEmail   = "email"
	ClaimRoles   = "roles"
	ClaimSession = "session_id"
)

const sessionLeeway = 30 * time.Second

// SessionAuthenticator verifies session tokens and attaches the principal
// to the request context. Tokens are read from the Authorization header or,
// failing that, from the session cookie.
type SessionAuthenticator struct {
	key        any
	issuer     string
	audience   string
	algorithms []string
	claimPaths map[string]string
	cookieName string
}

// SessionKey loads the verification key cfg names: the HMAC secret from
// the environment, or an RSA or ECDSA public key from a PEM file.
func SessionKey(cfg config.SessionConfig) (any, error) {
	if cfg.PublicKeyFile != "" {
		data, err := os.ReadFile(cfg.PublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("session: reading public key: %w", err)
		}
		if key, err := jwt.ParseRSAPublicKeyFromPEM(data); err == nil {
			return key, nil
		}
		key, err := jwt.ParseECPublicKeyFromPEM(data)
		if err != nil {
			return nil, fmt.Errorf("session: %s holds neither an RSA nor an ECDSA public key", cfg.PublicKeyFile)
		}
		return key, nil
	}
	secret, err := config.EnvValue(cfg.SecretEnv)
	if err != nil {
		return nil, err
	}
	if len(secret) < 32 {
		return nil, errors.New("session: secret must be at least 32 bytes")
	}
	return []byte(secret), nil
}

// NewSessionAuthenticator creates an authenticator verifying tokens with key.
func NewSessionAuthenticator(cfg config.SessionConfig, key any) *SessionAuthenticator {
	algorithms := cfg.Algorithms
	if len(algorithms) == 0 {
		algorithms = []string{"HS256"}
	}
	return &SessionAuthenticator{
		key:        key,
		issuer:     cfg.Issuer,
		audience:   cfg.Audience,
		algorithms: algorithms,
		claimPaths: cfg.ClaimPaths,
		cookieName: cfg.CookieName,
	}
}

// Middleware rejects unauthenticated requests with 401 and attaches the
// principal of authenticated ones.
func (a *SessionAuthenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rctx, err := a.Authenticate(r)
		if err != nil {
			observability.LoggerFrom(r.Context(), nil).Warn("session rejected",
				zap.Error(err),
				zap.String("path", r.URL.Path),
			)
			WriteError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(model.WithRequestContext(r.Context(), rctx)))
	})
}

// Authenticate verifies the session token of r and builds its principal.
func (a *SessionAuthenticator) Authenticate(r *http.Request) (*model.RequestContext, error) {
	raw, err := a.token(r)
	if err != nil {
		return nil, err
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(a.algorithms),
		jwt.WithLeeway(sessionLeeway),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}
	token, err := jwt.Parse(raw, func(*jwt.Token) (any, error) { return a.key, nil }, opts...)
	if err != nil {
		return nil, model.NewUnauthorizedError(classifyJWTError(err))
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, model.NewUnauthorizedError("Invalid token")
	}

	rctx := a.principal(map[string]any(claims))
	rctx.CorrelationID = CorrelationIDFrom(r.Context())
	rctx.TraceID = observability.TraceIDFromContext(r.Context())
	rctx.Locale = r.Header.Get("Accept-Language")
	if err := rctx.Validate(); err != nil {
		return nil, model.NewUnauthorizedError("Token has no subject")
	}
	return rctx, nil
}

func (a *SessionAuthenticator) token(r *http.Request) (string, error) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, raw, ok := strings.Cut(auth, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || raw == "" {
			return "", model.NewUnauthorizedError("Invalid authorization header format")
		}
		return raw, nil
	}
	if a.cookieName != "" {
		if c, err := r.Cookie(a.cookieName); err == nil && c.Value != "" {
			return c.Value, nil
		}
	}
	return "", model.NewUnauthorizedError("Missing session")
}

// principal maps verified claims onto a RequestContext through the
// configured claim paths. Paths may be nested, e.g. "realm_access.roles".
func (a *SessionAuthenticator) principal(claims map[string]any) *model.RequestContext {
	path := func(key, def string) string {
		if p, ok := a.claimPaths[key]; ok && p != "" {
			return p
		}
		return def
	}
	rec := model.Record(claims)
	return &model.RequestContext{
		SubjectID: claimString(rec, path(ClaimSubject, "sub")),
		TenantID:  claimString(rec, path(ClaimTenant, "tenant_id")),
		Email:     claimString(rec, path(ClaimEmail, "email")),
		Roles:     claimStrings(rec, path(ClaimRoles, "roles")),
		SessionID: claimString(rec, path(ClaimSession, "sid")),
		Claims:    claims,
	}
}

func claimString(rec model.Record, path string) string {
	v, _ := rec.Get(path)
	s, _ := v.(string)
	return s
}

func claimStrings(rec model.Record, path string) []string {
	v, _ := rec.Get(path)
	switch t := v.(type) {
	case string:
		return strings.Fields(t)
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func classifyJWTError(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "Token expired"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "Invalid token issuer"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "Invalid token audience"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "Invalid token signature"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "Malformed token"
	case strings.Contains(err.Error(), "signing method"):
		return "Disallowed signing algorithm"
	default:
		return "Invalid token"
	}
}
