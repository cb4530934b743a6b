package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jwt "github.com/golang-jwt/jwt/v5"

	"lendpool/observability/logging"
)

// Scopes carried in the token's scope claim.
const (
	ScopeWrite = "lending:write"
	ScopeAdmin = "lending:admin"
)

// CallerHeader names the caller when authentication is disabled. It is
// ignored otherwise.
const CallerHeader = "X-Lending-Caller"

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	Disabled   bool
	HMACSecret string
	Issuer     string
	Audience   string
	ScopeClaim string
	ClockSkew  time.Duration
}

type callerContextKey struct{}

// WithCaller returns ctx carrying the authenticated caller address.
func WithCaller(ctx context.Context, caller common.Address) context.Context {
	return context.WithValue(ctx, callerContextKey{}, caller)
}

// CallerFrom returns the authenticated caller stored in ctx.
func CallerFrom(ctx context.Context) (common.Address, bool) {
	caller, ok := ctx.Value(callerContextKey{}).(common.Address)
	return caller, ok
}

// Authenticator verifies HMAC-signed JWTs. The sub claim must be the caller's
// hex address.
type Authenticator struct {
	cfg    AuthConfig
	secret []byte
	parser *jwt.Parser
	logger *slog.Logger
}

// NewAuthenticator validates cfg and builds the token parser.
func NewAuthenticator(cfg AuthConfig, logger *slog.Logger) (*Authenticator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	secret := []byte(strings.TrimSpace(cfg.HMACSecret))
	if !cfg.Disabled && len(secret) == 0 {
		return nil, errors.New("auth: hmac secret required")
	}
	if cfg.ScopeClaim == "" {
		cfg.ScopeClaim = "scope"
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithLeeway(cfg.ClockSkew),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &Authenticator{cfg: cfg, secret: secret, parser: jwt.NewParser(opts...), logger: logger}, nil
}

// Middleware rejects requests without a valid token holding every required
// scope and stores the caller in the request context.
func (a *Authenticator) Middleware(requiredScopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if a.cfg.Disabled {
				caller, err := parseCaller(r.Header.Get(CallerHeader))
				if err != nil {
					writeError(w, r, http.StatusUnauthorized, "unauthenticated", err.Error())
					return
				}
				next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
				return
			}
			header := r.Header.Get("Authorization")
			raw := extractBearer(header)
			if raw == "" {
				writeError(w, r, http.StatusUnauthorized, "unauthenticated", "missing bearer token")
				return
			}
			caller, scopes, err := a.verify(raw)
			if err != nil {
				a.logger.Warn("lending auth rejected",
					"request_id", RequestIDFrom(r.Context()),
					"error", err,
					logging.MaskField("authorization", header))
				writeError(w, r, http.StatusUnauthorized, "unauthenticated", "invalid token")
				return
			}
			if !hasScopes(scopes, requiredScopes) {
				writeError(w, r, http.StatusForbidden, "forbidden", "insufficient scope")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}

func (a *Authenticator) verify(raw string) (common.Address, []string, error) {
	claims := jwt.MapClaims{}
	token, err := a.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	})
	if err != nil {
		return common.Address{}, nil, err
	}
	if !token.Valid {
		return common.Address{}, nil, errors.New("token invalid")
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return common.Address{}, nil, err
	}
	caller, err := parseCaller(sub)
	if err != nil {
		return common.Address{}, nil, err
	}
	return caller, extractScopes(claims, a.cfg.ScopeClaim), nil
}

func parseCaller(raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("caller must be a hex address")
	}
	caller := common.HexToAddress(trimmed)
	if caller == (common.Address{}) {
		return common.Address{}, fmt.Errorf("caller must be non-zero")
	}
	return caller, nil
}

func extractScopes(claims jwt.MapClaims, scopeClaim string) []string {
	switch v := claims[scopeClaim].(type) {
	case string:
		return strings.Fields(v)
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			if s, ok := entry.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func hasScopes(scopes, required []string) bool {
	set := make(map[string]struct{}, len(scopes))
	for _, scope := range scopes {
		set[scope] = struct{}{}
	}
	for _, req := range required {
		if _, ok := set[req]; !ok {
			return false
		}
	}
	return true
}

func extractBearer(header string) string {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
