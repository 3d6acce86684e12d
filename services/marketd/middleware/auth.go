package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"nftmarket/services/marketd/models"
)

type contextKey string

const contextKeyPrincipal contextKey = "marketd.principal"

// Principal is the authenticated caller attached to the request context.
type Principal struct {
	UserID uuid.UUID
	Role   string
}

// IsPrivileged reports whether the caller may confirm settlements.
func (p Principal) IsPrivileged() bool {
	return p.Role == models.RoleAdmin || p.Role == models.RoleService
}

// WithPrincipal stores the principal on the context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, contextKeyPrincipal, p)
}

// PrincipalFromContext returns the authenticated caller, if any.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(contextKeyPrincipal).(Principal)
	return p, ok
}

// UserSyncer records authenticated callers in the user directory so role
// checks made by the marketplace see the role asserted by the token.
type UserSyncer interface {
	SyncUser(ctx context.Context, id uuid.UUID, role string) error
}

// AuthConfig controls bearer token verification.
type AuthConfig struct {
	HMACSecret    string
	Issuer        string
	Audience      []string
	ClockSkew     time.Duration
	AdminSubjects []string
	RoleClaim     string
}

// Authenticator verifies HS256 bearer tokens whose subject is the caller's
// user id.
type Authenticator struct {
	cfg    AuthConfig
	secret []byte
	admins map[string]struct{}
	users  UserSyncer
	logger *slog.Logger

	mu     sync.Mutex
	synced map[Principal]struct{}
}

// NewAuthenticator validates the configuration and returns an authenticator.
// users may be nil when callers are provisioned out of band.
func NewAuthenticator(cfg AuthConfig, users UserSyncer, logger *slog.Logger) (*Authenticator, error) {
	secret := strings.TrimSpace(cfg.HMACSecret)
	if secret == "" {
		return nil, errors.New("auth: hmac secret not configured")
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = time.Minute
	}
	if cfg.RoleClaim == "" {
		cfg.RoleClaim = "role"
	}
	if logger == nil {
		logger = slog.Default()
	}
	admins := make(map[string]struct{}, len(cfg.AdminSubjects))
	for _, subject := range cfg.AdminSubjects {
		if trimmed := strings.TrimSpace(subject); trimmed != "" {
			admins[strings.ToLower(trimmed)] = struct{}{}
		}
	}
	return &Authenticator{
		cfg:    cfg,
		secret: []byte(secret),
		admins: admins,
		users:  users,
		logger: logger,
		synced: make(map[Principal]struct{}),
	}, nil
}

// Middleware rejects requests without a valid bearer token and attaches the
// resulting Principal to the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := extractBearer(r.Header.Get("Authorization"))
		if tokenString == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		principal, err := a.Authenticate(tokenString)
		if err != nil {
			a.logger.Debug("token rejected", "error", err)
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		if err := a.sync(r.Context(), principal); err != nil {
			a.logger.Error("sync user", "error", err)
			writeError(w, http.StatusInternalServerError, "internal", "internal server error")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}

// Authenticate parses and validates a raw token.
func (a *Authenticator) Authenticate(tokenString string) (Principal, error) {
	claims, err := a.parseToken(tokenString)
	if err != nil {
		return Principal{}, err
	}
	if err := validateClaims(claims, a.cfg.Issuer, a.cfg.Audience); err != nil {
		return Principal{}, err
	}
	subject, err := claims.GetSubject()
	if err != nil {
		return Principal{}, err
	}
	userID, err := uuid.Parse(strings.TrimSpace(subject))
	if err != nil {
		return Principal{}, fmt.Errorf("subject is not a user id: %w", err)
	}
	role := models.RoleUser
	if raw, ok := claims[a.cfg.RoleClaim].(string); ok && strings.TrimSpace(raw) != "" {
		role = strings.ToLower(strings.TrimSpace(raw))
	}
	switch role {
	case models.RoleUser, models.RoleAdmin, models.RoleService:
	default:
		return Principal{}, fmt.Errorf("unsupported role %q", role)
	}
	if _, ok := a.admins[strings.ToLower(subject)]; ok {
		role = models.RoleAdmin
	}
	return Principal{UserID: userID, Role: role}, nil
}

func (a *Authenticator) sync(ctx context.Context, p Principal) error {
	if a.users == nil {
		return nil
	}
	a.mu.Lock()
	_, seen := a.synced[p]
	a.mu.Unlock()
	if seen {
		return nil
	}
	if err := a.users.SyncUser(ctx, p.UserID, p.Role); err != nil {
		return err
	}
	a.mu.Lock()
	a.synced[p] = struct{}{}
	a.mu.Unlock()
	return nil
}

func (a *Authenticator) parseToken(tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithLeeway(a.cfg.ClockSkew), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token invalid")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("claims not map")
	}
	return claims, nil
}

func validateClaims(claims jwt.MapClaims, issuer string, audience []string) error {
	if issuer != "" {
		if value, err := claims.GetIssuer(); err != nil || value != issuer {
			return errors.New("issuer mismatch")
		}
	}
	if len(audience) == 0 {
		return nil
	}
	values, err := claims.GetAudience()
	if err != nil {
		return errors.New("audience mismatch")
	}
	for _, want := range audience {
		for _, got := range values {
			if got == want {
				return nil
			}
		}
	}
	return errors.New("audience mismatch")
}

func extractBearer(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// RequirePrivileged restricts the wrapped handler to admin and service
// principals.
func RequirePrivileged(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := PrincipalFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing identity")
			return
		}
		if !principal.IsPrivileged() {
			writeError(w, http.StatusForbidden, "forbidden", "insufficient role")
			return
		}
		next.ServeHTTP(w, r)
	})
}
