// Package auth issues and checks the bearer tokens that scope every request
// to one tenant.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jogardn/orderboard/pkg/models"
	"github.com/sirupsen/logrus"
)

const (
	issuer          = "orderboard"
	DefaultTokenTTL = 12 * time.Hour
)

// Error codes written by the middleware, in the same body shape as the
// order API errors.
const (
	CodeUnauthorized = "UNAUTHORIZED"
	CodeForbidden    = "FORBIDDEN"
)

var (
	ErrMissingToken = errors.New("authorization token required")
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrNoTenant     = errors.New("token carries no tenant")
)

// Claims identifies a staff member and the tenant they act for.
type Claims struct {
	UserID   string           `json:"user_id"`
	TenantID string           `json:"tenant_id"`
	Role     models.StaffRole `json:"role"`
	jwt.RegisteredClaims
}

type Authenticator struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
	logger *logrus.Logger
}

func NewAuthenticator(secret string, logger *logrus.Logger) *Authenticator {
	return &Authenticator{
		secret: []byte(secret),
		ttl:    DefaultTokenTTL,
		now:    time.Now,
		logger: logger,
	}
}

// IssueToken signs an HS256 token for a staff member.
func (a *Authenticator) IssueToken(userID, tenantID string, role models.StaffRole) (string, error) {
	if tenantID == "" {
		return "", ErrNoTenant
	}
	now := a.now()
	claims := &Claims{
		UserID:   userID,
		TenantID: tenantID,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func (a *Authenticator) ParseToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(a.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.TenantID == "" {
		return nil, ErrNoTenant
	}
	return claims, nil
}

// PeekClaims decodes a token's claims without checking its signature. It is
// for clients that hold a token they cannot verify; the server still
// verifies every request.
func PeekClaims(tokenString string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.TenantID == "" {
		return nil, ErrNoTenant
	}
	return claims, nil
}

type contextKey struct{}

func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, contextKey{}, claims)
}

func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(contextKey{}).(*Claims)
	return claims, ok
}

// TenantFromContext returns the tenant of the authenticated caller, or ""
// when the request was not authenticated.
func TenantFromContext(ctx context.Context) string {
	if claims, ok := ClaimsFromContext(ctx); ok {
		return claims.TenantID
	}
	return ""
}

// tokenFromRequest reads the bearer header. Browsers cannot set headers on
// a websocket upgrade, so the token query parameter is accepted as well.
func tokenFromRequest(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		if t := r.URL.Query().Get("token"); t != "" {
			return t, nil
		}
		return "", ErrMissingToken
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
		return "", fmt.Errorf("%w: use Bearer <token>", ErrMissingToken)
	}
	return parts[1], nil
}

// Middleware rejects unauthenticated requests and stores the claims in the
// request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString, err := tokenFromRequest(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, CodeUnauthorized, err.Error())
			return
		}
		claims, err := a.ParseToken(tokenString)
		if err != nil {
			a.logger.WithError(err).WithField("path", r.URL.Path).Warn("Rejected request token")
			writeError(w, http.StatusUnauthorized, CodeUnauthorized, ErrInvalidToken.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// RequireRole lets through only callers holding one of roles. It must run
// after Middleware.
func RequireRole(roles ...models.StaffRole) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, CodeUnauthorized, ErrMissingToken.Error())
				return
			}
			for _, role := range roles {
				if claims.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, http.StatusForbidden, CodeForbidden, "insufficient role for this resource")
		})
	}
}

func writeError(w http.ResponseWriter, code int, errCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"code":    errCode,
		"message": message,
	})
}
