package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Cypherspark/push-dispatch/internal/core"
)

const RoleAdmin = "admin"

// AdminClaims is the credential carried by operator requests.
type AdminClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

type ctxKey int

const subjectKey ctxKey = iota

// IssueToken signs an HS256 token for subject with the given role.
func IssueToken(secret, subject, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "push-dispatch",
		},
		Role: role,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// verify parses a bearer header and checks the admin role.
func verify(secret, header string) (*AdminClaims, error) {
	if header == "" {
		return nil, &core.AuthorizationError{Reason: "missing credential"}
	}
	raw, found := strings.CutPrefix(header, "Bearer ")
	if !found || raw == "" {
		return nil, &core.AuthorizationError{Reason: "malformed credential"}
	}
	claims := &AdminClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return nil, &core.AuthorizationError{Reason: "invalid credential"}
	}
	if claims.Role != RoleAdmin {
		return claims, errForbidden
	}
	return claims, nil
}

var errForbidden = &core.AuthorizationError{Reason: "admin role required"}

// requireAdmin rejects a request before any handler runs unless it carries a
// valid admin token.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.JWTSecret == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized", Message: "admin authentication is not configured"})
			return
		}
		claims, err := verify(s.JWTSecret, r.Header.Get("Authorization"))
		if err != nil {
			status := http.StatusUnauthorized
			if errors.Is(err, errForbidden) {
				status = http.StatusForbidden
			}
			writeJSON(w, status, errorBody{Error: "unauthorized", Message: err.Error()})
			return
		}
		ctx := context.WithValue(r.Context(), subjectKey, claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func subject(ctx context.Context) string {
	s, _ := ctx.Value(subjectKey).(string)
	return s
}
