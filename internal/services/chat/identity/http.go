package identity

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
)

// TokenCookieName carries the id token set by the hosted login callback.
const TokenCookieName = "chat_token"

type identityContextKey struct{}

// WithIdentity stores ident in ctx.
func WithIdentity(ctx context.Context, ident Identity) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, identityContextKey{}, ident)
}

// FromContext returns the identity stored in ctx.
func FromContext(ctx context.Context) (Identity, bool) {
	if ctx == nil {
		return Identity{}, false
	}
	ident, ok := ctx.Value(identityContextKey{}).(Identity)
	return ident, ok
}

// CredentialFromRequest extracts a bearer token from the Authorization
// header, the token query parameter, or the token cookie, in that order.
func CredentialFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			if token = strings.TrimSpace(token); token != "" {
				return token
			}
		}
	}
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	if cookie, err := r.Cookie(TokenCookieName); err == nil {
		return strings.TrimSpace(cookie.Value)
	}
	return ""
}

// Middleware attaches a verified identity to HTTP requests.
//
// Under Enforced a missing or invalid credential is answered with 401.
// Under Permissive the request continues without an identity.
func (r *Resolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		credential := CredentialFromRequest(req)
		if credential == "" {
			if r.policy == Enforced {
				writeUnauthorized(w, "Authentication required")
				return
			}
			next.ServeHTTP(w, req)
			return
		}
		ident, err := r.Verify(req.Context(), credential)
		if err != nil {
			if r.policy == Enforced {
				log.Printf("chat: http unauthorized path=%q remote=%s: %v", req.URL.Path, req.RemoteAddr, err)
				writeUnauthorized(w, "Invalid token")
				return
			}
			next.ServeHTTP(w, req)
			return
		}
		next.ServeHTTP(w, req.WithContext(WithIdentity(req.Context(), ident)))
	})
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// IsAuthFailure reports whether err came from credential checks.
func IsAuthFailure(err error) bool {
	return errors.Is(err, ErrCredentialRequired) || errors.Is(err, ErrInvalidToken) || errors.Is(err, ErrNotConfigured)
}
