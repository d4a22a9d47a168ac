// Package identity turns connection credentials into chat identities.
//
// Bearer tokens are RS256 JWTs issued by a Cognito user pool and verified
// against the pool's published key set. Connections without a credential get
// a fresh guest identity unless the resolver enforces authentication.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/louisbranch/chatroom/internal/platform/id"
)

var (
	// ErrCredentialRequired reports a missing credential under Enforced.
	ErrCredentialRequired = errors.New("authentication required")
	// ErrInvalidToken reports a credential that failed verification.
	ErrInvalidToken = errors.New("invalid token")
	// ErrNotConfigured reports a resolver with no issuer to verify against.
	ErrNotConfigured = errors.New("token verification is not configured")
)

// Policy decides what happens when a credential is missing or invalid.
type Policy int

const (
	// Permissive downgrades missing or invalid credentials to a guest.
	Permissive Policy = iota
	// Enforced rejects missing or invalid credentials.
	Enforced
)

func (p Policy) String() string {
	if p == Enforced {
		return "enforced"
	}
	return "permissive"
}

// Identity is who a connection acts as.
type Identity struct {
	UserID  string   `json:"userId"`
	Email   string   `json:"email,omitempty"`
	Groups  []string `json:"groups,omitempty"`
	IsGuest bool     `json:"isGuest"`
}

// Guest returns a fresh guest identity.
func Guest() Identity {
	return Identity{UserID: id.NewGuestID(), IsGuest: true}
}

// Config describes the token issuer.
type Config struct {
	// Issuer is the expected iss claim. Empty disables verification.
	Issuer string
	// Audience, when set, must match the aud or client_id claim.
	Audience string
	// JWKSURL defaults to Issuer + "/.well-known/jwks.json".
	JWKSURL     string
	KeyCacheTTL time.Duration
	HTTPClient  *http.Client
	Now         func() time.Time
}

// CognitoIssuer builds the issuer URL of a Cognito user pool.
func CognitoIssuer(region, userPoolID string) string {
	region = strings.TrimSpace(region)
	userPoolID = strings.TrimSpace(userPoolID)
	if region == "" || userPoolID == "" {
		return ""
	}
	return fmt.Sprintf("https://cognito-idp.%s.amazonaws.com/%s", region, userPoolID)
}

// Resolver resolves credentials into identities under one Policy.
type Resolver struct {
	policy   Policy
	issuer   string
	audience string
	keys     *KeySet
	now      func() time.Time
}

type cognitoClaims struct {
	jwt.RegisteredClaims
	Email    string   `json:"email"`
	ClientID string   `json:"client_id"`
	Groups   []string `json:"cognito:groups"`
}

// NewResolver builds a resolver. Enforced requires an issuer.
func NewResolver(policy Policy, cfg Config) (*Resolver, error) {
	issuer := strings.TrimRight(strings.TrimSpace(cfg.Issuer), "/")
	if policy == Enforced && issuer == "" {
		return nil, fmt.Errorf("enforced policy: %w", ErrNotConfigured)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	r := &Resolver{
		policy:   policy,
		issuer:   issuer,
		audience: strings.TrimSpace(cfg.Audience),
		now:      cfg.Now,
	}
	if issuer != "" {
		jwksURL := strings.TrimSpace(cfg.JWKSURL)
		if jwksURL == "" {
			jwksURL = issuer + "/.well-known/jwks.json"
		}
		r.keys = NewKeySet(jwksURL, cfg.HTTPClient, cfg.KeyCacheTTL)
		r.keys.now = cfg.Now
	}
	return r, nil
}

// Policy reports the resolver policy.
func (r *Resolver) Policy() Policy {
	return r.policy
}

// Resolve maps a credential to an identity according to the policy.
func (r *Resolver) Resolve(ctx context.Context, credential string) (Identity, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		if r.policy == Enforced {
			return Identity{}, ErrCredentialRequired
		}
		return Guest(), nil
	}

	ident, err := r.Verify(ctx, credential)
	if err == nil {
		return ident, nil
	}
	if r.policy == Enforced {
		return Identity{}, err
	}
	guest := Guest()
	log.Printf("chat: token rejected, continuing as guest=%q: %v", guest.UserID, err)
	return guest, nil
}

// Verify checks token signature, issuer, expiry and audience and extracts
// the subject, email and groups.
func (r *Resolver) Verify(ctx context.Context, token string) (Identity, error) {
	if r.keys == nil {
		return Identity{}, ErrNotConfigured
	}
	var claims cognitoClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token has no kid")
		}
		return r.keys.Key(ctx, kid)
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(r.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(r.now),
	)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	if r.audience != "" && !slices.Contains(claims.Audience, r.audience) && claims.ClientID != r.audience {
		return Identity{}, fmt.Errorf("%w: audience mismatch", ErrInvalidToken)
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return Identity{}, fmt.Errorf("%w: subject is required", ErrInvalidToken)
	}
	return Identity{
		UserID: subject,
		Email:  claims.Email,
		Groups: claims.Groups,
	}, nil
}
