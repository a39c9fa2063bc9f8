// Package auth turns the gateway's credentials into a participant identity.
// Tokens are issued elsewhere; this package only checks them.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"edurelay/pkg/types"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrNoSecret           = errors.New("token secret cannot be empty")
)

// Claims carries the participant role next to the registered claims. The
// subject is the participant id.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Verifier checks HS256 gateway tokens. In trusted mode it also accepts the
// user_id and role query parameters set by the gateway.
type Verifier struct {
	secret  []byte
	issuer  string
	trusted bool
}

// NewVerifier returns a verifier for secret. issuer is enforced when non-empty.
func NewVerifier(secret, issuer string, trusted bool) (*Verifier, error) {
	if secret == "" && !trusted {
		return nil, ErrNoSecret
	}
	return &Verifier{secret: []byte(secret), issuer: issuer, trusted: trusted}, nil
}

// Verify parses a token and returns the identity it names.
func (v *Verifier) Verify(token string) (types.Identity, error) {
	if len(v.secret) == 0 {
		return types.Identity{}, ErrNoSecret
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return types.Identity{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return types.Identity{}, ErrInvalidToken
	}

	id := types.Identity{ID: claims.Subject, Role: claims.Role}
	if err := types.Validate(id); err != nil {
		return types.Identity{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return id, nil
}

// FromRequest extracts the identity of an HTTP or upgrade request. A bearer
// header wins over the token query parameter; trusted query parameters are
// consulted last.
func (v *Verifier) FromRequest(r *http.Request) (types.Identity, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		token, ok := strings.CutPrefix(h, "Bearer ")
		if !ok {
			return types.Identity{}, ErrInvalidToken
		}
		return v.Verify(strings.TrimSpace(token))
	}
	query := r.URL.Query()
	if token := query.Get("token"); token != "" {
		return v.Verify(token)
	}
	if v.trusted && query.Get("user_id") != "" {
		id := types.Identity{ID: query.Get("user_id"), Role: query.Get("role")}
		if err := types.Validate(id); err != nil {
			return types.Identity{}, err
		}
		return id, nil
	}
	return types.Identity{}, ErrMissingCredentials
}

// Issue signs a token for id. Used by tests and local tooling.
func (v *Verifier) Issue(id types.Identity, ttl time.Duration) (string, error) {
	if len(v.secret) == 0 {
		return "", ErrNoSecret
	}
	now := time.Now()
	claims := &Claims{
		Role: id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.ID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
