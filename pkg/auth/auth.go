// Package auth verifies the bearer tokens presented when a connection is upgraded.
package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"

	"github.com/adfharrison1/go-syncdb/pkg/domain"
)

// Claims is the token payload issued by the accounts service.
type Claims struct {
	jwt.RegisteredClaims

	Email     string `json:"email,omitempty"`
	Workspace string `json:"workspace"`
}

// Verifier checks HS256 tokens against a shared secret.
type Verifier struct {
	secret []byte
	issuer string
	parser *jwt.Parser
}

// NewVerifier returns a Verifier. An empty issuer accepts any issuer.
func NewVerifier(secret []byte, issuer string) *Verifier {
	options := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name})}
	if issuer != "" {
		options = append(options, jwt.WithIssuer(issuer))
	}
	return &Verifier{secret: secret, issuer: issuer, parser: jwt.NewParser(options...)}
}

// Verify validates the signature, issuer and expiry and returns the claims.
// Every failure wraps domain.ErrUnauthorized.
func (v *Verifier) Verify(token string) (*Claims, error) {
	if token == "" {
		return nil, domain.Errorf(domain.CodeUnauthorized, "no authorization token")
	}
	claims := &Claims{}
	if _, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}); err != nil {
		return nil, domain.Wrap(domain.CodeUnauthorized, err, "invalid token")
	}
	if claims.Workspace == "" {
		return nil, domain.Errorf(domain.CodeUnauthorized, "token carries no workspace")
	}
	return claims, nil
}

// Issue signs a token for workspace. A zero ttl issues a token without expiry.
func (v *Verifier) Issue(email, workspace string, ttl time.Duration) (string, error) {
	if workspace == "" {
		return "", errors.New("workspace is required")
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   v.issuer,
			Subject:  email,
			IssuedAt: jwt.NewNumericDate(now),
		},
		Email:     email,
		Workspace: workspace,
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// TokenFromRequest extracts the bearer token from the `token` path variable, the
// Authorization header or the `token` query parameter, in that order.
func TokenFromRequest(r *http.Request) string {
	if token := mux.Vars(r)["token"]; token != "" {
		return token
	}
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}
