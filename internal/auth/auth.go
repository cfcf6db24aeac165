// Package auth validates inbound connection credentials: bearer tokens from
// the identity provider and the browser Origin header.
package auth

import (
	"net/url"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/commitledger/agent-gateway/internal/model"
)

// DevIdentity is substituted when authentication is not enforced so the rest
// of the pipeline (rate limiting, persistence) still has a stable key.
var DevIdentity = model.Identity{ID: "dev-user", Email: "dev@localhost"}

// Claims are the identity-provider JWT claims we rely on.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
}

// Verifier validates identity-provider access tokens. Tokens are HS256
// signed with the provider's shared secret.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a token verifier for the given shared secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// VerifyToken parses and validates a raw token, stripping an optional bearer
// prefix. It returns nil on any failure: malformed token, bad signature,
// expiry, or a missing subject. Callers must treat nil as "unauthenticated",
// not as a distinguishable error.
func (v *Verifier) VerifyToken(rawToken string) *model.Identity {
	tokenString := StripBearer(rawToken)
	if tokenString == "" {
		return nil
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return nil
	}
	if claims.Subject == "" {
		return nil
	}

	return &model.Identity{
		ID:    claims.Subject,
		Email: claims.Email,
	}
}

// StripBearer removes an optional "Bearer " prefix, case-insensitively.
func StripBearer(raw string) string {
	raw = strings.TrimSpace(raw)
	if len(raw) >= 7 && strings.EqualFold(raw[:7], "bearer ") {
		return strings.TrimSpace(raw[7:])
	}
	return raw
}

// ExtractTokenFromURL pulls the token query parameter from a connection URL.
// Returns "" on any parse failure rather than an error.
func ExtractTokenFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Query().Get("token")
}
