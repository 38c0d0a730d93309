package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/aussiehq/gateway/internal/identity"
)

// issuerClaims is the claim set embedded in an aussie-signed forwarding
// token (spec.md §4.4: "a freshly issued aussie-signed token carrying
// forwardedClaims ∩ source claims").
type issuerClaims struct {
	jwt.RegisteredClaims
	PrincipalID   string            `json:"pid"`
	PrincipalType string            `json:"ptype"`
	Attributes    map[string]string `json:"attrs,omitempty"`
}

// issueToken signs a short-lived forwarding token for principal, capped at
// maxTTL regardless of requestedTTL (spec.md §4.4: "exp = now +
// min(requestedTtl, maxTokenTtl)"). forwardClaims restricts which
// principal attributes are copied into the token; a nil/empty set copies
// none. audience becomes the token's aud claim (spec.md §6's JWS layout:
// "aud (route audience or fallback)").
func (p *Pipeline) issueToken(principal identity.Principal, sessionID string, requestedTTL, maxTTL time.Duration, forwardClaims []string, audience string) (identity.SessionToken, error) {
	ttl := requestedTTL
	if ttl <= 0 || ttl > maxTTL {
		ttl = maxTTL
	}
	now := time.Now()
	expiresAt := now.Add(ttl)

	attrs := make(map[string]string, len(forwardClaims))
	for _, name := range forwardClaims {
		if v, ok := principal.Attributes[name]; ok {
			attrs[name] = v
		}
	}

	claims := issuerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    p.issuer,
			Subject:   principal.ID,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
		PrincipalID:   principal.ID,
		PrincipalType: string(principal.Type),
		Attributes:    attrs,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(p.signingKey))
	if err != nil {
		return identity.SessionToken{}, fmt.Errorf("auth: sign forwarding token: %w", err)
	}

	return identity.SessionToken{
		Token:      signed,
		ExpiresAt:  expiresAt,
		SessionID:  sessionID,
		ClaimNames: forwardClaims,
	}, nil
}
